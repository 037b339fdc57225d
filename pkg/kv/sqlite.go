// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const kvTable = "raven_kv"

// SQLiteStore persists records in SQLite. Several deployments may share a
// database file; each sees only its own namespace.
type SQLiteStore struct {
	db        *sql.DB
	namespace string
	now       func() time.Time
	owned     bool
}

// NewSQLiteStore wraps db and ensures the schema. The caller keeps
// ownership of db.
func NewSQLiteStore(db *sql.DB, namespace string) (*SQLiteStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if err := ensureKVSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db, namespace: namespace, now: time.Now}, nil
}

// OpenSQLiteStore opens dsn with the modernc driver. Writes are serialized
// over a single connection.
func OpenSQLiteStore(dsn, namespace string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store, err := NewSQLiteStore(db, namespace)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// SetClock replaces the clock used for expiry.
func (s *SQLiteStore) SetClock(now func() time.Time) { s.now = now }

func (s *SQLiteStore) Get(ctx context.Context, key string) (any, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT value_json FROM %s
		WHERE namespace = ? AND key = ? AND (expires_at = 0 OR expires_at > ?)
	`, kvTable), s.namespace, key, s.now().UnixMilli()).Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageError("get", key, err)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encodeValue(value)
	if err != nil {
		return err
	}
	now := s.now()
	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (namespace, key, value_json, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value_json = excluded.value_json,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, kvTable), s.namespace, key, raw, expiresAt, now.UnixMilli())
	if err != nil {
		return storageError("put", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE namespace = ? AND key = ?`, kvTable),
		s.namespace, key)
	if err != nil {
		return storageError("delete", key, err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT key FROM %s
		WHERE namespace = ? AND substr(key, 1, length(?)) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key ASC
		LIMIT ?
	`, kvTable), s.namespace, prefix, prefix, s.now().UnixMilli(), limit)
	if err != nil {
		return nil, storageError("list", prefix, err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storageError("list", prefix, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("list", prefix, err)
	}
	return keys, nil
}

// Purge removes expired records and returns how many were deleted.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE namespace = ? AND expires_at != 0 AND expires_at <= ?
	`, kvTable), s.namespace, s.now().UnixMilli())
	if err != nil {
		return 0, storageError("purge", "", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database when the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func ensureKVSchema(db *sql.DB) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			namespace TEXT NOT NULL,
			key TEXT NOT NULL,
			value_json BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY(namespace, key)
		);`, kvTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_expires ON %s(expires_at);`, kvTable, kvTable),
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

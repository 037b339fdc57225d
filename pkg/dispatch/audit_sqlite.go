// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"database/sql"
	stderrors "errors"

	_ "modernc.org/sqlite"
)

// SQLiteAuditStore persists audit records in SQLite.
type SQLiteAuditStore struct {
	db *sql.DB
}

// NewSQLiteAuditStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteAuditStore(db *sql.DB) (*SQLiteAuditStore, error) {
	if db == nil {
		return nil, stderrors.New("db is nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteAuditStore{db: db}, nil
}

// OpenSQLiteAuditStore opens dsn with the modernc driver.
func OpenSQLiteAuditStore(dsn string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	store, err := NewSQLiteAuditStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Record stores a single audit record.
func (s *SQLiteAuditStore) Record(ctx context.Context, rec AuditRecord) error {
	rec = normalizeAuditRecord(rec)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raven_dispatch_audit (
			correlation_id, request_id, namespace, member, outcome, error_code, provider_code, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.CorrelationID,
		rec.RequestID,
		rec.Namespace,
		rec.Member,
		string(rec.Outcome),
		rec.ErrorCode,
		rec.ProviderCode,
		rec.StartedAt,
		rec.FinishedAt,
	)
	return err
}

// List returns audit records matching the filter in insertion order.
func (s *SQLiteAuditStore) List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error) {
	query := `
		SELECT correlation_id, request_id, namespace, member, outcome, error_code, provider_code, started_at, finished_at
		FROM raven_dispatch_audit
	`
	var args []any
	where := ""
	addFilter := func(clause string, value any) {
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
		args = append(args, value)
	}
	if filter.RequestID != "" {
		addFilter("request_id = ?", filter.RequestID)
	}
	if filter.Namespace != "" {
		addFilter("namespace = ?", filter.Namespace)
	}
	if filter.Outcome != "" {
		addFilter("outcome = ?", string(filter.Outcome))
	}
	query += where + " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var (
			rec      AuditRecord
			outcome  string
			started  sql.NullTime
			finished sql.NullTime
		)
		if err := rows.Scan(
			&rec.CorrelationID,
			&rec.RequestID,
			&rec.Namespace,
			&rec.Member,
			&outcome,
			&rec.ErrorCode,
			&rec.ProviderCode,
			&started,
			&finished,
		); err != nil {
			return nil, err
		}
		rec.Outcome = Outcome(outcome)
		if started.Valid {
			rec.StartedAt = started.Time
		}
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS raven_dispatch_audit (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			namespace TEXT NOT NULL,
			member TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			provider_code TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_raven_audit_request ON raven_dispatch_audit(request_id);
		CREATE INDEX IF NOT EXISTS idx_raven_audit_namespace ON raven_dispatch_audit(namespace);
		CREATE INDEX IF NOT EXISTS idx_raven_audit_outcome ON raven_dispatch_audit(outcome);
	`)
	return err
}

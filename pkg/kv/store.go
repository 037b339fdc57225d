// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

// Package kv implements the raven/kv binding: a process-wide key-value
// store shared by every execution context, and the hosted provider that
// exposes it to scripts.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fe1fan/raven/pkg/config"
	"github.com/fe1fan/raven/pkg/errors"
)

// DefaultNamespace is the store namespace used when none is configured.
const DefaultNamespace = "default"

// Store is the storage engine beneath the binding. Operations on the same
// key are linearizable. Expired records behave as absent.
type Store interface {
	// Get returns the value stored under key. ok is false when the key is
	// missing or expired.
	Get(ctx context.Context, key string) (value any, ok bool, err error)
	// Put overwrites key. A positive ttl makes the record expire.
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	// List returns live keys with the prefix in lexical order. A limit of
	// zero or less returns all of them.
	List(ctx context.Context, prefix string, limit int) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the store selected by cfg.
func Open(cfg config.KVConfig) (Store, error) {
	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file:raven_kv?mode=memory&cache=shared"
		}
		return OpenSQLiteStore(dsn, ns)
	default:
		return nil, errors.New(errors.CodeInvalidParams,
			fmt.Sprintf("unknown kv backend %q", cfg.Backend), nil).
			WithContext("backend", cfg.Backend)
	}
}

// encodeValue stores any JSON-representable value.
func encodeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidParams, "value is not JSON-representable", err)
	}
	return raw, nil
}

func decodeValue(raw []byte) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errors.New(errors.CodeStorage, "stored value is corrupt", err)
	}
	return v, nil
}

func storageError(op, key string, err error) error {
	return errors.New(errors.CodeStorage, fmt.Sprintf("kv %s failed", op), err).
		WithContext("key", key).
		WithRecoverable(true)
}

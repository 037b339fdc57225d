// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"sync"
	"time"
)

// AuditRecord is one row per hosted call terminal outcome.
type AuditRecord struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	Namespace     string    `json:"namespace"`
	Member        string    `json:"member"`
	Outcome       Outcome   `json:"outcome"`
	ErrorCode     string    `json:"error_code,omitempty"`
	ProviderCode  string    `json:"provider_code,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// AuditStore persists hosted call outcomes.
type AuditStore interface {
	Record(ctx context.Context, rec AuditRecord) error
	List(ctx context.Context, filter AuditFilter) ([]AuditRecord, error)
}

// AuditFilter limits audit queries.
type AuditFilter struct {
	RequestID string
	Namespace string
	Outcome   Outcome
	Limit     int
}

func (f AuditFilter) match(rec AuditRecord) bool {
	if f.RequestID != "" && rec.RequestID != f.RequestID {
		return false
	}
	if f.Namespace != "" && rec.Namespace != f.Namespace {
		return false
	}
	if f.Outcome != "" && rec.Outcome != f.Outcome {
		return false
	}
	return true
}

// MemoryAuditStore keeps audit records in memory.
type MemoryAuditStore struct {
	mu      sync.Mutex
	records []AuditRecord
}

// NewMemoryAuditStore returns an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Record appends an audit record.
func (s *MemoryAuditStore) Record(_ context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, normalizeAuditRecord(rec))
	return nil
}

// List returns filtered records in insertion order.
func (s *MemoryAuditStore) List(_ context.Context, filter AuditFilter) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditRecord, 0, len(s.records))
	for _, rec := range s.records {
		if !filter.match(rec) {
			continue
		}
		out = append(out, rec)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// normalizeAuditRecord stores timestamps in UTC.
func normalizeAuditRecord(rec AuditRecord) AuditRecord {
	if !rec.StartedAt.IsZero() {
		rec.StartedAt = rec.StartedAt.UTC()
	}
	if !rec.FinishedAt.IsZero() {
		rec.FinishedAt = rec.FinishedAt.UTC()
	}
	return rec
}

// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"time"

	"github.com/fe1fan/raven/pkg/capability"
	"github.com/fe1fan/raven/pkg/core"
	"github.com/fe1fan/raven/pkg/dispatch"
	"github.com/fe1fan/raven/pkg/errors"
)

// Namespace is the import path of the binding.
const Namespace = "raven/kv"

const opTimeout = 2 * time.Second

type putInput struct {
	Key   string `json:"key" jsonschema:"minLength=1,maxLength=512"`
	Value any    `json:"value"`
	TTL   int64  `json:"ttl,omitempty" jsonschema:"minimum=0,description=milliseconds until the record expires"`
}

type keyInput struct {
	Key string `json:"key" jsonschema:"minLength=1,maxLength=512"`
}

type listInput struct {
	Prefix string `json:"prefix,omitempty"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=0"`
}

func operations(store Store) []capability.Operation {
	return []capability.Operation{
		capability.Op(Namespace, "put", func(ctx context.Context, in putInput) (any, error) {
			return nil, providerError(store.Put(ctx, in.Key, in.Value, time.Duration(in.TTL)*time.Millisecond))
		}, capability.WithIdempotent(), capability.WithTimeout(opTimeout),
			capability.WithDescription("Store a value under key, replacing any previous value.")),

		capability.Op(Namespace, "get", func(ctx context.Context, in keyInput) (any, error) {
			v, _, err := store.Get(ctx, in.Key)
			return v, providerError(err)
		}, capability.WithIdempotent(), capability.WithTimeout(opTimeout),
			capability.WithDescription("Return the value stored under key, or nil when absent.")),

		capability.Op(Namespace, "delete", func(ctx context.Context, in keyInput) (any, error) {
			return nil, providerError(store.Delete(ctx, in.Key))
		}, capability.WithIdempotent(), capability.WithTimeout(opTimeout),
			capability.WithDescription("Remove key if present.")),

		capability.Op(Namespace, "list", func(ctx context.Context, in listInput) ([]string, error) {
			keys, err := store.List(ctx, in.Prefix, in.Limit)
			return keys, providerError(err)
		}, capability.WithIdempotent(), capability.WithTimeout(opTimeout),
			capability.WithDescription("List keys with a prefix in lexical order.")),
	}
}

// Register adds the raven/kv descriptors to r.
func Register(r *capability.Registry) error {
	err := r.RegisterNamespace(capability.Namespace{
		Path:        Namespace,
		Identifier:  "kv",
		Description: "Process-wide key-value store shared by all scripts",
		Version:     "1.0",
	})
	if err != nil {
		return err
	}
	_, err = r.RegisterOps(operations(nil)...)
	return err
}

// Provider serves raven/kv from a Store.
type Provider struct {
	store Store
	ops   dispatch.Ops
}

// NewProvider returns the hosted provider for store.
func NewProvider(store Store) *Provider {
	ops := make(dispatch.Ops)
	for _, op := range operations(store) {
		ops[op.Descriptor.Member] = op.Handler
	}
	return &Provider{store: store, ops: ops}
}

// Handle serves one request.
func (p *Provider) Handle(ctx context.Context, req *dispatch.Request) *dispatch.Response {
	return p.ops.Handle(ctx, req)
}

// Check reports the store's reachability.
func (p *Provider) Check(ctx context.Context) core.HealthResult {
	return core.PingChecker(p.store.Ping).Check(ctx)
}

// Close closes the store.
func (p *Provider) Close(context.Context) error {
	return p.store.Close()
}

// Store returns the underlying store.
func (p *Provider) Store() Store { return p.store }

// providerError reports storage failures as retryable Unavailable errors
// so idempotent calls are replayed and the breaker sees them.
func providerError(err error) error {
	if err == nil || !errors.IsCode(err, errors.CodeStorage) {
		return err
	}
	pe := dispatch.Errorf(dispatch.ProviderCodeUnavailable, "%s", errors.AsRavenError(err).Error())
	pe.Retryable = true
	return pe
}

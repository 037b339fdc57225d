// Copyright 2026 © The Raven Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic conventions for Raven telemetry.
// These follow OpenTelemetry naming conventions where applicable.
const (
	// Request attributes
	AttrRequestID     = "raven.request.id"
	AttrRequestMethod = "raven.request.method"
	AttrRequestPath   = "raven.request.path"
	AttrRequestStatus = "raven.request.status"
	AttrRequestState  = "raven.request.state"
	AttrWorkerName    = "raven.worker.name"

	// Capability attributes
	AttrNamespace = "raven.capability.namespace"
	AttrMember    = "raven.capability.member"
	AttrKind      = "raven.capability.kind"

	// Dispatch attributes
	AttrCorrelationID = "raven.dispatch.correlation_id"
	AttrOutcome       = "raven.dispatch.outcome"
	AttrDurationMs    = "raven.dispatch.duration_ms"
	AttrProviderCode  = "raven.dispatch.provider_code"
	AttrAttempts      = "raven.dispatch.attempts"

	// Error attributes
	AttrErrorCode   = "raven.error.code"
	AttrErrorFamily = "raven.error.family"

	// Governance attributes
	AttrPolicyAllowed = "raven.policy.allowed"
	AttrPolicyRuleID  = "raven.policy.rule_id"
	AttrPolicyReason  = "raven.policy.reason"
)

// CapabilityAttributes returns attributes identifying a capability call.
func CapabilityAttributes(namespace, member, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrNamespace, namespace),
		attribute.String(AttrMember, member),
		attribute.String(AttrKind, kind),
	}
}

// DispatchAttributes returns attributes for a finished hosted call span.
func DispatchAttributes(correlationID, outcome string, durationMs float64, providerCode string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrCorrelationID, correlationID),
		attribute.String(AttrOutcome, outcome),
		attribute.Float64(AttrDurationMs, durationMs),
	}
	if providerCode != "" {
		attrs = append(attrs, attribute.String(AttrProviderCode, providerCode))
	}
	return attrs
}

// RequestAttributes returns attributes for a lifecycle span.
func RequestAttributes(requestID, worker, method, path string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrRequestID, requestID),
	}
	if worker != "" {
		attrs = append(attrs, attribute.String(AttrWorkerName, worker))
	}
	if method != "" {
		attrs = append(attrs, attribute.String(AttrRequestMethod, method))
	}
	if path != "" {
		if len(path) > 200 {
			path = path[:200] + "..."
		}
		attrs = append(attrs, attribute.String(AttrRequestPath, path))
	}
	return attrs
}

// PolicyAttributes returns attributes for policy evaluation.
func PolicyAttributes(allowed bool, ruleID, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Bool(AttrPolicyAllowed, allowed),
	}
	if ruleID != "" {
		attrs = append(attrs, attribute.String(AttrPolicyRuleID, ruleID))
	}
	if reason != "" {
		attrs = append(attrs, attribute.String(AttrPolicyReason, reason))
	}
	return attrs
}

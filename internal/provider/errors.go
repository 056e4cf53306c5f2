// Package provider defines the transport boundary to external generation
// services: request/response types, a closed failure taxonomy, and the
// classification rules that map provider errors onto it.
package provider

import (
	"errors"
	"fmt"
)

// FailureKind is the closed taxonomy of call failures. The orchestrator
// switches on the kind, never on provider-specific error types.
type FailureKind int

const (
	// FailureUnknown covers unclassified failures. Treated like a
	// transient failure (short cooldown) as the safe default.
	FailureUnknown FailureKind = iota

	// FailureQuota covers quota exhaustion and permission denial:
	// the credential has no remaining allowance for the target.
	FailureQuota

	// FailureRateLimit covers too-many-requests responses.
	FailureRateLimit

	// FailureClient covers other non-retryable per-call client errors.
	FailureClient

	// FailureServer covers provider-side instability and unavailability.
	FailureServer
)

// String returns a stable label for logs and metrics.
func (k FailureKind) String() string {
	switch k {
	case FailureQuota:
		return "quota"
	case FailureRateLimit:
		return "rate_limit"
	case FailureClient:
		return "client"
	case FailureServer:
		return "server"
	default:
		return "unknown"
	}
}

// LongCooldown reports whether failures of this kind warrant the long
// cooldown (no remaining allowance) rather than the short one (transient).
func (k FailureKind) LongCooldown() bool {
	return k == FailureQuota || k == FailureRateLimit
}

// CallError is a classified transport failure.
type CallError struct {
	Kind   FailureKind
	Status int // HTTP status when known, else 0
	Msg    string
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider: %s (%d): %s", e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("provider: %s: %s", e.Kind, e.Msg)
}

// NewCallError builds a classified error from an HTTP status and body.
// The status decides the kind where it can; the body heuristics refine
// ambiguous statuses.
func NewCallError(status int, body string) *CallError {
	return &CallError{Kind: classifyStatus(status, body), Status: status, Msg: body}
}

// ErrExhausted indicates every credential failed on every target in the
// fallback chain. It wraps the last observed failure.
var ErrExhausted = errors.New("provider: all credentials and fallback targets exhausted")

// IsExhausted reports whether err is or wraps ErrExhausted.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}

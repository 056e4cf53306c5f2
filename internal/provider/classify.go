package provider

import (
	"context"
	"errors"
	"strings"
)

// Classify maps an arbitrary transport error onto the failure taxonomy.
// Typed errors win; free-text heuristics are a best-effort fallback only,
// and anything ambiguous lands on FailureUnknown (short cooldown).
func Classify(err error) FailureKind {
	if err == nil {
		return FailureUnknown
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classifyMessage(err.Error())
}

// IsCanceled reports whether err is or wraps a context cancellation or
// deadline error. HTTP client timeouts wrap context.DeadlineExceeded too,
// so callers must also check their own context before treating the error
// as caller cancellation rather than a hung upstream.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classifyStatus maps an HTTP status onto the taxonomy, refining ambiguous
// statuses with the response body.
func classifyStatus(status int, body string) FailureKind {
	switch status {
	case 429:
		return FailureRateLimit
	case 401, 402, 403:
		return FailureQuota
	case 500, 502, 503, 504:
		return FailureServer
	}
	if status >= 400 && status < 500 {
		// Some providers tunnel quota exhaustion through 4xx bodies.
		if kind := classifyMessage(body); kind == FailureQuota || kind == FailureRateLimit {
			return kind
		}
		return FailureClient
	}
	return classifyMessage(body)
}

// classifyMessage inspects free-form error text for known patterns. The
// status-code tokens cover SDKs that flatten HTTP failures into strings.
func classifyMessage(msg string) FailureKind {
	if msg == "" {
		return FailureUnknown
	}
	lower := strings.ToLower(msg)

	switch {
	case containsAny(lower,
		"resource_exhausted",
		"resource has been exhausted",
		"quota exceeded",
		"exceeded your current quota",
		"insufficient_quota",
		"permission_denied",
		"permission denied",
	):
		return FailureQuota

	case strings.Contains(lower, "429"),
		containsAny(lower,
			"rate limit",
			"rate_limit",
			"too many requests",
			"requests per minute",
		):
		return FailureRateLimit

	case containsAny(lower, "503", "502", "504", "500"),
		containsAny(lower,
			"overloaded",
			"server is busy",
			"temporarily unavailable",
			"service unavailable",
			"internal error",
		):
		return FailureServer

	case containsAny(lower, "400", "404", "invalid_argument", "invalid request", "malformed"):
		return FailureClient
	}

	return FailureUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Package admission provides the decision value types returned for every
// inbound request.
package admission

import (
	"time"

	"github.com/textgate/textgate/domain/quota"
)

// Reason explains an admission decision.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonQuotaExceeded Reason = "quota_exceeded"
	ReasonSuspicious    Reason = "suspicious"
	ReasonBlocked       Reason = "blocked"
)

// Decision is the immutable verdict for one request (value type).
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration // Present iff not allowed

	// Quota snapshot for response headers; populated on allowed decisions
	// and on quota denials.
	Limit     int64 // quota.Unbounded for bypassing tiers
	Remaining int64
	ResetAt   time.Time
}

// Allow builds an allowed decision carrying the quota snapshot.
func Allow(limit, remaining int64, resetAt time.Time) Decision {
	return Decision{
		Allowed:   true,
		Reason:    ReasonOK,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Deny builds a denied decision with retry guidance.
func Deny(reason Reason, retryAfter time.Duration) Decision {
	return Decision{
		Allowed:    false,
		Reason:     reason,
		RetryAfter: retryAfter,
	}
}

// RetryAfterSeconds returns the retry delay in whole seconds, rounded up.
func (d Decision) RetryAfterSeconds() int64 {
	if d.Allowed || d.RetryAfter <= 0 {
		return 0
	}
	secs := int64(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		secs++
	}
	return secs
}

// Unlimited reports whether the decision carries no daily cap.
func (d Decision) Unlimited() bool {
	return d.Limit == quota.Unbounded || d.Remaining == quota.Unbounded
}

// Package quota provides pure functions for daily quota enforcement.
// All functions are deterministic - same input always produces same output.
package quota

import "time"

// Tier is the subscription level of an identity.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Unbounded is the Remaining value for identities that bypass daily accounting.
const Unbounded int64 = -1

// Identity is the unit of quota accounting (value type).
// The ID is an authenticated user id, or a source-address key for
// anonymous callers.
type Identity struct {
	ID            string
	Tier          Tier
	TierExpiresAt *time.Time // nil = never expires
}

// WindowState holds an identity's counters for the current UTC day (value type).
type WindowState struct {
	DailyCount  int64     // Committed uses this day
	Reserved    int64     // Admitted but not yet committed
	WindowStart time.Time // UTC day the counters belong to
	TotalCount  int64     // Lifetime counter, never reset
}

// Config holds quota configuration (value type).
type Config struct {
	DailyLimit int64 // Allowed committed uses per UTC day for the free tier
}

// CheckResult represents the outcome of a quota check (value type).
type CheckResult struct {
	Allowed   bool
	Remaining int64     // Uses remaining today; Unbounded for bypassing tiers
	ResetAt   time.Time // Next UTC midnight
	Reason    string    // If not allowed, why
}

// Reasons for denial
const (
	ReasonQuotaExceeded = "quota_exceeded"
)

// DayStart returns the UTC midnight that starts t's day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextReset returns the UTC midnight following t.
func NextReset(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1)
}

// Bypasses reports whether the identity's tier skips daily accounting at now.
// A paid tier counts only while its expiry is unset or in the future.
func Bypasses(id Identity, now time.Time) bool {
	if id.Tier != TierPremium && id.Tier != TierEnterprise {
		return false
	}
	return id.TierExpiresAt == nil || now.Before(*id.TierExpiresAt)
}

// roll returns the state as the current UTC day sees it. Counters from an
// earlier day read as zero; TotalCount survives.
func roll(state WindowState, now time.Time) WindowState {
	day := DayStart(now)
	if !state.WindowStart.Equal(day) {
		state.DailyCount = 0
		state.Reserved = 0
		state.WindowStart = day
	}
	return state
}

// Check performs a quota check.
// This is a PURE function - no side effects, deterministic. A stale window is
// treated as empty without being rewritten, so concurrent probes stay
// side-effect-free.
func Check(id Identity, state WindowState, cfg Config, now time.Time) CheckResult {
	resetAt := NextReset(now)

	if Bypasses(id, now) {
		return CheckResult{
			Allowed:   true,
			Remaining: Unbounded,
			ResetAt:   resetAt,
		}
	}

	state = roll(state, now)

	remaining := cfg.DailyLimit - state.DailyCount
	if remaining < 0 {
		remaining = 0
	}

	if state.DailyCount+state.Reserved >= cfg.DailyLimit {
		return CheckResult{
			Allowed:   false,
			Remaining: remaining,
			ResetAt:   resetAt,
			Reason:    ReasonQuotaExceeded,
		}
	}

	return CheckResult{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Reserve returns the state with one admission slot held. The caller must
// persist the returned state under the identity's critical section; DailyCount
// is untouched until Commit.
func Reserve(state WindowState, now time.Time) WindowState {
	state = roll(state, now)
	state.Reserved++
	return state
}

// Commit converts one reservation into a committed use, applying the lazy
// day-boundary reset first. Calls that ran but failed downstream still commit;
// an attempted call occupied capacity.
func Commit(state WindowState, now time.Time) WindowState {
	state = roll(state, now)
	if state.Reserved > 0 {
		state.Reserved--
	}
	state.DailyCount++
	state.TotalCount++
	return state
}

// SecondsUntil returns whole seconds from now until t, rounded up, floored at
// zero.
func SecondsUntil(t, now time.Time) int64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

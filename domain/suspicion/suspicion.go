// Package suspicion provides pure functions for scoring abuse-like behavior
// of a request source and for computing escalating block durations.
// All functions are deterministic - same input always produces same output.
package suspicion

import (
	"strings"
	"time"
)

// Signals is the behavioral evidence of one request (value type).
type Signals struct {
	UserAgent         string        // Raw caller-agent string; empty = absent
	DistinctEndpoints int           // Endpoints this source touched within the window, including this one
	Gap               time.Duration // Since this source's previous request; negative = first request seen
}

// Config holds scoring weights and escalation thresholds (value type).
// The literal defaults are heuristics, not derived figures; deployments tune
// them through configuration.
type Config struct {
	Window        time.Duration // Tracking window; also the base block duration
	ScoreLimit    int           // Per-call score at which the call counts as a violation
	MaxViolations int           // Violations tolerated before blocking begins
	MaxBlock      time.Duration // Upper bound on any block duration

	WeightNoAgent        int
	WeightAutomatedAgent int
	WeightEndpointSpread int
	WeightRapidFire      int

	EndpointSpreadLimit int           // Distinct endpoints tolerated within the window
	RapidFireGap        time.Duration // Inter-arrival gap considered machine-speed
}

// DefaultConfig returns the default scoring configuration.
func DefaultConfig() Config {
	return Config{
		Window:               15 * time.Minute,
		ScoreLimit:           5,
		MaxViolations:        5,
		MaxBlock:             24 * time.Hour,
		WeightNoAgent:        3,
		WeightAutomatedAgent: 2,
		WeightEndpointSpread: 2,
		WeightRapidFire:      4,
		EndpointSpreadLimit:  10,
		RapidFireGap:         100 * time.Millisecond,
	}
}

// automatedAgentMarkers are substrings of caller-agent strings that indicate
// scripted clients.
var automatedAgentMarkers = []string{
	"bot",
	"crawl",
	"spider",
	"curl",
	"wget",
	"python-requests",
	"python-urllib",
	"go-http-client",
	"java/",
	"okhttp",
	"scrapy",
	"httpclient",
}

// IsAutomatedAgent reports whether the agent string looks scripted. An absent
// agent string counts: no interactive client omits it.
func IsAutomatedAgent(agent string) bool {
	if agent == "" {
		return true
	}
	lower := strings.ToLower(agent)
	for _, marker := range automatedAgentMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Score computes the suspicion score of one request.
// This is a PURE function - no side effects, deterministic.
func Score(sig Signals, cfg Config) int {
	score := 0

	if sig.UserAgent == "" {
		score += cfg.WeightNoAgent
	}
	if IsAutomatedAgent(sig.UserAgent) {
		score += cfg.WeightAutomatedAgent
	}
	if sig.DistinctEndpoints > cfg.EndpointSpreadLimit {
		score += cfg.WeightEndpointSpread
	}
	if sig.Gap >= 0 && sig.Gap < cfg.RapidFireGap {
		score += cfg.WeightRapidFire
	}

	return score
}

// IsViolation reports whether a per-call score counts as a violation.
func IsViolation(score int, cfg Config) bool {
	return score >= cfg.ScoreLimit
}

// ShouldBlock reports whether the accumulated violation count warrants a block.
func ShouldBlock(violations int, cfg Config) bool {
	return violations > cfg.MaxViolations
}

// BlockDuration computes the block duration for the given violation count.
// The first block lasts one window; each further violation past the threshold
// doubles it, capped at cfg.MaxBlock so a persistent attacker cannot overflow
// the timer or lock a source out permanently after transient false positives.
func BlockDuration(violations int, cfg Config) time.Duration {
	if !ShouldBlock(violations, cfg) {
		return 0
	}

	doublings := violations - cfg.MaxViolations - 1
	if doublings < 0 {
		doublings = 0
	}
	// 2^41 windows of any plausible size already exceeds MaxBlock.
	if doublings > 41 {
		doublings = 41
	}

	dur := cfg.Window << uint(doublings)
	if dur <= 0 || dur > cfg.MaxBlock {
		return cfg.MaxBlock
	}
	return dur
}

// Record tracks one source address's behavior (value type held by the store).
// A record may span multiple identities behind a shared NAT.
type Record struct {
	Source         string
	ViolationCount int
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	BlockedUntil   time.Time            // Zero = not blocked
	Endpoints      map[string]time.Time // Endpoint -> last touched
}

// Assessment is the outcome of observing one request (value type).
type Assessment struct {
	Score          int
	ViolationCount int
	Blocked        bool      // Deny this request
	NewBlock       bool      // This request started or extended the block
	BlockedUntil   time.Time // Valid when Blocked
}

// Expired reports whether an idle record is past the retention horizon.
func (r Record) Expired(now time.Time, retention time.Duration) bool {
	idle := r.LastSeenAt
	if idle.IsZero() {
		idle = r.FirstSeenAt
	}
	return now.Sub(idle) > retention && now.After(r.BlockedUntil)
}

// PruneEndpoints drops endpoint entries older than the window. Returns the
// number of live entries.
func PruneEndpoints(endpoints map[string]time.Time, now time.Time, window time.Duration) int {
	for ep, seen := range endpoints {
		if now.Sub(seen) > window {
			delete(endpoints, ep)
		}
	}
	return len(endpoints)
}

// Observe applies one request's signals to a record and decides whether the
// source is blocked. The caller must hold the record's critical section.
// This function mutates only the passed record; it performs no I/O.
func Observe(rec *Record, agent, endpoint string, cfg Config, now time.Time) Assessment {
	if rec.FirstSeenAt.IsZero() {
		rec.FirstSeenAt = now
	}
	if rec.Endpoints == nil {
		rec.Endpoints = make(map[string]time.Time)
	}

	// Bound the endpoint set; the spread signal only needs "more than the
	// limit", not an exact census.
	live := PruneEndpoints(rec.Endpoints, now, cfg.Window)
	if _, seen := rec.Endpoints[endpoint]; seen || live <= 4*cfg.EndpointSpreadLimit {
		rec.Endpoints[endpoint] = now
		if !seen {
			live++
		}
	}

	gap := time.Duration(-1)
	if !rec.LastSeenAt.IsZero() {
		gap = now.Sub(rec.LastSeenAt)
	}

	score := Score(Signals{
		UserAgent:         agent,
		DistinctEndpoints: live,
		Gap:               gap,
	}, cfg)

	violation := IsViolation(score, cfg)
	if violation {
		rec.ViolationCount++
	}
	rec.LastSeenAt = now

	a := Assessment{
		Score:          score,
		ViolationCount: rec.ViolationCount,
	}

	if ShouldBlock(rec.ViolationCount, cfg) && violation {
		// Escalate: this violation restarts the timer at the doubled length.
		rec.BlockedUntil = now.Add(BlockDuration(rec.ViolationCount, cfg))
		a.Blocked = true
		a.NewBlock = true
		a.BlockedUntil = rec.BlockedUntil
		return a
	}

	if now.Before(rec.BlockedUntil) {
		a.Blocked = true
		a.BlockedUntil = rec.BlockedUntil
	}

	return a
}

// Package usage provides usage event types and cost computation.
// All functions are pure - no side effects.
package usage

import "time"

// Outcome classifies one attempted use.
type Outcome string

const (
	OutcomeAllowed       Outcome = "allowed"        // Downstream call ran to completion
	OutcomeDenied        Outcome = "denied"         // Admission refused the request
	OutcomeProviderError Outcome = "provider_error" // Remote capability failed; local substitute served
	OutcomeAbandoned     Outcome = "abandoned"      // Caller went away after admission; still cost-bearing
)

// Origin identifies which capability produced the result.
type Origin string

const (
	OriginRemote Origin = "remote"
	OriginLocal  Origin = "local"
	OriginNone   Origin = "" // Call never ran
)

// Event is an append-only record of one attempted use (immutable value type).
// Events are owned by the accountant and consumed by the external billing
// collaborator; they are never read back into admission decisions.
type Event struct {
	ID               string
	IdentityID       string
	Outcome          Outcome
	Origin           Origin
	Reason           string // Denial reason, empty otherwise
	PromptTokens     int64
	CompletionTokens int64
	CostMicros       int64 // Micro-dollars
	LatencyMs        int64
	Timestamp        time.Time
}

// Billable reports whether the event carries provider cost.
func (e Event) Billable() bool {
	return e.CostMicros > 0
}

// RateTable prices provider-reported token consumption (value type).
// Rates are micro-dollars per million tokens.
type RateTable struct {
	PromptPerMillion     int64
	CompletionPerMillion int64
}

// DefaultRateTable returns a conservative default pricing table.
func DefaultRateTable() RateTable {
	return RateTable{
		PromptPerMillion:     3_000_000,  // $3 / 1M prompt tokens
		CompletionPerMillion: 15_000_000, // $15 / 1M completion tokens
	}
}

// Cost computes the micro-dollar cost of a call from provider-reported token
// counts. This is a PURE function.
func (r RateTable) Cost(promptTokens, completionTokens int64) int64 {
	if promptTokens < 0 {
		promptTokens = 0
	}
	if completionTokens < 0 {
		completionTokens = 0
	}
	return promptTokens*r.PromptPerMillion/1_000_000 +
		completionTokens*r.CompletionPerMillion/1_000_000
}

package app

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/metrics"
	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

// Accountant turns request outcomes into append-only usage events. It is a
// pure sink: it never reads quota state and never influences admission. A
// failed hand-off to the recorder is an observability gap, not a user-facing
// error.
type Accountant struct {
	recorder ports.UsageRecorder
	rates    usage.RateTable
	idGen    ports.IDGenerator
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  *metrics.Collector
}

// AccountantDeps contains dependencies for Accountant.
type AccountantDeps struct {
	Recorder ports.UsageRecorder
	Rates    usage.RateTable
	IDGen    ports.IDGenerator
	Clock    ports.Clock
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
}

// NewAccountant creates a new usage accountant.
func NewAccountant(deps AccountantDeps) *Accountant {
	rates := deps.Rates
	if rates == (usage.RateTable{}) {
		rates = usage.DefaultRateTable()
	}
	return &Accountant{
		recorder: deps.Recorder,
		rates:    rates,
		idGen:    deps.IDGen,
		clock:    deps.Clock,
		logger:   deps.Logger.With().Str("component", "accountant").Logger(),
		metrics:  deps.Metrics,
	}
}

// RecordCall records one attempted downstream call. Cost is computed from
// provider-reported token counts only when the remote capability produced the
// result; denied and locally served calls cost nothing.
func (a *Accountant) RecordCall(identityID string, outcome usage.Outcome, res ports.RewriteResult, latency time.Duration) {
	var cost int64
	if res.Origin == usage.OriginRemote {
		cost = a.rates.Cost(res.PromptTokens, res.CompletionTokens)
	}

	a.record(usage.Event{
		ID:               a.idGen.New(),
		IdentityID:       identityID,
		Outcome:          outcome,
		Origin:           res.Origin,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CostMicros:       cost,
		LatencyMs:        latency.Milliseconds(),
		Timestamp:        a.clock.Now(),
	})
}

// RecordDenial records a request the admission controller refused. Denied
// outcomes carry zero cost; the downstream call never ran.
func (a *Accountant) RecordDenial(identityID, reason string) {
	a.record(usage.Event{
		ID:         a.idGen.New(),
		IdentityID: identityID,
		Outcome:    usage.OutcomeDenied,
		Reason:     reason,
		Timestamp:  a.clock.Now(),
	})
}

func (a *Accountant) record(e usage.Event) {
	if a.metrics != nil {
		a.metrics.UsageEvents.WithLabelValues(string(e.Outcome)).Inc()
		if e.CostMicros > 0 {
			a.metrics.CostMicros.Add(float64(e.CostMicros))
		}
	}
	a.recorder.Record(e)
}

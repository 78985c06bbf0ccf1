// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/metrics"
	"github.com/textgate/textgate/domain/admission"
	"github.com/textgate/textgate/domain/key"
	"github.com/textgate/textgate/domain/quota"
	"github.com/textgate/textgate/ports"
)

// RequestContext carries the facts about one inbound request that admission
// needs (value type).
type RequestContext struct {
	APIKey    string // Raw API key, empty for anonymous callers
	Source    string // Client address
	UserAgent string
	Endpoint  string
}

// UsageStatus is the read path for GET /usage (value type).
type UsageStatus struct {
	DailyCount int64
	DailyLimit int64 // quota.Unbounded for bypassing tiers
	ResetAt    int64 // Epoch seconds
	Tier       quota.Tier
}

// AdmissionService composes the suspicion tracker and the quota ledger into a
// per-request allow/deny decision. It owns no goroutines; every mutation runs
// on the caller's request.
type AdmissionService struct {
	identities ports.IdentityStore
	keys       ports.KeyStore
	ledger     ports.QuotaLedger
	suspicion  ports.SuspicionStore
	clock      ports.Clock
	hasher     ports.Hasher
	logger     zerolog.Logger
	metrics    *metrics.Collector

	keyPrefix string

	// Hot-reloadable quota configuration.
	quotaCfg atomic.Pointer[quota.Config]
}

// AdmissionDeps contains dependencies for AdmissionService.
type AdmissionDeps struct {
	Identities ports.IdentityStore
	Keys       ports.KeyStore
	Ledger     ports.QuotaLedger
	Suspicion  ports.SuspicionStore
	Clock      ports.Clock
	Hasher     ports.Hasher
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// AdmissionConfig contains configuration for AdmissionService.
type AdmissionConfig struct {
	KeyPrefix      string
	FreeDailyLimit int64
}

// NewAdmissionService creates a new admission service.
func NewAdmissionService(deps AdmissionDeps, cfg AdmissionConfig) *AdmissionService {
	s := &AdmissionService{
		identities: deps.Identities,
		keys:       deps.Keys,
		ledger:     deps.Ledger,
		suspicion:  deps.Suspicion,
		clock:      deps.Clock,
		hasher:     deps.Hasher,
		logger:     deps.Logger.With().Str("component", "admission").Logger(),
		metrics:    deps.Metrics,
		keyPrefix:  cfg.KeyPrefix,
	}
	s.UpdateQuota(cfg.FreeDailyLimit)
	return s
}

// UpdateQuota swaps the free-tier daily limit. Thread-safe.
func (s *AdmissionService) UpdateQuota(freeDailyLimit int64) {
	s.quotaCfg.Store(&quota.Config{DailyLimit: freeDailyLimit})
}

// ErrInvalidKey is returned when an API key is present but does not resolve
// to a live identity.
var ErrInvalidKey = fmt.Errorf("invalid api key")

// ResolveIdentity maps a request to its accounting identity: the key's
// identity for authenticated callers, a source-address identity otherwise.
func (s *AdmissionService) ResolveIdentity(ctx context.Context, rc RequestContext) (quota.Identity, error) {
	if rc.APIKey == "" {
		return quota.Identity{
			ID:   "ip:" + rc.Source,
			Tier: quota.TierFree,
		}, nil
	}

	prefix, valid := key.ValidateFormat(rc.APIKey, s.keyPrefix)
	if !valid {
		return quota.Identity{}, ErrInvalidKey
	}

	keys, err := s.keys.GetByPrefix(ctx, prefix)
	if err != nil {
		return quota.Identity{}, fmt.Errorf("lookup key: %w", err)
	}

	now := s.clock.Now()
	for _, k := range keys {
		if !s.hasher.Compare(k.Hash, rc.APIKey) {
			continue
		}
		if v := key.Validate(k, now); !v.Valid {
			return quota.Identity{}, ErrInvalidKey
		}
		ident, err := s.identities.Get(ctx, k.IdentityID)
		if err != nil {
			return quota.Identity{}, fmt.Errorf("lookup identity: %w", err)
		}
		return ident, nil
	}

	return quota.Identity{}, ErrInvalidKey
}

// Admit decides whether one request may proceed. Order: active or escalating
// block, then quota. Store failures are returned as errors so the caller can
// fail closed; admitting without counters would defeat the component.
func (s *AdmissionService) Admit(ctx context.Context, rc RequestContext, ident quota.Identity) (admission.Decision, error) {
	now := s.clock.Now()

	assessment, err := s.suspicion.Observe(ctx, rc.Source, rc.UserAgent, rc.Endpoint, now)
	if err != nil {
		return admission.Decision{}, fmt.Errorf("suspicion tracker: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SuspicionScore.Observe(float64(assessment.Score))
	}

	if assessment.Blocked {
		reason := admission.ReasonBlocked
		if assessment.NewBlock {
			reason = admission.ReasonSuspicious
		}
		d := admission.Deny(reason, assessment.BlockedUntil.Sub(now))
		s.observeDecision(d)
		// Deliberately vague toward the caller; the trigger is only logged.
		s.logger.Warn().
			Str("source", rc.Source).
			Int("score", assessment.Score).
			Int("violations", assessment.ViolationCount).
			Time("blocked_until", assessment.BlockedUntil).
			Msg("source blocked")
		if s.metrics != nil && assessment.NewBlock {
			s.metrics.BlockedSources.Inc()
		}
		return d, nil
	}

	cfg := *s.quotaCfg.Load()
	result, err := s.ledger.CheckAndReserve(ctx, ident, cfg, now)
	if err != nil {
		return admission.Decision{}, fmt.Errorf("quota ledger: %w", err)
	}

	if !result.Allowed {
		d := admission.Deny(admission.ReasonQuotaExceeded, result.ResetAt.Sub(now))
		d.Limit = cfg.DailyLimit
		d.Remaining = result.Remaining
		d.ResetAt = result.ResetAt
		s.observeDecision(d)
		return d, nil
	}

	limit := cfg.DailyLimit
	if result.Remaining == quota.Unbounded {
		limit = quota.Unbounded
	}
	d := admission.Allow(limit, result.Remaining, result.ResetAt)
	s.observeDecision(d)
	return d, nil
}

// CommitUsage charges one committed use against the identity. Called whenever
// the downstream call actually executed, whatever its outcome.
func (s *AdmissionService) CommitUsage(ctx context.Context, identityID string) error {
	return s.ledger.Commit(ctx, identityID, s.clock.Now())
}

// Usage reports the identity's current quota window for the read path.
func (s *AdmissionService) Usage(ctx context.Context, ident quota.Identity) (UsageStatus, error) {
	now := s.clock.Now()
	state, err := s.ledger.Peek(ctx, ident.ID, now)
	if err != nil {
		return UsageStatus{}, fmt.Errorf("quota ledger: %w", err)
	}

	cfg := *s.quotaCfg.Load()
	limit := cfg.DailyLimit
	if quota.Bypasses(ident, now) {
		limit = quota.Unbounded
	}

	return UsageStatus{
		DailyCount: state.DailyCount,
		DailyLimit: limit,
		ResetAt:    quota.NextReset(now).Unix(),
		Tier:       ident.Tier,
	}, nil
}

func (s *AdmissionService) observeDecision(d admission.Decision) {
	if s.metrics != nil {
		s.metrics.AdmissionDecisions.WithLabelValues(string(d.Reason)).Inc()
	}
}

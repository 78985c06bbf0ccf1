package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/metrics"
	"github.com/textgate/textgate/ports"
)

// CircuitState is the fallback circuit's state.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // Remote preferred
	CircuitOpen                       // Remote bypassed, local substitute serves
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// FallbackCircuit wraps the remote capability and degrades to the local
// substitute on failure. Recovery probes are demand-driven: they run inside
// Invoke when the probe interval has elapsed, never as speculative background
// work, so zero traffic costs zero provider quota. There is no half-open
// state; only a successful health probe closes the circuit.
type FallbackCircuit struct {
	remote   ports.RemoteCapability
	local    ports.Rewriter
	notifier ports.Notifier
	clock    ports.Clock
	logger   zerolog.Logger
	metrics  *metrics.Collector

	timeout       time.Duration // Remote call timeout, caller-configured
	probeInterval time.Duration // Minimum gap between recovery probes

	mu          sync.Mutex
	state       CircuitState
	lastProbeAt time.Time
	probing     bool
}

// FallbackDeps contains dependencies for FallbackCircuit.
type FallbackDeps struct {
	Remote   ports.RemoteCapability
	Local    ports.Rewriter
	Notifier ports.Notifier
	Clock    ports.Clock
	Logger   zerolog.Logger
	Metrics  *metrics.Collector
}

// FallbackConfig contains configuration for FallbackCircuit.
type FallbackConfig struct {
	RemoteTimeout time.Duration // Default 30s
	ProbeInterval time.Duration // Default 5m
}

// NewFallbackCircuit creates a circuit in the Closed state.
func NewFallbackCircuit(deps FallbackDeps, cfg FallbackConfig) *FallbackCircuit {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 30 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Minute
	}

	return &FallbackCircuit{
		remote:        deps.Remote,
		local:         deps.Local,
		notifier:      deps.Notifier,
		clock:         deps.Clock,
		logger:        deps.Logger.With().Str("component", "fallback").Logger(),
		metrics:       deps.Metrics,
		timeout:       cfg.RemoteTimeout,
		probeInterval: cfg.ProbeInterval,
	}
}

// State returns the current circuit state.
func (c *FallbackCircuit) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Invoke serves one rewrite. The caller never sees a bare remote failure:
// when the remote capability errors or times out, the same call falls through
// to the local substitute and the circuit opens for subsequent traffic.
// failedOver reports that the remote was attempted for this call and failed.
func (c *FallbackCircuit) Invoke(ctx context.Context, req ports.RewriteRequest) (res ports.RewriteResult, failedOver bool, err error) {
	if c.tryRemote(ctx) {
		rctx, cancel := context.WithTimeout(ctx, c.timeout)
		res, err = c.remote.Improve(rctx, req)
		cancel()
		if err == nil {
			return res, false, nil
		}

		// A caller that went away is not a provider failure; only trip
		// when the remote itself errored or exceeded its own timeout.
		if ctx.Err() == nil {
			c.trip(err)
		}
		res, err = c.local.Improve(context.WithoutCancel(ctx), req)
		return res, true, err
	}

	res, err = c.local.Improve(ctx, req)
	return res, false, err
}

// tryRemote decides whether this invocation should attempt the remote
// capability. While open, at most one caller per interval runs the recovery
// probe; everyone else goes local without waiting.
func (c *FallbackCircuit) tryRemote(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == CircuitClosed {
		c.mu.Unlock()
		return true
	}

	now := c.clock.Now()
	if c.probing || now.Sub(c.lastProbeAt) < c.probeInterval {
		c.mu.Unlock()
		return false
	}
	c.probing = true
	c.lastProbeAt = now
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	err := c.remote.HealthCheck(pctx)
	cancel()

	c.mu.Lock()
	c.probing = false
	if err != nil {
		// Remain open; the interval timer restarted above.
		c.mu.Unlock()
		c.logger.Debug().Err(err).Msg("recovery probe failed")
		if c.metrics != nil {
			c.metrics.CircuitProbes.WithLabelValues("failure").Inc()
		}
		return false
	}

	c.state = CircuitClosed
	c.mu.Unlock()

	c.logger.Info().Msg("remote capability restored")
	if c.metrics != nil {
		c.metrics.CircuitProbes.WithLabelValues("success").Inc()
		c.metrics.CircuitState.Set(0)
	}
	if c.notifier != nil {
		c.notifier.Restored()
	}
	return true
}

// trip opens the circuit after a remote failure. The degraded notification
// fires once per transition.
func (c *FallbackCircuit) trip(err error) {
	c.mu.Lock()
	wasOpen := c.state == CircuitOpen
	c.state = CircuitOpen
	c.lastProbeAt = c.clock.Now()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RemoteFailures.Inc()
	}
	if wasOpen {
		return
	}

	c.logger.Warn().Err(err).Msg("remote capability unavailable, degrading to local substitute")
	if c.metrics != nil {
		c.metrics.CircuitState.Set(1)
	}
	if c.notifier != nil {
		c.notifier.Degraded(err.Error())
	}
}

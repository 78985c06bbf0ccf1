package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/clock"
	"github.com/textgate/textgate/adapters/rewrite"
	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

// stubRemote is a scriptable remote capability.
type stubRemote struct {
	fail        atomic.Bool
	improves    atomic.Int64
	healthCalls atomic.Int64
}

func (s *stubRemote) Improve(ctx context.Context, req ports.RewriteRequest) (ports.RewriteResult, error) {
	s.improves.Add(1)
	if err := ctx.Err(); err != nil {
		return ports.RewriteResult{}, err
	}
	if s.fail.Load() {
		return ports.RewriteResult{}, errors.New("provider down")
	}
	return ports.RewriteResult{
		Text:             "Remote: " + req.Text,
		Origin:           usage.OriginRemote,
		PromptTokens:     10,
		CompletionTokens: 10,
	}, nil
}

func (s *stubRemote) HealthCheck(ctx context.Context) error {
	s.healthCalls.Add(1)
	if s.fail.Load() {
		return errors.New("provider down")
	}
	return nil
}

// countingNotifier records transition notifications.
type countingNotifier struct {
	degraded atomic.Int64
	restored atomic.Int64
}

func (n *countingNotifier) Degraded(reason string) { n.degraded.Add(1) }
func (n *countingNotifier) Restored()              { n.restored.Add(1) }

func newTestCircuit(t *testing.T) (*FallbackCircuit, *stubRemote, *countingNotifier, *clock.Fake) {
	t.Helper()
	remote := &stubRemote{}
	notifier := &countingNotifier{}
	clk := clock.NewFake(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))

	c := NewFallbackCircuit(FallbackDeps{
		Remote:   remote,
		Local:    rewrite.New(),
		Notifier: notifier,
		Clock:    clk,
		Logger:   zerolog.Nop(),
	}, FallbackConfig{
		RemoteTimeout: time.Second,
		ProbeInterval: 5 * time.Minute,
	})
	return c, remote, notifier, clk
}

func TestFallbackCircuit_RemoteSuccess(t *testing.T) {
	c, _, notifier, _ := newTestCircuit(t)

	res, failedOver, err := c.Invoke(context.Background(), ports.RewriteRequest{Text: "draft"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if failedOver {
		t.Error("healthy remote should not fail over")
	}
	if res.Origin != usage.OriginRemote {
		t.Errorf("Origin = %s, want remote", res.Origin)
	}
	if c.State() != CircuitClosed {
		t.Errorf("State = %s, want closed", c.State())
	}
	if notifier.degraded.Load() != 0 {
		t.Error("no notification expected")
	}
}

func TestFallbackCircuit_FailureDegradesSameCall(t *testing.T) {
	c, remote, notifier, _ := newTestCircuit(t)
	remote.fail.Store(true)

	res, failedOver, err := c.Invoke(context.Background(), ports.RewriteRequest{Text: "some draft"})
	if err != nil {
		t.Fatalf("Invoke: %v (the caller must never see a bare remote failure)", err)
	}
	if !failedOver {
		t.Error("failedOver should report the remote attempt")
	}
	if res.Origin != usage.OriginLocal {
		t.Errorf("Origin = %s, want local substitute", res.Origin)
	}
	if c.State() != CircuitOpen {
		t.Errorf("State = %s, want open", c.State())
	}
	if notifier.degraded.Load() != 1 {
		t.Errorf("degraded notifications = %d, want 1", notifier.degraded.Load())
	}
}

func TestFallbackCircuit_OpenServesLocalWithoutRemote(t *testing.T) {
	c, remote, notifier, _ := newTestCircuit(t)
	remote.fail.Store(true)

	c.Invoke(context.Background(), ports.RewriteRequest{Text: "first"})
	before := remote.improves.Load()

	// Subsequent traffic inside the probe interval never touches the remote
	for i := 0; i < 10; i++ {
		res, failedOver, err := c.Invoke(context.Background(), ports.RewriteRequest{Text: "more"})
		if err != nil {
			t.Fatalf("Invoke: %v", err)
		}
		if failedOver {
			t.Error("open circuit should go straight to local")
		}
		if res.Origin != usage.OriginLocal {
			t.Errorf("Origin = %s, want local", res.Origin)
		}
	}

	if got := remote.improves.Load(); got != before {
		t.Errorf("remote Improve calls = %d, want %d (none while open)", got, before)
	}
	if remote.healthCalls.Load() != 0 {
		t.Error("no probe expected inside the interval")
	}
	if notifier.degraded.Load() != 1 {
		t.Errorf("degraded notifications = %d, want exactly 1", notifier.degraded.Load())
	}
}

func TestFallbackCircuit_ProbeRecovers(t *testing.T) {
	c, remote, notifier, clk := newTestCircuit(t)
	remote.fail.Store(true)
	c.Invoke(context.Background(), ports.RewriteRequest{Text: "trip it"})

	// Provider comes back; next demand after the interval probes and recovers
	remote.fail.Store(false)
	clk.Advance(6 * time.Minute)

	res, failedOver, err := c.Invoke(context.Background(), ports.RewriteRequest{Text: "draft"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if failedOver {
		t.Error("recovered call should not report failover")
	}
	if res.Origin != usage.OriginRemote {
		t.Errorf("Origin = %s, want remote after recovery", res.Origin)
	}
	if c.State() != CircuitClosed {
		t.Errorf("State = %s, want closed", c.State())
	}
	if remote.healthCalls.Load() != 1 {
		t.Errorf("health checks = %d, want 1", remote.healthCalls.Load())
	}
	if notifier.restored.Load() != 1 {
		t.Errorf("restored notifications = %d, want 1", notifier.restored.Load())
	}
}

func TestFallbackCircuit_FailedProbeRestartsInterval(t *testing.T) {
	c, remote, _, clk := newTestCircuit(t)
	remote.fail.Store(true)
	c.Invoke(context.Background(), ports.RewriteRequest{Text: "trip it"})

	clk.Advance(6 * time.Minute)
	res, _, _ := c.Invoke(context.Background(), ports.RewriteRequest{Text: "probe fails"})
	if res.Origin != usage.OriginLocal {
		t.Errorf("Origin = %s, want local while still down", res.Origin)
	}
	if remote.healthCalls.Load() != 1 {
		t.Fatalf("health checks = %d, want 1", remote.healthCalls.Load())
	}

	// Inside the restarted interval no second probe runs
	clk.Advance(time.Minute)
	c.Invoke(context.Background(), ports.RewriteRequest{Text: "no probe"})
	if remote.healthCalls.Load() != 1 {
		t.Errorf("health checks = %d, want still 1", remote.healthCalls.Load())
	}

	clk.Advance(5 * time.Minute)
	c.Invoke(context.Background(), ports.RewriteRequest{Text: "second probe"})
	if remote.healthCalls.Load() != 2 {
		t.Errorf("health checks = %d, want 2 after the interval", remote.healthCalls.Load())
	}
}

func TestFallbackCircuit_CallerCancellationDoesNotTrip(t *testing.T) {
	c, _, notifier, _ := newTestCircuit(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, failedOver, err := c.Invoke(ctx, ports.RewriteRequest{Text: "abandoned call"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !failedOver {
		t.Error("the remote attempt did fail for this call")
	}
	if res.Origin != usage.OriginLocal {
		t.Errorf("Origin = %s, want local", res.Origin)
	}
	if c.State() != CircuitClosed {
		t.Errorf("State = %s, want closed (caller abandonment is not a provider failure)", c.State())
	}
	if notifier.degraded.Load() != 0 {
		t.Error("no degraded notification expected")
	}
}

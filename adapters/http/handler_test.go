package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/textgate/textgate/adapters/clock"
	"github.com/textgate/textgate/adapters/hasher"
	"github.com/textgate/textgate/adapters/idgen"
	"github.com/textgate/textgate/adapters/memory"
	"github.com/textgate/textgate/adapters/rewrite"
	"github.com/textgate/textgate/app"
	"github.com/textgate/textgate/domain/key"
	"github.com/textgate/textgate/domain/quota"
	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

type fakeRemote struct {
	fail  atomic.Bool
	calls atomic.Int64
}

func (f *fakeRemote) Improve(ctx context.Context, req ports.RewriteRequest) (ports.RewriteResult, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return ports.RewriteResult{}, err
	}
	if f.fail.Load() {
		return ports.RewriteResult{}, errors.New("provider down")
	}
	return ports.RewriteResult{
		Text:             "Remote: " + req.Text,
		Origin:           "remote",
		PromptTokens:     100,
		CompletionTokens: 60,
	}, nil
}

func (f *fakeRemote) HealthCheck(ctx context.Context) error {
	if f.fail.Load() {
		return errors.New("provider down")
	}
	return nil
}

// captureRecorder collects usage events synchronously.
type captureRecorder struct {
	mu     sync.Mutex
	events []usage.Event
}

func (r *captureRecorder) Record(e usage.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *captureRecorder) Flush(ctx context.Context) error { return nil }
func (r *captureRecorder) Close() error                    { return nil }

func (r *captureRecorder) all() []usage.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]usage.Event(nil), r.events...)
}

// keyMap is an in-memory ports.KeyStore for tests.
type keyMap map[string][]key.Key

func (m keyMap) GetByPrefix(ctx context.Context, prefix string) ([]key.Key, error) {
	return m[prefix], nil
}

func (m keyMap) Create(ctx context.Context, k key.Key) error {
	m[k.Prefix] = append(m[k.Prefix], k)
	return nil
}

func (m keyMap) Revoke(ctx context.Context, id string, at time.Time) error {
	return ports.ErrNotFound
}

// failingLedger simulates an unreachable counter store.
type failingLedger struct{}

func (failingLedger) CheckAndReserve(ctx context.Context, id quota.Identity, cfg quota.Config, now time.Time) (quota.CheckResult, error) {
	return quota.CheckResult{}, errors.New("counter store unreachable")
}

func (failingLedger) Commit(ctx context.Context, identityID string, now time.Time) error {
	return errors.New("counter store unreachable")
}

func (failingLedger) Peek(ctx context.Context, identityID string, now time.Time) (quota.WindowState, error) {
	return quota.WindowState{}, errors.New("counter store unreachable")
}

type fixture struct {
	handler *Handler
	clk     *clock.Fake
	remote  *fakeRemote
	idents  identityMap
	keys    keyMap
	events  *captureRecorder
}

type identityMap map[string]quota.Identity

func (m identityMap) Get(ctx context.Context, id string) (quota.Identity, error) {
	ident, ok := m[id]
	if !ok {
		return quota.Identity{}, ports.ErrNotFound
	}
	return ident, nil
}

func (m identityMap) Upsert(ctx context.Context, id quota.Identity) error {
	m[id.ID] = id
	return nil
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	return newFixtureWithLedger(t, limit, nil)
}

func newFixtureWithLedger(t *testing.T, limit int64, ledger ports.QuotaLedger) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC))
	if ledger == nil {
		l := memory.NewShardedLedger(memory.LedgerConfig{})
		t.Cleanup(func() { l.Close() })
		ledger = l
	}
	suspicionStore := memory.NewShardedSuspicionStore(memory.SuspicionStoreConfig{})
	t.Cleanup(func() { suspicionStore.Close() })

	idents := identityMap{}
	keys := keyMap{}

	admissionSvc := app.NewAdmissionService(app.AdmissionDeps{
		Identities: idents,
		Keys:       keys,
		Ledger:     ledger,
		Suspicion:  suspicionStore,
		Clock:      clk,
		Hasher:     hasher.Fake{},
		Logger:     zerolog.Nop(),
	}, app.AdmissionConfig{
		KeyPrefix:      "tg_",
		FreeDailyLimit: limit,
	})

	remote := &fakeRemote{}
	circuit := app.NewFallbackCircuit(app.FallbackDeps{
		Remote: remote,
		Local:  rewrite.New(),
		Clock:  clk,
		Logger: zerolog.Nop(),
	}, app.FallbackConfig{
		RemoteTimeout: time.Second,
		ProbeInterval: 5 * time.Minute,
	})

	events := &captureRecorder{}
	accountant := app.NewAccountant(app.AccountantDeps{
		Recorder: events,
		IDGen:    idgen.NewSequential("evt_"),
		Clock:    clk,
		Logger:   zerolog.Nop(),
	})

	h := NewHandler(Deps{
		Admission:  admissionSvc,
		Circuit:    circuit,
		Accountant: accountant,
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})

	return &fixture{handler: h, clk: clk, remote: remote, idents: idents, keys: keys, events: events}
}

func (f *fixture) improve(t *testing.T, text string) *httptest.ResponseRecorder {
	t.Helper()
	f.clk.Advance(10 * time.Second)

	body := `{"text":` + strconv.Quote(text) + `}`
	req := httptest.NewRequest(http.MethodPost, "/improve", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, req)
	return w
}

func TestHandler_ImproveSuccess(t *testing.T) {
	f := newFixture(t, 5)

	w := f.improve(t, "hello world")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp improveResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Text != "Remote: hello world" {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Origin != "remote" {
		t.Errorf("Origin = %s, want remote", resp.Origin)
	}
	if resp.Degraded {
		t.Error("healthy remote should not report degraded")
	}
	if resp.Usage.DailyCount != 1 {
		t.Errorf("DailyCount = %d, want 1", resp.Usage.DailyCount)
	}
	if resp.Usage.DailyLimit != 5 {
		t.Errorf("DailyLimit = %d, want 5", resp.Usage.DailyLimit)
	}

	if got := w.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Errorf("X-RateLimit-Limit = %s, want 5", got)
	}
	wantReset := strconv.FormatInt(time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC).Unix(), 10)
	if got := w.Header().Get("X-RateLimit-Reset"); got != wantReset {
		t.Errorf("X-RateLimit-Reset = %s, want %s", got, wantReset)
	}
}

func TestHandler_ImproveQuotaExhausted(t *testing.T) {
	f := newFixture(t, 2)

	for i := 0; i < 2; i++ {
		if w := f.improve(t, "allowed call"); w.Code != http.StatusOK {
			t.Fatalf("call %d: status = %d", i+1, w.Code)
		}
	}

	w := f.improve(t, "one too many")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	var resp errorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "RATE_LIMITED" {
		t.Errorf("Code = %s, want RATE_LIMITED", resp.Code)
	}
	if resp.RetryAfterSeconds <= 0 {
		t.Error("retryAfterSeconds should be positive")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %s, want 0", got)
	}
}

func TestHandler_ImproveBadRequestLeavesQuotaUntouched(t *testing.T) {
	f := newFixture(t, 1)

	for _, body := range []string{`{"text":"   "}`, `{`, `{}`} {
		req := httptest.NewRequest(http.MethodPost, "/improve", strings.NewReader(body))
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
		w := httptest.NewRecorder()
		f.handler.Routes().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}

	// The single quota slot must still be available
	if w := f.improve(t, "valid call"); w.Code != http.StatusOK {
		t.Errorf("status = %d, rejected input must not consume quota", w.Code)
	}
}

func TestHandler_ImproveInvalidKey(t *testing.T) {
	f := newFixture(t, 5)

	req := httptest.NewRequest(http.MethodPost, "/improve", strings.NewReader(`{"text":"hi there"}`))
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	req.Header.Set("Authorization", "Bearer tg_not_a_real_key")
	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	var resp errorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "INVALID_KEY" {
		t.Errorf("Code = %s, want INVALID_KEY", resp.Code)
	}
}

func TestHandler_ImproveDegraded(t *testing.T) {
	f := newFixture(t, 5)
	f.remote.fail.Store(true)

	w := f.improve(t, "some draft text")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, degraded service must still answer", w.Code)
	}

	var resp improveResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Origin != "local" {
		t.Errorf("Origin = %s, want local", resp.Origin)
	}
	if !resp.Degraded {
		t.Error("degraded flag should be set")
	}
	// The attempt still consumed quota
	if resp.Usage.DailyCount != 1 {
		t.Errorf("DailyCount = %d, want 1", resp.Usage.DailyCount)
	}
}

func TestHandler_ImproveFailsClosedWhenLedgerDown(t *testing.T) {
	f := newFixtureWithLedger(t, 5, failingLedger{})

	w := f.improve(t, "hello world")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when the counter store is unreachable", w.Code)
	}

	var resp errorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Code != "UNAVAILABLE" {
		t.Errorf("Code = %s, want UNAVAILABLE", resp.Code)
	}
	if n := f.remote.calls.Load(); n != 0 {
		t.Errorf("remote calls = %d, unadmitted request must not reach the provider", n)
	}
}

func TestHandler_ImproveAbandonedStillAccounted(t *testing.T) {
	f := newFixture(t, 5)
	f.clk.Advance(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/improve", strings.NewReader(`{"text":"caller walked away"}`)).WithContext(ctx)
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, req)

	events := f.events.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Outcome != usage.OutcomeAbandoned {
		t.Errorf("Outcome = %s, want %s", events[0].Outcome, usage.OutcomeAbandoned)
	}

	// The attempt still occupies its quota slot, and one caller walking
	// away must not open the circuit for everyone else
	w = f.improve(t, "still here")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp improveResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Origin != "remote" {
		t.Errorf("Origin = %s, an abandoned caller must not trip the circuit", resp.Origin)
	}
	if resp.Usage.DailyCount != 2 {
		t.Errorf("DailyCount = %d, want 2 (abandoned call committed)", resp.Usage.DailyCount)
	}
}

func TestHandler_ImproveUnlimitedTierOmitsRateLimitHeaders(t *testing.T) {
	f := newFixture(t, 2)

	rawKey, k := key.Generate("tg_")
	k = k.WithIdentityID("acct_premium")
	k.Hash = []byte(rawKey) // hasher.Fake compares plaintext
	f.keys[k.Prefix] = []key.Key{k}
	f.idents["acct_premium"] = quota.Identity{ID: "acct_premium", Tier: quota.TierPremium}

	f.clk.Advance(10 * time.Second)
	req := httptest.NewRequest(http.MethodPost, "/improve", strings.NewReader(`{"text":"premium draft"}`))
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	req.Header.Set("Authorization", "Bearer "+rawKey)
	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	for _, hdr := range []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"} {
		if got := w.Header().Get(hdr); got != "" {
			t.Errorf("%s = %q, want unset for an uncapped tier", hdr, got)
		}
	}

	var resp improveResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Usage.DailyLimit != quota.Unbounded {
		t.Errorf("DailyLimit = %d, want %d", resp.Usage.DailyLimit, quota.Unbounded)
	}
}

func TestHandler_Usage(t *testing.T) {
	f := newFixture(t, 5)
	f.improve(t, "first call")

	f.clk.Advance(10 * time.Second)
	req := httptest.NewRequest(http.MethodGet, "/usage", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh)")
	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp usageSummary
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.DailyCount != 1 {
		t.Errorf("DailyCount = %d, want 1", resp.DailyCount)
	}
	if resp.DailyLimit != 5 {
		t.Errorf("DailyLimit = %d, want 5", resp.DailyLimit)
	}
	if resp.Tier != quota.TierFree {
		t.Errorf("Tier = %s, want free", resp.Tier)
	}
	if resp.ResetAt != time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC).Unix() {
		t.Errorf("ResetAt = %d", resp.ResetAt)
	}
}

func TestHandler_Healthz(t *testing.T) {
	f := newFixture(t, 5)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" || resp["circuit"] != "closed" {
		t.Errorf("body = %v", resp)
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*http.Request)
		want   string
	}{
		{
			name:  "remote addr",
			setup: func(r *http.Request) { r.RemoteAddr = "203.0.113.9:40000" },
			want:  "203.0.113.9",
		},
		{
			name: "x-forwarded-for first hop",
			setup: func(r *http.Request) {
				r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
			},
			want: "198.51.100.1",
		},
		{
			name:  "x-real-ip",
			setup: func(r *http.Request) { r.Header.Set("X-Real-IP", "198.51.100.2") },
			want:  "198.51.100.2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(req)
			if got := extractIP(req); got != tt.want {
				t.Errorf("extractIP = %s, want %s", got, tt.want)
			}
		})
	}
}

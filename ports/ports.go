// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/textgate/textgate/domain/key"
	"github.com/textgate/textgate/domain/quota"
	"github.com/textgate/textgate/domain/suspicion"
	"github.com/textgate/textgate/domain/usage"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability. It is also the single clock source for
// day-boundary computation: every worker observes the same day.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher provides key hashing.
type Hasher interface {
	// Hash generates a hash from a plaintext value.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// IdentityStore reads identity/tier records. Records are written by the
// billing/subscription subsystem; this core only reads them.
type IdentityStore interface {
	// Get retrieves an identity by ID.
	Get(ctx context.Context, id string) (quota.Identity, error)

	// Upsert stores or replaces an identity record.
	Upsert(ctx context.Context, id quota.Identity) error
}

// KeyStore persists API keys.
type KeyStore interface {
	// GetByPrefix retrieves keys matching a prefix (for validation).
	GetByPrefix(ctx context.Context, prefix string) ([]key.Key, error)

	// Create stores a new key.
	Create(ctx context.Context, k key.Key) error

	// Revoke marks a key as revoked.
	Revoke(ctx context.Context, id string, at time.Time) error
}

// QuotaLedger is the authoritative per-identity daily usage counter.
// CheckAndReserve followed by Commit is atomic per identity: two racing
// requests that both see one slot left cannot both be admitted.
type QuotaLedger interface {
	// CheckAndReserve decides admission and, when allowed for a counted
	// tier, holds a reservation. DailyCount is not written.
	CheckAndReserve(ctx context.Context, id quota.Identity, cfg quota.Config, now time.Time) (quota.CheckResult, error)

	// Commit converts a reservation into a committed use. Called whenever
	// the downstream call actually executed, regardless of its outcome.
	Commit(ctx context.Context, identityID string, now time.Time) error

	// Peek returns the identity's counter state without side effects.
	Peek(ctx context.Context, identityID string, now time.Time) (quota.WindowState, error)
}

// SuspicionStore scores behavioral signals per source address and owns the
// escalating block timers. Mutation is serialized per source.
type SuspicionStore interface {
	// Observe applies one request's signals and reports whether the source
	// is blocked.
	Observe(ctx context.Context, source, agent, endpoint string, now time.Time) (suspicion.Assessment, error)

	// Sweep evicts records idle past the retention horizon. Returns the
	// number evicted.
	Sweep(ctx context.Context, now time.Time) int
}

// UsageStore persists usage events.
type UsageStore interface {
	// RecordBatch stores multiple usage events.
	RecordBatch(ctx context.Context, events []usage.Event) error

	// Recent returns the latest events for an identity.
	Recent(ctx context.Context, identityID string, limit int) ([]usage.Event, error)
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// UsageRecorder accepts usage events for async processing.
// Record must be non-blocking; a failed write is dropped and logged, never
// surfaced to the caller.
type UsageRecorder interface {
	// Record queues a usage event for processing.
	Record(event usage.Event)

	// Flush forces immediate processing of queued events.
	Flush(ctx context.Context) error

	// Close stops the recorder and flushes remaining events.
	Close() error
}

// -----------------------------------------------------------------------------
// Capability Ports
// -----------------------------------------------------------------------------

// RewriteRequest is one text-improvement request (value type).
type RewriteRequest struct {
	Text         string
	ProviderHint string
}

// RewriteResult is the outcome of a rewrite (value type).
type RewriteResult struct {
	Text             string
	Origin           usage.Origin
	PromptTokens     int64
	CompletionTokens int64
}

// RemoteCapability is the paid third-party compute backend.
type RemoteCapability interface {
	// Improve rewrites text via the remote provider.
	Improve(ctx context.Context, req RewriteRequest) (RewriteResult, error)

	// HealthCheck verifies the provider is reachable. Lightweight; used by
	// the fallback circuit's recovery probe.
	HealthCheck(ctx context.Context) error
}

// Rewriter is the free local substitute. Any deterministic text transform
// satisfies this contract.
type Rewriter interface {
	Improve(ctx context.Context, req RewriteRequest) (RewriteResult, error)
}

// Notifier surfaces degraded/restored transitions to the caller's UI.
type Notifier interface {
	// Degraded fires once when the circuit opens.
	Degraded(reason string)

	// Restored fires once when the circuit closes again.
	Restored()
}

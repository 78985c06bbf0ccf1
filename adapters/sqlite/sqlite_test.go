package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/textgate/textgate/domain/key"
	"github.com/textgate/textgate/domain/quota"
	"github.com/textgate/textgate/domain/usage"
	"github.com/textgate/textgate/ports"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}

func TestIdentityStore(t *testing.T) {
	db := openTestDB(t)
	store := NewIdentityStore(db)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("Get missing: err = %v, want ErrNotFound", err)
	}

	expires := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ident := quota.Identity{ID: "acct_1", Tier: quota.TierPremium, TierExpiresAt: &expires}
	if err := store.Upsert(ctx, ident); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Get(ctx, "acct_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Tier != quota.TierPremium {
		t.Errorf("Tier = %s, want premium", got.Tier)
	}
	if got.TierExpiresAt == nil || !got.TierExpiresAt.Equal(expires) {
		t.Errorf("TierExpiresAt = %v, want %v", got.TierExpiresAt, expires)
	}

	// Upsert replaces
	ident.Tier = quota.TierFree
	ident.TierExpiresAt = nil
	if err := store.Upsert(ctx, ident); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, _ = store.Get(ctx, "acct_1")
	if got.Tier != quota.TierFree || got.TierExpiresAt != nil {
		t.Errorf("after downgrade: %+v", got)
	}

	idents, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(idents) != 1 {
		t.Errorf("List returned %d identities, want 1", len(idents))
	}
}

func TestKeyStore(t *testing.T) {
	db := openTestDB(t)
	store := NewKeyStore(db)
	ctx := context.Background()

	_, k := key.Generate("tg_")
	k = k.WithIdentityID("acct_1").WithName("ci key")
	if err := store.Create(ctx, k); err != nil {
		t.Fatalf("Create: %v", err)
	}

	keys, err := store.GetByPrefix(ctx, k.Prefix)
	if err != nil {
		t.Fatalf("GetByPrefix: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("GetByPrefix returned %d keys, want 1", len(keys))
	}
	if keys[0].IdentityID != "acct_1" || keys[0].Name != "ci key" {
		t.Errorf("key = %+v", keys[0])
	}
	if keys[0].RevokedAt != nil {
		t.Error("new key should not be revoked")
	}

	if err := store.Revoke(ctx, k.ID, time.Now().UTC()); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	keys, _ = store.GetByPrefix(ctx, k.Prefix)
	if keys[0].RevokedAt == nil {
		t.Error("RevokedAt should be set")
	}

	// Revoking twice reports not found
	if err := store.Revoke(ctx, k.ID, time.Now().UTC()); !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("second Revoke: err = %v, want ErrNotFound", err)
	}

	byIdent, err := store.ListByIdentity(ctx, "acct_1")
	if err != nil {
		t.Fatalf("ListByIdentity: %v", err)
	}
	if len(byIdent) != 1 {
		t.Errorf("ListByIdentity returned %d keys, want 1", len(byIdent))
	}
}

func TestUsageStore(t *testing.T) {
	db := openTestDB(t)
	store := NewUsageStore(db)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	events := []usage.Event{
		{ID: "evt_1", IdentityID: "acct_1", Outcome: usage.OutcomeAllowed, Origin: usage.OriginRemote, PromptTokens: 100, CompletionTokens: 60, CostMicros: 1200, LatencyMs: 300, Timestamp: base},
		{ID: "evt_2", IdentityID: "acct_1", Outcome: usage.OutcomeDenied, Reason: "quota_exceeded", Timestamp: base.Add(time.Minute)},
		{ID: "evt_3", IdentityID: "acct_2", Outcome: usage.OutcomeProviderError, Origin: usage.OriginLocal, Timestamp: base.Add(2 * time.Minute)},
	}

	if err := store.RecordBatch(ctx, events); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	recent, err := store.Recent(ctx, "acct_1", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(recent))
	}
	// Newest first
	if recent[0].ID != "evt_2" {
		t.Errorf("first event = %s, want evt_2", recent[0].ID)
	}
	if recent[1].CostMicros != 1200 || recent[1].Outcome != usage.OutcomeAllowed {
		t.Errorf("event = %+v", recent[1])
	}

	if err := store.RecordBatch(ctx, nil); err != nil {
		t.Errorf("empty batch: %v", err)
	}
}

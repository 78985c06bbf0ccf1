package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/textgate/textgate/domain/quota"
	"github.com/textgate/textgate/ports"
)

// IdentityStore implements ports.IdentityStore using SQLite.
type IdentityStore struct {
	db *DB
}

// NewIdentityStore creates a new SQLite identity store.
func NewIdentityStore(db *DB) *IdentityStore {
	return &IdentityStore{db: db}
}

// Get retrieves an identity by ID.
func (s *IdentityStore) Get(ctx context.Context, id string) (quota.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tier, tier_expires_at FROM identities WHERE id = ?
	`, id)

	var ident quota.Identity
	var tier string
	var expiresAt sql.NullTime
	if err := row.Scan(&ident.ID, &tier, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quota.Identity{}, ports.ErrNotFound
		}
		return quota.Identity{}, fmt.Errorf("get identity: %w", err)
	}

	ident.Tier = quota.Tier(tier)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		ident.TierExpiresAt = &t
	}
	return ident, nil
}

// List returns all identities (for the CLI).
func (s *IdentityStore) List(ctx context.Context) ([]quota.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tier, tier_expires_at FROM identities ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var idents []quota.Identity
	for rows.Next() {
		var ident quota.Identity
		var tier string
		var expiresAt sql.NullTime
		if err := rows.Scan(&ident.ID, &tier, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ident.Tier = quota.Tier(tier)
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			ident.TierExpiresAt = &t
		}
		idents = append(idents, ident)
	}
	return idents, rows.Err()
}

// Upsert stores or replaces an identity record.
func (s *IdentityStore) Upsert(ctx context.Context, id quota.Identity) error {
	var expiresAt interface{}
	if id.TierExpiresAt != nil {
		expiresAt = id.TierExpiresAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (id, tier, tier_expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tier = excluded.tier,
			tier_expires_at = excluded.tier_expires_at,
			updated_at = excluded.updated_at
	`, id.ID, string(id.Tier), expiresAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// Ensure interface compliance.
var _ ports.IdentityStore = (*IdentityStore)(nil)

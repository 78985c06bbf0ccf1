package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/textgate/textgate/domain/key"
	"github.com/textgate/textgate/ports"
)

// KeyStore implements ports.KeyStore using SQLite.
type KeyStore struct {
	db *DB
}

// NewKeyStore creates a new SQLite key store.
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db}
}

// GetByPrefix retrieves keys matching a prefix (for validation).
func (s *KeyStore) GetByPrefix(ctx context.Context, prefix string) ([]key.Key, error) {
	return s.query(ctx, `
		SELECT id, identity_id, prefix, hash, name, revoked_at, created_at
		FROM api_keys WHERE prefix = ?
	`, prefix)
}

// List returns all keys (for the CLI).
func (s *KeyStore) List(ctx context.Context) ([]key.Key, error) {
	return s.query(ctx, `
		SELECT id, identity_id, prefix, hash, name, revoked_at, created_at
		FROM api_keys ORDER BY created_at DESC
	`)
}

// ListByIdentity returns the keys belonging to one identity (for the CLI).
func (s *KeyStore) ListByIdentity(ctx context.Context, identityID string) ([]key.Key, error) {
	return s.query(ctx, `
		SELECT id, identity_id, prefix, hash, name, revoked_at, created_at
		FROM api_keys WHERE identity_id = ? ORDER BY created_at DESC
	`, identityID)
}

func (s *KeyStore) query(ctx context.Context, q string, args ...interface{}) ([]key.Key, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []key.Key
	for rows.Next() {
		var k key.Key
		var revokedAt sql.NullTime
		if err := rows.Scan(&k.ID, &k.IdentityID, &k.Prefix, &k.Hash, &k.Name, &revokedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		if revokedAt.Valid {
			t := revokedAt.Time.UTC()
			k.RevokedAt = &t
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Create stores a new key.
func (s *KeyStore) Create(ctx context.Context, k key.Key) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, identity_id, prefix, hash, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, k.ID, k.IdentityID, k.Prefix, k.Hash, k.Name, k.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	return nil
}

// Revoke marks a key as revoked.
func (s *KeyStore) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// Ensure interface compliance.
var _ ports.KeyStore = (*KeyStore)(nil)

// Package key provides API key value types and pure validation functions.
// This package has NO dependencies on I/O or external packages.
package key

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Key represents an API key (immutable value type).
type Key struct {
	ID         string
	IdentityID string
	Hash       []byte     // bcrypt hash of the full key
	Prefix     string     // First 12 chars for lookup
	Name       string
	RevokedAt  *time.Time // nil = not revoked
	CreatedAt  time.Time
}

// ValidationResult represents the outcome of key validation (value type).
type ValidationResult struct {
	Valid  bool
	Key    Key    // Populated only if Valid=true
	Reason string // Populated only if Valid=false
}

// Reasons for validation failure.
const (
	ReasonValid     = ""
	ReasonNotFound  = "key_not_found"
	ReasonRevoked   = "key_revoked"
	ReasonBadFormat = "invalid_format"
)

// Generate creates a new API key with the given prefix.
// Returns the raw key (to give to the user) and the Key struct (to store).
func Generate(prefix string) (rawKey string, k Key) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}

	rawKey = prefix + hex.EncodeToString(randomBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("bcrypt failed: %v", err))
	}

	idBytes := make([]byte, 8)
	rand.Read(idBytes)

	k = Key{
		ID:        "key_" + hex.EncodeToString(idBytes),
		Hash:      hash,
		Prefix:    rawKey[:12],
		CreatedAt: time.Now().UTC(),
	}

	return rawKey, k
}

// WithIdentityID returns a copy of the key bound to an identity.
func (k Key) WithIdentityID(identityID string) Key {
	k.IdentityID = identityID
	return k
}

// WithName returns a copy of the key with the Name set.
func (k Key) WithName(name string) Key {
	k.Name = name
	return k
}

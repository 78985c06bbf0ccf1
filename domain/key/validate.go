package key

import (
	"strings"
	"time"
)

// Validate checks if a key is valid at the given time.
// This is a PURE function - no side effects, deterministic.
func Validate(k Key, now time.Time) ValidationResult {
	if k.RevokedAt != nil && !now.Before(*k.RevokedAt) {
		return ValidationResult{
			Valid:  false,
			Reason: ReasonRevoked,
		}
	}

	return ValidationResult{
		Valid: true,
		Key:   k,
	}
}

// ValidateFormat checks if a raw API key has valid format.
// Returns (prefix, valid). Prefix is used for database lookup.
// This is a PURE function.
func ValidateFormat(rawKey string, expectedPrefix string) (prefix string, valid bool) {
	if !strings.HasPrefix(rawKey, expectedPrefix) {
		return "", false
	}

	// Prefix plus 64 hex chars of randomness.
	if len(rawKey) < len(expectedPrefix)+64 {
		return "", false
	}

	return rawKey[:12], true
}

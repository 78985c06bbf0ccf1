package key

import (
	"testing"
	"time"
)

func TestGenerate(t *testing.T) {
	rawKey, k := Generate("tg_")

	if len(rawKey) != 3+64 {
		t.Errorf("rawKey length = %d, want 67", len(rawKey))
	}
	if k.Prefix != rawKey[:12] {
		t.Errorf("Prefix = %s, want first 12 chars of raw key", k.Prefix)
	}
	if len(k.ID) < 8 || k.ID[:4] != "key_" {
		t.Errorf("Invalid key ID format: %s", k.ID)
	}
	if len(k.Hash) == 0 {
		t.Error("Hash should be set")
	}
	if k.RevokedAt != nil {
		t.Error("New key should not be revoked")
	}

	// Two keys never collide
	rawKey2, _ := Generate("tg_")
	if rawKey == rawKey2 {
		t.Error("Generated keys should be unique")
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	tests := []struct {
		name   string
		key    Key
		valid  bool
		reason string
	}{
		{"live key", Key{ID: "key_1"}, true, ReasonValid},
		{"revoked key", Key{ID: "key_2", RevokedAt: &past}, false, ReasonRevoked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Validate(tt.key, now)
			if result.Valid != tt.valid {
				t.Errorf("Valid = %v, want %v", result.Valid, tt.valid)
			}
			if result.Reason != tt.reason {
				t.Errorf("Reason = %s, want %s", result.Reason, tt.reason)
			}
		})
	}
}

func TestValidateFormat(t *testing.T) {
	rawKey, _ := Generate("tg_")

	tests := []struct {
		name  string
		raw   string
		valid bool
	}{
		{"generated key", rawKey, true},
		{"wrong prefix", "sk_" + rawKey[3:], false},
		{"too short", "tg_abc123", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prefix, valid := ValidateFormat(tt.raw, "tg_")
			if valid != tt.valid {
				t.Errorf("valid = %v, want %v", valid, tt.valid)
			}
			if valid && prefix != tt.raw[:12] {
				t.Errorf("prefix = %s, want %s", prefix, tt.raw[:12])
			}
		})
	}
}

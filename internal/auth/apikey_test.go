package auth

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/changetrail/changetrail/internal/config"
)

func TestGenerateAPIKey(t *testing.T) {
	t.Run("returns three non-empty values", func(t *testing.T) {
		key, hash, prefix, err := GenerateAPIKey("ctk")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if key == "" {
			t.Error("GenerateAPIKey() returned empty key")
		}
		if hash == "" {
			t.Error("GenerateAPIKey() returned empty hash")
		}
		if prefix == "" {
			t.Error("GenerateAPIKey() returned empty displayPrefix")
		}
	})

	t.Run("key starts with prefix_", func(t *testing.T) {
		key, _, _, err := GenerateAPIKey("ctk")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if !strings.HasPrefix(key, "ctk_") {
			t.Errorf("GenerateAPIKey() key = %q, want prefix %q", key, "ctk_")
		}
	})

	t.Run("display prefix matches key start", func(t *testing.T) {
		key, _, displayPrefix, err := GenerateAPIKey("ctk")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if !strings.HasPrefix(key, displayPrefix) {
			t.Errorf("key %q does not start with displayPrefix %q", key, displayPrefix)
		}
	})

	t.Run("display prefix length is capped at DisplayPrefixLength", func(t *testing.T) {
		_, _, displayPrefix, err := GenerateAPIKey("ctk")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if len(displayPrefix) > DisplayPrefixLength {
			t.Errorf("displayPrefix len = %d, want <= %d", len(displayPrefix), DisplayPrefixLength)
		}
	})

	t.Run("two calls produce different keys", func(t *testing.T) {
		key1, _, _, _ := GenerateAPIKey("ctk")
		key2, _, _, _ := GenerateAPIKey("ctk")
		if key1 == key2 {
			t.Error("GenerateAPIKey() produced identical keys on consecutive calls")
		}
	})

	t.Run("custom prefix is preserved", func(t *testing.T) {
		key, _, _, err := GenerateAPIKey("myapp")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if !strings.HasPrefix(key, "myapp_") {
			t.Errorf("GenerateAPIKey() key = %q, want prefix %q", key, "myapp_")
		}
	})

	t.Run("empty prefix produces key starting with _", func(t *testing.T) {
		key, _, _, err := GenerateAPIKey("")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if !strings.HasPrefix(key, "_") {
			t.Errorf("GenerateAPIKey() key = %q, want prefix %q", key, "_")
		}
	})
}

func TestValidateAPIKey(t *testing.T) {
	t.Run("correct key validates", func(t *testing.T) {
		key, hash, _, err := GenerateAPIKey("ctk")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if !ValidateAPIKey(key, hash) {
			t.Error("ValidateAPIKey() returned false for correct key")
		}
	})

	t.Run("wrong key does not validate", func(t *testing.T) {
		_, hash, _, err := GenerateAPIKey("ctk")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if ValidateAPIKey("ctk_wrongkey", hash) {
			t.Error("ValidateAPIKey() returned true for wrong key")
		}
	})

	t.Run("empty provided key does not validate", func(t *testing.T) {
		_, hash, _, err := GenerateAPIKey("ctk")
		if err != nil {
			t.Fatalf("GenerateAPIKey() error: %v", err)
		}
		if ValidateAPIKey("", hash) {
			t.Error("ValidateAPIKey() returned true for empty key")
		}
	})

	t.Run("empty hash does not validate", func(t *testing.T) {
		if ValidateAPIKey("some-key", "") {
			t.Error("ValidateAPIKey() returned true for empty hash")
		}
	})

	t.Run("different key from same prefix does not validate", func(t *testing.T) {
		key1, hash1, _, _ := GenerateAPIKey("ctk")
		key2, _, _, _ := GenerateAPIKey("ctk")
		if key1 == key2 {
			t.Skip("generated identical keys, skipping")
		}
		if ValidateAPIKey(key2, hash1) {
			t.Error("ValidateAPIKey() returned true for a key from a different generation")
		}
	})
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{"valid bearer token", "Bearer ctk_abc123xyz", "ctk_abc123xyz", false},
		{"bearer with extra spaces", "Bearer  ctk_abc123 ", "ctk_abc123", false},
		{"empty header", "", "", true},
		{"missing Bearer prefix", "ctk_abc123", "", true},
		{"Basic auth scheme", "Basic dXNlcjpwYXNz", "", true},
		{"Bearer with no key", "Bearer ", "", true},
		{"Bearer with only spaces", "Bearer    ", "", true},
		{"lowercase bearer rejected", "bearer ctk_abc123", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBearerToken(tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("ExtractBearerToken(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ExtractBearerToken(%q) = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// KeyStore
// ---------------------------------------------------------------------------

func mustHash(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestKeyStore(t *testing.T) {
	store := NewKeyStore(&config.APIKeysConfig{
		Enabled: true,
		Prefix:  "ctk",
		Keys: []config.APIKeyConfig{
			{Name: "billing-service", Hash: mustHash(t, "ctk_billing")},
			{Name: "reporting", Hash: mustHash(t, "ctk_reporting")},
		},
	})

	t.Run("matches prefix", func(t *testing.T) {
		if !store.Matches("ctk_anything") {
			t.Error("Matches() = false for prefixed token")
		}
		if store.Matches("eyJhbGciOi.payload.sig") {
			t.Error("Matches() = true for a JWT")
		}
	})

	t.Run("lookup returns key name", func(t *testing.T) {
		name, ok := store.Lookup("ctk_reporting")
		if !ok || name != "reporting" {
			t.Errorf("Lookup() = %q, %v", name, ok)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		if _, ok := store.Lookup("ctk_unknown"); ok {
			t.Error("Lookup() accepted an unknown key")
		}
	})

	t.Run("empty prefix never matches", func(t *testing.T) {
		if NewKeyStore(&config.APIKeysConfig{}).Matches("_x") {
			t.Error("Matches() = true with empty prefix")
		}
	})
}

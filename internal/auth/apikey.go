// Package auth provides the credentials accepted by the audit read API:
// HS256 bearer tokens and static service API keys stored as bcrypt hashes.
// See internal/middleware/auth.go for the request-time logic that uses them.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/changetrail/changetrail/internal/config"
)

const (
	// APIKeyLength is the length of the random part of the API key in bytes
	APIKeyLength = 32

	// DisplayPrefixLength is the number of characters to show in displays
	DisplayPrefixLength = 10

	// BcryptCost is the cost factor for bcrypt hashing
	BcryptCost = 12
)

// GenerateAPIKey creates a new random API key with the given prefix
// Returns: full key (to show once), bcrypt hash (to store), display prefix
func GenerateAPIKey(prefix string) (key string, hash string, displayPrefix string, err error) {
	randomBytes := make([]byte, APIKeyLength)
	if _, err = rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	fullKey := fmt.Sprintf("%s_%s", prefix, base64.RawURLEncoding.EncodeToString(randomBytes))

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), BcryptCost)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to hash API key: %w", err)
	}

	displayPrefix = fullKey
	if len(fullKey) > DisplayPrefixLength {
		displayPrefix = fullKey[:DisplayPrefixLength]
	}

	return fullKey, string(hashBytes), displayPrefix, nil
}

// ValidateAPIKey checks if a provided key matches the stored hash
func ValidateAPIKey(providedKey, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(providedKey)) == nil
}

// ExtractBearerToken extracts the credential from an Authorization header.
// Expected format: "Bearer <token>"
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}

	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("credential is empty after Bearer prefix")
	}

	return token, nil
}

// KeyStore holds the configured service keys.
type KeyStore struct {
	prefix string
	keys   []config.APIKeyConfig
}

// NewKeyStore creates a KeyStore from the auth.api_keys section.
func NewKeyStore(cfg *config.APIKeysConfig) *KeyStore {
	return &KeyStore{prefix: cfg.Prefix, keys: cfg.Keys}
}

// Matches reports whether token looks like a key issued with this store's prefix.
func (s *KeyStore) Matches(token string) bool {
	return s.prefix != "" && strings.HasPrefix(token, s.prefix+"_")
}

// Lookup returns the name of the configured key matching token.
func (s *KeyStore) Lookup(token string) (string, bool) {
	for _, k := range s.keys {
		if ValidateAPIKey(token, k.Hash) {
			return k.Name, true
		}
	}
	return "", false
}

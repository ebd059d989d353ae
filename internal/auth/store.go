// Package auth authenticates callers of the control API and the MCP
// endpoint with pre-shared API keys. Only SHA-256 hashes of keys are
// persisted.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/drive-sync/internal/models"
	"github.com/alexjbarnes/drive-sync/internal/state"
)

const (
	// APIKeyPrefix marks drive-sync API keys.
	APIKeyPrefix = "ds_"

	// apiKeyRandomBytes is the entropy of generated keys.
	apiKeyRandomBytes = 32

	// APIKeyMinLen is the shortest key accepted from configuration:
	// the prefix plus 16 random bytes in hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// Store validates API keys against the hashes kept in the state database.
type Store struct {
	state  *state.State
	logger *slog.Logger
}

// NewStore creates a key store over st.
func NewStore(st *state.State, logger *slog.Logger) *Store {
	return &Store{state: st, logger: logger}
}

// Register stores key for userID, replacing any key with the same hash.
func (s *Store) Register(userID, key string) error {
	ak := models.APIKey{UserID: userID, CreatedAt: time.Now()}

	if err := s.state.SaveAPIKey(HashKey(key), ak); err != nil {
		return fmt.Errorf("saving API key for %s: %w", userID, err)
	}

	return nil
}

// Revoke deletes key.
func (s *Store) Revoke(key string) error {
	return s.state.DeleteAPIKey(HashKey(key))
}

// ValidateAPIKey returns the key record for key, or nil when it is
// unknown.
func (s *Store) ValidateAPIKey(key string) *models.APIKey {
	ak, err := s.state.GetAPIKey(HashKey(key))
	if err != nil {
		s.logger.Warn("looking up API key", slog.String("error", err.Error()))
		return nil
	}

	return ak
}

// HashKey returns the hex SHA-256 of key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// GenerateAPIKey returns a new random key with the drive-sync prefix.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyRandomBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"assistantconsole/internal/types"
)

// bcryptCost is the cost factor for admin key hashes.
const bcryptCost = 12

// AdminKeyVerifier checks operator keys against a stored bcrypt hash.
type AdminKeyVerifier struct {
	hash []byte
}

// NewAdminKeyVerifier wraps a bcrypt hash. An empty hash rejects every key.
func NewAdminKeyVerifier(hash string) *AdminKeyVerifier {
	return &AdminKeyVerifier{hash: []byte(hash)}
}

// Verify returns nil when key matches the configured hash.
func (v *AdminKeyVerifier) Verify(key string) error {
	if len(v.hash) == 0 {
		return types.ErrNotConfigured
	}
	if key == "" {
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin key is required", nil)
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, prehash(key)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin key is invalid", nil)
		}
		return types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "admin key hash is malformed", err)
	}
	return nil
}

// HashAdminKey produces the value stored in ADMIN_KEY_HASH.
func HashAdminKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(prehash(key), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// prehash keeps keys longer than bcrypt's 72-byte input limit distinct.
func prehash(key string) []byte {
	sum := sha256.Sum256([]byte(key))
	return []byte(hex.EncodeToString(sum[:]))
}

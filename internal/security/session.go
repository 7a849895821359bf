package security

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateSessionID creates a cryptographically secure random client ID.
// Uses 24 bytes (192 bits) for strong uniqueness.
func GenerateSessionID() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

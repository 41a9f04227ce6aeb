package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// VerificationTokenLength is the number of random bytes in a
// verification token (32 bytes = 256 bits)
const VerificationTokenLength = 32

// GenerateVerificationToken creates a single-use verification token.
// The plaintext is returned to be delivered out of band; only the hash
// is persisted.
//
// Format: base64url(32 random bytes), no padding
func GenerateVerificationToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, VerificationTokenLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, HashToken(token), nil
}

// HashToken computes the SHA256 hash of a token for storage and lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// TokenMatchesHash compares a presented token against a stored hash in
// constant time.
func TokenMatchesHash(token, storedHash string) bool {
	if token == "" || storedHash == "" {
		return false
	}
	presented := HashToken(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(storedHash)) == 1
}

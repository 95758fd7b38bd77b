package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SecretPrefix identifies keygate tokens
	SecretPrefix = "kg_"
	// SecretLength is the total length of random bytes (32 bytes = 256 bits)
	SecretLength = 32
	// displayPrefixLen is how many encoded chars are kept for identification
	displayPrefixLen = 8
)

// SecretGenerator generates and hashes API token secrets
type SecretGenerator struct{}

// NewSecretGenerator creates a new secret generator
func NewSecretGenerator() *SecretGenerator {
	return &SecretGenerator{}
}

// Generate creates a new token secret.
// Format: kg_<base64url(32 random bytes)>
// Example: kg_abc123def456...
func (sg *SecretGenerator) Generate() (secret string, secretHash string, secretPrefix string, err error) {
	randomBytes := make([]byte, SecretLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Encode to base64url (URL-safe, no padding)
	encoded := base64.RawURLEncoding.EncodeToString(randomBytes)
	fullSecret := SecretPrefix + encoded

	// SHA-256 hash for storage; the plaintext is never persisted
	hash := sha256.Sum256([]byte(fullSecret))
	hashStr := hex.EncodeToString(hash[:])

	prefix := SecretPrefix
	if len(encoded) >= displayPrefixLen {
		prefix = SecretPrefix + encoded[:displayPrefixLen]
	}

	return fullSecret, hashStr, prefix, nil
}

// Hash computes the SHA-256 hex digest of a secret for lookup. Secrets are
// generated with 256 bits of entropy, so an unsalted digest is sufficient;
// the threat model is brute force over the secret space, not dictionaries.
func (sg *SecretGenerator) Hash(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

// Compare reports whether the secret hashes to the given digest. The
// comparison is constant-time to avoid timing side-channels.
func (sg *SecretGenerator) Compare(secret, digest string) bool {
	computed := sg.Hash(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(digest)) == 1
}

// ValidateFormat checks if a presented secret has the correct shape. A
// malformed secret can be rejected without a store round trip.
func (sg *SecretGenerator) ValidateFormat(secret string) error {
	if !strings.HasPrefix(secret, SecretPrefix) {
		return fmt.Errorf("secret must start with %q", SecretPrefix)
	}

	encoded := strings.TrimPrefix(secret, SecretPrefix)
	if len(encoded) == 0 {
		return fmt.Errorf("secret is too short")
	}

	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid secret encoding: %w", err)
	}

	return nil
}

// ExtractPrefix extracts the display prefix from a secret
func (sg *SecretGenerator) ExtractPrefix(secret string) string {
	if !strings.HasPrefix(secret, SecretPrefix) {
		return ""
	}

	encoded := strings.TrimPrefix(secret, SecretPrefix)
	if len(encoded) >= displayPrefixLen {
		return SecretPrefix + encoded[:displayPrefixLen]
	}

	return secret
}

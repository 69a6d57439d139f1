package scope

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	apiKeyPrefix    = "sl_"
	apiKeySecretLen = 40 // hex chars after the prefix
	apiKeyLookupLen = 12 // chars of the key stored in clear for lookup
)

// KeyHasher hashes API keys with a server secret. Raw keys are never stored.
type KeyHasher struct {
	key []byte
}

// NewKeyHasher derives a blake2b key from the server private key.
func NewKeyHasher(secret string) KeyHasher {
	sum := sha256.Sum256([]byte(secret))
	return KeyHasher{key: sum[:]}
}

// Hash returns the hex keyed hash of raw.
func (h KeyHasher) Hash(raw string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// only fails for keys longer than 64 bytes
		panic(err)
	}
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// Matches compares raw against a stored hash in constant time.
func (h KeyHasher) Matches(raw, storedHash string) bool {
	computed := h.Hash(raw)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// GenerateAPIKey returns a new raw key and its lookup prefix.
func GenerateAPIKey() (raw, lookup string, err error) {
	buf := make([]byte, apiKeySecretLen/2)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	raw = apiKeyPrefix + hex.EncodeToString(buf)
	return raw, raw[:apiKeyLookupLen], nil
}

// LookupPrefix validates the key shape and returns its lookup prefix.
func LookupPrefix(raw string) (string, bool) {
	if !strings.HasPrefix(raw, apiKeyPrefix) || len(raw) != len(apiKeyPrefix)+apiKeySecretLen {
		return "", false
	}
	if _, err := hex.DecodeString(raw[len(apiKeyPrefix):]); err != nil {
		return "", false
	}
	return raw[:apiKeyLookupLen], true
}

// Package security implements API key generation, derivation, and verification,
// and PEM key loading for dashboard token verification.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keyScheme tags ingestion keys so they are recognizable in logs and configs
	// without revealing secret material.
	keyScheme = "lk"
	// PrefixLen is the length of the public key prefix stored in clear for
	// candidate narrowing. Prefixes are not guaranteed unique across tenants.
	PrefixLen = 8
	// secretBytes is the random secret length; hex-encoded to 32 chars.
	secretBytes = 16
	// saltBytes is the per-key random salt length.
	saltBytes = 16
	// Iterations is the PBKDF2-SHA256 iteration count for stored key hashes.
	Iterations = 120_000
	// derivedLen is the derived hash length in bytes.
	derivedLen = 32
)

// ErrMalformedKey is returned when a presented key does not have the
// lk_<prefix>_<secret> shape.
var ErrMalformedKey = errors.New("malformed api key")

// GenerateAPIKey returns a new opaque API key of the form lk_<prefix>_<secret>
// along with its public prefix. The full key is shown to the operator exactly
// once; only the prefix and a derived hash are stored.
func GenerateAPIKey() (key, prefix string, err error) {
	buf := make([]byte, PrefixLen/2+secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	prefix = hex.EncodeToString(buf[:PrefixLen/2])
	secret := hex.EncodeToString(buf[PrefixLen/2:])
	return keyScheme + "_" + prefix + "_" + secret, prefix, nil
}

// NewSalt returns a fresh random salt, hex-encoded for storage.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashAPIKey derives a storable hash of key with the given hex-encoded salt
// using PBKDF2-SHA256. The same (key, salt) pair always yields the same hash.
func HashAPIKey(key, saltHex string) string {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		// An undecodable salt can only come from corrupted storage; derive with
		// the raw bytes so verification still fails closed rather than panicking.
		salt = []byte(saltHex)
	}
	sum := pbkdf2.Key([]byte(key), salt, Iterations, derivedLen, sha256.New)
	return hex.EncodeToString(sum)
}

// VerifyAPIKey reports whether the presented key derives to storedHash under
// saltHex. Comparison is constant-time; never compare stored secret material
// with plain equality.
func VerifyAPIKey(presented, storedHash, saltHex string) bool {
	if presented == "" || storedHash == "" {
		return false
	}
	derived := HashAPIKey(presented, saltHex)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(storedHash)) == 1
}

// KeyPrefix extracts the public prefix from a presented key.
// Returns ErrMalformedKey if the key does not have the expected shape.
func KeyPrefix(presented string) (string, error) {
	parts := strings.SplitN(presented, "_", 3)
	if len(parts) != 3 || parts[0] != keyScheme || len(parts[1]) != PrefixLen || parts[2] == "" {
		return "", ErrMalformedKey
	}
	return parts[1], nil
}

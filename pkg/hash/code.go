// Package hash covers the secrets the server stores only in hashed form:
// one-time verification codes (bcrypt) and high-entropy bearer values such as
// device codes and approval API keys (SHA-256 fingerprints).
package hash

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost is used for one-time codes. Codes live for minutes and are
// attempt-limited, so interactive latency matters more than a high cost.
const DefaultCost = 10

type Hasher struct {
	Cost int
}

func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = DefaultCost
	}
	if cost < bcrypt.MinCost {
		cost = bcrypt.MinCost
	}
	if cost > bcrypt.MaxCost {
		cost = bcrypt.MaxCost
	}
	return &Hasher{Cost: cost}
}

func (h *Hasher) Hash(code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("code must not be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash code: %w", err)
	}
	return string(hashed), nil
}

// Compare returns nil when code matches hashed.
func (h *Hasher) Compare(hashed, code string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(code))
}

// GenerateNumericCode returns a uniformly random decimal code of the given
// length, zero-padded.
func GenerateNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("unsupported code length %d", digits)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// Fingerprint is the hex SHA-256 of a high-entropy value, used as its storage
// key so the value itself is never at rest.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// HashAlgorithm represents the hashing algorithm to use
type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	BLAKE3 HashAlgorithm = "blake3"
)

// Hasher provides extensible hashing functionality
type Hasher struct {
	algorithm HashAlgorithm
}

// NewHasher creates a new hasher with the specified algorithm
func NewHasher(algorithm HashAlgorithm) *Hasher {
	return &Hasher{
		algorithm: algorithm,
	}
}

// Algorithm returns the configured algorithm
func (h *Hasher) Algorithm() HashAlgorithm {
	return h.algorithm
}

// Hash computes a hex digest of the input data
func (h *Hasher) Hash(data []byte) string {
	switch h.algorithm {
	case BLAKE3:
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:])
	}
}

// HashString computes a hash of a string
func (h *Hasher) HashString(s string) string {
	return h.Hash([]byte(s))
}

// HashFields computes a hash from multiple fields.
// Fields are sorted and joined with a delimiter so order does not matter.
func (h *Hasher) HashFields(fields ...string) string {
	sorted := make([]string, len(fields))
	copy(sorted, fields)
	sort.Strings(sorted)

	return h.HashString(strings.Join(sorted, "|"))
}

// Fingerprint returns a short digest of fields, truncated to size hex
// characters. Both peers derive the same fingerprint from the same fields.
func (h *Hasher) Fingerprint(size int, fields ...string) string {
	full := h.HashFields(fields...)
	if size <= 0 || size >= len(full) {
		return full
	}
	return full[:size]
}

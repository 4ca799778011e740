// Package sha256 digests fetched source bodies for MentionRecord.content_hash.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements webmention.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Sum(data), nil
}

// Sum is the function form of Hash.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Package sha256 fingerprints normalized diff and content bodies.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint identifies a body by digest and size.
type Fingerprint struct {
	Hash   string
	Length int
}

// Of fingerprints body. Identical bytes always produce identical fingerprints.
func Of(body []byte) Fingerprint {
	sum := sha256.Sum256(body)
	return Fingerprint{Hash: hex.EncodeToString(sum[:]), Length: len(body)}
}

// ShortHash returns the leading n hex characters of the digest, handy for
// sharding blob keys.
func (f Fingerprint) ShortHash(n int) string {
	if n <= 0 || n >= len(f.Hash) {
		return f.Hash
	}
	return f.Hash[:n]
}

package hasher

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// DigestSize is the byte length of a content digest (BLAKE2b-256).
const DigestSize = 32

// Digest identifies blob content by its BLAKE2b-256 hash.
type Digest [DigestSize]byte

func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether the digest is the all-zero value, which never
// corresponds to real content.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// ParseDigest decodes a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid digest %q: %v", s, err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("invalid digest %q: expected %d bytes, got %d", s, DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Sum streams r through BLAKE2b-256 and returns the content digest along
// with the number of bytes consumed. Memory use is bounded regardless of
// input size. Read errors are propagated without producing a digest.
func Sum(r io.Reader) (Digest, int64, error) {
	var d Digest
	h, err := blake2b.New256(nil)
	if err != nil {
		return d, 0, fmt.Errorf("failed to initialize hasher: %v", err)
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return d, 0, fmt.Errorf("failed to read content: %w", err)
	}
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

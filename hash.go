// Package carol implements an asynchronous, managed, content-addressed
// file cache: a filesystem directory of immutable blobs paired with a
// transactional metadata index, single-flight download coordination, and
// reference-counted pinning against a background eviction sweeper.
package carol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// HashSize is the size of a SHA-256 digest in bytes.
const HashSize = sha256.Size

// Hash is a SHA-256 digest, the content address of a cached blob.
type Hash [HashSize]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for log lines.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero reports whether the hash is the uninitialized value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a lowercase hex-encoded SHA-256 digest.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the SHA-256 digest of data.
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// HashingReader wraps a reader and computes the SHA-256 digest of every byte
// read through it, so a download can be hashed and streamed to disk in a
// single pass.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader creates a reader that computes a digest as data is read.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all bytes read so far.
func (hr *HashingReader) Sum() Hash {
	var h Hash
	hr.h.Sum(h[:0])
	return h
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// Package sha256 fingerprints upload content as it streams.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"sync"
)

// Reader hashes and counts everything read through it. Sum and Size may be
// called while another goroutine is reading.
type Reader struct {
	src io.Reader

	mu sync.Mutex
	h  hash.Hash
	n  int64
}

// NewReader wraps src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src, h: sha256.New()}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.mu.Lock()
		r.h.Write(p[:n])
		r.n += int64(n)
		r.mu.Unlock()
	}
	return n, err
}

// Sum returns the hex digest of the bytes read so far.
func (r *Reader) Sum() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return hex.EncodeToString(r.h.Sum(nil))
}

// Size returns the number of bytes read so far.
func (r *Reader) Size() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Sum hashes data and returns a hex digest.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

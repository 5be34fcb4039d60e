package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"
)

// PRNG is the randomness source handed to every probabilistic primitive.
type PRNG = io.Reader

// SystemPRNG returns the operating system CSPRNG.
func SystemPRNG() PRNG { return rand.Reader }

// DRBG is an HMAC-SHA-256 deterministic random bit generator (NIST SP 800-90A
// without reseeding). Two generators created from the same seed produce the
// same stream, which makes it usable as a KDF and as a reproducible test PRNG.
type DRBG struct {
	mu sync.Mutex
	k  [sha256.Size]byte
	v  [sha256.Size]byte
}

// NewDRBG instantiates a generator from seed material.
func NewDRBG(seed []byte) *DRBG {
	d := &DRBG{}
	for i := range d.v {
		d.v[i] = 0x01
	}
	d.update(seed)
	return d
}

func (d *DRBG) hmac(key []byte, parts ...[]byte) [sha256.Size]byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	var out [sha256.Size]byte
	copy(out[:], m.Sum(nil))
	return out
}

func (d *DRBG) update(data []byte) {
	d.k = d.hmac(d.k[:], d.v[:], []byte{0x00}, data)
	d.v = d.hmac(d.k[:], d.v[:])
	if len(data) == 0 {
		return
	}
	d.k = d.hmac(d.k[:], d.v[:], []byte{0x01}, data)
	d.v = d.hmac(d.k[:], d.v[:])
}

// Read fills p with pseudo-random bytes. It never fails.
func (d *DRBG) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for n < len(p) {
		d.v = d.hmac(d.k[:], d.v[:])
		n += copy(p[n:], d.v[:])
	}
	d.update(nil)
	return len(p), nil
}

// RandomBytes reads n bytes from prng.
func RandomBytes(prng PRNG, n int) ([]byte, error) {
	if prng == nil {
		prng = SystemPRNG()
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(prng, b); err != nil {
		return nil, fmt.Errorf("failed to read %d random bytes: %w", n, err)
	}
	return b, nil
}

package ciphersuite

import (
	"crypto/rand"
	"io"
	"sync"
)

// NonceGenerator produces a fresh nonce for every encryption.
type NonceGenerator interface {
	Generate() ([]byte, error)
	Len() int
}

// RandomNonceGenerator draws nonces from a random source. It is safe for
// concurrent use.
type RandomNonceGenerator struct {
	size int
	rand io.Reader
}

// NewRandomNonceGenerator returns a generator of size-byte nonces. A nil rand
// uses crypto/rand.
func NewRandomNonceGenerator(size int, rand io.Reader) *RandomNonceGenerator {
	return &RandomNonceGenerator{size: size, rand: lockReader(rand)}
}

func (g *RandomNonceGenerator) Len() int { return g.size }

func (g *RandomNonceGenerator) Generate() ([]byte, error) {
	n := make([]byte, g.size)
	if _, err := io.ReadFull(g.rand, n); err != nil {
		return nil, err
	}
	return n, nil
}

// lockedReader serializes reads so that a single source can be shared by the
// key and nonce generators across goroutines.
type lockedReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}

// lockReader returns r wrapped so that reads are serialized. crypto/rand is
// already safe for concurrent use and is returned as is.
func lockReader(r io.Reader) io.Reader {
	switch r.(type) {
	case nil:
		return rand.Reader
	case *lockedReader:
		return r
	}
	if r == rand.Reader {
		return r
	}
	return &lockedReader{r: r}
}

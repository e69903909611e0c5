// Package ciphersuite implements the group cipher used by every packet on the
// network.
//
// A GroupKey pairs a stream cipher key with a MAC key. A plaintext block is
// encrypted once per known group key into a fixed-size packet:
//
//	MAC (16) || nonce (16) || ciphertext (plaintext size)
//
// The MAC covers the ciphertext and is keyed with the full 16-byte nonce; the
// stream cipher consumes the first 8 bytes of the same nonce. A receiver holds
// no addressing information, so it recomputes the MAC under each of its keys
// and decrypts with the first one that matches. Failing to find a key is the
// normal outcome for most traffic and is reported with ErrNotFound.
package ciphersuite

import (
	"errors"
	"io"
)

// KeySize is the size in bytes of every symmetric key used by the suite.
const KeySize = 32

// Algorithm tags what a SymmetricKey is meant to be used for.
type Algorithm uint8

const (
	AlgorithmChaCha20 Algorithm = iota + 1
	AlgorithmSalsa20
	AlgorithmPoly1305AES
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmChaCha20:
		return "chacha20"
	case AlgorithmSalsa20:
		return "salsa20"
	case AlgorithmPoly1305AES:
		return "poly1305-aes"
	}
	return "unknown"
}

// isMAC reports whether keys of this algorithm must be clamped.
func (a Algorithm) isMAC() bool { return a == AlgorithmPoly1305AES }

var (
	ErrKeySize       = errors.New("ciphersuite: unsupported key size")
	ErrShortKey      = errors.New("ciphersuite: encoded key too short")
	ErrKeyNotClamped = errors.New("ciphersuite: mac key is not clamped")
)

// SymmetricKey is a single 256-bit key. It is a comparable value: two keys are
// equal when their algorithm and bytes are equal.
type SymmetricKey struct {
	alg Algorithm
	b   [KeySize]byte
}

// Algorithm returns the algorithm the key was created for.
func (k SymmetricKey) Algorithm() Algorithm { return k.alg }

// Bytes returns a copy of the raw key.
func (k SymmetricKey) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.b[:])
	return out
}

func (k SymmetricKey) Equal(o SymmetricKey) bool { return k == o }

// KeyGenerator creates and decodes keys of one algorithm.
type KeyGenerator struct {
	alg  Algorithm
	rand io.Reader
}

// NewKeyGenerator returns a generator for alg. Only 256-bit keys exist in this
// protocol. A nil rand uses crypto/rand.
func NewKeyGenerator(alg Algorithm, bits int, rand io.Reader) (*KeyGenerator, error) {
	if bits != KeySize*8 {
		return nil, ErrKeySize
	}
	return &KeyGenerator{alg: alg, rand: lockReader(rand)}, nil
}

// Len returns the encoded key length in bytes.
func (g *KeyGenerator) Len() int { return KeySize }

// Generate returns a fresh random key. MAC keys are clamped.
func (g *KeyGenerator) Generate() (SymmetricKey, error) {
	k := SymmetricKey{alg: g.alg}
	if _, err := io.ReadFull(g.rand, k.b[:]); err != nil {
		return SymmetricKey{}, err
	}
	if g.alg.isMAC() {
		clamp(&k.b)
	}
	return k, nil
}

// Decode wraps b verbatim. Nothing beyond the length is checked: callers that
// need a clamped MAC key must test it with IsClamped.
func (g *KeyGenerator) Decode(b []byte) (SymmetricKey, error) {
	if len(b) != KeySize {
		return SymmetricKey{}, ErrKeySize
	}
	k := SymmetricKey{alg: g.alg}
	copy(k.b[:], b)
	return k, nil
}

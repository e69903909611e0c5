package ciphersuite

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/salsa20"
)

// CipherNonceSize is the nonce length consumed by the stream ciphers. It is a
// prefix of the nonce carried on the wire.
const CipherNonceSize = 8

var ErrNonceSize = errors.New("ciphersuite: invalid nonce size")

// StreamCipher XORs a keystream derived from (key, nonce) into dst. Encryption
// and decryption are the same operation. dst and src must have the same
// length and may overlap entirely, so a packet region can be transformed in
// place.
type StreamCipher interface {
	Name() string
	NonceSize() int
	XORKeyStream(dst, src, nonce []byte, key SymmetricKey) error
}

// StreamCipherByName resolves a stream cipher by its configuration name.
func StreamCipherByName(name string) (StreamCipher, error) {
	switch name {
	case "", "chacha20":
		return ChaCha20{}, nil
	case "salsa20":
		return Salsa20{}, nil
	}
	return nil, fmt.Errorf("ciphersuite: unknown stream cipher %q", name)
}

// ChaCha20 is the original 20-round ChaCha with a 64-bit nonce and a 64-bit
// block counter. It is computed with the IETF variant by prefixing the nonce
// with four zero bytes, which is identical for the first 2^32 blocks.
type ChaCha20 struct{}

func (ChaCha20) Name() string   { return "chacha20" }
func (ChaCha20) NonceSize() int { return CipherNonceSize }

func (ChaCha20) XORKeyStream(dst, src, nonce []byte, key SymmetricKey) error {
	if len(nonce) != CipherNonceSize {
		return ErrNonceSize
	}
	var n [chacha20.NonceSize]byte
	copy(n[chacha20.NonceSize-CipherNonceSize:], nonce)
	c, err := chacha20.NewUnauthenticatedCipher(key.b[:], n[:])
	if err != nil {
		return err
	}
	c.XORKeyStream(dst[:len(src)], src)
	return nil
}

// Salsa20 is Salsa20/20 with a 64-bit nonce.
type Salsa20 struct{}

func (Salsa20) Name() string   { return "salsa20" }
func (Salsa20) NonceSize() int { return CipherNonceSize }

func (Salsa20) XORKeyStream(dst, src, nonce []byte, key SymmetricKey) error {
	if len(nonce) != CipherNonceSize {
		return ErrNonceSize
	}
	k := key.b
	salsa20.XORKeyStream(dst[:len(src)], src, nonce, &k)
	return nil
}

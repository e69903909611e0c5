package ciphersuite

import (
	"crypto/aes"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/poly1305"
)

const (
	// MACSize is the size of an authentication tag.
	MACSize = poly1305.TagSize

	// NonceSize is the size of the nonce carried in every packet and fed to
	// the MAC.
	NonceSize = aes.BlockSize
)

// MAC computes and checks authentication tags over a region of a packet.
type MAC interface {
	Name() string
	Size() int
	NonceSize() int
	// Sum writes the tag for msg into tag, which must be Size() bytes long.
	Sum(tag, nonce []byte, key SymmetricKey, msg []byte) error
	// Verify reports whether tag is the tag of msg. The comparison runs in
	// constant time over the whole tag.
	Verify(tag, nonce []byte, key SymmetricKey, msg []byte) bool
}

// MACByName resolves a MAC by its configuration name.
func MACByName(name string) (MAC, error) {
	switch name {
	case "", "poly1305-aes":
		return Poly1305AES{}, nil
	}
	return nil, fmt.Errorf("ciphersuite: unknown mac %q", name)
}

// Poly1305AES is Poly1305 whose per-message one-time pad is the encryption of
// the nonce under an AES-128 key. The 32-byte key is the AES key followed by
// r (16 bytes, clamped).
type Poly1305AES struct{}

func (Poly1305AES) Name() string   { return "poly1305-aes" }
func (Poly1305AES) Size() int      { return MACSize }
func (Poly1305AES) NonceSize() int { return NonceSize }

func (p Poly1305AES) Sum(tag, nonce []byte, key SymmetricKey, msg []byte) error {
	if len(tag) != MACSize {
		return fmt.Errorf("ciphersuite: tag buffer of %d bytes", len(tag))
	}
	var out [MACSize]byte
	if err := p.sum(&out, nonce, key, msg); err != nil {
		return err
	}
	copy(tag, out[:])
	return nil
}

func (p Poly1305AES) Verify(tag, nonce []byte, key SymmetricKey, msg []byte) bool {
	var out [MACSize]byte
	if p.sum(&out, nonce, key, msg) != nil {
		return false
	}
	return subtle.ConstantTimeCompare(out[:], tag) == 1
}

func (Poly1305AES) sum(out *[MACSize]byte, nonce []byte, key SymmetricKey, msg []byte) error {
	if len(nonce) != NonceSize {
		return ErrNonceSize
	}
	block, err := aes.NewCipher(key.b[:rOffset])
	if err != nil {
		return err
	}
	var otk [32]byte
	copy(otk[:16], key.b[rOffset:])
	block.Encrypt(otk[16:], nonce)
	poly1305.Sum(out, msg, &otk)
	return nil
}

// rOffset is where r starts in a Poly1305-AES key.
const rOffset = 16

// IsClamped reports whether the 32-byte Poly1305-AES key satisfies the
// Poly1305 constraints on r: the top four bits of r[3], r[7], r[11] and r[15]
// and the bottom two bits of r[4], r[8] and r[12] are zero. In key offsets
// those are bytes 19, 23, 27, 31 and 20, 24, 28.
func IsClamped(key []byte) bool {
	if len(key) != KeySize {
		return false
	}
	r := key[rOffset:]
	var bad byte
	for _, i := range []int{3, 7, 11, 15} {
		bad |= r[i] & 0xf0
	}
	for _, i := range []int{4, 8, 12} {
		bad |= r[i] & 0x03
	}
	return bad == 0
}

func clamp(key *[KeySize]byte) {
	r := key[rOffset:]
	for _, i := range []int{3, 7, 11, 15} {
		r[i] &= 0x0f
	}
	for _, i := range []int{4, 8, 12} {
		r[i] &= 0xfc
	}
}

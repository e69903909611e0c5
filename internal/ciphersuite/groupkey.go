package ciphersuite

import (
	"encoding/hex"
	"hash/crc32"
	"io"
)

// GroupKey is the credential shared by the members of a group: a stream
// cipher key and a MAC key. GroupKey is a comparable value, so == and map
// lookups compare both halves.
type GroupKey struct {
	cipherKey SymmetricKey
	macKey    SymmetricKey
}

func NewGroupKey(cipherKey, macKey SymmetricKey) GroupKey {
	return GroupKey{cipherKey: cipherKey, macKey: macKey}
}

func (k GroupKey) CipherKey() SymmetricKey { return k.cipherKey }
func (k GroupKey) MACKey() SymmetricKey    { return k.macKey }

func (k GroupKey) Equal(o GroupKey) bool { return k == o }

// Encode returns cipher key || MAC key.
func (k GroupKey) Encode() []byte {
	out := make([]byte, 0, 2*KeySize)
	out = append(out, k.cipherKey.b[:]...)
	return append(out, k.macKey.b[:]...)
}

// Hex returns the encoded key as lowercase hex, the format used for sharing.
func (k GroupKey) Hex() string { return hex.EncodeToString(k.Encode()) }

// Checksum is a short non-cryptographic checksum of the encoded key, shown to
// users so two devices can compare a shared key by eye.
func (k GroupKey) Checksum() uint32 { return crc32.ChecksumIEEE(k.Encode()) }

// GroupKeyGenerator creates group keys from two key generators.
type GroupKeyGenerator struct {
	cipherGen *KeyGenerator
	macGen    *KeyGenerator
}

func NewGroupKeyGenerator(cipherAlg Algorithm, cipherBits int, macAlg Algorithm, macBits int, rand io.Reader) (*GroupKeyGenerator, error) {
	rand = lockReader(rand)
	cg, err := NewKeyGenerator(cipherAlg, cipherBits, rand)
	if err != nil {
		return nil, err
	}
	mg, err := NewKeyGenerator(macAlg, macBits, rand)
	if err != nil {
		return nil, err
	}
	return &GroupKeyGenerator{cipherGen: cg, macGen: mg}, nil
}

// Len returns the size of an encoded group key.
func (g *GroupKeyGenerator) Len() int { return g.cipherGen.Len() + g.macGen.Len() }

func (g *GroupKeyGenerator) Generate() (GroupKey, error) {
	ck, err := g.cipherGen.Generate()
	if err != nil {
		return GroupKey{}, err
	}
	mk, err := g.macGen.Generate()
	if err != nil {
		return GroupKey{}, err
	}
	return NewGroupKey(ck, mk), nil
}

// Decode splits b at the cipher key boundary. It fails only when b is shorter
// than an encoded group key; trailing bytes are ignored.
func (g *GroupKeyGenerator) Decode(b []byte) (GroupKey, error) {
	if len(b) < g.Len() {
		return GroupKey{}, ErrShortKey
	}
	n := g.cipherGen.Len()
	ck, err := g.cipherGen.Decode(b[:n])
	if err != nil {
		return GroupKey{}, err
	}
	mk, err := g.macGen.Decode(b[n : n+g.macGen.Len()])
	if err != nil {
		return GroupKey{}, err
	}
	return NewGroupKey(ck, mk), nil
}

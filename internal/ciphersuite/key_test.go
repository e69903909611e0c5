package ciphersuite

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyGeneratorRejectsOtherSizes(t *testing.T) {
	for _, bits := range []int{0, 128, 192, 255, 512} {
		_, err := NewKeyGenerator(AlgorithmChaCha20, bits, nil)
		assert.ErrorIs(t, err, ErrKeySize, "bits=%d", bits)
	}
}

func TestGeneratedMACKeysAreClamped(t *testing.T) {
	g, err := NewKeyGenerator(AlgorithmPoly1305AES, 256, nil)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		k, err := g.Generate()
		require.NoError(t, err)
		require.True(t, IsClamped(k.Bytes()), "key %x", k.Bytes())
	}
}

func TestCipherKeysAreNotClamped(t *testing.T) {
	// All-ones source: a cipher key keeps every bit.
	g, err := NewKeyGenerator(AlgorithmChaCha20, 256, bytes.NewReader(bytes.Repeat([]byte{0xff}, KeySize)))
	require.NoError(t, err)
	k, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, KeySize), k.Bytes())
	assert.False(t, IsClamped(k.Bytes()))
}

func TestIsClamped(t *testing.T) {
	var k [KeySize]byte
	assert.True(t, IsClamped(k[:]))

	// r is the second half of the key.
	for _, i := range []int{19, 23, 27, 31} {
		bad := k
		bad[i] = 0x10
		assert.False(t, IsClamped(bad[:]), "byte %d high nibble", i)
	}
	for _, i := range []int{20, 24, 28} {
		bad := k
		bad[i] = 0x01
		assert.False(t, IsClamped(bad[:]), "byte %d low bits", i)
	}

	// The AES half is unconstrained.
	for i := 0; i < 16; i++ {
		k[i] = 0xff
	}
	assert.True(t, IsClamped(k[:]))
	assert.False(t, IsClamped(k[:31]))
	assert.False(t, IsClamped(k[16:]))
}

func TestClampTouchesOnlyR(t *testing.T) {
	var k [KeySize]byte
	for i := range k {
		k[i] = 0xff
	}
	clamp(&k)
	assert.True(t, IsClamped(k[:]))
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 16), k[:16])
	assert.Equal(t, byte(0x0f), k[19])
	assert.Equal(t, byte(0xfc), k[20])
	assert.Equal(t, byte(0xff), k[21])
}

func TestKeyDecodeLength(t *testing.T) {
	g, err := NewKeyGenerator(AlgorithmSalsa20, 256, nil)
	require.NoError(t, err)

	_, err = g.Decode(make([]byte, 31))
	assert.ErrorIs(t, err, ErrKeySize)
	_, err = g.Decode(make([]byte, 33))
	assert.ErrorIs(t, err, ErrKeySize)

	raw := bytes.Repeat([]byte{0xab}, KeySize)
	k, err := g.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, k.Bytes())
	assert.Equal(t, AlgorithmSalsa20, k.Algorithm())

	// Bytes returns a copy.
	b := k.Bytes()
	b[0] = 0
	assert.Equal(t, byte(0xab), k.Bytes()[0])
}

func TestGroupKeyRoundTrip(t *testing.T) {
	g, err := NewGroupKeyGenerator(AlgorithmChaCha20, 256, AlgorithmPoly1305AES, 256, nil)
	require.NoError(t, err)
	require.Equal(t, 64, g.Len())

	k, err := g.Generate()
	require.NoError(t, err)
	enc := k.Encode()
	require.Len(t, enc, 64)
	assert.Equal(t, k.CipherKey().Bytes(), enc[:32])
	assert.Equal(t, k.MACKey().Bytes(), enc[32:])

	back, err := g.Decode(enc)
	require.NoError(t, err)
	assert.True(t, k.Equal(back))
	assert.Equal(t, k.Checksum(), back.Checksum())
	assert.Equal(t, k.Hex(), back.Hex())

	// Trailing bytes are ignored.
	back, err = g.Decode(append(enc, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, k, back)

	_, err = g.Decode(enc[:63])
	assert.ErrorIs(t, err, ErrShortKey)
}

func TestGroupKeyEqualityAndMaps(t *testing.T) {
	g, err := NewGroupKeyGenerator(AlgorithmChaCha20, 256, AlgorithmPoly1305AES, 256, nil)
	require.NoError(t, err)
	a, err := g.Generate()
	require.NoError(t, err)
	b, err := g.Generate()
	require.NoError(t, err)
	require.False(t, a.Equal(b))

	a2, err := g.Decode(a.Encode())
	require.NoError(t, err)

	set := map[GroupKey]string{a: "a", b: "b"}
	assert.Equal(t, "a", set[a2])
	assert.Len(t, set, 2)

	// Swapping one half makes a different key.
	mixed := NewGroupKey(a.CipherKey(), b.MACKey())
	assert.NotEqual(t, a, mixed)
	assert.NotEqual(t, b, mixed)
	_, ok := set[mixed]
	assert.False(t, ok)
}

func TestLockReaderKeepsCryptoRand(t *testing.T) {
	r := lockReader(nil)
	assert.True(t, r == lockReader(r))

	src := bytes.NewReader(nil)
	wrapped := lockReader(src)
	_, ok := wrapped.(*lockedReader)
	assert.True(t, ok)
	assert.True(t, wrapped == lockReader(wrapped))
}

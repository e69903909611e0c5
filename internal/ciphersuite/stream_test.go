package ciphersuite

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T, alg Algorithm, b byte) SymmetricKey {
	t.Helper()
	g, err := NewKeyGenerator(alg, 256, nil)
	require.NoError(t, err)
	k, err := g.Decode(bytes.Repeat([]byte{b}, KeySize))
	require.NoError(t, err)
	return k
}

func TestChaCha20ZeroVector(t *testing.T) {
	// First keystream block for an all-zero key and nonce.
	want, _ := hex.DecodeString("76b8e0ada0f13d90405d6ae55386bd28bdd219b8a08ded1aa836efcc8b770dc7" +
		"da41597c5157488d7724e03fb8d84a376a43b8f41518a11cc387b669b2ee6586")
	out := make([]byte, 64)
	require.NoError(t, ChaCha20{}.XORKeyStream(out, make([]byte, 64), make([]byte, 8), mustKey(t, AlgorithmChaCha20, 0)))
	assert.Equal(t, want, out)
}

func TestSalsa20ECRYPTVector(t *testing.T) {
	// ECRYPT Salsa20/20 set 6, vector 0: XOR of every 64-byte block of the
	// first 131072 keystream bytes.
	key, err := hex.DecodeString("0053A6F94C9FF24598EB3E91E4378ADD3083D6297CCF2275C81B6EC11467BA0D")
	require.NoError(t, err)
	nonce, err := hex.DecodeString("0D74DB42A91077DE")
	require.NoError(t, err)
	want, err := hex.DecodeString("C349B6A51A3EC9B712EAED3F90D8BCEE69B7628645F251A996F55260C62EF31F" +
		"D6C6B0AEA94E136C9D984AD2DF3578F78E457527B03A0450580DD874F63B1AB9")
	require.NoError(t, err)

	g, err := NewKeyGenerator(AlgorithmSalsa20, 256, nil)
	require.NoError(t, err)
	k, err := g.Decode(key)
	require.NoError(t, err)

	out := make([]byte, 131072)
	require.NoError(t, Salsa20{}.XORKeyStream(out, make([]byte, len(out)), nonce, k))
	xor := make([]byte, 64)
	for b := out; len(b) > 0; b = b[64:] {
		for i := range xor {
			xor[i] ^= b[i]
		}
	}
	assert.Equal(t, want, xor)
}

func TestStreamCiphers(t *testing.T) {
	for _, name := range []string{"chacha20", "salsa20"} {
		t.Run(name, func(t *testing.T) {
			c, err := StreamCipherByName(name)
			require.NoError(t, err)
			require.Equal(t, name, c.Name())
			require.Equal(t, CipherNonceSize, c.NonceSize())

			key := mustKey(t, AlgorithmChaCha20, 7)
			nonce := []byte("8bnonce!")
			plain := bytes.Repeat([]byte("timberdoodle "), 100)

			ct := make([]byte, len(plain))
			require.NoError(t, c.XORKeyStream(ct, plain, nonce, key))
			assert.NotEqual(t, plain, ct)

			// In place.
			buf := append([]byte(nil), ct...)
			require.NoError(t, c.XORKeyStream(buf, buf, nonce, key))
			assert.Equal(t, plain, buf)

			other := make([]byte, len(plain))
			require.NoError(t, c.XORKeyStream(other, plain, []byte("8bnonce?"), key))
			assert.NotEqual(t, ct, other)

			assert.ErrorIs(t, c.XORKeyStream(ct, plain, make([]byte, 12), key), ErrNonceSize)
		})
	}

	_, err := StreamCipherByName("rc4")
	assert.Error(t, err)
	c, err := StreamCipherByName("")
	require.NoError(t, err)
	assert.Equal(t, "chacha20", c.Name())
}

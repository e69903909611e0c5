package ciphersuite

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotFound is returned by TryDecrypt when no key authenticates the
	// packet. Callers should treat it as "not for me", not as a failure; it
	// is returned for wrong keys, corrupted packets and decoys alike.
	ErrNotFound = errors.New("ciphersuite: no matching key")

	ErrPacketSize    = errors.New("ciphersuite: invalid packet size")
	ErrPlaintextSize = errors.New("ciphersuite: invalid plaintext size")
)

// Suite encrypts fixed-size plaintext blocks for a set of group keys and
// searches a set of group keys for the one that opens a packet.
//
// A Suite holds no mutable state and is safe for concurrent use. The key
// slices passed to it are only read.
type Suite struct {
	cipher StreamCipher
	mac    MAC
	nonces NonceGenerator
	keys   *GroupKeyGenerator

	macOffset   int
	nonceOffset int
	textOffset  int
	plainSize   int
	packetSize  int
}

// Option configures a Suite.
type Option func(*suiteOptions)

type suiteOptions struct {
	cipher StreamCipher
	mac    MAC
	nonces NonceGenerator
	rand   io.Reader
}

// WithStreamCipher selects the stream cipher. The default is ChaCha20.
func WithStreamCipher(c StreamCipher) Option { return func(o *suiteOptions) { o.cipher = c } }

// WithMAC selects the MAC. The default is Poly1305-AES.
func WithMAC(m MAC) Option { return func(o *suiteOptions) { o.mac = m } }

// WithNonceGenerator replaces the random nonce generator.
func WithNonceGenerator(g NonceGenerator) Option { return func(o *suiteOptions) { o.nonces = g } }

// WithRand sets the random source for keys and nonces. The default is
// crypto/rand.
func WithRand(r io.Reader) Option { return func(o *suiteOptions) { o.rand = r } }

// New returns a Suite for plaintext blocks of exactly plainSize bytes.
func New(plainSize int, opts ...Option) (*Suite, error) {
	if plainSize < 1 {
		return nil, fmt.Errorf("ciphersuite: plaintext size %d", plainSize)
	}
	o := suiteOptions{cipher: ChaCha20{}, mac: Poly1305AES{}}
	for _, opt := range opts {
		opt(&o)
	}
	o.rand = lockReader(o.rand)
	if o.nonces == nil {
		o.nonces = NewRandomNonceGenerator(o.mac.NonceSize(), o.rand)
	}
	if o.nonces.Len() != o.mac.NonceSize() {
		return nil, fmt.Errorf("ciphersuite: nonce generator yields %d bytes, mac needs %d", o.nonces.Len(), o.mac.NonceSize())
	}
	if o.cipher.NonceSize() > o.nonces.Len() {
		return nil, fmt.Errorf("ciphersuite: %s nonce longer than packet nonce", o.cipher.Name())
	}
	cipherAlg, err := algorithmOf(o.cipher)
	if err != nil {
		return nil, err
	}
	keys, err := NewGroupKeyGenerator(cipherAlg, KeySize*8, AlgorithmPoly1305AES, KeySize*8, o.rand)
	if err != nil {
		return nil, err
	}

	s := &Suite{
		cipher:      o.cipher,
		mac:         o.mac,
		nonces:      o.nonces,
		keys:        keys,
		macOffset:   0,
		nonceOffset: o.mac.Size(),
		textOffset:  o.mac.Size() + o.nonces.Len(),
		plainSize:   plainSize,
	}
	s.packetSize = s.textOffset + plainSize
	return s, nil
}

func algorithmOf(c StreamCipher) (Algorithm, error) {
	switch c.Name() {
	case "chacha20":
		return AlgorithmChaCha20, nil
	case "salsa20":
		return AlgorithmSalsa20, nil
	}
	return 0, fmt.Errorf("ciphersuite: no key algorithm for %s", c.Name())
}

// CiphertextSize is the size of every packet produced by Encrypt.
func (s *Suite) CiphertextSize() int { return s.packetSize }

// PlaintextSize is the block size Encrypt accepts and TryDecrypt returns.
func (s *Suite) PlaintextSize() int { return s.plainSize }

// EncodedKeySize is the length of KeyToBytes output.
func (s *Suite) EncodedKeySize() int { return s.keys.Len() }

// StreamCipher returns the configured stream cipher.
func (s *Suite) StreamCipher() StreamCipher { return s.cipher }

// GenerateKey returns a fresh random group key.
func (s *Suite) GenerateKey() (GroupKey, error) { return s.keys.Generate() }

func (s *Suite) KeyToBytes(k GroupKey) []byte { return k.Encode() }

// BytesToKey decodes a key received from outside, e.g. shared by another
// user. Unlike GroupKeyGenerator.Decode it rejects MAC keys that are not
// clamped: Poly1305 ignores the clamped bits, so an unclamped encoding would
// be a second, distinct spelling of the same effective key.
func (s *Suite) BytesToKey(b []byte) (GroupKey, error) {
	k, err := s.keys.Decode(b)
	if err != nil {
		return GroupKey{}, err
	}
	if !IsClamped(k.macKey.b[:]) {
		return GroupKey{}, ErrKeyNotClamped
	}
	return k, nil
}

// Encrypt encrypts plaintext once for every key and returns the packets in
// the order of keys. Every packet uses its own nonce.
func (s *Suite) Encrypt(plaintext []byte, keys []GroupKey) ([][]byte, error) {
	if len(plaintext) != s.plainSize {
		return nil, ErrPlaintextSize
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		pkt, err := s.seal(plaintext, k)
		if err != nil {
			return nil, err
		}
		out = append(out, pkt)
	}
	return out, nil
}

func (s *Suite) seal(plaintext []byte, k GroupKey) ([]byte, error) {
	pkt := make([]byte, s.packetSize)
	nonce, err := s.nonces.Generate()
	if err != nil {
		return nil, err
	}
	text := pkt[s.textOffset:]
	if err := s.cipher.XORKeyStream(text, plaintext, nonce[:s.cipher.NonceSize()], k.cipherKey); err != nil {
		return nil, err
	}
	if err := s.mac.Sum(pkt[s.macOffset:s.nonceOffset], nonce, k.macKey, text); err != nil {
		return nil, err
	}
	copy(pkt[s.nonceOffset:s.textOffset], nonce)
	return pkt, nil
}

// TryDecrypt searches keys in order for the first one whose MAC matches the
// packet and returns the decrypted block. ErrNotFound means no key matched.
// Callers that need a deterministic result for overlapping key sets must pass
// keys in a deterministic order.
func (s *Suite) TryDecrypt(packet []byte, keys []GroupKey) ([]byte, error) {
	if len(packet) != s.packetSize {
		return nil, ErrPacketSize
	}
	tag := packet[s.macOffset:s.nonceOffset]
	nonce := packet[s.nonceOffset:s.textOffset]
	text := packet[s.textOffset:]
	for i := range keys {
		if !s.mac.Verify(tag, nonce, keys[i].macKey, text) {
			continue
		}
		plain := make([]byte, s.plainSize)
		if err := s.cipher.XORKeyStream(plain, text, nonce[:s.cipher.NonceSize()], keys[i].cipherKey); err != nil {
			return nil, err
		}
		return plain, nil
	}
	return nil, ErrNotFound
}

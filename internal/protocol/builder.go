package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/ciphersuite"
)

var (
	ErrInvalidMaxSize = errors.New("protocol: invalid maximum message size")
	ErrMessageSize    = errors.New("protocol: invalid message size")
)

// GroupCipher encrypts fixed-size blocks for a set of keys and finds the key
// that opens a packet. *ciphersuite.Suite implements it.
type GroupCipher interface {
	Encrypt(plaintext []byte, keys []ciphersuite.GroupKey) ([][]byte, error)
	TryDecrypt(packet []byte, keys []ciphersuite.GroupKey) ([]byte, error)
	PlaintextSize() int
	CiphertextSize() int
}

// UnencryptedPacketSize returns the block size needed for messages of up to
// maxMessageSize bytes.
func UnencryptedPacketSize(maxMessageSize int) int { return HeaderSize + maxMessageSize }

// Builder turns messages into packets and back.
type Builder struct {
	max    int
	cipher GroupCipher

	randMu sync.Mutex
	rand   io.Reader
}

// NewBuilder returns a Builder for messages of up to maxMessageSize bytes. The
// cipher must accept blocks of UnencryptedPacketSize(maxMessageSize) bytes. A
// nil rand uses crypto/rand for decoy packets.
func NewBuilder(maxMessageSize int, cipher GroupCipher, rand io.Reader) (*Builder, error) {
	if maxMessageSize < 1 || maxMessageSize > maxEncodableSize {
		return nil, ErrInvalidMaxSize
	}
	if want := UnencryptedPacketSize(maxMessageSize); cipher.PlaintextSize() != want {
		return nil, fmt.Errorf("protocol: cipher block is %d bytes, need %d", cipher.PlaintextSize(), want)
	}
	return &Builder{max: maxMessageSize, cipher: cipher, rand: rand}, nil
}

func (b *Builder) MaxMessageSize() int        { return b.max }
func (b *Builder) UnencryptedPacketSize() int { return UnencryptedPacketSize(b.max) }
func (b *Builder) EncryptedPacketSize() int   { return b.cipher.CiphertextSize() }

// CreatePackets frames message and encrypts it once for every key, in the
// order of keys.
func (b *Builder) CreatePackets(message []byte, keys []ciphersuite.GroupKey) ([][]byte, error) {
	if len(message) == 0 || len(message) > b.max {
		return nil, ErrMessageSize
	}
	block := make([]byte, b.UnencryptedPacketSize())
	binary.LittleEndian.PutUint16(block, uint16(len(message)))
	copy(block[HeaderSize:], message)
	return b.cipher.Encrypt(block, keys)
}

// TryUnpackPacket decrypts packet with the first matching key and returns the
// framed message. It returns ciphersuite.ErrNotFound when no key matches and
// also when a key matches but the length header is out of range.
func (b *Builder) TryUnpackPacket(packet []byte, keys []ciphersuite.GroupKey) ([]byte, error) {
	block, err := b.cipher.TryDecrypt(packet, keys)
	if err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint16(block))
	if n > b.max {
		return nil, ciphersuite.ErrNotFound
	}
	return block[HeaderSize : HeaderSize+n], nil
}

// CreateRandomPacket returns a decoy: EncryptedPacketSize random bytes.
func (b *Builder) CreateRandomPacket() ([]byte, error) {
	pkt := make([]byte, b.EncryptedPacketSize())
	if b.rand == nil {
		if _, err := rand.Read(pkt); err != nil {
			return nil, err
		}
		return pkt, nil
	}
	b.randMu.Lock()
	defer b.randMu.Unlock()
	if _, err := io.ReadFull(b.rand, pkt); err != nil {
		return nil, err
	}
	return pkt, nil
}

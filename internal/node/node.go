// Package node wires the packet cipher, framing, stores and transport into a
// running aDTN node.
//
// Design:
//   - The sending pool emits a fixed-size batch of packets on every tick:
//     real packets drawn from the message store, topped up with decoys.
//   - One goroutine processes incoming packets from the transport. Every packet
//     is checked against the seen cache, then trial-decrypted with every known
//     group key. A packet no key opens is dropped silently; that is the normal
//     outcome for traffic of groups this node is not part of.
//   - Decrypted messages go into the message store. Only messages the store
//     did not know yet are delivered on Messages(). Stored messages are
//     rebroadcast by the sending pool, so the node carries them onward.
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/ciphersuite"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/messagestore"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/protocol"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/seen"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/sendingpool"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/transport"
)

const messageQueueDepth = 64

var (
	ErrContentSize = errors.New("node: invalid content size")
	ErrStopped     = errors.New("node: stopped")
)

// KeySource supplies the group keys to encrypt and trial-decrypt with.
// *keystore.Store implements it.
type KeySource interface {
	Keys() []ciphersuite.GroupKey
}

// Config configures a Node.
type Config struct {
	Keys      KeySource           // required
	Messages  *messagestore.Store // required
	Transport transport.Transport // required
	Suite     *ciphersuite.Suite  // defaults to ChaCha20 / Poly1305-AES for MaxMessageSize
	Bootstrap []string            // peer addresses to connect on start

	SendInterval    time.Duration
	BatchSize       int
	RefillThreshold int
	SeenSize        int
	SeenExpiry      time.Duration

	Log *logrus.Logger
}

// Node is a running aDTN node.
type Node struct {
	cfg      Config
	log      *logrus.Logger
	tr       transport.Transport
	builder  *protocol.Builder
	pool     *sendingpool.Pool
	seen     *seen.Cache
	messages chan Message

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSuite returns the packet cipher for the standard message size.
func NewSuite(opts ...ciphersuite.Option) (*ciphersuite.Suite, error) {
	return ciphersuite.New(protocol.UnencryptedPacketSize(protocol.MaxMessageSize), opts...)
}

// New creates a Node. Nothing is sent or received until Start.
func New(cfg Config) (*Node, error) {
	if cfg.Keys == nil || cfg.Messages == nil || cfg.Transport == nil {
		return nil, errors.New("node: incomplete config")
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	suite := cfg.Suite
	if suite == nil {
		var err error
		if suite, err = NewSuite(); err != nil {
			return nil, err
		}
	}
	builder, err := protocol.NewBuilder(protocol.MaxMessageSize, suite, nil)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	cache, err := seen.New(cfg.SeenSize, cfg.SeenExpiry)
	if err != nil {
		return nil, fmt.Errorf("node: seen cache: %w", err)
	}
	pool, err := sendingpool.New(sendingpool.Config{
		Interval:        cfg.SendInterval,
		BatchSize:       cfg.BatchSize,
		RefillThreshold: cfg.RefillThreshold,
		Messages:        cfg.Messages,
		Builder:         builder,
		Keys:            cfg.Keys,
		Sender:          cfg.Transport,
		Log:             log,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	return &Node{
		cfg:      cfg,
		log:      log,
		tr:       cfg.Transport,
		builder:  builder,
		pool:     pool,
		seen:     cache,
		messages: make(chan Message, messageQueueDepth),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins the node: starts transport, connects to bootstrap peers,
// and launches the sending pool and the receive goroutine.
func (n *Node) Start() error {
	if err := n.tr.Start(); err != nil {
		return fmt.Errorf("node: transport start: %w", err)
	}
	for _, addr := range n.cfg.Bootstrap {
		if err := n.tr.Connect(addr); err != nil {
			n.log.WithField("peer", addr).WithError(err).Warn("node: bootstrap failed")
		}
	}
	n.pool.Start()
	n.wg.Add(1)
	go n.receiveLoop()
	return nil
}

// Stop shuts down the node. Messages() is closed once the receive loop has
// exited.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.pool.Close()
		n.tr.Close() //nolint:errcheck
		n.wg.Wait()
		close(n.messages)
	})
}

// Messages returns a channel of new messages received by this node. Each
// message is delivered once.
func (n *Node) Messages() <-chan Message {
	return n.messages
}

// PacketSize is the size of every packet the node sends and accepts.
func (n *Node) PacketSize() int { return n.builder.EncryptedPacketSize() }

// PeerCount returns the number of peers the transport knows.
func (n *Node) PeerCount() int { return n.tr.PeerCount() }

// PendingPackets returns the number of packets waiting in the sending pool.
func (n *Node) PendingPackets() int { return n.pool.Len() }

// SendMessage stores a message for broadcast to every known group. It is
// transmitted by the sending pool over the following ticks.
func (n *Node) SendMessage(header byte, content []byte) (messagestore.ID, error) {
	if len(content) > protocol.MaxMessageContentSize {
		return messagestore.ID{}, ErrContentSize
	}
	select {
	case <-n.stopCh:
		return messagestore.ID{}, ErrStopped
	default:
	}
	m, err := n.cfg.Messages.Add(encodeMessage(header, content))
	if err != nil {
		return messagestore.ID{}, fmt.Errorf("node: store message: %w", err)
	}
	n.log.WithField("message", m.ID.Short()).Debug("node: message queued")
	return m.ID, nil
}

// SendChat sends a chat message.
func (n *Node) SendChat(text string) (messagestore.ID, error) {
	return n.SendMessage(Header(MessageTypeChat, 0), []byte(text))
}

// receiveLoop processes packets from the transport.
func (n *Node) receiveLoop() {
	defer n.wg.Done()
	in := n.tr.Incoming()
	for {
		select {
		case <-n.stopCh:
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			n.handlePacket(pkt)
		}
	}
}

func (n *Node) handlePacket(pkt []byte) {
	// 1. Deduplication
	if !n.seen.Add(pkt) {
		return
	}

	// 2. Trial decryption. Failure is the common case and not logged.
	raw, err := n.builder.TryUnpackPacket(pkt, n.cfg.Keys.Keys())
	if err != nil {
		if !errors.Is(err, ciphersuite.ErrNotFound) {
			n.log.WithError(err).Debug("node: unreadable packet")
		}
		return
	}
	msg, ok := decodeMessage(raw)
	if !ok {
		return
	}

	// 3. Store; deliver only the first copy.
	known, err := n.cfg.Messages.Received(raw)
	if err != nil {
		n.log.WithError(err).Warn("node: store received message")
		return
	}
	if known {
		return
	}
	n.log.WithField("message", msg.ID.Short()).Debug("node: new message")
	select {
	case n.messages <- msg:
	default:
		n.log.WithField("message", msg.ID.Short()).Warn("node: message queue full")
	}
}

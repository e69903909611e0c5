// Package sendingpool broadcasts packets at a constant cadence.
//
// Every interval the pool sends exactly BatchSize packets. Real packets are
// drawn at random from a pool that is refilled from the message store with the
// messages sent least often, one packet per message and group key. Whatever is
// missing from the batch is made up with random decoys, and the batch is
// shuffled, so the outbound traffic does not depend on how much there is to
// say.
package sendingpool

import (
	"crypto/rand"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/ciphersuite"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/messagestore"
)

const (
	DefaultInterval        = 500 * time.Millisecond
	DefaultBatchSize       = 8
	DefaultRefillThreshold = 64
)

// MessageSource supplies messages to send and records sends.
// *messagestore.Store implements it.
type MessageSource interface {
	NextToSend(count int) ([]messagestore.Message, error)
	Sent(id messagestore.ID) error
}

// PacketBuilder frames messages into packets. *protocol.Builder implements it.
type PacketBuilder interface {
	CreatePackets(message []byte, keys []ciphersuite.GroupKey) ([][]byte, error)
	CreateRandomPacket() ([]byte, error)
}

// KeySource supplies the current group keys. *keystore.Store implements it.
type KeySource interface {
	Keys() []ciphersuite.GroupKey
}

// Sender transmits a packet. Every transport.Transport implements it.
type Sender interface {
	Send(pkt []byte) error
}

// Config configures a Pool.
type Config struct {
	Interval        time.Duration // defaults to DefaultInterval
	BatchSize       int           // defaults to DefaultBatchSize
	RefillThreshold int           // defaults to DefaultRefillThreshold

	Messages MessageSource
	Builder  PacketBuilder
	Keys     KeySource
	Sender   Sender
	Log      *logrus.Logger
}

type entry struct {
	id    messagestore.ID
	pkt   []byte
	decoy bool
}

// Pool is the constant-cadence sender.
type Pool struct {
	cfg Config
	log *logrus.Logger

	mu      sync.Mutex
	pending []entry
	queued  map[messagestore.ID]int // packets per message still in pending

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// New creates a Pool. It does not send anything until Start.
func New(cfg Config) (*Pool, error) {
	if cfg.Messages == nil || cfg.Builder == nil || cfg.Keys == nil || cfg.Sender == nil {
		return nil, errors.New("sendingpool: incomplete config")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RefillThreshold <= 0 {
		cfg.RefillThreshold = DefaultRefillThreshold
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pool{
		cfg:    cfg,
		log:    log,
		queued: make(map[messagestore.ID]int),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the send loop.
func (p *Pool) Start() {
	p.startOnce.Do(func() { go p.loop() })
}

// Close stops the send loop and waits for it to finish.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	started := true
	p.startOnce.Do(func() { started = false })
	if started {
		<-p.done
	}
}

// Len returns the number of packets waiting in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) loop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.SendBatch(); err != nil {
				p.log.WithError(err).Warn("sendingpool: batch failed")
			}
		}
	}
}

// SendBatch refills the pool if needed and sends one batch.
func (p *Pool) SendBatch() error {
	if err := p.refill(); err != nil {
		p.log.WithError(err).Warn("sendingpool: refill failed")
	}
	batch, err := p.nextBatch()
	if err != nil {
		return err
	}
	return p.send(batch)
}

func (p *Pool) send(batch []entry) error {
	for _, e := range batch {
		if err := p.cfg.Sender.Send(e.pkt); err != nil {
			return err
		}
		if e.decoy {
			continue
		}
		if err := p.cfg.Messages.Sent(e.id); err != nil {
			p.log.WithError(err).WithField("message", e.id.Short()).Warn("sendingpool: record send")
		}
	}
	return nil
}

func (p *Pool) refill() error {
	keys := p.cfg.Keys.Keys()
	if len(keys) == 0 {
		return nil
	}

	p.mu.Lock()
	missing := p.cfg.RefillThreshold - len(p.pending)
	inPool := len(p.queued)
	p.mu.Unlock()
	if missing <= 0 {
		return nil
	}
	want := (missing + len(keys) - 1) / len(keys)

	// Messages still waiting in the pool are skipped; ask for enough extra.
	msgs, err := p.cfg.Messages.NextToSend(want + inPool)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if want == 0 {
			break
		}
		if p.queued[m.ID] > 0 {
			continue
		}
		pkts, err := p.cfg.Builder.CreatePackets(m.Content, keys)
		if err != nil {
			p.log.WithError(err).WithField("message", m.ID.Short()).Warn("sendingpool: build packets")
			continue
		}
		for _, pkt := range pkts {
			p.pending = append(p.pending, entry{id: m.ID, pkt: pkt})
		}
		p.queued[m.ID] += len(pkts)
		want--
	}
	return nil
}

// nextBatch removes up to BatchSize random packets from the pool, fills the
// rest with decoys and shuffles.
func (p *Pool) nextBatch() ([]entry, error) {
	batch := make([]entry, 0, p.cfg.BatchSize)

	p.mu.Lock()
	for len(batch) < p.cfg.BatchSize && len(p.pending) > 0 {
		i, err := randIntn(len(p.pending))
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		e := p.pending[i]
		last := len(p.pending) - 1
		p.pending[i] = p.pending[last]
		p.pending[last] = entry{}
		p.pending = p.pending[:last]
		if p.queued[e.id]--; p.queued[e.id] <= 0 {
			delete(p.queued, e.id)
		}
		batch = append(batch, e)
	}
	p.mu.Unlock()

	for len(batch) < p.cfg.BatchSize {
		pkt, err := p.cfg.Builder.CreateRandomPacket()
		if err != nil {
			return nil, err
		}
		batch = append(batch, entry{pkt: pkt, decoy: true})
	}

	for i := len(batch) - 1; i > 0; i-- {
		j, err := randIntn(i + 1)
		if err != nil {
			return nil, err
		}
		batch[i], batch[j] = batch[j], batch[i]
	}
	return batch, nil
}

func randIntn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

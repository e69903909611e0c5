package transport

import (
	"fmt"
	"sync"
)

// MemoryTransport is an in-process transport for tests.
// Call Connect(otherTransport.ID()) to wire two transports together.
// A global registry maps string IDs to MemoryTransport instances.
type MemoryTransport struct {
	id         string
	packetSize int
	incoming   chan []byte

	mu     sync.RWMutex
	peers  map[string]*MemoryTransport
	closed bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*MemoryTransport{}
	nextID     int
)

// NewMemory creates a MemoryTransport with a unique ID for packets of
// packetSize bytes.
func NewMemory(packetSize int) *MemoryTransport {
	registryMu.Lock()
	nextID++
	id := fmt.Sprintf("mem-%d", nextID)
	t := &MemoryTransport{
		id:         id,
		packetSize: packetSize,
		incoming:   make(chan []byte, incomingBuffer),
		peers:      make(map[string]*MemoryTransport),
	}
	registry[id] = t
	registryMu.Unlock()
	return t
}

func (t *MemoryTransport) ID() string { return t.id }

func (t *MemoryTransport) Start() error { return nil }

func (t *MemoryTransport) Connect(addr string) error {
	registryMu.Lock()
	other, ok := registry[addr]
	registryMu.Unlock()
	if !ok {
		return fmt.Errorf("memory transport: no peer with id %q", addr)
	}
	if other.packetSize != t.packetSize {
		return fmt.Errorf("memory transport: peer %q uses %d byte packets", addr, other.packetSize)
	}

	t.mu.Lock()
	t.peers[addr] = other
	t.mu.Unlock()

	// Also wire the reverse so the other side can send back
	other.mu.Lock()
	other.peers[t.id] = t
	other.mu.Unlock()

	return nil
}

func (t *MemoryTransport) Send(pkt []byte) error {
	if err := checkSize(pkt, t.packetSize); err != nil {
		return err
	}
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	peers := make([]*MemoryTransport, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()

	for _, p := range peers {
		p.deliver(append([]byte(nil), pkt...))
	}
	return nil
}

func (t *MemoryTransport) deliver(pkt []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.incoming <- pkt:
	default:
	}
}

func (t *MemoryTransport) Incoming() <-chan []byte {
	return t.incoming
}

func (t *MemoryTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *MemoryTransport) Close() error {
	registryMu.Lock()
	delete(registry, t.id)
	registryMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.incoming)
	}
	return nil
}

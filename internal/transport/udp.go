package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// UDPTransport sends every packet as one datagram to a broadcast address and
// to any unicast peers added with Connect. Datagrams of the wrong size are
// dropped.
type UDPTransport struct {
	listenAddr    string
	broadcastAddr string
	packetSize    int
	log           *logrus.Logger
	conn          net.PacketConn
	incoming      chan []byte

	mu     sync.RWMutex
	dests  map[string]net.Addr
	closed bool
	done   chan struct{}
}

// NewUDP creates a UDPTransport bound to listenAddr. broadcastAddr may be
// empty, in which case only peers added with Connect receive packets.
func NewUDP(listenAddr, broadcastAddr string, packetSize int, log *logrus.Logger) *UDPTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &UDPTransport{
		listenAddr:    listenAddr,
		broadcastAddr: broadcastAddr,
		packetSize:    packetSize,
		log:           log,
		incoming:      make(chan []byte, incomingBuffer),
		dests:         make(map[string]net.Addr),
		done:          make(chan struct{}),
	}
}

func (t *UDPTransport) Start() error {
	conn, err := net.ListenPacket("udp", t.listenAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if t.broadcastAddr != "" {
		if err := t.Connect(t.broadcastAddr); err != nil {
			conn.Close()
			return err
		}
	}
	t.log.WithField("addr", conn.LocalAddr().String()).
		WithField("broadcast", t.broadcastAddr).
		Info("transport: udp listening")
	go t.readLoop()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (t *UDPTransport) Addr() net.Addr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

func (t *UDPTransport) Connect(addr string) error {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.dests[ua.String()] = ua
	t.mu.Unlock()
	return nil
}

func (t *UDPTransport) Send(pkt []byte) error {
	if err := checkSize(pkt, t.packetSize); err != nil {
		return err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.conn == nil {
		return ErrClosed
	}
	for name, addr := range t.dests {
		if _, err := t.conn.WriteTo(pkt, addr); err != nil {
			t.log.WithField("peer", name).WithError(err).Debug("transport: write failed")
		}
	}
	return nil
}

func (t *UDPTransport) Incoming() <-chan []byte {
	return t.incoming
}

func (t *UDPTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dests)
}

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.conn == nil {
		close(t.incoming)
		return nil
	}
	err := t.conn.Close()
	<-t.done
	return err
}

func (t *UDPTransport) readLoop() {
	defer close(t.done)
	defer close(t.incoming)

	// One spare byte tells oversized datagrams apart from exact ones.
	buf := make([]byte, t.packetSize+1)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.WithError(err).Warn("transport: udp read failed")
			}
			return
		}
		if n != t.packetSize {
			t.log.WithField("peer", from.String()).WithField("size", n).Debug("transport: dropped datagram")
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case t.incoming <- pkt:
		default:
		}
	}
}

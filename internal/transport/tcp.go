package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// TCPTransport implements Transport over raw TCP connections.
// Framing: each packet is preceded by a 2-byte big-endian length. The length
// is always the configured packet size; any other value ends the connection.
type TCPTransport struct {
	listenAddr string
	packetSize int
	log        *logrus.Logger
	listener   net.Listener
	incoming   chan []byte

	mu     sync.RWMutex
	peers  map[string]*tcpPeer // addr → conn
	closed bool
	wg     sync.WaitGroup
}

type tcpPeer struct {
	conn net.Conn
	wmu  sync.Mutex
}

// NewTCP creates a TCPTransport listening on listenAddr. A nil log uses
// logrus.StandardLogger.
func NewTCP(listenAddr string, packetSize int, log *logrus.Logger) *TCPTransport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TCPTransport{
		listenAddr: listenAddr,
		packetSize: packetSize,
		log:        log,
		incoming:   make(chan []byte, incomingBuffer),
		peers:      make(map[string]*tcpPeer),
	}
}

func (t *TCPTransport) Start() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	t.log.WithField("addr", ln.Addr().String()).Info("transport: tcp listening")
	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (t *TCPTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPTransport) Connect(addr string) error {
	t.mu.RLock()
	_, already := t.peers[addr]
	t.mu.RUnlock()
	if already {
		return nil
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	return t.addPeer(addr, conn)
}

func (t *TCPTransport) Send(pkt []byte) error {
	if err := checkSize(pkt, t.packetSize); err != nil {
		return err
	}
	frame := make([]byte, 2+len(pkt))
	binary.BigEndian.PutUint16(frame, uint16(len(pkt)))
	copy(frame[2:], pkt)

	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	peers := make(map[string]*tcpPeer, len(t.peers))
	for addr, p := range t.peers {
		peers[addr] = p
	}
	t.mu.RUnlock()

	for addr, p := range peers {
		p.wmu.Lock()
		_, err := p.conn.Write(frame)
		p.wmu.Unlock()
		if err != nil {
			// The read loop notices the broken connection and drops the peer.
			t.log.WithField("peer", addr).WithError(err).Debug("transport: write failed")
		}
	}
	return nil
}

func (t *TCPTransport) Incoming() <-chan []byte {
	return t.incoming
}

func (t *TCPTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, p := range t.peers {
		p.conn.Close()
	}
	t.mu.Unlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.wg.Wait()
	close(t.incoming)
	return err
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.WithError(err).Warn("transport: accept failed")
			}
			return
		}
		addr := conn.RemoteAddr().String()
		if err := t.addPeer(addr, conn); err != nil {
			return
		}
	}
}

func (t *TCPTransport) addPeer(addr string, conn net.Conn) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	p := &tcpPeer{conn: conn}
	t.peers[addr] = p
	t.wg.Add(1)
	t.mu.Unlock()
	t.log.WithField("peer", addr).Debug("transport: peer connected")
	go t.readLoop(addr, p)
	return nil
}

func (t *TCPTransport) readLoop(addr string, p *tcpPeer) {
	defer t.wg.Done()
	defer func() {
		p.conn.Close()
		t.mu.Lock()
		if t.peers[addr] == p {
			delete(t.peers, addr)
		}
		t.mu.Unlock()
	}()

	for {
		var hdr [2]byte
		if _, err := io.ReadFull(p.conn, hdr[:]); err != nil {
			return
		}
		sz := int(binary.BigEndian.Uint16(hdr[:]))
		if sz != t.packetSize {
			t.log.WithField("peer", addr).WithField("size", sz).Warn("transport: unexpected packet size")
			return
		}
		buf := make([]byte, sz)
		if _, err := io.ReadFull(p.conn, buf); err != nil {
			return
		}
		select {
		case t.incoming <- buf:
		default:
			// Drop if incoming buffer is full (backpressure)
		}
	}
}

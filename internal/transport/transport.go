// Package transport defines the peer communication interface and provides
// implementations for production (TCP, UDP broadcast) and testing (in-memory).
//
// Every transport carries opaque packets of one fixed size. Packets of any
// other size are refused on send and dropped on receipt.
package transport

import (
	"errors"
	"fmt"
)

// Transport abstracts peer-to-peer packet I/O.
// The node uses this interface exclusively so that tests can inject an
// in-memory transport without needing real network sockets.
type Transport interface {
	// Start begins listening for incoming packets.
	Start() error

	// Connect adds a peer by address. Idempotent if already connected.
	Connect(addr string) error

	// Send transmits pkt to all currently known peers.
	Send(pkt []byte) error

	// Incoming returns a channel of packets received from any peer.
	Incoming() <-chan []byte

	// PeerCount returns the number of currently known peers.
	PeerCount() int

	// Close shuts down the transport and all peer connections.
	Close() error
}

var (
	ErrPacketSize = errors.New("transport: invalid packet size")
	ErrClosed     = errors.New("transport: closed")
)

const incomingBuffer = 1024

func checkSize(pkt []byte, size int) error {
	if len(pkt) != size {
		return fmt.Errorf("%w: %d bytes, want %d", ErrPacketSize, len(pkt), size)
	}
	return nil
}

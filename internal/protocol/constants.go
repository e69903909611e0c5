// Package protocol frames application messages into fixed-size blocks and
// turns those blocks into encrypted packets.
//
// A block is a two-byte little-endian length, the message and zero padding up
// to the configured maximum message size. Every block is encrypted as a whole,
// so every packet on the wire has the same size regardless of content.
package protocol

const (
	// HeaderSize is the length prefix in front of every framed message.
	HeaderSize = 2

	// MessageHeaderSize is the application header in front of the content of
	// every message.
	MessageHeaderSize = 1

	// MaxMessageContentSize is the largest message content a node sends.
	MaxMessageContentSize = 1453

	// MaxMessageSize is the largest framed message: header plus content.
	MaxMessageSize = MessageHeaderSize + MaxMessageContentSize

	// maxEncodableSize is the largest length the header can carry.
	maxEncodableSize = 1<<16 - 1
)

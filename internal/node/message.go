package node

import (
	"unicode/utf8"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/messagestore"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/protocol"
)

// The low two bits of the application header carry the message type, the
// upper six bits are flags whose meaning depends on the type.
const (
	MessageTypeChat byte = 0

	typeMask  = 0x03
	flagShift = 2
)

// Header builds an application header from a message type and its flags.
func Header(msgType, flags byte) byte { return flags<<flagShift | msgType&typeMask }

// Message is an application message delivered by the network.
type Message struct {
	ID      messagestore.ID
	Header  byte
	Content []byte
}

func (m Message) Type() byte  { return m.Header & typeMask }
func (m Message) Flags() byte { return m.Header >> flagShift }

// Text returns the content of a chat message as a string, replacing invalid
// UTF-8.
func (m Message) Text() string {
	if utf8.Valid(m.Content) {
		return string(m.Content)
	}
	return string([]rune(string(m.Content)))
}

func encodeMessage(header byte, content []byte) []byte {
	out := make([]byte, 0, protocol.MessageHeaderSize+len(content))
	out = append(out, header)
	return append(out, content...)
}

func decodeMessage(b []byte) (Message, bool) {
	if len(b) < protocol.MessageHeaderSize {
		return Message{}, false
	}
	return Message{
		ID:      messagestore.Fingerprint(b),
		Header:  b[0],
		Content: b[protocol.MessageHeaderSize:],
	}, true
}

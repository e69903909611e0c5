package node

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/ciphersuite"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/messagestore"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/protocol"
	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/transport"
)

type staticKeys []ciphersuite.GroupKey

func (k staticKeys) Keys() []ciphersuite.GroupKey { return k }

var testSuite = func() *ciphersuite.Suite {
	s, err := NewSuite()
	if err != nil {
		panic(err)
	}
	return s
}()

func newGroupKey(t *testing.T) ciphersuite.GroupKey {
	t.Helper()
	k, err := testSuite.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func newTestNode(t *testing.T, keys ...ciphersuite.GroupKey) (*Node, *transport.MemoryTransport) {
	t.Helper()
	tr := transport.NewMemory(testSuite.CiphertextSize())
	return newNodeOn(t, tr, keys...), tr
}

func newNodeOn(t *testing.T, tr transport.Transport, keys ...ciphersuite.GroupKey) *Node {
	t.Helper()
	store, err := messagestore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	n, err := New(Config{
		Keys:         staticKeys(keys),
		Messages:     store,
		Transport:    tr,
		Suite:        testSuite,
		SendInterval: 10 * time.Millisecond, // fast for tests
		BatchSize:    4,
		Log:          log,
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func expectMessage(t *testing.T, n *Node, want string) Message {
	t.Helper()
	select {
	case msg := <-n.Messages():
		if msg.Text() != want {
			t.Fatalf("got %q want %q", msg.Text(), want)
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
	return Message{}
}

func expectNothing(t *testing.T, n *Node, d time.Duration) {
	t.Helper()
	select {
	case msg := <-n.Messages():
		t.Fatalf("unexpected message %q", msg.Text())
	case <-time.After(d):
	}
}

func TestGroupMessageDelivery(t *testing.T) {
	key := newGroupKey(t)
	alice, aliceTr := newTestNode(t, key)
	bob, bobTr := newTestNode(t, key)

	// Wire together
	aliceTr.Connect(bobTr.ID())

	alice.Start()
	bob.Start()
	defer alice.Stop()
	defer bob.Stop()

	id, err := alice.SendChat("hello group")
	if err != nil {
		t.Fatal(err)
	}

	msg := expectMessage(t, bob, "hello group")
	if msg.Type() != MessageTypeChat {
		t.Fatalf("type %d", msg.Type())
	}
	if msg.ID != id {
		t.Fatal("message id mismatch")
	}
}

func TestHeaderFlagsSurvive(t *testing.T) {
	key := newGroupKey(t)
	alice, aliceTr := newTestNode(t, key)
	bob, bobTr := newTestNode(t, key)
	aliceTr.Connect(bobTr.ID())
	alice.Start()
	bob.Start()
	defer alice.Stop()
	defer bob.Stop()

	if _, err := alice.SendMessage(Header(2, 0x15), []byte("typed")); err != nil {
		t.Fatal(err)
	}
	msg := expectMessage(t, bob, "typed")
	if msg.Type() != 2 || msg.Flags() != 0x15 {
		t.Fatalf("header %08b", msg.Header)
	}
}

func TestMessageNotDeliveredWithoutKey(t *testing.T) {
	alice, aliceTr := newTestNode(t, newGroupKey(t))
	eve, eveTr := newTestNode(t, newGroupKey(t))
	aliceTr.Connect(eveTr.ID())

	alice.Start()
	eve.Start()
	defer alice.Stop()
	defer eve.Stop()

	alice.SendChat("not for eve")
	expectNothing(t, eve, 200*time.Millisecond)
}

func TestFirstMatchingGroupWins(t *testing.T) {
	shared := newGroupKey(t)
	alice, aliceTr := newTestNode(t, shared)
	// Bob knows several groups; the shared one is last.
	bob, bobTr := newTestNode(t, newGroupKey(t), newGroupKey(t), shared)
	aliceTr.Connect(bobTr.ID())
	alice.Start()
	bob.Start()
	defer alice.Stop()
	defer bob.Stop()

	alice.SendChat("found it")
	expectMessage(t, bob, "found it")
}

func TestDeliveredOnce(t *testing.T) {
	// The sending pool keeps rebroadcasting; bob must see the message once.
	key := newGroupKey(t)
	alice, aliceTr := newTestNode(t, key)
	bob, bobTr := newTestNode(t, key)
	aliceTr.Connect(bobTr.ID())
	alice.Start()
	bob.Start()
	defer alice.Stop()
	defer bob.Stop()

	alice.SendChat("once")
	expectMessage(t, bob, "once")
	expectNothing(t, bob, 300*time.Millisecond)
}

func TestStoreAndForward(t *testing.T) {
	// alice ↔ relay ↔ bob, all in one group. Alice and bob never meet.
	key := newGroupKey(t)
	alice, aliceTr := newTestNode(t, key)
	relay, relayTr := newTestNode(t, key)
	bob, bobTr := newTestNode(t, key)

	aliceTr.Connect(relayTr.ID())
	relayTr.Connect(bobTr.ID())

	alice.Start()
	relay.Start()
	bob.Start()
	defer alice.Stop()
	defer relay.Stop()
	defer bob.Stop()

	alice.SendChat("carried along")
	expectMessage(t, relay, "carried along")
	expectMessage(t, bob, "carried along")
}

func TestContentSize(t *testing.T) {
	n, _ := newTestNode(t, newGroupKey(t))
	if _, err := n.SendMessage(0, make([]byte, protocol.MaxMessageContentSize+1)); err != ErrContentSize {
		t.Fatalf("expected ErrContentSize, got %v", err)
	}
	if _, err := n.SendMessage(0, make([]byte, protocol.MaxMessageContentSize)); err != nil {
		t.Fatal(err)
	}
	if _, err := n.SendMessage(0, nil); err != nil {
		t.Fatal(err)
	}
}

func TestSendAfterStop(t *testing.T) {
	n, _ := newTestNode(t, newGroupKey(t))
	n.Start()
	n.Stop()
	n.Stop()
	if _, err := n.SendChat("late"); err != ErrStopped {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if _, ok := <-n.Messages(); ok {
		t.Fatal("messages channel should be closed")
	}
}

func TestTrafficIsConstant(t *testing.T) {
	// Even with nothing to send, the node should emit a full batch every tick.
	counting := &countingTransport{Transport: transport.NewMemory(testSuite.CiphertextSize())}
	n := newNodeOn(t, counting, newGroupKey(t))

	n.Start()
	time.Sleep(155 * time.Millisecond)
	n.Stop()
	count := counting.SendCount()

	// At 10ms over 150ms, expect ~15 batches of 4 (allow slack for scheduler jitter)
	if count%4 != 0 {
		t.Fatalf("sent %d packets, not whole batches", count)
	}
	if count < 4*8 || count > 4*20 {
		t.Fatalf("expected ~60 packets in 150ms, got %d", count)
	}
	for _, size := range counting.Sizes() {
		if size != testSuite.CiphertextSize() {
			t.Fatalf("packet of %d bytes", size)
		}
	}
}

func TestDuplicatePacketsIgnored(t *testing.T) {
	key := newGroupKey(t)
	alice, _ := newTestNode(t, key)
	bob, _ := newTestNode(t, key)

	pkts, err := alice.builder.CreatePackets(encodeMessage(0, []byte("dup")), []ciphersuite.GroupKey{key})
	if err != nil {
		t.Fatal(err)
	}
	bob.handlePacket(pkts[0])
	bob.handlePacket(pkts[0])
	bob.handlePacket(bytes.Repeat([]byte{1}, bob.PacketSize()))

	if len(bob.messages) != 1 {
		t.Fatalf("expected 1 queued message, got %d", len(bob.messages))
	}
	if m := <-bob.messages; m.Text() != "dup" {
		t.Fatalf("got %q", m.Text())
	}
}

type countingTransport struct {
	transport.Transport
	mu    sync.Mutex
	sizes []int
}

func (c *countingTransport) Send(pkt []byte) error {
	c.mu.Lock()
	c.sizes = append(c.sizes, len(pkt))
	c.mu.Unlock()
	return c.Transport.Send(pkt)
}

func (c *countingTransport) SendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sizes)
}

func (c *countingTransport) Sizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sizes...)
}

package seen

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func randomPacket(t *testing.T) []byte {
	t.Helper()
	p := make([]byte, 64)
	if _, err := rand.Read(p); err != nil {
		t.Fatal(err)
	}
	return p
}

func newCache(t *testing.T, size int, expiry time.Duration) *Cache {
	t.Helper()
	c, err := New(size, expiry)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestAddAndHas(t *testing.T) {
	c := newCache(t, 16, 10*time.Second)
	p := randomPacket(t)

	if c.Has(p) {
		t.Fatal("fresh cache should not have packet")
	}
	if !c.Add(p) {
		t.Fatal("first Add should return true (new)")
	}
	if !c.Has(p) {
		t.Fatal("should have packet after Add")
	}
	if c.Add(p) {
		t.Fatal("second Add should return false (duplicate)")
	}
}

func TestWholePacketIsKey(t *testing.T) {
	c := newCache(t, 16, 10*time.Second)
	p := randomPacket(t)

	// A copy of the MAC and nonce with a different body is a different
	// packet and must not shadow the genuine one.
	forged := append([]byte(nil), p...)
	forged[len(forged)-1] ^= 1
	if !c.Add(forged) {
		t.Fatal("forged packet should be new")
	}
	if c.Has(p) {
		t.Fatal("genuine packet should not be known")
	}
	if !c.Add(p) {
		t.Fatal("genuine packet should be new")
	}
}

func TestShortPackets(t *testing.T) {
	c := newCache(t, 16, 10*time.Second)
	short := []byte{1, 2, 3}
	if !c.Add(short) {
		t.Fatal("first Add should return true")
	}
	if c.Add(short) {
		t.Fatal("second Add should return false")
	}
}

func TestConcurrentAddReportsNewOnce(t *testing.T) {
	c := newCache(t, 16, 10*time.Second)
	p := randomPacket(t)

	var (
		wg    sync.WaitGroup
		fresh int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Add(p) {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()
	if fresh != 1 {
		t.Fatalf("expected exactly one new Add, got %d", fresh)
	}
}

func TestExpiry(t *testing.T) {
	c := newCache(t, 16, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	p := randomPacket(t)
	c.Add(p)
	if !c.Has(p) {
		t.Fatal("should have packet immediately after Add")
	}

	now = now.Add(2 * time.Minute)
	if c.Has(p) {
		t.Fatal("packet should have expired")
	}
	if !c.Add(p) {
		t.Fatal("expired packet should count as new")
	}
}

func TestEviction(t *testing.T) {
	c := newCache(t, 10, time.Hour)
	packets := make([][]byte, 20)
	for i := range packets {
		packets[i] = randomPacket(t)
		c.Add(packets[i])
	}
	if c.Len() != 10 {
		t.Fatalf("expected 10 entries, got %d", c.Len())
	}
	if c.Has(packets[0]) {
		t.Fatal("oldest packet should have been evicted")
	}
	if !c.Has(packets[19]) {
		t.Fatal("newest packet missing")
	}
}

// Package seen remembers recently received packets so that a packet repeated
// by several neighbours is trial-decrypted only once.
//
// Packets are identified by the SHA-256 of their full contents. A packet that
// shares the MAC and nonce of a genuine one but differs anywhere else is a
// different packet, so it cannot shadow the genuine copy. Memory is bounded by
// the LRU size; entries also expire.
package seen

import (
	"crypto/sha256"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

const (
	DefaultSize   = 4096
	DefaultExpiry = 10 * time.Minute
)

// Cache is a concurrent-safe packet deduplication store.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache
	expiry  time.Duration
	now     func() time.Time
}

// New creates a Cache holding at most size packets for at most expiry.
func New(size int, expiry time.Duration) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	entries, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, expiry: expiry, now: time.Now}, nil
}

func key(pkt []byte) [sha256.Size]byte { return sha256.Sum256(pkt) }

// Has reports whether pkt was added and has not expired.
func (c *Cache) Has(pkt []byte) bool {
	k := key(pkt)
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries.Get(k)
	if !ok {
		return false
	}
	if c.now().After(v.(time.Time)) {
		c.entries.Remove(k)
		return false
	}
	return true
}

// Add records pkt. It returns true if the packet was not seen before, i.e.
// this is new traffic. Of several concurrent calls with the same packet
// exactly one returns true.
func (c *Cache) Add(pkt []byte) bool {
	k := key(pkt)
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if v, ok := c.entries.Get(k); ok && now.Before(v.(time.Time)) {
		return false
	}
	c.entries.Add(k, now.Add(c.expiry))
	return true
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int { return c.entries.Len() }

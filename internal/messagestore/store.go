// Package messagestore keeps every message a node has created or received,
// with counters the sending pool uses to decide what to broadcast next.
//
// Messages are identified by the SHA-256 of their content, so the same message
// arriving from several neighbours or groups is stored once.
package messagestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the name of the store inside the data directory.
const FileName = "messages.db"

var bucketMessages = []byte("messages")

var ErrNotFound = errors.New("messagestore: no such message")

// ID is the fingerprint of a message's content.
type ID [sha256.Size]byte

// Fingerprint returns the ID of content.
func Fingerprint(content []byte) ID { return sha256.Sum256(content) }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns the first eight hex digits, for display.
func (id ID) Short() string { return hex.EncodeToString(id[:4]) }

// Message is a stored message and its traffic counters.
type Message struct {
	ID            ID        `json:"-"`
	Content       []byte    `json:"content"`
	Created       time.Time `json:"created"`
	TimesSent     uint64    `json:"times_sent"`
	TimesReceived uint64    `json:"times_received"`
	FirstSent     time.Time `json:"first_sent"`
	LastSent      time.Time `json:"last_sent"`
	FirstReceived time.Time `json:"first_received"`
	LastReceived  time.Time `json:"last_received"`
}

// Store is a persistent message store backed by bbolt.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the message store in dir.
func Open(dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, FileName), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMessages)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func get(bkt *bolt.Bucket, id ID) (Message, bool, error) {
	data := bkt.Get(id[:])
	if data == nil {
		return Message{}, false, nil
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, false, err
	}
	m.ID = id
	return m, true, nil
}

func put(bkt *bolt.Bucket, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return bkt.Put(m.ID[:], data)
}

// Add stores a message created locally. Adding known content returns the
// stored message unchanged.
func (s *Store) Add(content []byte) (Message, error) {
	id := Fingerprint(content)
	var m Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMessages)
		existing, ok, err := get(bkt, id)
		if err != nil || ok {
			m = existing
			return err
		}
		m = Message{ID: id, Content: append([]byte(nil), content...), Created: s.now()}
		return put(bkt, m)
	})
	return m, err
}

// Received records that content arrived from the network. It reports whether
// the message was already known, in which case only its counters change.
func (s *Store) Received(content []byte) (alreadyKnown bool, err error) {
	id := Fingerprint(content)
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMessages)
		m, ok, err := get(bkt, id)
		if err != nil {
			return err
		}
		now := s.now()
		if !ok {
			m = Message{ID: id, Content: append([]byte(nil), content...), Created: now}
		}
		alreadyKnown = ok
		if m.TimesReceived == 0 {
			m.FirstReceived = now
		}
		m.TimesReceived++
		m.LastReceived = now
		return put(bkt, m)
	})
	return alreadyKnown, err
}

// Sent records one more broadcast of the message.
func (s *Store) Sent(id ID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketMessages)
		m, ok, err := get(bkt, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		now := s.now()
		if m.TimesSent == 0 {
			m.FirstSent = now
		}
		m.TimesSent++
		m.LastSent = now
		return put(bkt, m)
	})
}

// Get returns the message with the given ID.
func (s *Store) Get(id ID) (Message, error) {
	var m Message
	err := s.db.View(func(tx *bolt.Tx) error {
		var ok bool
		var err error
		m, ok, err = get(tx.Bucket(bucketMessages), id)
		if err == nil && !ok {
			err = ErrNotFound
		}
		return err
	})
	return m, err
}

func (s *Store) all() ([]Message, error) {
	var out []Message
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(k, v []byte) error {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			copy(m.ID[:], k)
			out = append(out, m)
			return nil
		})
	})
	return out, err
}

// NextToSend returns up to count messages that were sent least often, ties
// broken by ID.
func (s *Store) NextToSend(count int) ([]Message, error) {
	if count <= 0 {
		return nil, nil
	}
	msgs, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].TimesSent != msgs[j].TimesSent {
			return msgs[i].TimesSent < msgs[j].TimesSent
		}
		return bytes.Compare(msgs[i].ID[:], msgs[j].ID[:]) < 0
	})
	if len(msgs) > count {
		msgs = msgs[:count]
	}
	return msgs, nil
}

// All returns every message, oldest first.
func (s *Store) All() ([]Message, error) {
	msgs, err := s.all()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Created.Before(msgs[j].Created) })
	return msgs, nil
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	var n int
	s.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		n = tx.Bucket(bucketMessages).Stats().KeyN
		return nil
	})
	return n
}

// Reset removes every message.
func (s *Store) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketMessages); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketMessages)
		return err
	})
}

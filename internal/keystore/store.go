// Package keystore persists the group keys a node knows, under aliases chosen
// by the user.
//
// Keys are kept in a bbolt file. Each key is sealed with XChaCha20-Poly1305
// under a key derived from the store password with Argon2id; aliases and IDs
// are stored in the clear. A sealed check value written when the store is
// created detects a wrong password on open.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/timberdoodle/TimberdoodleApp-sub000/internal/ciphersuite"
)

// FileName is the name of the store inside the data directory.
const FileName = "groupkeys.db"

var (
	bucketMeta = []byte("meta")
	bucketKeys = []byte("groupkeys")

	metaSalt   = []byte("salt")
	metaCheck  = []byte("check")
	metaNextID = []byte("next_id")

	checkValue = []byte("timberdoodle group key store")
)

var (
	ErrEmptyPassword = errors.New("keystore: empty password")
	ErrWrongPassword = errors.New("keystore: wrong password")
	ErrNoStore       = errors.New("keystore: store does not exist")
	ErrEmptyAlias    = errors.New("keystore: empty alias")
	ErrAliasInUse    = errors.New("keystore: alias already in use")
	ErrKeyInUse      = errors.New("keystore: key already in use")
	ErrNotFound      = errors.New("keystore: no such entry")
	ErrCorrupt       = errors.New("keystore: corrupt entry")
)

// ConflictError reports that an alias or key is already stored under another
// entry. It wraps ErrAliasInUse or ErrKeyInUse.
type ConflictError struct {
	Err error
	ID  uint64
}

func (e *ConflictError) Error() string { return fmt.Sprintf("%v (entry %d)", e.Err, e.ID) }
func (e *ConflictError) Unwrap() error { return e.Err }

// Argon2id cost. Tests lower these.
var (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 4
)

// Entry is one stored group key.
type Entry struct {
	ID    uint64
	Alias string
	Key   ciphersuite.GroupKey
}

type record struct {
	Alias  string `json:"alias"`
	Sealed []byte `json:"sealed"`
	Added  int64  `json:"added"`
}

// Store is a persistent group key store. It is safe for concurrent use.
type Store struct {
	db    *bolt.DB
	suite *ciphersuite.Suite
	aead  cipher.AEAD

	mu      sync.RWMutex
	entries map[uint64]Entry
	keys    []ciphersuite.GroupKey // snapshot ordered by ID, replaced on change
}

// Open opens the store in dir. If it does not exist it is created when
// createEmpty is set and ErrNoStore is returned otherwise.
func Open(dir, password string, suite *ciphersuite.Suite, createEmpty bool) (*Store, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !createEmpty {
		return nil, ErrNoStore
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, suite: suite, entries: make(map[uint64]Entry)}
	if err := s.init(password); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(password string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		bkt, err := tx.CreateBucketIfNotExists(bucketKeys)
		if err != nil {
			return err
		}

		salt := meta.Get(metaSalt)
		fresh := salt == nil
		if fresh {
			salt = make([]byte, 16)
			if _, err := rand.Read(salt); err != nil {
				return err
			}
			if err := meta.Put(metaSalt, salt); err != nil {
				return err
			}
		}
		key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return err
		}
		s.aead = aead

		if fresh {
			sealed, err := s.seal(checkValue, nil)
			if err != nil {
				return err
			}
			return meta.Put(metaCheck, sealed)
		}
		if _, err := s.open(meta.Get(metaCheck), nil); err != nil {
			return ErrWrongPassword
		}

		return bkt.ForEach(func(k, v []byte) error {
			e, err := s.decode(k, v)
			if err != nil {
				return err
			}
			s.entries[e.ID] = e
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.refresh()
	return nil
}

func (s *Store) seal(plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, ad), nil
}

func (s *Store) open(sealed, ad []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrCorrupt
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], ad)
}

func (s *Store) decode(k, v []byte) (Entry, error) {
	if len(k) != 8 {
		return Entry{}, ErrCorrupt
	}
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	raw, err := s.open(r.Sealed, k)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: entry %d", ErrCorrupt, binary.BigEndian.Uint64(k))
	}
	key, err := s.suite.BytesToKey(raw)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: entry %d: %v", ErrCorrupt, binary.BigEndian.Uint64(k), err)
	}
	return Entry{ID: binary.BigEndian.Uint64(k), Alias: r.Alias, Key: key}, nil
}

func idKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// refresh rebuilds the key snapshot. s.mu must be held for writing, or the
// store must not be shared yet.
func (s *Store) refresh() {
	ids := make([]uint64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	keys := make([]ciphersuite.GroupKey, len(ids))
	for i, id := range ids {
		keys[i] = s.entries[id].Key
	}
	s.keys = keys
}

// conflict reports an alias clash before a key clash.
func (s *Store) conflict(alias string, key ciphersuite.GroupKey) error {
	for id, e := range s.entries {
		if e.Alias == alias {
			return &ConflictError{Err: ErrAliasInUse, ID: id}
		}
	}
	for id, e := range s.entries {
		if e.Key == key {
			return &ConflictError{Err: ErrKeyInUse, ID: id}
		}
	}
	return nil
}

// Add stores key under alias and returns the new entry.
func (s *Store) Add(alias string, key ciphersuite.GroupKey) (Entry, error) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return Entry{}, ErrEmptyAlias
	}
	if !ciphersuite.IsClamped(key.MACKey().Bytes()) {
		return Entry{}, ciphersuite.ErrKeyNotClamped
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conflict(alias, key); err != nil {
		return Entry{}, err
	}

	var e Entry
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		id := uint64(1)
		if v := meta.Get(metaNextID); len(v) == 8 {
			id = binary.BigEndian.Uint64(v)
		}
		if err := meta.Put(metaNextID, idKey(id+1)); err != nil {
			return err
		}

		sealed, err := s.seal(s.suite.KeyToBytes(key), idKey(id))
		if err != nil {
			return err
		}
		data, err := json.Marshal(record{Alias: alias, Sealed: sealed, Added: time.Now().Unix()})
		if err != nil {
			return err
		}
		e = Entry{ID: id, Alias: alias, Key: key}
		return tx.Bucket(bucketKeys).Put(idKey(id), data)
	})
	if err != nil {
		return Entry{}, err
	}
	s.entries[e.ID] = e
	s.refresh()
	return e, nil
}

// Rename changes the alias of an entry.
func (s *Store) Rename(id uint64, alias string) error {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return ErrEmptyAlias
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	for other, oe := range s.entries {
		if other != id && oe.Alias == alias {
			return &ConflictError{Err: ErrAliasInUse, ID: other}
		}
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketKeys)
		var r record
		if err := json.Unmarshal(bkt.Get(idKey(id)), &r); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		r.Alias = alias
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return bkt.Put(idKey(id), data)
	})
	if err != nil {
		return err
	}
	e.Alias = alias
	s.entries[id] = e
	return nil
}

// Delete removes the given entries. Unknown IDs are ignored.
func (s *Store) Delete(ids ...uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketKeys)
		for _, id := range ids {
			if err := bkt.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(s.entries, id)
	}
	s.refresh()
	return nil
}

// Clear removes every entry. IDs are not reused afterwards.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKeys); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketKeys)
		return err
	})
	if err != nil {
		return err
	}
	s.entries = make(map[uint64]Entry)
	s.refresh()
	return nil
}

// Entry returns the entry with the given ID.
func (s *Store) Entry(id uint64) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Entries returns every entry ordered by ID.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Keys returns the stored keys ordered by ID. The slice is a snapshot that
// later changes to the store do not touch; callers must not modify it.
func (s *Store) Keys() []ciphersuite.GroupKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

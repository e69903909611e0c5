package messagestore

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	now := time.Unix(1700000000, 0).UTC()
	s.now = func() time.Time { return now }
	return s, &now
}

func TestAddAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	m, err := s.Add([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint([]byte("hello")), m.ID)

	got, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Content)
	assert.Zero(t, got.TimesSent)
	assert.Zero(t, got.TimesReceived)

	again, err := s.Add([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(Fingerprint([]byte("nope")))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReceived(t *testing.T) {
	s, now := newTestStore(t)
	first := *now

	known, err := s.Received([]byte("news"))
	require.NoError(t, err)
	assert.False(t, known)

	*now = now.Add(time.Minute)
	known, err = s.Received([]byte("news"))
	require.NoError(t, err)
	assert.True(t, known)

	m, err := s.Get(Fingerprint([]byte("news")))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.TimesReceived)
	assert.True(t, m.FirstReceived.Equal(first))
	assert.True(t, m.LastReceived.Equal(*now))

	// Locally created messages count as known.
	_, err = s.Add([]byte("mine"))
	require.NoError(t, err)
	known, err = s.Received([]byte("mine"))
	require.NoError(t, err)
	assert.True(t, known)
}

func TestSent(t *testing.T) {
	s, now := newTestStore(t)
	m, err := s.Add([]byte("x"))
	require.NoError(t, err)
	first := *now

	require.NoError(t, s.Sent(m.ID))
	*now = now.Add(time.Hour)
	require.NoError(t, s.Sent(m.ID))

	got, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.TimesSent)
	assert.True(t, got.FirstSent.Equal(first))
	assert.True(t, got.LastSent.Equal(*now))

	assert.ErrorIs(t, s.Sent(Fingerprint([]byte("y"))), ErrNotFound)
}

func TestNextToSend(t *testing.T) {
	s, _ := newTestStore(t)
	var ids []ID
	for i := 0; i < 5; i++ {
		m, err := s.Add([]byte(fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	// Send every message but ids[2] once, and ids[0] twice.
	for i, id := range ids {
		if i != 2 {
			require.NoError(t, s.Sent(id))
		}
	}
	require.NoError(t, s.Sent(ids[0]))

	next, err := s.NextToSend(2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	assert.Equal(t, ids[2], next[0].ID)
	assert.Equal(t, uint64(1), next[1].TimesSent)

	all, err := s.NextToSend(100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[0], all[4].ID)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		if prev.TimesSent == cur.TimesSent {
			assert.Less(t, prev.ID.String(), cur.ID.String(), "ties ordered by ID")
		}
	}

	none, err := s.NextToSend(0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAllAndReset(t *testing.T) {
	s, now := newTestStore(t)
	for _, c := range []string{"c", "a", "b"} {
		_, err := s.Add([]byte(c))
		require.NoError(t, err)
		*now = now.Add(time.Second)
	}
	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []byte("c"), all[0].Content)
	assert.Equal(t, []byte("b"), all[2].Content)

	require.NoError(t, s.Reset())
	assert.Equal(t, 0, s.Len())
	all, err = s.All()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	m, err := s.Add([]byte("persist me"))
	require.NoError(t, err)
	require.NoError(t, s.Sent(m.ID))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(m.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.TimesSent)
	assert.Equal(t, []byte("persist me"), got.Content)
}

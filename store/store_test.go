package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/walletcore/protocol"
	"github.com/opd-ai/walletcore/storage"
)

type record struct {
	Topic string `json:"topic"`
	Value int    `json:"value"`
}

func TestStoreCRUD(t *testing.T) {
	s, err := New[record](storage.NewMemoryStore(), "test")
	require.NoError(t, err)

	require.NoError(t, s.Set("a", record{Topic: "a", Value: 1}))
	require.NoError(t, s.Set("b", record{Topic: "b", Value: 2}))

	got, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
	assert.True(t, s.Has("a"))
	assert.Equal(t, 2, s.Len())
	assert.ElementsMatch(t, []string{"a", "b"}, s.Keys())

	require.NoError(t, s.Update("a", func(r record) record {
		r.Value = 10
		return r
	}))
	got, err = s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Value)

	assert.ErrorIs(t, s.Update("missing", func(r record) record { return r }), ErrNotFound)

	matches := s.Find(func(r record) bool { return r.Value > 5 })
	require.Len(t, matches, 1)
	assert.Equal(t, "a", matches[0].Topic)
}

func TestNotFoundVersusRecentlyDeleted(t *testing.T) {
	s, err := New[record](storage.NewMemoryStore(), "test")
	require.NoError(t, err)

	_, err = s.Get("never")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("gone", record{Topic: "gone"}))
	require.NoError(t, s.Delete("gone"))

	_, err = s.Get("gone")
	assert.ErrorIs(t, err, ErrRecentlyDeleted)
	assert.False(t, s.Has("gone"))

	// Deleting an absent key is a no-op, not an error.
	require.NoError(t, s.Delete("never"))
	_, err = s.Get("never")
	assert.ErrorIs(t, err, ErrNotFound)

	// Re-inserting a deleted key makes it live again.
	require.NoError(t, s.Set("gone", record{Topic: "gone"}))
	_, err = s.Get("gone")
	assert.NoError(t, err)
}

func TestRecentlyDeletedEviction(t *testing.T) {
	s, err := New[record](storage.NewMemoryStore(), "test")
	require.NoError(t, err)

	for i := 0; i < recentlyDeletedLimit+1; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, s.Set(key, record{Topic: key}))
		require.NoError(t, s.Delete(key))
	}

	// The oldest half was evicted, so the first key reads as never
	// existing while the last still reads as recently deleted.
	_, err = s.Get("k0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(fmt.Sprintf("k%d", recentlyDeletedLimit))
	assert.ErrorIs(t, err, ErrRecentlyDeleted)
}

func TestPersistenceAcrossInstances(t *testing.T) {
	kv := storage.NewMemoryStore()

	first, err := New[record](kv, "test")
	require.NoError(t, err)
	require.NoError(t, first.Set("a", record{Topic: "a", Value: 1}))
	require.NoError(t, first.Set("b", record{Topic: "b", Value: 2}))
	require.NoError(t, first.Delete("b"))

	second, err := New[record](kv, "test")
	require.NoError(t, err)
	got, err := second.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Value)
	_, err = second.Get("b")
	assert.ErrorIs(t, err, ErrRecentlyDeleted)
}

func TestStoresAreNamespaced(t *testing.T) {
	kv := storage.NewMemoryStore()
	a, err := New[record](kv, "alpha")
	require.NoError(t, err)
	b, err := New[record](kv, "beta")
	require.NoError(t, err)

	require.NoError(t, a.Set("k", record{Value: 1}))
	assert.False(t, b.Has("k"))
}

func TestTypedStores(t *testing.T) {
	kv := storage.NewMemoryStore()

	sessions, err := NewSessions(kv)
	require.NoError(t, err)
	require.NoError(t, sessions.Set("t1", protocol.Session{Topic: "t1", Acknowledged: true}))
	require.NoError(t, sessions.Set("t2", protocol.Session{Topic: "t2"}))
	acked := sessions.Acknowledged()
	require.Len(t, acked, 1)
	assert.Equal(t, "t1", acked[0].Topic)

	proposals, err := NewProposals(kv)
	require.NoError(t, err)
	require.NoError(t, proposals.SetByID(77, protocol.Proposal{ID: 77}))
	prop, err := proposals.GetByID(77)
	require.NoError(t, err)
	assert.EqualValues(t, 77, prop.ID)
	require.NoError(t, proposals.DeleteByID(77))
	_, err = proposals.GetByID(77)
	assert.ErrorIs(t, err, ErrRecentlyDeleted)

	requests, err := NewRequests(kv)
	require.NoError(t, err)
	require.NoError(t, requests.SetByID(1, protocol.PendingRequest{ID: 1, Topic: "t1"}))
	require.NoError(t, requests.SetByID(2, protocol.PendingRequest{ID: 2, Topic: "t2"}))
	forTopic := requests.ForTopic("t1")
	require.Len(t, forTopic, 1)
	assert.EqualValues(t, 1, forTopic[0].ID)

	pairings, err := NewPairings(kv)
	require.NoError(t, err)
	require.NoError(t, pairings.Set("p1", protocol.Pairing{Topic: "p1", Active: true}))
	require.NoError(t, pairings.Set("p2", protocol.Pairing{Topic: "p2"}))
	active := pairings.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].Topic)
}

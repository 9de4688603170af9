package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/walletcore/storage"
)

const (
	storagePrefix = "wc@2:core:1.0//"

	// recentlyDeletedLimit bounds the deleted-key memory. When the
	// limit is reached the oldest half is evicted.
	recentlyDeletedLimit = 200
)

var (
	// ErrNotFound indicates no record exists for the key.
	ErrNotFound = errors.New("store: record not found")

	// ErrRecentlyDeleted indicates the record existed but was deleted.
	ErrRecentlyDeleted = errors.New("store: record recently deleted")
)

// Store is a persisted map of records keyed by string. V must be
// JSON-serializable.
type Store[V any] struct {
	name string
	kv   storage.KeyValue

	mu      sync.RWMutex
	values  map[string]V
	deleted []string
}

type snapshot[V any] struct {
	Values  map[string]V `json:"values"`
	Deleted []string     `json:"deleted"`
}

// New loads the store named name from kv, creating it empty if no
// snapshot exists.
func New[V any](kv storage.KeyValue, name string) (*Store[V], error) {
	s := &Store[V]{
		name:   name,
		kv:     kv,
		values: make(map[string]V),
	}
	data, ok, err := kv.Get(s.storageKey())
	if err != nil {
		return nil, fmt.Errorf("failed to load store %s: %w", name, err)
	}
	if ok {
		var snap snapshot[V]
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to decode store %s: %w", name, err)
		}
		if snap.Values != nil {
			s.values = snap.Values
		}
		s.deleted = snap.Deleted
	}
	return s, nil
}

func (s *Store[V]) storageKey() string {
	return storagePrefix + s.name
}

// Set inserts or replaces the record for key.
func (s *Store[V]) Set(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.persistLocked()
}

// Get returns the record for key, distinguishing never-existed from
// recently-deleted keys.
func (s *Store[V]) Get(key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[key]; ok {
		return v, nil
	}
	var zero V
	for _, d := range s.deleted {
		if d == key {
			return zero, fmt.Errorf("%w: %s %s", ErrRecentlyDeleted, s.name, key)
		}
	}
	return zero, fmt.Errorf("%w: %s %s", ErrNotFound, s.name, key)
}

// Has reports whether a live record exists for key.
func (s *Store[V]) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Update applies fn to the record for key and persists the result.
func (s *Store[V]) Update(key string, fn func(V) V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, s.name, key)
	}
	s.values[key] = fn(v)
	return s.persistLocked()
}

// Delete removes the record for key and remembers the key as recently
// deleted. Deleting an absent key is a no-op.
func (s *Store[V]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	if len(s.deleted) >= recentlyDeletedLimit {
		s.deleted = append([]string(nil), s.deleted[recentlyDeletedLimit/2:]...)
	}
	s.deleted = append(s.deleted, key)
	return s.persistLocked()
}

// All returns every live record. Order is unspecified.
func (s *Store[V]) All() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]V, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	return out
}

// Keys returns every live key. Order is unspecified.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	return out
}

// Find returns every live record matching pred.
func (s *Store[V]) Find(pred func(V) bool) []V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []V
	for _, v := range s.values {
		if pred(v) {
			out = append(out, v)
		}
	}
	return out
}

// Len returns the number of live records.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

func (s *Store[V]) persistLocked() error {
	data, err := json.Marshal(snapshot[V]{Values: s.values, Deleted: s.deleted})
	if err != nil {
		return fmt.Errorf("failed to marshal store %s: %w", s.name, err)
	}
	if err := s.kv.Set(s.storageKey(), data); err != nil {
		return fmt.Errorf("failed to persist store %s: %w", s.name, err)
	}
	return nil
}

package dht

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/WebFirstLanguage/combsync/pkg/kad"
)

// ErrKeyNotFound is returned for keys that are absent or expired
var ErrKeyNotFound = errors.New("dht: key not found")

// Entry is a stored value
type Entry struct {
	Key               kad.ID
	Value             []byte
	Timestamp         time.Time
	ExpirationSeconds int  // 0 = never expires
	Cached            bool // Stored on behalf of another publisher
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpirationSeconds > 0 && now.Sub(e.Timestamp) > time.Duration(e.ExpirationSeconds)*time.Second
}

func (e *Entry) copy() Entry {
	out := *e
	out.Value = append([]byte(nil), e.Value...)
	return out
}

// ValueStore holds key/value entries in memory. Expired entries are treated
// as absent by every accessor and deleted on sight.
type ValueStore struct {
	mu      sync.RWMutex
	clock   clock.Clock
	entries map[kad.ID]*Entry
}

// NewValueStore creates a value store. A nil clock uses the wall clock.
func NewValueStore(clk clock.Clock) *ValueStore {
	if clk == nil {
		clk = clock.New()
	}
	return &ValueStore{
		clock:   clk,
		entries: make(map[kad.ID]*Entry),
	}
}

// Set stores an authoritative value, resetting its timestamp
func (s *ValueStore) Set(key kad.ID, value []byte, expirationSeconds int) {
	s.put(key, value, expirationSeconds, false)
}

// Cache stores a value on behalf of another publisher. An authoritative
// entry keeps its flag.
func (s *ValueStore) Cache(key kad.ID, value []byte, expirationSeconds int) {
	s.put(key, value, expirationSeconds, true)
}

func (s *ValueStore) put(key kad.ID, value []byte, expirationSeconds int, cached bool) {
	if expirationSeconds < 0 {
		expirationSeconds = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if existing, ok := s.entries[key]; ok && !existing.expired(now) && !existing.Cached {
		cached = false
	}

	s.entries[key] = &Entry{
		Key:               key,
		Value:             append([]byte(nil), value...),
		Timestamp:         now,
		ExpirationSeconds: expirationSeconds,
		Cached:            cached,
	}
}

// lookup returns the live entry for key, deleting it if expired. Callers
// hold the write lock.
func (s *ValueStore) lookup(key kad.ID) (*Entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(s.clock.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

// Get returns the value under key
func (s *ValueStore) Get(key kad.ID) ([]byte, error) {
	value, ok := s.TryGet(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return value, nil
}

// TryGet returns the value under key and whether it was present
func (s *ValueStore) TryGet(key kad.ID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Contains reports whether key holds a live value
func (s *ValueStore) Contains(key kad.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.lookup(key)
	return ok
}

// Touch refreshes the timestamp of key without changing its value
func (s *ValueStore) Touch(key kad.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return ErrKeyNotFound
	}
	e.Timestamp = s.clock.Now()
	return nil
}

// Remove deletes key
func (s *ValueStore) Remove(key kad.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Keys returns the live keys
func (s *ValueStore) Keys() []kad.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]kad.ID, 0, len(s.entries))
	for key := range s.entries {
		if _, ok := s.lookup(key); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// GetExpirationSeconds returns the expiration of key in seconds
func (s *ValueStore) GetExpirationSeconds(key kad.ID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return 0, ErrKeyNotFound
	}
	return e.ExpirationSeconds, nil
}

// GetTimeStamp returns when key was last set or touched
func (s *ValueStore) GetTimeStamp(key kad.ID) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return time.Time{}, ErrKeyNotFound
	}
	return e.Timestamp, nil
}

// IsCached reports whether key is stored on behalf of another publisher
func (s *ValueStore) IsCached(key kad.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(key)
	if !ok {
		return false, ErrKeyNotFound
	}
	return e.Cached, nil
}

// Len returns the number of entries, including expired ones not yet swept
func (s *ValueStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes expired entries and returns how many were removed
func (s *ValueStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// DueForRepublish returns authoritative entries not refreshed within interval
func (s *ValueStore) DueForRepublish(interval time.Duration) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var due []Entry
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			continue
		}
		if !e.Cached && now.Sub(e.Timestamp) >= interval {
			due = append(due, e.copy())
		}
	}
	return due
}

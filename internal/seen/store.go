// Package seen remembers when each listing row was last observed so that a
// run only acts on flats that are new, or that reappeared after the TTL.
package seen

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Backend persists the whole identifier -> last_seen map.
type Backend interface {
	LoadAll(ctx context.Context) (map[string]time.Time, error)
	ReplaceAll(ctx context.Context, items map[string]time.Time) error
	Close() error
}

// Entry is one stored observation.
type Entry struct {
	ID       string
	LastSeen time.Time
}

// Store is the in-memory view of the seen map. It is read once with Load and
// written back whole with Persist.
type Store struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time

	mu    sync.RWMutex
	items map[string]time.Time
}

type Option func(*Store)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(backend Backend, ttl time.Duration, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		items:   make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory map with the backend contents. Missing or
// unreadable storage is a cold start and leaves the store empty.
func (s *Store) Load(ctx context.Context) {
	items, err := s.backend.LoadAll(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Seen store unreadable, starting empty")
		items = nil
	}
	if items == nil {
		items = make(map[string]time.Time)
	}

	s.mu.Lock()
	s.items = items
	s.mu.Unlock()

	log.Debug().Int("entries", len(items)).Msg("Loaded seen store")
}

// IsNew reports whether id has no record or was last seen more than TTL ago.
// A TTL of zero or less makes every observation new.
func (s *Store) IsNew(id string) bool {
	if s.ttl <= 0 {
		return true
	}

	s.mu.RLock()
	lastSeen, ok := s.items[id]
	s.mu.RUnlock()

	if !ok {
		return true
	}
	return s.now().Sub(lastSeen) > s.ttl
}

// MarkSeen records id as observed now, overwriting any previous record.
func (s *Store) MarkSeen(id string) {
	now := s.now()
	s.mu.Lock()
	s.items[id] = now
	s.mu.Unlock()
}

// Persist writes the full map to the backend.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.RLock()
	snapshot := make(map[string]time.Time, len(s.items))
	for id, ts := range s.items {
		snapshot[id] = ts
	}
	s.mu.RUnlock()

	if err := s.backend.ReplaceAll(ctx, snapshot); err != nil {
		return err
	}

	log.Debug().Int("entries", len(snapshot)).Msg("Persisted seen store")
	return nil
}

// Prune drops records last seen before cutoff and returns how many were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, ts := range s.items {
		if ts.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

// Entries returns the records ordered by most recent first.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.items))
	for id, ts := range s.items {
		entries = append(entries, Entry{ID: id, LastSeen: ts})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastSeen.Equal(entries[j].LastSeen) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].LastSeen.After(entries[j].LastSeen)
	})
	return entries
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) Close() error {
	return s.backend.Close()
}

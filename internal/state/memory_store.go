package state

import (
	"context"
	"sync"
	"time"

	"chatwatch/internal/engine"
)

// MemoryStore keeps counters, budgets, and flags in process memory for single-instance mode.
// Params: in-memory windows, seen-set, and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	counters map[string]*memoryWindow
	budgets  map[string]*memoryWindow
	seen     map[string]time.Time
	muted    bool
}

type memoryWindow struct {
	window engine.Window
	width  time.Duration
}

// NewMemoryStore creates in-memory state store.
// Params: now function (defaults to time.Now when nil).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:      now,
		counters: make(map[string]*memoryWindow),
		budgets:  make(map[string]*memoryWindow),
		seen:     make(map[string]time.Time),
	}
}

// RecordHits prunes counter window and appends hit points.
// Params: counter key, record time, hit count, and window width.
// Returns: window count after append.
func (s *MemoryStore) RecordHits(_ context.Context, key string, at time.Time, hits int, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.counters[key]
	if entry == nil {
		entry = &memoryWindow{}
		s.counters[key] = entry
	}
	entry.width = window
	entry.window.Prune(at, window)
	entry.window.Add(at, hits, "")
	return entry.window.Len(), nil
}

// ClearCounter empties one counter window.
// Params: counter key.
// Returns: nil.
func (s *MemoryStore) ClearCounter(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

// ClearAll empties every counter and budget window.
// Params: none.
// Returns: nil.
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]*memoryWindow)
	s.budgets = make(map[string]*memoryWindow)
	return nil
}

// Reserve consumes one slot per claim under a single lock.
// Params: claims, reservation token, and reservation time.
// Returns: muted, denied, or granted verdict.
func (s *MemoryStore) Reserve(_ context.Context, claims []Claim, token string, at time.Time) (Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.muted {
		return VerdictMuted, nil
	}
	for _, claim := range claims {
		entry := s.budgets[claim.Key]
		if entry == nil {
			continue
		}
		if entry.window.Prune(at, claim.Window) >= claim.Limit {
			return VerdictDenied, nil
		}
	}
	for _, claim := range claims {
		entry := s.budgets[claim.Key]
		if entry == nil {
			entry = &memoryWindow{}
			s.budgets[claim.Key] = entry
		}
		entry.width = claim.Window
		entry.window.Add(at, 1, token)
	}
	return VerdictGranted, nil
}

// Rollback removes reservation token from budget windows.
// Params: budget keys and reservation token.
// Returns: nil.
func (s *MemoryStore) Rollback(_ context.Context, keys []string, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if entry := s.budgets[key]; entry != nil {
			entry.window.RemoveToken(token)
		}
	}
	return nil
}

// SetMuted updates global mute flag.
func (s *MemoryStore) SetMuted(_ context.Context, muted bool) error {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}

// Muted reports global mute flag.
func (s *MemoryStore) Muted(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted, nil
}

// MarkSeen records event id in bounded seen-set.
// Params: event id and entry lifetime.
// Returns: true when id was not seen within TTL.
func (s *MemoryStore) MarkSeen(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiresAt, ok := s.seen[eventID]; ok && now.Before(expiresAt) {
		return false, nil
	}
	s.seen[eventID] = now.Add(ttl)
	return true, nil
}

// Sweep drops expired seen entries and empty windows.
// Params: current time.
// Returns: number of removed entries.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, expiresAt := range s.seen {
		if !now.Before(expiresAt) {
			delete(s.seen, id)
			removed++
		}
	}
	removed += sweepWindows(s.counters, now)
	removed += sweepWindows(s.budgets, now)
	return removed, nil
}

func sweepWindows(windows map[string]*memoryWindow, now time.Time) int {
	removed := 0
	for key, entry := range windows {
		if entry.window.Prune(now, entry.width) == 0 {
			delete(windows, key)
			removed++
		}
	}
	return removed
}

// Close is a no-op for memory backend.
func (s *MemoryStore) Close() error {
	return nil
}

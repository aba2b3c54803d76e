package raft

import (
	"fmt"
	"slices"
	"sync"
)

// InMemoryStorage keeps persistent Raft state in memory for tests/dev usage.
// It enforces the same contiguity rules as the durable backend.
type InMemoryStorage struct {
	mu      sync.Mutex
	hard    HardState
	entries []LogEntry
	snap    *Snapshot
	closed  bool
}

// NewInMemoryStorage returns an in-memory Storage implementation.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{}
}

// LoadHardState returns the stored hard state.
func (s *InMemoryStorage) LoadHardState() (HardState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hs := s.hard
	hs.Config = hs.Config.Clone()
	return hs, nil
}

// SaveHardState stores the latest hard state.
func (s *InMemoryStorage) SaveHardState(state HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStorageClosed
	}
	state.Config = state.Config.Clone()
	s.hard = state
	return nil
}

// AppendEntries appends entries to the in-memory log.
func (s *InMemoryStorage) AppendEntries(entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStorageClosed
	}
	next := entries[0].Index
	if n := len(s.entries); n > 0 && next != s.entries[n-1].Index+1 {
		return fmt.Errorf("%w: append index %d after %d", ErrNonContiguousLog, next, s.entries[n-1].Index)
	}
	for i, e := range entries {
		if e.Index != next+uint64(i) {
			return fmt.Errorf("%w: batch index %d, want %d", ErrNonContiguousLog, e.Index, next+uint64(i))
		}
		s.entries = append(s.entries, e.clone())
	}
	return nil
}

// ReplayEntries calls fn for each stored entry with index >= from.
func (s *InMemoryStorage) ReplayEntries(from uint64, fn func(LogEntry) error) error {
	s.mu.Lock()
	entries := make([]LogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Index >= from {
			entries = append(entries, e.clone())
		}
	}
	s.mu.Unlock()

	for _, e := range entries {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// DiscardFrom removes entries with index >= index.
func (s *InMemoryStorage) DiscardFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = slices.DeleteFunc(s.entries, func(e LogEntry) bool { return e.Index >= index })
	return nil
}

// DiscardUpTo removes entries with index <= index.
func (s *InMemoryStorage) DiscardUpTo(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = slices.DeleteFunc(s.entries, func(e LogEntry) bool { return e.Index <= index })
	return nil
}

// SaveSnapshot stores a copy of the snapshot in memory.
func (s *InMemoryStorage) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStorageClosed
	}
	cp := cloneSnapshot(snap)
	s.snap = &cp
	return nil
}

// LatestSnapshot returns a copy of the stored snapshot, or nil.
func (s *InMemoryStorage) LatestSnapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return nil, nil
	}
	cp := cloneSnapshot(*s.snap)
	return &cp, nil
}

// Entries returns a copy of the stored entries.
func (s *InMemoryStorage) Entries() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.clone())
	}
	return out
}

// Close marks the storage closed. Later writes fail.
func (s *InMemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneSnapshot(snap Snapshot) Snapshot {
	snap.Data = slices.Clone(snap.Data)
	snap.Config = snap.Config.Clone()
	return snap
}

package raft

import (
	"errors"
	"sync/atomic"
)

var errStorageClosed = errors.New("raft: storage closed")

// DisabledStorage accepts every write and keeps nothing. It backs nodes whose
// state is intentionally transient.
type DisabledStorage struct {
	discarded atomic.Uint64
}

// NewDisabledStorage returns a storage backend that discards all writes.
func NewDisabledStorage() *DisabledStorage {
	return &DisabledStorage{}
}

// LoadHardState always returns the zero hard state.
func (d *DisabledStorage) LoadHardState() (HardState, error) { return HardState{}, nil }

// SaveHardState discards state.
func (d *DisabledStorage) SaveHardState(HardState) error {
	d.discarded.Add(1)
	return nil
}

// AppendEntries discards entries.
func (d *DisabledStorage) AppendEntries(entries []LogEntry) error {
	d.discarded.Add(uint64(len(entries)))
	return nil
}

// ReplayEntries replays nothing.
func (d *DisabledStorage) ReplayEntries(uint64, func(LogEntry) error) error { return nil }

// DiscardFrom is a no-op.
func (d *DisabledStorage) DiscardFrom(uint64) error { return nil }

// DiscardUpTo is a no-op.
func (d *DisabledStorage) DiscardUpTo(uint64) error { return nil }

// SaveSnapshot discards the snapshot.
func (d *DisabledStorage) SaveSnapshot(Snapshot) error {
	d.discarded.Add(1)
	return nil
}

// LatestSnapshot always reports no snapshot.
func (d *DisabledStorage) LatestSnapshot() (*Snapshot, error) { return nil, nil }

// Close is a no-op.
func (d *DisabledStorage) Close() error { return nil }

// Discarded returns how many writes were accepted and dropped.
func (d *DisabledStorage) Discarded() uint64 {
	return d.discarded.Load()
}

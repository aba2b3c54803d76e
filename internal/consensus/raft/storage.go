package raft

// EntryStore persists hard state and log entries.
// All methods must be safe for concurrent use.
type EntryStore interface {
	// LoadHardState returns the last saved hard state, or the zero value.
	LoadHardState() (HardState, error)

	// SaveHardState durably writes term, vote, commit index and config.
	SaveHardState(state HardState) error

	// AppendEntries durably appends entries. The first entry directly follows
	// the last stored entry, unless the store is empty.
	AppendEntries(entries []LogEntry) error

	// ReplayEntries calls fn for each stored entry with index >= from, in order.
	ReplayEntries(from uint64, fn func(LogEntry) error) error

	// DiscardFrom removes stored entries with index >= index.
	DiscardFrom(index uint64) error

	// DiscardUpTo removes stored entries with index <= index.
	DiscardUpTo(index uint64) error
}

// SnapshotStore persists snapshots. Saving a snapshot supersedes older ones.
type SnapshotStore interface {
	SaveSnapshot(snap Snapshot) error

	// LatestSnapshot returns the newest durable snapshot, or nil if none.
	LatestSnapshot() (*Snapshot, error)
}

// Storage is a complete persistence backend.
type Storage interface {
	EntryStore
	SnapshotStore
	Close() error
}

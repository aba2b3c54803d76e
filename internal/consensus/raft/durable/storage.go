// Package durable implements the on-disk raft.Storage backend.
//
// Layout under the data directory:
//
//	journal/entries.v1.log    framed log entries (see package journal)
//	snapshots/snapshot-N.v1   the current snapshot (see package snapstore)
//	hardstate.db              bbolt database holding term, vote, commit and config
package durable

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"
	bolt "go.etcd.io/bbolt"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft/journal"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft/snapstore"
)

const (
	journalDir    = "journal"
	snapshotDir   = "snapshots"
	hardStateDB   = "hardstate.db"
	dbFileMode    = 0o600
	dbOpenTimeout = time.Second
)

var (
	bucketRaft   = []byte("raft")
	keyHardState = []byte("hard_state")
)

var _ raft.Storage = (*Storage)(nil)

// Logger is the logging interface used by the storage and its stores.
type Logger interface {
	Warn(msg string, args ...any)
}

// Options configures the durable backend.
type Options struct {
	// Codec compresses journal payloads of newly appended entries.
	Codec journal.Codec
	// NoSync skips fsync calls. Intended for tests only.
	NoSync bool
	Logger Logger
}

// Storage persists the entry journal, snapshots and hard state of one node.
type Storage struct {
	journal *journal.Journal
	snaps   *snapstore.Store
	db      *bolt.DB
}

// Open opens or creates the backend rooted at dir.
func Open(dir string, opts Options) (*Storage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("durable: create data dir: %w", err)
	}

	var jl journal.Logger
	var sl snapstore.Logger
	if opts.Logger != nil {
		jl, sl = opts.Logger, opts.Logger
	}

	j, err := journal.Open(filepath.Join(dir, journalDir), journal.Options{
		Codec:  opts.Codec,
		NoSync: opts.NoSync,
		Logger: jl,
	})
	if err != nil {
		if errors.Is(err, journal.ErrNonContiguous) {
			return nil, fmt.Errorf("durable: %w: %w", raft.ErrNonContiguousLog, err)
		}
		return nil, err
	}
	snaps, err := snapstore.Open(filepath.Join(dir, snapshotDir), snapstore.Options{
		NoSync: opts.NoSync,
		Logger: sl,
	})
	if err != nil {
		_ = j.Close()
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, hardStateDB), dbFileMode, &bolt.Options{
		Timeout: dbOpenTimeout,
		NoSync:  opts.NoSync,
	})
	if err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("durable: open hard state db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRaft)
		return err
	}); err != nil {
		_ = j.Close()
		_ = db.Close()
		return nil, fmt.Errorf("durable: init hard state db: %w", err)
	}

	return &Storage{journal: j, snaps: snaps, db: db}, nil
}

// LoadHardState returns the stored hard state, or the zero value.
func (s *Storage) LoadHardState() (raft.HardState, error) {
	var hs raft.HardState
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRaft).Get(keyHardState)
		if raw == nil {
			return nil
		}
		return hs.UnmarshalBinary(raw)
	})
	if err != nil {
		return raft.HardState{}, fmt.Errorf("durable: load hard state: %w", err)
	}
	return hs, nil
}

// SaveHardState durably replaces the hard state.
func (s *Storage) SaveHardState(state raft.HardState) error {
	raw, err := state.MarshalBinary()
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRaft).Put(keyHardState, raw)
	}); err != nil {
		return fmt.Errorf("durable: save hard state: %w", err)
	}
	return nil
}

// AppendEntries durably appends entries to the journal with one sync.
func (s *Storage) AppendEntries(entries []raft.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]journal.Record, 0, len(entries))
	for _, e := range entries {
		data, err := e.MarshalBinary()
		if err != nil {
			return fmt.Errorf("durable: encode entry %d: %w", e.Index, err)
		}
		records = append(records, journal.Record{Index: e.Index, Term: e.Term, Data: data})
	}
	if err := s.journal.AppendBatch(records); err != nil {
		if errors.Is(err, journal.ErrNonContiguous) {
			return fmt.Errorf("%w: %w", raft.ErrNonContiguousLog, err)
		}
		return err
	}
	return nil
}

// ReplayEntries calls fn for each journaled entry with index >= from.
func (s *Storage) ReplayEntries(from uint64, fn func(raft.LogEntry) error) error {
	return s.journal.Replay(from, func(r journal.Record) error {
		var e raft.LogEntry
		if err := e.UnmarshalBinary(r.Data); err != nil {
			return fmt.Errorf("durable: decode entry %d: %w", r.Index, err)
		}
		if e.Index != r.Index || e.Term != r.Term {
			return fmt.Errorf("durable: entry (%d,%d) stored under record (%d,%d)", e.Index, e.Term, r.Index, r.Term)
		}
		return fn(e)
	})
}

// DiscardFrom removes journaled entries with index >= index.
func (s *Storage) DiscardFrom(index uint64) error {
	return s.journal.DiscardFrom(index)
}

// DiscardUpTo removes journaled entries with index <= index.
func (s *Storage) DiscardUpTo(index uint64) error {
	return s.journal.DiscardUpTo(index)
}

// SaveSnapshot writes snap as the next snapshot file. Older files are removed
// once it is durable.
func (s *Storage) SaveSnapshot(snap raft.Snapshot) error {
	raw, err := snap.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := s.snaps.Save(raw); err != nil {
		return fmt.Errorf("durable: save snapshot at %d: %w", snap.LastIncluded.Index, err)
	}
	return nil
}

// LatestSnapshot returns the newest readable snapshot, or nil if there is none.
func (s *Storage) LatestSnapshot() (*raft.Snapshot, error) {
	raw, seq, err := s.snaps.Latest()
	if errors.Is(err, snapstore.ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap raft.Snapshot
	if err := snap.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("durable: decode %s: %w", snapstore.FileName(seq), err)
	}
	return &snap, nil
}

// Close closes the journal and the hard state database.
func (s *Storage) Close() error {
	var result *multierror.Error
	if err := s.journal.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

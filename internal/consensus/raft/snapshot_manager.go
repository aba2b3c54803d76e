package raft

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

var errSnapshotOffset = errors.New("raft: unexpected snapshot chunk offset")

// snapshotManager persists captured snapshots, prepares snapshots for
// streaming to lagging followers and reassembles snapshots streamed by the
// leader. Storage work runs on the node's storage executor; callbacks run on
// the event loop.
type snapshotManager struct {
	control *PersistenceControl
	clock   clock.Clock
	exec    storageExecutor

	// current is the latest durable snapshot.
	current *Snapshot
	// capturing is set while a capture is being persisted.
	capturing bool

	recv *snapshotReceiver
}

func newSnapshotManager(control *PersistenceControl, clk clock.Clock) *snapshotManager {
	return &snapshotManager{control: control, clock: clk}
}

func (m *snapshotManager) setCurrent(snap Snapshot) {
	cp := cloneSnapshot(snap)
	m.current = &cp
}

// Current returns the latest durable snapshot, or nil.
func (m *snapshotManager) Current() *Snapshot {
	return m.current
}

// SaveSnapshot persists snap asynchronously. done receives the time the
// snapshot became durable, or the error. The current snapshot only changes
// on success.
func (m *snapshotManager) SaveSnapshot(snap Snapshot, done func(savedAt time.Time, err error)) {
	cp := cloneSnapshot(snap)
	store := m.control.SnapshotStore()
	m.exec.Submit(func() error {
		return store.SaveSnapshot(cp)
	}, func(err error) {
		if err != nil {
			done(time.Time{}, err)
			return
		}
		if m.current == nil || cp.LastIncluded.Index >= m.current.LastIncluded.Index {
			m.current = &cp
		}
		done(m.clock.Now(), nil)
	})
}

// StreamToInstall prepares the current snapshot for streaming. done receives
// a read-once handle, or an error when there is no snapshot covering
// lastIncluded.
func (m *snapshotManager) StreamToInstall(lastIncluded EntryInfo, done func(*InstallableSnapshot, error)) {
	snap := m.current
	if snap == nil || snap.LastIncluded.Index < lastIncluded.Index {
		done(nil, fmt.Errorf("raft: no snapshot covers index %d", lastIncluded.Index))
		return
	}
	var handle *InstallableSnapshot
	m.exec.Submit(func() error {
		data, err := snap.MarshalBinary()
		if err != nil {
			return err
		}
		handle = &InstallableSnapshot{LastIncluded: snap.LastIncluded, data: data}
		return nil
	}, func(err error) {
		done(handle, err)
	})
}

// InstallableSnapshot is an encoded snapshot being streamed to one follower
// in chunks. A chunk is re-sent until acknowledged.
type InstallableSnapshot struct {
	LastIncluded EntryInfo
	data         []byte
	offset       int
}

// Size returns the encoded size in bytes.
func (s *InstallableSnapshot) Size() int {
	return len(s.data)
}

// Chunk returns the next unacknowledged chunk of at most maxSize bytes.
func (s *InstallableSnapshot) Chunk(maxSize int) (offset uint64, chunk []byte, done bool) {
	end := len(s.data)
	if maxSize > 0 && s.offset+maxSize < end {
		end = s.offset + maxSize
	}
	return uint64(s.offset), s.data[s.offset:end], end == len(s.data)
}

// Ack marks n bytes from the current offset as delivered.
func (s *InstallableSnapshot) Ack(n int) {
	s.offset = min(s.offset+n, len(s.data))
}

// Rewind restarts the stream from the first byte.
func (s *InstallableSnapshot) Rewind() {
	s.offset = 0
}

// snapshotReceiver accumulates the chunks of one snapshot on a follower.
type snapshotReceiver struct {
	lastIncluded EntryInfo
	buf          []byte
}

// receive adds a chunk. It returns the decoded snapshot once the final chunk
// arrived. Chunks must arrive in order; offset 0 starts a new transfer.
func (m *snapshotManager) receive(req *InstallSnapshotRequest) (Snapshot, bool, error) {
	if req.Offset == 0 || m.recv == nil || m.recv.lastIncluded != req.LastIncluded {
		if req.Offset != 0 {
			m.recv = nil
			return Snapshot{}, false, fmt.Errorf("%w: got %d, no transfer in progress", errSnapshotOffset, req.Offset)
		}
		m.recv = &snapshotReceiver{lastIncluded: req.LastIncluded}
	}
	r := m.recv
	if req.Offset != uint64(len(r.buf)) {
		want := len(r.buf)
		m.recv = nil
		return Snapshot{}, false, fmt.Errorf("%w: got %d, want %d", errSnapshotOffset, req.Offset, want)
	}
	r.buf = append(r.buf, req.Chunk...)
	if !req.Done {
		return Snapshot{}, false, nil
	}

	m.recv = nil
	var snap Snapshot
	if err := snap.UnmarshalBinary(r.buf); err != nil {
		return Snapshot{}, false, fmt.Errorf("raft: decode installed snapshot: %w", err)
	}
	if snap.LastIncluded != req.LastIncluded {
		return Snapshot{}, false, fmt.Errorf("raft: installed snapshot covers %v, request says %v", snap.LastIncluded, req.LastIncluded)
	}
	return snap, true, nil
}

func (m *snapshotManager) resetReceive() {
	m.recv = nil
}

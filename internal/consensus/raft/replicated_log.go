package raft

import (
	"errors"
	"fmt"
	"slices"
)

var errLogConflict = errors.New("raft: entry conflicts with existing log suffix")

// ReplicatedLog is the in-memory view of the log during normal operation.
//
// It retains entries in (snapshotIndex, lastIndex] and keeps the cursors
// snapshotIndex <= lastApplied <= commitIndex <= lastIndex. Durability is not
// its concern: callers persist entries separately and only move commitIndex
// once enough members stored them.
//
// ReplicatedLog is owned by the node's event loop and is not safe for
// concurrent use.
type ReplicatedLog struct {
	entries []LogEntry

	snapshotIndex uint64
	snapshotTerm  uint64
	commitIndex   uint64
	lastApplied   uint64

	// dataSize is the total payload size of retained entries.
	dataSize int64

	batchCount    uint64
	byteThreshold int64
}

func newReplicatedLog(batchCount uint64, byteThreshold int64) *ReplicatedLog {
	return &ReplicatedLog{
		batchCount:    batchCount,
		byteThreshold: byteThreshold,
	}
}

// SnapshotIndex returns the index covered by the latest snapshot.
func (l *ReplicatedLog) SnapshotIndex() uint64 { return l.snapshotIndex }

// SnapshotTerm returns the term of the entry at SnapshotIndex.
func (l *ReplicatedLog) SnapshotTerm() uint64 { return l.snapshotTerm }

// CommitIndex returns the highest committed index.
func (l *ReplicatedLog) CommitIndex() uint64 { return l.commitIndex }

// LastApplied returns the highest index applied to application state.
func (l *ReplicatedLog) LastApplied() uint64 { return l.lastApplied }

// Len returns the number of retained entries.
func (l *ReplicatedLog) Len() int { return len(l.entries) }

// DataSize returns the total payload size of retained entries.
func (l *ReplicatedLog) DataSize() int64 { return l.dataSize }

// FirstIndex returns the index of the first retained entry, or
// SnapshotIndex+1 when nothing is retained.
func (l *ReplicatedLog) FirstIndex() uint64 { return l.snapshotIndex + 1 }

// LastIndex returns the index of the last entry, or SnapshotIndex when no
// entries are retained.
func (l *ReplicatedLog) LastIndex() uint64 {
	return l.snapshotIndex + uint64(len(l.entries))
}

// LastTerm returns the term of the last entry.
func (l *ReplicatedLog) LastTerm() uint64 {
	if len(l.entries) == 0 {
		return l.snapshotTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// Last returns the position of the last entry.
func (l *ReplicatedLog) Last() EntryInfo {
	return EntryInfo{Index: l.LastIndex(), Term: l.LastTerm()}
}

// EntryAt returns the retained entry at index.
func (l *ReplicatedLog) EntryAt(index uint64) (LogEntry, bool) {
	if index <= l.snapshotIndex || index > l.LastIndex() {
		return LogEntry{}, false
	}
	return l.entries[index-l.snapshotIndex-1], true
}

// TermAt returns the term at index. The snapshot boundary and index 0 are
// known even though they are not retained.
func (l *ReplicatedLog) TermAt(index uint64) (uint64, bool) {
	switch {
	case index == l.snapshotIndex:
		return l.snapshotTerm, true
	case index == 0:
		return 0, true
	}
	e, ok := l.EntryAt(index)
	if !ok {
		return 0, false
	}
	return e.Term, true
}

// Entries returns copies of retained entries in [from, to].
func (l *ReplicatedLog) Entries(from, to uint64) []LogEntry {
	if from <= l.snapshotIndex {
		from = l.snapshotIndex + 1
	}
	if to > l.LastIndex() {
		to = l.LastIndex()
	}
	if from > to {
		return nil
	}
	lo := from - l.snapshotIndex - 1
	hi := to - l.snapshotIndex
	out := make([]LogEntry, 0, hi-lo)
	for _, e := range l.entries[lo:hi] {
		out = append(out, e.clone())
	}
	return out
}

// FirstIndexOfTerm returns the first retained index holding term, or 0.
func (l *ReplicatedLog) FirstIndexOfTerm(term uint64) uint64 {
	for _, e := range l.entries {
		if e.Term == term {
			return e.Index
		}
		if e.Term > term {
			break
		}
	}
	return 0
}

// LastIndexOfTerm returns the last retained index holding term, or 0.
func (l *ReplicatedLog) LastIndexOfTerm(term uint64) uint64 {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == term {
			return l.entries[i].Index
		}
		if l.entries[i].Term < term {
			break
		}
	}
	return 0
}

// AppendSubmitted appends an entry created locally by the leader. The entry
// must directly follow the last entry. onAppended runs once the entry is
// memory resident; durability is handled by the caller. The result reports
// whether a snapshot capture should be considered.
func (l *ReplicatedLog) AppendSubmitted(entry LogEntry, onAppended func(LogEntry)) (bool, error) {
	if err := l.append(entry); err != nil {
		return false, err
	}
	if onAppended != nil {
		onAppended(entry)
	}
	return l.ShouldCaptureSnapshot(entry.Index), nil
}

// AppendReceived appends an entry received from the leader. An entry that is
// already present with the same term is accepted without change and does not
// invoke onAppended. A conflicting entry must first be cleared with
// TrimToReceive.
func (l *ReplicatedLog) AppendReceived(entry LogEntry, onAppended func(LogEntry)) (bool, error) {
	if entry.Index <= l.snapshotIndex {
		return false, nil
	}
	if term, ok := l.TermAt(entry.Index); ok {
		if term == entry.Term {
			return false, nil
		}
		return false, fmt.Errorf("%w at index %d: have term %d, got %d", errLogConflict, entry.Index, term, entry.Term)
	}
	if err := l.append(entry); err != nil {
		return false, err
	}
	if onAppended != nil {
		onAppended(entry)
	}
	return l.ShouldCaptureSnapshot(entry.Index), nil
}

func (l *ReplicatedLog) append(entry LogEntry) error {
	if entry.Index != l.LastIndex()+1 {
		return fmt.Errorf("%w: append index %d, last index %d", ErrNonContiguousLog, entry.Index, l.LastIndex())
	}
	if entry.Term < l.LastTerm() {
		return fmt.Errorf("raft: append term %d below last term %d", entry.Term, l.LastTerm())
	}
	l.entries = append(l.entries, entry.clone())
	l.dataSize += int64(entry.Size())
	return nil
}

// TrimToReceive removes every entry at or after fromIndex so that a
// conflicting leader entry can be received. Committed entries are never
// removed. It reports whether anything was truncated.
func (l *ReplicatedLog) TrimToReceive(fromIndex uint64) bool {
	if fromIndex <= l.commitIndex || fromIndex <= l.snapshotIndex || fromIndex > l.LastIndex() {
		return false
	}
	keep := fromIndex - l.snapshotIndex - 1
	for _, e := range l.entries[keep:] {
		l.dataSize -= int64(e.Size())
	}
	clear(l.entries[keep:])
	l.entries = l.entries[:keep]
	return true
}

// SetCommitIndex advances the commit cursor. It never moves backwards and
// never beyond LastIndex. It reports whether the cursor moved.
func (l *ReplicatedLog) SetCommitIndex(index uint64) bool {
	if index > l.LastIndex() {
		index = l.LastIndex()
	}
	if index <= l.commitIndex {
		return false
	}
	l.commitIndex = index
	return true
}

// MarkLastApplied advances the apply cursor once an entry's effects reached
// application state. It never passes commitIndex.
func (l *ReplicatedLog) MarkLastApplied(index uint64) {
	if index > l.commitIndex {
		index = l.commitIndex
	}
	if index > l.lastApplied {
		l.lastApplied = index
	}
}

// ShouldCaptureSnapshot reports whether the log has grown past a capture
// threshold at logIndex.
func (l *ReplicatedLog) ShouldCaptureSnapshot(logIndex uint64) bool {
	if logIndex <= l.snapshotIndex {
		return false
	}
	if l.batchCount > 0 && logIndex-l.snapshotIndex >= l.batchCount {
		return true
	}
	return l.byteThreshold > 0 && l.dataSize >= l.byteThreshold
}

// CaptureSnapshotIfReady reports whether a snapshot should be captured at
// entry: the entry must be applied, still retained with the same term, and
// past a capture threshold.
func (l *ReplicatedLog) CaptureSnapshotIfReady(entry EntryInfo) bool {
	if entry.Index > l.lastApplied {
		return false
	}
	if term, ok := l.TermAt(entry.Index); !ok || term != entry.Term {
		return false
	}
	return l.ShouldCaptureSnapshot(entry.Index)
}

// SnapshotCommit records a durable snapshot at info and drops the entries it
// covers. Cursors below the snapshot are raised to it.
func (l *ReplicatedLog) SnapshotCommit(info EntryInfo) {
	if info.Index <= l.snapshotIndex {
		return
	}
	if info.Index >= l.LastIndex() {
		l.entries = nil
		l.dataSize = 0
	} else {
		drop := info.Index - l.snapshotIndex
		for _, e := range l.entries[:drop] {
			l.dataSize -= int64(e.Size())
		}
		l.entries = slices.Clone(l.entries[drop:])
	}
	l.snapshotIndex = info.Index
	l.snapshotTerm = info.Term
	l.raiseCursors(info.Index)
}

// ResetToSnapshot installs a snapshot received from the leader. When the log
// already holds the snapshot's last entry with the same term, the suffix
// after it is kept; otherwise the whole log is discarded. It reports whether
// the suffix was kept.
func (l *ReplicatedLog) ResetToSnapshot(info EntryInfo) bool {
	if term, ok := l.TermAt(info.Index); ok && term == info.Term && info.Index > l.snapshotIndex {
		l.SnapshotCommit(info)
		l.lastApplied = info.Index
		return true
	}
	l.entries = nil
	l.dataSize = 0
	l.snapshotIndex = info.Index
	l.snapshotTerm = info.Term
	l.commitIndex = info.Index
	l.lastApplied = info.Index
	return false
}

func (l *ReplicatedLog) raiseCursors(index uint64) {
	if l.commitIndex < index {
		l.commitIndex = index
	}
	if l.lastApplied < index {
		l.lastApplied = index
	}
}

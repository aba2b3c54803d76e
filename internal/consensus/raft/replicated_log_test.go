package raft

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func entry(index, term uint64, cmd string) LogEntry {
	return LogEntry{Index: index, Term: term, Command: []byte(cmd)}
}

func TestRecoveryLog_skipsEntriesCoveredBySnapshot(t *testing.T) {
	rec := NewRecoveryLog(0, 0)
	rec.SetSnapshotIndex(0)
	for _, e := range []LogEntry{entry(0, 1, "zero"), entry(1, 2, "one"), entry(2, 3, "two")} {
		if !rec.Append(e) {
			t.Fatalf("Append(%d) rejected", e.Index)
		}
	}
	l := rec.Build()

	if l.FirstIndex() != 1 || l.LastIndex() != 2 {
		t.Fatalf("expected indices 1..2, got %d..%d", l.FirstIndex(), l.LastIndex())
	}
	if l.CommitIndex() != 0 || l.LastApplied() != 0 {
		t.Fatalf("expected commit=0 applied=0, got commit=%d applied=%d", l.CommitIndex(), l.LastApplied())
	}
	if l.LastTerm() != 3 {
		t.Fatalf("expected last term 3, got %d", l.LastTerm())
	}

	// Cursors advance as the entries are applied after recovery.
	l.SetCommitIndex(2)
	l.MarkLastApplied(1)
	if l.CommitIndex() != 2 || l.LastApplied() != 1 {
		t.Fatalf("expected commit=2 applied=1, got commit=%d applied=%d", l.CommitIndex(), l.LastApplied())
	}
}

func TestRecoveryLog_rejectsGap(t *testing.T) {
	rec := NewRecoveryLog(0, 0)
	rec.SetSnapshotIndex(3)
	rec.SetSnapshotTerm(1)
	if !rec.Append(entry(4, 1, "a")) {
		t.Fatalf("expected entry after snapshot to be accepted")
	}
	if rec.Append(entry(6, 1, "c")) {
		t.Fatalf("expected gap to be rejected")
	}
	if rec.LastIndex() != 4 {
		t.Fatalf("expected last index 4, got %d", rec.LastIndex())
	}
}

func TestRecoveryLog_buildClampsCursors(t *testing.T) {
	tests := []struct {
		name        string
		snapshot    uint64
		commit      uint64
		applied     uint64
		entries     []LogEntry
		wantCommit  uint64
		wantApplied uint64
	}{
		{
			name:        "commit beyond journal",
			commit:      9,
			entries:     []LogEntry{entry(1, 1, "a"), entry(2, 1, "b")},
			wantCommit:  2,
			wantApplied: 0,
		},
		{
			name:        "applied beyond commit",
			commit:      1,
			applied:     2,
			entries:     []LogEntry{entry(1, 1, "a"), entry(2, 1, "b")},
			wantCommit:  1,
			wantApplied: 1,
		},
		{
			name:        "snapshot without journal",
			snapshot:    5,
			commit:      2,
			wantCommit:  5,
			wantApplied: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRecoveryLog(0, 0)
			rec.SetSnapshotIndex(tt.snapshot)
			rec.SetSnapshotTerm(1)
			rec.SetCommitIndex(tt.commit)
			rec.SetLastApplied(tt.applied)
			for _, e := range tt.entries {
				rec.Append(e)
			}
			l := rec.Build()
			if l.CommitIndex() != tt.wantCommit || l.LastApplied() != tt.wantApplied {
				t.Fatalf("expected commit=%d applied=%d, got commit=%d applied=%d",
					tt.wantCommit, tt.wantApplied, l.CommitIndex(), l.LastApplied())
			}
		})
	}
}

func TestRecoveryLog_idempotent(t *testing.T) {
	journal := []LogEntry{entry(3, 1, "c"), entry(4, 1, "d"), entry(5, 2, "e"), entry(6, 2, "f")}
	build := func() *ReplicatedLog {
		rec := NewRecoveryLog(10, 1<<20)
		rec.SetSnapshotIndex(4)
		rec.SetSnapshotTerm(1)
		rec.SetCommitIndex(5)
		for _, e := range journal {
			if !rec.Append(e) {
				t.Fatalf("Append(%d) rejected", e.Index)
			}
		}
		return rec.Build()
	}

	first, second := build(), build()
	if diff := cmp.Diff(first, second, cmp.AllowUnexported(ReplicatedLog{})); diff != "" {
		t.Fatalf("recovered logs differ (-first +second):\n%s", diff)
	}
	if first.SnapshotIndex() != 4 || first.FirstIndex() != 5 || first.LastIndex() != 6 {
		t.Fatalf("unexpected recovered range snapshot=%d first=%d last=%d",
			first.SnapshotIndex(), first.FirstIndex(), first.LastIndex())
	}
}

func TestReplicatedLog_appendReceived(t *testing.T) {
	l := newReplicatedLog(0, 0)
	for _, e := range []LogEntry{entry(1, 1, "a"), entry(2, 1, "b")} {
		if _, err := l.AppendReceived(e, nil); err != nil {
			t.Fatalf("AppendReceived(%d): %v", e.Index, err)
		}
	}

	calls := 0
	if _, err := l.AppendReceived(entry(2, 1, "b"), func(LogEntry) { calls++ }); err != nil {
		t.Fatalf("duplicate AppendReceived: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected duplicate to skip the append callback")
	}
	if _, err := l.AppendReceived(entry(2, 2, "x"), nil); !errors.Is(err, errLogConflict) {
		t.Fatalf("expected errLogConflict, got %v", err)
	}
	if _, err := l.AppendReceived(entry(4, 1, "d"), nil); !errors.Is(err, ErrNonContiguousLog) {
		t.Fatalf("expected ErrNonContiguousLog, got %v", err)
	}
}

func TestReplicatedLog_trimToReceive(t *testing.T) {
	tests := []struct {
		name     string
		from     uint64
		wantTrim bool
		wantLast uint64
	}{
		{name: "uncommitted suffix", from: 3, wantTrim: true, wantLast: 2},
		{name: "committed entry", from: 2, wantTrim: false, wantLast: 4},
		{name: "past the end", from: 5, wantTrim: false, wantLast: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newReplicatedLog(0, 0)
			for i := uint64(1); i <= 4; i++ {
				if _, err := l.AppendSubmitted(entry(i, 1, "xx"), nil); err != nil {
					t.Fatalf("AppendSubmitted(%d): %v", i, err)
				}
			}
			l.SetCommitIndex(2)
			if got := l.TrimToReceive(tt.from); got != tt.wantTrim {
				t.Fatalf("TrimToReceive(%d) = %v, want %v", tt.from, got, tt.wantTrim)
			}
			if l.LastIndex() != tt.wantLast {
				t.Fatalf("expected last=%d, got %d", tt.wantLast, l.LastIndex())
			}
			if want := int64(l.Len() * entry(1, 1, "xx").Size()); l.DataSize() != want {
				t.Fatalf("expected data size %d, got %d", want, l.DataSize())
			}
		})
	}
}

func TestReplicatedLog_snapshotCommit(t *testing.T) {
	l := newReplicatedLog(3, 0)
	for i := uint64(1); i <= 5; i++ {
		if _, err := l.AppendSubmitted(entry(i, 1, "x"), nil); err != nil {
			t.Fatalf("AppendSubmitted(%d): %v", i, err)
		}
	}
	l.SetCommitIndex(4)
	l.MarkLastApplied(3)
	if !l.CaptureSnapshotIfReady(EntryInfo{Index: 3, Term: 1}) {
		t.Fatalf("expected capture at 3 with batch count 3")
	}
	if l.CaptureSnapshotIfReady(EntryInfo{Index: 4, Term: 1}) {
		t.Fatalf("expected no capture for an unapplied entry")
	}

	l.SnapshotCommit(EntryInfo{Index: 3, Term: 1})
	if l.FirstIndex() != 4 || l.Len() != 2 {
		t.Fatalf("expected entries 4..5 retained, got first=%d len=%d", l.FirstIndex(), l.Len())
	}
	if term, ok := l.TermAt(3); !ok || term != 1 {
		t.Fatalf("expected TermAt(snapshot) = 1, got %d %v", term, ok)
	}
	if _, ok := l.EntryAt(3); ok {
		t.Fatalf("expected compacted entry to be gone")
	}
	if l.ShouldCaptureSnapshot(5) {
		t.Fatalf("expected threshold to count from the new snapshot")
	}
}

func TestReplicatedLog_resetToSnapshot(t *testing.T) {
	tests := []struct {
		name     string
		info     EntryInfo
		wantKept bool
		wantLast uint64
	}{
		{name: "matching entry keeps suffix", info: EntryInfo{Index: 2, Term: 1}, wantKept: true, wantLast: 3},
		{name: "conflicting term discards log", info: EntryInfo{Index: 2, Term: 2}, wantKept: false, wantLast: 2},
		{name: "beyond log discards log", info: EntryInfo{Index: 7, Term: 1}, wantKept: false, wantLast: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newReplicatedLog(0, 0)
			for i := uint64(1); i <= 3; i++ {
				if _, err := l.AppendReceived(entry(i, 1, "x"), nil); err != nil {
					t.Fatalf("AppendReceived(%d): %v", i, err)
				}
			}
			if got := l.ResetToSnapshot(tt.info); got != tt.wantKept {
				t.Fatalf("ResetToSnapshot() kept = %v, want %v", got, tt.wantKept)
			}
			if l.LastIndex() != tt.wantLast {
				t.Fatalf("expected last=%d, got %d", tt.wantLast, l.LastIndex())
			}
			if l.SnapshotIndex() != tt.info.Index || l.LastApplied() != tt.info.Index || l.CommitIndex() < tt.info.Index {
				t.Fatalf("expected cursors raised to %d, got snapshot=%d applied=%d commit=%d",
					tt.info.Index, l.SnapshotIndex(), l.LastApplied(), l.CommitIndex())
			}
		})
	}
}

package durable

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/i-melnichenko/raftengine/internal/consensus"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft/journal"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft/snapstore"
)

func openTestStorage(t *testing.T, dir string) *Storage {
	t.Helper()
	s, err := Open(dir, Options{Codec: journal.CodecSnappy, NoSync: true})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func replayAll(t *testing.T, s *Storage, from uint64) []raft.LogEntry {
	t.Helper()
	var out []raft.LogEntry
	if err := s.ReplayEntries(from, func(e raft.LogEntry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("ReplayEntries() error = %v", err)
	}
	return out
}

func testEntries(first, last uint64) []raft.LogEntry {
	var out []raft.LogEntry
	for i := first; i <= last; i++ {
		out = append(out, raft.LogEntry{Index: i, Term: 1 + i/4, Type: raft.EntryCommand, Command: []byte{byte(i), 'x', 'y'}})
	}
	return out
}

func TestStorage_survivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)

	hs := raft.HardState{CurrentTerm: 4, VotedFor: "n2", CommitIndex: 3, Config: raft.VotingConfig{Members: []string{"n1", "n2", "n3"}}}
	if err := s.SaveHardState(hs); err != nil {
		t.Fatalf("SaveHardState() error = %v", err)
	}
	entries := testEntries(1, 6)
	if err := s.AppendEntries(entries); err != nil {
		t.Fatalf("AppendEntries() error = %v", err)
	}
	snap := raft.Snapshot{
		LastIncluded: raft.EntryInfo{Index: 2, Term: 1},
		StateType:    "kv.v1",
		Config:       hs.Config,
		Data:         []byte("state"),
	}
	if err := s.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s = openTestStorage(t, dir)
	gotHS, err := s.LoadHardState()
	if err != nil {
		t.Fatalf("LoadHardState() error = %v", err)
	}
	if diff := cmp.Diff(hs, gotHS); diff != "" {
		t.Fatalf("hard state mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(entries, replayAll(t, s, 1)); diff != "" {
		t.Fatalf("entries mismatch (-want +got):\n%s", diff)
	}
	gotSnap, err := s.LatestSnapshot()
	if err != nil {
		t.Fatalf("LatestSnapshot() error = %v", err)
	}
	if diff := cmp.Diff(&snap, gotSnap); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestStorage_emptyDir(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	hs, err := s.LoadHardState()
	if err != nil || hs.CurrentTerm != 0 {
		t.Fatalf("expected zero hard state, got %+v, %v", hs, err)
	}
	snap, err := s.LatestSnapshot()
	if err != nil || snap != nil {
		t.Fatalf("expected no snapshot, got %+v, %v", snap, err)
	}
	if got := replayAll(t, s, 0); len(got) != 0 {
		t.Fatalf("expected no entries, got %d", len(got))
	}
}

func TestStorage_discard(t *testing.T) {
	tests := []struct {
		name    string
		discard func(s *Storage) error
		want    []raft.LogEntry
	}{
		{
			name:    "from conflict index",
			discard: func(s *Storage) error { return s.DiscardFrom(4) },
			want:    testEntries(1, 3),
		},
		{
			name:    "up to snapshot index",
			discard: func(s *Storage) error { return s.DiscardUpTo(3) },
			want:    testEntries(4, 6),
		},
		{
			name:    "everything",
			discard: func(s *Storage) error { return s.DiscardFrom(0) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStorage(t, t.TempDir())
			if err := s.AppendEntries(testEntries(1, 6)); err != nil {
				t.Fatalf("AppendEntries() error = %v", err)
			}
			if err := tt.discard(s); err != nil {
				t.Fatalf("discard error = %v", err)
			}
			if diff := cmp.Diff(tt.want, replayAll(t, s, 0)); diff != "" {
				t.Fatalf("entries mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStorage_rejectsGap(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	if err := s.AppendEntries(testEntries(1, 2)); err != nil {
		t.Fatalf("AppendEntries() error = %v", err)
	}
	if err := s.AppendEntries(testEntries(4, 4)); !errors.Is(err, raft.ErrNonContiguousLog) {
		t.Fatalf("expected ErrNonContiguousLog, got %v", err)
	}
}

func TestStorage_snapshotFilesSuperseded(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	for i := uint64(1); i <= 3; i++ {
		if err := s.SaveSnapshot(raft.Snapshot{LastIncluded: raft.EntryInfo{Index: i * 10, Term: 1}, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("SaveSnapshot(%d) error = %v", i, err)
		}
	}
	files, err := filepath.Glob(filepath.Join(dir, snapshotDir, "snapshot-*.v1"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if diff := cmp.Diff([]string{filepath.Join(dir, snapshotDir, snapstore.FileName(3))}, files); diff != "" {
		t.Fatalf("snapshot files mismatch (-want +got):\n%s", diff)
	}
	snap, _ := s.LatestSnapshot()
	if snap == nil || snap.LastIncluded.Index != 30 {
		t.Fatalf("expected latest snapshot at 30, got %+v", snap)
	}
}

func TestStorage_tornJournalTailIgnored(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	if err := s.AppendEntries(testEntries(1, 3)); err != nil {
		t.Fatalf("AppendEntries() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	path := filepath.Join(dir, journalDir, journal.FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write([]byte{1, 0, 0, 9}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = f.Close()

	s = openTestStorage(t, dir)
	if diff := cmp.Diff(testEntries(1, 3), replayAll(t, s, 0)); diff != "" {
		t.Fatalf("entries mismatch after torn write (-want +got):\n%s", diff)
	}
	if err := s.AppendEntries(testEntries(4, 4)); err != nil {
		t.Fatalf("append after recovery error = %v", err)
	}
}

func TestStorage_gapInJournalFailsOpen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	if err := s.AppendEntries(testEntries(1, 3)); err != nil {
		t.Fatalf("AppendEntries() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Build a valid record at index 7 in a scratch journal and splice it on.
	scratch := t.TempDir()
	sj, err := journal.Open(scratch, journal.Options{NoSync: true})
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	if _, err := sj.Append(journal.Record{Index: 7, Term: 3, Data: []byte("gap")}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	_ = sj.Close()
	frame, err := os.ReadFile(filepath.Join(scratch, journal.FileName))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	path := filepath.Join(dir, journalDir, journal.FileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Write(frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = f.Close()
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}

	if s, err := Open(dir, Options{NoSync: true}); !errors.Is(err, raft.ErrNonContiguousLog) {
		if s != nil {
			_ = s.Close()
		}
		t.Fatalf("Open() error = %v, want ErrNonContiguousLog", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if after.Size() != before.Size() {
		t.Fatalf("journal size changed from %d to %d", before.Size(), after.Size())
	}
}

// A node that starts transient and switches to the durable backend keeps
// nothing from before the switch on disk, and everything after it.
func TestStorage_persistenceSwitch(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	control := raft.NewPersistenceControl(nil, s)
	cmd := []raft.LogEntry{{Index: 1, Term: 1, Type: raft.EntryCommand, Command: []byte("put k v")}}

	if err := control.EntryStore().AppendEntries(cmd); err != nil {
		t.Fatalf("disabled AppendEntries() error = %v", err)
	}
	if got := replayAll(t, s, 0); len(got) != 0 {
		t.Fatalf("expected no durable entries before the switch, got %d", len(got))
	}
	if !control.BecomePersistent() {
		t.Fatalf("expected BecomePersistent() to switch")
	}
	if err := control.EntryStore().AppendEntries(cmd); err != nil {
		t.Fatalf("enabled AppendEntries() error = %v", err)
	}
	if err := control.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s = openTestStorage(t, dir)
	if diff := cmp.Diff(cmd, replayAll(t, s, 0)); diff != "" {
		t.Fatalf("durable entries mismatch (-want +got):\n%s", diff)
	}
}

func TestStorage_nodeRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := raft.DefaultConfig("n1")
	cfg.ElectionTimeoutMin = 20 * time.Millisecond
	cfg.ElectionTimeoutMax = 40 * time.Millisecond
	cfg.HeartbeatInterval = 5 * time.Millisecond

	start := func() (*raft.Node, *Storage) {
		s, err := Open(dir, Options{NoSync: true})
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		n, err := raft.NewNode(cfg, nil, make(chan consensus.ApplyMsg, 16), raft.NewPersistentControl(s), slog.Default(), nil, nil)
		if err != nil {
			t.Fatalf("NewNode() error = %v", err)
		}
		return n, s
	}

	n, s := start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.Run(ctx)
	waitFor(t, n.IsLeader, "expected node to elect itself")

	idx, err := n.Submit(ctx, []byte("put a 1"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	waitFor(t, func() bool { return n.AdminState().CommitIndex >= idx }, "expected command to commit")
	n.Stop()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	restarted, s := start()
	defer func() { _ = s.Close() }()
	st := restarted.AdminState()
	if st.Term < 1 || st.VotedFor != "n1" || st.LastLogIndex != idx {
		t.Fatalf("unexpected recovered state term=%d voted=%q last=%d", st.Term, st.VotedFor, st.LastLogIndex)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

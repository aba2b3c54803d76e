package raft

import (
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/i-melnichenko/raftengine/internal/consensus"
)

func testConfig(id string) Config {
	cfg := DefaultConfig(id)
	cfg.ElectionTimeoutMin = 150 * time.Millisecond
	cfg.ElectionTimeoutMax = 300 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.SnapshotBatchCount = 0
	cfg.SnapshotByteThreshold = 0
	return cfg
}

// newTestNode builds a node that is driven by the test instead of Run:
// storage runs inline, outbound RPCs run inline, and timers use a mock
// clock. Use drain to process the events the test triggered.
func newTestNode(t *testing.T, cfg Config, peers map[string]PeerClient, storage Storage) (*Node, *clock.Mock) {
	t.Helper()
	if storage == nil {
		storage = NewInMemoryStorage()
	}
	return newTestNodeWithControl(t, cfg, peers, NewPersistentControl(storage))
}

func newTestNodeWithControl(t *testing.T, cfg Config, peers map[string]PeerClient, control *PersistenceControl) (*Node, *clock.Mock) {
	t.Helper()
	n, err := NewNode(cfg, peers, make(chan consensus.ApplyMsg, 64), control, slog.Default(), testTracer, testMetrics)
	if err != nil {
		t.Fatalf("NewNode() error = %v", err)
	}
	mock := clock.NewMock()
	n.clock = mock
	n.slices = NewReassembler(mock, cfg.SliceTimeout)
	n.snapshots.clock = mock
	n.exec = newInlineExecutor(n.completer)
	n.snapshots.exec = n.exec
	n.spawn = func(fn func()) { fn() }
	n.electionTimeoutFn = func() time.Duration { return cfg.ElectionTimeoutMin }
	t.Cleanup(n.cancel)
	return n, mock
}

// drain runs queued events and storage completions until both are empty.
func drain(n *Node) {
	for {
		select {
		case ev := <-n.mailbox:
			ev()
			n.completer.Drain()
			continue
		default:
		}
		if n.completer.Drain() == 0 && len(n.mailbox) == 0 {
			return
		}
	}
}

// takeApplied removes and returns everything queued for the application.
func takeApplied(n *Node) []applyItem {
	n.applier.mu.Lock()
	defer n.applier.mu.Unlock()
	out := n.applier.queue
	n.applier.queue = nil
	return out
}

// applyAll acknowledges queued items as if the application processed them.
func applyAll(n *Node) []applyItem {
	items := takeApplied(n)
	for _, item := range items {
		if !item.control {
			n.onApplied(EntryInfo{Index: item.index, Term: item.term})
		}
	}
	drain(n)
	return items
}

func commands(items []applyItem) []string {
	var out []string
	for _, item := range items {
		if item.msg != nil && item.msg.CommandValid {
			out = append(out, string(item.msg.Command))
		}
	}
	return out
}

func handleVote(t *testing.T, n *Node, req *RequestVoteRequest) *RequestVoteResponse {
	t.Helper()
	var (
		resp    *RequestVoteResponse
		err     error
		replied bool
	)
	n.handleRequestVote(req, func(r *RequestVoteResponse, e error) {
		resp, err, replied = r, e, true
	})
	drain(n)
	if !replied {
		t.Fatalf("RequestVote got no reply")
	}
	if err != nil {
		t.Fatalf("RequestVote error = %v", err)
	}
	return resp
}

func handleAppend(t *testing.T, n *Node, req *AppendEntriesRequest) *AppendEntriesResponse {
	t.Helper()
	var (
		resp    *AppendEntriesResponse
		err     error
		replied bool
	)
	n.handleAppendEntries(req, func(r *AppendEntriesResponse, e error) {
		resp, err, replied = r, e, true
	})
	drain(n)
	if !replied {
		t.Fatalf("AppendEntries got no reply")
	}
	if err != nil {
		t.Fatalf("AppendEntries error = %v", err)
	}
	return resp
}

func handleInstall(t *testing.T, n *Node, req *InstallSnapshotRequest) *InstallSnapshotResponse {
	t.Helper()
	var (
		resp    *InstallSnapshotResponse
		err     error
		replied bool
	)
	n.handleInstallSnapshot(req, func(r *InstallSnapshotResponse, e error) {
		resp, err, replied = r, e, true
	})
	drain(n)
	if !replied {
		t.Fatalf("InstallSnapshot got no reply")
	}
	if err != nil {
		t.Fatalf("InstallSnapshot error = %v", err)
	}
	return resp
}

// seedLog appends entries to n's log and storage as if they were replicated
// earlier.
func seedLog(t *testing.T, n *Node, entries ...LogEntry) {
	t.Helper()
	for _, e := range entries {
		if _, err := n.log.AppendReceived(e, nil); err != nil {
			t.Fatalf("seed entry %d: %v", e.Index, err)
		}
	}
	n.durableIndex = n.log.LastIndex()
	if err := n.control.EntryStore().AppendEntries(entries); err != nil {
		t.Fatalf("seed storage: %v", err)
	}
}

// failingStorage wraps InMemoryStorage and fails the selected operations.
type failingStorage struct {
	*InMemoryStorage
	failAppend   error
	failHard     error
	failSnapshot error
}

func (s *failingStorage) AppendEntries(entries []LogEntry) error {
	if s.failAppend != nil {
		return s.failAppend
	}
	return s.InMemoryStorage.AppendEntries(entries)
}

func (s *failingStorage) SaveHardState(hs HardState) error {
	if s.failHard != nil {
		return s.failHard
	}
	return s.InMemoryStorage.SaveHardState(hs)
}

func (s *failingStorage) SaveSnapshot(snap Snapshot) error {
	if s.failSnapshot != nil {
		return s.failSnapshot
	}
	return s.InMemoryStorage.SaveSnapshot(snap)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(1 * time.Millisecond)
	}
	if cond() {
		return
	}
	t.Fatal(msg)
}

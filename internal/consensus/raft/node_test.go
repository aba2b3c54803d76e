package raft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/i-melnichenko/raftengine/internal/consensus"
)

// runLeader starts n and advances the mock clock until it leads.
func runLeader(t *testing.T, n *Node, mock *clock.Mock) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	n.Run(ctx)
	t.Cleanup(n.Stop)

	waitForCondition(t, 2*time.Second, func() bool {
		mock.Add(n.cfg.ElectionTimeoutMin)
		return n.IsLeader()
	}, "expected single node to elect itself")
	return ctx
}

func receive(t *testing.T, n *Node) consensus.ApplyMsg {
	t.Helper()
	select {
	case msg := <-n.ApplyCh():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for apply message")
		return consensus.ApplyMsg{}
	}
}

func TestNode_startCommandDelivered(t *testing.T) {
	n, mock := newTestNode(t, testConfig("n1"), nil, nil)
	runLeader(t, n, mock)

	idx, term, ok := n.StartCommand([]byte("put a 1"))
	if !ok {
		t.Fatalf("expected StartCommand to be accepted by the leader")
	}
	if idx != 2 {
		t.Fatalf("expected index 2 after the leader no-op, got %d", idx)
	}
	if term == 0 {
		t.Fatalf("expected a nonzero term from StartCommand")
	}
	msg := receive(t, n)
	if !msg.CommandValid || msg.CommandIndex != idx || msg.CommandTerm != term || string(msg.Command) != "put a 1" {
		t.Fatalf("unexpected apply message %+v", msg)
	}
	waitForCondition(t, time.Second, func() bool {
		st := n.AdminState()
		return st.LastApplied == idx && !st.LastAppliedAt.IsZero()
	}, "expected admin state to report the applied command")

	if n.Leader() != "n1" {
		t.Fatalf("expected leader n1, got %q", n.Leader())
	}
}

func TestNode_snapshotRequestedAndCaptured(t *testing.T) {
	cfg := testConfig("n1")
	cfg.SnapshotBatchCount = 3
	n, mock := newTestNode(t, cfg, nil, nil)
	ctx := runLeader(t, n, mock)

	for _, cmd := range []string{"a", "b", "c"} {
		if _, err := n.Submit(ctx, []byte(cmd)); err != nil {
			t.Fatalf("Submit(%q) error = %v", cmd, err)
		}
	}

	var request consensus.ApplyMsg
	for request.SnapshotIndex == 0 {
		msg := receive(t, n)
		if msg.SnapshotRequested {
			request = msg
		}
	}
	if request.SnapshotIndex != 3 {
		t.Fatalf("expected capture request at 3, got %d", request.SnapshotIndex)
	}
	if err := n.Snapshot(request.SnapshotIndex, []byte("state")); err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	st := n.AdminState()
	if st.SnapshotLastIndex != 3 || st.SnapshotSizeBytes != int64(len("state")) {
		t.Fatalf("expected snapshot at 3 in admin state, got index=%d size=%d", st.SnapshotLastIndex, st.SnapshotSizeBytes)
	}
	if err := n.Snapshot(10, []byte("ahead")); !errors.Is(err, ErrSnapshotIndex) {
		t.Fatalf("expected ErrSnapshotIndex, got %v", err)
	}
}

func TestNode_changeVotingConfig(t *testing.T) {
	n, _ := newTestNode(t, testConfig("n1"), map[string]PeerClient{"n2": &localPeer{down: true}}, nil)
	n.state = &leaderState{ready: true, progress: map[string]*peerProgress{"n2": {nextIndex: 1}}}
	n.currentTerm = 1
	n.electionTimeoutFn = func() time.Duration { return time.Hour }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n.Run(ctx)
	t.Cleanup(n.Stop)

	if _, err := n.ChangeVotingConfig(ctx, nil); err == nil {
		t.Fatalf("expected empty config to be rejected")
	}
	idx, err := n.ChangeVotingConfig(ctx, []string{"n1", "n2", "n3"})
	if err != nil {
		t.Fatalf("ChangeVotingConfig() error = %v", err)
	}
	if idx != 1 {
		t.Fatalf("expected config entry at 1, got %d", idx)
	}
	// n2 is unreachable, so the first change stays uncommitted.
	if _, err := n.ChangeVotingConfig(ctx, []string{"n1"}); !errors.Is(err, ErrConfigChangeInProgress) {
		t.Fatalf("expected ErrConfigChangeInProgress, got %v", err)
	}
}

func TestNode_stopped(t *testing.T) {
	n, mock := newTestNode(t, testConfig("n1"), nil, nil)
	ctx := runLeader(t, n, mock)

	n.Stop()
	n.Stop()

	if _, _, ok := n.StartCommand([]byte("x")); ok {
		t.Fatalf("expected StartCommand to fail after Stop")
	}
	if _, err := n.Submit(ctx, []byte("x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := n.Snapshot(1, nil); !isStopped(err) {
		t.Fatalf("expected a stopped error from Snapshot, got %v", err)
	}
}

func TestNode_contextCancelStops(t *testing.T) {
	n, _ := newTestNode(t, testConfig("n1"), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	n.Run(ctx)
	cancel()

	waitForCondition(t, time.Second, func() bool {
		select {
		case <-n.done:
			return true
		default:
			return false
		}
	}, "expected node to stop when its run context is canceled")
}

func TestNewNode_validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		control *PersistenceControl
		logger  Logger
		wantErr error
	}{
		{name: "nil control", cfg: testConfig("n1"), logger: testLogger{}, wantErr: ErrNilStorage},
		{name: "nil logger", cfg: testConfig("n1"), control: NewPersistentControl(NewInMemoryStorage()), wantErr: ErrNilLogger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNode(tt.cfg, nil, nil, tt.control, tt.logger, nil, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	cfg := testConfig("n1")
	cfg.ElectionTimeoutMin = cfg.HeartbeatInterval
	if _, err := NewNode(cfg, nil, nil, NewPersistentControl(NewInMemoryStorage()), testLogger{}, nil, nil); err == nil {
		t.Fatalf("expected an election timeout not above the heartbeat interval to be rejected")
	}
}

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}

func TestNode_storageSpans(t *testing.T) {
	rec, tp := newRecordingTracer()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	n, mock := newTestNode(t, testConfig("n1"), nil, nil)
	n.tracer = tp.Tracer("test")
	runLeader(t, n, mock)

	idx, _, ok := n.StartCommand([]byte("traced"))
	if !ok {
		t.Fatalf("expected StartCommand to be accepted by the leader")
	}
	if msg := receive(t, n); msg.CommandIndex != idx {
		t.Fatalf("unexpected apply message %+v", msg)
	}

	names := map[string]bool{}
	for _, span := range rec.Ended() {
		names[span.Name()] = true
		for _, kv := range span.Attributes() {
			if kv.Key == "raft.node_id" && kv.Value.AsString() != "n1" {
				t.Fatalf("span %s tagged with node %q", span.Name(), kv.Value.AsString())
			}
		}
	}
	for _, want := range []string{"raft.storage.SaveHardState", "raft.storage.AppendEntries"} {
		if !names[want] {
			t.Fatalf("expected a %s span, got %v", want, names)
		}
	}
}

package raftgrpc_test

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/i-melnichenko/raftengine/internal/consensus"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
	raftgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/raft"
)

const bufSize = 1 << 20 // 1 MB

func serve(t *testing.T, handler raftgrpc.Handler) *bufconn.Listener {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	raftgrpc.Register(srv, raftgrpc.NewServer(handler, nil))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func dial(t *testing.T, lis *bufconn.Listener) *raftgrpc.PeerClient {
	t.Helper()
	pc, err := raftgrpc.Dial("passthrough:///bufconn", nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

// startServer spins up an in-process gRPC server backed by handler and
// returns a connected PeerClient.
func startServer(t *testing.T, handler raftgrpc.Handler) *raftgrpc.PeerClient {
	t.Helper()
	return dial(t, serve(t, handler))
}

// stubHandler is a test double for raft.Node.
type stubHandler struct {
	requestVoteResp   *raft.RequestVoteResponse
	appendEntriesResp *raft.AppendEntriesResponse
	installSnapResp   *raft.InstallSnapshotResponse
	err               error

	lastRequestVote   *raft.RequestVoteRequest
	lastAppendEntries *raft.AppendEntriesRequest
	lastInstallSnap   *raft.InstallSnapshotRequest
}

func (s *stubHandler) HandleRequestVote(_ context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	s.lastRequestVote = req
	return s.requestVoteResp, s.err
}

func (s *stubHandler) HandleAppendEntries(_ context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	s.lastAppendEntries = req
	return s.appendEntriesResp, s.err
}

func (s *stubHandler) HandleInstallSnapshot(_ context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	s.lastInstallSnap = req
	return s.installSnapResp, s.err
}

func TestRequestVote_roundTrip(t *testing.T) {
	handler := &stubHandler{requestVoteResp: &raft.RequestVoteResponse{Term: 3, VoteGranted: true}}
	pc := startServer(t, handler)

	req := &raft.RequestVoteRequest{Term: 3, CandidateID: "n1", LastLogIndex: 5, LastLogTerm: 2}
	resp, err := pc.RequestVote(context.Background(), req)
	if err != nil {
		t.Fatalf("RequestVote: %v", err)
	}
	if diff := cmp.Diff(handler.requestVoteResp, resp); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(req, handler.lastRequestVote); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestAppendEntries_roundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  *raft.AppendEntriesRequest
		resp *raft.AppendEntriesResponse
	}{
		{
			name: "entries",
			req: &raft.AppendEntriesRequest{
				Term: 2, LeaderID: "n0", PrevLogIndex: 3, PrevLogTerm: 1, LeaderCommit: 3,
				Entries: []raft.LogEntry{
					{Index: 4, Term: 2, Type: raft.EntryCommand, Command: []byte("put x 1")},
					{Index: 5, Term: 2, Type: raft.EntryNoop},
				},
			},
			resp: &raft.AppendEntriesResponse{Term: 2, Success: true, MatchIndex: 5},
		},
		{
			name: "heartbeat with conflict",
			req:  &raft.AppendEntriesRequest{Term: 4, LeaderID: "n2", PrevLogIndex: 9, PrevLogTerm: 3},
			resp: &raft.AppendEntriesResponse{Term: 4, ConflictTerm: 2, ConflictIndex: 7},
		},
		{
			name: "slice",
			req: &raft.AppendEntriesRequest{
				Term: 5, LeaderID: "n1", PrevLogIndex: 10, PrevLogTerm: 5, LeaderCommit: 10,
				Slice: &raft.EntrySlice{
					EntryIndex: 11, EntryTerm: 5, EntryType: raft.EntryCommand,
					SliceIndex: 1, TotalSlices: 3, SliceHash: 0xdeadbeefcafe, Data: []byte("middle"),
				},
			},
			resp: &raft.AppendEntriesResponse{Term: 5, Success: true, MatchIndex: 10, SliceStatus: raft.SliceAccepted},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := &stubHandler{appendEntriesResp: tt.resp}
			pc := startServer(t, handler)

			resp, err := pc.AppendEntries(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("AppendEntries: %v", err)
			}
			if diff := cmp.Diff(tt.resp, resp); diff != "" {
				t.Fatalf("response mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.req, handler.lastAppendEntries); diff != "" {
				t.Fatalf("request mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInstallSnapshot_roundTrip(t *testing.T) {
	handler := &stubHandler{installSnapResp: &raft.InstallSnapshotResponse{Term: 7, Success: true}}
	pc := startServer(t, handler)

	req := &raft.InstallSnapshotRequest{
		Term:         7,
		LeaderID:     "n0",
		LastIncluded: raft.EntryInfo{Index: 42, Term: 6},
		Offset:       128,
		Chunk:        []byte("chunk"),
		Done:         true,
	}
	resp, err := pc.InstallSnapshot(context.Background(), req)
	if err != nil {
		t.Fatalf("InstallSnapshot: %v", err)
	}
	if diff := cmp.Diff(handler.installSnapResp, resp); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(req, handler.lastInstallSnap); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_errorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{name: "degraded", err: raft.ErrNodeDegraded, want: codes.Unavailable},
		{name: "stopped", err: raft.ErrStopped, want: codes.Unavailable},
		{name: "other", err: raft.ErrNonContiguousLog, want: codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := startServer(t, &stubHandler{err: tt.err})
			_, err := pc.RequestVote(context.Background(), &raft.RequestVoteRequest{Term: 1, CandidateID: "n2"})
			if got := status.Code(err); got != tt.want {
				t.Fatalf("expected code %v, got %v (%v)", tt.want, got, err)
			}
		})
	}
}

// Three real nodes connected over bufconn elect a leader and replicate a
// command to every member.
func TestCluster_replicatesOverGRPC(t *testing.T) {
	ids := []string{"n1", "n2", "n3"}
	listeners := make(map[string]*bufconn.Listener, len(ids))
	handlers := make(map[string]*lateHandler, len(ids))
	for _, id := range ids {
		handlers[id] = &lateHandler{node: make(chan *raft.Node, 1)}
		listeners[id] = serve(t, handlers[id])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nodes := make(map[string]*raft.Node, len(ids))
	for _, id := range ids {
		peers := make(map[string]raft.PeerClient)
		for _, other := range ids {
			if other != id {
				peers[other] = dial(t, listeners[other])
			}
		}
		cfg := raft.DefaultConfig(id)
		cfg.ElectionTimeoutMin = 50 * time.Millisecond
		cfg.ElectionTimeoutMax = 100 * time.Millisecond
		cfg.HeartbeatInterval = 10 * time.Millisecond
		cfg.InitialMembers = ids

		n, err := raft.NewNode(cfg, peers, make(chan consensus.ApplyMsg, 64),
			raft.NewPersistentControl(raft.NewInMemoryStorage()), slog.Default(), nil, nil)
		if err != nil {
			t.Fatalf("NewNode(%s): %v", id, err)
		}
		handlers[id].set(n)
		nodes[id] = n
		n.Run(ctx)
		t.Cleanup(n.Stop)
	}

	var leader *raft.Node
	waitFor(t, func() bool {
		for _, n := range nodes {
			if n.IsLeader() {
				leader = n
				return true
			}
		}
		return false
	}, "expected a leader")

	idx, err := leader.Submit(ctx, []byte("put k v"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool {
		for _, n := range nodes {
			if n.AdminState().CommitIndex < idx {
				return false
			}
		}
		return true
	}, "expected every node to commit the command")
}

// lateHandler lets the server start before its node exists.
type lateHandler struct {
	node chan *raft.Node
}

func (h *lateHandler) set(n *raft.Node) { h.node <- n }

func (h *lateHandler) get(ctx context.Context) (*raft.Node, error) {
	select {
	case n := <-h.node:
		h.node <- n
		return n, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *lateHandler) HandleRequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	n, err := h.get(ctx)
	if err != nil {
		return nil, err
	}
	return n.HandleRequestVote(ctx, req)
}

func (h *lateHandler) HandleAppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	n, err := h.get(ctx)
	if err != nil {
		return nil, err
	}
	return n.HandleAppendEntries(ctx, req)
}

func (h *lateHandler) HandleInstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	n, err := h.get(ctx)
	if err != nil {
		return nil, err
	}
	return n.HandleInstallSnapshot(ctx, req)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

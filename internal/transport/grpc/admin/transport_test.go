package admingrpc_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	raftconsensus "github.com/i-melnichenko/raftengine/internal/consensus/raft"
	admingrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/admin"
)

const bufSize = 1 << 20 // 1 MB

type fakeInspector struct {
	mu        sync.Mutex
	state     raftconsensus.AdminState
	persistFn func() (bool, error)
	configErr error
	members   []string
}

func (f *fakeInspector) AdminState() raftconsensus.AdminState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeInspector) BecomePersistent(context.Context) (bool, error) {
	return f.persistFn()
}

func (f *fakeInspector) ChangeVotingConfig(_ context.Context, members []string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return 0, f.configErr
	}
	f.members = members
	return 42, nil
}

func dial(t *testing.T, srv *admingrpc.Server) *admingrpc.Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	s := grpc.NewServer()
	admingrpc.Register(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	c, err := admingrpc.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestServer_GetNodeInfo(t *testing.T) {
	appliedAt := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	inspector := &fakeInspector{state: raftconsensus.AdminState{
		NodeID:             "n1",
		LeaderID:           "n1",
		Role:               raftconsensus.Leader,
		Status:             raftconsensus.NodeStatusHealthy,
		Term:               3,
		VotedFor:           "n1",
		CommitIndex:        10,
		LastApplied:        9,
		LastAppliedAt:      appliedAt,
		LastLogIndex:       12,
		LastLogTerm:        3,
		DurableIndex:       12,
		SnapshotLastIndex:  5,
		SnapshotLastTerm:   2,
		SnapshotSizeBytes:  128,
		RetainedEntries:    7,
		PendingSlices:      1,
		PersistenceEnabled: true,
		ClusterMembers:     []string{"n1", "n2", "n3"},
		QuorumSize:         2,
		Peers: []raftconsensus.AdminPeerState{
			{NodeID: "n2", MatchIndex: 12, NextIndex: 13},
			{NodeID: "n3", MatchIndex: 4, NextIndex: 5, Slicing: true, InstallingSnapshot: true},
		},
	}}
	c := dial(t, admingrpc.NewServer("n1", "raft", map[string]string{"n2": "h2:9090", "n3": "h3:9090"}, inspector))

	got, err := c.NodeInfo(context.Background())
	if err != nil {
		t.Fatalf("NodeInfo: %v", err)
	}
	want := &admingrpc.NodeInfo{
		NodeID:             "n1",
		ConsensusType:      "raft",
		Role:               "leader",
		Status:             "healthy",
		LeaderID:           "n1",
		Term:               3,
		VotedFor:           "n1",
		CommitIndex:        10,
		LastApplied:        9,
		LastAppliedAt:      appliedAt,
		LastLogIndex:       12,
		LastLogTerm:        3,
		DurableIndex:       12,
		SnapshotLastIndex:  5,
		SnapshotLastTerm:   2,
		SnapshotSizeBytes:  128,
		RetainedEntries:    7,
		PendingSlices:      1,
		PersistenceEnabled: true,
		ClusterMembers:     []string{"n1", "n2", "n3"},
		QuorumSize:         2,
		Peers: []admingrpc.PeerInfo{
			{NodeID: "n2", Address: "h2:9090", MatchIndex: 12, NextIndex: 13},
			{NodeID: "n3", Address: "h3:9090", MatchIndex: 4, NextIndex: 5, Lag: 8, Slicing: true, InstallingSnapshot: true},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("node info mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_GetNodeInfoFollowerListsConfiguredPeers(t *testing.T) {
	inspector := &fakeInspector{state: raftconsensus.AdminState{
		NodeID: "n2",
		Role:   raftconsensus.Follower,
		Status: raftconsensus.NodeStatusDegraded,
	}}
	c := dial(t, admingrpc.NewServer("n2", "raft", map[string]string{"n3": "h3", "n1": "h1"}, inspector))

	got, err := c.NodeInfo(context.Background())
	if err != nil {
		t.Fatalf("NodeInfo: %v", err)
	}
	if got.Role != "follower" || got.Status != "degraded" {
		t.Fatalf("role/status = %q/%q", got.Role, got.Status)
	}
	want := []admingrpc.PeerInfo{{NodeID: "n1", Address: "h1"}, {NodeID: "n3", Address: "h3"}}
	if diff := cmp.Diff(want, got.Peers); diff != "" {
		t.Fatalf("peers mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_BecomePersistent(t *testing.T) {
	tests := []struct {
		name     string
		fn       func() (bool, error)
		want     bool
		wantCode codes.Code
	}{
		{name: "switched", fn: func() (bool, error) { return true, nil }, want: true},
		{name: "already persistent", fn: func() (bool, error) { return false, nil }},
		{name: "degraded", fn: func() (bool, error) { return false, raftconsensus.ErrNodeDegraded }, wantCode: codes.Unavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, admingrpc.NewServer("n1", "raft", nil, &fakeInspector{persistFn: tt.fn}))
			got, err := c.BecomePersistent(context.Background())
			if tt.wantCode != codes.OK {
				if status.Code(err) != tt.wantCode {
					t.Fatalf("expected %s, got %v", tt.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BecomePersistent: %v", err)
			}
			if got != tt.want {
				t.Fatalf("BecomePersistent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServer_ChangeVotingConfig(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		inspector := &fakeInspector{}
		c := dial(t, admingrpc.NewServer("n1", "raft", nil, inspector))
		idx, err := c.ChangeVotingConfig(context.Background(), []string{"n1", "n2"})
		if err != nil || idx != 42 {
			t.Fatalf("ChangeVotingConfig() = %d, %v", idx, err)
		}
		if diff := cmp.Diff([]string{"n1", "n2"}, inspector.members); diff != "" {
			t.Fatalf("members mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("not leader carries hint", func(t *testing.T) {
		inspector := &fakeInspector{
			state:     raftconsensus.AdminState{LeaderID: "n3"},
			configErr: raftconsensus.ErrNotLeader,
		}
		c := dial(t, admingrpc.NewServer("n1", "raft", nil, inspector))
		_, err := c.ChangeVotingConfig(context.Background(), []string{"n1"})
		var nle *admingrpc.NotLeaderError
		if !errors.As(err, &nle) || nle.LeaderID != "n3" {
			t.Fatalf("expected NotLeaderError{n3}, got %v", err)
		}
	})

	t.Run("change in progress", func(t *testing.T) {
		c := dial(t, admingrpc.NewServer("n1", "raft", nil, &fakeInspector{configErr: raftconsensus.ErrConfigChangeInProgress}))
		_, err := c.ChangeVotingConfig(context.Background(), []string{"n1"})
		if status.Code(err) != codes.Aborted {
			t.Fatalf("expected Aborted, got %v", err)
		}
	})

	t.Run("empty members", func(t *testing.T) {
		c := dial(t, admingrpc.NewServer("n1", "raft", nil, &fakeInspector{}))
		_, err := c.ChangeVotingConfig(context.Background(), nil)
		if status.Code(err) != codes.InvalidArgument {
			t.Fatalf("expected InvalidArgument, got %v", err)
		}
	})
}

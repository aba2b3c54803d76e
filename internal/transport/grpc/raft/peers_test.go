package raftgrpc_test

import (
	"errors"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
	raftgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/raft"
)

type closeRecorder struct {
	raft.PeerClient
	err    error
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return c.err
}

func TestDialPeers(t *testing.T) {
	creds := grpc.WithTransportCredentials(insecure.NewCredentials())

	peers, err := raftgrpc.DialPeers(map[string]string{"n2": "127.0.0.1:1", "n3": "127.0.0.1:2"}, nil, creds)
	if err != nil {
		t.Fatalf("DialPeers: %v", err)
	}
	if len(peers) != 2 || peers["n2"] == nil || peers["n3"] == nil {
		t.Fatalf("unexpected peers %v", peers)
	}
	if err := raftgrpc.ClosePeers(peers); err != nil {
		t.Fatalf("ClosePeers: %v", err)
	}

	_, err = raftgrpc.DialPeers(map[string]string{"n2": "127.0.0.1:1", "n3": " "}, nil, creds)
	if err == nil || !strings.Contains(err.Error(), "n3") {
		t.Fatalf("expected missing address error for n3, got %v", err)
	}
}

func TestClosePeers_collectsErrors(t *testing.T) {
	boom := errors.New("boom")
	a := &closeRecorder{err: boom}
	b := &closeRecorder{}
	c := &closeRecorder{err: boom}

	err := raftgrpc.ClosePeers(map[string]raft.PeerClient{"a": a, "b": b, "c": c})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if !a.closed || !b.closed || !c.closed {
		t.Fatalf("expected every peer closed")
	}
	if !strings.Contains(err.Error(), "close peer a") || !strings.Contains(err.Error(), "close peer c") {
		t.Fatalf("expected both failures reported, got %v", err)
	}
}

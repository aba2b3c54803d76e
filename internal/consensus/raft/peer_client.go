package raft

import "context"

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// PeerClient is the transport a node uses to reach one remote member.
// Calls are made from RPC goroutines, never from the event loop, and a
// failed call is not retried by the client: the next heartbeat or election
// round sends a fresh request.
type PeerClient interface {
	// RequestVote asks the peer for its vote in req.Term.
	RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
	// AppendEntries replicates entries, a single slice of an oversized
	// entry, or a heartbeat when both are empty.
	AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	// InstallSnapshot sends one chunk of the leader's snapshot.
	InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
	Close() error
}

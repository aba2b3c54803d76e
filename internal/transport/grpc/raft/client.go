// Package raftgrpc contains the Raft gRPC transport adapters.
package raftgrpc

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/transport/grpc/wirecodec"
)

var _ raft.PeerClient = (*PeerClient)(nil)

// PeerClient implements raft.PeerClient over a gRPC connection.
type PeerClient struct {
	target string
	conn   *grpc.ClientConn
	tracer oteltrace.Tracer
}

// Dial connects to a remote Raft peer and returns a PeerClient.
// The connection is established lazily on the first RPC call.
func Dial(target string, tracer oteltrace.Tracer, opts ...grpc.DialOption) (*PeerClient, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wirecodec.Name)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("raftgrpc")
	}
	return &PeerClient{target: target, conn: conn, tracer: tracer}, nil
}

// RequestVote calls the remote Raft RequestVote RPC.
func (c *PeerClient) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	ctx, span := c.tracer.Start(ctx, "raftgrpc.client.RequestVote",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(withTarget(c.target, requestVoteAttrs(req))...))
	defer span.End()

	resp := new(raft.RequestVoteResponse)
	if err := c.conn.Invoke(ctx, methodRequestVote, req, resp); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp, nil
}

// AppendEntries calls the remote Raft AppendEntries RPC.
func (c *PeerClient) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	ctx, span := c.tracer.Start(ctx, "raftgrpc.client.AppendEntries",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(withTarget(c.target, appendEntriesAttrs(req))...))
	defer span.End()

	resp := new(raft.AppendEntriesResponse)
	if err := c.conn.Invoke(ctx, methodAppendEntries, req, resp); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp, nil
}

// InstallSnapshot sends one snapshot chunk to the remote peer.
func (c *PeerClient) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	ctx, span := c.tracer.Start(ctx, "raftgrpc.client.InstallSnapshot",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(withTarget(c.target, installSnapshotAttrs(req))...))
	defer span.End()

	resp := new(raft.InstallSnapshotResponse)
	if err := c.conn.Invoke(ctx, methodInstallSnapshot, req, resp); err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	return resp, nil
}

// Close closes the underlying gRPC connection to the peer.
func (c *PeerClient) Close() error {
	return c.conn.Close()
}

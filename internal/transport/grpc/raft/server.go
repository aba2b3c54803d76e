package raftgrpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
)

// Handler is the subset of *raft.Node required by the gRPC server.
// *raft.Node satisfies this interface.
type Handler interface {
	HandleRequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

// Server serves the Raft peer RPCs by delegating to a Raft node.
type Server struct {
	handler Handler
	tracer  oteltrace.Tracer
}

// NewServer creates a Raft gRPC server adapter for the provided handler.
// A nil tracer disables spans.
func NewServer(handler Handler, tracer oteltrace.Tracer) *Server {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("raftgrpc")
	}
	return &Server{handler: handler, tracer: tracer}
}

// RequestVote handles a Raft RequestVote RPC.
func (s *Server) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	return serve(ctx, s.tracer, "raftgrpc.server.RequestVote", requestVoteAttrs(req),
		func(ctx context.Context) (*raft.RequestVoteResponse, error) { return s.handler.HandleRequestVote(ctx, req) },
		func(resp *raft.RequestVoteResponse) []attribute.KeyValue {
			return []attribute.KeyValue{
				uintAttr("raft.response_term", resp.Term),
				attribute.Bool("raft.vote_granted", resp.VoteGranted),
			}
		})
}

// AppendEntries handles a Raft AppendEntries RPC, including entry slices.
func (s *Server) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	return serve(ctx, s.tracer, "raftgrpc.server.AppendEntries", appendEntriesAttrs(req),
		func(ctx context.Context) (*raft.AppendEntriesResponse, error) { return s.handler.HandleAppendEntries(ctx, req) },
		func(resp *raft.AppendEntriesResponse) []attribute.KeyValue {
			attrs := []attribute.KeyValue{
				uintAttr("raft.response_term", resp.Term),
				attribute.Bool("raft.append.success", resp.Success),
				uintAttr("raft.match_index", resp.MatchIndex),
				uintAttr("raft.conflict_term", resp.ConflictTerm),
				uintAttr("raft.conflict_index", resp.ConflictIndex),
			}
			if req.Slice != nil {
				attrs = append(attrs, attribute.Int("raft.slice.status", int(resp.SliceStatus)))
			}
			return attrs
		})
}

// InstallSnapshot handles one chunk of a Raft InstallSnapshot transfer.
func (s *Server) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	return serve(ctx, s.tracer, "raftgrpc.server.InstallSnapshot", installSnapshotAttrs(req),
		func(ctx context.Context) (*raft.InstallSnapshotResponse, error) { return s.handler.HandleInstallSnapshot(ctx, req) },
		func(resp *raft.InstallSnapshotResponse) []attribute.KeyValue {
			return []attribute.KeyValue{
				uintAttr("raft.response_term", resp.Term),
				attribute.Bool("raft.snapshot.success", resp.Success),
			}
		})
}

// serve wraps one handler call in a server span and maps its error to a
// gRPC status.
func serve[Resp any](
	ctx context.Context,
	tracer oteltrace.Tracer,
	name string,
	reqAttrs []attribute.KeyValue,
	call func(context.Context) (Resp, error),
	respAttrs func(Resp) []attribute.KeyValue,
) (Resp, error) {
	ctx, span := tracer.Start(ctx, name,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(reqAttrs...))
	defer span.End()

	resp, err := call(ctx)
	if err != nil {
		recordSpanError(span, err)
		var zero Resp
		return zero, toGRPCStatus(err)
	}
	span.SetAttributes(respAttrs(resp)...)
	return resp, nil
}

func toGRPCStatus(err error) error {
	switch {
	case errors.Is(err, raft.ErrNodeDegraded):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, raft.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

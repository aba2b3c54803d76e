package raftgrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/transport/grpc/wirecodec"
)

const (
	serviceName = "raftengine.raft.v1.Raft"

	methodRequestVote     = "/" + serviceName + "/RequestVote"
	methodAppendEntries   = "/" + serviceName + "/AppendEntries"
	methodInstallSnapshot = "/" + serviceName + "/InstallSnapshot"
)

// raftService is the server-side contract registered with gRPC.
type raftService interface {
	RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: wirecodec.Unary(methodRequestVote, func(srv raftService, ctx context.Context, req *raft.RequestVoteRequest) (any, error) {
				return srv.RequestVote(ctx, req)
			}),
		},
		{
			MethodName: "AppendEntries",
			Handler: wirecodec.Unary(methodAppendEntries, func(srv raftService, ctx context.Context, req *raft.AppendEntriesRequest) (any, error) {
				return srv.AppendEntries(ctx, req)
			}),
		},
		{
			MethodName: "InstallSnapshot",
			Handler: wirecodec.Unary(methodInstallSnapshot, func(srv raftService, ctx context.Context, req *raft.InstallSnapshotRequest) (any, error) {
				return srv.InstallSnapshot(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftengine/raft/v1/raft.proto",
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

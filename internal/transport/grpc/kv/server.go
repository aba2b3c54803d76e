package kvgrpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/raftengine/internal/service"
	"github.com/i-melnichenko/raftengine/internal/transport/grpc/wirecodec"
)

const (
	serviceName = "raftengine.kv.v1.KV"

	methodPut    = "/" + serviceName + "/Put"
	methodGet    = "/" + serviceName + "/Get"
	methodDelete = "/" + serviceName + "/Delete"

	// leaderTrailer carries the last known leader ID on not-leader errors.
	leaderTrailer = "raft-leader"
)

// Handler is the subset of *service.KV required by the gRPC server.
// *service.KV satisfies this interface.
type Handler interface {
	Get(key string) (string, bool)
	LastApplied() uint64
	Put(ctx context.Context, key, value string) (uint64, error)
	Delete(ctx context.Context, key string) (uint64, error)
}

type kvService interface {
	Put(ctx context.Context, req *PutRequest) (*WriteResponse, error)
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)
	Delete(ctx context.Context, req *DeleteRequest) (*WriteResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*kvService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Put",
			Handler: wirecodec.Unary(methodPut, func(srv kvService, ctx context.Context, req *PutRequest) (any, error) {
				return srv.Put(ctx, req)
			}),
		},
		{
			MethodName: "Get",
			Handler: wirecodec.Unary(methodGet, func(srv kvService, ctx context.Context, req *GetRequest) (any, error) {
				return srv.Get(ctx, req)
			}),
		},
		{
			MethodName: "Delete",
			Handler: wirecodec.Unary(methodDelete, func(srv kvService, ctx context.Context, req *DeleteRequest) (any, error) {
				return srv.Delete(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftengine/kv/v1/kv.proto",
}

// Server serves the KV RPCs by delegating to a KV service.
type Server struct {
	handler Handler
}

// NewServer creates a KV gRPC server adapter for the provided handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

// Put handles a KV Put RPC.
func (s *Server) Put(ctx context.Context, req *PutRequest) (*WriteResponse, error) {
	index, err := s.handler.Put(ctx, req.Key, req.Value)
	if err != nil {
		return nil, toGRPCStatus(ctx, err)
	}
	return &WriteResponse{Index: index}, nil
}

// Get handles a KV Get RPC. Reads are served from local state.
func (s *Server) Get(_ context.Context, req *GetRequest) (*GetResponse, error) {
	value, found := s.handler.Get(req.Key)
	return &GetResponse{
		Value:       value,
		Found:       found,
		LastApplied: s.handler.LastApplied(),
	}, nil
}

// Delete handles a KV Delete RPC.
func (s *Server) Delete(ctx context.Context, req *DeleteRequest) (*WriteResponse, error) {
	index, err := s.handler.Delete(ctx, req.Key)
	if err != nil {
		return nil, toGRPCStatus(ctx, err)
	}
	return &WriteResponse{Index: index}, nil
}

func toGRPCStatus(ctx context.Context, err error) error {
	var nle *service.NotLeaderError
	if errors.As(err, &nle) && nle.LeaderID != "" {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(leaderTrailer, nle.LeaderID))
	}
	switch {
	case errors.Is(err, service.ErrNotLeader):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, service.ErrCommitTimeout):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, service.ErrProposalLost):
		return status.Error(codes.Aborted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

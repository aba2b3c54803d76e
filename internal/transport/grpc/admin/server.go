// Package admingrpc exposes node inspection and operator controls over gRPC.
package admingrpc

import (
	"context"
	"errors"
	"maps"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	raftconsensus "github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/transport/grpc/wirecodec"
)

const (
	serviceName = "raftengine.admin.v1.Admin"

	methodGetNodeInfo        = "/" + serviceName + "/GetNodeInfo"
	methodBecomePersistent   = "/" + serviceName + "/BecomePersistent"
	methodChangeVotingConfig = "/" + serviceName + "/ChangeVotingConfig"

	leaderTrailer = "raft-leader"
)

// RaftInspector is the subset of *raft.Node required by the admin gRPC server.
// *raft.Node satisfies this interface.
type RaftInspector interface {
	AdminState() raftconsensus.AdminState
	BecomePersistent(ctx context.Context) (bool, error)
	ChangeVotingConfig(ctx context.Context, members []string) (uint64, error)
}

type adminService interface {
	GetNodeInfo(ctx context.Context, req *Empty) (*NodeInfo, error)
	BecomePersistent(ctx context.Context, req *Empty) (*BecomePersistentResponse, error)
	ChangeVotingConfig(ctx context.Context, req *ChangeConfigRequest) (*ChangeConfigResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*adminService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetNodeInfo",
			Handler: wirecodec.Unary(methodGetNodeInfo, func(srv adminService, ctx context.Context, req *Empty) (any, error) {
				return srv.GetNodeInfo(ctx, req)
			}),
		},
		{
			MethodName: "BecomePersistent",
			Handler: wirecodec.Unary(methodBecomePersistent, func(srv adminService, ctx context.Context, req *Empty) (any, error) {
				return srv.BecomePersistent(ctx, req)
			}),
		},
		{
			MethodName: "ChangeVotingConfig",
			Handler: wirecodec.Unary(methodChangeVotingConfig, func(srv adminService, ctx context.Context, req *ChangeConfigRequest) (any, error) {
				return srv.ChangeVotingConfig(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftengine/admin/v1/admin.proto",
}

// Server serves the admin RPCs for one node.
type Server struct {
	nodeID        string
	consensusType string
	peerAddrs     map[string]string
	raft          RaftInspector
}

// NewServer creates an admin gRPC server adapter.
func NewServer(nodeID, consensusType string, peerAddrs map[string]string, raft RaftInspector) *Server {
	return &Server{
		nodeID:        nodeID,
		consensusType: consensusType,
		peerAddrs:     maps.Clone(peerAddrs),
		raft:          raft,
	}
}

// Register registers srv on s.
func Register(s grpc.ServiceRegistrar, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

// GetNodeInfo returns administrative information about the current node.
func (s *Server) GetNodeInfo(_ context.Context, _ *Empty) (*NodeInfo, error) {
	info := &NodeInfo{
		NodeID:        s.nodeID,
		ConsensusType: s.consensusType,
		Status:        string(raftconsensus.NodeStatusHealthy),
	}
	if s.raft == nil {
		info.Peers = peerInfosFromMap(s.peerAddrs)
		return info, nil
	}

	rs := s.raft.AdminState()
	info.Role = rs.Role.String()
	info.Status = string(rs.Status)
	info.LeaderID = rs.LeaderID
	info.Term = rs.Term
	info.VotedFor = rs.VotedFor
	info.CommitIndex = rs.CommitIndex
	info.LastApplied = rs.LastApplied
	info.LastAppliedAt = rs.LastAppliedAt
	info.LastLogIndex = rs.LastLogIndex
	info.LastLogTerm = rs.LastLogTerm
	info.DurableIndex = rs.DurableIndex
	info.SnapshotLastIndex = rs.SnapshotLastIndex
	info.SnapshotLastTerm = rs.SnapshotLastTerm
	info.SnapshotSizeBytes = nonNegative(rs.SnapshotSizeBytes)
	info.RetainedEntries = nonNegative(int64(rs.RetainedEntries))
	info.PendingSlices = nonNegative(int64(rs.PendingSlices))
	info.PersistenceEnabled = rs.PersistenceEnabled
	info.ClusterMembers = slices.Clone(rs.ClusterMembers)
	info.QuorumSize = nonNegative(int64(rs.QuorumSize))

	if len(rs.Peers) == 0 {
		info.Peers = peerInfosFromMap(s.peerAddrs)
		return info, nil
	}
	info.Peers = make([]PeerInfo, 0, len(rs.Peers))
	for _, p := range rs.Peers {
		var lag uint64
		if rs.LastLogIndex > p.MatchIndex {
			lag = rs.LastLogIndex - p.MatchIndex
		}
		info.Peers = append(info.Peers, PeerInfo{
			NodeID:             p.NodeID,
			Address:            s.peerAddrs[p.NodeID],
			MatchIndex:         p.MatchIndex,
			NextIndex:          p.NextIndex,
			Lag:                lag,
			Slicing:            p.Slicing,
			InstallingSnapshot: p.InstallingSnapshot,
		})
	}
	return info, nil
}

// BecomePersistent switches the node to its durable backend.
func (s *Server) BecomePersistent(ctx context.Context, _ *Empty) (*BecomePersistentResponse, error) {
	if s.raft == nil {
		return nil, status.Error(codes.Unimplemented, "no consensus node attached")
	}
	switched, err := s.raft.BecomePersistent(ctx)
	if err != nil {
		return nil, s.toGRPCStatus(ctx, err)
	}
	return &BecomePersistentResponse{Switched: switched}, nil
}

// ChangeVotingConfig proposes a new voting member set. Only the leader accepts it.
func (s *Server) ChangeVotingConfig(ctx context.Context, req *ChangeConfigRequest) (*ChangeConfigResponse, error) {
	if s.raft == nil {
		return nil, status.Error(codes.Unimplemented, "no consensus node attached")
	}
	if len(req.Members) == 0 {
		return nil, status.Error(codes.InvalidArgument, "members must not be empty")
	}
	index, err := s.raft.ChangeVotingConfig(ctx, req.Members)
	if err != nil {
		return nil, s.toGRPCStatus(ctx, err)
	}
	return &ChangeConfigResponse{Index: index}, nil
}

func (s *Server) toGRPCStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, raftconsensus.ErrNotLeader):
		if leader := s.raft.AdminState().LeaderID; leader != "" {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(leaderTrailer, leader))
		}
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, raftconsensus.ErrConfigChangeInProgress):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, raftconsensus.ErrNodeDegraded), errors.Is(err, raftconsensus.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func peerInfosFromMap(peerAddrs map[string]string) []PeerInfo {
	if len(peerAddrs) == 0 {
		return nil
	}
	out := make([]PeerInfo, 0, len(peerAddrs))
	for _, id := range slices.Sorted(maps.Keys(peerAddrs)) {
		out = append(out, PeerInfo{NodeID: id, Address: peerAddrs[id]})
	}
	return out
}

func nonNegative(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

package raftgrpc

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/hashicorp/go-multierror"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
)

// DialPeers opens one client per peer, in node id order. If any dial fails the
// clients opened so far are closed.
func DialPeers(addresses map[string]string, tracer oteltrace.Tracer, opts ...grpc.DialOption) (map[string]raft.PeerClient, error) {
	peers := make(map[string]raft.PeerClient, len(addresses))
	for _, id := range slices.Sorted(maps.Keys(addresses)) {
		addr := strings.TrimSpace(addresses[id])
		if addr == "" {
			_ = ClosePeers(peers)
			return nil, fmt.Errorf("peer %s has no address", id)
		}
		pc, err := Dial(addr, tracer, opts...)
		if err != nil {
			_ = ClosePeers(peers)
			return nil, fmt.Errorf("dial peer %s at %s: %w", id, addr, err)
		}
		peers[id] = pc
	}
	return peers, nil
}

// ClosePeers closes every client and reports all close failures together.
func ClosePeers(peers map[string]raft.PeerClient) error {
	var result *multierror.Error
	for _, id := range slices.Sorted(maps.Keys(peers)) {
		if err := peers[id].Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close peer %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

package admingrpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/raftengine/internal/transport/grpc/wirecodec"
)

// ErrNotLeader is returned when a config change reaches a non-leader.
var ErrNotLeader = errors.New("admin: node is not the leader")

// NotLeaderError carries the leader hint of a rejected config change.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader %s)", ErrNotLeader, e.LeaderID)
}

// Is reports whether target is ErrNotLeader.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// Client talks to the admin service of a single node.
type Client struct {
	target string
	conn   *grpc.ClientConn
}

// Dial connects to an admin gRPC server at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wirecodec.Name)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("admin client: dial %s: %w", target, err)
	}
	return &Client{target: target, conn: conn}, nil
}

// Target returns the address the client was dialed with.
func (c *Client) Target() string { return c.target }

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NodeInfo fetches the node's administrative view.
func (c *Client) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	resp := new(NodeInfo)
	if err := c.conn.Invoke(ctx, methodGetNodeInfo, &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// BecomePersistent asks the node to switch to its durable backend.
func (c *Client) BecomePersistent(ctx context.Context) (bool, error) {
	resp := new(BecomePersistentResponse)
	if err := c.conn.Invoke(ctx, methodBecomePersistent, &Empty{}, resp); err != nil {
		return false, err
	}
	return resp.Switched, nil
}

// ChangeVotingConfig proposes a new voting member set on the node, which
// must be the leader.
func (c *Client) ChangeVotingConfig(ctx context.Context, members []string) (uint64, error) {
	var trailer metadata.MD
	resp := new(ChangeConfigResponse)
	err := c.conn.Invoke(ctx, methodChangeVotingConfig, &ChangeConfigRequest{Members: members}, resp, grpc.Trailer(&trailer))
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
			nle := &NotLeaderError{}
			if v := trailer.Get(leaderTrailer); len(v) > 0 {
				nle.LeaderID = v[0]
			}
			return 0, nle
		}
		return 0, err
	}
	return resp.Index, nil
}

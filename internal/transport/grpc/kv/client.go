// Package kvgrpc contains the KV gRPC client and server adapters.
package kvgrpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/i-melnichenko/raftengine/internal/transport/grpc/wirecodec"
)

// ErrNotLeader is returned when the targeted node is not the Raft leader.
var ErrNotLeader = errors.New("kv: node is not the leader")

// ErrNoLeader is returned by ClusterClient when no node in the cluster
// accepted a write: either no leader is elected yet or all nodes are down.
var ErrNoLeader = errors.New("kv: no leader found in cluster")

// NotLeaderError is returned by Client writes rejected by a follower.
// LeaderID is the follower's leader hint, empty when unknown.
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

// Client talks to a single KV node.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a KV gRPC server at target.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wirecodec.Name)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv client: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Get fetches a key from a KV node's local state.
func (c *Client) Get(ctx context.Context, key string) (value string, found bool, err error) {
	resp := new(GetResponse)
	if err := c.conn.Invoke(ctx, methodGet, &GetRequest{Key: key}, resp); err != nil {
		return "", false, err
	}
	return resp.Value, resp.Found, nil
}

// Put sends a write request to a KV node.
func (c *Client) Put(ctx context.Context, key, value string) (index uint64, err error) {
	return c.write(ctx, methodPut, &PutRequest{Key: key, Value: value})
}

// Delete sends a delete request to a KV node.
func (c *Client) Delete(ctx context.Context, key string) (index uint64, err error) {
	return c.write(ctx, methodDelete, &DeleteRequest{Key: key})
}

func (c *Client) write(ctx context.Context, method string, req any) (uint64, error) {
	var trailer metadata.MD
	resp := new(WriteResponse)
	if err := c.conn.Invoke(ctx, method, req, resp, grpc.Trailer(&trailer)); err != nil {
		return 0, fromGRPCStatus(err, trailer)
	}
	return resp.Index, nil
}

func fromGRPCStatus(err error, trailer metadata.MD) error {
	if st, ok := status.FromError(err); ok && st.Code() == codes.FailedPrecondition {
		nle := &NotLeaderError{}
		if v := trailer.Get(leaderTrailer); len(v) > 0 {
			nle.LeaderID = v[0]
		}
		return nle
	}
	return err
}

// ClusterClient holds one Client per node. Reads go to any node in random
// order. Writes start at the node that last accepted a write and follow
// not-leader hints before falling back to the remaining nodes.
type ClusterClient struct {
	ids     []string
	clients map[string]*Client
	leader  atomic.Value // string
}

// DialCluster creates clients for every node, keyed by node ID. gRPC connects
// lazily, so unreachable nodes do not fail the dial.
func DialCluster(addrs map[string]string, opts ...grpc.DialOption) (*ClusterClient, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kv cluster client: no addresses provided")
	}
	cc := &ClusterClient{
		ids:     slices.Sorted(maps.Keys(addrs)),
		clients: make(map[string]*Client, len(addrs)),
	}
	cc.leader.Store("")
	for _, id := range cc.ids {
		c, err := Dial(addrs[id], opts...)
		if err != nil {
			_ = cc.Close()
			return nil, err
		}
		cc.clients[id] = c
	}
	return cc, nil
}

// Close closes every node connection.
func (c *ClusterClient) Close() error {
	var result *multierror.Error
	for _, id := range c.ids {
		client, ok := c.clients[id]
		if !ok {
			continue
		}
		if err := client.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Get returns the first successful local read. Reads do not need the leader.
func (c *ClusterClient) Get(ctx context.Context, key string) (string, bool, error) {
	var result *multierror.Error
	for _, i := range rand.Perm(len(c.ids)) {
		id := c.ids[i]
		value, found, err := c.clients[id].Get(ctx, key)
		if err == nil {
			return value, found, nil
		}
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", id, err))
	}
	return "", false, fmt.Errorf("kv: all %d nodes unavailable: %w", len(c.ids), result.ErrorOrNil())
}

// Put forwards the write to the Raft leader.
func (c *ClusterClient) Put(ctx context.Context, key, value string) (uint64, error) {
	return c.writeToLeader(ctx, func(client *Client) (uint64, error) {
		return client.Put(ctx, key, value)
	})
}

// Delete forwards the write to the Raft leader.
func (c *ClusterClient) Delete(ctx context.Context, key string) (uint64, error) {
	return c.writeToLeader(ctx, func(client *Client) (uint64, error) {
		return client.Delete(ctx, key)
	})
}

// writeToLeader visits each node at most once. A not-leader reply that names
// a known node jumps that node to the front of the queue.
func (c *ClusterClient) writeToLeader(ctx context.Context, fn func(*Client) (uint64, error)) (uint64, error) {
	queue := c.writeOrder()
	visited := make(map[string]bool, len(queue))
	var attempts *multierror.Error
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		index, err := fn(c.clients[id])
		if err == nil {
			c.leader.Store(id)
			return index, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		attempts = multierror.Append(attempts, fmt.Errorf("%s: %w", id, err))

		var nle *NotLeaderError
		if !errors.As(err, &nle) {
			continue
		}
		c.leader.CompareAndSwap(id, "")
		if _, known := c.clients[nle.LeaderID]; known && !visited[nle.LeaderID] {
			queue = slices.Insert(queue, 0, nle.LeaderID)
		}
	}
	return 0, fmt.Errorf("%w: %w", ErrNoLeader, attempts.ErrorOrNil())
}

// writeOrder puts the cached leader first, then the other nodes shuffled.
func (c *ClusterClient) writeOrder() []string {
	hint, _ := c.leader.Load().(string)
	order := make([]string, 0, len(c.ids))
	if _, ok := c.clients[hint]; ok {
		order = append(order, hint)
	}
	for _, i := range rand.Perm(len(c.ids)) {
		if c.ids[i] != hint {
			order = append(order, c.ids[i])
		}
	}
	return order
}

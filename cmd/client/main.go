// Package main implements the CLI client for the replicated KV service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	kvgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/kv"
)

type globalFlags struct {
	addr    string
	timeout time.Duration
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		cancel()
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Client for a raftengine KV cluster",
		Long: `Client for a raftengine KV cluster.

Addresses are the nodes' client gRPC endpoints, given as "id=host:port" or
"host:port". Reads go to a random node; writes and voting config changes
follow leader hints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&g.addr, "addr", "localhost:8080", "comma-separated client gRPC addresses")
	cmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 5*time.Second, "request timeout")

	cmd.AddCommand(
		newGetCommand(g),
		newPutCommand(g),
		newDeleteCommand(g),
		newBatchCommand(g),
		newStatusCommand(g),
		newWatchCommand(g),
		newPersistCommand(g),
		newConfigCommand(g),
	)
	return cmd
}

func dialOptions() []grpc.DialOption {
	return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
}

func (g *globalFlags) cluster() (*kvgrpc.ClusterClient, error) {
	addrs, err := parseAddrs(g.addr)
	if err != nil {
		return nil, err
	}
	return kvgrpc.DialCluster(addrs, dialOptions()...)
}

// parseAddrs accepts "id=host:port" or "host:port" entries. Without an id the
// address doubles as the node id.
func parseAddrs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, addr := p, p
		if left, right, ok := strings.Cut(p, "="); ok {
			id, addr = strings.TrimSpace(left), strings.TrimSpace(right)
		}
		if id == "" || addr == "" {
			return nil, fmt.Errorf("invalid address %q", p)
		}
		if _, dup := out[id]; dup {
			return nil, fmt.Errorf("duplicate node id %q", id)
		}
		out[id] = addr
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses given")
	}
	return out, nil
}

func oneLineErr(err error) string {
	if err == nil {
		return ""
	}
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

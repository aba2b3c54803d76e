package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	kvgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/kv"
)

var errNoLeader = errors.New("no leader available, cluster may be degraded")

func newGetCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key from any node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, func(ctx context.Context, c *kvgrpc.ClusterClient) error {
				value, found, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "(not found) %s\n", args[0])
					return nil
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], value)
				return nil
			})
		},
	}
}

func newPutCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Write a key through the leader",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, func(ctx context.Context, c *kvgrpc.ClusterClient) error {
				index, err := c.Put(ctx, args[0], args[1])
				return printWrite(cmd, index, err)
			})
		},
	}
}

func newDeleteCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a key through the leader",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, func(ctx context.Context, c *kvgrpc.ClusterClient) error {
				index, err := c.Delete(ctx, args[0])
				return printWrite(cmd, index, err)
			})
		},
	}
}

func withCluster(cmd *cobra.Command, g *globalFlags, fn func(context.Context, *kvgrpc.ClusterClient) error) error {
	client, err := g.cluster()
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()
	return fn(ctx, client)
}

func printWrite(cmd *cobra.Command, index uint64, err error) error {
	if errors.Is(err, kvgrpc.ErrNoLeader) {
		return errNoLeader
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok (index %d)\n", index)
	return nil
}

// newBatchCommand runs many operations over one long-lived client and prints
// one TSV result line per input line: status, seq, latency, detail.
func newBatchCommand(g *globalFlags) *cobra.Command {
	var inPath string
	cmd := &cobra.Command{
		Use:   "batch <get|put|delete>",
		Short: "Run many operations from a file or stdin",
		Long: `Run many operations from a file or stdin.

get and delete read one key per line; put reads key<TAB>value lines.
Each input line produces "ok|notfound|timeout|err <TAB> seq <TAB> latency_us <TAB> ...".`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"get", "put", "delete"},
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := batchOp(args[0])
			if err != nil {
				return err
			}
			client, err := g.cluster()
			if err != nil {
				return err
			}
			defer func() { _ = client.Close() }()

			r, closeFn, err := openInput(inPath)
			if err != nil {
				return err
			}
			defer closeFn()
			return runBatch(cmd, client, g.timeout, r, op)
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "-", "input path, use - for stdin")
	return cmd
}

type batchFunc func(ctx context.Context, c *kvgrpc.ClusterClient, line string) (result string, err error)

func batchOp(name string) (batchFunc, error) {
	switch name {
	case "get":
		return func(ctx context.Context, c *kvgrpc.ClusterClient, key string) (string, error) {
			value, found, err := c.Get(ctx, key)
			if err != nil {
				return "", err
			}
			if !found {
				return fmt.Sprintf("notfound\t%s\t0", key), nil
			}
			return fmt.Sprintf("ok\t%s\t%d", key, len(value)), nil
		}, nil
	case "put":
		return func(ctx context.Context, c *kvgrpc.ClusterClient, line string) (string, error) {
			key, value, ok := strings.Cut(line, "\t")
			if !ok {
				return "", fmt.Errorf("invalid_tsv_line")
			}
			index, err := c.Put(ctx, key, value)
			if err != nil {
				return "", fmt.Errorf("%s\t%w", key, err)
			}
			return fmt.Sprintf("ok\t%s\t%d", key, index), nil
		}, nil
	case "delete":
		return func(ctx context.Context, c *kvgrpc.ClusterClient, key string) (string, error) {
			index, err := c.Delete(ctx, key)
			if err != nil {
				return "", fmt.Errorf("%s\t%w", key, err)
			}
			return fmt.Sprintf("ok\t%s\t%d", key, index), nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown batch operation %q", name)
	}
}

func runBatch(cmd *cobra.Command, c *kvgrpc.ClusterClient, timeout time.Duration, r io.Reader, op batchFunc) error {
	scanner := bufio.NewScanner(r)
	seq := 0
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		seq++
		start := time.Now()
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		result, err := op(ctx, c, strings.TrimRight(line, "\r"))
		cancel()
		us := time.Since(start).Microseconds()

		switch {
		case err == nil:
			state, rest, _ := strings.Cut(result, "\t")
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%d\t%s\n", state, seq, us, rest)
		case errors.Is(err, context.DeadlineExceeded), status.Code(err) == codes.DeadlineExceeded:
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "timeout\t%d\t%d\t%s\n", seq, us, oneLineErr(err))
		default:
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "err\t%d\t%d\t%s\n", seq, us, oneLineErr(err))
		}
	}
	return scanner.Err()
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	// #nosec G304 -- CLI intentionally reads a user-provided local input file.
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

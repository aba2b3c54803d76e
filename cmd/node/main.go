// Package main implements the node process that runs Raft and the KV gRPC API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	apppkg "github.com/i-melnichenko/raftengine/internal/app"
	"github.com/i-melnichenko/raftengine/internal/consensus"
	raftconsensus "github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/kv"
	"github.com/i-melnichenko/raftengine/internal/observability/metrics"
	"github.com/i-melnichenko/raftengine/internal/service"
	admingrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/admin"
	kvgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/kv"
	raftgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/raft"
)

const applyBuffer = 256

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := apppkg.LoadConfigFromEnv()
	if err != nil {
		return err
	}

	slog.SetDefault(newLogger(cfg.LogLevel))
	logger := slog.Default()

	peerAddrs, err := cfg.PeerAddrMap()
	if err != nil {
		return err
	}
	delete(peerAddrs, cfg.NodeID) // exclude self if listed

	prom, err := metrics.NewPrometheus(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	control, err := apppkg.OpenStorage(cfg, logger)
	if err != nil {
		return err
	}

	peers, err := raftgrpc.DialPeers(
		peerAddrs,
		otel.Tracer("raftengine/transport/raft"),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		_ = control.Close()
		return err
	}

	applyCh := make(chan consensus.ApplyMsg, applyBuffer)
	node, err := raftconsensus.NewNode(
		cfg.RaftConfig(),
		peers,
		applyCh,
		control,
		logger,
		otel.Tracer("raftengine/raft"),
		prom,
	)
	if err != nil {
		_ = raftgrpc.ClosePeers(peers)
		_ = control.Close()
		return err
	}

	store := kv.NewStore(otel.Tracer("raftengine/kv"))
	kvSvc := service.NewKV(node, store, logger, otel.Tracer("raftengine/service"), prom, cfg.NodeID)

	app, err := apppkg.New(cfg, logger, node, kvSvc, apppkg.Servers{
		Raft:  raftgrpc.NewServer(node, otel.Tracer("raftengine/transport/raft")),
		KV:    kvgrpc.NewServer(kvSvc),
		Admin: admingrpc.NewServer(cfg.NodeID, string(cfg.ConsensusType), peerAddrs, node),
	}, control)
	if err != nil {
		node.Stop()
		_ = control.Close()
		return err
	}
	defer app.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return app.Run(ctx)
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

// Package app wires the consensus node, state machine, and transports together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/i-melnichenko/raftengine/internal/consensus"
	"github.com/i-melnichenko/raftengine/internal/service"
	admingrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/admin"
	kvgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/kv"
	raftgrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/raft"
)

// Logger is the logging interface required by App.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Servers groups the gRPC service adapters exposed by a node.
type Servers struct {
	Raft  *raftgrpc.Server
	KV    *kvgrpc.Server
	Admin *admingrpc.Server
}

// App wires consensus and the KV state machine into a runnable service.
// All dependencies are injected; App does not create transport connections.
type App struct {
	config    Config
	logger    Logger
	consensus consensus.Consensus
	kv        *service.KV
	servers   Servers
	storage   io.Closer
}

// New validates dependencies and constructs a runnable application. storage
// is closed by Stop after consensus has stopped; it may be nil.
func New(
	cfg Config,
	logger Logger,
	c consensus.Consensus,
	kvSvc *service.KV,
	servers Servers,
	storage io.Closer,
) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("app: nil logger")
	}
	if c == nil {
		return nil, fmt.Errorf("app: nil consensus")
	}
	if kvSvc == nil {
		return nil, fmt.Errorf("app: nil kv service")
	}
	if servers.Raft == nil {
		return nil, fmt.Errorf("app: nil raft server")
	}
	if servers.KV == nil {
		return nil, fmt.Errorf("app: nil kv server")
	}
	if servers.Admin == nil {
		return nil, fmt.Errorf("app: nil admin server")
	}
	return &App{
		config:    cfg,
		logger:    logger,
		consensus: c,
		kv:        kvSvc,
		servers:   servers,
		storage:   storage,
	}, nil
}

// Stop stops the consensus engine and closes storage.
func (a *App) Stop() {
	a.consensus.Stop()
	if a.storage == nil {
		return
	}
	if err := a.storage.Close(); err != nil {
		a.logger.Warn("storage close failed", "node_id", a.config.NodeID, "error", err)
	}
}

// Run starts consensus and the gRPC and HTTP servers and blocks until
// shutdown or a fatal error.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := a.initTracing(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	raftLis, err := net.Listen("tcp", a.config.RaftGRPCAddr)
	if err != nil {
		return fmt.Errorf("listen raft grpc %s: %w", a.config.RaftGRPCAddr, err)
	}
	clientLis, err := net.Listen("tcp", a.config.ClientGRPCAddr)
	if err != nil {
		_ = raftLis.Close()
		return fmt.Errorf("listen client grpc %s: %w", a.config.ClientGRPCAddr, err)
	}

	httpServers, err := a.httpServers()
	if err != nil {
		_ = raftLis.Close()
		_ = clientLis.Close()
		return err
	}

	a.consensus.Run(ctx)
	a.logger.Info(
		"node started",
		"node_id", a.config.NodeID,
		"consensus_type", a.config.ConsensusType,
		"raft_grpc_addr", a.config.RaftGRPCAddr,
		"client_grpc_addr", a.config.ClientGRPCAddr,
		"persistent", a.config.Persistent,
	)

	return a.serve(ctx, raftLis, clientLis, httpServers)
}

// serve registers gRPC services, starts goroutines, and blocks until ctx is
// canceled or one of them fails.
func (a *App) serve(ctx context.Context, raftLis, clientLis net.Listener, httpServers []httpServer) error {
	raftServer := grpc.NewServer()
	raftgrpc.Register(raftServer, a.servers.Raft)

	clientServer := grpc.NewServer()
	kvgrpc.Register(clientServer, a.servers.KV)
	admingrpc.Register(clientServer, a.servers.Admin)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.kv.RunApplyLoop(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("kv apply loop: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := raftServer.Serve(raftLis); err != nil {
			return fmt.Errorf("raft grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := clientServer.Serve(clientLis); err != nil {
			return fmt.Errorf("client grpc serve: %w", err)
		}
		return nil
	})
	for _, hs := range httpServers {
		g.Go(func() error {
			if err := hs.srv.Serve(hs.lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s serve: %w", hs.name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		clientServer.GracefulStop()
		raftServer.GracefulStop()
		for _, hs := range httpServers {
			shutdownHTTPServer(hs.srv, a.logger, hs.name)
		}
		return nil
	})

	return g.Wait()
}

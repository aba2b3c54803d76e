package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	raftconsensus "github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/consensus/raft/journal"
	"github.com/i-melnichenko/raftengine/internal/kv"
)

// ConsensusType selects the consensus implementation used by the node.
type ConsensusType string

// Supported consensus engine types.
const (
	ConsensusTypeRaft ConsensusType = "raft"
)

// Config contains runtime settings for a node process.
type Config struct {
	NodeID        string
	ConsensusType ConsensusType
	LogLevel      string

	// ClientGRPCAddr serves the KV and admin APIs.
	ClientGRPCAddr string
	// RaftGRPCAddr serves peer-to-peer Raft RPCs.
	RaftGRPCAddr string
	DataDir      string

	PeerAddrs []string

	// Persistent starts the node on its durable backend. Otherwise the node
	// runs on the disabled backend until an operator calls BecomePersistent.
	Persistent   bool
	JournalCodec journal.Codec

	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	MaxSliceSize       uint64

	// SnapshotBatchCount requests a snapshot after this many entries.
	// Zero disables the count trigger.
	SnapshotBatchCount    uint64
	SnapshotByteThreshold uint64

	MetricsAddr string
	PprofAddr   string

	TracingEnabled     bool
	TracingEndpoint    string
	TracingServiceName string
}

// DefaultConfig returns a local-development configuration.
func DefaultConfig() Config {
	rc := raftconsensus.DefaultConfig("node-1")
	return Config{
		NodeID:                "node-1",
		ConsensusType:         ConsensusTypeRaft,
		LogLevel:              "info",
		ClientGRPCAddr:        ":8080",
		RaftGRPCAddr:          ":9090",
		DataDir:               "./var/node-1",
		Persistent:            true,
		JournalCodec:          journal.CodecNone,
		ElectionTimeoutMin:    rc.ElectionTimeoutMin,
		ElectionTimeoutMax:    rc.ElectionTimeoutMax,
		HeartbeatInterval:     rc.HeartbeatInterval,
		MaxSliceSize:          uint64(rc.MaxSliceSize), //nolint:gosec // positive default
		SnapshotBatchCount:    rc.SnapshotBatchCount,
		SnapshotByteThreshold: uint64(rc.SnapshotByteThreshold), //nolint:gosec // positive default
		TracingEndpoint:       "localhost:4317",
		TracingServiceName:    "raftengine",
	}
}

// LoadConfigFromEnv loads config from environment variables.
//
// Supported vars:
// - APP_NODE_ID
// - APP_CONSENSUS_TYPE (must be "raft")
// - APP_LOG_LEVEL (debug|info|warn|error)
// - APP_CLIENT_GRPC_ADDR
// - APP_RAFT_GRPC_ADDR
// - APP_DATA_DIR
// - APP_PEERS (comma-separated "id=host:port" or "host:port")
// - APP_PERSISTENT (bool)
// - APP_JOURNAL_CODEC (none|snappy)
// - APP_ELECTION_TIMEOUT_MIN, APP_ELECTION_TIMEOUT_MAX, APP_HEARTBEAT_INTERVAL (durations)
// - APP_MAX_SLICE_SIZE (bytes, e.g. "1MiB", 0 = no slicing)
// - APP_SNAPSHOT_BATCH_COUNT (uint, 0 = disabled)
// - APP_SNAPSHOT_BYTE_THRESHOLD (bytes, e.g. "64MiB", 0 = disabled)
// - APP_METRICS_ADDR, APP_PPROF_ADDR (empty = disabled)
// - APP_TRACING_ENABLED, APP_TRACING_ENDPOINT, APP_TRACING_SERVICE_NAME
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error

	cfg.NodeID = envString("APP_NODE_ID", cfg.NodeID)
	cfg.ConsensusType = ConsensusType(envString("APP_CONSENSUS_TYPE", string(cfg.ConsensusType)))
	cfg.LogLevel = strings.ToLower(envString("APP_LOG_LEVEL", cfg.LogLevel))
	cfg.ClientGRPCAddr = envString("APP_CLIENT_GRPC_ADDR", cfg.ClientGRPCAddr)
	cfg.RaftGRPCAddr = envString("APP_RAFT_GRPC_ADDR", cfg.RaftGRPCAddr)
	cfg.DataDir = envString("APP_DATA_DIR", cfg.DataDir)
	if v := envString("APP_PEERS", ""); v != "" {
		cfg.PeerAddrs = splitCSV(v)
	}
	if cfg.Persistent, err = envBool("APP_PERSISTENT", cfg.Persistent); err != nil {
		return Config{}, err
	}
	if v := envString("APP_JOURNAL_CODEC", ""); v != "" {
		if cfg.JournalCodec, err = journal.ParseCodec(v); err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_JOURNAL_CODEC: %w", err)
		}
	}
	if cfg.ElectionTimeoutMin, err = envDuration("APP_ELECTION_TIMEOUT_MIN", cfg.ElectionTimeoutMin); err != nil {
		return Config{}, err
	}
	if cfg.ElectionTimeoutMax, err = envDuration("APP_ELECTION_TIMEOUT_MAX", cfg.ElectionTimeoutMax); err != nil {
		return Config{}, err
	}
	if cfg.HeartbeatInterval, err = envDuration("APP_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval); err != nil {
		return Config{}, err
	}
	if cfg.MaxSliceSize, err = envBytes("APP_MAX_SLICE_SIZE", cfg.MaxSliceSize); err != nil {
		return Config{}, err
	}
	if v := envString("APP_SNAPSHOT_BATCH_COUNT", ""); v != "" {
		if cfg.SnapshotBatchCount, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("app: invalid APP_SNAPSHOT_BATCH_COUNT %q: %w", v, err)
		}
	}
	if cfg.SnapshotByteThreshold, err = envBytes("APP_SNAPSHOT_BYTE_THRESHOLD", cfg.SnapshotByteThreshold); err != nil {
		return Config{}, err
	}
	cfg.MetricsAddr = envString("APP_METRICS_ADDR", cfg.MetricsAddr)
	cfg.PprofAddr = envString("APP_PPROF_ADDR", cfg.PprofAddr)
	if cfg.TracingEnabled, err = envBool("APP_TRACING_ENABLED", cfg.TracingEnabled); err != nil {
		return Config{}, err
	}
	cfg.TracingEndpoint = envString("APP_TRACING_ENDPOINT", cfg.TracingEndpoint)
	cfg.TracingServiceName = envString("APP_TRACING_SERVICE_NAME", cfg.TracingServiceName)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and supported.
func (c Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return fmt.Errorf("app: node id is required")
	}
	switch c.ConsensusType {
	case ConsensusTypeRaft:
	default:
		return fmt.Errorf("app: unsupported consensus type %q", c.ConsensusType)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app: unsupported log level %q", c.LogLevel)
	}
	if strings.TrimSpace(c.ClientGRPCAddr) == "" {
		return fmt.Errorf("app: client grpc addr is required")
	}
	if strings.TrimSpace(c.RaftGRPCAddr) == "" {
		return fmt.Errorf("app: raft grpc addr is required")
	}
	if c.ClientGRPCAddr == c.RaftGRPCAddr {
		return fmt.Errorf("app: client and raft grpc addrs must differ")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("app: data dir is required")
	}
	if c.TracingEnabled && strings.TrimSpace(c.TracingEndpoint) == "" {
		return fmt.Errorf("app: tracing endpoint is required when tracing is enabled")
	}
	if _, err := c.PeerAddrMap(); err != nil {
		return err
	}
	return c.RaftConfig().Validate()
}

// RaftConfig derives the Raft node configuration.
func (c Config) RaftConfig() raftconsensus.Config {
	rc := raftconsensus.DefaultConfig(c.NodeID)
	rc.ElectionTimeoutMin = c.ElectionTimeoutMin
	rc.ElectionTimeoutMax = c.ElectionTimeoutMax
	rc.HeartbeatInterval = c.HeartbeatInterval
	rc.MaxSliceSize = clampInt(c.MaxSliceSize)
	rc.SnapshotBatchCount = c.SnapshotBatchCount
	rc.SnapshotByteThreshold = int64(clampInt(c.SnapshotByteThreshold))
	rc.SnapshotStateType = kv.StateType
	return rc
}

// PeerAddrMap parses PeerAddrs into a map of peer-id -> address.
// Each entry is either "host:port" (peer ID equals address) or "peer-id=host:port".
func (c Config) PeerAddrMap() (map[string]string, error) {
	out := make(map[string]string, len(c.PeerAddrs))
	for _, raw := range c.PeerAddrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		id := raw
		addr := raw
		if left, right, ok := strings.Cut(raw, "="); ok {
			id = strings.TrimSpace(left)
			addr = strings.TrimSpace(right)
		}

		if id == "" || addr == "" {
			return nil, fmt.Errorf("app: invalid peer entry %q", raw)
		}
		if _, exists := out[id]; exists {
			return nil, fmt.Errorf("app: duplicate peer id %q", id)
		}
		out[id] = addr
	}
	return out, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("app: invalid %s %q: %w", key, v, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("app: invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// envBytes accepts plain integers and human sizes such as "64KB" or "1MiB".
func envBytes(key string, def uint64) (uint64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("app: invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func clampInt(v uint64) int {
	const maxInt = int(^uint(0) >> 1)
	if v > uint64(maxInt) {
		return maxInt
	}
	return int(v)
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

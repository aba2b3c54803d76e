package raft

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the tunables of a Raft node.
type Config struct {
	// ID is this node's member identifier.
	ID string

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// election timeout.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	// HeartbeatInterval must be strictly shorter than ElectionTimeoutMin.
	HeartbeatInterval time.Duration

	// MaxSliceSize is the largest entry payload sent in a single
	// AppendEntries. It bounds the command bytes only; entry framing and
	// message headers are not counted. Larger payloads are sliced. Snapshot
	// chunks use the same limit. Zero disables slicing.
	MaxSliceSize int
	// SliceTimeout is how long a partially transferred entry may go without
	// progress before the slicing round is restarted.
	SliceTimeout time.Duration
	// MaxEntriesPerAppend caps the number of entries in one AppendEntries.
	MaxEntriesPerAppend int

	// SnapshotBatchCount requests a capture once this many entries follow
	// the last snapshot. Zero disables the count trigger.
	SnapshotBatchCount uint64
	// SnapshotByteThreshold requests a capture once retained entry payloads
	// reach this many bytes. Zero disables the size trigger.
	SnapshotByteThreshold int64
	// SnapshotStateType is recorded in snapshots to name the application
	// state encoding.
	SnapshotStateType string

	// InitialMembers is the voting set used when no configuration has been
	// persisted yet. When empty, the node and its peers form the set.
	InitialMembers []string
}

// DefaultConfig returns a configuration with defaults suitable for a LAN cluster.
func DefaultConfig(id string) Config {
	return Config{
		ID:                    id,
		ElectionTimeoutMin:    150 * time.Millisecond,
		ElectionTimeoutMax:    300 * time.Millisecond,
		HeartbeatInterval:     50 * time.Millisecond,
		MaxSliceSize:          1 << 20,
		SliceTimeout:          2 * time.Second,
		MaxEntriesPerAppend:   256,
		SnapshotBatchCount:    10000,
		SnapshotByteThreshold: 64 << 20,
		SnapshotStateType:     "application",
	}
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("raft: node id is required")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("raft: invalid election timeout range [%s, %s]", c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("raft: heartbeat interval %s must be positive and shorter than election timeout %s",
			c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	if c.MaxSliceSize < 0 {
		return fmt.Errorf("raft: max slice size must not be negative")
	}
	if c.MaxSliceSize > 0 && c.SliceTimeout <= 0 {
		return fmt.Errorf("raft: slice timeout must be positive when slicing is enabled")
	}
	if c.MaxEntriesPerAppend <= 0 {
		return fmt.Errorf("raft: max entries per append must be positive")
	}
	if c.SnapshotByteThreshold < 0 {
		return fmt.Errorf("raft: snapshot byte threshold must not be negative")
	}
	for _, m := range c.InitialMembers {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("raft: empty initial member id")
		}
	}
	return nil
}

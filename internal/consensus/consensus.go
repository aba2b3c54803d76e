// Package consensus defines the minimal interface between the replicated state
// machine and a consensus implementation.
package consensus

import "context"

// Consensus is the interface implemented by the active consensus engine (Raft).
type Consensus interface {
	Run(ctx context.Context)
	// StartCommand proposes cmd. index and term identify the entry the
	// command occupies; it was applied only if the entry later applied at
	// index carries the same term.
	StartCommand(cmd []byte) (index, term uint64, isLeader bool)
	ApplyCh() <-chan ApplyMsg
	IsLeader() bool
	// Leader returns the last known leader id, empty when unknown.
	Leader() string
	Snapshot(index uint64, data []byte) error
	Stop()
}

// ApplyMsg is delivered by the consensus layer to the state machine.
//
// Exactly one of CommandValid, SnapshotValid and SnapshotRequested is set.
type ApplyMsg struct {
	CommandValid bool
	Command      []byte
	CommandIndex uint64
	CommandTerm  uint64

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex uint64
	SnapshotTerm  uint64

	// SnapshotRequested asks the state machine to capture its state once it
	// has applied SnapshotIndex and hand it back through Consensus.Snapshot.
	SnapshotRequested bool
}

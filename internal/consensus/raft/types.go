package raft

import (
	"errors"
	"fmt"
	"slices"
)

// Role is the current Raft role of a node.
type Role int

// Node roles in the Raft state machine.
const (
	Follower Role = iota
	Candidate
	PreLeader
	Leader
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case PreLeader:
		return "pre-leader"
	case Leader:
		return "leader"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// NodeStatus reports operational health of the node runtime.
type NodeStatus string

// Runtime health states exposed by Status.
const (
	NodeStatusHealthy  NodeStatus = "healthy"
	NodeStatusDegraded NodeStatus = "degraded"
)

// EntryType identifies the kind of Raft log entry payload.
type EntryType uint8

// Supported Raft log entry types.
const (
	EntryCommand      EntryType = 0
	EntryNoop         EntryType = 1
	EntryVotingConfig EntryType = 2
)

// String implements fmt.Stringer.
func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "command"
	case EntryNoop:
		return "noop"
	case EntryVotingConfig:
		return "voting-config"
	default:
		return fmt.Sprintf("entry-type(%d)", uint8(t))
	}
}

// EntryInfo identifies a log position.
type EntryInfo struct {
	Index uint64
	Term  uint64
}

// LogEntry is a single entry in the Raft replicated log.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Type    EntryType
	Command []byte
}

// Info returns the entry's log position.
func (e LogEntry) Info() EntryInfo {
	return EntryInfo{Index: e.Index, Term: e.Term}
}

// Size is the logical size of the entry: the length of its payload.
func (e LogEntry) Size() int {
	return len(e.Command)
}

// SerializedSize is the length of the entry's wire encoding.
func (e LogEntry) SerializedSize() int {
	return len(appendLogEntry(nil, e))
}

func (e LogEntry) clone() LogEntry {
	e.Command = slices.Clone(e.Command)
	return e
}

// VotingConfig is the set of members entitled to vote.
type VotingConfig struct {
	Members []string
}

// Contains reports whether id is a voting member.
func (c VotingConfig) Contains(id string) bool {
	return slices.Contains(c.Members, id)
}

// QuorumSize returns the strict majority of the voting set.
func (c VotingConfig) QuorumSize() int {
	return len(c.Members)/2 + 1
}

// Clone returns a deep copy with members sorted.
func (c VotingConfig) Clone() VotingConfig {
	members := slices.Clone(c.Members)
	slices.Sort(members)
	return VotingConfig{Members: slices.Compact(members)}
}

// IsEmpty reports whether the config has no members.
func (c VotingConfig) IsEmpty() bool {
	return len(c.Members) == 0
}

// HardState stores persistent Raft metadata required across restarts.
type HardState struct {
	CurrentTerm uint64
	VotedFor    string
	CommitIndex uint64
	Config      VotingConfig
}

// Snapshot is a durable point-in-time capture of application state.
type Snapshot struct {
	LastIncluded EntryInfo
	// StateType names the application state encoding carried in Data.
	StateType string
	Config    VotingConfig
	Data      []byte
}

// RequestVoteRequest is sent by candidates during leader election.
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteResponse is returned by peers in response to RequestVote.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// EntrySlice carries one fixed-size piece of an entry whose payload exceeds
// the maximum message slice size.
type EntrySlice struct {
	EntryIndex  uint64
	EntryTerm   uint64
	EntryType   EntryType
	SliceIndex  uint32
	TotalSlices uint32
	// SliceHash is the xxhash64 of the complete payload. It is identical in
	// every slice of the same round.
	SliceHash uint64
	Data      []byte
}

// SliceStatus tells the leader what a follower did with a slice.
type SliceStatus uint8

// Slice outcomes reported in AppendEntriesResponse.
const (
	SliceNone     SliceStatus = 0
	SliceAccepted SliceStatus = 1 // buffered, more slices expected
	SliceRestart  SliceStatus = 2 // buffer discarded, resend from slice 0
	SliceComplete SliceStatus = 3 // entry reassembled and appended
)

// AppendEntriesRequest is sent by the leader for replication and heartbeats.
// When Slice is set, Entries is empty and the slice stands in for the single
// entry at PrevLogIndex+1.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []LogEntry
	LeaderCommit uint64
	Slice        *EntrySlice
}

// AppendEntriesResponse is returned by followers for AppendEntries.
type AppendEntriesResponse struct {
	Term    uint64
	Success bool
	// MatchIndex is the highest index known to match the leader's log and be
	// durably stored on the follower.
	MatchIndex    uint64
	ConflictTerm  uint64
	ConflictIndex uint64
	SliceStatus   SliceStatus
}

// InstallSnapshotRequest carries one chunk of a snapshot to a lagging follower.
type InstallSnapshotRequest struct {
	Term         uint64
	LeaderID     string
	LastIncluded EntryInfo
	Offset       uint64
	Chunk        []byte
	Done         bool
}

// InstallSnapshotResponse acknowledges a snapshot chunk.
type InstallSnapshotResponse struct {
	Term    uint64
	Success bool
}

// ErrNilStorage is returned when NewNode is called without persistence control.
var ErrNilStorage = errors.New("raft: nil storage")

// ErrNilLogger is returned when NewNode is called with a nil logger.
var ErrNilLogger = errors.New("raft: nil logger")

// ErrNodeDegraded is returned when the node stopped progressing after a fatal persistence error.
var ErrNodeDegraded = errors.New("raft: node degraded")

// ErrNotLeader is returned for submissions to a node that is not the leader.
var ErrNotLeader = errors.New("raft: not leader")

// ErrStopped is returned when the node's event loop is not running.
var ErrStopped = errors.New("raft: node stopped")

// ErrNonContiguousLog is returned when recovery finds a gap in the journal.
var ErrNonContiguousLog = errors.New("raft: non-contiguous log")

// ErrSnapshotInProgress is returned when a capture is requested while another
// capture is still being persisted.
var ErrSnapshotInProgress = errors.New("raft: snapshot capture in progress")

// ErrSnapshotIndex is returned when a capture index is not a committed index
// newer than the current snapshot.
var ErrSnapshotIndex = errors.New("raft: invalid snapshot index")

// ErrConfigChangeInProgress is returned when a voting config change is
// submitted while a previous one is uncommitted.
var ErrConfigChangeInProgress = errors.New("raft: voting config change in progress")

// NotLeaderError is returned by submissions to a non-leader. LeaderID is the
// last known leader, empty when unknown.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return "raft: not leader, leader unknown"
	}
	return "raft: not leader, redirect to " + e.LeaderID
}

// Is makes errors.Is(err, ErrNotLeader) match.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}

package raft

import "time"

// Metrics is the sink the node reports to. Every method takes the reporting
// node id first so one registry can serve several nodes in tests.
type Metrics interface {
	// Elections.
	IncRaftElectionStarted(nodeID string)
	IncRaftElectionWon(nodeID string)
	IncRaftElectionLost(nodeID, reason string)
	SetRaftIsLeader(nodeID string, isLeader bool)

	// Replication. heartbeat marks AppendEntries calls that carry nothing.
	ObserveRaftAppendEntriesRPCDuration(nodeID, peerID string, heartbeat bool, d time.Duration)
	IncRaftAppendEntriesReject(nodeID, peerID string, heartbeat bool)
	IncRaftAppendEntriesRPCError(nodeID, peerID string, heartbeat bool, kind string)
	// result is "complete" or "restart".
	IncRaftSliceRound(nodeID, peerID, result string)

	// Commit and apply.
	ObserveRaftStartToCommitDuration(nodeID string, d time.Duration)
	ObserveRaftCommitToApplyDuration(nodeID string, d time.Duration)
	SetRaftApplyLag(nodeID string, lag int64)

	// Snapshots, local capture and transfer to followers.
	IncRaftSnapshotCapture(nodeID, result string)
	ObserveRaftSnapshotBytes(nodeID string, n int)
	ObserveRaftInstallSnapshotRPCDuration(nodeID, peerID string, d time.Duration)
	ObserveRaftInstallSnapshotSendBytes(nodeID, peerID string, n int)
	IncRaftInstallSnapshotSend(nodeID, peerID, result string)

	// Storage.
	IncRaftStorageError(nodeID, op string)
	SetRaftPersistent(nodeID string, persistent bool)
}

type noopMetrics struct{}

func (noopMetrics) IncRaftElectionStarted(string)                                           {}
func (noopMetrics) IncRaftElectionWon(string)                                               {}
func (noopMetrics) IncRaftElectionLost(string, string)                                      {}
func (noopMetrics) SetRaftIsLeader(string, bool)                                            {}
func (noopMetrics) ObserveRaftAppendEntriesRPCDuration(string, string, bool, time.Duration) {}
func (noopMetrics) IncRaftAppendEntriesReject(string, string, bool)                         {}
func (noopMetrics) IncRaftAppendEntriesRPCError(string, string, bool, string)               {}
func (noopMetrics) IncRaftSliceRound(string, string, string)                                {}
func (noopMetrics) ObserveRaftStartToCommitDuration(string, time.Duration)                  {}
func (noopMetrics) ObserveRaftCommitToApplyDuration(string, time.Duration)                  {}
func (noopMetrics) SetRaftApplyLag(string, int64)                                           {}
func (noopMetrics) IncRaftSnapshotCapture(string, string)                                   {}
func (noopMetrics) ObserveRaftSnapshotBytes(string, int)                                    {}
func (noopMetrics) ObserveRaftInstallSnapshotRPCDuration(string, string, time.Duration)     {}
func (noopMetrics) ObserveRaftInstallSnapshotSendBytes(string, string, int)                 {}
func (noopMetrics) IncRaftInstallSnapshotSend(string, string, string)                       {}
func (noopMetrics) IncRaftStorageError(string, string)                                      {}
func (noopMetrics) SetRaftPersistent(string, bool)                                          {}

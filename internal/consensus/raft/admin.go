package raft

import (
	"slices"
	"sort"
	"time"
)

// AdminPeerState is a point-in-time snapshot of leader-side replication progress for a peer.
type AdminPeerState struct {
	NodeID     string
	MatchIndex uint64
	NextIndex  uint64
	// Slicing is set while an oversized entry is being sent in slices.
	Slicing bool
	// InstallingSnapshot is set while a snapshot is being streamed.
	InstallingSnapshot bool
}

// AdminState is a point-in-time snapshot of Raft runtime state for admin APIs.
type AdminState struct {
	NodeID             string
	LeaderID           string
	Role               Role
	Status             NodeStatus
	Term               uint64
	VotedFor           string
	CommitIndex        uint64
	LastApplied        uint64
	LastAppliedAt      time.Time
	LastLogIndex       uint64
	LastLogTerm        uint64
	DurableIndex       uint64
	SnapshotLastIndex  uint64
	SnapshotLastTerm   uint64
	SnapshotSizeBytes  int64
	RetainedEntries    int
	RetainedBytes      int64
	PendingSlices      int
	PersistenceEnabled bool
	ClusterMembers     []string
	QuorumSize         int
	Peers              []AdminPeerState
}

// AdminState returns a read-only snapshot of Raft state for admin/diagnostic APIs.
func (n *Node) AdminState() AdminState {
	n.view.mu.RLock()
	defer n.view.mu.RUnlock()
	out := n.view.admin
	out.ClusterMembers = slices.Clone(out.ClusterMembers)
	out.Peers = slices.Clone(out.Peers)
	return out
}

// publish refreshes the state visible to readers outside the event loop.
func (n *Node) publish() {
	out := AdminState{
		NodeID:             n.id,
		LeaderID:           n.knownLeader(),
		Role:               n.role(),
		Status:             NodeStatusHealthy,
		Term:               n.currentTerm,
		VotedFor:           n.votedFor,
		CommitIndex:        n.log.CommitIndex(),
		LastApplied:        n.log.LastApplied(),
		LastLogIndex:       n.log.LastIndex(),
		LastLogTerm:        n.log.LastTerm(),
		DurableIndex:       n.durableIndex,
		SnapshotLastIndex:  n.log.SnapshotIndex(),
		SnapshotLastTerm:   n.log.SnapshotTerm(),
		RetainedEntries:    n.log.Len(),
		RetainedBytes:      n.log.DataSize(),
		PendingSlices:      n.slices.Pending(),
		PersistenceEnabled: n.control.IsPersistent(),
		ClusterMembers:     slices.Clone(n.config.Members),
		QuorumSize:         n.config.QuorumSize(),
	}
	if n.degraded {
		out.Status = NodeStatusDegraded
	}
	if snap := n.snapshots.Current(); snap != nil {
		out.SnapshotSizeBytes = int64(len(snap.Data))
	}

	if ls, ok := n.leaderState(); ok {
		peerIDs := make([]string, 0, len(ls.progress))
		for peerID := range ls.progress {
			peerIDs = append(peerIDs, peerID)
		}
		sort.Strings(peerIDs)
		out.Peers = make([]AdminPeerState, 0, len(peerIDs))
		for _, peerID := range peerIDs {
			pr := ls.progress[peerID]
			out.Peers = append(out.Peers, AdminPeerState{
				NodeID:             peerID,
				MatchIndex:         pr.matchIndex,
				NextIndex:          pr.nextIndex,
				Slicing:            pr.slicing != nil,
				InstallingSnapshot: pr.install != nil || pr.preparing,
			})
		}
	}

	n.view.mu.Lock()
	out.LastAppliedAt = n.view.admin.LastAppliedAt
	n.view.admin = out
	n.view.leader = out.LeaderID
	n.view.mu.Unlock()
}

// publishApplied is publish plus the time the last entry was applied.
func (n *Node) publishApplied() {
	now := n.clock.Now()
	n.publish()
	n.view.mu.Lock()
	n.view.admin.LastAppliedAt = now
	n.view.mu.Unlock()
}

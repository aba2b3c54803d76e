package raft

import "time"

// roleState holds the data that only exists in one role. The node keeps
// exactly one of followerState, candidateState and leaderState.
type roleState interface {
	role() Role
}

type followerState struct {
	leaderID string
}

func (followerState) role() Role { return Follower }

type candidateState struct {
	votes map[string]bool
	// requested is set once the self vote is durable and RequestVote went out.
	requested bool
}

func (*candidateState) role() Role { return Candidate }

// leaderState is shared by PreLeader and Leader. The node stays PreLeader
// until the no-op entry of its term commits.
type leaderState struct {
	ready     bool
	noopIndex uint64
	progress  map[string]*peerProgress
}

func (s *leaderState) role() Role {
	if s.ready {
		return Leader
	}
	return PreLeader
}

// peerProgress is the leader's replication state for one peer.
type peerProgress struct {
	nextIndex  uint64
	matchIndex uint64

	inFlight bool
	// pending records that something changed while a request was in flight.
	pending bool

	slicing *sliceRound
	install *InstallableSnapshot
	// preparing is set while the snapshot stream is being built.
	preparing bool
}

// sliceRound tracks the transfer of one oversized entry to a peer.
type sliceRound struct {
	entryIndex   uint64
	entryTerm    uint64
	slices       []EntrySlice
	next         int
	lastProgress time.Time
}

func (n *Node) role() Role {
	return n.state.role()
}

func (n *Node) leaderState() (*leaderState, bool) {
	s, ok := n.state.(*leaderState)
	return s, ok
}

func (n *Node) candidateState() (*candidateState, bool) {
	s, ok := n.state.(*candidateState)
	return s, ok
}

// knownLeader returns the leader this node currently follows or is.
func (n *Node) knownLeader() string {
	switch s := n.state.(type) {
	case followerState:
		return s.leaderID
	case *leaderState:
		return n.id
	default:
		return ""
	}
}

// becomeFollower switches to Follower under leaderID. It keeps the current
// term; callers raise the term first when needed.
func (n *Node) becomeFollower(leaderID string) {
	prev := n.role()
	n.state = followerState{leaderID: leaderID}
	if prev != Follower {
		n.stopHeartbeat()
		n.metrics.SetRaftIsLeader(n.id, false)
		n.logger.Info("became follower",
			"node_id", n.id,
			"term", n.currentTerm,
			"previous_role", prev.String(),
			"leader_id", leaderID,
		)
	}
	n.resetElectionTimer()
	n.publish()
}

// observeTerm steps down when term is newer than the current one. It reports
// whether the term changed.
func (n *Node) observeTerm(term uint64, reason string) bool {
	if term <= n.currentTerm {
		return false
	}
	n.logger.Debug("stepping down: higher term seen",
		"node_id", n.id,
		"current_term", n.currentTerm,
		"peer_term", term,
		"reason", reason,
	)
	if n.role() == Candidate {
		n.metrics.IncRaftElectionLost(n.id, "higher_term")
	}
	n.currentTerm = term
	n.votedFor = ""
	n.persistHardState(reason, nil)
	n.becomeFollower("")
	return true
}

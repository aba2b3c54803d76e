package raft

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

func (n *Node) onElectionTimeout(gen uint64) {
	if gen != n.electionGen || n.degraded {
		return
	}
	if _, ok := n.leaderState(); ok {
		return
	}
	if !n.config.Contains(n.id) {
		// Non-voting members never campaign.
		n.resetElectionTimer()
		return
	}
	n.logger.Debug("election timeout fired, converting to candidate",
		"node_id", n.id,
		"term", n.currentTerm,
		"role", n.role().String(),
	)
	n.startElection()
}

func (n *Node) startElection() {
	if _, ok := n.candidateState(); ok {
		n.metrics.IncRaftElectionLost(n.id, "timeout")
	}
	n.currentTerm++
	n.votedFor = n.id
	term := n.currentTerm
	cs := &candidateState{votes: make(map[string]bool)}
	n.state = cs
	n.stopHeartbeat()
	n.resetElectionTimer()
	n.metrics.IncRaftElectionStarted(n.id)
	n.publish()

	n.persistHardState("start_election", func(err error) {
		if err != nil || n.currentTerm != term || n.state != roleState(cs) {
			return
		}
		cs.requested = true
		cs.votes[n.id] = true
		n.requestVotes(term)
		n.checkElectionQuorum(cs)
	})
}

func (n *Node) requestVotes(term uint64) {
	last := n.log.Last()
	req := &RequestVoteRequest{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: last.Index,
		LastLogTerm:  last.Term,
	}
	n.logger.Debug("starting election",
		"node_id", n.id,
		"term", term,
		"last_log_index", last.Index,
		"last_log_term", last.Term,
		"peers", len(n.peers),
	)

	for peerID, peerClient := range n.peers {
		if !n.config.Contains(peerID) {
			continue
		}
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.ElectionTimeoutMin)
		n.spawn(func() {
			defer cancel()
			ctx, span := n.startSpan(ctx, "raft.node.requestVote",
				attribute.String("raft.peer_id", peerID),
				uintAttr("raft.term", term),
			)
			defer span.End()

			resp, err := peerClient.RequestVote(ctx, req)
			if err != nil {
				spanRecordError(span, err)
				if !isStopped(err) {
					n.logger.Debug("vote request failed",
						"node_id", n.id,
						"term", term,
						"peer_id", peerID,
						"error", err,
					)
				}
				return
			}
			n.post(func() { n.onVoteResponse(peerID, term, resp) })
		})
	}
}

func (n *Node) onVoteResponse(peerID string, term uint64, resp *RequestVoteResponse) {
	if resp == nil || n.degraded {
		return
	}
	if n.observeTerm(resp.Term, "vote_response") {
		return
	}
	cs, ok := n.candidateState()
	if !ok || n.currentTerm != term {
		return
	}
	if !resp.VoteGranted {
		n.logger.Debug("vote denied",
			"node_id", n.id,
			"term", term,
			"peer_id", peerID,
		)
		return
	}
	if !n.config.Contains(peerID) {
		return
	}
	cs.votes[peerID] = true
	n.logger.Debug("vote granted",
		"node_id", n.id,
		"term", term,
		"peer_id", peerID,
		"votes", len(cs.votes),
		"majority", n.config.QuorumSize(),
	)
	n.checkElectionQuorum(cs)
}

func (n *Node) checkElectionQuorum(cs *candidateState) {
	if len(cs.votes) < n.config.QuorumSize() {
		return
	}
	n.logger.Debug("won election",
		"node_id", n.id,
		"term", n.currentTerm,
		"votes", len(cs.votes),
	)
	n.becomePreLeader()
}

// becomePreLeader takes leadership for the current term and appends the
// no-op entry that must commit before client commands are accepted.
func (n *Node) becomePreLeader() {
	next := n.log.LastIndex() + 1
	ls := &leaderState{progress: make(map[string]*peerProgress, len(n.peers))}
	for peerID := range n.peers {
		ls.progress[peerID] = &peerProgress{nextIndex: next}
	}
	n.state = ls
	n.stopElectionTimer()
	n.metrics.IncRaftElectionWon(n.id)
	n.logger.Info("became pre-leader",
		"node_id", n.id,
		"term", n.currentTerm,
		"last_index", n.log.LastIndex(),
	)

	entry, err := n.appendLocal(EntryNoop, nil)
	if err != nil {
		n.markDegraded(err)
		return
	}
	ls.noopIndex = entry.Index
	n.publish()
	n.broadcast()
	n.resetHeartbeat()
}

// becomeLeader completes the warm-up once the no-op entry committed.
func (n *Node) becomeLeader(ls *leaderState) {
	ls.ready = true
	n.metrics.SetRaftIsLeader(n.id, true)
	n.logger.Info("became leader",
		"node_id", n.id,
		"term", n.currentTerm,
		"commit_index", n.log.CommitIndex(),
	)
	n.publish()
}

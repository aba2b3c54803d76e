package raft

import "context"

// HandleRequestVote handles a Raft RequestVote RPC from a candidate. A granted
// vote is returned only after it is durable.
func (n *Node) HandleRequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	return call(ctx, n, func(reply func(*RequestVoteResponse, error)) {
		n.handleRequestVote(req, reply)
	})
}

// HandleAppendEntries handles a Raft AppendEntries RPC from the leader. The
// reply is sent once every entry it acknowledges is durable.
func (n *Node) HandleAppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return call(ctx, n, func(reply func(*AppendEntriesResponse, error)) {
		n.handleAppendEntries(req, reply)
	})
}

// HandleInstallSnapshot handles one chunk of a snapshot sent by the leader.
func (n *Node) HandleInstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	return call(ctx, n, func(reply func(*InstallSnapshotResponse, error)) {
		n.handleInstallSnapshot(req, reply)
	})
}

func (n *Node) handleRequestVote(req *RequestVoteRequest, reply func(*RequestVoteResponse, error)) {
	if err := n.checkAvailable(); err != nil {
		reply(nil, err)
		return
	}

	n.logger.Debug("received RequestVote",
		"node_id", n.id,
		"from", req.CandidateID,
		"candidate_term", req.Term,
		"current_term", n.currentTerm,
		"candidate_last_log_index", req.LastLogIndex,
		"candidate_last_log_term", req.LastLogTerm,
	)

	if req.Term < n.currentTerm {
		n.logger.Debug("rejected vote: stale term",
			"node_id", n.id,
			"from", req.CandidateID,
			"candidate_term", req.Term,
			"current_term", n.currentTerm,
		)
		reply(&RequestVoteResponse{Term: n.currentTerm}, nil)
		return
	}
	n.observeTerm(req.Term, "request_vote")

	last := n.log.Last()
	upToDate := req.LastLogTerm > last.Term ||
		(req.LastLogTerm == last.Term && req.LastLogIndex >= last.Index)
	canVote := n.votedFor == "" || n.votedFor == req.CandidateID

	if !canVote || !upToDate {
		n.logger.Debug("denied vote",
			"node_id", n.id,
			"to", req.CandidateID,
			"term", n.currentTerm,
			"voted_for", n.votedFor,
			"up_to_date", upToDate,
		)
		reply(&RequestVoteResponse{Term: n.currentTerm}, nil)
		return
	}

	n.votedFor = req.CandidateID
	n.resetElectionTimer()
	term := n.currentTerm
	n.persistHardState("grant_vote", func(err error) {
		if err != nil {
			reply(nil, err)
			return
		}
		n.logger.Debug("granted vote",
			"node_id", n.id,
			"to", req.CandidateID,
			"term", term,
		)
		reply(&RequestVoteResponse{Term: term, VoteGranted: true}, nil)
	})
}

// acceptLeader records req's sender as leader of the current term and resets
// the election timer.
func (n *Node) acceptLeader(leaderID string) {
	if fs, ok := n.state.(followerState); !ok || fs.leaderID != leaderID {
		n.becomeFollower(leaderID)
		return
	}
	n.resetElectionTimer()
}

func (n *Node) handleAppendEntries(req *AppendEntriesRequest, reply func(*AppendEntriesResponse, error)) {
	if err := n.checkAvailable(); err != nil {
		reply(nil, err)
		return
	}
	if req.Term < n.currentTerm {
		reply(&AppendEntriesResponse{Term: n.currentTerm}, nil)
		return
	}
	n.observeTerm(req.Term, "append_entries")
	n.acceptLeader(req.LeaderID)
	n.slices.Expire()

	resp := &AppendEntriesResponse{Term: n.currentTerm}
	if !n.matchPrev(req, resp) {
		reply(resp, nil)
		return
	}

	entries := req.Entries
	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.Slice != nil {
		entry, status, ok := n.receiveSlice(req)
		resp.SliceStatus = status
		if !ok {
			resp.Success = true
			resp.MatchIndex = req.PrevLogIndex
			n.afterDurable(func(err error) {
				if err != nil {
					reply(nil, err)
					return
				}
				reply(resp, nil)
			})
			return
		}
		entries = []LogEntry{entry}
		lastNew = entry.Index
	}

	var appended []LogEntry
	for _, e := range entries {
		if e.Index <= n.log.SnapshotIndex() {
			continue
		}
		if term, ok := n.log.TermAt(e.Index); ok {
			if term == e.Term {
				continue
			}
			n.logger.Debug("truncating conflicting log entries",
				"node_id", n.id,
				"from_index", e.Index,
			)
			if !n.truncateSuffix(e.Index) {
				n.logger.Error("leader entry conflicts with committed log",
					"node_id", n.id,
					"index", e.Index,
					"leader_id", req.LeaderID,
				)
				reply(resp, nil)
				return
			}
		}
		_, err := n.log.AppendReceived(e, func(le LogEntry) {
			appended = append(appended, le.clone())
		})
		if err != nil {
			n.logger.Error("failed to append leader entry",
				"node_id", n.id,
				"index", e.Index,
				"error", err,
			)
			break
		}
	}
	n.persistEntries(appended)

	if len(appended) > 0 {
		n.logger.Debug("appended entries from leader",
			"node_id", n.id,
			"leader_id", req.LeaderID,
			"count", len(appended),
			"last_index", n.log.LastIndex(),
		)
	}
	if req.LeaderCommit > n.log.CommitIndex() {
		n.commitTo(min(req.LeaderCommit, lastNew))
	}

	resp.Success = true
	resp.MatchIndex = min(lastNew, n.log.LastIndex())
	n.afterDurable(func(err error) {
		if err != nil {
			reply(nil, err)
			return
		}
		reply(resp, nil)
	})
}

// matchPrev runs the log matching check on the entry preceding req. On a
// mismatch it fills the conflict hints of resp.
func (n *Node) matchPrev(req *AppendEntriesRequest, resp *AppendEntriesResponse) bool {
	snapIndex := n.log.SnapshotIndex()
	last := n.log.LastIndex()
	switch {
	case req.PrevLogIndex < snapIndex:
		// Covered by our snapshot, hence committed and matching.
		return true
	case req.PrevLogIndex > last:
		n.logger.Debug("AppendEntries rejected: missing prev entry",
			"node_id", n.id,
			"leader_id", req.LeaderID,
			"prev_log_index", req.PrevLogIndex,
			"last_log_index", last,
		)
		resp.ConflictIndex = last + 1
		return false
	}
	term, _ := n.log.TermAt(req.PrevLogIndex)
	if term == req.PrevLogTerm {
		return true
	}
	if req.PrevLogIndex == snapIndex {
		n.logger.Debug("AppendEntries rejected: snapshot boundary term mismatch",
			"node_id", n.id,
			"leader_id", req.LeaderID,
			"snapshot_index", snapIndex,
		)
		resp.ConflictIndex = snapIndex + 1
		return false
	}
	n.logger.Debug("AppendEntries rejected: term conflict at prev entry",
		"node_id", n.id,
		"leader_id", req.LeaderID,
		"prev_log_index", req.PrevLogIndex,
		"our_term", term,
		"leader_term", req.PrevLogTerm,
	)
	resp.ConflictTerm = term
	resp.ConflictIndex = n.log.FirstIndexOfTerm(term)
	return false
}

// receiveSlice buffers req.Slice. It returns the reassembled entry when the
// slice completed it, or the status to report otherwise.
func (n *Node) receiveSlice(req *AppendEntriesRequest) (LogEntry, SliceStatus, bool) {
	s := *req.Slice
	if s.EntryIndex != req.PrevLogIndex+1 {
		n.slices.DiscardFrom(s.EntryIndex)
		return LogEntry{}, SliceRestart, false
	}
	if term, ok := n.log.TermAt(s.EntryIndex); ok && term == s.EntryTerm && s.EntryIndex > n.log.SnapshotIndex() {
		// Already reassembled; the leader missed our reply.
		n.slices.DiscardFrom(s.EntryIndex)
		e, _ := n.log.EntryAt(s.EntryIndex)
		return e, SliceComplete, true
	}
	entry, complete, err := n.slices.Add(s)
	if err != nil {
		n.logger.Warn("discarding partial entry",
			"node_id", n.id,
			"index", s.EntryIndex,
			"slice", s.SliceIndex,
			"total_slices", s.TotalSlices,
			"error", err,
		)
		return LogEntry{}, SliceRestart, false
	}
	if !complete {
		return LogEntry{}, SliceAccepted, false
	}
	n.logger.Debug("reassembled sliced entry",
		"node_id", n.id,
		"index", entry.Index,
		"size", entry.Size(),
		"slices", s.TotalSlices,
	)
	return entry, SliceComplete, true
}

func (n *Node) handleInstallSnapshot(req *InstallSnapshotRequest, reply func(*InstallSnapshotResponse, error)) {
	if err := n.checkAvailable(); err != nil {
		reply(nil, err)
		return
	}

	n.logger.Debug("received InstallSnapshot",
		"node_id", n.id,
		"leader_id", req.LeaderID,
		"snapshot_index", req.LastIncluded.Index,
		"snapshot_term", req.LastIncluded.Term,
		"offset", req.Offset,
		"bytes", len(req.Chunk),
		"done", req.Done,
	)

	if req.Term < n.currentTerm {
		n.logger.Debug("InstallSnapshot rejected: stale term",
			"node_id", n.id,
			"req_term", req.Term,
			"current_term", n.currentTerm,
		)
		reply(&InstallSnapshotResponse{Term: n.currentTerm}, nil)
		return
	}
	n.observeTerm(req.Term, "install_snapshot")
	n.acceptLeader(req.LeaderID)

	resp := &InstallSnapshotResponse{Term: n.currentTerm}
	if req.LastIncluded.Index <= n.log.CommitIndex() {
		n.logger.Debug("InstallSnapshot ignored: already committed",
			"node_id", n.id,
			"commit_index", n.log.CommitIndex(),
			"snapshot_index", req.LastIncluded.Index,
		)
		n.snapshots.resetReceive()
		resp.Success = true
		reply(resp, nil)
		return
	}

	snap, complete, err := n.snapshots.receive(req)
	if err != nil {
		n.logger.Warn("InstallSnapshot chunk rejected",
			"node_id", n.id,
			"snapshot_index", req.LastIncluded.Index,
			"offset", req.Offset,
			"error", err,
		)
		reply(resp, nil)
		return
	}
	if !complete {
		resp.Success = true
		reply(resp, nil)
		return
	}
	n.applyFromLeader(snap, func(err error) {
		resp.Term = n.currentTerm
		resp.Success = err == nil
		reply(resp, nil)
	})
}

package raft

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// appendLocal appends a new entry of the current term to the leader log and
// schedules its durable write.
func (n *Node) appendLocal(typ EntryType, command []byte) (LogEntry, error) {
	entry := LogEntry{
		Index:   n.log.LastIndex() + 1,
		Term:    n.currentTerm,
		Type:    typ,
		Command: command,
	}
	_, err := n.log.AppendSubmitted(entry, func(e LogEntry) {
		n.persistEntries([]LogEntry{e.clone()})
	})
	if err != nil {
		return LogEntry{}, fmt.Errorf("raft: append local entry: %w", err)
	}
	n.startSeenAt[entry.Index] = n.clock.Now()
	return entry, nil
}

// broadcast sends pending entries, or a heartbeat, to every peer.
func (n *Node) broadcast() {
	for peerID := range n.peers {
		n.replicate(peerID)
	}
}

// replicate sends the next request to peerID unless one is in flight.
func (n *Node) replicate(peerID string) {
	ls, ok := n.leaderState()
	if !ok || n.degraded {
		return
	}
	pr := ls.progress[peerID]
	if pr == nil {
		return
	}
	if pr.inFlight {
		pr.pending = true
		return
	}
	pr.pending = false

	if pr.nextIndex <= n.log.SnapshotIndex() {
		n.sendSnapshotChunk(peerID, pr)
		return
	}
	pr.install = nil

	prevIndex := pr.nextIndex - 1
	prevTerm, ok := n.log.TermAt(prevIndex)
	if !ok {
		// nextIndex points past our log; restart from the end.
		pr.nextIndex = n.log.LastIndex() + 1
		prevIndex = pr.nextIndex - 1
		prevTerm = n.log.LastTerm()
	}

	req := &AppendEntriesRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: n.log.CommitIndex(),
	}

	if first, ok := n.log.EntryAt(pr.nextIndex); ok && needsSlicing(first, n.cfg.MaxSliceSize) {
		r := pr.slicing
		if r == nil || r.entryIndex != first.Index || r.entryTerm != first.Term || r.next >= len(r.slices) {
			r = &sliceRound{
				entryIndex:   first.Index,
				entryTerm:    first.Term,
				slices:       sliceEntry(first, n.cfg.MaxSliceSize),
				lastProgress: n.clock.Now(),
			}
			pr.slicing = r
			n.logger.Debug("slicing oversized entry",
				"node_id", n.id,
				"peer_id", peerID,
				"index", first.Index,
				"size", first.Size(),
				"slices", len(r.slices),
			)
		}
		s := r.slices[r.next]
		req.Slice = &s
	} else {
		pr.slicing = nil
		req.Entries = n.nextBatch(pr.nextIndex)
	}

	pr.inFlight = true
	n.sendAppendEntries(peerID, req)
}

// nextBatch returns entries starting at from, bounded by entry count and the
// slice size. It stops before the first entry that must be sliced.
func (n *Node) nextBatch(from uint64) []LogEntry {
	last := n.log.LastIndex()
	if from > last {
		return nil
	}
	to := min(last, from+uint64(n.cfg.MaxEntriesPerAppend)-1)
	candidates := n.log.Entries(from, to)
	if n.cfg.MaxSliceSize <= 0 {
		return candidates
	}
	size := 0
	for i, e := range candidates {
		if needsSlicing(e, n.cfg.MaxSliceSize) {
			return candidates[:i]
		}
		size += e.Size()
		if i > 0 && size > n.cfg.MaxSliceSize {
			return candidates[:i]
		}
	}
	return candidates
}

func (n *Node) sendAppendEntries(peerID string, req *AppendEntriesRequest) {
	peerClient := n.peers[peerID]
	heartbeat := len(req.Entries) == 0 && req.Slice == nil
	if !heartbeat {
		n.logger.Debug("sending AppendEntries",
			"node_id", n.id,
			"peer_id", peerID,
			"term", req.Term,
			"prev_log_index", req.PrevLogIndex,
			"entries", len(req.Entries),
			"sliced", req.Slice != nil,
			"leader_commit", req.LeaderCommit,
		)
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.rpcDeadline())
	n.spawn(func() {
		defer cancel()
		ctx, span := n.startSpan(
			ctx,
			"raft.node.sendAppendEntries",
			attribute.String("raft.peer_id", peerID),
			uintAttr("raft.term", req.Term),
			uintAttr("raft.prev_log_index", req.PrevLogIndex),
			attribute.Int("raft.entries_count", len(req.Entries)),
			attribute.Bool("raft.is_heartbeat", heartbeat),
			attribute.Bool("raft.is_slice", req.Slice != nil),
		)
		defer span.End()

		rpcStart := n.clock.Now()
		resp, err := peerClient.AppendEntries(ctx, req)
		n.metrics.ObserveRaftAppendEntriesRPCDuration(n.id, peerID, heartbeat, n.clock.Since(rpcStart))
		if err == nil && resp == nil {
			err = fmt.Errorf("raft: nil AppendEntries response from %s", peerID)
		}
		if err != nil {
			spanRecordError(span, err)
			n.metrics.IncRaftAppendEntriesRPCError(n.id, peerID, heartbeat, appendEntriesRPCErrorKind(err))
		} else {
			span.SetAttributes(
				attribute.Bool("raft.append.success", resp.Success),
				uintAttr("raft.match_index", resp.MatchIndex),
			)
		}
		n.post(func() { n.onAppendEntriesResponse(peerID, req, resp, err) })
	})
}

func (n *Node) onAppendEntriesResponse(peerID string, req *AppendEntriesRequest, resp *AppendEntriesResponse, err error) {
	ls, ok := n.leaderState()
	if !ok {
		if err == nil {
			n.observeTerm(resp.Term, "append_entries_response")
		}
		return
	}
	pr := ls.progress[peerID]
	if pr == nil {
		return
	}
	pr.inFlight = false
	heartbeat := len(req.Entries) == 0 && req.Slice == nil

	if err != nil {
		if !heartbeat && !isStopped(err) {
			n.logger.Warn("AppendEntries RPC failed",
				"node_id", n.id,
				"peer_id", peerID,
				"error", err,
			)
		}
		// Transport failures are retried on the next heartbeat.
		return
	}
	if n.observeTerm(resp.Term, "append_entries_response") {
		return
	}
	if req.Term != n.currentTerm {
		return
	}

	if !resp.Success {
		n.metrics.IncRaftAppendEntriesReject(n.id, peerID, heartbeat)
		pr.slicing = nil
		n.backtrack(peerID, pr, req, resp)
		n.replicate(peerID)
		return
	}

	if req.Slice != nil {
		if !n.onSliceAck(peerID, pr, req.Slice, resp) {
			n.replicate(peerID)
			return
		}
	}

	match := min(resp.MatchIndex, req.PrevLogIndex+uint64(len(req.Entries)))
	if req.Slice != nil && resp.SliceStatus == SliceComplete {
		match = min(resp.MatchIndex, req.Slice.EntryIndex)
	}
	if match > pr.matchIndex {
		pr.matchIndex = match
	}
	if next := pr.matchIndex + 1; next > pr.nextIndex {
		pr.nextIndex = next
	}
	if !heartbeat {
		n.logger.Debug("AppendEntries succeeded",
			"node_id", n.id,
			"peer_id", peerID,
			"match_index", pr.matchIndex,
			"next_index", pr.nextIndex,
		)
	}

	n.advanceCommitIndex()
	if pr.pending || pr.nextIndex <= n.log.LastIndex() || pr.slicing != nil {
		n.replicate(peerID)
	}
}

// onSliceAck advances the slicing round for a successful slice reply. It
// reports whether the entry was reassembled by the peer.
func (n *Node) onSliceAck(peerID string, pr *peerProgress, s *EntrySlice, resp *AppendEntriesResponse) bool {
	r := pr.slicing
	switch resp.SliceStatus {
	case SliceComplete:
		pr.slicing = nil
		n.metrics.IncRaftSliceRound(n.id, peerID, "complete")
		return true
	case SliceAccepted:
		if r != nil && r.entryIndex == s.EntryIndex && int(s.SliceIndex) == r.next {
			r.next++
			r.lastProgress = n.clock.Now()
		}
	default:
		n.logger.Debug("peer discarded slices, restarting round",
			"node_id", n.id,
			"peer_id", peerID,
			"index", s.EntryIndex,
		)
		pr.slicing = nil
		n.metrics.IncRaftSliceRound(n.id, peerID, "restart")
	}
	return false
}

// backtrack moves nextIndex back after a rejected AppendEntries using the
// conflict hints from the follower.
func (n *Node) backtrack(peerID string, pr *peerProgress, req *AppendEntriesRequest, resp *AppendEntriesResponse) {
	prevNext := pr.nextIndex
	switch {
	case resp.ConflictTerm > 0:
		if idx := n.log.LastIndexOfTerm(resp.ConflictTerm); idx > 0 {
			pr.nextIndex = idx + 1
		} else if resp.ConflictIndex > 0 {
			pr.nextIndex = resp.ConflictIndex
		} else if pr.nextIndex > 1 {
			pr.nextIndex--
		}
	case resp.ConflictIndex > 0:
		pr.nextIndex = resp.ConflictIndex
	case pr.nextIndex > 1:
		pr.nextIndex--
	}
	if pr.nextIndex < 1 {
		pr.nextIndex = 1
	}
	// A rejection must move nextIndex back or the same request repeats.
	if pr.nextIndex > req.PrevLogIndex && req.PrevLogIndex > 0 {
		pr.nextIndex = req.PrevLogIndex
	}
	if pr.nextIndex <= pr.matchIndex {
		pr.nextIndex = pr.matchIndex + 1
	}
	n.logger.Debug("AppendEntries rejected, backing off nextIndex",
		"node_id", n.id,
		"peer_id", peerID,
		"prev_next_index", prevNext,
		"new_next_index", pr.nextIndex,
		"conflict_term", resp.ConflictTerm,
		"conflict_index", resp.ConflictIndex,
	)
}

func appendEntriesRPCErrorKind(err error) string {
	if err == nil {
		return "unknown"
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.DeadlineExceeded:
			return "deadline_exceeded"
		case codes.Unavailable:
			return "unavailable"
		default:
			return s.Code().String()
		}
	}
	return "transport"
}

// advanceCommitIndex commits the highest current-term index stored by a
// majority of the committed voting config. The leader counts itself only up
// to its durable index.
func (n *Node) advanceCommitIndex() {
	ls, ok := n.leaderState()
	if !ok {
		return
	}
	quorum := n.config.QuorumSize()
	commit := n.log.CommitIndex()

	for candidate := n.log.LastIndex(); candidate > commit; candidate-- {
		term, ok := n.log.TermAt(candidate)
		if !ok || term < n.currentTerm {
			break
		}
		if term != n.currentTerm {
			continue
		}
		votes := 0
		for _, member := range n.config.Members {
			if member == n.id {
				if n.durableIndex >= candidate {
					votes++
				}
				continue
			}
			if pr := ls.progress[member]; pr != nil && pr.matchIndex >= candidate {
				votes++
			}
		}
		if votes < quorum {
			continue
		}
		n.commitTo(candidate)
		if !ls.ready && n.log.CommitIndex() >= ls.noopIndex && n.state == roleState(ls) {
			n.becomeLeader(ls)
		}
		return
	}
}

// commitTo advances the commit cursor, applies committed config entries and
// schedules delivery to the application.
func (n *Node) commitTo(index uint64) {
	prev := n.log.CommitIndex()
	if !n.log.SetCommitIndex(index) {
		return
	}
	now := n.clock.Now()
	newCommit := n.log.CommitIndex()
	n.logger.Debug("commit index advanced",
		"node_id", n.id,
		"prev_commit_index", prev,
		"new_commit_index", newCommit,
		"term", n.currentTerm,
	)
	for idx := prev + 1; idx <= newCommit; idx++ {
		if ts, ok := n.startSeenAt[idx]; ok {
			n.metrics.ObserveRaftStartToCommitDuration(n.id, now.Sub(ts))
			delete(n.startSeenAt, idx)
		}
		n.commitSeenAt[idx] = now
		if e, ok := n.log.EntryAt(idx); ok && e.Type == EntryVotingConfig {
			n.applyConfigEntry(e)
		}
	}
	n.metrics.SetRaftApplyLag(n.id, int64(newCommit-n.log.LastApplied())) //nolint:gosec // lag fits in int64
	n.persistHardState("commit", nil)
	n.scheduleApply()
	n.publish()
}

func (n *Node) applyConfigEntry(e LogEntry) {
	var c VotingConfig
	if err := c.UnmarshalBinary(e.Command); err != nil {
		n.logger.Error("ignoring undecodable voting config entry",
			"node_id", n.id,
			"index", e.Index,
			"error", err,
		)
		return
	}
	n.config = c.Clone()
	n.configIndex = e.Index
	if n.pendingConfig == e.Index {
		n.pendingConfig = 0
	}
	n.logger.Info("voting config committed",
		"node_id", n.id,
		"index", e.Index,
		"members", n.config.Members,
	)
	if _, ok := n.leaderState(); ok && !n.config.Contains(n.id) {
		n.logger.Info("leader removed from voting config, stepping down",
			"node_id", n.id,
			"term", n.currentTerm,
		)
		// Let the remaining members learn the commit before we go quiet.
		n.broadcast()
		n.becomeFollower("")
	}
}

// rpcDeadline bounds outbound RPCs so a stuck peer cannot pin inFlight.
func (n *Node) rpcDeadline() time.Duration {
	return n.cfg.ElectionTimeoutMax
}

package raft

// Timers fire on clock goroutines and post an event carrying the generation
// they were armed with. Re-arming bumps the generation, so a fire that was
// already queued when the timer got reset is ignored.

func (n *Node) resetElectionTimer() {
	if n.degraded {
		return
	}
	n.electionGen++
	gen := n.electionGen
	if n.electionTimer != nil {
		n.electionTimer.Stop()
	}
	n.electionTimer = n.clock.AfterFunc(n.electionTimeoutFn(), func() {
		n.post(func() { n.onElectionTimeout(gen) })
	})
}

func (n *Node) stopElectionTimer() {
	n.electionGen++
	if n.electionTimer != nil {
		n.electionTimer.Stop()
		n.electionTimer = nil
	}
}

func (n *Node) resetHeartbeat() {
	if n.degraded {
		return
	}
	n.heartbeatGen++
	gen := n.heartbeatGen
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
	}
	n.heartbeatTimer = n.clock.AfterFunc(n.cfg.HeartbeatInterval, func() {
		n.post(func() { n.onHeartbeat(gen) })
	})
}

func (n *Node) stopHeartbeat() {
	n.heartbeatGen++
	if n.heartbeatTimer != nil {
		n.heartbeatTimer.Stop()
		n.heartbeatTimer = nil
	}
}

func (n *Node) stopTimers() {
	n.stopElectionTimer()
	n.stopHeartbeat()
}

func (n *Node) onHeartbeat(gen uint64) {
	if gen != n.heartbeatGen || n.degraded {
		return
	}
	ls, ok := n.leaderState()
	if !ok {
		return
	}
	now := n.clock.Now()
	for peerID, pr := range ls.progress {
		if r := pr.slicing; r != nil && n.cfg.SliceTimeout > 0 && now.Sub(r.lastProgress) > n.cfg.SliceTimeout {
			n.logger.Warn("slice transfer stalled, restarting round",
				"node_id", n.id,
				"peer_id", peerID,
				"index", r.entryIndex,
				"next_slice", r.next,
			)
			pr.slicing = nil
		}
		n.replicate(peerID)
	}
	n.resetHeartbeat()
}

package raft

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/i-melnichenko/raftengine/internal/consensus"
)

// Snapshot compacts the log up to and including index. data is the
// serialized application state with every entry up to index applied. It
// blocks until the snapshot is durable; on failure the log is unchanged.
// Implements consensus.Consensus.
func (n *Node) Snapshot(index uint64, data []byte) error {
	_, err := call(n.ctx, n, func(reply func(struct{}, error)) {
		n.captureSnapshot(index, data, func(err error) { reply(struct{}{}, err) })
	})
	return err
}

func (n *Node) captureSnapshot(index uint64, data []byte, done func(error)) {
	if err := n.checkAvailable(); err != nil {
		done(err)
		return
	}
	n.logger.Debug("taking snapshot",
		"node_id", n.id,
		"index", index,
		"current_snapshot_index", n.log.SnapshotIndex(),
	)
	if index <= n.log.SnapshotIndex() {
		done(nil)
		return
	}
	if index > n.log.CommitIndex() {
		done(fmt.Errorf("%w: %d beyond commit index %d", ErrSnapshotIndex, index, n.log.CommitIndex()))
		return
	}
	if n.snapshots.capturing {
		done(ErrSnapshotInProgress)
		return
	}
	term, ok := n.log.TermAt(index)
	if !ok {
		done(fmt.Errorf("%w: no entry at %d", ErrSnapshotIndex, index))
		return
	}

	info := EntryInfo{Index: index, Term: term}
	snap := Snapshot{
		LastIncluded: info,
		StateType:    n.cfg.SnapshotStateType,
		Config:       n.config.Clone(),
		Data:         data,
	}
	n.snapshots.capturing = true
	_, span := n.startSpan(n.ctx, "raft.storage.SaveSnapshot",
		uintAttr("raft.snapshot.index", index),
		attribute.Int("raft.snapshot.bytes", len(data)),
	)
	n.snapshots.SaveSnapshot(snap, func(savedAt time.Time, err error) {
		finishSpan(span, err)
		n.snapshots.capturing = false
		n.captureRequested = false
		if err != nil {
			n.metrics.IncRaftStorageError(n.id, "save_snapshot")
			n.metrics.IncRaftSnapshotCapture(n.id, "error")
			n.logger.Warn("snapshot capture failed",
				"node_id", n.id,
				"index", index,
				"error", err,
			)
			done(err)
			return
		}
		if info.Index > n.log.SnapshotIndex() {
			n.log.SnapshotCommit(info)
			n.persistDiscardUpTo(info.Index)
		}
		n.metrics.IncRaftSnapshotCapture(n.id, "ok")
		n.metrics.ObserveRaftSnapshotBytes(n.id, len(data))
		n.logger.Info("snapshot captured",
			"node_id", n.id,
			"index", info.Index,
			"term", info.Term,
			"bytes", len(data),
			"saved_at", savedAt,
		)
		n.publish()
		done(nil)
	})
}

// maybeRequestSnapshot asks the application for a capture once the applied
// prefix crossed a capture threshold.
func (n *Node) maybeRequestSnapshot(applied EntryInfo) {
	if n.captureRequested || n.snapshots.capturing {
		return
	}
	if !n.log.CaptureSnapshotIfReady(applied) {
		return
	}
	n.captureRequested = true
	n.logger.Debug("requesting snapshot capture",
		"node_id", n.id,
		"index", applied.Index,
		"retained_entries", n.log.Len(),
		"retained_bytes", n.log.DataSize(),
	)
	n.applier.push(applyItem{
		control: true,
		msg: &consensus.ApplyMsg{
			SnapshotRequested: true,
			SnapshotIndex:     applied.Index,
			SnapshotTerm:      applied.Term,
		},
	})
}

// sendSnapshotChunk streams the current snapshot to a peer whose nextIndex is
// covered by it.
func (n *Node) sendSnapshotChunk(peerID string, pr *peerProgress) {
	if pr.install == nil || pr.install.LastIncluded.Index < n.log.SnapshotIndex() {
		if pr.preparing {
			return
		}
		pr.preparing = true
		pr.install = nil
		term := n.currentTerm
		n.snapshots.StreamToInstall(EntryInfo{Index: n.log.SnapshotIndex(), Term: n.log.SnapshotTerm()},
			func(h *InstallableSnapshot, err error) {
				pr.preparing = false
				if err != nil {
					n.logger.Warn("failed to prepare snapshot for streaming",
						"node_id", n.id,
						"peer_id", peerID,
						"error", err,
					)
					return
				}
				if n.currentTerm != term {
					return
				}
				pr.install = h
				n.replicate(peerID)
			})
		return
	}

	h := pr.install
	offset, chunk, done := h.Chunk(n.cfg.MaxSliceSize)
	req := &InstallSnapshotRequest{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		LastIncluded: h.LastIncluded,
		Offset:       offset,
		Chunk:        chunk,
		Done:         done,
	}
	if offset == 0 {
		n.logger.Debug("sending InstallSnapshot",
			"node_id", n.id,
			"peer_id", peerID,
			"term", req.Term,
			"snapshot_index", h.LastIncluded.Index,
			"snapshot_term", h.LastIncluded.Term,
			"bytes", h.Size(),
		)
	}
	pr.inFlight = true

	peerClient := n.peers[peerID]
	ctx, cancel := context.WithTimeout(n.ctx, n.rpcDeadline())
	n.spawn(func() {
		defer cancel()
		ctx, span := n.startSpan(ctx, "raft.node.sendInstallSnapshot",
			attribute.String("raft.peer_id", peerID),
			uintAttr("raft.snapshot.index", h.LastIncluded.Index),
			attribute.Int("raft.snapshot.chunk_bytes", len(chunk)),
		)
		defer span.End()

		start := n.clock.Now()
		resp, err := peerClient.InstallSnapshot(ctx, req)
		n.metrics.ObserveRaftInstallSnapshotRPCDuration(n.id, peerID, n.clock.Since(start))
		if err == nil && resp == nil {
			err = fmt.Errorf("raft: nil InstallSnapshot response from %s", peerID)
		}
		spanRecordError(span, err)
		n.post(func() { n.onInstallSnapshotResponse(peerID, req, resp, err) })
	})
}

func (n *Node) onInstallSnapshotResponse(peerID string, req *InstallSnapshotRequest, resp *InstallSnapshotResponse, err error) {
	ls, ok := n.leaderState()
	if !ok {
		if err == nil {
			n.observeTerm(resp.Term, "install_snapshot_response")
		}
		return
	}
	pr := ls.progress[peerID]
	if pr == nil {
		return
	}
	pr.inFlight = false

	if err != nil {
		n.metrics.IncRaftInstallSnapshotSend(n.id, peerID, "rpc_error")
		if !isStopped(err) {
			n.logger.Warn("InstallSnapshot RPC failed",
				"node_id", n.id,
				"peer_id", peerID,
				"snapshot_index", req.LastIncluded.Index,
				"error", err,
			)
		}
		return
	}
	if n.observeTerm(resp.Term, "install_snapshot_response") {
		return
	}
	if req.Term != n.currentTerm || pr.install == nil || pr.install.LastIncluded != req.LastIncluded {
		return
	}
	if !resp.Success {
		n.metrics.IncRaftInstallSnapshotSend(n.id, peerID, "rejected")
		pr.install.Rewind()
		return
	}

	n.metrics.ObserveRaftInstallSnapshotSendBytes(n.id, peerID, len(req.Chunk))
	pr.install.Ack(len(req.Chunk))
	if !req.Done {
		n.replicate(peerID)
		return
	}

	n.metrics.IncRaftInstallSnapshotSend(n.id, peerID, "ok")
	n.logger.Debug("InstallSnapshot succeeded",
		"node_id", n.id,
		"peer_id", peerID,
		"snapshot_index", req.LastIncluded.Index,
		"snapshot_term", req.LastIncluded.Term,
	)
	pr.install = nil
	if req.LastIncluded.Index > pr.matchIndex {
		pr.matchIndex = req.LastIncluded.Index
	}
	if next := req.LastIncluded.Index + 1; next > pr.nextIndex {
		pr.nextIndex = next
	}
	n.advanceCommitIndex()
	n.replicate(peerID)
}

// applyFromLeader installs a snapshot streamed by the leader: it persists the
// snapshot, resets the log to start after it and hands the state to the
// application. done receives nil once the follower acknowledged it. A failure
// leaves the follower in its prior state.
func (n *Node) applyFromLeader(snap Snapshot, done func(error)) {
	info := snap.LastIncluded
	n.snapshots.SaveSnapshot(snap, func(_ time.Time, err error) {
		if err != nil {
			n.metrics.IncRaftStorageError(n.id, "save_snapshot")
			n.logger.Warn("failed to persist snapshot from leader",
				"node_id", n.id,
				"snapshot_index", info.Index,
				"error", err,
			)
			done(err)
			return
		}
		if info.Index <= n.log.CommitIndex() {
			// Caught up through AppendEntries while the snapshot was saved.
			done(nil)
			return
		}

		kept := n.log.ResetToSnapshot(info)
		n.slices.DiscardFrom(0)
		if kept {
			n.persistDiscardUpTo(info.Index)
		} else {
			n.logEpoch++
			n.persistDiscardFrom(0)
		}
		n.durableIndex = max(n.durableIndex, info.Index)
		if n.durableIndex > n.log.LastIndex() {
			n.durableIndex = n.log.LastIndex()
		}
		if n.pendingConfig != 0 && n.pendingConfig <= info.Index {
			n.pendingConfig = 0
		}
		if !snap.Config.IsEmpty() {
			n.config = snap.Config.Clone()
			n.configIndex = info.Index
		}
		n.applyQueued = max(n.applyQueued, info.Index)
		n.applier.push(applyItem{
			index: info.Index,
			term:  info.Term,
			msg: &consensus.ApplyMsg{
				SnapshotValid: true,
				Snapshot:      append([]byte(nil), snap.Data...),
				SnapshotIndex: info.Index,
				SnapshotTerm:  info.Term,
			},
		})

		n.logger.Info("installed snapshot from leader",
			"node_id", n.id,
			"snapshot_index", info.Index,
			"snapshot_term", info.Term,
			"kept_suffix", kept,
		)
		n.publish()
		n.persistHardState("install_snapshot", func(err error) { done(err) })
	})
}

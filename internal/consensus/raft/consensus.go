package raft

import (
	"context"
	"fmt"
	"slices"

	"github.com/i-melnichenko/raftengine/internal/consensus"
)

var _ consensus.Consensus = (*Node)(nil)

type submitResult struct {
	index uint64
	term  uint64
}

// StartCommand appends a new command to the leader log. It returns the index
// and term of the new entry, or isLeader=false when this node cannot accept
// commands.
// It implements consensus.Consensus.
func (n *Node) StartCommand(cmd []byte) (index, term uint64, isLeader bool) {
	res, err := call(n.ctx, n, func(reply func(submitResult, error)) {
		idx, err := n.submit(EntryCommand, slices.Clone(cmd))
		reply(submitResult{index: idx, term: n.currentTerm}, err)
	})
	if err != nil {
		return 0, 0, false
	}
	return res.index, res.term, true
}

// Submit is StartCommand with a typed error. A non-leader returns a
// *NotLeaderError carrying the known leader.
func (n *Node) Submit(ctx context.Context, cmd []byte) (uint64, error) {
	return call(ctx, n, func(reply func(uint64, error)) {
		reply(n.submit(EntryCommand, slices.Clone(cmd)))
	})
}

func (n *Node) submit(typ EntryType, payload []byte) (uint64, error) {
	if err := n.checkAvailable(); err != nil {
		return 0, err
	}
	ls, ok := n.leaderState()
	if !ok || !ls.ready {
		n.logger.Debug("command rejected: not leader",
			"node_id", n.id,
			"role", n.role().String(),
			"leader_id", n.knownLeader(),
		)
		leader := n.knownLeader()
		if leader == n.id {
			leader = ""
		}
		return 0, &NotLeaderError{LeaderID: leader}
	}

	entry, err := n.appendLocal(typ, payload)
	if err != nil {
		n.markDegraded(err)
		return 0, err
	}
	n.logger.Debug("command appended to leader log",
		"node_id", n.id,
		"index", entry.Index,
		"term", entry.Term,
		"type", typ.String(),
	)
	n.broadcast()
	n.publish()
	return entry.Index, nil
}

// ChangeVotingConfig appends a voting config entry replacing the member set.
// The new config takes effect once the entry commits. Only one change may be
// uncommitted at a time.
func (n *Node) ChangeVotingConfig(ctx context.Context, members []string) (uint64, error) {
	cfg := VotingConfig{Members: members}.Clone()
	if cfg.IsEmpty() {
		return 0, fmt.Errorf("raft: voting config must not be empty")
	}
	payload, err := cfg.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return call(ctx, n, func(reply func(uint64, error)) {
		if n.pendingConfig != 0 {
			reply(0, ErrConfigChangeInProgress)
			return
		}
		idx, err := n.submit(EntryVotingConfig, payload)
		if err == nil {
			n.pendingConfig = idx
			n.logger.Info("voting config change proposed",
				"node_id", n.id,
				"index", idx,
				"members", cfg.Members,
			)
		}
		reply(idx, err)
	})
}

// BecomePersistent switches the node to its durable backend and writes the
// current snapshot, retained entries and hard state to it. It returns false
// when the node was already persistent or has no durable backend.
func (n *Node) BecomePersistent(ctx context.Context) (bool, error) {
	return call(ctx, n, func(reply func(bool, error)) {
		if err := n.checkAvailable(); err != nil {
			reply(false, err)
			return
		}
		if !n.control.BecomePersistent() {
			reply(false, nil)
			return
		}
		store := n.control.EntryStore()
		snapStore := n.control.SnapshotStore()
		snap := n.snapshots.Current()
		entries := n.log.Entries(n.log.FirstIndex(), n.log.LastIndex())
		hs := n.hardState()

		n.exec.Submit(func() error {
			if err := store.DiscardFrom(0); err != nil {
				return err
			}
			if snap != nil {
				if err := snapStore.SaveSnapshot(*snap); err != nil {
					return err
				}
			}
			if err := store.AppendEntries(entries); err != nil {
				return err
			}
			return store.SaveHardState(hs)
		}, func(err error) {
			if err != nil {
				n.metrics.IncRaftStorageError(n.id, "backfill")
				n.markDegraded(fmt.Errorf("backfill durable storage: %w", err))
				reply(false, err)
				return
			}
			n.metrics.SetRaftPersistent(n.id, true)
			n.logger.Info("persistence enabled",
				"node_id", n.id,
				"entries", len(entries),
				"snapshot", snap != nil,
			)
			n.publish()
			reply(true, nil)
		})
	})
}

// ApplyCh returns the channel used to deliver committed entries and snapshots.
func (n *Node) ApplyCh() <-chan consensus.ApplyMsg {
	return n.applier.applyCh
}

// IsLeader reports whether the node currently accepts commands.
func (n *Node) IsLeader() bool {
	n.view.mu.RLock()
	defer n.view.mu.RUnlock()
	return n.view.admin.Role == Leader && n.view.admin.Status == NodeStatusHealthy
}

// Leader returns the last known leader id, empty when unknown.
func (n *Node) Leader() string {
	n.view.mu.RLock()
	defer n.view.mu.RUnlock()
	return n.view.leader
}

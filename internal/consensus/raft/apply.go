package raft

import (
	"context"
	"sync"

	"github.com/i-melnichenko/raftengine/internal/consensus"
)

// applyItem is one delivery to the application. msg is nil for entries the
// application never sees, such as no-ops; they still advance lastApplied.
type applyItem struct {
	index uint64
	term  uint64
	msg   *consensus.ApplyMsg
	// control items carry requests rather than log positions.
	control bool
}

// applier delivers committed entries and snapshots to the apply channel on
// its own goroutine so a slow application never blocks the event loop.
type applier struct {
	applyCh chan consensus.ApplyMsg

	mu     sync.Mutex
	queue  []applyItem
	notify chan struct{}
}

func newApplier(applyCh chan consensus.ApplyMsg) *applier {
	return &applier{
		applyCh: applyCh,
		notify:  make(chan struct{}, 1),
	}
}

func (a *applier) push(items ...applyItem) {
	if len(items) == 0 {
		return
	}
	a.mu.Lock()
	a.queue = append(a.queue, items...)
	a.mu.Unlock()
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

func (a *applier) pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

// run delivers queued items in order and reports each delivered log
// position to applied.
func (a *applier) run(ctx context.Context, applied func(EntryInfo)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.notify:
		}

		for {
			a.mu.Lock()
			if len(a.queue) == 0 {
				a.mu.Unlock()
				break
			}
			item := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()

			if item.msg != nil && a.applyCh != nil {
				select {
				case <-ctx.Done():
					return
				case a.applyCh <- *item.msg:
				}
			}
			if !item.control {
				applied(EntryInfo{Index: item.index, Term: item.term})
			}
		}
	}
}

// scheduleApply hands committed entries that were not queued yet to the
// applier.
func (n *Node) scheduleApply() {
	commit := n.log.CommitIndex()
	if n.applyQueued >= commit {
		return
	}
	from := max(n.applyQueued+1, n.log.FirstIndex())
	entries := n.log.Entries(from, commit)
	items := make([]applyItem, 0, len(entries))
	for _, e := range entries {
		item := applyItem{index: e.Index, term: e.Term}
		if e.Type == EntryCommand {
			item.msg = &consensus.ApplyMsg{
				CommandValid: true,
				Command:      e.Command,
				CommandIndex: e.Index,
				CommandTerm:  e.Term,
			}
		}
		items = append(items, item)
	}
	n.applyQueued = commit
	n.applier.push(items...)
}

// onApplied runs on the event loop after the application received the entry
// or snapshot at info.
func (n *Node) onApplied(info EntryInfo) {
	if info.Index <= n.log.LastApplied() {
		return
	}
	n.log.MarkLastApplied(info.Index)
	now := n.clock.Now()
	for idx, ts := range n.commitSeenAt {
		if idx > info.Index {
			continue
		}
		if idx == info.Index {
			n.metrics.ObserveRaftCommitToApplyDuration(n.id, now.Sub(ts))
		}
		delete(n.commitSeenAt, idx)
	}
	for idx := range n.startSeenAt {
		if idx <= info.Index {
			delete(n.startSeenAt, idx)
		}
	}
	n.metrics.SetRaftApplyLag(n.id, int64(n.log.CommitIndex()-n.log.LastApplied())) //nolint:gosec // lag fits in int64
	n.maybeRequestSnapshot(info)
	n.publishApplied()
}

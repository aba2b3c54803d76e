// Package raft contains the consensus backbone of the replicated store.
//
// It implements leader election, log replication with message slicing,
// commit/apply flow, snapshot capture and installation, and storage-backed
// state recovery. The application sits on top via the consensus.Consensus
// interface: it submits serialized operations through StartCommand(cmd) and
// applies committed entries received from ApplyCh().
//
// A node processes every input on a single event loop. RPC handlers, client
// submissions, timer fires, peer replies and storage completions are all
// events, so role transitions and log mutations never race. Durable writes
// run on a storage worker and report back through the StorageCompleter.
//
// Transport wiring is intentionally kept outside this package.
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/raftengine/internal/consensus"
)

// Logger is the logging interface used by the node. *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const (
	mailboxSize     = 1024
	storageQueueLen = 256
)

// event is a unit of work executed on the node's event loop.
type event func()

// Node is a single Raft replica that manages elections, replication, and apply.
type Node struct {
	cfg     Config
	id      string
	peers   map[string]PeerClient
	control *PersistenceControl
	logger  Logger
	tracer  oteltrace.Tracer
	metrics Metrics
	clock   clock.Clock

	mailbox   chan event
	completer *StorageCompleter
	exec      storageExecutor
	snapshots *snapshotManager
	slices    *Reassembler
	applier   *applier

	// spawn runs outbound RPCs. Tests replace it to run them inline.
	spawn             func(func())
	electionTimeoutFn func() time.Duration

	// Everything below is owned by the event loop.

	state       roleState
	currentTerm uint64
	votedFor    string
	degraded    bool

	log *ReplicatedLog
	// config is the committed voting configuration in effect.
	config      VotingConfig
	configIndex uint64
	// pendingConfig is the index of an uncommitted config entry, or 0.
	pendingConfig uint64

	// durableIndex is the highest local index known to be durably stored.
	// logEpoch changes whenever the log suffix is replaced so completions of
	// writes issued for an older suffix do not raise durableIndex.
	durableIndex uint64
	logEpoch     uint64

	// applyQueued is the highest index handed to the applier.
	applyQueued      uint64
	captureRequested bool

	electionGen    uint64
	electionTimer  *clock.Timer
	heartbeatGen   uint64
	heartbeatTimer *clock.Timer

	startSeenAt  map[uint64]time.Time
	commitSeenAt map[uint64]time.Time

	view view

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	runOnce  sync.Once
	stopOnce sync.Once
}

// view is the state published by the event loop for lock-protected readers.
type view struct {
	mu     sync.RWMutex
	admin  AdminState
	leader string
}

// NewNode creates a Raft node and restores persisted state through control.
//
// The peers map must contain remote peers only. If self is present, it is
// ignored during normalization. Logger is required; tracer and metrics may be
// nil.
func NewNode(
	cfg Config,
	peers map[string]PeerClient,
	applyCh chan consensus.ApplyMsg,
	control *PersistenceControl,
	logger Logger,
	tracer oteltrace.Tracer,
	metrics Metrics,
) (*Node, error) {
	if control == nil {
		return nil, ErrNilStorage
	}
	if logger == nil {
		return nil, ErrNilLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("raft")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	clk := clock.New()
	completer := NewStorageCompleter()
	n := &Node{
		cfg:          cfg,
		id:           cfg.ID,
		peers:        normalizePeers(cfg.ID, peers),
		control:      control,
		logger:       logger,
		tracer:       tracer,
		metrics:      metrics,
		clock:        clk,
		mailbox:      make(chan event, mailboxSize),
		completer:    completer,
		slices:       NewReassembler(clk, cfg.SliceTimeout),
		applier:      newApplier(applyCh),
		spawn:        func(fn func()) { go fn() },
		state:        followerState{},
		startSeenAt:  make(map[uint64]time.Time),
		commitSeenAt: make(map[uint64]time.Time),
		done:         make(chan struct{}),
	}
	n.electionTimeoutFn = n.randomElectionTimeout
	n.snapshots = newSnapshotManager(control, clk)
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if err := n.recover(); err != nil {
		return nil, err
	}
	metrics.SetRaftPersistent(n.id, control.IsPersistent())
	n.publish()
	return n, nil
}

// recover rebuilds term, vote, config and the replicated log from the active
// entry and snapshot stores.
func (n *Node) recover() error {
	store := n.control.EntryStore()
	hs, err := store.LoadHardState()
	if err != nil {
		return fmt.Errorf("raft: load hard state: %w", err)
	}
	snap, err := n.control.SnapshotStore().LatestSnapshot()
	if err != nil {
		return fmt.Errorf("raft: load snapshot: %w", err)
	}

	rec := NewRecoveryLog(n.cfg.SnapshotBatchCount, n.cfg.SnapshotByteThreshold)
	if snap != nil {
		rec.SetSnapshotIndex(snap.LastIncluded.Index)
		rec.SetSnapshotTerm(snap.LastIncluded.Term)
		n.snapshots.setCurrent(*snap)
	}
	rec.SetCommitIndex(hs.CommitIndex)

	var (
		replayConfig      VotingConfig
		replayConfigIndex uint64
	)
	from := uint64(1)
	if snap != nil {
		from = snap.LastIncluded.Index + 1
	}
	err = store.ReplayEntries(from, func(e LogEntry) error {
		if !rec.Append(e) {
			return fmt.Errorf("%w: replayed index %d after %d", ErrNonContiguousLog, e.Index, rec.LastIndex())
		}
		if e.Type == EntryVotingConfig && e.Index <= hs.CommitIndex {
			var c VotingConfig
			if err := c.UnmarshalBinary(e.Command); err != nil {
				return fmt.Errorf("raft: decode voting config at %d: %w", e.Index, err)
			}
			replayConfig, replayConfigIndex = c, e.Index
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("raft: replay journal: %w", err)
	}

	n.log = rec.Build()
	n.currentTerm = hs.CurrentTerm
	n.votedFor = hs.VotedFor
	n.durableIndex = n.log.LastIndex()
	n.applyQueued = n.log.LastApplied()

	switch {
	case !replayConfig.IsEmpty():
		n.config, n.configIndex = replayConfig.Clone(), replayConfigIndex
	case !hs.Config.IsEmpty():
		n.config = hs.Config.Clone()
	case snap != nil && !snap.Config.IsEmpty():
		n.config = snap.Config.Clone()
	case len(n.cfg.InitialMembers) > 0:
		n.config = VotingConfig{Members: n.cfg.InitialMembers}.Clone()
	default:
		members := make([]string, 0, 1+len(n.peers))
		members = append(members, n.id)
		for peerID := range n.peers {
			members = append(members, peerID)
		}
		n.config = VotingConfig{Members: members}.Clone()
	}

	if snap != nil {
		n.applier.push(applyItem{
			index: snap.LastIncluded.Index,
			term:  snap.LastIncluded.Term,
			msg: &consensus.ApplyMsg{
				SnapshotValid: true,
				Snapshot:      append([]byte(nil), snap.Data...),
				SnapshotIndex: snap.LastIncluded.Index,
				SnapshotTerm:  snap.LastIncluded.Term,
			},
		})
	}

	n.logger.Info("raft state recovered",
		"node_id", n.id,
		"term", n.currentTerm,
		"snapshot_index", n.log.SnapshotIndex(),
		"commit_index", n.log.CommitIndex(),
		"last_index", n.log.LastIndex(),
		"members", n.config.Members,
	)
	return nil
}

// Run starts the event loop and the apply loop and returns immediately.
func (n *Node) Run(ctx context.Context) {
	n.runOnce.Do(func() {
		if n.exec == nil {
			n.exec = newAsyncExecutor(n.completer, storageQueueLen)
		}
		n.snapshots.exec = n.exec

		n.wg.Add(2)
		go func() {
			defer n.wg.Done()
			n.loop()
		}()
		go func() {
			defer n.wg.Done()
			n.applier.run(n.ctx, func(info EntryInfo) {
				n.post(func() { n.onApplied(info) })
			})
		}()
		go func() {
			select {
			case <-ctx.Done():
				n.Stop()
			case <-n.done:
			}
		}()

		n.post(func() {
			n.scheduleApply()
			n.resetElectionTimer()
		})
	})
}

func (n *Node) loop() {
	for {
		select {
		case <-n.ctx.Done():
			n.stopTimers()
			return
		case ev := <-n.mailbox:
			ev()
			n.completer.Drain()
		case <-n.completer.Ready():
			n.completer.Drain()
		}
	}
}

// post enqueues ev on the event loop. It drops ev once the node stopped.
func (n *Node) post(ev event) {
	select {
	case n.mailbox <- ev:
	case <-n.done:
	}
}

type result[T any] struct {
	v   T
	err error
}

// call runs fn on the event loop and waits for its first reply. fn may reply
// from a later event, such as a storage completion.
func call[T any](ctx context.Context, n *Node, fn func(reply func(T, error))) (T, error) {
	var zero T
	ch := make(chan result[T], 1)
	reply := func(v T, err error) {
		select {
		case ch <- result[T]{v: v, err: err}:
		default:
		}
	}
	select {
	case n.mailbox <- func() { fn(reply) }:
	case <-n.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-n.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Stop implements consensus.Consensus.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		close(n.done)
		n.wg.Wait()
		if n.exec != nil {
			n.exec.Close()
		}
		n.completer.Drain()
		for _, peerClient := range n.peers {
			_ = peerClient.Close()
		}
	})
}

// normalizePeers returns a copy of peers without selfID.
func normalizePeers(selfID string, peers map[string]PeerClient) map[string]PeerClient {
	normalized := make(map[string]PeerClient, len(peers))
	for id, client := range peers {
		if id == selfID {
			continue
		}
		normalized[id] = client
	}
	return normalized
}

func (n *Node) randomElectionTimeout() time.Duration {
	spread := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	if spread <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	//nolint:gosec // Raft election timeout requires pseudo-random jitter, not cryptographic randomness.
	return n.cfg.ElectionTimeoutMin + time.Duration(rand.Int63n(int64(spread)+1))
}

func (n *Node) hardState() HardState {
	return HardState{
		CurrentTerm: n.currentTerm,
		VotedFor:    n.votedFor,
		CommitIndex: n.log.CommitIndex(),
		Config:      n.config.Clone(),
	}
}

// persistHardState writes the current hard state. done, if set, runs on the
// event loop with the outcome of the write.
func (n *Node) persistHardState(reason string, done func(error)) {
	hs := n.hardState()
	store := n.control.EntryStore()
	_, span := n.startSpan(n.ctx, "raft.storage.SaveHardState")
	n.exec.Submit(func() error {
		return store.SaveHardState(hs)
	}, func(err error) {
		finishSpan(span, err)
		if err != nil && !isStopped(err) {
			n.metrics.IncRaftStorageError(n.id, "save_hard_state")
			n.markDegraded(fmt.Errorf("save hard state (%s): %w", reason, err))
			err = ErrNodeDegraded
		}
		if done != nil {
			done(err)
		}
	})
}

// persistEntries durably appends entries that were already added to the
// in-memory log and raises durableIndex once they are stored.
func (n *Node) persistEntries(entries []LogEntry) {
	if len(entries) == 0 {
		return
	}
	epoch := n.logEpoch
	last := entries[len(entries)-1].Index
	store := n.control.EntryStore()
	_, span := n.startSpan(n.ctx, "raft.storage.AppendEntries")
	n.exec.Submit(func() error {
		return store.AppendEntries(entries)
	}, func(err error) {
		finishSpan(span, err)
		if isStopped(err) {
			return
		}
		if err != nil {
			n.metrics.IncRaftStorageError(n.id, "append_entries")
			n.markDegraded(fmt.Errorf("append entries: %w", err))
			return
		}
		if epoch != n.logEpoch || last <= n.durableIndex {
			return
		}
		n.durableIndex = last
		if _, ok := n.leaderState(); ok {
			n.advanceCommitIndex()
		}
	})
}

// persistDiscardFrom removes stored entries at or after index.
func (n *Node) persistDiscardFrom(index uint64) {
	store := n.control.EntryStore()
	n.exec.Submit(func() error {
		return store.DiscardFrom(index)
	}, func(err error) {
		if err != nil && !isStopped(err) {
			n.metrics.IncRaftStorageError(n.id, "discard_from")
			n.markDegraded(fmt.Errorf("discard entries from %d: %w", index, err))
		}
	})
}

// persistDiscardUpTo removes stored entries covered by a snapshot. A failure
// only leaves extra entries that recovery skips.
func (n *Node) persistDiscardUpTo(index uint64) {
	store := n.control.EntryStore()
	n.exec.Submit(func() error {
		return store.DiscardUpTo(index)
	}, func(err error) {
		if err != nil && !isStopped(err) {
			n.metrics.IncRaftStorageError(n.id, "discard_up_to")
			n.logger.Warn("failed to compact journal after snapshot",
				"node_id", n.id,
				"index", index,
				"error", err,
			)
		}
	})
}

// afterDurable runs fn once every storage operation submitted so far has
// completed. fn receives ErrNodeDegraded if one of them failed.
func (n *Node) afterDurable(fn func(error)) {
	n.exec.Submit(nil, func(err error) {
		if err == nil && n.degraded {
			err = ErrNodeDegraded
		}
		fn(err)
	})
}

// truncateSuffix drops the in-memory and stored log from index on.
func (n *Node) truncateSuffix(index uint64) bool {
	if !n.log.TrimToReceive(index) {
		return false
	}
	n.logEpoch++
	if n.durableIndex >= index {
		n.durableIndex = index - 1
	}
	if n.pendingConfig >= index {
		n.pendingConfig = 0
	}
	n.slices.DiscardFrom(index)
	n.persistDiscardFrom(index)
	return true
}

func (n *Node) markDegraded(err error) {
	if err == nil || n.degraded {
		return
	}
	n.degraded = true
	n.stopTimers()
	n.logger.Error(
		"raft node degraded due to persistence error",
		"node_id", n.id,
		"error", err,
	)
	n.publish()
}

func (n *Node) checkAvailable() error {
	if n.degraded {
		return ErrNodeDegraded
	}
	return nil
}

// isStopped reports whether err means the node is no longer running.
func isStopped(err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled)
}

// Status reports runtime node health.
//
// A degraded node encountered a persistence error it cannot recover from,
// logged it, and stopped making progress.
func (n *Node) Status() NodeStatus {
	n.view.mu.RLock()
	defer n.view.mu.RUnlock()
	return n.view.admin.Status
}

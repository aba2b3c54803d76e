// Package service contains application services exposed via transports.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/raftengine/internal/consensus"
	"github.com/i-melnichenko/raftengine/internal/kv"
)

// ErrNotLeader is returned when a write is proposed to a non-leader node.
var ErrNotLeader = errors.New("service: not leader")

// ErrProposalLost is returned when the log index a write was proposed at was
// filled by a different entry, typically after a leader change. The write was
// not confirmed as applied and may be retried.
var ErrProposalLost = errors.New("service: proposal replaced by another entry")

// appliedTermWindow is how many recently applied command indices keep their
// term for writers that check the outcome after the apply loop moved on.
const appliedTermWindow = 4096

// ErrCommitTimeout is returned when a write is accepted for replication but
// does not get committed/applied before the request deadline.
var ErrCommitTimeout = errors.New("service: write not committed before deadline")

// NotLeaderError carries the last known leader so clients can redirect.
// It matches ErrNotLeader with errors.Is.
type NotLeaderError struct {
	LeaderID string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader %s)", ErrNotLeader, e.LeaderID)
}

// Is reports whether target is ErrNotLeader.
func (e *NotLeaderError) Is(target error) bool { return target == ErrNotLeader }

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics captures service-level metric sinks used by KV.
type Metrics interface {
	ObserveKVWaitAppliedDuration(nodeID string, d time.Duration, ok bool)
	IncKVProposalResult(nodeID, result string)
	IncKVRedirect(nodeID string)
	ObserveKVSnapshotDuration(nodeID string, d time.Duration)
	ObserveKVSnapshotBytes(nodeID string, n int)
	IncKVSnapshot(nodeID, result string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveKVWaitAppliedDuration(string, time.Duration, bool) {}
func (noopMetrics) IncKVProposalResult(string, string)                       {}
func (noopMetrics) IncKVRedirect(string)                                     {}
func (noopMetrics) ObserveKVSnapshotDuration(string, time.Duration)          {}
func (noopMetrics) ObserveKVSnapshotBytes(string, int)                       {}
func (noopMetrics) IncKVSnapshot(string, string)                             {}

// KV is the application service that bridges the KV store and consensus layer.
type KV struct {
	consensus consensus.Consensus
	store     *kv.Store
	logger    Logger
	tracer    oteltrace.Tracer
	metrics   Metrics
	nodeID    string

	mu          sync.Mutex
	lastApplied uint64
	// appliedCh is closed and replaced whenever lastApplied advances.
	appliedCh chan struct{}
	// appliedTerms maps recently applied command indices to their term.
	// Indices with a waiting writer are kept past the window.
	appliedTerms map[uint64]uint64
	waiting      map[uint64]int
	// restoredIndex and restoredTerm describe the last installed snapshot.
	restoredIndex uint64
	restoredTerm  uint64
}

// NewKV creates a KV service backed by the provided consensus engine and store.
// Tracer and metrics may be nil.
func NewKV(c consensus.Consensus, store *kv.Store, logger Logger, tracer oteltrace.Tracer, metrics Metrics, nodeID string) *KV {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("service")
	}
	return &KV{
		consensus: c,
		store:     store,
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
		nodeID:    nodeID,
		appliedCh:    make(chan struct{}),
		appliedTerms: make(map[uint64]uint64),
		waiting:      make(map[uint64]int),
	}
}

func (s *KV) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func kvSpanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

func indexAttr(key string, v uint64) attribute.KeyValue {
	if v > math.MaxInt64 {
		return attribute.Int64(key, math.MaxInt64)
	}
	return attribute.Int64(key, int64(v))
}

// Get returns a value from the local KV state machine.
func (s *KV) Get(key string) (string, bool) {
	return s.store.Get(key)
}

// Put replicates key=value and returns once the local store has applied it.
func (s *KV) Put(ctx context.Context, key, value string) (uint64, error) {
	return s.write(ctx, kv.Command{Type: kv.PutCmd, Key: key, Value: value})
}

// Delete replicates the removal of key and returns once it is applied locally.
func (s *KV) Delete(ctx context.Context, key string) (uint64, error) {
	return s.write(ctx, kv.Command{Type: kv.DeleteCmd, Key: key})
}

func (s *KV) write(ctx context.Context, cmd kv.Command) (uint64, error) {
	ctx, span := s.startSpan(ctx, "kv.service."+cmd.Type.String(),
		attribute.String("kv.key", cmd.Key),
		attribute.Int("kv.value.bytes", len(cmd.Value)),
	)
	defer span.End()

	index, err := s.propose(ctx, cmd)
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	span.SetAttributes(indexAttr("raft.log.index", index))
	return index, nil
}

// IsLeader reports whether the underlying consensus node is currently leader.
func (s *KV) IsLeader() bool {
	return s.consensus.IsLeader()
}

// LastApplied returns the index of the last command or snapshot applied to the store.
func (s *KV) LastApplied() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastApplied
}

// RunApplyLoop applies consensus messages to the KV store until ctx is canceled
// or a handler returns an error.
func (s *KV) RunApplyLoop(ctx context.Context) error {
	ch := s.consensus.ApplyCh()
	if ch == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := s.handleApply(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (s *KV) handleApply(ctx context.Context, msg consensus.ApplyMsg) error {
	switch {
	case msg.SnapshotValid:
		return s.restore(ctx, msg)
	case msg.SnapshotRequested:
		return s.snapshot(ctx, msg.SnapshotIndex)
	case msg.CommandValid:
		return s.apply(ctx, msg)
	}
	return nil
}

func (s *KV) restore(ctx context.Context, msg consensus.ApplyMsg) error {
	ctx, span := s.startSpan(ctx, "kv.service.restore",
		indexAttr("raft.snapshot.index", msg.SnapshotIndex),
		attribute.Int("kv.snapshot.bytes", len(msg.Snapshot)),
	)
	defer span.End()

	if err := s.store.RestoreSnapshot(ctx, msg.Snapshot); err != nil {
		kvSpanRecordError(span, err)
		return fmt.Errorf("service: restore snapshot at %d: %w", msg.SnapshotIndex, err)
	}
	s.mu.Lock()
	if msg.SnapshotIndex > s.lastApplied {
		s.restoredIndex, s.restoredTerm = msg.SnapshotIndex, msg.SnapshotTerm
	}
	s.mu.Unlock()
	s.setApplied(msg.SnapshotIndex)
	s.logger.Info("state restored from snapshot",
		"node_id", s.nodeID,
		"index", msg.SnapshotIndex,
		"keys", s.store.Len(),
	)
	return nil
}

func (s *KV) apply(ctx context.Context, msg consensus.ApplyMsg) error {
	ctx, span := s.startSpan(ctx, "kv.service.apply",
		indexAttr("raft.log.index", msg.CommandIndex),
		attribute.Int("kv.command.bytes", len(msg.Command)),
	)
	defer span.End()

	if err := s.store.Apply(ctx, msg.Command); err != nil {
		kvSpanRecordError(span, err)
		return fmt.Errorf("service: apply index %d: %w", msg.CommandIndex, err)
	}
	s.mu.Lock()
	s.recordTermLocked(msg.CommandIndex, msg.CommandTerm)
	s.mu.Unlock()
	s.setApplied(msg.CommandIndex)
	s.logger.Debug("command applied", "node_id", s.nodeID, "index", msg.CommandIndex)
	return nil
}

// snapshot hands the current state to consensus. The apply loop is the only
// writer, so the captured state corresponds exactly to lastApplied, which is
// at or past the requested index.
func (s *KV) snapshot(ctx context.Context, requested uint64) error {
	ctx, span := s.startSpan(ctx, "kv.service.snapshot", indexAttr("raft.snapshot.requested_index", requested))
	defer span.End()
	start := time.Now()

	index := s.LastApplied()
	if index < requested {
		s.logger.Warn("snapshot requested beyond applied state",
			"node_id", s.nodeID,
			"requested", requested,
			"last_applied", index,
		)
		s.metrics.IncKVSnapshot(s.nodeID, "behind")
		return nil
	}

	data, err := s.store.Snapshot(ctx)
	if err != nil {
		s.metrics.IncKVSnapshot(s.nodeID, "store_error")
		kvSpanRecordError(span, err)
		return err
	}
	span.SetAttributes(indexAttr("raft.snapshot.index", index), attribute.Int("kv.snapshot.bytes", len(data)))
	s.metrics.ObserveKVSnapshotBytes(s.nodeID, len(data))

	if err := s.consensus.Snapshot(index, data); err != nil {
		// A failed capture is retried at the next request; the apply loop keeps running.
		s.metrics.IncKVSnapshot(s.nodeID, "consensus_error")
		kvSpanRecordError(span, err)
		s.logger.Warn("snapshot handoff failed", "node_id", s.nodeID, "index", index, "error", err)
		return nil
	}
	s.metrics.ObserveKVSnapshotDuration(s.nodeID, time.Since(start))
	s.metrics.IncKVSnapshot(s.nodeID, "ok")
	return nil
}

func (s *KV) propose(ctx context.Context, cmd kv.Command) (uint64, error) {
	ctx, span := s.startSpan(ctx, "kv.service.propose",
		attribute.String("kv.command.type", cmd.Type.String()),
		attribute.String("kv.key", cmd.Key),
	)
	defer span.End()

	raw, err := cmd.MarshalBinary()
	if err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}

	index, term, isLeader := s.consensus.StartCommand(raw)
	if !isLeader {
		s.metrics.IncKVProposalResult(s.nodeID, "not_leader")
		err := &NotLeaderError{LeaderID: s.consensus.Leader()}
		if err.LeaderID != "" {
			s.metrics.IncKVRedirect(s.nodeID)
		}
		kvSpanRecordError(span, err)
		return 0, err
	}
	s.metrics.IncKVProposalResult(s.nodeID, "accepted")
	span.SetAttributes(indexAttr("raft.log.index", index), indexAttr("raft.term", term))
	s.logger.Debug("command accepted by consensus",
		"node_id", s.nodeID,
		"index", index,
		"term", term,
		"type", cmd.Type.String(),
		"key", cmd.Key,
	)
	if err := s.waitApplied(ctx, index, term); err != nil {
		kvSpanRecordError(span, err)
		return 0, err
	}
	return index, nil
}

// waitApplied blocks until index is applied and then checks that the entry
// applied there is the one proposed in term.
func (s *KV) waitApplied(ctx context.Context, index, term uint64) error {
	start := time.Now()
	s.mu.Lock()
	s.waiting[index]++
	s.mu.Unlock()
	defer s.stopWaiting(index)

	for {
		s.mu.Lock()
		applied, wake := s.lastApplied, s.appliedCh
		var outcome error
		if applied >= index {
			outcome = s.outcomeLocked(index, term)
		}
		s.mu.Unlock()
		if applied >= index {
			s.metrics.ObserveKVWaitAppliedDuration(s.nodeID, time.Since(start), outcome == nil)
			if outcome != nil {
				s.metrics.IncKVProposalResult(s.nodeID, "lost")
			}
			return outcome
		}
		select {
		case <-ctx.Done():
			s.metrics.ObserveKVWaitAppliedDuration(s.nodeID, time.Since(start), false)
			s.metrics.IncKVProposalResult(s.nodeID, "commit_timeout")
			return fmt.Errorf("%w: index %d", ErrCommitTimeout, index)
		case <-wake:
		}
	}
}

// outcomeLocked decides whether the command proposed at (index, term) is the
// one that was applied. Only commands reach the apply loop, so an index with
// no recorded command held a no-op or config entry. A snapshot from the same
// term covering index includes the proposal, since a leader never rewrites
// its own entries.
func (s *KV) outcomeLocked(index, term uint64) error {
	if applied, ok := s.appliedTerms[index]; ok {
		if applied == term {
			return nil
		}
		return fmt.Errorf("%w: index %d applied from term %d, proposed in term %d", ErrProposalLost, index, applied, term)
	}
	if s.restoredIndex >= index && s.restoredTerm == term {
		return nil
	}
	return fmt.Errorf("%w: index %d", ErrProposalLost, index)
}

func (s *KV) recordTermLocked(index, term uint64) {
	s.appliedTerms[index] = term
	if index <= appliedTermWindow {
		return
	}
	old := index - appliedTermWindow
	if s.waiting[old] == 0 {
		delete(s.appliedTerms, old)
	}
}

func (s *KV) stopWaiting(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waiting[index]--
	if s.waiting[index] > 0 {
		return
	}
	delete(s.waiting, index)
	if index+appliedTermWindow <= s.lastApplied {
		delete(s.appliedTerms, index)
	}
}

func (s *KV) setApplied(index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index <= s.lastApplied {
		return
	}
	s.lastApplied = index
	close(s.appliedCh)
	s.appliedCh = make(chan struct{})
}

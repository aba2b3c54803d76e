//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "raftengine"

var (
	latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1}
	sizeBuckets    = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216}
)

// Prometheus exposes application metrics and can be injected into service/raft layers.
// It implements both internal/service.Metrics and internal/consensus/raft.Metrics
// through method set compatibility, without importing those packages.
type Prometheus struct {
	kvWaitApplied    *prometheus.HistogramVec
	kvProposals      *prometheus.CounterVec
	kvSnapshotDur    *prometheus.HistogramVec
	kvSnapshotBytes  *prometheus.HistogramVec
	kvSnapshots      *prometheus.CounterVec
	kvRedirects      *prometheus.CounterVec
	appendRPC        *prometheus.HistogramVec
	appendRejects    *prometheus.CounterVec
	appendErrors     *prometheus.CounterVec
	installRPC       *prometheus.HistogramVec
	installBytes     *prometheus.HistogramVec
	installSends     *prometheus.CounterVec
	electionsStarted *prometheus.CounterVec
	electionsWon     *prometheus.CounterVec
	electionsLost    *prometheus.CounterVec
	storageErrors    *prometheus.CounterVec
	applyLag         *prometheus.GaugeVec
	isLeader         *prometheus.GaugeVec
	startToCommit    *prometheus.HistogramVec
	commitToApply    *prometheus.HistogramVec
	sliceRounds      *prometheus.CounterVec
	captures         *prometheus.CounterVec
	captureBytes     *prometheus.HistogramVec
	persistent       *prometheus.GaugeVec
}

// NewPrometheus creates the collectors and registers them on reg, reusing
// collectors that are already registered. A nil reg uses the default registerer.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := registrar{reg: reg}
	m := &Prometheus{
		kvWaitApplied: r.histogram("kv", "wait_applied_duration_seconds",
			"Time a write waited for its entry to be applied.", latencyBuckets, "node_id", "result"),
		kvProposals: r.counter("kv", "proposal_total",
			"KV write proposal outcomes (accepted, not_leader, commit_timeout, error).", "node_id", "result"),
		kvSnapshotDur: r.histogram("kv", "snapshot_duration_seconds",
			"Duration of KV state capture and handoff to consensus.", latencyBuckets, "node_id"),
		kvSnapshotBytes: r.histogram("kv", "snapshot_bytes",
			"Serialized KV state size in bytes.", sizeBuckets, "node_id"),
		kvSnapshots: r.counter("kv", "snapshot_total",
			"KV snapshot captures by result.", "node_id", "result"),
		kvRedirects: r.counter("kv", "redirect_total",
			"Writes rejected with a leader hint.", "node_id"),
		appendRPC: r.histogram("raft", "appendentries_rpc_duration_seconds",
			"Duration of outbound AppendEntries RPC calls from a leader to a peer.", latencyBuckets, "node_id", "peer_id", "heartbeat"),
		appendRejects: r.counter("raft", "appendentries_reject_total",
			"AppendEntries rejections received from peers.", "node_id", "peer_id", "heartbeat"),
		appendErrors: r.counter("raft", "appendentries_rpc_error_total",
			"Outbound AppendEntries RPC errors by kind.", "node_id", "peer_id", "heartbeat", "kind"),
		installRPC: r.histogram("raft", "installsnapshot_rpc_duration_seconds",
			"Duration of outbound InstallSnapshot chunk RPCs.", latencyBuckets, "node_id", "peer_id"),
		installBytes: r.histogram("raft", "installsnapshot_chunk_bytes",
			"InstallSnapshot chunk size sent to a peer in bytes.", sizeBuckets, "node_id", "peer_id"),
		installSends: r.counter("raft", "installsnapshot_send_total",
			"InstallSnapshot chunk sends by result.", "node_id", "peer_id", "result"),
		electionsStarted: r.counter("raft", "election_started_total",
			"Elections started as candidate.", "node_id"),
		electionsWon: r.counter("raft", "election_won_total",
			"Elections won.", "node_id"),
		electionsLost: r.counter("raft", "election_lost_total",
			"Elections lost or aborted by reason.", "node_id", "reason"),
		storageErrors: r.counter("raft", "storage_error_total",
			"Persistence errors by operation.", "node_id", "op"),
		applyLag: r.gauge("raft", "apply_lag",
			"Difference between commit index and last applied index.", "node_id"),
		isLeader: r.gauge("raft", "is_leader",
			"1 if the node accepts commands as leader, otherwise 0.", "node_id"),
		startToCommit: r.histogram("raft", "start_to_commit_duration_seconds",
			"Time from the leader accepting a command to its commit.", latencyBuckets, "node_id"),
		commitToApply: r.histogram("raft", "commit_to_apply_duration_seconds",
			"Time from commit to delivery to the application.", latencyBuckets, "node_id"),
		sliceRounds: r.counter("raft", "slice_round_total",
			"Finished entry slicing rounds by result (complete, restart).", "node_id", "peer_id", "result"),
		captures: r.counter("raft", "snapshot_capture_total",
			"Snapshot captures by result.", "node_id", "result"),
		captureBytes: r.histogram("raft", "snapshot_capture_bytes",
			"Captured application state size in bytes.", sizeBuckets, "node_id"),
		persistent: r.gauge("raft", "persistent",
			"1 if the node writes to its durable backend, otherwise 0.", "node_id"),
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// registrar registers collectors and keeps the first error.
type registrar struct {
	reg prometheus.Registerer
	err error
}

func (r *registrar) histogram(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return register(r, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels))
}

func (r *registrar) counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return register(r, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels))
}

func (r *registrar) gauge(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	return register(r, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels))
}

func register[C prometheus.Collector](r *registrar, c C) C {
	if r.err != nil {
		return c
	}
	err := r.reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if !errors.As(err, &already) {
		r.err = fmt.Errorf("metrics: register %T: %w", c, err)
		return c
	}
	existing, ok := already.ExistingCollector.(C)
	if !ok {
		r.err = fmt.Errorf("metrics: collector type mismatch for %T", c)
		return c
	}
	return existing
}

func resultLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "timeout"
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (m *Prometheus) ObserveKVWaitAppliedDuration(nodeID string, d time.Duration, ok bool) {
	m.kvWaitApplied.WithLabelValues(nodeID, resultLabel(ok)).Observe(d.Seconds())
}

func (m *Prometheus) IncKVProposalResult(nodeID, result string) {
	m.kvProposals.WithLabelValues(nodeID, result).Inc()
}

func (m *Prometheus) ObserveKVSnapshotDuration(nodeID string, d time.Duration) {
	m.kvSnapshotDur.WithLabelValues(nodeID).Observe(d.Seconds())
}

func (m *Prometheus) ObserveKVSnapshotBytes(nodeID string, n int) {
	m.kvSnapshotBytes.WithLabelValues(nodeID).Observe(float64(n))
}

func (m *Prometheus) IncKVSnapshot(nodeID, result string) {
	m.kvSnapshots.WithLabelValues(nodeID, result).Inc()
}

func (m *Prometheus) IncKVRedirect(nodeID string) {
	m.kvRedirects.WithLabelValues(nodeID).Inc()
}

func (m *Prometheus) ObserveRaftAppendEntriesRPCDuration(nodeID, peerID string, heartbeat bool, d time.Duration) {
	m.appendRPC.WithLabelValues(nodeID, peerID, boolLabel(heartbeat)).Observe(d.Seconds())
}

func (m *Prometheus) IncRaftAppendEntriesReject(nodeID, peerID string, heartbeat bool) {
	m.appendRejects.WithLabelValues(nodeID, peerID, boolLabel(heartbeat)).Inc()
}

func (m *Prometheus) IncRaftAppendEntriesRPCError(nodeID, peerID string, heartbeat bool, kind string) {
	m.appendErrors.WithLabelValues(nodeID, peerID, boolLabel(heartbeat), kind).Inc()
}

func (m *Prometheus) ObserveRaftInstallSnapshotRPCDuration(nodeID, peerID string, d time.Duration) {
	m.installRPC.WithLabelValues(nodeID, peerID).Observe(d.Seconds())
}

func (m *Prometheus) ObserveRaftInstallSnapshotSendBytes(nodeID, peerID string, n int) {
	m.installBytes.WithLabelValues(nodeID, peerID).Observe(float64(n))
}

func (m *Prometheus) IncRaftInstallSnapshotSend(nodeID, peerID, result string) {
	m.installSends.WithLabelValues(nodeID, peerID, result).Inc()
}

func (m *Prometheus) IncRaftElectionStarted(nodeID string) {
	m.electionsStarted.WithLabelValues(nodeID).Inc()
}

func (m *Prometheus) IncRaftElectionWon(nodeID string) {
	m.electionsWon.WithLabelValues(nodeID).Inc()
}

func (m *Prometheus) IncRaftElectionLost(nodeID, reason string) {
	m.electionsLost.WithLabelValues(nodeID, reason).Inc()
}

func (m *Prometheus) IncRaftStorageError(nodeID, op string) {
	m.storageErrors.WithLabelValues(nodeID, op).Inc()
}

func (m *Prometheus) SetRaftApplyLag(nodeID string, lag int64) {
	m.applyLag.WithLabelValues(nodeID).Set(float64(lag))
}

func (m *Prometheus) SetRaftIsLeader(nodeID string, isLeader bool) {
	m.isLeader.WithLabelValues(nodeID).Set(boolGauge(isLeader))
}

func (m *Prometheus) ObserveRaftStartToCommitDuration(nodeID string, d time.Duration) {
	m.startToCommit.WithLabelValues(nodeID).Observe(d.Seconds())
}

func (m *Prometheus) ObserveRaftCommitToApplyDuration(nodeID string, d time.Duration) {
	m.commitToApply.WithLabelValues(nodeID).Observe(d.Seconds())
}

func (m *Prometheus) IncRaftSliceRound(nodeID, peerID, result string) {
	m.sliceRounds.WithLabelValues(nodeID, peerID, result).Inc()
}

func (m *Prometheus) IncRaftSnapshotCapture(nodeID, result string) {
	m.captures.WithLabelValues(nodeID, result).Inc()
}

func (m *Prometheus) ObserveRaftSnapshotBytes(nodeID string, n int) {
	m.captureBytes.WithLabelValues(nodeID).Observe(float64(n))
}

func (m *Prometheus) SetRaftPersistent(nodeID string, persistent bool) {
	m.persistent.WithLabelValues(nodeID).Set(boolGauge(persistent))
}

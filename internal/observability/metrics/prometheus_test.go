package metrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
	"github.com/i-melnichenko/raftengine/internal/observability/metrics"
	"github.com/i-melnichenko/raftengine/internal/service"
)

var (
	_ raft.Metrics    = (*metrics.Prometheus)(nil)
	_ service.Metrics = (*metrics.Prometheus)(nil)
)

func TestPrometheus_reusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := metrics.NewPrometheus(reg)
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}
	second, err := metrics.NewPrometheus(reg)
	if err != nil {
		t.Fatalf("second NewPrometheus() error = %v", err)
	}

	first.IncRaftSliceRound("n1", "n2", "restart")
	second.IncRaftSliceRound("n1", "n2", "restart")
	second.IncRaftSliceRound("n1", "n3", "complete")

	want := `
# HELP raftengine_raft_slice_round_total Finished entry slicing rounds by result (complete, restart).
# TYPE raftengine_raft_slice_round_total counter
raftengine_raft_slice_round_total{node_id="n1",peer_id="n2",result="restart"} 2
raftengine_raft_slice_round_total{node_id="n1",peer_id="n3",result="complete"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "raftengine_raft_slice_round_total"); err != nil {
		t.Fatalf("unexpected slice metrics: %v", err)
	}
}

func TestPrometheus_gauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewPrometheus(reg)
	if err != nil {
		t.Fatalf("NewPrometheus() error = %v", err)
	}

	m.SetRaftIsLeader("n1", true)
	m.SetRaftIsLeader("n1", false)
	m.SetRaftPersistent("n1", true)
	m.SetRaftApplyLag("n1", 7)

	want := `
# HELP raftengine_raft_apply_lag Difference between commit index and last applied index.
# TYPE raftengine_raft_apply_lag gauge
raftengine_raft_apply_lag{node_id="n1"} 7
# HELP raftengine_raft_is_leader 1 if the node accepts commands as leader, otherwise 0.
# TYPE raftengine_raft_is_leader gauge
raftengine_raft_is_leader{node_id="n1"} 0
# HELP raftengine_raft_persistent 1 if the node writes to its durable backend, otherwise 0.
# TYPE raftengine_raft_persistent gauge
raftengine_raft_persistent{node_id="n1"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"raftengine_raft_apply_lag", "raftengine_raft_is_leader", "raftengine_raft_persistent"); err != nil {
		t.Fatalf("unexpected gauges: %v", err)
	}
}

func TestNewPrometheus_conflictingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	clash := prometheus.NewGauge(prometheus.GaugeOpts{Name: "raftengine_kv_proposal_total", Help: "clash"})
	reg.MustRegister(clash)

	if _, err := metrics.NewPrometheus(reg); err == nil {
		t.Fatalf("expected an error when a different collector owns a metric name")
	}
}

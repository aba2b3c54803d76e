package raft

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var errPeerDown = errors.New("peer unreachable")

// localPeer delivers RPCs straight into another test node and processes them
// before returning, so a whole cluster runs deterministically on the test
// goroutine.
type localPeer struct {
	target *Node
	down   bool
	// slices counts AppendEntries requests that carried a slice.
	slices int
}

func (p *localPeer) RequestVote(_ context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	if p.down {
		return nil, errPeerDown
	}
	return deliver(p.target, func(reply func(*RequestVoteResponse, error)) {
		p.target.handleRequestVote(req, reply)
	})
}

func (p *localPeer) AppendEntries(_ context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	if p.down {
		return nil, errPeerDown
	}
	if req.Slice != nil {
		p.slices++
	}
	return deliver(p.target, func(reply func(*AppendEntriesResponse, error)) {
		p.target.handleAppendEntries(req, reply)
	})
}

func (p *localPeer) InstallSnapshot(_ context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	if p.down {
		return nil, errPeerDown
	}
	return deliver(p.target, func(reply func(*InstallSnapshotResponse, error)) {
		p.target.handleInstallSnapshot(req, reply)
	})
}

func (p *localPeer) Close() error { return nil }

func deliver[T any](n *Node, handle func(reply func(T, error))) (T, error) {
	var (
		out     T
		err     error
		replied bool
	)
	handle(func(v T, e error) {
		out, err, replied = v, e, true
	})
	drain(n)
	if !replied {
		return out, fmt.Errorf("no reply from %s", n.id)
	}
	return out, err
}

type testCluster struct {
	nodes map[string]*Node
	// links[from][to] is the client from uses to reach to.
	links map[string]map[string]*localPeer
}

func newTestCluster(t *testing.T, ids []string, tune func(*Config)) *testCluster {
	t.Helper()
	c := &testCluster{
		nodes: make(map[string]*Node, len(ids)),
		links: make(map[string]map[string]*localPeer, len(ids)),
	}
	for _, id := range ids {
		peers := make(map[string]PeerClient, len(ids)-1)
		c.links[id] = make(map[string]*localPeer, len(ids)-1)
		for _, other := range ids {
			if other == id {
				continue
			}
			p := &localPeer{}
			peers[other] = p
			c.links[id][other] = p
		}
		cfg := testConfig(id)
		if tune != nil {
			tune(&cfg)
		}
		n, _ := newTestNode(t, cfg, peers, NewInMemoryStorage())
		c.nodes[id] = n
	}
	for _, links := range c.links {
		for to, p := range links {
			p.target = c.nodes[to]
		}
	}
	return c
}

func (c *testCluster) elect(t *testing.T, id string) *Node {
	t.Helper()
	n := c.nodes[id]
	n.onElectionTimeout(n.electionGen)
	drain(n)
	if n.role() != Leader {
		t.Fatalf("expected %s to become leader, got %v", id, n.role())
	}
	return n
}

// heartbeat lets the leader propagate its commit index.
func (c *testCluster) heartbeat(n *Node) {
	n.onHeartbeat(n.heartbeatGen)
	drain(n)
}

// isolate cuts every link to and from id.
func (c *testCluster) isolate(id string, down bool) {
	for from, links := range c.links {
		for to, p := range links {
			if from == id || to == id {
				p.down = down
			}
		}
	}
}

func (c *testCluster) checkLogMatching(t *testing.T) {
	t.Helper()
	for aID, a := range c.nodes {
		for bID, b := range c.nodes {
			if aID >= bID {
				continue
			}
			last := min(a.log.LastIndex(), b.log.LastIndex())
			from := max(a.log.FirstIndex(), b.log.FirstIndex())
			// Find the highest shared position; everything before it must match.
			for idx := last; idx >= from && idx > 0; idx-- {
				ta, _ := a.log.TermAt(idx)
				tb, _ := b.log.TermAt(idx)
				if ta != tb {
					continue
				}
				if diff := cmp.Diff(a.log.Entries(from, idx), b.log.Entries(from, idx)); diff != "" {
					t.Fatalf("logs of %s and %s diverge before index %d (-%s +%s):\n%s", aID, bID, idx, aID, bID, diff)
				}
				break
			}
		}
	}
}

func TestCluster_slicedEntryReplicatesInOrder(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"}, func(cfg *Config) {
		cfg.MaxSliceSize = 20
	})
	leader := c.elect(t, "n1")

	big := bytes.Repeat([]byte("a"), 21)
	small := bytes.Repeat([]byte("b"), 19)
	if _, err := leader.submit(EntryCommand, big); err != nil {
		t.Fatalf("submit big: %v", err)
	}
	if _, err := leader.submit(EntryCommand, small); err != nil {
		t.Fatalf("submit small: %v", err)
	}
	drain(leader)
	c.heartbeat(leader)

	for id, p := range c.links["n1"] {
		if p.slices != 2 {
			t.Fatalf("expected 2 slices sent to %s, got %d", id, p.slices)
		}
	}

	want := []string{string(big), string(small)}
	for id, n := range c.nodes {
		if n.log.CommitIndex() != 3 {
			t.Fatalf("%s: expected commitIndex=3, got %d", id, n.log.CommitIndex())
		}
		got := commands(applyAll(n))
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s: applied commands mismatch (-want +got):\n%s", id, diff)
		}
		if n.log.LastApplied() != 3 {
			t.Fatalf("%s: expected lastApplied=3, got %d", id, n.log.LastApplied())
		}
		if n.slices.Pending() != 0 {
			t.Fatalf("%s: expected no partial entries, got %d", id, n.slices.Pending())
		}
	}
	for _, n := range c.nodes {
		if got := commands(applyAll(n)); len(got) != 0 {
			t.Fatalf("%s: expected entries to be applied once, got repeat %v", n.id, got)
		}
	}
	c.checkLogMatching(t)
}

func TestCluster_atMostOneLeaderPerTerm(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"}, nil)
	n1, n2 := c.nodes["n1"], c.nodes["n2"]

	// n2 campaigns in the same term with its own vote already durable.
	n2.currentTerm = 1
	n2.votedFor = "n2"
	n2.state = &candidateState{votes: map[string]bool{"n2": true}, requested: true}

	n1.onElectionTimeout(n1.electionGen)
	drain(n1)
	n2.requestVotes(1)
	drain(n2)

	leaders := map[uint64][]string{}
	for id, n := range c.nodes {
		if r := n.role(); r == Leader || r == PreLeader {
			leaders[n.currentTerm] = append(leaders[n.currentTerm], id)
		}
	}
	if diff := cmp.Diff(map[uint64][]string{1: {"n1"}}, leaders); diff != "" {
		t.Fatalf("leaders per term mismatch (-want +got):\n%s", diff)
	}
	if n2.role() != Follower || n2.knownLeader() != "n1" {
		t.Fatalf("expected n2 to follow n1, got %v following %q", n2.role(), n2.knownLeader())
	}
}

func TestCluster_newLeaderOverwritesUncommittedEntries(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"}, nil)
	old := c.elect(t, "n1")

	if _, err := old.submit(EntryCommand, []byte("committed")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(old)
	c.heartbeat(old)
	if old.log.CommitIndex() != 2 {
		t.Fatalf("expected commitIndex=2, got %d", old.log.CommitIndex())
	}

	c.isolate("n1", true)
	if _, err := old.submit(EntryCommand, []byte("lost")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(old)
	if old.log.LastIndex() != 3 || old.log.CommitIndex() != 2 {
		t.Fatalf("expected uncommitted entry at 3, got last=%d commit=%d", old.log.LastIndex(), old.log.CommitIndex())
	}

	next := c.elect(t, "n2")
	if next.currentTerm != 2 {
		t.Fatalf("expected new leader in term 2, got %d", next.currentTerm)
	}
	if _, err := next.submit(EntryCommand, []byte("winner")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drain(next)

	c.isolate("n1", false)
	c.heartbeat(next)
	c.heartbeat(next)

	if old.role() != Follower || old.currentTerm != 2 {
		t.Fatalf("expected old leader to follow in term 2, got %v in term %d", old.role(), old.currentTerm)
	}
	e, ok := old.log.EntryAt(3)
	if !ok || e.Term != 2 || e.Type != EntryNoop {
		t.Fatalf("expected uncommitted entry replaced by the new leader's no-op, got %+v", e)
	}
	c.checkLogMatching(t)

	for id, n := range c.nodes {
		got := commands(applyAll(n))
		if diff := cmp.Diff([]string{"committed", "winner"}, got); diff != "" {
			t.Fatalf("%s: applied commands mismatch (-want +got):\n%s", id, diff)
		}
	}
}

func TestCluster_commitIndexNeverDecreases(t *testing.T) {
	c := newTestCluster(t, []string{"n1", "n2", "n3"}, nil)
	seen := map[string]uint64{}
	check := func() {
		t.Helper()
		for id, n := range c.nodes {
			if ci := n.log.CommitIndex(); ci < seen[id] {
				t.Fatalf("%s: commitIndex went from %d to %d", id, seen[id], ci)
			}
			seen[id] = n.log.CommitIndex()
		}
	}

	leader := c.elect(t, "n1")
	check()
	for i := range 5 {
		if _, err := leader.submit(EntryCommand, []byte{byte(i)}); err != nil {
			t.Fatalf("submit: %v", err)
		}
		drain(leader)
		c.heartbeat(leader)
		check()
	}
	c.isolate("n1", true)
	c.elect(t, "n3")
	check()
	c.isolate("n1", false)
	c.heartbeat(c.nodes["n3"])
	check()
	c.checkLogMatching(t)
}

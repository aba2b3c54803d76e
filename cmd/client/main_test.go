package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	admingrpc "github.com/i-melnichenko/raftengine/internal/transport/grpc/admin"
)

func TestParseAddrs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]string
		wantErr bool
	}{
		{name: "bare addresses", raw: "a:1, b:2", want: map[string]string{"a:1": "a:1", "b:2": "b:2"}},
		{name: "named", raw: "n1=a:1,n2=b:2,", want: map[string]string{"n1": "a:1", "n2": "b:2"}},
		{name: "empty", raw: " , ", wantErr: true},
		{name: "missing addr", raw: "n1=", wantErr: true},
		{name: "duplicate id", raw: "n1=a:1,n1=b:2", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAddrs(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAddrs: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("addrs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAlertLines(t *testing.T) {
	follower := func(id string) nodeRow {
		return nodeRow{id: id, info: &admingrpc.NodeInfo{NodeID: id, Role: "follower", Status: "healthy"}}
	}
	leader := func(id string) nodeRow {
		return nodeRow{id: id, info: &admingrpc.NodeInfo{NodeID: id, Role: "leader", Status: "healthy"}}
	}

	tests := []struct {
		name string
		rows []nodeRow
		want []string
	}{
		{name: "healthy cluster", rows: []nodeRow{leader("n1"), follower("n2")}},
		{name: "no leader", rows: []nodeRow{follower("n1"), follower("n2")}, want: []string{"LEADER_MISSING"}},
		{name: "two leaders", rows: []nodeRow{leader("n1"), leader("n2")}, want: []string{"MULTIPLE_LEADERS"}},
		{
			name: "unreachable and degraded",
			rows: []nodeRow{
				leader("n1"),
				{id: "n2", err: errors.New("connection refused")},
				{id: "n3", info: &admingrpc.NodeInfo{NodeID: "n3", Role: "follower", Status: "degraded"}},
			},
			want: []string{"connection refused", "degraded"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := alertLines(tt.rows)
			if len(got) != len(tt.want) {
				t.Fatalf("alertLines() = %q, want %d lines", got, len(tt.want))
			}
			for i, w := range tt.want {
				if !strings.Contains(got[i], w) {
					t.Fatalf("line %d = %q, want it to contain %q", i, got[i], w)
				}
			}
		})
	}
}

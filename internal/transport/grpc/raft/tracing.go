package raftgrpc

import (
	"math"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
)

func recordSpanError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}

// uintAttr clamps v into the int64 range OpenTelemetry accepts.
func uintAttr(key string, v uint64) attribute.KeyValue {
	if v > math.MaxInt64 {
		return attribute.Int64(key, math.MaxInt64)
	}
	return attribute.Int64(key, int64(v))
}

func requestVoteAttrs(req *raft.RequestVoteRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		uintAttr("raft.term", req.Term),
		attribute.String("raft.candidate_id", req.CandidateID),
		uintAttr("raft.last_log_index", req.LastLogIndex),
		uintAttr("raft.last_log_term", req.LastLogTerm),
	}
}

func appendEntriesAttrs(req *raft.AppendEntriesRequest) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		uintAttr("raft.term", req.Term),
		attribute.String("raft.leader_id", req.LeaderID),
		uintAttr("raft.prev_log_index", req.PrevLogIndex),
		uintAttr("raft.prev_log_term", req.PrevLogTerm),
		attribute.Int("raft.entries_count", len(req.Entries)),
		attribute.Bool("raft.is_heartbeat", len(req.Entries) == 0 && req.Slice == nil),
		uintAttr("raft.leader_commit", req.LeaderCommit),
	}
	if s := req.Slice; s != nil {
		attrs = append(attrs,
			uintAttr("raft.slice.entry_index", s.EntryIndex),
			attribute.Int64("raft.slice.index", int64(s.SliceIndex)),
			attribute.Int64("raft.slice.total", int64(s.TotalSlices)),
			attribute.Int("raft.slice.bytes", len(s.Data)),
		)
	}
	return attrs
}

func installSnapshotAttrs(req *raft.InstallSnapshotRequest) []attribute.KeyValue {
	return []attribute.KeyValue{
		uintAttr("raft.term", req.Term),
		attribute.String("raft.leader_id", req.LeaderID),
		uintAttr("raft.snapshot.index", req.LastIncluded.Index),
		uintAttr("raft.snapshot.term", req.LastIncluded.Term),
		uintAttr("raft.snapshot.offset", req.Offset),
		attribute.Int("raft.snapshot.chunk_bytes", len(req.Chunk)),
		attribute.Bool("raft.snapshot.done", req.Done),
	}
}

func withTarget(target string, attrs []attribute.KeyValue) []attribute.KeyValue {
	return append(attrs, attribute.String("raft.peer.target", target))
}

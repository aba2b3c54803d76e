package wirecodec

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	grpcencoding "google.golang.org/grpc/encoding"

	"github.com/i-melnichenko/raftengine/internal/consensus/raft"
)

func TestCodec_registered(t *testing.T) {
	if grpcencoding.GetCodec(Name) == nil {
		t.Fatalf("expected codec %q to be registered", Name)
	}
}

func TestCodec(t *testing.T) {
	c := Codec{}
	in := &raft.RequestVoteRequest{Term: 4, CandidateID: "n3", LastLogIndex: 9, LastLogTerm: 3}
	raw, err := c.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out := new(raft.RequestVoteRequest)
	if err := c.Unmarshal(raw, out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("decoded mismatch (-want +got):\n%s", diff)
	}

	if _, err := c.Marshal(struct{}{}); err == nil {
		t.Fatalf("expected Marshal to reject a non-binary type")
	}
	if err := c.Unmarshal(raw, &struct{}{}); err == nil {
		t.Fatalf("expected Unmarshal to reject a non-binary type")
	}
}

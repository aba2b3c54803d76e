package raft

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/raftengine/internal/wire"
)

// Wire encodings of the protocol and storage types. Every MarshalBinary
// output is versioned; nested values (entries inside AppendEntries, the
// voting config inside a snapshot) are embedded without a version byte.

func appendLogEntry(b []byte, e LogEntry) []byte {
	b = wire.AppendUvarint(b, 1, e.Index)
	b = wire.AppendUvarint(b, 2, e.Term)
	b = wire.AppendUvarint(b, 3, uint64(e.Type))
	return wire.AppendBytes(b, 4, e.Command)
}

func consumeLogEntry(b []byte, e *LogEntry) error {
	return wire.ConsumeFields(b, logEntryFields(e))
}

func logEntryFields(e *LogEntry) wire.FieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &e.Index)
		case 2:
			return wire.Uvarint(typ, b, &e.Term)
		case 3:
			return wire.Uint8(typ, b, (*uint8)(&e.Type))
		case 4:
			return wire.Bytes(typ, b, &e.Command)
		default:
			return wire.Skip(num, typ, b)
		}
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (e LogEntry) MarshalBinary() ([]byte, error) {
	return wire.Versioned(appendLogEntry(nil, e)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *LogEntry) UnmarshalBinary(b []byte) error {
	*e = LogEntry{}
	return wire.ConsumeVersioned(b, logEntryFields(e))
}

func appendVotingConfig(b []byte, c VotingConfig) []byte {
	for _, m := range c.Members {
		b = wire.AppendString(b, 1, m)
	}
	return b
}

func consumeVotingConfig(b []byte, c *VotingConfig) error {
	return wire.ConsumeFields(b, votingConfigFields(c))
}

func votingConfigFields(c *VotingConfig) wire.FieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return wire.Skip(num, typ, b)
		}
		var m string
		n, err := wire.String(typ, b, &m)
		if err != nil {
			return 0, err
		}
		c.Members = append(c.Members, m)
		return n, nil
	}
}

// MarshalBinary implements encoding.BinaryMarshaler. It is the payload of
// EntryVotingConfig log entries.
func (c VotingConfig) MarshalBinary() ([]byte, error) {
	return wire.Versioned(appendVotingConfig(nil, c)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *VotingConfig) UnmarshalBinary(b []byte) error {
	*c = VotingConfig{}
	return wire.ConsumeVersioned(b, votingConfigFields(c))
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h HardState) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, h.CurrentTerm)
	b = wire.AppendString(b, 2, h.VotedFor)
	b = wire.AppendUvarint(b, 3, h.CommitIndex)
	b = wire.AppendMessage(b, 4, appendVotingConfig(nil, h.Config))
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *HardState) UnmarshalBinary(b []byte) error {
	*h = HardState{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &h.CurrentTerm)
		case 2:
			return wire.String(typ, b, &h.VotedFor)
		case 3:
			return wire.Uvarint(typ, b, &h.CommitIndex)
		case 4:
			return consumeEmbedded(typ, b, func(m []byte) error { return consumeVotingConfig(m, &h.Config) })
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, s.LastIncluded.Index)
	b = wire.AppendUvarint(b, 2, s.LastIncluded.Term)
	b = wire.AppendString(b, 3, s.StateType)
	b = wire.AppendMessage(b, 4, appendVotingConfig(nil, s.Config))
	b = wire.AppendBytes(b, 5, s.Data)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Snapshot) UnmarshalBinary(b []byte) error {
	*s = Snapshot{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &s.LastIncluded.Index)
		case 2:
			return wire.Uvarint(typ, b, &s.LastIncluded.Term)
		case 3:
			return wire.String(typ, b, &s.StateType)
		case 4:
			return consumeEmbedded(typ, b, func(m []byte) error { return consumeVotingConfig(m, &s.Config) })
		case 5:
			return wire.Bytes(typ, b, &s.Data)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *RequestVoteRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, r.Term)
	b = wire.AppendString(b, 2, r.CandidateID)
	b = wire.AppendUvarint(b, 3, r.LastLogIndex)
	b = wire.AppendUvarint(b, 4, r.LastLogTerm)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *RequestVoteRequest) UnmarshalBinary(b []byte) error {
	*r = RequestVoteRequest{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &r.Term)
		case 2:
			return wire.String(typ, b, &r.CandidateID)
		case 3:
			return wire.Uvarint(typ, b, &r.LastLogIndex)
		case 4:
			return wire.Uvarint(typ, b, &r.LastLogTerm)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *RequestVoteResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, r.Term)
	b = wire.AppendBool(b, 2, r.VoteGranted)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *RequestVoteResponse) UnmarshalBinary(b []byte) error {
	*r = RequestVoteResponse{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &r.Term)
		case 2:
			return wire.Bool(typ, b, &r.VoteGranted)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

func appendEntrySlice(b []byte, s *EntrySlice) []byte {
	b = wire.AppendUvarint(b, 1, s.EntryIndex)
	b = wire.AppendUvarint(b, 2, s.EntryTerm)
	b = wire.AppendUvarint(b, 3, uint64(s.EntryType))
	b = wire.AppendUvarint(b, 4, uint64(s.SliceIndex))
	b = wire.AppendUvarint(b, 5, uint64(s.TotalSlices))
	b = wire.AppendUvarint(b, 6, s.SliceHash)
	return wire.AppendBytes(b, 7, s.Data)
}

func consumeEntrySlice(b []byte, s *EntrySlice) error {
	return wire.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &s.EntryIndex)
		case 2:
			return wire.Uvarint(typ, b, &s.EntryTerm)
		case 3:
			return wire.Uint8(typ, b, (*uint8)(&s.EntryType))
		case 4:
			return wire.Uint32(typ, b, &s.SliceIndex)
		case 5:
			return wire.Uint32(typ, b, &s.TotalSlices)
		case 6:
			return wire.Uvarint(typ, b, &s.SliceHash)
		case 7:
			return wire.Bytes(typ, b, &s.Data)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *AppendEntriesRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, r.Term)
	b = wire.AppendString(b, 2, r.LeaderID)
	b = wire.AppendUvarint(b, 3, r.PrevLogIndex)
	b = wire.AppendUvarint(b, 4, r.PrevLogTerm)
	for _, e := range r.Entries {
		b = wire.AppendMessage(b, 5, appendLogEntry(nil, e))
	}
	b = wire.AppendUvarint(b, 6, r.LeaderCommit)
	if r.Slice != nil {
		b = wire.AppendMessage(b, 7, appendEntrySlice(nil, r.Slice))
	}
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *AppendEntriesRequest) UnmarshalBinary(b []byte) error {
	*r = AppendEntriesRequest{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &r.Term)
		case 2:
			return wire.String(typ, b, &r.LeaderID)
		case 3:
			return wire.Uvarint(typ, b, &r.PrevLogIndex)
		case 4:
			return wire.Uvarint(typ, b, &r.PrevLogTerm)
		case 5:
			return consumeEmbedded(typ, b, func(m []byte) error {
				var e LogEntry
				if err := consumeLogEntry(m, &e); err != nil {
					return err
				}
				r.Entries = append(r.Entries, e)
				return nil
			})
		case 6:
			return wire.Uvarint(typ, b, &r.LeaderCommit)
		case 7:
			return consumeEmbedded(typ, b, func(m []byte) error {
				r.Slice = &EntrySlice{}
				return consumeEntrySlice(m, r.Slice)
			})
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *AppendEntriesResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, r.Term)
	b = wire.AppendBool(b, 2, r.Success)
	b = wire.AppendUvarint(b, 3, r.MatchIndex)
	b = wire.AppendUvarint(b, 4, r.ConflictTerm)
	b = wire.AppendUvarint(b, 5, r.ConflictIndex)
	b = wire.AppendUvarint(b, 6, uint64(r.SliceStatus))
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *AppendEntriesResponse) UnmarshalBinary(b []byte) error {
	*r = AppendEntriesResponse{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &r.Term)
		case 2:
			return wire.Bool(typ, b, &r.Success)
		case 3:
			return wire.Uvarint(typ, b, &r.MatchIndex)
		case 4:
			return wire.Uvarint(typ, b, &r.ConflictTerm)
		case 5:
			return wire.Uvarint(typ, b, &r.ConflictIndex)
		case 6:
			return wire.Uint8(typ, b, (*uint8)(&r.SliceStatus))
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *InstallSnapshotRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, r.Term)
	b = wire.AppendString(b, 2, r.LeaderID)
	b = wire.AppendUvarint(b, 3, r.LastIncluded.Index)
	b = wire.AppendUvarint(b, 4, r.LastIncluded.Term)
	b = wire.AppendUvarint(b, 5, r.Offset)
	b = wire.AppendBytes(b, 6, r.Chunk)
	b = wire.AppendBool(b, 7, r.Done)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *InstallSnapshotRequest) UnmarshalBinary(b []byte) error {
	*r = InstallSnapshotRequest{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &r.Term)
		case 2:
			return wire.String(typ, b, &r.LeaderID)
		case 3:
			return wire.Uvarint(typ, b, &r.LastIncluded.Index)
		case 4:
			return wire.Uvarint(typ, b, &r.LastIncluded.Term)
		case 5:
			return wire.Uvarint(typ, b, &r.Offset)
		case 6:
			return wire.Bytes(typ, b, &r.Chunk)
		case 7:
			return wire.Bool(typ, b, &r.Done)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *InstallSnapshotResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, r.Term)
	b = wire.AppendBool(b, 2, r.Success)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *InstallSnapshotResponse) UnmarshalBinary(b []byte) error {
	*r = InstallSnapshotResponse{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uvarint(typ, b, &r.Term)
		case 2:
			return wire.Bool(typ, b, &r.Success)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

func consumeEmbedded(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	m, n, err := wire.Raw(typ, b)
	if err != nil {
		return 0, err
	}
	if err := fn(m); err != nil {
		return 0, fmt.Errorf("embedded message: %w", err)
	}
	return n, nil
}

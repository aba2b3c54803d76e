package admingrpc

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/raftengine/internal/wire"
)

// PeerInfo describes one configured peer and, on the leader, its replication progress.
type PeerInfo struct {
	NodeID             string
	Address            string
	MatchIndex         uint64
	NextIndex          uint64
	Lag                uint64
	Slicing            bool
	InstallingSnapshot bool
}

// NodeInfo is the administrative view of a node.
type NodeInfo struct {
	NodeID             string
	ConsensusType      string
	Role               string
	Status             string
	LeaderID           string
	Term               uint64
	VotedFor           string
	CommitIndex        uint64
	LastApplied        uint64
	LastAppliedAt      time.Time
	LastLogIndex       uint64
	LastLogTerm        uint64
	DurableIndex       uint64
	SnapshotLastIndex  uint64
	SnapshotLastTerm   uint64
	SnapshotSizeBytes  uint64
	RetainedEntries    uint64
	PendingSlices      uint64
	PersistenceEnabled bool
	ClusterMembers     []string
	QuorumSize         uint64
	Peers              []PeerInfo
}

// Empty is the request of RPCs without arguments.
type Empty struct{}

// MarshalBinary implements encoding.BinaryMarshaler.
func (*Empty) MarshalBinary() ([]byte, error) { return wire.Versioned(nil), nil }

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (*Empty) UnmarshalBinary(b []byte) error {
	return wire.ConsumeVersioned(b, wire.Skip)
}

// ChangeConfigRequest replaces the voting members of the cluster.
type ChangeConfigRequest struct {
	Members []string
}

// ChangeConfigResponse reports the log index of the config entry.
type ChangeConfigResponse struct {
	Index uint64
}

// BecomePersistentResponse reports whether the node switched backends.
type BecomePersistentResponse struct {
	Switched bool
}

func appendPeerInfo(b []byte, p PeerInfo) []byte {
	b = wire.AppendString(b, 1, p.NodeID)
	b = wire.AppendString(b, 2, p.Address)
	b = wire.AppendUvarint(b, 3, p.MatchIndex)
	b = wire.AppendUvarint(b, 4, p.NextIndex)
	b = wire.AppendUvarint(b, 5, p.Lag)
	b = wire.AppendBool(b, 6, p.Slicing)
	return wire.AppendBool(b, 7, p.InstallingSnapshot)
}

func consumePeerInfo(b []byte, p *PeerInfo) error {
	return wire.ConsumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.String(typ, b, &p.NodeID)
		case 2:
			return wire.String(typ, b, &p.Address)
		case 3:
			return wire.Uvarint(typ, b, &p.MatchIndex)
		case 4:
			return wire.Uvarint(typ, b, &p.NextIndex)
		case 5:
			return wire.Uvarint(typ, b, &p.Lag)
		case 6:
			return wire.Bool(typ, b, &p.Slicing)
		case 7:
			return wire.Bool(typ, b, &p.InstallingSnapshot)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (n *NodeInfo) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendString(b, 1, n.NodeID)
	b = wire.AppendString(b, 2, n.ConsensusType)
	b = wire.AppendString(b, 3, n.Role)
	b = wire.AppendString(b, 4, n.Status)
	b = wire.AppendString(b, 5, n.LeaderID)
	b = wire.AppendUvarint(b, 6, n.Term)
	b = wire.AppendString(b, 7, n.VotedFor)
	b = wire.AppendUvarint(b, 8, n.CommitIndex)
	b = wire.AppendUvarint(b, 9, n.LastApplied)
	if !n.LastAppliedAt.IsZero() {
		b = wire.AppendUvarint(b, 10, uint64(n.LastAppliedAt.UnixNano())) //nolint:gosec // post-epoch timestamps
	}
	b = wire.AppendUvarint(b, 11, n.LastLogIndex)
	b = wire.AppendUvarint(b, 12, n.LastLogTerm)
	b = wire.AppendUvarint(b, 13, n.DurableIndex)
	b = wire.AppendUvarint(b, 14, n.SnapshotLastIndex)
	b = wire.AppendUvarint(b, 15, n.SnapshotLastTerm)
	b = wire.AppendUvarint(b, 16, n.SnapshotSizeBytes)
	b = wire.AppendUvarint(b, 17, n.RetainedEntries)
	b = wire.AppendUvarint(b, 18, n.PendingSlices)
	b = wire.AppendBool(b, 19, n.PersistenceEnabled)
	for _, m := range n.ClusterMembers {
		b = wire.AppendString(b, 20, m)
	}
	b = wire.AppendUvarint(b, 21, n.QuorumSize)
	for _, p := range n.Peers {
		b = wire.AppendMessage(b, 22, appendPeerInfo(nil, p))
	}
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (n *NodeInfo) UnmarshalBinary(b []byte) error {
	*n = NodeInfo{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.String(typ, b, &n.NodeID)
		case 2:
			return wire.String(typ, b, &n.ConsensusType)
		case 3:
			return wire.String(typ, b, &n.Role)
		case 4:
			return wire.String(typ, b, &n.Status)
		case 5:
			return wire.String(typ, b, &n.LeaderID)
		case 6:
			return wire.Uvarint(typ, b, &n.Term)
		case 7:
			return wire.String(typ, b, &n.VotedFor)
		case 8:
			return wire.Uvarint(typ, b, &n.CommitIndex)
		case 9:
			return wire.Uvarint(typ, b, &n.LastApplied)
		case 10:
			var nanos uint64
			m, err := wire.Uvarint(typ, b, &nanos)
			if err == nil {
				n.LastAppliedAt = time.Unix(0, int64(nanos)).UTC() //nolint:gosec // written from UnixNano
			}
			return m, err
		case 11:
			return wire.Uvarint(typ, b, &n.LastLogIndex)
		case 12:
			return wire.Uvarint(typ, b, &n.LastLogTerm)
		case 13:
			return wire.Uvarint(typ, b, &n.DurableIndex)
		case 14:
			return wire.Uvarint(typ, b, &n.SnapshotLastIndex)
		case 15:
			return wire.Uvarint(typ, b, &n.SnapshotLastTerm)
		case 16:
			return wire.Uvarint(typ, b, &n.SnapshotSizeBytes)
		case 17:
			return wire.Uvarint(typ, b, &n.RetainedEntries)
		case 18:
			return wire.Uvarint(typ, b, &n.PendingSlices)
		case 19:
			return wire.Bool(typ, b, &n.PersistenceEnabled)
		case 20:
			var m string
			c, err := wire.String(typ, b, &m)
			if err == nil {
				n.ClusterMembers = append(n.ClusterMembers, m)
			}
			return c, err
		case 21:
			return wire.Uvarint(typ, b, &n.QuorumSize)
		case 22:
			raw, c, err := wire.Raw(typ, b)
			if err != nil {
				return 0, err
			}
			var p PeerInfo
			if err := consumePeerInfo(raw, &p); err != nil {
				return 0, err
			}
			n.Peers = append(n.Peers, p)
			return c, nil
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *ChangeConfigRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	for _, m := range r.Members {
		b = wire.AppendString(b, 1, m)
	}
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *ChangeConfigRequest) UnmarshalBinary(b []byte) error {
	*r = ChangeConfigRequest{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return wire.Skip(num, typ, b)
		}
		var m string
		c, err := wire.String(typ, b, &m)
		if err == nil {
			r.Members = append(r.Members, m)
		}
		return c, err
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *ChangeConfigResponse) MarshalBinary() ([]byte, error) {
	return wire.Versioned(wire.AppendUvarint(nil, 1, r.Index)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *ChangeConfigResponse) UnmarshalBinary(b []byte) error {
	*r = ChangeConfigResponse{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return wire.Uvarint(typ, b, &r.Index)
		}
		return wire.Skip(num, typ, b)
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *BecomePersistentResponse) MarshalBinary() ([]byte, error) {
	return wire.Versioned(wire.AppendBool(nil, 1, r.Switched)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *BecomePersistentResponse) UnmarshalBinary(b []byte) error {
	*r = BecomePersistentResponse{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return wire.Bool(typ, b, &r.Switched)
		}
		return wire.Skip(num, typ, b)
	})
}

package kvgrpc

import (
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/raftengine/internal/wire"
)

// PutRequest writes Value under Key.
type PutRequest struct {
	Key   string
	Value string
}

// GetRequest reads Key from the node's local state.
type GetRequest struct {
	Key string
}

// DeleteRequest removes Key.
type DeleteRequest struct {
	Key string
}

// WriteResponse reports the log index at which a write was applied.
type WriteResponse struct {
	Index uint64
}

// GetResponse carries a locally read value and the applied index it reflects.
type GetResponse struct {
	Value       string
	Found       bool
	LastApplied uint64
}

func keyFields(key *string) wire.FieldFunc {
	return func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return wire.String(typ, b, key)
		}
		return wire.Skip(num, typ, b)
	}
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *PutRequest) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendString(b, 1, r.Key)
	b = wire.AppendString(b, 2, r.Value)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *PutRequest) UnmarshalBinary(b []byte) error {
	*r = PutRequest{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.String(typ, b, &r.Key)
		case 2:
			return wire.String(typ, b, &r.Value)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *GetRequest) MarshalBinary() ([]byte, error) {
	return wire.Versioned(wire.AppendString(nil, 1, r.Key)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *GetRequest) UnmarshalBinary(b []byte) error {
	*r = GetRequest{}
	return wire.ConsumeVersioned(b, keyFields(&r.Key))
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *DeleteRequest) MarshalBinary() ([]byte, error) {
	return wire.Versioned(wire.AppendString(nil, 1, r.Key)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *DeleteRequest) UnmarshalBinary(b []byte) error {
	*r = DeleteRequest{}
	return wire.ConsumeVersioned(b, keyFields(&r.Key))
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *WriteResponse) MarshalBinary() ([]byte, error) {
	return wire.Versioned(wire.AppendUvarint(nil, 1, r.Index)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *WriteResponse) UnmarshalBinary(b []byte) error {
	*r = WriteResponse{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return wire.Uvarint(typ, b, &r.Index)
		}
		return wire.Skip(num, typ, b)
	})
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (r *GetResponse) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendString(b, 1, r.Value)
	b = wire.AppendBool(b, 2, r.Found)
	b = wire.AppendUvarint(b, 3, r.LastApplied)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (r *GetResponse) UnmarshalBinary(b []byte) error {
	*r = GetResponse{}
	return wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.String(typ, b, &r.Value)
		case 2:
			return wire.Bool(typ, b, &r.Found)
		case 3:
			return wire.Uvarint(typ, b, &r.LastApplied)
		default:
			return wire.Skip(num, typ, b)
		}
	})
}

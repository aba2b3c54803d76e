// Package kv implements the in-memory key-value state machine applied by Raft.
package kv

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i-melnichenko/raftengine/internal/wire"
)

// CommandType identifies a KV operation encoded in the Raft log.
type CommandType uint8

// Supported KV commands.
const (
	PutCmd    CommandType = 1
	DeleteCmd CommandType = 2
)

// String implements fmt.Stringer.
func (t CommandType) String() string {
	switch t {
	case PutCmd:
		return "put"
	case DeleteCmd:
		return "delete"
	default:
		return fmt.Sprintf("command(%d)", uint8(t))
	}
}

// ErrUnknownCommand is returned when a command carries an unsupported type.
var ErrUnknownCommand = errors.New("kv: unknown command type")

// Command is the serialized operation applied to the KV store.
type Command struct {
	Type  CommandType
	Key   string
	Value string
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (c Command) MarshalBinary() ([]byte, error) {
	var b []byte
	b = wire.AppendUvarint(b, 1, uint64(c.Type))
	b = wire.AppendString(b, 2, c.Key)
	b = wire.AppendString(b, 3, c.Value)
	return wire.Versioned(b), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (c *Command) UnmarshalBinary(b []byte) error {
	*c = Command{}
	if err := wire.ConsumeVersioned(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return wire.Uint8(typ, b, (*uint8)(&c.Type))
		case 2:
			return wire.String(typ, b, &c.Key)
		case 3:
			return wire.String(typ, b, &c.Value)
		default:
			return wire.Skip(num, typ, b)
		}
	}); err != nil {
		return fmt.Errorf("kv: decode command: %w", err)
	}
	if c.Type != PutCmd && c.Type != DeleteCmd {
		return fmt.Errorf("%w: %d", ErrUnknownCommand, c.Type)
	}
	return nil
}

// StateType names the snapshot encoding produced by Store.Snapshot.
const StateType = "kv.v1"

func encodeState(data map[string]string, keys []string) []byte {
	var b []byte
	for _, k := range keys {
		var pair []byte
		pair = wire.AppendString(pair, 1, k)
		pair = wire.AppendString(pair, 2, data[k])
		b = wire.AppendMessage(b, 1, pair)
	}
	return wire.Versioned(b)
}

func decodeState(raw []byte) (map[string]string, error) {
	out := make(map[string]string)
	err := wire.ConsumeVersioned(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return wire.Skip(num, typ, b)
		}
		pair, n, err := wire.Raw(typ, b)
		if err != nil {
			return 0, err
		}
		var k, v string
		if err := wire.ConsumeFields(pair, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return wire.String(typ, b, &k)
			case 2:
				return wire.String(typ, b, &v)
			default:
				return wire.Skip(num, typ, b)
			}
		}); err != nil {
			return 0, err
		}
		out[k] = v
		return n, nil
	})
	if err != nil {
		return nil, fmt.Errorf("kv: decode snapshot: %w", err)
	}
	return out, nil
}

// Package wire holds small helpers for hand-written protobuf-compatible
// encodings built on protowire.
//
// Top-level payloads start with a single version byte followed by protobuf
// fields. Zero values are omitted; unknown fields are skipped on decode.
package wire

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Version1 is the only encoding version written today.
const Version1 byte = 1

// ErrVersion is returned when a payload carries an unsupported version byte.
var ErrVersion = errors.New("wire: unsupported encoding version")

// ErrType is returned when a field has an unexpected wire type.
var ErrType = errors.New("wire: unexpected field type")

// FieldFunc decodes the value of field num from b and returns the number of
// bytes consumed. Unknown fields should be passed to Skip.
type FieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// Versioned prefixes fields with the current version byte.
func Versioned(fields []byte) []byte {
	out := make([]byte, 0, len(fields)+1)
	out = append(out, Version1)
	return append(out, fields...)
}

// ConsumeVersioned checks the version byte and decodes the remaining fields.
func ConsumeVersioned(b []byte, fn FieldFunc) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: empty payload", ErrVersion)
	}
	if b[0] != Version1 {
		return fmt.Errorf("%w: %d", ErrVersion, b[0])
	}
	return ConsumeFields(b[1:], fn)
}

// ConsumeFields walks every field in b.
func ConsumeFields(b []byte, fn FieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 || m > len(b) {
			return fmt.Errorf("field %d: %w", num, io.ErrUnexpectedEOF)
		}
		b = b[m:]
	}
	return nil
}

// Skip consumes an unknown field.
func Skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

// Uvarint decodes a varint field into dst.
func Uvarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, ErrType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

// Uint32 decodes a varint field into dst, rejecting values above 32 bits.
func Uint32(typ protowire.Type, b []byte, dst *uint32) (int, error) {
	var v uint64
	n, err := Uvarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	if v > 0xffffffff {
		return 0, fmt.Errorf("wire: value %d overflows uint32", v)
	}
	*dst = uint32(v)
	return n, nil
}

// Uint8 decodes a varint field into dst, rejecting values above 8 bits.
func Uint8(typ protowire.Type, b []byte, dst *uint8) (int, error) {
	var v uint64
	n, err := Uvarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	if v > 0xff {
		return 0, fmt.Errorf("wire: value %d overflows uint8", v)
	}
	*dst = uint8(v)
	return n, nil
}

// Bool decodes a varint field into dst.
func Bool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	var v uint64
	n, err := Uvarint(typ, b, &v)
	if err != nil {
		return 0, err
	}
	*dst = protowire.DecodeBool(v)
	return n, nil
}

// Bytes decodes a length-delimited field into a copy stored in dst.
func Bytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	v, n, err := Raw(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = append([]byte(nil), v...)
	return n, nil
}

// String decodes a length-delimited field into dst.
func String(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := Raw(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

// Raw returns the value of a length-delimited field without copying.
func Raw(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, ErrType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

// AppendUvarint appends a varint field unless v is zero.
func AppendUvarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a bool field when v is true.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendUvarint(b, num, 1)
}

// AppendBytes appends a length-delimited field unless v is empty.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendString appends a length-delimited field unless v is empty.
func AppendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// AppendMessage appends an embedded message field. The field is written even
// when the message is empty so that repeated elements keep their position.
func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// Package wirecodec registers a gRPC codec for messages that implement
// encoding.BinaryMarshaler and encoding.BinaryUnmarshaler.
//
// Clients select it per call with grpc.CallContentSubtype(Name); servers pick
// it up from the content subtype once this package is imported.
package wirecodec

import (
	"encoding"
	"fmt"

	grpcencoding "google.golang.org/grpc/encoding"
)

// Name is the gRPC content subtype of the codec.
const Name = "raftwire"

func init() {
	grpcencoding.RegisterCodec(Codec{})
}

// Codec marshals binary-encodable messages.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("wirecodec: %T does not implement encoding.BinaryMarshaler", v)
	}
	return m.MarshalBinary()
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("wirecodec: %T does not implement encoding.BinaryUnmarshaler", v)
	}
	return u.UnmarshalBinary(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return Name }

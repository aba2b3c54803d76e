package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

// Codec selects the per-record payload encoding.
type Codec uint8

// Supported payload codecs. The codec is stored with every record, so a
// journal written with one codec stays readable after switching to another.
const (
	CodecNone   Codec = 0
	CodecSnappy Codec = 1
)

// String implements fmt.Stringer.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec parses a codec name as used in configuration.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return CodecNone, nil
	case "snappy":
		return CodecSnappy, nil
	default:
		return 0, fmt.Errorf("journal: unknown codec %q", s)
	}
}

// Record is a single journal entry: the log position and an opaque payload.
type Record struct {
	Index uint64
	Term  uint64
	Data  []byte
}

const (
	// recordVersion is the on-disk frame format tag ("v1").
	recordVersion byte = 1

	// Frame layout:
	//
	//	[0]      version
	//	[1]      codec
	//	[2:6]    stored payload length (big endian)
	//	[6:14]   xxhash64 over header bytes [0:6], [14:30] and the stored payload
	//	[14:22]  index
	//	[22:30]  term
	//	[30:]    stored payload
	headerSize = 30

	// maxPayloadSize bounds a single stored payload. Anything larger is
	// treated as a corrupt length prefix.
	maxPayloadSize = 1 << 30
)

var (
	errBadVersion  = errors.New("journal: unknown record version")
	errBadCodec    = errors.New("journal: unknown record codec")
	errBadChecksum = errors.New("journal: record checksum mismatch")
	errBadLength   = errors.New("journal: record length out of range")
)

// encodeRecord frames r, compressing the payload with codec.
func encodeRecord(r Record, codec Codec) ([]byte, error) {
	payload := r.Data
	switch codec {
	case CodecNone:
	case CodecSnappy:
		payload = snappy.Encode(nil, r.Data)
	default:
		return nil, errBadCodec
	}
	if len(payload) > maxPayloadSize {
		return nil, errBadLength
	}

	buf := make([]byte, headerSize+len(payload))
	buf[0] = recordVersion
	buf[1] = byte(codec)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload))) //nolint:gosec // bounded by maxPayloadSize
	binary.BigEndian.PutUint64(buf[14:22], r.Index)
	binary.BigEndian.PutUint64(buf[22:30], r.Term)
	copy(buf[headerSize:], payload)
	binary.BigEndian.PutUint64(buf[6:14], recordChecksum(buf))
	return buf, nil
}

func recordChecksum(frame []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(frame[0:6])
	_, _ = d.Write(frame[14:])
	return d.Sum64()
}

// readRecord reads one frame from r. It returns the decoded record and the
// number of bytes consumed. io.EOF is returned only on a clean frame boundary;
// a partial frame yields io.ErrUnexpectedEOF.
func readRecord(r io.Reader) (Record, int, error) {
	var hdr [headerSize]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Record{}, 0, io.EOF
		}
		return Record{}, n, io.ErrUnexpectedEOF
	}
	if hdr[0] != recordVersion {
		return Record{}, n, errBadVersion
	}
	size := binary.BigEndian.Uint32(hdr[2:6])
	if size > maxPayloadSize {
		return Record{}, n, errBadLength
	}

	frame := make([]byte, headerSize+int(size))
	copy(frame, hdr[:])
	m, err := io.ReadFull(r, frame[headerSize:])
	n += m
	if err != nil {
		return Record{}, n, io.ErrUnexpectedEOF
	}
	if binary.BigEndian.Uint64(frame[6:14]) != recordChecksum(frame) {
		return Record{}, n, errBadChecksum
	}

	rec := Record{
		Index: binary.BigEndian.Uint64(frame[14:22]),
		Term:  binary.BigEndian.Uint64(frame[22:30]),
	}
	payload := frame[headerSize:]
	switch Codec(frame[1]) {
	case CodecNone:
		rec.Data = payload
	case CodecSnappy:
		rec.Data, err = snappy.Decode(nil, payload)
		if err != nil {
			return Record{}, n, fmt.Errorf("journal: decode snappy payload: %w", err)
		}
	default:
		return Record{}, n, errBadCodec
	}
	return rec, n, nil
}

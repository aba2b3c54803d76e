// Package snapstore persists opaque snapshot payloads as numbered files.
//
// Each save writes snapshot-<seq>.v1 atomically (temp file, fsync, rename,
// directory fsync) and then removes every older snapshot file. The presence of
// a snapshot file therefore signals that the capture it holds is durable.
package snapstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const (
	filePrefix = "snapshot-"
	fileSuffix = ".v1"

	// File layout: magic, payload length, xxhash64 of the payload, payload.
	magic      = "RSN1"
	headerSize = len(magic) + 8 + 8
)

// ErrNoSnapshot is returned by Latest when no readable snapshot exists.
var ErrNoSnapshot = errors.New("snapstore: no snapshot")

var errCorrupt = errors.New("snapstore: corrupt snapshot file")

// Logger is the logging interface used by the store.
type Logger interface {
	Warn(msg string, args ...any)
}

// Store manages snapshot files in a single directory.
type Store struct {
	mu     sync.Mutex
	dir    string
	seq    uint64
	noSync bool
	logger Logger
}

// Options configures a Store.
type Options struct {
	// NoSync skips fsync calls. Intended for tests only.
	NoSync bool
	// Logger receives warnings about unreadable files. May be nil.
	Logger Logger
}

// Open opens the store rooted at dir, creating it if needed.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("snapstore: create dir: %w", err)
	}
	s := &Store{dir: dir, noSync: opts.NoSync, logger: opts.Logger}
	seqs, err := s.sequences()
	if err != nil {
		return nil, err
	}
	if len(seqs) > 0 {
		s.seq = seqs[len(seqs)-1]
	}
	return s, nil
}

// FileName returns the file name used for sequence seq.
func FileName(seq uint64) string {
	return filePrefix + strconv.FormatUint(seq, 10) + fileSuffix
}

func parseFileName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// sequences lists snapshot sequence numbers present on disk, ascending.
func (s *Store) sequences() ([]uint64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("snapstore: read dir: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseFileName(e.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Save durably writes payload as the next snapshot and returns its sequence
// number. Older snapshot files are removed once the new one is in place.
func (s *Store) Save(payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seq + 1
	if err := s.writeAtomically(FileName(seq), payload); err != nil {
		return 0, err
	}
	s.seq = seq

	seqs, err := s.sequences()
	if err != nil {
		return seq, nil
	}
	for _, old := range seqs {
		if old >= seq {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, FileName(old))); err != nil && !errors.Is(err, os.ErrNotExist) && s.logger != nil {
			s.logger.Warn("snapstore: remove superseded snapshot failed",
				"file", FileName(old),
				"error", err,
			)
		}
	}
	return seq, nil
}

// Latest returns the payload of the newest readable snapshot together with
// its sequence number. Unreadable files are skipped.
func (s *Store) Latest() ([]byte, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, err := s.sequences()
	if err != nil {
		return nil, 0, err
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		payload, err := s.read(FileName(seqs[i]))
		if err == nil {
			return payload, seqs[i], nil
		}
		if s.logger != nil {
			s.logger.Warn("snapstore: skipping unreadable snapshot",
				"file", FileName(seqs[i]),
				"error", err,
			)
		}
	}
	return nil, 0, ErrNoSnapshot
}

// Sequences returns the sequence numbers of snapshot files on disk.
func (s *Store) Sequences() ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequences()
}

func (s *Store) read(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name)) // #nosec G304 -- name is generated by FileName
	if err != nil {
		return nil, err
	}
	if len(raw) < headerSize || string(raw[:len(magic)]) != magic {
		return nil, errCorrupt
	}
	size := binary.BigEndian.Uint64(raw[len(magic):])
	sum := binary.BigEndian.Uint64(raw[len(magic)+8:])
	payload := raw[headerSize:]
	if uint64(len(payload)) != size || xxhash.Sum64(payload) != sum {
		return nil, errCorrupt
	}
	return payload, nil
}

func (s *Store) writeAtomically(name string, payload []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hdr := make([]byte, headerSize)
	copy(hdr, magic)
	binary.BigEndian.PutUint64(hdr[len(magic):], uint64(len(payload)))
	binary.BigEndian.PutUint64(hdr[len(magic)+8:], xxhash.Sum64(payload))

	if _, err := tmp.Write(hdr); err != nil {
		cleanup()
		return fmt.Errorf("snapstore: write header: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		cleanup()
		return fmt.Errorf("snapstore: write payload: %w", err)
	}
	if !s.noSync {
		if err := tmp.Sync(); err != nil {
			cleanup()
			return fmt.Errorf("snapstore: sync temp: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("snapstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("snapstore: rename: %w", err)
	}
	if s.noSync {
		return nil
	}
	d, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("snapstore: open dir: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("snapstore: sync dir: %w", err)
	}
	return nil
}

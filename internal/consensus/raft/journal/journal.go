// Package journal implements the durable, append-only entry journal used by
// the Raft storage backend.
//
// The journal is a single file of framed records. Each record carries its log
// index and term, an optional per-record compression codec and a checksum, so
// a torn write at the tail is detected on open and cut off. Indices are
// contiguous; the first record may start at any index, which lets the journal
// begin after a snapshot.
package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
)

// FileName is the name of the journal file inside the journal directory.
const FileName = "entries.v1.log"

// ErrClosed is returned by every operation after the journal was closed,
// either explicitly or because a write failed.
var ErrClosed = errors.New("journal: closed")

// ErrNonContiguous is returned when an appended record does not directly
// follow the last record, and by Open when a readable record on disk leaves
// a gap after its predecessor.
var ErrNonContiguous = errors.New("journal: non-contiguous records")

// Logger is the logging interface used by the journal.
type Logger interface {
	Warn(msg string, args ...any)
}

// Options configures a journal.
type Options struct {
	// Codec is applied to payloads of newly appended records.
	Codec Codec
	// NoSync skips fsync after writes. Intended for tests only.
	NoSync bool
	// Logger receives recovery warnings. May be nil.
	Logger Logger
}

// Journal is a durable append-only sequence of records. It is safe for
// concurrent use, though callers are expected to serialize writes.
type Journal struct {
	mu   sync.Mutex
	dir  string
	path string
	opts Options

	f    *os.File
	size int64

	first   uint64
	offsets []int64 // offsets[i] is the file offset of record first+i

	err error // non-nil once the journal is closed
}

// Open opens or creates the journal in dir. Records are validated on open:
// the file is truncated at the first torn or corrupt record, but a
// well-formed record whose index leaves a gap fails the open with
// ErrNonContiguous and the file is left untouched. Temp files left by an
// interrupted DiscardUpTo are removed.
func Open(dir string, opts Options) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("journal: create dir: %w", err)
	}
	j := &Journal{
		dir:  dir,
		path: filepath.Join(dir, FileName),
		opts: opts,
	}
	if err := j.removeStaleTemps(); err != nil {
		return nil, err
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("journal: open: %w", err)
	}

	first, offsets, valid, scanErr := scan(f)
	if errors.Is(scanErr, ErrNonContiguous) {
		_ = f.Close()
		return fmt.Errorf("journal: %s: record at offset %d does not follow index %d: %w",
			j.path, valid, first+uint64(len(offsets))-1, scanErr)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: stat: %w", err)
	}
	if valid < info.Size() {
		if j.opts.Logger != nil {
			j.opts.Logger.Warn("journal: truncating invalid tail",
				"path", j.path,
				"valid_bytes", valid,
				"dropped", humanize.IBytes(uint64(info.Size()-valid)),
				"error", scanErr,
			)
		}
		if err := f.Truncate(valid); err != nil {
			_ = f.Close()
			return fmt.Errorf("journal: truncate tail: %w", err)
		}
		if err := j.sync(f); err != nil {
			_ = f.Close()
			return fmt.Errorf("journal: sync after truncate: %w", err)
		}
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		_ = f.Close()
		return fmt.Errorf("journal: seek: %w", err)
	}

	j.f = f
	j.size = valid
	j.first = first
	j.offsets = offsets
	j.err = nil
	return nil
}

func (j *Journal) removeStaleTemps() error {
	stale, err := filepath.Glob(filepath.Join(j.dir, FileName+".*.tmp"))
	if err != nil {
		return fmt.Errorf("journal: list temp files: %w", err)
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("journal: remove stale temp file: %w", err)
		}
		if j.opts.Logger != nil {
			j.opts.Logger.Warn("journal: removed temp file from interrupted rewrite", "path", p)
		}
	}
	return nil
}

// scan walks the file from the start and returns the index of the first
// record, the offsets of all valid records and the length of the valid prefix.
// The error describes why scanning stopped early, if it did.
func scan(f *os.File) (uint64, []int64, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, nil, 0, err
	}
	r := bufio.NewReader(f)

	var (
		first   uint64
		offsets []int64
		off     int64
	)
	for {
		rec, n, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return first, offsets, off, nil
			}
			return first, offsets, off, err
		}
		if len(offsets) == 0 {
			first = rec.Index
		} else if rec.Index != first+uint64(len(offsets)) {
			return first, offsets, off, ErrNonContiguous
		}
		offsets = append(offsets, off)
		off += int64(n)
	}
}

// FirstIndex returns the index of the first record. ok is false when the
// journal is empty.
func (j *Journal) FirstIndex() (index uint64, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.offsets) == 0 {
		return 0, false
	}
	return j.first, true
}

// LastIndex returns the index of the last record. ok is false when the
// journal is empty.
func (j *Journal) LastIndex() (index uint64, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.offsets) == 0 {
		return 0, false
	}
	return j.lastIndex(), true
}

func (j *Journal) lastIndex() uint64 {
	return j.first + uint64(len(j.offsets)) - 1
}

// Len returns the number of records in the journal.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.offsets)
}

// Size returns the size of the journal file in bytes.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size
}

// Append durably appends a single record and returns its index.
func (j *Journal) Append(r Record) (uint64, error) {
	if err := j.AppendBatch([]Record{r}); err != nil {
		return 0, err
	}
	return r.Index, nil
}

// AppendBatch durably appends records with a single sync. Records must be
// contiguous with each other and with the current tail.
//
// A write or sync failure closes the journal: the on-disk tail is unknown at
// that point and every later call fails with ErrClosed.
func (j *Journal) AppendBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.closedErr(); err != nil {
		return err
	}

	next := records[0].Index
	if len(j.offsets) > 0 && next != j.lastIndex()+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrNonContiguous, next, j.lastIndex()+1)
	}

	var buf []byte
	offsets := make([]int64, 0, len(records))
	off := j.size
	for i, r := range records {
		if r.Index != next+uint64(i) {
			return fmt.Errorf("%w: got %d, want %d", ErrNonContiguous, r.Index, next+uint64(i))
		}
		frame, err := encodeRecord(r, j.opts.Codec)
		if err != nil {
			return err
		}
		offsets = append(offsets, off)
		off += int64(len(frame))
		buf = append(buf, frame...)
	}

	if _, err := j.f.Write(buf); err != nil {
		return j.fail(fmt.Errorf("journal: write: %w", err))
	}
	if err := j.sync(j.f); err != nil {
		return j.fail(fmt.Errorf("journal: sync: %w", err))
	}

	if len(j.offsets) == 0 {
		j.first = next
	}
	j.offsets = append(j.offsets, offsets...)
	j.size = off
	return nil
}

// EntryAt returns the record at index. ok is false when index is outside
// the journal.
func (j *Journal) EntryAt(index uint64) (rec Record, ok bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.closedErr(); err != nil {
		return Record{}, false, err
	}
	if len(j.offsets) == 0 || index < j.first || index > j.lastIndex() {
		return Record{}, false, nil
	}

	off := j.offsets[index-j.first]
	rec, _, err = readRecord(io.NewSectionReader(j.f, off, j.size-off))
	if err != nil {
		return Record{}, false, fmt.Errorf("journal: read index %d: %w", index, err)
	}
	return rec, true, nil
}

// Replay calls fn for every record with index >= from, in order. Replay stops
// at the first record that cannot be read; that is treated as the end of the
// valid journal. An error returned by fn aborts the replay and is returned.
func (j *Journal) Replay(from uint64, fn func(Record) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.closedErr(); err != nil {
		return err
	}
	if len(j.offsets) == 0 || from > j.lastIndex() {
		return nil
	}
	if from < j.first {
		from = j.first
	}

	off := j.offsets[from-j.first]
	r := bufio.NewReader(io.NewSectionReader(j.f, off, j.size-off))
	for {
		rec, _, err := readRecord(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && j.opts.Logger != nil {
				j.opts.Logger.Warn("journal: replay stopped at unreadable record",
					"path", j.path,
					"error", err,
				)
			}
			return nil
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// DiscardFrom removes every record with index >= index.
func (j *Journal) DiscardFrom(index uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.closedErr(); err != nil {
		return err
	}
	if len(j.offsets) == 0 || index > j.lastIndex() {
		return nil
	}

	var (
		keep int
		size int64
	)
	if index > j.first {
		keep = int(index - j.first)
		size = j.offsets[keep]
	}
	if err := j.f.Truncate(size); err != nil {
		return j.fail(fmt.Errorf("journal: truncate: %w", err))
	}
	if _, err := j.f.Seek(size, io.SeekStart); err != nil {
		return j.fail(fmt.Errorf("journal: seek: %w", err))
	}
	if err := j.sync(j.f); err != nil {
		return j.fail(fmt.Errorf("journal: sync: %w", err))
	}
	j.offsets = j.offsets[:keep]
	j.size = size
	return nil
}

// DiscardUpTo removes every record with index <= index. The remaining
// records are rewritten to a new file which atomically replaces the old one.
func (j *Journal) DiscardUpTo(index uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.closedErr(); err != nil {
		return err
	}
	if len(j.offsets) == 0 || index < j.first {
		return nil
	}

	tail := j.size
	if index < j.lastIndex() {
		tail = j.offsets[index-j.first+1]
	}

	tmp, err := os.CreateTemp(j.dir, FileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("journal: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := io.Copy(tmp, io.NewSectionReader(j.f, tail, j.size-tail)); err != nil {
		cleanup()
		return fmt.Errorf("journal: copy tail: %w", err)
	}
	if err := j.sync(tmp); err != nil {
		cleanup()
		return fmt.Errorf("journal: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("journal: close temp: %w", err)
	}
	if err := j.f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return j.fail(fmt.Errorf("journal: close: %w", err))
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		_ = os.Remove(tmpPath)
		return j.fail(fmt.Errorf("journal: rename: %w", err))
	}
	if !j.opts.NoSync {
		if err := syncDir(j.dir); err != nil {
			return j.fail(fmt.Errorf("journal: sync dir: %w", err))
		}
	}
	if err := j.open(); err != nil {
		return j.fail(err)
	}
	return nil
}

// Close closes the journal file. Later calls fail with ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return nil
	}
	j.err = ErrClosed
	if j.f == nil {
		return nil
	}
	return j.f.Close()
}

func (j *Journal) closedErr() error {
	if j.err == nil {
		return nil
	}
	if errors.Is(j.err, ErrClosed) {
		return j.err
	}
	return fmt.Errorf("%w: %v", ErrClosed, j.err)
}

// fail closes the journal after an I/O error and returns err.
func (j *Journal) fail(err error) error {
	j.err = err
	if j.f != nil {
		_ = j.f.Close()
	}
	return err
}

func (j *Journal) sync(f *os.File) error {
	if j.opts.NoSync {
		return nil
	}
	return f.Sync()
}

func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 -- journal directory is operator-controlled
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}

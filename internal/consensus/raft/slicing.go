package raft

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

var (
	// errSliceHashMismatch is returned when a reassembled payload does not
	// match the hash carried by its slices.
	errSliceHashMismatch = errors.New("raft: reassembled entry hash mismatch")
	// errSliceExpired is returned when slices of an entry stopped arriving
	// for longer than the slice timeout.
	errSliceExpired = errors.New("raft: slice reassembly timed out")
	errSliceInvalid = errors.New("raft: invalid slice")
)

// needsSlicing reports whether entry must be sent as slices. Only the
// command payload counts against maxSize; framing and headers do not.
func needsSlicing(entry LogEntry, maxSize int) bool {
	return maxSize > 0 && len(entry.Command) > maxSize
}

// sliceEntry splits the entry payload into ordered slices of at most
// maxSize bytes. The split is deterministic for a given entry and size.
func sliceEntry(entry LogEntry, maxSize int) []EntrySlice {
	total := (len(entry.Command) + maxSize - 1) / maxSize
	hash := xxhash.Sum64(entry.Command)
	out := make([]EntrySlice, 0, total)
	for i := 0; i < total; i++ {
		lo := i * maxSize
		hi := min(lo+maxSize, len(entry.Command))
		out = append(out, EntrySlice{
			EntryIndex:  entry.Index,
			EntryTerm:   entry.Term,
			EntryType:   entry.Type,
			SliceIndex:  uint32(i),     //nolint:gosec // bounded by payload length / maxSize
			TotalSlices: uint32(total), //nolint:gosec // bounded by payload length / maxSize
			SliceHash:   hash,
			Data:        entry.Command[lo:hi],
		})
	}
	return out
}

// partialEntry buffers the slices of one entry.
type partialEntry struct {
	term      uint64
	typ       EntryType
	hash      uint64
	slices    [][]byte
	received  uint32
	updatedAt time.Time
}

func (p *partialEntry) matches(s EntrySlice) bool {
	return p.term == s.EntryTerm &&
		p.typ == s.EntryType &&
		p.hash == s.SliceHash &&
		uint32(len(p.slices)) == s.TotalSlices //nolint:gosec // len bounded by TotalSlices
}

// Reassembler buffers slices per entry index on a follower and rebuilds the
// entry once every slice arrived and the payload hash matches.
type Reassembler struct {
	clock   clock.Clock
	timeout time.Duration
	pending map[uint64]*partialEntry
}

// NewReassembler returns a reassembler that drops partial entries after
// timeout without progress.
func NewReassembler(clk clock.Clock, timeout time.Duration) *Reassembler {
	if clk == nil {
		clk = clock.New()
	}
	return &Reassembler{
		clock:   clk,
		timeout: timeout,
		pending: make(map[uint64]*partialEntry),
	}
}

// Add buffers s. When s completes its entry, the reassembled entry is
// returned with complete set. A hash mismatch or an expired buffer discards
// the partial entry and returns an error; the sender must restart from the
// first slice.
func (r *Reassembler) Add(s EntrySlice) (entry LogEntry, complete bool, err error) {
	if s.TotalSlices == 0 || s.SliceIndex >= s.TotalSlices {
		return LogEntry{}, false, errSliceInvalid
	}

	now := r.clock.Now()
	p, ok := r.pending[s.EntryIndex]
	if ok && r.timeout > 0 && now.Sub(p.updatedAt) > r.timeout {
		delete(r.pending, s.EntryIndex)
		return LogEntry{}, false, errSliceExpired
	}
	if ok && !p.matches(s) {
		// A new slicing round for the same index replaces the old buffer.
		delete(r.pending, s.EntryIndex)
		ok = false
	}
	if !ok {
		p = &partialEntry{
			term:   s.EntryTerm,
			typ:    s.EntryType,
			hash:   s.SliceHash,
			slices: make([][]byte, s.TotalSlices),
		}
		r.pending[s.EntryIndex] = p
	}
	p.updatedAt = now

	if p.slices[s.SliceIndex] == nil {
		p.slices[s.SliceIndex] = append([]byte{}, s.Data...)
		p.received++
	}
	if p.received < s.TotalSlices {
		return LogEntry{}, false, nil
	}

	delete(r.pending, s.EntryIndex)
	size := 0
	for _, b := range p.slices {
		size += len(b)
	}
	payload := make([]byte, 0, size)
	for _, b := range p.slices {
		payload = append(payload, b...)
	}
	if xxhash.Sum64(payload) != p.hash {
		return LogEntry{}, false, errSliceHashMismatch
	}
	return LogEntry{
		Index:   s.EntryIndex,
		Term:    p.term,
		Type:    p.typ,
		Command: payload,
	}, true, nil
}

// Has reports whether slices for index are buffered.
func (r *Reassembler) Has(index uint64) bool {
	_, ok := r.pending[index]
	return ok
}

// Pending returns the number of partially received entries.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}

// DiscardFrom drops partial entries at or after index.
func (r *Reassembler) DiscardFrom(index uint64) {
	for idx := range r.pending {
		if idx >= index {
			delete(r.pending, idx)
		}
	}
}

// Expire drops partial entries that made no progress within the timeout and
// returns how many were dropped.
func (r *Reassembler) Expire() int {
	if r.timeout <= 0 {
		return 0
	}
	now := r.clock.Now()
	dropped := 0
	for idx, p := range r.pending {
		if now.Sub(p.updatedAt) > r.timeout {
			delete(r.pending, idx)
			dropped++
		}
	}
	return dropped
}

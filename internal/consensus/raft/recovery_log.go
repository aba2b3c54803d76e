package raft

// RecoveryLog rebuilds the replicated log at startup from the latest
// snapshot's metadata and the journal replay.
//
// Seed the snapshot cursors first, then Append every replayed entry in order.
// Entries already covered by the snapshot are skipped; a gap is rejected.
type RecoveryLog struct {
	log *ReplicatedLog
}

// NewRecoveryLog returns an empty recovery target using the given snapshot
// capture thresholds for the log it builds.
func NewRecoveryLog(batchCount uint64, byteThreshold int64) *RecoveryLog {
	return &RecoveryLog{log: newReplicatedLog(batchCount, byteThreshold)}
}

// SetSnapshotIndex seeds the index covered by the latest snapshot.
func (r *RecoveryLog) SetSnapshotIndex(index uint64) {
	r.log.snapshotIndex = index
	r.log.raiseCursors(index)
}

// SetSnapshotTerm seeds the term of the snapshot's last entry.
func (r *RecoveryLog) SetSnapshotTerm(term uint64) {
	r.log.snapshotTerm = term
}

// SetCommitIndex seeds the commit cursor. It is clamped to the recovered
// entries when the log is built.
func (r *RecoveryLog) SetCommitIndex(index uint64) {
	if index > r.log.commitIndex {
		r.log.commitIndex = index
	}
}

// SetLastApplied seeds the apply cursor.
func (r *RecoveryLog) SetLastApplied(index uint64) {
	if index > r.log.lastApplied {
		r.log.lastApplied = index
	}
}

// Append adds a replayed entry. Entries at or below the snapshot index are
// skipped and reported as accepted. It returns false when the entry does not
// directly follow the last recovered entry.
func (r *RecoveryLog) Append(entry LogEntry) bool {
	if entry.Index <= r.log.snapshotIndex {
		return true
	}
	return r.log.append(entry) == nil
}

// LastIndex returns the last recovered index.
func (r *RecoveryLog) LastIndex() uint64 {
	return r.log.LastIndex()
}

// Build returns the recovered log with its cursors clamped so that
// snapshotIndex <= lastApplied <= commitIndex <= lastIndex holds.
func (r *RecoveryLog) Build() *ReplicatedLog {
	l := r.log
	if l.commitIndex > l.LastIndex() {
		l.commitIndex = l.LastIndex()
	}
	if l.lastApplied > l.commitIndex {
		l.lastApplied = l.commitIndex
	}
	if l.lastApplied < l.snapshotIndex {
		l.lastApplied = l.snapshotIndex
	}
	if l.commitIndex < l.snapshotIndex {
		l.commitIndex = l.snapshotIndex
	}
	return l
}

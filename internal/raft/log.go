package raft

import (
	"raftdfs/internal/rpcpb"
)

// memoryLog is the in-memory replicated log. Index 1 is the first entry, 0 means "before the first entry". Stored
// entries are never modified; an uncommitted suffix may be dropped with truncateFrom, so callers may still hold on to
// the returned pointers.
// Not safe for concurrent use; the Node mutex guards it.
type memoryLog struct {
	entries []*rpcpb.LogEntry
}

func (l *memoryLog) lastIndex() uint64 {
	return uint64(len(l.entries))
}

func (l *memoryLog) lastTerm() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// termAt returns the term of the entry at index. Index 0 always exists with term 0.
func (l *memoryLog) termAt(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	if index > l.lastIndex() {
		return 0, false
	}
	return l.entries[index-1].Term, true
}

func (l *memoryLog) entry(index uint64) (*rpcpb.LogEntry, bool) {
	if index == 0 || index > l.lastIndex() {
		return nil, false
	}
	return l.entries[index-1], true
}

// append stores entry as the next entry. The caller guarantees entry.Index == lastIndex()+1.
func (l *memoryLog) append(entry *rpcpb.LogEntry) {
	l.entries = append(l.entries, entry)
}

// truncateFrom drops the entry at index and every entry after it
func (l *memoryLog) truncateFrom(index uint64) {
	if index == 0 || index > l.lastIndex() {
		return
	}
	l.entries = l.entries[:index-1:index-1]
}

// slice returns the entries in [from, to], clamped to the log bounds.
func (l *memoryLog) slice(from, to uint64) []*rpcpb.LogEntry {
	if from == 0 {
		from = 1
	}
	if to > l.lastIndex() {
		to = l.lastIndex()
	}
	if from > to {
		return nil
	}
	out := make([]*rpcpb.LogEntry, to-from+1)
	copy(out, l.entries[from-1:to])
	return out
}

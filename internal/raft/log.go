package raft

import (
	"github.com/yangdegang/map-api/internal/model"
)

// EntryKind discriminates the operations carried by log entries. All
// chunk mutations, the chunk write lock and membership changes are
// identically log entries.
type EntryKind uint8

const (
	EntryNone EntryKind = iota
	EntryInsert
	EntryUpdate
	EntryLock
	EntryUnlock
	EntryAddPeer
	EntryLeave
)

func (k EntryKind) String() string {
	switch k {
	case EntryInsert:
		return "insert"
	case EntryUpdate:
		return "update"
	case EntryLock:
		return "lock"
	case EntryUnlock:
		return "unlock"
	case EntryAddPeer:
		return "add_peer"
	case EntryLeave:
		return "leave"
	default:
		return "none"
	}
}

// LogEntry is one replicated log slot. Only the fields of the entry's
// kind are set: Revision for inserts and updates, Peer for membership,
// LockIndex for unlocks.
type LogEntry struct {
	Index     uint64 `codec:"index"`
	Term      uint64 `codec:"term"`
	Kind      uint8  `codec:"kind"`
	Revision  []byte `codec:"revision,omitempty"`
	Peer      string `codec:"peer,omitempty"`
	LockIndex uint64 `codec:"lock_index,omitempty"`
	Sender    string `codec:"sender,omitempty"`
	SerialID  uint64 `codec:"serial_id,omitempty"`

	// replicators is leader-side bookkeeping and never serialized.
	replicators map[model.PeerId]struct{} `codec:"-"`
}

func (e *LogEntry) markReplicated(peer model.PeerId) {
	if e.replicators == nil {
		e.replicators = make(map[model.PeerId]struct{})
	}
	e.replicators[peer] = struct{}{}
}

func (e *LogEntry) replicationCount() int {
	return len(e.replicators)
}

// raftLog is the entry sequence. Index zero is a sentinel; indexes are
// dense and sequential. Callers synchronize through the node's log
// mutex.
type raftLog struct {
	entries []*LogEntry
}

func newRaftLog() *raftLog {
	return &raftLog{entries: []*LogEntry{{Index: 0, Term: 0, Kind: uint8(EntryNone)}}}
}

func (l *raftLog) last() *LogEntry {
	return l.entries[len(l.entries)-1]
}

func (l *raftLog) get(index uint64) *LogEntry {
	first := l.entries[0].Index
	if index < first || index > l.last().Index {
		return nil
	}
	return l.entries[index-first]
}

func (l *raftLog) append(entry *LogEntry) {
	entry.Index = l.last().Index + 1
	l.entries = append(l.entries, entry)
}

// truncateFrom drops the entry at index and everything after it.
func (l *raftLog) truncateFrom(index uint64) {
	first := l.entries[0].Index
	l.entries = l.entries[:index-first]
}

// install replaces the whole log, used when joining from an init
// snapshot.
func (l *raftLog) install(entries []*LogEntry) {
	l.entries = []*LogEntry{{Index: 0, Term: 0, Kind: uint8(EntryNone)}}
	l.entries = append(l.entries, entries...)
}

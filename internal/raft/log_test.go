package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaftLog_SentinelAndAppend(t *testing.T) {
	l := newRaftLog()
	require.Equal(t, uint64(0), l.last().Index)

	l.append(&LogEntry{Term: 1, Kind: uint8(EntryInsert)})
	l.append(&LogEntry{Term: 1, Kind: uint8(EntryUpdate)})

	assert.Equal(t, uint64(2), l.last().Index)
	assert.Equal(t, uint8(EntryInsert), l.get(1).Kind)
	assert.Equal(t, uint8(EntryUpdate), l.get(2).Kind)
	assert.Nil(t, l.get(3))
}

func TestRaftLog_TruncateFrom(t *testing.T) {
	l := newRaftLog()
	for i := 0; i < 5; i++ {
		l.append(&LogEntry{Term: 1, Kind: uint8(EntryInsert)})
	}
	l.truncateFrom(3)

	assert.Equal(t, uint64(2), l.last().Index)
	assert.Nil(t, l.get(3))

	// Appending after a truncation reuses the freed indexes.
	l.append(&LogEntry{Term: 2, Kind: uint8(EntryUpdate)})
	require.NotNil(t, l.get(3))
	assert.Equal(t, uint64(2), l.get(3).Term)
}

func TestRaftLog_Install(t *testing.T) {
	l := newRaftLog()
	l.append(&LogEntry{Term: 1, Kind: uint8(EntryInsert)})

	l.install([]*LogEntry{
		{Index: 1, Term: 3, Kind: uint8(EntryLock)},
		{Index: 2, Term: 3, Kind: uint8(EntryUnlock)},
	})
	assert.Equal(t, uint64(2), l.last().Index)
	assert.Equal(t, uint64(3), l.get(1).Term)
	assert.Equal(t, uint8(EntryLock), l.get(1).Kind)
}

func TestLogEntry_ReplicationBookkeeping(t *testing.T) {
	entry := &LogEntry{Term: 1}
	assert.Equal(t, 0, entry.replicationCount())

	entry.markReplicated("a:1")
	entry.markReplicated("a:1")
	entry.markReplicated("b:2")
	assert.Equal(t, 2, entry.replicationCount())
}

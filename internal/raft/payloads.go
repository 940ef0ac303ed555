package raft

// AppendEntries response states.
const (
	responseSuccess uint8 = iota
	responseAlreadyPresent
	responseRejected
	responseFailed
)

// AppendEntriesPayload is the leader-to-follower replication message.
// An empty Entry makes it a heartbeat.
type AppendEntriesPayload struct {
	Table        string    `codec:"table"`
	ChunkID      string    `codec:"chunk_id"`
	Term         uint64    `codec:"term"`
	CommitIndex  uint64    `codec:"commit_index"`
	LastLogIndex uint64    `codec:"last_log_index"`
	LastLogTerm  uint64    `codec:"last_log_term"`
	PrevLogIndex uint64    `codec:"prev_log_index,omitempty"`
	PrevLogTerm  uint64    `codec:"prev_log_term,omitempty"`
	Entry        *LogEntry `codec:"entry,omitempty"`
}

// AppendEntriesResponse reports the follower's log state.
type AppendEntriesResponse struct {
	Term         uint64 `codec:"term"`
	Response     uint8  `codec:"response"`
	LastLogIndex uint64 `codec:"last_log_index"`
	LastLogTerm  uint64 `codec:"last_log_term"`
	CommitIndex  uint64 `codec:"commit_index"`
}

// RequestVotePayload is the candidate's vote solicitation.
type RequestVotePayload struct {
	Table        string `codec:"table"`
	ChunkID      string `codec:"chunk_id"`
	Term         uint64 `codec:"term"`
	LastLogIndex uint64 `codec:"last_log_index"`
	LastLogTerm  uint64 `codec:"last_log_term"`
	CommitIndex  uint64 `codec:"commit_index"`
}

// RequestVoteResponse carries the vote and the voter's log position.
type RequestVoteResponse struct {
	Vote             bool   `codec:"vote"`
	PreviousLogIndex uint64 `codec:"previous_log_index"`
	PreviousLogTerm  uint64 `codec:"previous_log_term"`
}

// ChunkRequestPayload forwards a client operation to the leader, which
// appends it as a log entry.
type ChunkRequestPayload struct {
	Table     string `codec:"table"`
	ChunkID   string `codec:"chunk_id"`
	Kind      uint8  `codec:"kind"`
	Revision  []byte `codec:"revision,omitempty"`
	Peer      string `codec:"peer,omitempty"`
	LockIndex uint64 `codec:"lock_index,omitempty"`
	SerialID  uint64 `codec:"serial_id"`
}

// ChunkRequestResponse returns the appended index, or zero with a
// leader hint when this peer is not the leader.
type ChunkRequestResponse struct {
	Index      uint64 `codec:"index"`
	LeaderHint string `codec:"leader_hint,omitempty"`
}

// InitPayload seeds a joining peer: the full peer-set, the log and the
// committed prefix bound.
type InitPayload struct {
	Table       string      `codec:"table"`
	ChunkID     string      `codec:"chunk_id"`
	Peers       []string    `codec:"peers"`
	Entries     []*LogEntry `codec:"entries"`
	CommitIndex uint64      `codec:"commit_index"`
}

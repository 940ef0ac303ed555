package raft

import (
	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/model"
)

// HandleAppendEntries processes a leader's replication message or
// heartbeat and reports the local log state back.
func (n *Node) HandleAppendEntries(payload *AppendEntriesPayload, sender model.PeerId) *AppendEntriesResponse {
	requestTerm := payload.Term

	n.stateMu.Lock()
	n.logMu.RLock()
	lastLogIndex := n.log.last().Index
	lastLogTerm := n.log.last().Term
	n.logMu.RUnlock()
	senderLogNewer := payload.LastLogTerm > lastLogTerm ||
		(payload.LastLogTerm == lastLogTerm && payload.LastLogIndex >= lastLogIndex)

	senderChanged := sender != n.leaderID || requestTerm != n.currentTerm
	if senderChanged {
		switch {
		case requestTerm > n.currentTerm,
			requestTerm == n.currentTerm && !n.leaderID.IsValid(),
			requestTerm < n.currentTerm && !n.leaderID.IsValid() && senderLogNewer:
			// Adopt the sender: it has a newer term, or it is a leader
			// where none was known and its log qualifies it.
			n.currentTerm = requestTerm
			n.leaderID = sender
			if n.role == Leader || n.role == Candidate {
				n.role = Follower
				n.trackersRun = false
			}
			n.deps.Metrics.RaftTerm.WithLabelValues(n.chunkID.String()).Set(float64(n.currentTerm))
			n.touchHeartbeat()
		case n.role == Follower && requestTerm == n.currentTerm && sender != n.leaderID &&
			n.currentTerm > 0 && n.leaderID.IsValid():
			n.stateMu.Unlock()
			n.logger.Fatal("Two leaders in the same term",
				zap.Uint64("term", requestTerm),
				zap.String("current", string(n.leaderID)),
				zap.String("new", string(sender)))
		default:
			resp := &AppendEntriesResponse{
				Term:         n.currentTerm,
				Response:     responseRejected,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
				CommitIndex:  n.CommitIndex(),
			}
			n.stateMu.Unlock()
			return resp
		}
	} else {
		n.touchHeartbeat()
	}
	term := n.currentTerm
	n.stateMu.Unlock()

	commitIndex := n.CommitIndex()
	n.logMu.Lock()
	status := n.followerAppendNewEntries(payload, commitIndex)
	lastLogIndex = n.log.last().Index
	lastLogTerm = n.log.last().Term
	n.logMu.Unlock()

	if status == responseSuccess {
		n.followerCommitNewEntries(payload, lastLogIndex)
	}

	return &AppendEntriesResponse{
		Term:         term,
		Response:     status,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
		CommitIndex:  n.CommitIndex(),
	}
}

// followerAppendNewEntries admits the payload's entry if its previous
// position matches the local tail. Conflicting uncommitted entries are
// truncated; truncating a committed entry is fatal. Callers hold the
// log write lock.
func (n *Node) followerAppendNewEntries(payload *AppendEntriesPayload, commitIndex uint64) uint8 {
	if payload.Entry == nil {
		// Heartbeat.
		return responseSuccess
	}
	last := n.log.last()
	if payload.PrevLogIndex == last.Index && payload.PrevLogTerm == last.Term {
		n.log.append(n.copyEntry(payload.Entry))
		return responseSuccess
	}
	if payload.PrevLogIndex < last.Index {
		// The leader walked back due to a conflict.
		prev := n.log.get(payload.PrevLogIndex)
		if prev == nil || prev.Term != payload.PrevLogTerm {
			return responseFailed
		}
		stored := n.log.get(payload.PrevLogIndex + 1)
		if stored != nil && stored.Term == payload.Entry.Term &&
			stored.SerialID == payload.Entry.SerialID && stored.Sender == payload.Entry.Sender {
			return responseAlreadyPresent
		}
		if commitIndex >= payload.PrevLogIndex+1 {
			n.logger.Fatal("Leader would truncate a committed entry",
				zap.Uint64("commit_index", commitIndex),
				zap.Uint64("conflict_index", payload.PrevLogIndex+1))
		}
		n.log.truncateFrom(payload.PrevLogIndex + 1)
		n.log.append(n.copyEntry(payload.Entry))
		return responseSuccess
	}
	return responseFailed
}

func (n *Node) copyEntry(entry *LogEntry) *LogEntry {
	return &LogEntry{
		Term:      entry.Term,
		Kind:      entry.Kind,
		Revision:  entry.Revision,
		Peer:      entry.Peer,
		LockIndex: entry.LockIndex,
		Sender:    entry.Sender,
		SerialID:  entry.SerialID,
	}
}

// followerCommitNewEntries advances the commit index to the leader's,
// bounded by the local log tail.
func (n *Node) followerCommitNewEntries(payload *AppendEntriesPayload, lastLogIndex uint64) {
	target := payload.CommitIndex
	if lastLogIndex < target {
		target = lastLogIndex
	}
	n.commitMu.Lock()
	n.advanceCommitLocked(target)
	n.commitMu.Unlock()
}

// HandleRequestVote answers a candidate's vote solicitation. The vote
// is granted iff the candidate's term is strictly newer and its log is
// at least as up-to-date.
func (n *Node) HandleRequestVote(payload *RequestVotePayload, sender model.PeerId) *RequestVoteResponse {
	n.logMu.RLock()
	lastLogIndex := n.log.last().Index
	lastLogTerm := n.log.last().Term
	n.logMu.RUnlock()

	resp := &RequestVoteResponse{
		PreviousLogIndex: lastLogIndex,
		PreviousLogTerm:  lastLogTerm,
	}
	candidateLogNewer := payload.LastLogTerm > lastLogTerm ||
		(payload.LastLogTerm == lastLogTerm && payload.LastLogIndex >= lastLogIndex)

	n.stateMu.Lock()
	if payload.Term > n.lastVoteRequestTerm {
		n.lastVoteRequestTerm = payload.Term
	}
	if payload.Term > n.currentTerm && candidateLogNewer {
		resp.Vote = true
		n.currentTerm = payload.Term
		n.leaderID = model.InvalidPeerId
		if n.role == Leader {
			n.trackersRun = false
		}
		n.role = Follower
		n.deps.Metrics.RaftTerm.WithLabelValues(n.chunkID.String()).Set(float64(n.currentTerm))
		n.logger.Debug("Voting for candidate",
			zap.String("candidate", string(sender)),
			zap.Uint64("term", n.currentTerm))
	} else {
		resp.Vote = false
	}
	n.stateMu.Unlock()

	n.touchHeartbeat()
	n.setElectionTimeout(n.randomElectionTimeout())
	return resp
}

// HandleChunkRequest appends a forwarded client operation when this
// peer is the leader, otherwise hints at the known leader.
func (n *Node) HandleChunkRequest(req *ChunkRequestPayload, sender model.PeerId) *ChunkRequestResponse {
	entry := &LogEntry{
		Kind:      req.Kind,
		Revision:  req.Revision,
		Peer:      req.Peer,
		LockIndex: req.LockIndex,
		Sender:    string(sender),
		SerialID:  req.SerialID,
	}
	if index, ok := n.appendAsLeader(entry); ok {
		return &ChunkRequestResponse{Index: index}
	}
	return &ChunkRequestResponse{LeaderHint: string(n.Leader())}
}

// BuildInit snapshots the node for a joining peer.
func (n *Node) BuildInit() *InitPayload {
	n.logMu.RLock()
	entries := make([]*LogEntry, 0, len(n.log.entries)-1)
	for _, entry := range n.log.entries[1:] {
		entries = append(entries, &LogEntry{
			Index:     entry.Index,
			Term:      entry.Term,
			Kind:      entry.Kind,
			Revision:  entry.Revision,
			Peer:      entry.Peer,
			LockIndex: entry.LockIndex,
			Sender:    entry.Sender,
			SerialID:  entry.SerialID,
		})
	}
	n.logMu.RUnlock()

	peers := make([]string, 0)
	for _, peer := range n.Peers() {
		peers = append(peers, string(peer))
	}
	peers = append(peers, string(n.self()))

	return &InitPayload{
		Table:       n.tableName,
		ChunkID:     n.chunkID.Hex(),
		Peers:       peers,
		Entries:     entries,
		CommitIndex: n.CommitIndex(),
	}
}

// Package raft implements the replicated-log chunk backend: the
// chunk's authoritative state is the committed prefix of a raft log,
// and every mutation, the chunk write lock and membership changes are
// log entries.
package raft

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/chunk"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/store"
)

// Role is the raft role of a peer.
type Role uint8

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "leader"
	case Candidate:
		return "candidate"
	default:
		return "follower"
	}
}

// leaderRetryLimit bounds client-side retries across leader changes.
const leaderRetryLimit = 10

// Node is one chunk's raft state machine, multiplexed over the hub by
// (table, chunk id).
type Node struct {
	chunkID   model.Id
	tableName string
	container *store.Container
	deps      chunk.Deps
	logger    *zap.Logger

	heartbeatTimeout time.Duration
	sendPeriod       time.Duration

	stateMu             sync.Mutex
	role                Role
	currentTerm         uint64
	leaderID            model.PeerId
	lastVoteRequestTerm uint64
	trackersRun         bool

	hbMu            sync.Mutex
	lastHeartbeat   time.Time
	electionTimeout time.Duration

	logMu sync.RWMutex
	log   *raftLog

	commitMu    sync.Mutex
	commitIndex uint64
	lastApplied uint64

	peersMu sync.Mutex
	peers   *model.PeerList

	lockMu     sync.Mutex
	lockHolder model.PeerId
	lockIndex  uint64

	trackerWG sync.WaitGroup

	onApply func(entry *LogEntry)

	stopCh   chan struct{}
	stopOnce sync.Once
	stateWG  sync.WaitGroup
}

// Config tunes a raft node.
type Config struct {
	HeartbeatTimeout time.Duration
	SendPeriod       time.Duration
}

// NewNode creates a raft node for a chunk. Peers excludes self.
func NewNode(chunkID model.Id, tableName string, container *store.Container,
	peers []model.PeerId, cfg *Config, deps chunk.Deps) *Node {
	n := &Node{
		chunkID:          chunkID,
		tableName:        tableName,
		container:        container,
		deps:             deps,
		logger:           deps.Logger.With(zap.String("table", tableName), zap.String("chunk_id", chunkID.String())),
		heartbeatTimeout: cfg.HeartbeatTimeout,
		sendPeriod:       cfg.SendPeriod,
		role:             Follower,
		log:              newRaftLog(),
		peers:            model.NewPeerList(peers...),
		lastHeartbeat:    time.Now(),
		stopCh:           make(chan struct{}),
	}
	n.setElectionTimeout(n.randomElectionTimeout())
	return n
}

func (n *Node) setElectionTimeout(d time.Duration) {
	n.hbMu.Lock()
	n.electionTimeout = d
	n.hbMu.Unlock()
}

func (n *Node) getElectionTimeout() time.Duration {
	n.hbMu.Lock()
	defer n.hbMu.Unlock()
	return n.electionTimeout
}

func (n *Node) randomElectionTimeout() time.Duration {
	t := n.heartbeatTimeout
	return t + time.Duration(rand.Int63n(int64(2*t)))
}

// SetOnApply installs the committed-entry callback. Must be set
// before Start.
func (n *Node) SetOnApply(fn func(entry *LogEntry)) {
	n.onApply = fn
}

// BecomeFounder marks this node as the leader of a fresh chunk. Used
// by the peer that initializes a new chunk.
func (n *Node) BecomeFounder() {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.currentTerm = 1
	n.role = Leader
	n.leaderID = n.self()
}

// InstallInit seeds the node from a join snapshot.
func (n *Node) InstallInit(init *InitPayload) {
	n.logMu.Lock()
	n.log.install(init.Entries)
	n.logMu.Unlock()

	n.peersMu.Lock()
	for _, address := range init.Peers {
		peer := model.PeerId(address)
		if peer != n.self() {
			n.peers.Add(peer)
		}
	}
	n.peersMu.Unlock()

	n.commitMu.Lock()
	n.advanceCommitLocked(init.CommitIndex)
	n.commitMu.Unlock()
}

// Start launches the state manager.
func (n *Node) Start() {
	n.stateWG.Add(1)
	go n.stateManager()
}

// Stop terminates the state manager and all trackers.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.stateMu.Lock()
		n.trackersRun = false
		n.stateMu.Unlock()
	})
	n.stateWG.Wait()
}

// IsRunning reports whether the node has not been stopped.
func (n *Node) IsRunning() bool {
	select {
	case <-n.stopCh:
		return false
	default:
		return true
	}
}

func (n *Node) self() model.PeerId {
	return n.deps.Hub.Self()
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.currentTerm
}

// Leader returns the currently known leader.
func (n *Node) Leader() model.PeerId {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.leaderID
}

// Role returns the node's role.
func (n *Node) Role() Role {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.role
}

// CommitIndex returns the committed prefix bound.
func (n *Node) CommitIndex() uint64 {
	n.commitMu.Lock()
	defer n.commitMu.Unlock()
	return n.commitIndex
}

// Peers returns the raft peer-set, excluding self.
func (n *Node) Peers() []model.PeerId {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	return n.peers.Ascending()
}

// HasPeer reports membership of the given peer.
func (n *Node) HasPeer(peer model.PeerId) bool {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()
	return n.peers.Contains(peer)
}

// LockHolder returns the peer holding the chunk lock in the committed
// prefix, and the acquiring entry's index.
func (n *Node) LockHolder() (model.PeerId, uint64) {
	n.lockMu.Lock()
	defer n.lockMu.Unlock()
	return n.lockHolder, n.lockIndex
}

func (n *Node) touchHeartbeat() {
	n.hbMu.Lock()
	n.lastHeartbeat = time.Now()
	n.hbMu.Unlock()
}

func (n *Node) heartbeatAge() time.Duration {
	n.hbMu.Lock()
	defer n.hbMu.Unlock()
	return time.Since(n.lastHeartbeat)
}

// stateManager drives elections and, while leader, the follower
// trackers and the commit rule.
func (n *Node) stateManager() {
	defer n.stateWG.Done()
	for n.IsRunning() {
		n.stateMu.Lock()
		role := n.role
		term := n.currentTerm
		n.stateMu.Unlock()

		switch role {
		case Follower:
			age := n.heartbeatAge()
			timeout := n.getElectionTimeout()
			if age >= timeout {
				n.conductElection()
				continue
			}
			n.sleep(timeout - age)
		case Leader:
			n.runLeaderSession(term)
		default:
			n.sleep(n.sendPeriod)
		}
	}
}

func (n *Node) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-n.stopCh:
	case <-time.After(d):
	}
}

// conductElection runs one candidate round: increment the term, vote
// for self, solicit the peers, and either win or back off.
func (n *Node) conductElection() {
	n.deps.Metrics.RaftElectionsTotal.Inc()
	n.stateMu.Lock()
	n.role = Candidate
	n.currentTerm++
	if n.lastVoteRequestTerm >= n.currentTerm {
		n.currentTerm = n.lastVoteRequestTerm + 1
	}
	term := n.currentTerm
	n.leaderID = model.InvalidPeerId
	n.stateMu.Unlock()

	n.logMu.RLock()
	lastLogIndex := n.log.last().Index
	lastLogTerm := n.log.last().Term
	n.logMu.RUnlock()

	peers := n.Peers()
	n.logger.Debug("Election candidate", zap.Uint64("term", term))

	votes := make(chan bool, len(peers))
	for _, peer := range peers {
		peer := peer
		go func() {
			votes <- n.solicitVote(peer, term, lastLogIndex, lastLogTerm)
		}()
	}
	granted := 0
	for range peers {
		if <-votes {
			granted++
		}
	}

	n.stateMu.Lock()
	if n.role == Candidate && granted >= (len(peers)+1)/2 {
		n.role = Leader
		n.leaderID = n.self()
		n.setElectionTimeout(n.randomElectionTimeout())
		n.logger.Info("Elected leader",
			zap.Uint64("term", n.currentTerm),
			zap.Int("votes", granted+1))
	} else if n.role == Candidate {
		n.role = Follower
		n.leaderID = model.InvalidPeerId
		// A longer timeout after a lost election keeps a stale-logged
		// peer from monopolizing candidacy.
		n.setElectionTimeout(4 * n.randomElectionTimeout())
	}
	n.deps.Metrics.RaftTerm.WithLabelValues(n.chunkID.String()).Set(float64(n.currentTerm))
	n.stateMu.Unlock()
	n.touchHeartbeat()
}

func (n *Node) solicitVote(peer model.PeerId, term, lastLogIndex, lastLogTerm uint64) bool {
	msg, err := hub.NewMessage(hub.TypeRaftRequestVote, &RequestVotePayload{
		Table:        n.tableName,
		ChunkID:      n.chunkID.Hex(),
		Term:         term,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
		CommitIndex:  n.CommitIndex(),
	})
	if err != nil {
		n.logger.Error("Failed to encode vote request", zap.Error(err))
		return false
	}
	resp, err := n.deps.Hub.Request(peer, msg)
	if err != nil {
		return false
	}
	var vote RequestVoteResponse
	if err := resp.Extract(&vote); err != nil {
		return false
	}
	return vote.Vote
}

// runLeaderSession serves one leadership term: per-peer trackers
// replicate the log while this loop advances the commit index.
func (n *Node) runLeaderSession(term uint64) {
	n.stateMu.Lock()
	if n.role != Leader {
		n.stateMu.Unlock()
		return
	}
	n.trackersRun = true
	n.stateMu.Unlock()

	for _, peer := range n.Peers() {
		n.startTracker(peer, term)
	}

	for n.IsRunning() {
		n.stateMu.Lock()
		running := n.trackersRun && n.role == Leader
		n.stateMu.Unlock()
		if !running {
			break
		}
		n.leaderCommitReplicatedEntries()
		n.sleep(n.sendPeriod / 2)
	}

	n.stateMu.Lock()
	n.trackersRun = false
	n.stateMu.Unlock()
	n.trackerWG.Wait()
	n.logger.Info("Leadership session ended", zap.Uint64("term", term))
}

func (n *Node) startTracker(peer model.PeerId, term uint64) {
	n.trackerWG.Add(1)
	go n.followerTracker(peer, term)
}

func (n *Node) trackersRunning() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.trackersRun
}

// followerTracker advances one follower's log: it walks next-index
// back until the follower's tail matches, then feeds entries one at a
// time, heartbeating when there is nothing to send.
func (n *Node) followerTracker(peer model.PeerId, term uint64) {
	defer n.trackerWG.Done()
	nextIndex := n.CommitIndex() + 1
	if nextIndex < 1 {
		nextIndex = 1
	}

	for n.IsRunning() && n.trackersRunning() {
		sent, ok := n.replicateRound(peer, term, &nextIndex)
		if !ok {
			// Unreachable peer; back off before retrying.
			n.sleep(n.sendPeriod)
			continue
		}
		if sent {
			// More entries may be pending; continue immediately.
			continue
		}
		n.sleep(n.sendPeriod)
	}
}

// replicateRound sends one append-entries exchange. Reports whether a
// new entry was replicated (as opposed to a heartbeat) and whether the
// peer responded at all.
func (n *Node) replicateRound(peer model.PeerId, term uint64, nextIndex *uint64) (bool, bool) {
	payload := &AppendEntriesPayload{
		Table:       n.tableName,
		ChunkID:     n.chunkID.Hex(),
		Term:        term,
		CommitIndex: n.CommitIndex(),
	}
	sendingHeartbeat := true
	n.logMu.RLock()
	payload.LastLogIndex = n.log.last().Index
	payload.LastLogTerm = n.log.last().Term
	if *nextIndex <= n.log.last().Index {
		entry := n.log.get(*nextIndex)
		prev := n.log.get(*nextIndex - 1)
		if entry == nil || prev == nil {
			n.logMu.RUnlock()
			n.logger.Fatal("Tracker next-index outside the log",
				zap.Uint64("next_index", *nextIndex))
			return false, false
		}
		payload.Entry = &LogEntry{
			Index:     entry.Index,
			Term:      entry.Term,
			Kind:      entry.Kind,
			Revision:  entry.Revision,
			Peer:      entry.Peer,
			LockIndex: entry.LockIndex,
			Sender:    entry.Sender,
			SerialID:  entry.SerialID,
		}
		payload.PrevLogIndex = prev.Index
		payload.PrevLogTerm = prev.Term
		sendingHeartbeat = false
	}
	n.logMu.RUnlock()

	msg, err := hub.NewMessage(hub.TypeRaftAppendEntries, payload)
	if err != nil {
		n.logger.Fatal("Failed to encode append-entries", zap.Error(err))
	}
	resp, err := n.deps.Hub.Request(peer, msg)
	if err != nil {
		return false, false
	}
	var response AppendEntriesResponse
	if err := resp.Extract(&response); err != nil {
		return false, false
	}

	accepted := response.Response == responseSuccess || response.Response == responseAlreadyPresent
	if accepted {
		if sendingHeartbeat {
			return false, true
		}
		n.logMu.Lock()
		if entry := n.log.get(*nextIndex); entry != nil {
			entry.markReplicated(peer)
		}
		n.logMu.Unlock()
		*nextIndex++
		n.deps.Metrics.RaftAppendsTotal.Inc()
		return true, true
	}

	// The follower's tail conflicts; walk one entry back and retry.
	if *nextIndex <= 1 {
		n.logger.Fatal("Follower rejected the log sentinel",
			zap.String("peer", string(peer)))
	}
	*nextIndex--
	if response.CommitIndex >= *nextIndex && response.Response != responseRejected {
		// A committed entry can never conflict with the leader.
		n.logger.Fatal("Conflicting entry already committed on peer",
			zap.String("peer", string(peer)),
			zap.Uint64("peer_commit_index", response.CommitIndex),
			zap.Uint64("next_index", *nextIndex))
	}
	return false, true
}

// leaderCommitReplicatedEntries advances the commit index over every
// entry replicated on a strict majority.
func (n *Node) leaderCommitReplicatedEntries() {
	for {
		n.commitMu.Lock()
		next := n.commitIndex + 1
		n.commitMu.Unlock()

		n.logMu.RLock()
		entry := n.log.get(next)
		replicated := 0
		if entry != nil {
			replicated = entry.replicationCount()
		}
		n.logMu.RUnlock()
		if entry == nil {
			return
		}

		n.peersMu.Lock()
		peerCount := n.peers.Len()
		n.peersMu.Unlock()
		if peerCount > 0 {
			if replicated > peerCount {
				n.logger.Fatal("Replication count exceeds peer-set size",
					zap.Int("count", replicated),
					zap.Int("peers", peerCount))
			}
			if replicated <= peerCount/2 {
				return
			}
		}

		n.commitMu.Lock()
		n.advanceCommitLocked(next)
		n.commitMu.Unlock()
	}
}

// advanceCommitLocked raises the commit index and applies the newly
// committed entries. Callers hold commitMu.
func (n *Node) advanceCommitLocked(to uint64) {
	if to <= n.commitIndex {
		return
	}
	n.commitIndex = to
	for n.lastApplied < n.commitIndex {
		n.lastApplied++
		var entry *LogEntry
		n.logMu.RLock()
		entry = n.log.get(n.lastApplied)
		n.logMu.RUnlock()
		if entry == nil {
			n.logger.Fatal("Committed entry missing from the log",
				zap.Uint64("index", n.lastApplied))
		}
		n.applyEntry(entry)
		n.deps.Metrics.RaftCommittedEntries.Inc()
	}
}

// applyEntry applies one committed entry to the chunk state.
func (n *Node) applyEntry(entry *LogEntry) {
	switch EntryKind(entry.Kind) {
	case EntryInsert, EntryUpdate:
		rev, err := model.UnmarshalRevision(entry.Revision)
		if err != nil {
			n.logger.Fatal("Committed entry carries a bad revision", zap.Error(err))
		}
		if err := n.container.Patch(rev); err != nil {
			n.logger.Fatal("Failed to apply committed revision",
				zap.String("item", rev.ID.String()), zap.Error(err))
		}
		n.deps.Metrics.PatchesTotal.Inc()
	case EntryLock:
		n.lockMu.Lock()
		if !n.lockHolder.IsValid() {
			n.lockHolder = model.PeerId(entry.Sender)
			n.lockIndex = entry.Index
		}
		n.lockMu.Unlock()
	case EntryUnlock:
		n.lockMu.Lock()
		if entry.LockIndex == n.lockIndex {
			n.lockHolder = model.InvalidPeerId
			n.lockIndex = 0
		}
		n.lockMu.Unlock()
	case EntryAddPeer:
		peer := model.PeerId(entry.Peer)
		if peer != n.self() {
			n.peersMu.Lock()
			added := n.peers.Add(peer)
			n.peersMu.Unlock()
			n.stateMu.Lock()
			startTracker := added && n.role == Leader && n.trackersRun
			term := n.currentTerm
			n.stateMu.Unlock()
			if startTracker {
				n.startTracker(peer, term)
			}
		}
	case EntryLeave:
		peer := model.PeerId(entry.Peer)
		if peer != n.self() {
			n.peersMu.Lock()
			n.peers.Remove(peer)
			n.peersMu.Unlock()
		}
	}
	if n.onApply != nil {
		n.onApply(entry)
	}
}

// appendAsLeader appends a client entry to the leader's log.
func (n *Node) appendAsLeader(entry *LogEntry) (uint64, bool) {
	n.stateMu.Lock()
	if n.role != Leader {
		n.stateMu.Unlock()
		return 0, false
	}
	entry.Term = n.currentTerm
	n.stateMu.Unlock()

	n.logMu.Lock()
	n.log.append(entry)
	index := entry.Index
	n.logMu.Unlock()
	return index, true
}

// ClientAppend appends an entry through the current leader, retrying
// across leader changes a bounded number of times.
func (n *Node) ClientAppend(req *ChunkRequestPayload) (uint64, error) {
	for attempt := 0; attempt < leaderRetryLimit; attempt++ {
		if !n.IsRunning() {
			return 0, errors.ShuttingDown("raft node")
		}
		entry := &LogEntry{
			Kind:      req.Kind,
			Revision:  req.Revision,
			Peer:      req.Peer,
			LockIndex: req.LockIndex,
			Sender:    string(n.self()),
			SerialID:  req.SerialID,
		}
		if index, ok := n.appendAsLeader(entry); ok {
			return index, nil
		}

		leader := n.Leader()
		if !leader.IsValid() || leader == n.self() {
			n.sleep(n.heartbeatTimeout)
			continue
		}
		msg, err := hub.NewMessage(hub.TypeRaftChunkRequest, req)
		if err != nil {
			return 0, errors.Internal("failed to encode chunk request", err)
		}
		resp, err := n.deps.Hub.Request(leader, msg)
		if err != nil {
			n.sleep(n.heartbeatTimeout)
			continue
		}
		var response ChunkRequestResponse
		if err := resp.Extract(&response); err != nil {
			return 0, errors.CorruptedData("bad chunk request response", err)
		}
		if response.Index > 0 {
			return response.Index, nil
		}
		n.sleep(n.heartbeatTimeout)
	}
	return 0, errors.LeaderChanged("no leader accepted the request")
}

// CheckIfEntryCommitted waits for the entry at index to reach the
// committed prefix, then verifies by serial id that it is the caller's
// own entry rather than a conflicting one that took its slot. The wait
// is bounded so an entry lost to a leader change does not block the
// caller forever; the caller retries with a fresh serial id.
func (n *Node) CheckIfEntryCommitted(index, serialID uint64) bool {
	deadline := time.Now().Add(20 * n.heartbeatTimeout)
	for n.IsRunning() {
		if n.CommitIndex() >= index {
			n.logMu.RLock()
			entry := n.log.get(index)
			match := entry != nil && entry.SerialID == serialID && entry.Sender == string(n.self())
			n.logMu.RUnlock()
			return match
		}
		if !time.Now().Before(deadline) {
			return false
		}
		n.sleep(n.sendPeriod / 2)
	}
	return false
}

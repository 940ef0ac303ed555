package raft

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/chunk"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/store"
	"github.com/yangdegang/map-api/internal/workerpool"
)

// Chunk is the raft-backend chunk. It satisfies the same interface as
// the broadcast chunk; the write lock, every mutation and membership
// changes are log entries, and a peer holds the lock iff the latest
// committed non-unlock lock entry is its own.
type Chunk struct {
	id        model.Id
	tableName string
	container *store.Container
	node      *Node
	deps      chunk.Deps
	logger    *zap.Logger

	writeMu        sync.Mutex
	writeFree      *sync.Cond
	locked         bool
	lockEntryIndex uint64

	serial uint64

	triggerMu sync.Mutex
	triggers  []chunk.TriggerFn
	triggerWG sync.WaitGroup
}

var _ chunk.Chunk = (*Chunk)(nil)

// NewChunk creates a raft chunk around a fresh container and node.
func NewChunk(id model.Id, tableName string, peers []model.PeerId, cfg *Config, deps chunk.Deps) *Chunk {
	container := store.NewContainer()
	c := &Chunk{
		id:        id,
		tableName: tableName,
		container: container,
		node:      NewNode(id, tableName, container, peers, cfg, deps),
		deps:      deps,
		logger:    deps.Logger.With(zap.String("table", tableName), zap.String("chunk_id", id.String())),
	}
	c.writeFree = sync.NewCond(&c.writeMu)
	c.node.SetOnApply(c.onApply)
	return c
}

// InitializeNew starts the chunk as the founding leader.
func (c *Chunk) InitializeNew() {
	c.node.BecomeFounder()
	c.node.Start()
}

// InitializeFromInit seeds the chunk from a join snapshot and starts
// it as a follower.
func (c *Chunk) InitializeFromInit(init *InitPayload) {
	c.node.InstallInit(init)
	c.node.Start()
}

// Node exposes the raft node for message routing and tests.
func (c *Chunk) Node() *Node {
	return c.node
}

// Stop terminates the chunk's raft node.
func (c *Chunk) Stop() {
	c.node.Stop()
}

// ID returns the chunk id.
func (c *Chunk) ID() model.Id {
	return c.id
}

// TableName returns the owning table's name.
func (c *Chunk) TableName() string {
	return c.tableName
}

// Container returns the chunk's row container.
func (c *Chunk) Container() *store.Container {
	return c.container
}

func (c *Chunk) nextSerial() uint64 {
	return atomic.AddUint64(&c.serial, 1)
}

func (c *Chunk) self() model.PeerId {
	return c.deps.Hub.Self()
}

// ReadLock is a no-op: reads are served from the committed prefix,
// which the log keeps consistent without reader coordination.
func (c *Chunk) ReadLock() {}

// WriteLock acquires the chunk lock through the log: lock entries are
// appended with fresh serial ids until the committed log shows this
// peer as the holder.
func (c *Chunk) WriteLock() {
	start := time.Now()
	c.deps.Metrics.LockRequestsTotal.Inc()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for c.locked {
		// Another local goroutine holds the chunk lock; the lock is
		// not reentrant, so this must be a distinct caller.
		c.writeFree.Wait()
	}
	for c.node.IsRunning() {
		serial := c.nextSerial()
		index, err := c.node.ClientAppend(&ChunkRequestPayload{
			Table:    c.tableName,
			ChunkID:  c.id.Hex(),
			Kind:     uint8(EntryLock),
			SerialID: serial,
		})
		if err != nil {
			c.logger.Warn("Lock entry append failed", zap.Error(err))
			time.Sleep(c.node.heartbeatTimeout)
			continue
		}
		if c.node.CheckIfEntryCommitted(index, serial) {
			// A lock entry that found the lock free granted it to its
			// sender. The holder index may belong to an earlier entry
			// of ours whose commit confirmation was missed; holding is
			// what counts.
			holder, holderIndex := c.node.LockHolder()
			if holder == c.self() {
				c.locked = true
				c.lockEntryIndex = holderIndex
				c.deps.Metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
				return
			}
			// Someone else holds the lock; try again with a new id.
			c.deps.Metrics.LockDeclinesTotal.Inc()
		}
		time.Sleep(c.node.heartbeatTimeout)
	}
}

// Unlock appends the unlock entry carrying the acquiring entry's log
// index and waits for it to commit.
func (c *Chunk) Unlock() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if !c.locked {
		return
	}
	for c.node.IsRunning() {
		serial := c.nextSerial()
		index, err := c.node.ClientAppend(&ChunkRequestPayload{
			Table:     c.tableName,
			ChunkID:   c.id.Hex(),
			Kind:      uint8(EntryUnlock),
			LockIndex: c.lockEntryIndex,
			SerialID:  serial,
		})
		if err != nil {
			c.logger.Warn("Unlock entry append failed", zap.Error(err))
			time.Sleep(c.node.heartbeatTimeout)
			continue
		}
		if c.node.CheckIfEntryCommitted(index, serial) {
			break
		}
		time.Sleep(c.node.heartbeatTimeout)
	}
	c.locked = false
	c.lockEntryIndex = 0
	c.writeFree.Broadcast()
}

// appendCommitted appends one entry through the leader and blocks
// until it reaches the committed prefix.
func (c *Chunk) appendCommitted(req *ChunkRequestPayload) error {
	for c.node.IsRunning() {
		req.SerialID = c.nextSerial()
		index, err := c.node.ClientAppend(req)
		if err != nil {
			return err
		}
		if c.node.CheckIfEntryCommitted(index, req.SerialID) {
			return nil
		}
		time.Sleep(c.node.heartbeatTimeout)
	}
	return errors.ShuttingDown("raft chunk")
}

// Check runs the transaction's conflict rules against the committed
// state. Callers hold the write lock.
func (c *Chunk) Check(tx *chunk.Transaction) error {
	return chunk.CheckAgainst(c.container, tx, c.deps.Clock.Sample())
}

// Commit locks the chunk, checks the transaction and applies it
// through the log.
func (c *Chunk) Commit(tx *chunk.Transaction) error {
	start := time.Now()
	c.WriteLock()
	if err := c.Check(tx); err != nil {
		c.Unlock()
		c.deps.Metrics.ConflictsTotal.Inc()
		return err
	}
	commitTime := c.deps.Clock.Sample()
	if err := c.CheckedCommit(commitTime, tx); err != nil {
		c.Unlock()
		return err
	}
	c.Unlock()
	c.deps.Metrics.CommitsTotal.Inc()
	c.deps.Metrics.CommitDuration.Observe(time.Since(start).Seconds())
	return nil
}

// CheckedCommit replays a checked transaction as insert and update
// entries at the given commit time. Callers hold the write lock.
func (c *Chunk) CheckedCommit(t model.LogicalTime, tx *chunk.Transaction) error {
	for _, rev := range tx.Insertions() {
		rev.ChunkID = c.id
		rev.InsertTime = t
		rev.UpdateTime = t
		if err := c.appendCommitted(&ChunkRequestPayload{
			Table:    c.tableName,
			ChunkID:  c.id.Hex(),
			Kind:     uint8(EntryInsert),
			Revision: rev.Marshal(),
		}); err != nil {
			return err
		}
	}
	for _, rev := range tx.Mutations() {
		rev.ChunkID = c.id
		if latest := c.container.GetById(rev.ID, t); latest != nil {
			rev.InsertTime = latest.InsertTime
		}
		rev.UpdateTime = t
		if err := c.appendCommitted(&ChunkRequestPayload{
			Table:    c.tableName,
			ChunkID:  c.id.Hex(),
			Kind:     uint8(EntryUpdate),
			Revision: rev.Marshal(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// Insert admits a single new item through the log.
func (c *Chunk) Insert(rev *model.Revision) error {
	c.WriteLock()
	defer c.Unlock()
	t := c.deps.Clock.Sample()
	rev.ChunkID = c.id
	rev.InsertTime = t
	rev.UpdateTime = t
	if c.container.GetById(rev.ID, t) != nil {
		return errors.Conflict("insert of already present id " + rev.ID.String())
	}
	return c.appendCommitted(&ChunkRequestPayload{
		Table:    c.tableName,
		ChunkID:  c.id.Hex(),
		Kind:     uint8(EntryInsert),
		Revision: rev.Marshal(),
	})
}

// Update supersedes an item through the log.
func (c *Chunk) Update(rev *model.Revision) error {
	c.WriteLock()
	defer c.Unlock()
	t := c.deps.Clock.Sample()
	latest := c.container.GetById(rev.ID, t)
	if latest == nil {
		return errors.NotFound("item", rev.ID.String())
	}
	rev.ChunkID = c.id
	rev.InsertTime = latest.InsertTime
	rev.UpdateTime = t
	return c.appendCommitted(&ChunkRequestPayload{
		Table:    c.tableName,
		ChunkID:  c.id.Hex(),
		Kind:     uint8(EntryUpdate),
		Revision: rev.Marshal(),
	})
}

// DumpItems returns every alive item as of time t.
func (c *Chunk) DumpItems(t model.LogicalTime) map[model.Id]*model.Revision {
	return c.container.Dump(t)
}

// NumItems counts the alive items as of time t.
func (c *Chunk) NumItems(t model.LogicalTime) int {
	return c.container.NumAvailableIds(t)
}

// RequestParticipation invites every known hub peer that is not yet a
// member. Only the leader can extend membership.
func (c *Chunk) RequestParticipation() (int, error) {
	added := 0
	for _, peer := range c.deps.Hub.Peers() {
		if peer == c.self() || c.node.HasPeer(peer) {
			continue
		}
		ok, err := c.requestParticipationOf(peer)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

func (c *Chunk) requestParticipationOf(peer model.PeerId) (bool, error) {
	if c.node.Role() != Leader {
		return false, errors.LeaderChanged("only the leader can add chunk peers")
	}
	initMsg, err := hub.NewMessage(hub.TypeRaftConnect, c.node.BuildInit())
	if err != nil {
		return false, errors.Internal("failed to encode raft init", err)
	}
	acked, err := c.deps.Hub.AckRequest(peer, initMsg)
	if err != nil || !acked {
		c.logger.Warn("Peer rejected raft chunk participation",
			zap.String("peer", string(peer)), zap.Error(err))
		return false, nil
	}
	if err := c.appendCommitted(&ChunkRequestPayload{
		Table:   c.tableName,
		ChunkID: c.id.Hex(),
		Kind:    uint8(EntryAddPeer),
		Peer:    string(peer),
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Leave withdraws this peer: the lock is released, the leave entry
// committed, and the node stopped. Data remains on the survivors.
func (c *Chunk) Leave() {
	c.WriteLock()
	c.Unlock()
	if err := c.appendCommitted(&ChunkRequestPayload{
		Table:   c.tableName,
		ChunkID: c.id.Hex(),
		Kind:    uint8(EntryLeave),
		Peer:    string(c.self()),
	}); err != nil {
		c.logger.Warn("Leave entry append failed", zap.Error(err))
	}
	c.node.Stop()
}

// AttachTrigger registers a callback fired for remotely committed
// writes.
func (c *Chunk) AttachTrigger(fn chunk.TriggerFn) {
	c.triggerMu.Lock()
	defer c.triggerMu.Unlock()
	c.triggers = append(c.triggers, fn)
}

// WaitForTriggerCompletion joins all trigger invocations issued so far.
func (c *Chunk) WaitForTriggerCompletion() {
	c.triggerWG.Wait()
}

// onApply fires triggers for committed entries originated by other
// peers.
func (c *Chunk) onApply(entry *LogEntry) {
	kind := EntryKind(entry.Kind)
	if kind != EntryInsert && kind != EntryUpdate {
		return
	}
	if entry.Sender == string(c.self()) {
		return
	}
	c.triggerMu.Lock()
	triggers := append([]chunk.TriggerFn(nil), c.triggers...)
	c.triggerMu.Unlock()
	if len(triggers) == 0 {
		return
	}
	rev, err := model.UnmarshalRevision(entry.Revision)
	if err != nil {
		return
	}
	inserted := map[model.Id]struct{}{}
	updated := map[model.Id]struct{}{}
	if kind == EntryInsert {
		inserted[rev.ID] = struct{}{}
	} else {
		updated[rev.ID] = struct{}{}
	}
	for _, fn := range triggers {
		fn := fn
		c.triggerWG.Add(1)
		c.deps.Metrics.TriggersTotal.Inc()
		task := workerpool.Task{
			ID: fmt.Sprintf("raft-trigger-%s", c.id.String()),
			Fn: func(context.Context) error {
				defer c.triggerWG.Done()
				fn(inserted, updated)
				return nil
			},
		}
		if err := c.deps.Pool.Submit(task); err != nil {
			c.triggerWG.Done()
		}
	}
}

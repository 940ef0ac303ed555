// Package chunk implements the unit of replication: a subset of one
// table's rows replicated on a dynamic peer-set. The broadcast backend
// in this package serializes writers through a distributed RW lock and
// propagates committed revisions by acknowledged broadcast; the raft
// backend lives in the raft package and replays everything through a
// replicated log.
package chunk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/clock"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/metrics"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/store"
	"github.com/yangdegang/map-api/internal/workerpool"
)

// TriggerFn is invoked after a remote commit with the sets of item ids
// inserted and updated during the locked interval.
type TriggerFn func(inserted, updated map[model.Id]struct{})

// Chunk is the interface shared by the broadcast and raft backends.
// Backends are alternatives selected per chunk; both expose the same
// locking surface to the transaction layer.
type Chunk interface {
	ID() model.Id
	TableName() string
	Container() *store.Container

	ReadLock()
	WriteLock()
	Unlock()

	// Commit locks, checks and applies the transaction. A conflict
	// aborts without side effects.
	Commit(tx *Transaction) error
	// Check runs the conflict check against current state. Callers
	// hold the write lock.
	Check(tx *Transaction) error
	// CheckedCommit applies a checked transaction at the given commit
	// time. Callers hold the write lock.
	CheckedCommit(t model.LogicalTime, tx *Transaction) error

	DumpItems(t model.LogicalTime) map[model.Id]*model.Revision
	NumItems(t model.LogicalTime) int

	RequestParticipation() (int, error)
	Leave()

	AttachTrigger(fn TriggerFn)
	WaitForTriggerCompletion()
}

// Deps bundles the process-wide collaborators a chunk needs. They are
// owned by the core and passed by handle.
type Deps struct {
	Hub     *hub.Hub
	Clock   *clock.LogicalClock
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Pool    *workerpool.Pool

	LockRetryBackoff time.Duration
}

// BroadcastChunk is the lock-and-broadcast chunk backend.
type BroadcastChunk struct {
	id        model.Id
	tableName string
	container *store.Container
	deps      Deps
	logger    *zap.Logger

	lock  *distributedRWLock
	peers *model.PeerList // guarded by lock.mu

	relinquished   bool
	relinquishedMu sync.RWMutex

	triggers       []TriggerFn
	stagedInserted map[model.Id]struct{}
	stagedUpdated  map[model.Id]struct{}
	triggerWG      sync.WaitGroup
}

var _ Chunk = (*BroadcastChunk)(nil)

// NewBroadcastChunk creates a chunk freshly initialized by this peer:
// empty container, empty peer-set, lock released.
func NewBroadcastChunk(id model.Id, tableName string, deps Deps) *BroadcastChunk {
	return &BroadcastChunk{
		id:             id,
		tableName:      tableName,
		container:      store.NewContainer(),
		deps:           deps,
		logger:         deps.Logger.With(zap.String("table", tableName), zap.String("chunk_id", id.String())),
		lock:           newDistributedRWLock(),
		peers:          model.NewPeerList(),
		stagedInserted: make(map[model.Id]struct{}),
		stagedUpdated:  make(map[model.Id]struct{}),
	}
}

// NewBroadcastChunkFromInit creates a chunk on a peer joining through
// an init request. The sender holds the write lock until its unlock
// arrives.
func NewBroadcastChunkFromInit(id model.Id, init *InitPayload, sender model.PeerId, deps Deps) (*BroadcastChunk, error) {
	c := NewBroadcastChunk(id, init.Table, deps)
	for _, raw := range init.Revisions {
		rev, err := model.UnmarshalRevision(raw)
		if err != nil {
			return nil, errors.CorruptedData("bad revision in init request", err)
		}
		if err := c.container.Patch(rev); err != nil {
			return nil, err
		}
	}
	for _, address := range init.Peers {
		peer := model.PeerId(address)
		if peer != deps.Hub.Self() {
			c.peers.Add(peer)
		}
	}
	c.lock.state = lockWriteLocked
	c.lock.holder = sender
	c.deps.Metrics.ChunkPeersTotal.WithLabelValues(id.String()).Set(float64(c.peers.Len()))
	return c, nil
}

// ID returns the chunk id.
func (c *BroadcastChunk) ID() model.Id {
	return c.id
}

// TableName returns the owning table's name.
func (c *BroadcastChunk) TableName() string {
	return c.tableName
}

// Container returns the chunk's row container.
func (c *BroadcastChunk) Container() *store.Container {
	return c.container
}

// PeerSize returns the replica peer-set size, not counting self.
func (c *BroadcastChunk) PeerSize() int {
	c.lock.mu.Lock()
	defer c.lock.mu.Unlock()
	return c.peers.Len()
}

func (c *BroadcastChunk) self() model.PeerId {
	return c.deps.Hub.Self()
}

func (c *BroadcastChunk) peersSnapshot() []model.PeerId {
	c.lock.mu.Lock()
	defer c.lock.mu.Unlock()
	return c.peers.Ascending()
}

// ReadLock takes the local read lock. Readers do not coordinate with
// remote peers: the write protocol ensures remote quiescence.
func (c *BroadcastChunk) ReadLock() {
	c.lock.mu.Lock()
	defer c.lock.mu.Unlock()
	for c.lock.state != lockUnlocked && c.lock.state != lockReadLocked {
		c.lock.cond.Wait()
	}
	if c.isRelinquished() {
		c.logger.Fatal("Read lock on relinquished chunk")
	}
	c.lock.state = lockReadLocked
	c.lock.nReaders++
}

// WriteLock acquires the distributed write lock: every peer in the
// peer-set must acknowledge, in ascending address order. A decline by
// any peer aborts the round; the attempt backs off and restarts.
func (c *BroadcastChunk) WriteLock() {
	start := time.Now()
	c.deps.Metrics.LockRequestsTotal.Inc()
	c.lock.mu.Lock()
	for {
		for c.lock.state != lockUnlocked && c.lock.state != lockAttempting {
			c.lock.cond.Wait()
		}
		if c.isRelinquished() {
			c.logger.Fatal("Write lock on relinquished chunk")
		}
		c.lock.state = lockAttempting
		peers := c.peers.Ascending()
		// The metalock is released while peers are polled so that
		// concurrent lock attempts by other peers can be answered.
		c.lock.mu.Unlock()

		msg, err := metadataMessage(hub.TypeChunkLock, c.tableName, c.id)
		if err != nil {
			c.logger.Fatal("Failed to encode lock request", zap.Error(err))
		}
		declined := false
		for _, peer := range peers {
			granted, err := c.deps.Hub.AckRequest(peer, msg)
			if err != nil {
				// Commit and lock protocols assume no peer loss.
				c.logger.Fatal("Lock request transport failure",
					zap.String("peer", string(peer)), zap.Error(err))
			}
			if !granted {
				// Assuming no connection loss, only the peer with the
				// lowest address may decline.
				declined = true
				break
			}
		}
		if declined {
			c.deps.Metrics.LockDeclinesTotal.Inc()
			time.Sleep(c.deps.LockRetryBackoff)
			c.lock.mu.Lock()
			continue
		}
		break
	}
	// All peers have acknowledged; the lock is acquired.
	c.lock.mu.Lock()
	if c.lock.state != lockAttempting {
		c.logger.Fatal("Lock state changed during acquisition",
			zap.String("state", c.lock.state.String()))
	}
	c.lock.state = lockWriteLocked
	c.lock.holder = c.self()
	c.lock.mu.Unlock()
	c.deps.Metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
}

// Unlock releases a read or write lock. Write unlock notifies every
// peer in descending address order, transitioning the local state at
// the position where the local address falls: once a peer with address
// A observes the lock free, every peer above A does as well.
func (c *BroadcastChunk) Unlock() {
	c.lock.mu.Lock()
	switch c.lock.state {
	case lockUnlocked:
		c.lock.mu.Unlock()
		c.logger.Fatal("Unlock of already unlocked chunk")
	case lockAttempting:
		c.lock.mu.Unlock()
		c.logger.Fatal("Cannot abort a lock attempt")
	case lockReadLocked:
		c.lock.nReaders--
		if c.lock.nReaders == 0 {
			c.lock.state = lockUnlocked
			c.lock.mu.Unlock()
			c.lock.cond.Broadcast()
			return
		}
		c.lock.mu.Unlock()
	case lockWriteLocked:
		if c.lock.holder != c.self() {
			c.lock.mu.Unlock()
			c.logger.Fatal("Unlock of write lock held by another peer",
				zap.String("holder", string(c.lock.holder)))
		}
		msg, err := metadataMessage(hub.TypeChunkUnlock, c.tableName, c.id)
		if err != nil {
			c.logger.Fatal("Failed to encode unlock request", zap.Error(err))
		}
		if c.peers.Empty() {
			c.lock.state = lockUnlocked
		} else {
			selfUnlocked := false
			for _, peer := range c.peers.Descending() {
				if !selfUnlocked && peer.Less(c.self()) {
					c.lock.state = lockUnlocked
					selfUnlocked = true
				}
				acked, err := c.deps.Hub.AckRequest(peer, msg)
				if err != nil || !acked {
					c.logger.Fatal("Unlock request failed",
						zap.String("peer", string(peer)), zap.Error(err))
				}
			}
			if !selfUnlocked {
				// This peer has the lowest address.
				c.lock.state = lockUnlocked
			}
		}
		c.lock.mu.Unlock()
		c.lock.cond.Broadcast()
	}
}

// Check runs the transaction's conflict rules. Callers hold the write
// lock.
func (c *BroadcastChunk) Check(tx *Transaction) error {
	return CheckAgainst(c.container, tx, c.deps.Clock.Sample())
}

// Commit locks the chunk, checks the transaction and applies it. A
// conflict aborts without side effects; the caller may retry with a
// fresh start time.
func (c *BroadcastChunk) Commit(tx *Transaction) error {
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

// CheckedCommit applies a checked transaction at the given commit
// time: bulk-insert, then per-item mutations, each broadcast to every
// peer as a fully-populated serialized revision. Callers hold the
// write lock.
func (c *BroadcastChunk) CheckedCommit(t model.LogicalTime, tx *Transaction) error {
	if err := c.bulkInsertLocked(t, tx.Insertions()); err != nil {
		return err
	}
	for _, rev := range tx.Mutations() {
		if err := c.updateLocked(t, rev); err != nil {
			return err
		}
	}
	return nil
}

func (c *BroadcastChunk) bulkInsertLocked(t model.LogicalTime, items map[model.Id]*model.Revision) error {
	if len(items) == 0 {
		return nil
	}
	for _, rev := range items {
		rev.ChunkID = c.id
	}
	if err := c.container.BulkInsert(t, items); err != nil {
		return err
	}
	// The container has stamped the staged revisions with their final
	// times, so peers can patch them verbatim.
	for _, rev := range items {
		c.broadcastPatch(hub.TypeChunkInsert, rev)
	}
	return nil
}

func (c *BroadcastChunk) updateLocked(t model.LogicalTime, rev *model.Revision) error {
	rev.ChunkID = c.id
	if err := c.container.Update(t, rev); err != nil {
		return err
	}
	c.broadcastPatch(hub.TypeChunkUpdate, rev)
	return nil
}

func (c *BroadcastChunk) broadcastPatch(t hub.MsgType, rev *model.Revision) {
	msg, err := hub.NewMessage(t, &PatchPayload{
		Table:    c.tableName,
		ChunkID:  c.id.Hex(),
		Revision: rev.Marshal(),
	})
	if err != nil {
		c.logger.Fatal("Failed to encode patch request", zap.Error(err))
	}
	c.deps.Hub.UndisputableBroadcast(c.peersSnapshot(), msg)
}

// Insert admits a single new item outside of any transaction. The read
// lock suffices: it keeps the peer-set stable while the insert
// broadcast is in flight, and concurrent remote inserts cannot collide
// on a fresh id.
func (c *BroadcastChunk) Insert(rev *model.Revision) error {
	rev.ChunkID = c.id
	c.ReadLock()
	defer c.Unlock()
	if err := c.container.Insert(c.deps.Clock.Sample(), rev); err != nil {
		return err
	}
	c.broadcastPatch(hub.TypeChunkInsert, rev)
	return nil
}

// Update supersedes an item outside of any transaction.
func (c *BroadcastChunk) Update(rev *model.Revision) error {
	if rev.ChunkID != c.id {
		return errors.InvalidRevision("revision belongs to chunk " + rev.ChunkID.String())
	}
	c.WriteLock()
	defer c.Unlock()
	if err := c.container.Update(c.deps.Clock.Sample(), rev); err != nil {
		return err
	}
	c.broadcastPatch(hub.TypeChunkUpdate, rev)
	return nil
}

// DumpItems returns every alive item as of time t.
func (c *BroadcastChunk) DumpItems(t model.LogicalTime) map[model.Id]*model.Revision {
	c.ReadLock()
	defer c.Unlock()
	return c.container.Dump(t)
}

// NumItems counts the alive items as of time t.
func (c *BroadcastChunk) NumItems(t model.LogicalTime) int {
	c.ReadLock()
	defer c.Unlock()
	return c.container.NumAvailableIds(t)
}

// RequestParticipation invites every known hub peer that is not yet in
// the peer-set. Returns the number of peers added.
func (c *BroadcastChunk) RequestParticipation() (int, error) {
	added := 0
	c.WriteLock()
	defer c.Unlock()
	for _, peer := range c.deps.Hub.Peers() {
		if peer == c.self() {
			continue
		}
		c.lock.mu.Lock()
		member := c.peers.Contains(peer)
		c.lock.mu.Unlock()
		if member {
			continue
		}
		ok, err := c.addPeerLocked(peer)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// addPeerLocked invites one peer: the init request carries the full
// peer-set and every current revision; on acknowledgment the rest of
// the swarm learns the new configuration before the local peer-set
// grows. Callers hold the write lock.
func (c *BroadcastChunk) addPeerLocked(peer model.PeerId) (bool, error) {
	c.lock.mu.Lock()
	if c.peers.Contains(peer) {
		c.lock.mu.Unlock()
		c.logger.Fatal("Peer already in swarm", zap.String("peer", string(peer)))
	}
	addresses := make([]string, 0, c.peers.Len()+1)
	for _, member := range c.peers.Ascending() {
		addresses = append(addresses, string(member))
	}
	c.lock.mu.Unlock()
	addresses = append(addresses, string(c.self()))

	dump := c.container.DumpAll(c.deps.Clock.Sample())
	revisions := make([][]byte, 0, len(dump))
	for _, rev := range dump {
		revisions = append(revisions, rev.Marshal())
	}
	initMsg, err := hub.NewMessage(hub.TypeChunkInit, &InitPayload{
		Table:     c.tableName,
		ChunkID:   c.id.Hex(),
		Peers:     addresses,
		Revisions: revisions,
	})
	if err != nil {
		return false, errors.Internal("failed to encode init request", err)
	}
	acked, err := c.deps.Hub.AckRequest(peer, initMsg)
	if err != nil || !acked {
		c.logger.Warn("Peer rejected chunk participation",
			zap.String("peer", string(peer)), zap.Error(err))
		return false, nil
	}

	// The new peer cannot serve requests for the swarm yet; one last
	// message informs the old swarm of the new configuration.
	newPeerMsg, err := hub.NewMessage(hub.TypeChunkNewPeer, &NewPeerPayload{
		Table:   c.tableName,
		ChunkID: c.id.Hex(),
		NewPeer: string(peer),
	})
	if err != nil {
		return false, errors.Internal("failed to encode new-peer request", err)
	}
	c.deps.Hub.UndisputableBroadcast(c.peersSnapshot(), newPeerMsg)

	c.lock.mu.Lock()
	c.peers.Add(peer)
	size := c.peers.Len()
	c.lock.mu.Unlock()
	c.deps.Metrics.ChunkPeersTotal.WithLabelValues(c.id.String()).Set(float64(size))
	return true, nil
}

// Leave withdraws this peer from the chunk under the write lock. The
// data remains on the surviving replicas; further inbound requests for
// this chunk decline.
func (c *BroadcastChunk) Leave() {
	msg, err := metadataMessage(hub.TypeChunkLeave, c.tableName, c.id)
	if err != nil {
		c.logger.Fatal("Failed to encode leave request", zap.Error(err))
	}
	c.WriteLock()
	// Leaving must be atomic with respect to request handlers; the
	// relinquished flag is guarded separately so handlers can check it
	// without the chunk metalock.
	c.relinquishedMu.Lock()
	c.deps.Hub.UndisputableBroadcast(c.peersSnapshot(), msg)
	c.relinquished = true
	c.relinquishedMu.Unlock()
	c.Unlock()
}

func (c *BroadcastChunk) isRelinquished() bool {
	c.relinquishedMu.RLock()
	defer c.relinquishedMu.RUnlock()
	return c.relinquished
}

// AttachTrigger registers a callback fired after remote commits.
func (c *BroadcastChunk) AttachTrigger(fn TriggerFn) {
	c.lock.mu.Lock()
	defer c.lock.mu.Unlock()
	c.triggers = append(c.triggers, fn)
}

// WaitForTriggerCompletion joins all trigger invocations issued so far.
func (c *BroadcastChunk) WaitForTriggerCompletion() {
	c.triggerWG.Wait()
}

// fireTriggersLocked snapshots the staged id sets and dispatches the
// triggers on the worker pool. Callers hold lock.mu.
func (c *BroadcastChunk) fireTriggersLocked() {
	if len(c.triggers) == 0 || (len(c.stagedInserted) == 0 && len(c.stagedUpdated) == 0) {
		c.stagedInserted = make(map[model.Id]struct{})
		c.stagedUpdated = make(map[model.Id]struct{})
		return
	}
	inserted := c.stagedInserted
	updated := c.stagedUpdated
	c.stagedInserted = make(map[model.Id]struct{})
	c.stagedUpdated = make(map[model.Id]struct{})
	for _, fn := range c.triggers {
		fn := fn
		c.triggerWG.Add(1)
		c.deps.Metrics.TriggersTotal.Inc()
		task := workerpool.Task{
			ID: fmt.Sprintf("trigger-%s", c.id.String()),
			Fn: func(context.Context) error {
				defer c.triggerWG.Done()
				fn(inserted, updated)
				return nil
			},
		}
		if err := c.deps.Pool.Submit(task); err != nil {
			c.triggerWG.Done()
			c.logger.Warn("Trigger submission failed", zap.Error(err))
		}
	}
}

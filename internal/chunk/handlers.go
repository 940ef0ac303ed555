package chunk

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/workerpool"
)

// HandleConnectRequest admits a peer asking to join the chunk. Adding
// a peer needs the write lock, which must never be taken on the RPC
// thread: were the lock held, the holder could never unlock it because
// this handler would be occupying the server loop. The lock-taking
// step is posted to the worker pool instead.
func (c *BroadcastChunk) HandleConnectRequest(peer model.PeerId) *hub.Message {
	if c.isRelinquished() {
		return hub.Decline()
	}
	task := workerpool.Task{
		ID: fmt.Sprintf("connect-%s-%s", c.id.String(), peer),
		Fn: func(context.Context) error {
			if c.isRelinquished() {
				c.logger.Fatal("Chunk relinquished before handling a connect request",
					zap.String("peer", string(peer)))
			}
			c.WriteLock()
			defer c.Unlock()
			c.lock.mu.Lock()
			member := c.peers.Contains(peer)
			c.lock.mu.Unlock()
			if member {
				// Already added by a concurrent participation round.
				c.logger.Info("Connecting peer already in swarm",
					zap.String("peer", string(peer)))
				return nil
			}
			ok, err := c.addPeerLocked(peer)
			if err != nil {
				return err
			}
			if !ok {
				c.logger.Warn("Connect handshake with peer failed",
					zap.String("peer", string(peer)))
			}
			return nil
		},
	}
	if err := c.deps.Pool.Submit(task); err != nil {
		c.logger.Warn("Failed to queue connect handling", zap.Error(err))
		return hub.Decline()
	}
	return hub.Ack()
}

// HandleLockRequest answers a remote write-lock attempt.
func (c *BroadcastChunk) HandleLockRequest(locker model.PeerId) *hub.Message {
	if c.isRelinquished() {
		// Possible when two peers lock for leaving at the same time.
		return hub.Decline()
	}
	c.lock.mu.Lock()
	defer c.lock.mu.Unlock()
	for c.lock.state == lockReadLocked {
		c.lock.cond.Wait()
	}
	switch c.lock.state {
	case lockUnlocked:
		c.lock.state = lockWriteLocked
		c.lock.holder = locker
		return hub.Ack()
	case lockAttempting:
		// Two peers are locking at the same time and the losing peer
		// does not know it is losing yet. The lowest-address peer may
		// decline; every other peer must grant, because the requester
		// can only have reached it by winning all lower addresses.
		if c.peers.Empty() || c.self().Less(c.peers.Min()) {
			if !c.self().Less(locker) {
				c.logger.Fatal("Lock tie-break invariant violated",
					zap.String("locker", string(locker)))
			}
			return hub.Decline()
		}
		c.lock.state = lockWriteLocked
		c.lock.holder = locker
		return hub.Ack()
	case lockWriteLocked:
		return hub.Decline()
	default:
		c.logger.Fatal("Unexpected lock state in lock handler",
			zap.String("state", c.lock.state.String()))
		return hub.Decline()
	}
}

// HandleUnlockRequest releases the write lock held by the requester
// and fires any triggers staged during the locked interval.
func (c *BroadcastChunk) HandleUnlockRequest(locker model.PeerId) *hub.Message {
	if c.isRelinquished() {
		c.logger.Fatal("Unlock request on relinquished chunk")
	}
	c.lock.mu.Lock()
	if c.lock.state != lockWriteLocked || c.lock.holder != locker {
		c.lock.mu.Unlock()
		c.logger.Fatal("Unlock request from peer that does not hold the lock",
			zap.String("locker", string(locker)),
			zap.String("holder", string(c.lock.holder)),
			zap.String("state", c.lock.state.String()))
	}
	c.lock.state = lockUnlocked
	c.fireTriggersLocked()
	c.lock.mu.Unlock()
	c.lock.cond.Broadcast()
	return hub.Ack()
}

// HandleNewPeerRequest records a peer the current writer added.
func (c *BroadcastChunk) HandleNewPeerRequest(newPeer, sender model.PeerId) *hub.Message {
	if c.isRelinquished() {
		c.logger.Fatal("New-peer request on relinquished chunk")
	}
	c.lock.mu.Lock()
	if !c.lock.isWriter(sender) {
		c.lock.mu.Unlock()
		c.logger.Fatal("New-peer request from peer that does not hold the lock",
			zap.String("sender", string(sender)))
	}
	c.peers.Add(newPeer)
	size := c.peers.Len()
	c.lock.mu.Unlock()
	c.deps.Metrics.ChunkPeersTotal.WithLabelValues(c.id.String()).Set(float64(size))
	return hub.Ack()
}

// HandleLeaveRequest removes the departing writer from the peer-set.
func (c *BroadcastChunk) HandleLeaveRequest(leaver model.PeerId) *hub.Message {
	if c.isRelinquished() {
		c.logger.Fatal("Leave request on relinquished chunk")
	}
	c.lock.mu.Lock()
	if !c.lock.isWriter(leaver) {
		c.lock.mu.Unlock()
		c.logger.Fatal("Leave request from peer that does not hold the lock",
			zap.String("leaver", string(leaver)))
	}
	c.peers.Remove(leaver)
	size := c.peers.Len()
	c.lock.mu.Unlock()
	c.deps.Metrics.ChunkPeersTotal.WithLabelValues(c.id.String()).Set(float64(size))
	return hub.Ack()
}

// HandleInsertRequest patches a remotely inserted revision into the
// container. Inserts arrive either under the sender's read lock or as
// part of the sender's write-locked commit; this peer itself must not
// hold the write lock.
func (c *BroadcastChunk) HandleInsertRequest(rev *model.Revision) *hub.Message {
	if c.isRelinquished() {
		return hub.Decline()
	}
	c.lock.mu.Lock()
	if c.lock.isWriter(c.self()) {
		c.lock.mu.Unlock()
		c.logger.Fatal("Insert request received while holding the write lock")
	}
	writerHeld := c.lock.state == lockWriteLocked
	c.lock.mu.Unlock()

	if err := c.container.Patch(rev); err != nil {
		c.logger.Fatal("Failed to patch inserted revision",
			zap.String("item", rev.ID.String()), zap.Error(err))
	}
	c.deps.Metrics.PatchesTotal.Inc()

	c.lock.mu.Lock()
	c.stagedInserted[rev.ID] = struct{}{}
	if !writerHeld {
		// A read-locked insert is not followed by an unlock request;
		// the trigger interval is just this one patch.
		c.fireTriggersLocked()
	}
	c.lock.mu.Unlock()
	return hub.Ack()
}

// HandleUpdateRequest patches a remotely updated revision. Updates
// only arrive from the peer currently holding the write lock.
func (c *BroadcastChunk) HandleUpdateRequest(rev *model.Revision, sender model.PeerId) *hub.Message {
	c.lock.mu.Lock()
	if !c.lock.isWriter(sender) {
		c.lock.mu.Unlock()
		c.logger.Fatal("Update request from peer that does not hold the lock",
			zap.String("sender", string(sender)))
	}
	c.lock.mu.Unlock()

	if err := c.container.Patch(rev); err != nil {
		c.logger.Fatal("Failed to patch updated revision",
			zap.String("item", rev.ID.String()), zap.Error(err))
	}
	c.deps.Metrics.PatchesTotal.Inc()

	c.lock.mu.Lock()
	c.stagedUpdated[rev.ID] = struct{}{}
	c.lock.mu.Unlock()
	return hub.Ack()
}

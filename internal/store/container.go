// Package store implements the per-chunk row container: an append-only,
// content-indexed history of revisions keyed by (item id, logical time).
package store

import (
	"sync"

	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/model"
)

// History is the revision sequence of one item, newest first. Update
// times strictly decrease along the sequence and the earliest revision
// is the insert (insert time == update time).
type History []*model.Revision

// LatestAt returns the first revision with update time <= t, or nil.
func (h History) LatestAt(t model.LogicalTime) *model.Revision {
	for _, rev := range h {
		if rev.UpdateTime <= t {
			return rev
		}
	}
	return nil
}

// trimmedTo returns the history without revisions later than t.
func (h History) trimmedTo(t model.LogicalTime) History {
	for i, rev := range h {
		if rev.UpdateTime <= t {
			out := make(History, len(h)-i)
			copy(out, h[i:])
			return out
		}
	}
	return nil
}

// Container is a chunk's row container. Mutations happen under the
// chunk's distributed lock or from the raft apply path; the container
// mutex only protects against concurrent local readers.
type Container struct {
	mu   sync.RWMutex
	data map[model.Id]History
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	return &Container{data: make(map[model.Id]History)}
}

// Insert admits a new item at time t. Fails with a conflict if the id
// is already present. The stored copy carries insert time == update
// time == t; the staged revision is stamped the same way so it can be
// serialized for peers.
func (c *Container) Insert(t model.LogicalTime, rev *model.Revision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(t, rev)
}

func (c *Container) insertLocked(t model.LogicalTime, rev *model.Revision) error {
	if _, ok := c.data[rev.ID]; ok {
		return errors.Conflict("insert of already present id " + rev.ID.String())
	}
	rev.InsertTime = t
	rev.UpdateTime = t
	c.data[rev.ID] = History{rev.Copy()}
	return nil
}

// BulkInsert admits several new items at one time. Fails without
// side effects if any id is already present.
func (c *Container) BulkInsert(t model.LogicalTime, revs map[model.Id]*model.Revision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range revs {
		if _, ok := c.data[id]; ok {
			return errors.Conflict("bulk insert of already present id " + id.String())
		}
	}
	for _, rev := range revs {
		if err := c.insertLocked(t, rev); err != nil {
			return err
		}
	}
	return nil
}

// Update prepends a new revision of an existing item at time t. Fails
// if the item is absent or t is not beyond the latest update time.
func (c *Container) Update(t model.LogicalTime, rev *model.Revision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	history, ok := c.data[rev.ID]
	if !ok {
		return errors.NotFound("item", rev.ID.String())
	}
	latest := history[0]
	if t <= latest.UpdateTime {
		return errors.Conflict("update at " + t.String() + " does not advance item " + rev.ID.String())
	}
	rev.InsertTime = latest.InsertTime
	rev.UpdateTime = t
	c.data[rev.ID] = append(History{rev.Copy()}, history...)
	return nil
}

// Patch idempotently admits a remote, fully-populated revision at its
// carried update time, placing it in sorted position. A revision
// identical to a stored entry is a no-op; a different revision with a
// stored entry's timestamp indicates a protocol bug.
func (c *Container) Patch(rev *model.Revision) error {
	if !rev.UpdateTime.IsValid() {
		return errors.InvalidRevision("patch without update time")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	history := c.data[rev.ID]
	for i, stored := range history {
		if stored.UpdateTime == rev.UpdateTime {
			if stored.Equal(rev) {
				return nil
			}
			return errors.CorruptedData(
				"conflicting revision for item "+rev.ID.String()+" at "+rev.UpdateTime.String(), nil)
		}
		if stored.UpdateTime < rev.UpdateTime {
			out := make(History, 0, len(history)+1)
			out = append(out, history[:i]...)
			out = append(out, rev.Copy())
			out = append(out, history[i:]...)
			c.data[rev.ID] = out
			return nil
		}
	}
	c.data[rev.ID] = append(history, rev.Copy())
	return nil
}

// GetById returns the item's revision as of time t, or nil.
func (c *Container) GetById(id model.Id, t model.LogicalTime) *model.Revision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history, ok := c.data[id]
	if !ok {
		return nil
	}
	return history.LatestAt(t)
}

// FindByRevision returns all items whose revision at t matches the
// exemplar on the given field. A negative key matches every item that
// is alive at t.
func (c *Container) FindByRevision(key int, exemplar *model.Revision, t model.LogicalTime) map[model.Id]*model.Revision {
	dest := make(map[model.Id]*model.Revision)
	c.forEachAliveAt(key, exemplar, t, func(id model.Id, rev *model.Revision) {
		dest[id] = rev
	})
	return dest
}

// Count returns the number of items FindByRevision would return.
func (c *Container) Count(key int, exemplar *model.Revision, t model.LogicalTime) int {
	count := 0
	c.forEachAliveAt(key, exemplar, t, func(model.Id, *model.Revision) {
		count++
	})
	return count
}

// AvailableIds returns the ids of all items alive at t.
func (c *Container) AvailableIds(t model.LogicalTime) []model.Id {
	var ids []model.Id
	c.forEachAliveAt(-1, nil, t, func(id model.Id, _ *model.Revision) {
		ids = append(ids, id)
	})
	return ids
}

// NumAvailableIds counts the items alive at t.
func (c *Container) NumAvailableIds(t model.LogicalTime) int {
	return c.Count(-1, nil, t)
}

// Dump returns every alive item's revision as of time t.
func (c *Container) Dump(t model.LogicalTime) map[model.Id]*model.Revision {
	return c.FindByRevision(-1, nil, t)
}

// DumpAll returns every item's revision as of time t, including
// removed items. Used to seed joining peers.
func (c *Container) DumpAll(t model.LogicalTime) map[model.Id]*model.Revision {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dest := make(map[model.Id]*model.Revision)
	for id, history := range c.data {
		if latest := history.LatestAt(t); latest != nil {
			dest[id] = latest
		}
	}
	return dest
}

// ItemHistory returns the item's revisions up to time t, newest first.
func (c *Container) ItemHistory(id model.Id, t model.LogicalTime) History {
	c.mu.RLock()
	defer c.mu.RUnlock()
	history, ok := c.data[id]
	if !ok {
		return nil
	}
	return history.trimmedTo(t)
}

// ChunkHistory returns the histories up to time t of all items whose
// revisions belong to the given chunk.
func (c *Container) ChunkHistory(chunkID model.Id, t model.LogicalTime) map[model.Id]History {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dest := make(map[model.Id]History)
	for id, history := range c.data {
		if history[0].ChunkID != chunkID {
			continue
		}
		if trimmed := history.trimmedTo(t); trimmed != nil {
			dest[id] = trimmed
		}
	}
	return dest
}

func (c *Container) forEachAliveAt(key int, exemplar *model.Revision, t model.LogicalTime,
	action func(model.Id, *model.Revision)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, history := range c.data {
		latest := history.LatestAt(t)
		if latest == nil || latest.Removed {
			continue
		}
		if key >= 0 && !exemplar.FieldMatch(latest, key) {
			continue
		}
		action(id, latest)
	}
}

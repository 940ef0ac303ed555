package chunk

import (
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/store"
)

// ConflictCondition asserts that no item matches the exemplar on the
// given field at commit time.
type ConflictCondition struct {
	Key      int
	Exemplar *model.Revision
}

// Transaction buffers uncommitted writes against one chunk. An item id
// appears in at most one of the insert, update and remove buffers.
// Reads are served from the buffers first, then from the chunk's
// container at the transaction's start time.
type Transaction struct {
	startTime          model.LogicalTime
	chunk              Chunk
	insertions         map[model.Id]*model.Revision
	updates            map[model.Id]*model.Revision
	removes            map[model.Id]*model.Revision
	conflictConditions []ConflictCondition
}

// NewTransaction opens a transaction on the chunk, scoped to the given
// start time.
func NewTransaction(c Chunk, startTime model.LogicalTime) *Transaction {
	return &Transaction{
		startTime:  startTime,
		chunk:      c,
		insertions: make(map[model.Id]*model.Revision),
		updates:    make(map[model.Id]*model.Revision),
		removes:    make(map[model.Id]*model.Revision),
	}
}

// StartTime returns the transaction's snapshot time.
func (t *Transaction) StartTime() model.LogicalTime {
	return t.startTime
}

// Chunk returns the chunk this transaction writes to.
func (t *Transaction) Chunk() Chunk {
	return t.chunk
}

func (t *Transaction) staged(id model.Id) bool {
	if _, ok := t.insertions[id]; ok {
		return true
	}
	if _, ok := t.updates[id]; ok {
		return true
	}
	_, ok := t.removes[id]
	return ok
}

// Insert stages a new item.
func (t *Transaction) Insert(rev *model.Revision) error {
	if !rev.ID.IsValid() {
		return errors.InvalidRevision("insert without id")
	}
	if t.staged(rev.ID) {
		return errors.Conflict("item " + rev.ID.String() + " already staged in this transaction")
	}
	t.insertions[rev.ID] = rev
	return nil
}

// Update stages a new revision of an existing item.
func (t *Transaction) Update(rev *model.Revision) error {
	if !rev.ID.IsValid() {
		return errors.InvalidRevision("update without id")
	}
	if t.staged(rev.ID) {
		return errors.Conflict("item " + rev.ID.String() + " already staged in this transaction")
	}
	t.updates[rev.ID] = rev
	return nil
}

// Remove stages the removal of an item. The staged revision is the
// given one flagged removed; it supersedes the item like any update.
func (t *Transaction) Remove(rev *model.Revision) error {
	if !rev.ID.IsValid() {
		return errors.InvalidRevision("remove without id")
	}
	if t.staged(rev.ID) {
		return errors.Conflict("item " + rev.ID.String() + " already staged in this transaction")
	}
	staged := rev.Copy()
	staged.Removed = true
	t.removes[rev.ID] = staged
	return nil
}

// AddConflictCondition asserts that no item matches the exemplar on
// the given field when the transaction commits.
func (t *Transaction) AddConflictCondition(key int, exemplar *model.Revision) {
	t.conflictConditions = append(t.conflictConditions, ConflictCondition{Key: key, Exemplar: exemplar})
}

// GetFromUncommitted returns the staged revision of an item, or nil.
// Updates and removes shadow insertions.
func (t *Transaction) GetFromUncommitted(id model.Id) *model.Revision {
	if rev, ok := t.updates[id]; ok {
		return rev
	}
	if rev, ok := t.removes[id]; ok {
		return rev
	}
	if rev, ok := t.insertions[id]; ok {
		return rev
	}
	return nil
}

// GetById reads an item: the uncommitted buffers first, then the
// chunk's container at the start time.
func (t *Transaction) GetById(id model.Id) *model.Revision {
	if rev := t.GetFromUncommitted(id); rev != nil {
		return rev
	}
	return t.chunk.Container().GetById(id, t.startTime)
}

// Insertions exposes the staged insertions to the commit path.
func (t *Transaction) Insertions() map[model.Id]*model.Revision {
	return t.insertions
}

// Mutations exposes the staged updates and removes to the commit path.
func (t *Transaction) Mutations() map[model.Id]*model.Revision {
	out := make(map[model.Id]*model.Revision, len(t.updates)+len(t.removes))
	for id, rev := range t.updates {
		out[id] = rev
	}
	for id, rev := range t.removes {
		out[id] = rev
	}
	return out
}

// NumChanges returns the number of staged writes.
func (t *Transaction) NumChanges() int {
	return len(t.insertions) + len(t.updates) + len(t.removes)
}

// Check runs the conflict rules without taking any lock. The result is
// advisory; the authoritative check runs inside commit while the chunk
// is write-locked.
func (t *Transaction) Check(now model.LogicalTime) error {
	return CheckAgainst(t.chunk.Container(), t, now)
}

// CheckAgainst runs a transaction's conflict rules against a
// container's state as of now.
func CheckAgainst(container *store.Container, t *Transaction, now model.LogicalTime) error {
	for id := range t.insertions {
		if container.GetById(id, now) != nil {
			return errors.Conflict("insert collides with existing item " + id.String())
		}
	}
	check := func(revs map[model.Id]*model.Revision) error {
		for id := range revs {
			latest := container.GetById(id, now)
			if latest == nil {
				return errors.Conflict("mutated item " + id.String() + " does not exist")
			}
			if latest.UpdateTime >= t.startTime {
				return errors.Conflict("item " + id.String() + " was updated after the transaction began")
			}
		}
		return nil
	}
	if err := check(t.updates); err != nil {
		return err
	}
	if err := check(t.removes); err != nil {
		return err
	}
	for _, cond := range t.conflictConditions {
		if container.Count(cond.Key, cond.Exemplar, now) > 0 {
			return errors.Conflict("conflict condition matched")
		}
	}
	return nil
}

package table

import (
	"github.com/yangdegang/map-api/internal/chunk"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/model"
)

// Transaction is a net-table transaction: chunk transactions built
// lazily as writes arrive, committed atomically across the chunks they
// touch with a two-phase lock/check/apply protocol.
type Transaction struct {
	beginTime model.LogicalTime
	table     *NetTable
	chunkTxns map[model.Id]*chunk.Transaction
}

// BeginTime returns the transaction's snapshot time.
func (t *Transaction) BeginTime() model.LogicalTime {
	return t.beginTime
}

func (t *Transaction) transactionOf(c chunk.Chunk) *chunk.Transaction {
	txn, ok := t.chunkTxns[c.ID()]
	if !ok {
		txn = chunk.NewTransaction(c, t.beginTime)
		t.chunkTxns[c.ID()] = txn
	}
	return txn
}

// Insert stages a new item into the given chunk.
func (t *Transaction) Insert(c chunk.Chunk, rev *model.Revision) error {
	if err := t.table.ValidateRevision(rev); err != nil {
		return err
	}
	return t.transactionOf(c).Insert(rev)
}

// Update stages a new revision of an item; the chunk is derived from
// the revision's chunk id. The previous revision's tracking pointers
// are merged into the staged one so cross-chunk references survive
// updates.
func (t *Transaction) Update(rev *model.Revision) error {
	if err := t.table.ValidateRevision(rev); err != nil {
		return err
	}
	c, err := t.table.GetChunk(rev.ChunkID)
	if err != nil {
		return err
	}
	if previous := c.Container().GetById(rev.ID, t.beginTime); previous != nil {
		if rev.Trackees == nil {
			rev.Trackees = make(model.TrackeeMap)
		}
		rev.Trackees.Merge(previous.Trackees)
	}
	return t.transactionOf(c).Update(rev)
}

// Remove stages the removal of an item.
func (t *Transaction) Remove(rev *model.Revision) error {
	c, err := t.table.GetChunk(rev.ChunkID)
	if err != nil {
		return err
	}
	return t.transactionOf(c).Remove(rev)
}

// AddConflictCondition asserts that no item of the chunk matches the
// exemplar on the given field at commit time.
func (t *Transaction) AddConflictCondition(c chunk.Chunk, key int, exemplar *model.Revision) {
	t.transactionOf(c).AddConflictCondition(key, exemplar)
}

// GetById reads an item: uncommitted buffers of every touched chunk
// first, then the table at the transaction's begin time.
func (t *Transaction) GetById(id model.Id) *model.Revision {
	for _, txn := range t.chunkTxns {
		if rev := txn.GetFromUncommitted(id); rev != nil {
			return rev
		}
	}
	return t.table.GetById(id, t.beginTime)
}

// Check runs every chunk transaction's conflict rules without locking.
func (t *Transaction) Check() error {
	now := t.table.deps.Clock.Sample()
	for _, txn := range t.chunkTxns {
		if err := chunk.CheckAgainst(txn.Chunk().Container(), txn, now); err != nil {
			return err
		}
	}
	return nil
}

// Commit commits all chunk transactions atomically. Write locks are
// acquired in ascending chunk-id order; every chunk's conflict check
// runs against current state; on success all writes are applied at one
// assigned commit time and locks are released in reverse order. Any
// failed check aborts with every lock released and no write applied.
func (t *Transaction) Commit() error {
	ordered := sortedChunkTransactions(t.chunkTxns)
	return commitOrdered(ordered, t.table.deps)
}

// commitOrdered runs the lock/check/write/unlock phases over chunk
// transactions already in the globally agreed lock order.
func commitOrdered(ordered []*chunk.Transaction, deps chunk.Deps) error {
	for _, txn := range ordered {
		txn.Chunk().WriteLock()
	}
	unlockReverse := func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].Chunk().Unlock()
		}
	}

	now := deps.Clock.Sample()
	for _, txn := range ordered {
		if err := chunk.CheckAgainst(txn.Chunk().Container(), txn, now); err != nil {
			unlockReverse()
			deps.Metrics.ConflictsTotal.Inc()
			return err
		}
	}

	commitTime := deps.Clock.Sample()
	for _, txn := range ordered {
		if err := txn.Chunk().CheckedCommit(commitTime, txn); err != nil {
			// Writes of a checked transaction must not fail; this
			// indicates a protocol bug upstream.
			unlockReverse()
			return errors.Internal("checked commit failed", err)
		}
	}
	unlockReverse()
	deps.Metrics.CommitsTotal.Inc()
	return nil
}

// MultiTableTransaction composes net-table transactions of several
// tables into one atomic commit.
type MultiTableTransaction struct {
	beginTime model.LogicalTime
	deps      chunk.Deps
	tables    map[string]*Transaction
}

// NewMultiTableTransaction opens a transaction spanning tables.
func NewMultiTableTransaction(beginTime model.LogicalTime, deps chunk.Deps) *MultiTableTransaction {
	return &MultiTableTransaction{
		beginTime: beginTime,
		deps:      deps,
		tables:    make(map[string]*Transaction),
	}
}

// On returns the net-table transaction for the given table, opening it
// on first use.
func (m *MultiTableTransaction) On(t *NetTable) *Transaction {
	txn, ok := m.tables[t.Name()]
	if !ok {
		txn = t.NewTransaction(m.beginTime)
		m.tables[t.Name()] = txn
	}
	return txn
}

// Commit commits every table's chunk transactions atomically, in one
// global ascending chunk-id lock order.
func (m *MultiTableTransaction) Commit() error {
	merged := make(map[model.Id]*chunk.Transaction)
	for _, txn := range m.tables {
		for id, chunkTxn := range txn.chunkTxns {
			if _, ok := merged[id]; ok {
				return errors.Internal("chunk claimed by two tables", nil)
			}
			merged[id] = chunkTxn
		}
	}
	return commitOrdered(sortedChunkTransactions(merged), m.deps)
}

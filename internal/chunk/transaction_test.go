package chunk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/clock"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/metrics"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/workerpool"
	"github.com/yangdegang/map-api/internal/errors"
)

// newDetachedChunk builds a chunk with no peers and an unstarted hub,
// enough for exercising transaction buffers and conflict checks.
func newDetachedChunk(t *testing.T) (*BroadcastChunk, *clock.LogicalClock) {
	t.Helper()
	lc := clock.New()
	h := hub.New(&hub.Config{
		SelfAddress:    "127.0.0.1:17001",
		RequestTimeout: time.Second,
	}, lc, metrics.NewNop(), zap.NewNop())
	pool := workerpool.New(&workerpool.Config{Name: "test", MaxWorkers: 1, QueueSize: 4})
	t.Cleanup(func() { pool.Stop(time.Second) })

	deps := Deps{
		Hub:              h,
		Clock:            lc,
		Metrics:          metrics.NewNop(),
		Logger:           zap.NewNop(),
		Pool:             pool,
		LockRetryBackoff: time.Millisecond,
	}
	return NewBroadcastChunk(model.NewId(), "items", deps), lc
}

func stagedRevision(id model.Id, value string) *model.Revision {
	rev := model.NewRevision(id, 1)
	rev.Set(0, model.StringValue(value))
	return rev
}

func TestTransaction_IdStagedInAtMostOneBuffer(t *testing.T) {
	c, lc := newDetachedChunk(t)
	tx := NewTransaction(c, lc.Sample())
	id := model.NewId()

	require.NoError(t, tx.Insert(stagedRevision(id, "x")))
	assert.True(t, errors.IsConflict(tx.Update(stagedRevision(id, "y"))))
	assert.True(t, errors.IsConflict(tx.Remove(stagedRevision(id, "y"))))
	assert.True(t, errors.IsConflict(tx.Insert(stagedRevision(id, "y"))))
	assert.Equal(t, 1, tx.NumChanges())
}

func TestTransaction_ReadsUncommittedFirst(t *testing.T) {
	c, lc := newDetachedChunk(t)

	committed := stagedRevision(model.NewId(), "committed")
	require.NoError(t, c.Container().Insert(lc.Sample(), committed))

	tx := NewTransaction(c, lc.Sample())

	// The committed value is visible through the transaction.
	got := tx.GetById(committed.ID)
	require.NotNil(t, got)
	value, _ := got.Get(0)
	assert.Equal(t, "committed", value.Str)

	// A staged update shadows it.
	require.NoError(t, tx.Update(stagedRevision(committed.ID, "staged")))
	value, _ = tx.GetById(committed.ID).Get(0)
	assert.Equal(t, "staged", value.Str)

	// Reads of unknown ids return nothing.
	assert.Nil(t, tx.GetById(model.NewId()))
}

func TestTransaction_SnapshotAtStartTime(t *testing.T) {
	c, lc := newDetachedChunk(t)
	id := model.NewId()
	require.NoError(t, c.Container().Insert(lc.Sample(), stagedRevision(id, "old")))

	tx := NewTransaction(c, lc.Sample())

	// A later direct write is invisible to the transaction's reads.
	require.NoError(t, c.Container().Update(lc.Sample(), stagedRevision(id, "new")))
	value, _ := tx.GetById(id).Get(0)
	assert.Equal(t, "old", value.Str)
}

func TestTransaction_CheckDetectsInsertCollision(t *testing.T) {
	c, lc := newDetachedChunk(t)
	id := model.NewId()
	require.NoError(t, c.Container().Insert(lc.Sample(), stagedRevision(id, "present")))

	tx := NewTransaction(c, lc.Sample())
	require.NoError(t, tx.Insert(stagedRevision(id, "again")))
	assert.True(t, errors.IsConflict(tx.Check(lc.Sample())))
}

func TestTransaction_CheckDetectsWriteRace(t *testing.T) {
	c, lc := newDetachedChunk(t)
	id := model.NewId()
	require.NoError(t, c.Container().Insert(lc.Sample(), stagedRevision(id, "v1")))

	tx := NewTransaction(c, lc.Sample())
	require.NoError(t, tx.Update(stagedRevision(id, "mine")))

	// No interleaving write: check passes.
	require.NoError(t, tx.Check(lc.Sample()))

	// A concurrent writer updates the item after the transaction began.
	require.NoError(t, c.Container().Update(lc.Sample(), stagedRevision(id, "theirs")))
	assert.True(t, errors.IsConflict(tx.Check(lc.Sample())))
}

func TestTransaction_CheckDetectsVanishedUpdateTarget(t *testing.T) {
	c, lc := newDetachedChunk(t)
	tx := NewTransaction(c, lc.Sample())
	require.NoError(t, tx.Update(stagedRevision(model.NewId(), "ghost")))
	assert.True(t, errors.IsConflict(tx.Check(lc.Sample())))
}

func TestTransaction_ConflictCondition(t *testing.T) {
	c, lc := newDetachedChunk(t)
	require.NoError(t, c.Container().Insert(lc.Sample(), stagedRevision(model.NewId(), "taken")))

	tx := NewTransaction(c, lc.Sample())
	require.NoError(t, tx.Insert(stagedRevision(model.NewId(), "fresh")))
	tx.AddConflictCondition(0, stagedRevision(model.NewId(), "taken"))
	assert.True(t, errors.IsConflict(tx.Check(lc.Sample())))

	clean := NewTransaction(c, lc.Sample())
	clean.AddConflictCondition(0, stagedRevision(model.NewId(), "untaken"))
	assert.NoError(t, clean.Check(lc.Sample()))
}

func TestTransaction_RemoveStagesTombstone(t *testing.T) {
	c, lc := newDetachedChunk(t)
	id := model.NewId()
	require.NoError(t, c.Container().Insert(lc.Sample(), stagedRevision(id, "x")))

	tx := NewTransaction(c, lc.Sample())
	require.NoError(t, tx.Remove(stagedRevision(id, "x")))

	staged := tx.GetFromUncommitted(id)
	require.NotNil(t, staged)
	assert.True(t, staged.Removed)
	assert.Len(t, tx.Mutations(), 1)
}

// Committing on a chunk with no peers exercises the full local path:
// lock, check, apply, unlock.
func TestChunk_CommitSoloChunk(t *testing.T) {
	c, lc := newDetachedChunk(t)
	id := model.NewId()

	tx := NewTransaction(c, lc.Sample())
	require.NoError(t, tx.Insert(stagedRevision(id, "v1")))
	require.NoError(t, c.Commit(tx))

	now := lc.Sample()
	got := c.Container().GetById(id, now)
	require.NotNil(t, got)
	assert.Equal(t, c.ID(), got.ChunkID)
	assert.Equal(t, got.InsertTime, got.UpdateTime)

	// Conflicting re-insert fails, a proper update passes.
	again := NewTransaction(c, lc.Sample())
	require.NoError(t, again.Insert(stagedRevision(id, "v2")))
	assert.True(t, errors.IsConflict(c.Commit(again)))

	update := NewTransaction(c, lc.Sample())
	require.NoError(t, update.Update(stagedRevision(id, "v2")))
	require.NoError(t, c.Commit(update))
	value, _ := c.Container().GetById(id, lc.Sample()).Get(0)
	assert.Equal(t, "v2", value.Str)
}

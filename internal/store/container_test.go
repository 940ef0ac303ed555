package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/model"
)

func testRevision(id model.Id, value string) *model.Revision {
	rev := model.NewRevision(id, 1)
	rev.Set(0, model.StringValue(value))
	return rev
}

func TestContainer_InsertAndGet(t *testing.T) {
	c := NewContainer()
	id := model.NewId()

	require.NoError(t, c.Insert(10, testRevision(id, "x")))

	assert.Nil(t, c.GetById(id, 9))
	got := c.GetById(id, 10)
	require.NotNil(t, got)
	assert.Equal(t, model.LogicalTime(10), got.InsertTime)
	assert.Equal(t, model.LogicalTime(10), got.UpdateTime)
}

func TestContainer_InsertDuplicateConflicts(t *testing.T) {
	c := NewContainer()
	id := model.NewId()

	require.NoError(t, c.Insert(1, testRevision(id, "x")))
	err := c.Insert(2, testRevision(id, "y"))
	assert.True(t, errors.IsConflict(err))
}

func TestContainer_UpdateOrdering(t *testing.T) {
	c := NewContainer()
	id := model.NewId()
	require.NoError(t, c.Insert(10, testRevision(id, "x")))
	require.NoError(t, c.Update(20, testRevision(id, "y")))

	// Stale and equal times must fail.
	assert.True(t, errors.IsConflict(c.Update(20, testRevision(id, "z"))))
	assert.True(t, errors.IsConflict(c.Update(15, testRevision(id, "z"))))

	// Absent id must fail.
	err := c.Update(30, testRevision(model.NewId(), "z"))
	assert.True(t, errors.IsNotFound(err))

	// Point-in-time reads see the revision in force at that time.
	value, _ := c.GetById(id, 15).Get(0)
	assert.Equal(t, "x", value.Str)
	value, _ = c.GetById(id, 20).Get(0)
	assert.Equal(t, "y", value.Str)
}

// The invariant of §"row immutability": histories strictly decrease in
// update time and the earliest revision is the insert.
func TestContainer_HistoryInvariants(t *testing.T) {
	c := NewContainer()
	id := model.NewId()
	require.NoError(t, c.Insert(10, testRevision(id, "a")))
	require.NoError(t, c.Update(20, testRevision(id, "b")))
	require.NoError(t, c.Update(30, testRevision(id, "c")))

	history := c.ItemHistory(id, 100)
	require.Len(t, history, 3)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i-1].UpdateTime > history[i].UpdateTime)
	}
	earliest := history[len(history)-1]
	assert.Equal(t, earliest.InsertTime, earliest.UpdateTime)

	trimmed := c.ItemHistory(id, 20)
	require.Len(t, trimmed, 2)
	assert.Equal(t, model.LogicalTime(20), trimmed[0].UpdateTime)
}

func TestContainer_PatchIsIdempotent(t *testing.T) {
	c := NewContainer()
	id := model.NewId()
	rev := testRevision(id, "x")
	rev.InsertTime = 5
	rev.UpdateTime = 5

	require.NoError(t, c.Patch(rev))
	require.NoError(t, c.Patch(rev))
	assert.Len(t, c.ItemHistory(id, 100), 1)
}

func TestContainer_PatchSortsOutOfOrderAdmissions(t *testing.T) {
	c := NewContainer()
	id := model.NewId()

	later := testRevision(id, "later")
	later.InsertTime = 5
	later.UpdateTime = 30
	earlier := testRevision(id, "earlier")
	earlier.InsertTime = 5
	earlier.UpdateTime = 10

	require.NoError(t, c.Patch(later))
	require.NoError(t, c.Patch(earlier))

	history := c.ItemHistory(id, 100)
	require.Len(t, history, 2)
	assert.Equal(t, model.LogicalTime(30), history[0].UpdateTime)
	assert.Equal(t, model.LogicalTime(10), history[1].UpdateTime)
}

func TestContainer_PatchConflictingContentFails(t *testing.T) {
	c := NewContainer()
	id := model.NewId()

	a := testRevision(id, "a")
	a.UpdateTime = 10
	b := testRevision(id, "b")
	b.UpdateTime = 10

	require.NoError(t, c.Patch(a))
	err := c.Patch(b)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeCorruptedData, errors.GetCode(err))
}

func TestContainer_FindByRevision(t *testing.T) {
	c := NewContainer()
	matching := model.NewId()
	other := model.NewId()
	require.NoError(t, c.Insert(1, testRevision(matching, "wanted")))
	require.NoError(t, c.Insert(2, testRevision(other, "unwanted")))

	exemplar := testRevision(model.NewId(), "wanted")
	found := c.FindByRevision(0, exemplar, 10)
	require.Len(t, found, 1)
	assert.Contains(t, found, matching)
	assert.Equal(t, 1, c.Count(0, exemplar, 10))

	// A negative key matches all alive items.
	assert.Len(t, c.FindByRevision(-1, nil, 10), 2)
}

func TestContainer_RemovedItemsAreNotAlive(t *testing.T) {
	c := NewContainer()
	id := model.NewId()
	require.NoError(t, c.Insert(1, testRevision(id, "x")))

	tombstone := testRevision(id, "x")
	tombstone.Removed = true
	require.NoError(t, c.Update(5, tombstone))

	assert.Empty(t, c.AvailableIds(10))
	assert.Equal(t, 0, c.NumAvailableIds(10))
	// The revision itself is still reachable by id.
	require.NotNil(t, c.GetById(id, 10))
	assert.True(t, c.GetById(id, 10).Removed)
	// And it was alive before the removal.
	assert.Equal(t, []model.Id{id}, c.AvailableIds(4))
}

func TestContainer_BulkInsertAllOrNothing(t *testing.T) {
	c := NewContainer()
	present := model.NewId()
	fresh := model.NewId()
	require.NoError(t, c.Insert(1, testRevision(present, "x")))

	batch := map[model.Id]*model.Revision{
		present: testRevision(present, "y"),
		fresh:   testRevision(fresh, "z"),
	}
	err := c.BulkInsert(2, batch)
	assert.True(t, errors.IsConflict(err))
	assert.Nil(t, c.GetById(fresh, 10))
}

func TestContainer_ChunkHistory(t *testing.T) {
	c := NewContainer()
	chunkID := model.NewId()
	id := model.NewId()

	rev := testRevision(id, "x")
	rev.ChunkID = chunkID
	require.NoError(t, c.Insert(1, rev))

	update := testRevision(id, "y")
	update.ChunkID = chunkID
	require.NoError(t, c.Update(2, update))

	histories := c.ChunkHistory(chunkID, 10)
	require.Len(t, histories, 1)
	assert.Len(t, histories[id], 2)

	assert.Empty(t, c.ChunkHistory(model.NewId(), 10))
}

package table_test

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/config"
	"github.com/yangdegang/map-api/internal/core"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/table"
)

var itemsDescriptor = &table.Descriptor{
	Name: "items",
	Fields: []table.FieldDeclaration{
		{Name: "payload", Type: model.FieldTypeString},
	},
}

func newTestCore(t *testing.T) *core.Core {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	l.Close()
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Server.Host = host
	cfg.Server.Port = port
	cfg.Server.RequestTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())

	c, err := core.New(cfg, zap.NewNop(), &core.Options{
		Registerer:       prometheus.NewRegistry(),
		DisableDirectory: true,
	})
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func TestFileIO_StoreRestoreRoundTrip(t *testing.T) {
	source := newTestCore(t)
	tbl, err := source.Tables().AddTable(itemsDescriptor)
	require.NoError(t, err)
	ch, err := tbl.NewChunk()
	require.NoError(t, err)

	const rows = 25
	txn := tbl.NewTransaction(source.Clock().Sample())
	ids := make([]model.Id, rows)
	for i := range ids {
		ids[i] = model.NewId()
		rev := tbl.Descriptor().NewRevision(ids[i])
		rev.Set(0, model.StringValue(fmt.Sprintf("row-%d", i)))
		require.NoError(t, txn.Insert(ch, rev))
	}
	require.NoError(t, txn.Commit())

	path := filepath.Join(t.TempDir(), "items.chunks")
	fileIO := table.NewFileIO(path, tbl, zap.NewNop())
	require.NoError(t, fileIO.StoreTableContents(source.Clock().Sample()))

	// Restore into a fresh process.
	restored := newTestCore(t)
	restoredTbl, err := restored.Tables().AddTable(itemsDescriptor)
	require.NoError(t, err)
	restoreIO := table.NewFileIO(path, restoredTbl, zap.NewNop())
	require.NoError(t, restoreIO.RestoreTableContents())

	// The chunk reappears under its stored id with the same contents.
	require.NotNil(t, restoredTbl.LocalChunk(ch.ID()))
	now := restored.Clock().Sample()
	dump := restoredTbl.DumpActiveChunks(now)
	require.Len(t, dump, rows)
	for i, id := range ids {
		rev, ok := dump[id]
		require.True(t, ok)
		value, _ := rev.Get(0)
		assert.Equal(t, fmt.Sprintf("row-%d", i), value.Str)
		assert.Equal(t, ch.ID(), rev.ChunkID)
	}
}

func TestFileIO_RepeatedStoreDeduplicates(t *testing.T) {
	source := newTestCore(t)
	tbl, err := source.Tables().AddTable(itemsDescriptor)
	require.NoError(t, err)
	ch, err := tbl.NewChunk()
	require.NoError(t, err)

	id := model.NewId()
	txn := tbl.NewTransaction(source.Clock().Sample())
	rev := tbl.Descriptor().NewRevision(id)
	rev.Set(0, model.StringValue("x"))
	require.NoError(t, txn.Insert(ch, rev))
	require.NoError(t, txn.Commit())

	path := filepath.Join(t.TempDir(), "items.chunks")
	fileIO := table.NewFileIO(path, tbl, zap.NewNop())
	require.NoError(t, fileIO.StoreTableContents(source.Clock().Sample()))
	require.NoError(t, fileIO.StoreTableContents(source.Clock().Sample()))

	restored := newTestCore(t)
	restoredTbl, err := restored.Tables().AddTable(itemsDescriptor)
	require.NoError(t, err)
	restoreIO := table.NewFileIO(path, restoredTbl, zap.NewNop())
	require.NoError(t, restoreIO.RestoreTableContents())
	assert.Len(t, restoredTbl.DumpActiveChunks(restored.Clock().Sample()), 1)
}

func TestFileIO_RestoreMissingFileFails(t *testing.T) {
	c := newTestCore(t)
	tbl, err := c.Tables().AddTable(itemsDescriptor)
	require.NoError(t, err)
	fileIO := table.NewFileIO(filepath.Join(t.TempDir(), "absent"), tbl, zap.NewNop())
	assert.Error(t, fileIO.RestoreTableContents())
}

func TestMultiTableTransaction_AtomicAcrossTables(t *testing.T) {
	c := newTestCore(t)
	poses, err := c.Tables().AddTable(&table.Descriptor{
		Name:   "poses",
		Fields: []table.FieldDeclaration{{Name: "payload", Type: model.FieldTypeString}},
	})
	require.NoError(t, err)
	landmarks, err := c.Tables().AddTable(&table.Descriptor{
		Name:   "landmarks",
		Fields: []table.FieldDeclaration{{Name: "payload", Type: model.FieldTypeString}},
	})
	require.NoError(t, err)

	poseChunk, err := poses.NewChunk()
	require.NoError(t, err)
	landmarkChunk, err := landmarks.NewChunk()
	require.NoError(t, err)

	poseID := model.NewId()
	landmarkID := model.NewId()

	txn := c.NewTransaction()
	poseRev := poses.Descriptor().NewRevision(poseID)
	poseRev.Set(0, model.StringValue("pose"))
	require.NoError(t, txn.On(poses).Insert(poseChunk, poseRev))
	landmarkRev := landmarks.Descriptor().NewRevision(landmarkID)
	landmarkRev.Set(0, model.StringValue("landmark"))
	require.NoError(t, txn.On(landmarks).Insert(landmarkChunk, landmarkRev))
	require.NoError(t, txn.Commit())

	// Both writes carry the same commit time.
	now := c.Clock().Sample()
	storedPose := poses.GetById(poseID, now)
	storedLandmark := landmarks.GetById(landmarkID, now)
	require.NotNil(t, storedPose)
	require.NotNil(t, storedLandmark)
	assert.Equal(t, storedPose.UpdateTime, storedLandmark.UpdateTime)
}

func TestTransaction_TrackeesSurviveUpdates(t *testing.T) {
	c := newTestCore(t)
	tbl, err := c.Tables().AddTable(itemsDescriptor)
	require.NoError(t, err)
	ch, err := tbl.NewChunk()
	require.NoError(t, err)

	trackedChunk := model.NewId()
	id := model.NewId()

	seed := tbl.NewTransaction(c.Clock().Sample())
	rev := tbl.Descriptor().NewRevision(id)
	rev.Set(0, model.StringValue("v1"))
	rev.Trackees.Track("poses", trackedChunk)
	require.NoError(t, seed.Insert(ch, rev))
	require.NoError(t, seed.Commit())

	update := tbl.NewTransaction(c.Clock().Sample())
	next := tbl.Descriptor().NewRevision(id)
	next.ChunkID = ch.ID()
	next.Set(0, model.StringValue("v2"))
	require.NoError(t, update.Update(next))
	require.NoError(t, update.Commit())

	stored := tbl.GetById(id, c.Clock().Sample())
	require.NotNil(t, stored)
	_, tracked := stored.Trackees["poses"][trackedChunk]
	assert.True(t, tracked)
}

package table

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/model"
)

// revisionStamp identifies a stored revision for deduplication across
// successive stores into the same file.
type revisionStamp struct {
	id         model.Id
	updateTime model.LogicalTime
}

// FileIO stores and restores a table's chunks. The file holds a
// little-endian uint32 revision count followed by varint-sized raw
// revision records, gzip-compressed as a whole.
type FileIO struct {
	path   string
	table  *NetTable
	logger *zap.Logger

	alreadyStored map[revisionStamp]struct{}
}

// NewFileIO creates a file store for the table.
func NewFileIO(path string, t *NetTable, logger *zap.Logger) *FileIO {
	return &FileIO{
		path:          path,
		table:         t,
		logger:        logger.With(zap.String("table", t.Name()), zap.String("path", path)),
		alreadyStored: make(map[revisionStamp]struct{}),
	}
}

// StoreTableContents stores every alive item of the table's local
// chunks as of the given time. Revisions stored by an earlier call are
// kept and not duplicated.
func (f *FileIO) StoreTableContents(at model.LogicalTime) error {
	return f.StoreRevisions(f.table.DumpActiveChunks(at))
}

// StoreRevisions merges the given revisions into the file.
func (f *FileIO) StoreRevisions(revisions map[model.Id]*model.Revision) error {
	existing, err := f.readAll()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, rev := range existing {
		f.alreadyStored[revisionStamp{id: rev.ID, updateTime: rev.UpdateTime}] = struct{}{}
	}

	out := existing
	for _, rev := range revisions {
		stamp := revisionStamp{id: rev.ID, updateTime: rev.UpdateTime}
		if _, ok := f.alreadyStored[stamp]; ok {
			continue
		}
		f.alreadyStored[stamp] = struct{}{}
		out = append(out, rev)
	}
	return f.writeAll(out)
}

// RestoreTableContents replays the stored revisions into a fresh
// transaction and commits it, re-creating chunks by their stored ids.
func (f *FileIO) RestoreTableContents() error {
	revisions, err := f.readAll()
	if err != nil {
		return err
	}
	if len(revisions) == 0 {
		return errors.CorruptedData("no revisions in chunk file", nil)
	}
	txn := f.table.NewTransaction(f.table.deps.Clock.Sample())
	for _, rev := range revisions {
		chunkID := rev.ChunkID
		c := f.table.LocalChunk(chunkID)
		if c == nil {
			c, err = f.table.NewChunkWithId(chunkID)
			if err != nil {
				return err
			}
		}
		if err := txn.Insert(c, rev); err != nil {
			return err
		}
	}
	if err := txn.Commit(); err != nil {
		f.logger.Warn("Restore transaction failed to commit", zap.Error(err))
		return err
	}
	return nil
}

func (f *FileIO) writeAll(revisions []*model.Revision) error {
	var body bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(revisions)))
	body.Write(header[:])
	var sizeBuf [binary.MaxVarintLen64]byte
	for _, rev := range revisions {
		raw := rev.Marshal()
		n := binary.PutUvarint(sizeBuf[:], uint64(len(raw)))
		body.Write(sizeBuf[:n])
		body.Write(raw)
	}

	file, err := os.Create(f.path)
	if err != nil {
		return errors.Internal("failed to create chunk file", err)
	}
	defer file.Close()
	zw := gzip.NewWriter(file)
	if _, err := zw.Write(body.Bytes()); err != nil {
		return errors.Internal("failed to write chunk file", err)
	}
	if err := zw.Close(); err != nil {
		return errors.Internal("failed to finish chunk file", err)
	}
	return nil
}

func (f *FileIO) readAll() ([]*model.Revision, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	zr, err := gzip.NewReader(file)
	if err != nil {
		return nil, errors.CorruptedData("bad chunk file compression", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.CorruptedData("failed to read chunk file", err)
	}
	if len(raw) < 4 {
		return nil, errors.CorruptedData("truncated chunk file", nil)
	}
	count := binary.LittleEndian.Uint32(raw[:4])
	raw = raw[4:]

	revisions := make([]*model.Revision, 0, count)
	for i := uint32(0); i < count; i++ {
		size, n := binary.Uvarint(raw)
		if n <= 0 || uint64(len(raw)-n) < size {
			return nil, errors.CorruptedData("truncated revision record", nil)
		}
		raw = raw[n:]
		rev, err := model.UnmarshalRevision(raw[:size])
		if err != nil {
			return nil, errors.CorruptedData("bad revision record", err)
		}
		raw = raw[size:]
		revisions = append(revisions, rev)
	}
	return revisions, nil
}

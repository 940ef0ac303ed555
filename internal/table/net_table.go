// Package table implements the net table: the set of all chunks of one
// logical table across all peers, the directory locating chunk
// holders, and the transaction types composing chunk transactions into
// atomic multi-chunk commits.
package table

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/chord"
	"github.com/yangdegang/map-api/internal/chunk"
	"github.com/yangdegang/map-api/internal/config"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/raft"
	"github.com/yangdegang/map-api/internal/validation"
)

// directoryKey is the chord key locating the peers holding a chunk.
func directoryKey(table string, chunkID model.Id) string {
	return "chunk:" + table + ":" + chunkID.Hex()
}

// NetTable indexes the chunks of one table this peer participates in.
type NetTable struct {
	descriptor *Descriptor
	deps       chunk.Deps
	backend    string
	raftConfig *raft.Config
	directory  *chord.Index
	validator  *validation.Validator
	logger     *zap.Logger

	mu     sync.RWMutex
	chunks map[model.Id]chunk.Chunk
}

func newNetTable(descriptor *Descriptor, backend string, raftConfig *raft.Config,
	directory *chord.Index, deps chunk.Deps) *NetTable {
	return &NetTable{
		descriptor: descriptor,
		deps:       deps,
		backend:    backend,
		raftConfig: raftConfig,
		directory:  directory,
		validator:  validation.NewValidator(),
		logger:     deps.Logger.With(zap.String("table", descriptor.Name)),
		chunks:     make(map[model.Id]chunk.Chunk),
	}
}

// Name returns the table name.
func (t *NetTable) Name() string {
	return t.descriptor.Name
}

// Descriptor returns the table's declaration.
func (t *NetTable) Descriptor() *Descriptor {
	return t.descriptor
}

// NewChunk creates a chunk with a random id on this peer.
func (t *NetTable) NewChunk() (chunk.Chunk, error) {
	return t.NewChunkWithId(model.NewId())
}

// NewChunkWithId creates a chunk initialized by this peer and
// publishes it in the chunk directory.
func (t *NetTable) NewChunkWithId(id model.Id) (chunk.Chunk, error) {
	var c chunk.Chunk
	switch t.backend {
	case config.BackendRaft:
		rc := raft.NewChunk(id, t.descriptor.Name, nil, t.raftConfig, t.deps)
		rc.InitializeNew()
		c = rc
	default:
		c = chunk.NewBroadcastChunk(id, t.descriptor.Name, t.deps)
	}
	t.registerChunk(c)
	if t.directory != nil {
		if err := t.directory.AddData(directoryKey(t.descriptor.Name, id), string(t.deps.Hub.Self())); err != nil && !errors.IsConflict(err) {
			t.logger.Warn("Failed to publish chunk in directory",
				zap.String("chunk_id", id.String()), zap.Error(err))
		}
	}
	return c, nil
}

func (t *NetTable) registerChunk(c chunk.Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks[c.ID()] = c
}

// LocalChunk returns a chunk this peer already participates in, or
// nil.
func (t *NetTable) LocalChunk(id model.Id) chunk.Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chunks[id]
}

// LocalChunks returns all chunks this peer participates in.
func (t *NetTable) LocalChunks() []chunk.Chunk {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]chunk.Chunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		out = append(out, c)
	}
	return out
}

// GetChunk returns the chunk, joining it through the directory when
// this peer does not hold a replica yet: the directory names a holder,
// a connect request asks it for an invitation, and the invitation's
// init request registers the chunk here.
func (t *NetTable) GetChunk(id model.Id) (chunk.Chunk, error) {
	if c := t.LocalChunk(id); c != nil {
		return c, nil
	}
	if t.directory == nil {
		return nil, errors.NotFound("chunk", id.String())
	}
	holder, err := t.directory.RetrieveData(directoryKey(t.descriptor.Name, id))
	if err != nil {
		return nil, err
	}
	msg, err := hub.NewMessage(hub.TypeChunkConnect, &chunk.Metadata{
		Table:   t.descriptor.Name,
		ChunkID: id.Hex(),
	})
	if err != nil {
		return nil, errors.Internal("failed to encode connect request", err)
	}
	acked, err := t.deps.Hub.AckRequest(model.PeerId(holder), msg)
	if err != nil {
		return nil, err
	}
	if !acked {
		return nil, errors.RequestDeclined(holder, hub.TypeChunkConnect.String())
	}
	// The holder adds this peer asynchronously; the chunk appears once
	// its init request arrives.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c := t.LocalChunk(id); c != nil {
			return c, nil
		}
		time.Sleep(time.Millisecond)
	}
	return nil, errors.RequestTimeout(holder, "chunk join")
}

// GetById searches all local chunks for an item as of time t.
func (t *NetTable) GetById(id model.Id, at model.LogicalTime) *model.Revision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.chunks {
		if rev := c.Container().GetById(id, at); rev != nil {
			return rev
		}
	}
	return nil
}

// DumpActiveChunks returns every alive item of every local chunk as of
// time t.
func (t *NetTable) DumpActiveChunks(at model.LogicalTime) map[model.Id]*model.Revision {
	out := make(map[model.Id]*model.Revision)
	for _, c := range t.LocalChunks() {
		for id, rev := range c.DumpItems(at) {
			out[id] = rev
		}
	}
	return out
}

// ValidateRevision checks a staged revision against the table layout.
func (t *NetTable) ValidateRevision(rev *model.Revision) error {
	return t.validator.ValidateRevision(rev, t.descriptor.FieldTypes())
}

// NewTransaction opens a net-table transaction at the given start
// time.
func (t *NetTable) NewTransaction(startTime model.LogicalTime) *Transaction {
	return &Transaction{
		beginTime: startTime,
		table:     t,
		chunkTxns: make(map[model.Id]*chunk.Transaction),
	}
}

// sortedChunkTransactions orders chunk transactions by ascending chunk
// id: the globally agreed lock order that keeps multi-chunk commits
// deadlock-free.
func sortedChunkTransactions(txns map[model.Id]*chunk.Transaction) []*chunk.Transaction {
	ids := make([]model.Id, 0, len(txns))
	for id := range txns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	out := make([]*chunk.Transaction, len(ids))
	for i, id := range ids {
		out[i] = txns[id]
	}
	return out
}

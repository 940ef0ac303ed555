package table

import (
	"sync"

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

// Manager owns the net tables of one process and routes inbound chunk
// and raft messages to the addressed chunk. The handler table is
// populated once when the core is built.
type Manager struct {
	deps       chunk.Deps
	backend    string
	raftConfig *raft.Config
	directory  *chord.Index
	validator  *validation.Validator
	logger     *zap.Logger

	mu     sync.RWMutex
	tables map[string]*NetTable
}

// NewManager creates a table manager.
func NewManager(cfg *config.ChunkConfig, directory *chord.Index, deps chunk.Deps) *Manager {
	return &Manager{
		deps:    deps,
		backend: cfg.Backend,
		raftConfig: &raft.Config{
			HeartbeatTimeout: cfg.HeartbeatTimeout,
			SendPeriod:       cfg.HeartbeatSendPeriod,
		},
		directory: directory,
		validator: validation.NewValidator(),
		logger:    deps.Logger.With(zap.String("component", "table_manager")),
		tables:    make(map[string]*NetTable),
	}
}

// AddTable declares a table on this peer. Every participating peer
// declares the same tables; schema evolution is not supported.
func (m *Manager) AddTable(descriptor *Descriptor) (*NetTable, error) {
	if err := m.validator.ValidateTableName(descriptor.Name); err != nil {
		return nil, err
	}
	if err := m.validator.ValidateFieldTypes(descriptor.FieldTypes()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[descriptor.Name]; ok {
		return nil, errors.InvalidTable(descriptor.Name, "already declared")
	}
	t := newNetTable(descriptor, m.backend, m.raftConfig, m.directory, m.deps)
	m.tables[descriptor.Name] = t
	return t, nil
}

// Table returns a declared table, or nil.
func (m *Manager) Table(name string) *NetTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tables[name]
}

// Shutdown stops every raft chunk.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tables {
		for _, c := range t.LocalChunks() {
			if rc, ok := c.(*raft.Chunk); ok {
				rc.Stop()
			}
		}
	}
}

// RegisterHandlers installs the chunk and raft message handlers.
func (m *Manager) RegisterHandlers(h *hub.Hub) {
	h.RegisterHandler(hub.TypeChunkConnect, m.handleChunkConnect)
	h.RegisterHandler(hub.TypeChunkInit, m.handleChunkInit)
	h.RegisterHandler(hub.TypeChunkInsert, m.handleChunkInsert)
	h.RegisterHandler(hub.TypeChunkUpdate, m.handleChunkUpdate)
	h.RegisterHandler(hub.TypeChunkLeave, m.handleChunkLeave)
	h.RegisterHandler(hub.TypeChunkLock, m.handleChunkLock)
	h.RegisterHandler(hub.TypeChunkUnlock, m.handleChunkUnlock)
	h.RegisterHandler(hub.TypeChunkNewPeer, m.handleChunkNewPeer)
	h.RegisterHandler(hub.TypeRaftAppendEntries, m.handleRaftAppendEntries)
	h.RegisterHandler(hub.TypeRaftRequestVote, m.handleRaftRequestVote)
	h.RegisterHandler(hub.TypeRaftConnect, m.handleRaftConnect)
	h.RegisterHandler(hub.TypeRaftChunkRequest, m.handleRaftChunkRequest)
}

// broadcastChunkFor resolves the chunk a message addresses.
func (m *Manager) broadcastChunkFor(table, chunkID string) *chunk.BroadcastChunk {
	t := m.Table(table)
	if t == nil {
		return nil
	}
	id, err := model.IdFromHex(chunkID)
	if err != nil {
		return nil
	}
	c := t.LocalChunk(id)
	if c == nil {
		return nil
	}
	bc, ok := c.(*chunk.BroadcastChunk)
	if !ok {
		return nil
	}
	return bc
}

func (m *Manager) raftNodeFor(table, chunkID string) *raft.Node {
	t := m.Table(table)
	if t == nil {
		return nil
	}
	id, err := model.IdFromHex(chunkID)
	if err != nil {
		return nil
	}
	c := t.LocalChunk(id)
	if c == nil {
		return nil
	}
	rc, ok := c.(*raft.Chunk)
	if !ok {
		return nil
	}
	return rc.Node()
}

func (m *Manager) handleChunkConnect(msg *hub.Message) *hub.Message {
	var meta chunk.Metadata
	if err := msg.Extract(&meta); err != nil {
		return hub.Decline()
	}
	c := m.broadcastChunkFor(meta.Table, meta.ChunkID)
	if c == nil {
		return hub.Decline()
	}
	return c.HandleConnectRequest(msg.Sender)
}

func (m *Manager) handleChunkInit(msg *hub.Message) *hub.Message {
	var init chunk.InitPayload
	if err := msg.Extract(&init); err != nil {
		return hub.Decline()
	}
	t := m.Table(init.Table)
	if t == nil {
		m.logger.Warn("Init request for undeclared table", zap.String("table", init.Table))
		return hub.Decline()
	}
	id, err := model.IdFromHex(init.ChunkID)
	if err != nil {
		return hub.Decline()
	}
	if t.LocalChunk(id) != nil {
		// Already joined through a concurrent participation round.
		return hub.Ack()
	}
	c, err := chunk.NewBroadcastChunkFromInit(id, &init, msg.Sender, m.deps)
	if err != nil {
		m.logger.Error("Failed to initialize chunk from init request",
			zap.String("chunk_id", id.String()), zap.Error(err))
		return hub.Decline()
	}
	t.registerChunk(c)
	m.logger.Info("Joined chunk",
		zap.String("table", init.Table),
		zap.String("chunk_id", id.String()),
		zap.Int("revisions", len(init.Revisions)))
	return hub.Ack()
}

func (m *Manager) patchTarget(msg *hub.Message) (*chunk.BroadcastChunk, *model.Revision) {
	var patch chunk.PatchPayload
	if err := msg.Extract(&patch); err != nil {
		return nil, nil
	}
	c := m.broadcastChunkFor(patch.Table, patch.ChunkID)
	if c == nil {
		return nil, nil
	}
	rev, err := model.UnmarshalRevision(patch.Revision)
	if err != nil {
		m.logger.Error("Bad revision in patch request", zap.Error(err))
		return nil, nil
	}
	return c, rev
}

func (m *Manager) handleChunkInsert(msg *hub.Message) *hub.Message {
	c, rev := m.patchTarget(msg)
	if c == nil {
		return hub.Decline()
	}
	return c.HandleInsertRequest(rev)
}

func (m *Manager) handleChunkUpdate(msg *hub.Message) *hub.Message {
	c, rev := m.patchTarget(msg)
	if c == nil {
		return hub.Decline()
	}
	return c.HandleUpdateRequest(rev, msg.Sender)
}

func (m *Manager) handleChunkLeave(msg *hub.Message) *hub.Message {
	var meta chunk.Metadata
	if err := msg.Extract(&meta); err != nil {
		return hub.Decline()
	}
	c := m.broadcastChunkFor(meta.Table, meta.ChunkID)
	if c == nil {
		return hub.Decline()
	}
	return c.HandleLeaveRequest(msg.Sender)
}

func (m *Manager) handleChunkLock(msg *hub.Message) *hub.Message {
	var meta chunk.Metadata
	if err := msg.Extract(&meta); err != nil {
		return hub.Decline()
	}
	c := m.broadcastChunkFor(meta.Table, meta.ChunkID)
	if c == nil {
		return hub.Decline()
	}
	return c.HandleLockRequest(msg.Sender)
}

func (m *Manager) handleChunkUnlock(msg *hub.Message) *hub.Message {
	var meta chunk.Metadata
	if err := msg.Extract(&meta); err != nil {
		return hub.Decline()
	}
	c := m.broadcastChunkFor(meta.Table, meta.ChunkID)
	if c == nil {
		return hub.Decline()
	}
	return c.HandleUnlockRequest(msg.Sender)
}

func (m *Manager) handleChunkNewPeer(msg *hub.Message) *hub.Message {
	var payload chunk.NewPeerPayload
	if err := msg.Extract(&payload); err != nil {
		return hub.Decline()
	}
	c := m.broadcastChunkFor(payload.Table, payload.ChunkID)
	if c == nil {
		return hub.Decline()
	}
	return c.HandleNewPeerRequest(model.PeerId(payload.NewPeer), msg.Sender)
}

func (m *Manager) handleRaftAppendEntries(msg *hub.Message) *hub.Message {
	var payload raft.AppendEntriesPayload
	if err := msg.Extract(&payload); err != nil {
		return hub.Decline()
	}
	n := m.raftNodeFor(payload.Table, payload.ChunkID)
	if n == nil {
		return hub.Decline()
	}
	resp, err := hub.NewMessage(hub.TypeAck, n.HandleAppendEntries(&payload, msg.Sender))
	if err != nil {
		return hub.Decline()
	}
	return resp
}

func (m *Manager) handleRaftRequestVote(msg *hub.Message) *hub.Message {
	var payload raft.RequestVotePayload
	if err := msg.Extract(&payload); err != nil {
		return hub.Decline()
	}
	n := m.raftNodeFor(payload.Table, payload.ChunkID)
	if n == nil {
		return hub.Decline()
	}
	resp, err := hub.NewMessage(hub.TypeAck, n.HandleRequestVote(&payload, msg.Sender))
	if err != nil {
		return hub.Decline()
	}
	return resp
}

func (m *Manager) handleRaftConnect(msg *hub.Message) *hub.Message {
	var init raft.InitPayload
	if err := msg.Extract(&init); err != nil {
		return hub.Decline()
	}
	t := m.Table(init.Table)
	if t == nil {
		m.logger.Warn("Raft init for undeclared table", zap.String("table", init.Table))
		return hub.Decline()
	}
	id, err := model.IdFromHex(init.ChunkID)
	if err != nil {
		return hub.Decline()
	}
	if t.LocalChunk(id) != nil {
		return hub.Ack()
	}
	rc := raft.NewChunk(id, init.Table, nil, m.raftConfig, m.deps)
	rc.InitializeFromInit(&init)
	t.registerChunk(rc)
	m.logger.Info("Joined raft chunk",
		zap.String("table", init.Table),
		zap.String("chunk_id", id.String()),
		zap.Int("entries", len(init.Entries)))
	return hub.Ack()
}

func (m *Manager) handleRaftChunkRequest(msg *hub.Message) *hub.Message {
	var payload raft.ChunkRequestPayload
	if err := msg.Extract(&payload); err != nil {
		return hub.Decline()
	}
	n := m.raftNodeFor(payload.Table, payload.ChunkID)
	if n == nil {
		return hub.Decline()
	}
	resp, err := hub.NewMessage(hub.TypeAck, n.HandleChunkRequest(&payload, msg.Sender))
	if err != nil {
		return hub.Decline()
	}
	return resp
}

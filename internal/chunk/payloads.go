package chunk

import (
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/model"
)

// Metadata identifies the chunk a request addresses. Every chunk
// message carries it, so the table manager can route to the instance.
type Metadata struct {
	Table   string `codec:"table"`
	ChunkID string `codec:"chunk_id"`
}

// InitPayload invites a peer into a chunk, carrying the full peer-set
// (including the sender) and every current revision.
type InitPayload struct {
	Table     string   `codec:"table"`
	ChunkID   string   `codec:"chunk_id"`
	Peers     []string `codec:"peers"`
	Revisions [][]byte `codec:"revisions"`
}

// PatchPayload carries one fully-populated serialized revision to be
// patched into a replica's container.
type PatchPayload struct {
	Table    string `codec:"table"`
	ChunkID  string `codec:"chunk_id"`
	Revision []byte `codec:"revision"`
}

// NewPeerPayload announces a peer newly added to the chunk's peer-set.
type NewPeerPayload struct {
	Table   string `codec:"table"`
	ChunkID string `codec:"chunk_id"`
	NewPeer string `codec:"new_peer"`
}

// ParsedChunkID parses the chunk id out of a routing payload.
func (m *Metadata) ParsedChunkID() (model.Id, error) {
	id, err := model.IdFromHex(m.ChunkID)
	if err != nil {
		return model.InvalidId, errors.InvalidArgument("bad chunk id in request", err)
	}
	return id, nil
}

// metadataMessage builds a metadata-only chunk message.
func metadataMessage(t hub.MsgType, table string, chunkID model.Id) (*hub.Message, error) {
	return hub.NewMessage(t, &Metadata{Table: table, ChunkID: chunkID.Hex()})
}

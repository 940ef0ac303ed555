package hub

import (
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/yangdegang/map-api/internal/model"
)

// MsgType tags every message on the wire. Dispatch is a single table
// lookup; the handler table is populated once at core build time.
type MsgType uint8

const (
	TypeInvalid MsgType = iota

	// Generic responses
	TypeAck
	TypeDecline

	// Broadcast-backend chunk protocol
	TypeChunkConnect
	TypeChunkInit
	TypeChunkInsert
	TypeChunkUpdate
	TypeChunkLeave
	TypeChunkLock
	TypeChunkUnlock
	TypeChunkNewPeer

	// Raft-backend chunk protocol
	TypeRaftAppendEntries
	TypeRaftRequestVote
	TypeRaftConnect
	TypeRaftChunkRequest

	// Chord directory protocol
	TypeChordGetSuccessor
	TypeChordGetPredecessor
	TypeChordClosestPrecedingFinger
	TypeChordNotify
	TypeChordAddData
	TypeChordRetrieveData
	TypeChordFetchResponsibilities
)

var msgTypeNames = map[MsgType]string{
	TypeInvalid:                     "invalid",
	TypeAck:                         "ack",
	TypeDecline:                     "decline",
	TypeChunkConnect:                "chunk.connect",
	TypeChunkInit:                   "chunk.init",
	TypeChunkInsert:                 "chunk.insert",
	TypeChunkUpdate:                 "chunk.update",
	TypeChunkLeave:                  "chunk.leave",
	TypeChunkLock:                   "chunk.lock",
	TypeChunkUnlock:                 "chunk.unlock",
	TypeChunkNewPeer:                "chunk.new_peer",
	TypeRaftAppendEntries:           "raft.append_entries",
	TypeRaftRequestVote:             "raft.request_vote",
	TypeRaftConnect:                 "raft.connect",
	TypeRaftChunkRequest:            "raft.chunk_request",
	TypeChordGetSuccessor:           "chord.get_successor",
	TypeChordGetPredecessor:         "chord.get_predecessor",
	TypeChordClosestPrecedingFinger: "chord.closest_preceding_finger",
	TypeChordNotify:                 "chord.notify",
	TypeChordAddData:                "chord.add_data",
	TypeChordRetrieveData:           "chord.retrieve_data",
	TypeChordFetchResponsibilities: "chord.fetch_responsibilities",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Message is a decoded request or response.
type Message struct {
	Type    MsgType
	Payload []byte
	Sender  model.PeerId
}

// envelope is the wire form of a message.
type envelope struct {
	Type        uint8  `codec:"t"`
	Payload     []byte `codec:"p"`
	Sender      string `codec:"s"`
	LogicalTime uint64 `codec:"c"`
}

var msgpackHandle = &codec.MsgpackHandle{}

// Marshal encodes a payload struct with the hub's wire codec.
func Marshal(v interface{}) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

// Unmarshal decodes a payload struct.
func Unmarshal(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, msgpackHandle).Decode(v)
}

// NewMessage builds a typed message from a payload struct.
func NewMessage(t MsgType, payload interface{}) (*Message, error) {
	if payload == nil {
		return &Message{Type: t}, nil
	}
	raw, err := Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Payload: raw}, nil
}

// Ack is the generic positive response.
func Ack() *Message {
	return &Message{Type: TypeAck}
}

// Decline is the generic negative response.
func Decline() *Message {
	return &Message{Type: TypeDecline}
}

// IsAck reports whether the message is the generic positive response.
func (m *Message) IsAck() bool {
	return m != nil && m.Type == TypeAck
}

// IsDecline reports whether the message is the generic negative
// response.
func (m *Message) IsDecline() bool {
	return m != nil && m.Type == TypeDecline
}

// Extract decodes the payload into v.
func (m *Message) Extract(v interface{}) error {
	return Unmarshal(m.Payload, v)
}

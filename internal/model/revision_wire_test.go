package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevision_WireRoundTrip(t *testing.T) {
	rev := NewRevision(NewId(), 8)
	rev.ChunkID = NewId()
	rev.InsertTime = 7
	rev.UpdateTime = 42
	rev.Removed = true
	rev.Set(0, Int32Value(-12))
	rev.Set(1, Int64Value(1<<40))
	rev.Set(2, Uint32Value(77))
	rev.Set(3, Uint64Value(1<<63))
	rev.Set(4, DoubleValue(3.25))
	rev.Set(5, StringValue("payload"))
	rev.Set(6, BlobValue([]byte{0x00, 0xff, 0x10}))
	rev.Set(7, Hash128Value(NewId()))
	rev.Trackees.Track("poses", NewId())
	rev.Trackees.Track("poses", NewId())
	rev.Trackees.Track("landmarks", NewId())

	decoded, err := UnmarshalRevision(rev.Marshal())
	require.NoError(t, err)
	assert.True(t, rev.Equal(decoded))
}

func TestRevision_WireRoundTripSparse(t *testing.T) {
	rev := NewRevision(NewId(), 3)
	rev.ChunkID = NewId()
	rev.InsertTime = 1
	rev.UpdateTime = 1
	rev.Set(1, StringValue("only the middle field set"))

	decoded, err := UnmarshalRevision(rev.Marshal())
	require.NoError(t, err)
	assert.True(t, rev.Equal(decoded))
	assert.False(t, decoded.Removed)
	assert.Equal(t, FieldTypeInvalid, decoded.Fields[0].Type)
}

func TestRevision_UnmarshalRejectsGarbage(t *testing.T) {
	_, err := UnmarshalRevision([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	// A structurally valid but id-less record is rejected too.
	_, err = UnmarshalRevision(nil)
	assert.Error(t, err)
}

func TestRevision_CopyIsDeep(t *testing.T) {
	rev := NewRevision(NewId(), 2)
	rev.Set(0, BlobValue([]byte{1, 2, 3}))
	rev.Trackees.Track("poses", NewId())

	copied := rev.Copy()
	copied.Fields[0].Blob[0] = 99
	copied.Trackees.Track("poses", NewId())

	value, _ := rev.Get(0)
	assert.Equal(t, byte(1), value.Blob[0])
	assert.Len(t, rev.Trackees["poses"], 1)
}

func TestTrackeeMap_Merge(t *testing.T) {
	a := make(TrackeeMap)
	b := make(TrackeeMap)
	shared := NewId()
	a.Track("poses", shared)
	b.Track("poses", shared)
	b.Track("landmarks", NewId())

	assert.True(t, a.Merge(b))
	assert.False(t, a.Merge(b))
	assert.Len(t, a, 2)
}

func TestRevision_FieldMatch(t *testing.T) {
	a := NewRevision(NewId(), 2)
	b := NewRevision(NewId(), 2)
	a.Set(0, StringValue("x"))
	b.Set(0, StringValue("x"))
	a.Set(1, Int64Value(1))
	b.Set(1, Int64Value(2))

	assert.True(t, a.FieldMatch(b, 0))
	assert.False(t, a.FieldMatch(b, 1))
	assert.False(t, a.FieldMatch(b, 5))
}

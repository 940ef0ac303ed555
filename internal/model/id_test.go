package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestId_Generation(t *testing.T) {
	seen := make(map[Id]struct{})
	for i := 0; i < 1000; i++ {
		id := NewId()
		assert.True(t, id.IsValid())
		_, duplicate := seen[id]
		assert.False(t, duplicate)
		seen[id] = struct{}{}
	}
}

func TestId_HexRoundTrip(t *testing.T) {
	id := NewId()
	hex := id.Hex()
	require.Len(t, hex, 32)

	parsed, err := IdFromHex(hex)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestId_FromHexRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "short", input: "abcd"},
		{name: "non-hex", input: "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := IdFromHex(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestId_InvalidSentinel(t *testing.T) {
	assert.False(t, InvalidId.IsValid())
	assert.True(t, IdFromUint64(0, 1).IsValid())
}

func TestId_Ordering(t *testing.T) {
	a := IdFromUint64(0, 1)
	b := IdFromUint64(0, 2)
	c := IdFromUint64(1, 0)

	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.True(t, a.Less(c))
	assert.False(t, c.Less(a))
	assert.False(t, a.Less(a))
}

func TestPeerId_Validation(t *testing.T) {
	peer, err := NewPeerId("127.0.0.1:5678")
	require.NoError(t, err)
	assert.True(t, peer.IsValid())

	_, err = NewPeerId("not-an-address")
	assert.Error(t, err)
}

func TestPeerList_Ordering(t *testing.T) {
	list := NewPeerList("c:3", "a:1", "b:2")

	assert.Equal(t, 3, list.Len())
	assert.Equal(t, PeerId("a:1"), list.Min())
	assert.Equal(t, []PeerId{"a:1", "b:2", "c:3"}, list.Ascending())
	assert.Equal(t, []PeerId{"c:3", "b:2", "a:1"}, list.Descending())
}

func TestPeerList_AddRemove(t *testing.T) {
	list := NewPeerList()

	assert.True(t, list.Add("b:2"))
	assert.True(t, list.Add("a:1"))
	assert.False(t, list.Add("a:1"))
	assert.True(t, list.Contains("a:1"))

	assert.True(t, list.Remove("a:1"))
	assert.False(t, list.Remove("a:1"))
	assert.False(t, list.Contains("a:1"))
	assert.Equal(t, PeerId("b:2"), list.Min())
}

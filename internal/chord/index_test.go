package chord

import (
	"fmt"
	"net"
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
)

func TestIsIn(t *testing.T) {
	tests := []struct {
		name     string
		key      Key
		from     Key
		to       Key
		expected bool
	}{
		{name: "inside plain interval", key: 5, from: 2, to: 8, expected: true},
		{name: "outside plain interval", key: 9, from: 2, to: 8, expected: false},
		{name: "key equals from", key: 2, from: 2, to: 8, expected: false},
		{name: "key equals to", key: 8, from: 2, to: 8, expected: true},
		{name: "collapsed interval", key: 5, from: 3, to: 3, expected: true},
		{name: "wraparound inside high", key: ^Key(0) - 1, from: ^Key(0) - 5, to: 10, expected: true},
		{name: "wraparound inside low", key: 3, from: ^Key(0) - 5, to: 10, expected: true},
		{name: "wraparound outside", key: 100, from: ^Key(0) - 5, to: 10, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isIn(tt.key, tt.from, tt.to))
		})
	}
}

func TestHashOf_Deterministic(t *testing.T) {
	assert.Equal(t, hashOf("127.0.0.1:5678"), hashOf("127.0.0.1:5678"))
	assert.NotEqual(t, hashOf("127.0.0.1:5678"), hashOf("127.0.0.1:5679"))
}

type testRing struct {
	indexes []*Index
	hubs    []*hub.Hub
}

func newRingMember(t *testing.T) (*Index, *hub.Hub) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := model.PeerId(l.Addr().String())
	l.Close()

	h := hub.New(&hub.Config{
		SelfAddress:    address,
		RequestTimeout: 2 * time.Second,
	}, clock.New(), metrics.NewNop(), zap.NewNop())
	pool := workerpool.New(&workerpool.Config{Name: "test", MaxWorkers: 2, QueueSize: 16})
	t.Cleanup(func() { pool.Stop(time.Second) })

	index := NewIndex(&Config{StabilizeInterval: time.Millisecond}, h, metrics.NewNop(), pool, zap.NewNop())
	index.RegisterHandlers(h)
	require.NoError(t, h.Start())
	t.Cleanup(h.Shutdown)
	t.Cleanup(index.Leave)
	return index, h
}

func buildRing(t *testing.T, size int) *testRing {
	t.Helper()
	ring := &testRing{}
	for i := 0; i < size; i++ {
		index, h := newRingMember(t)
		ring.indexes = append(ring.indexes, index)
		ring.hubs = append(ring.hubs, h)
	}
	ring.indexes[0].Create()
	for i := 1; i < size; i++ {
		ring.indexes[i].Join(ring.hubs[0].Self())
	}
	return ring
}

// waitForStableRing waits until successors and predecessors form one
// consistent cycle over all members.
func waitForStableRing(t *testing.T, ring *testRing) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ringIsStable(ring) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("ring did not stabilize")
}

func ringIsStable(ring *testRing) bool {
	members := make(map[model.PeerId]*Index, len(ring.indexes))
	for i, index := range ring.indexes {
		members[ring.hubs[i].Self()] = index
	}
	// Follow successors; we must visit every member exactly once.
	start := ring.hubs[0].Self()
	visited := make(map[model.PeerId]struct{})
	current := start
	for {
		if _, seen := visited[current]; seen {
			break
		}
		visited[current] = struct{}{}
		index, ok := members[current]
		if !ok {
			return false
		}
		current = index.Successor()
	}
	if current != start || len(visited) != len(ring.indexes) {
		return false
	}
	// Predecessors must mirror successors.
	for i, index := range ring.indexes {
		successor := members[index.Successor()]
		if successor == nil || successor.Predecessor() != ring.hubs[i].Self() {
			return false
		}
	}
	return true
}

func TestRing_StabilizeJoinConverges(t *testing.T) {
	ring := buildRing(t, 3)
	waitForStableRing(t, ring)

	// A fourth member joins the stable ring.
	index, h := newRingMember(t)
	ring.indexes = append(ring.indexes, index)
	ring.hubs = append(ring.hubs, h)
	index.Join(ring.hubs[0].Self())
	waitForStableRing(t, ring)
}

func TestRing_LookupAgreesOnResponsiblePeer(t *testing.T) {
	ring := buildRing(t, 4)
	waitForStableRing(t, ring)

	for trial := 0; trial < 10; trial++ {
		key := hashOf(fmt.Sprintf("lookup-key-%d", trial))
		expected, err := ring.indexes[0].FindSuccessor(key)
		require.NoError(t, err)
		require.True(t, expected.IsValid())
		for _, index := range ring.indexes[1:] {
			got, err := index.FindSuccessor(key)
			require.NoError(t, err)
			assert.Equal(t, expected, got)
		}
	}
}

func TestRing_DataRoutedToResponsiblePeer(t *testing.T) {
	ring := buildRing(t, 3)
	waitForStableRing(t, ring)

	require.NoError(t, ring.indexes[1].AddData("chunk:poses:abc", "10.0.0.1:5678"))

	for _, index := range ring.indexes {
		value, err := index.RetrieveData("chunk:poses:abc")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:5678", value)
	}

	// Duplicate directory entries conflict.
	err := ring.indexes[2].AddData("chunk:poses:abc", "10.0.0.2:5678")
	assert.Error(t, err)
}

package hub

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/clock"
	"github.com/yangdegang/map-api/internal/metrics"
	"github.com/yangdegang/map-api/internal/model"
)

func freeAddress(t *testing.T) model.PeerId {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return model.PeerId(l.Addr().String())
}

func newTestHub(t *testing.T) (*Hub, *clock.LogicalClock) {
	t.Helper()
	lc := clock.New()
	h := New(&Config{
		SelfAddress:    freeAddress(t),
		RequestTimeout: 2 * time.Second,
	}, lc, metrics.NewNop(), zap.NewNop())
	t.Cleanup(h.Shutdown)
	return h, lc
}

type echoPayload struct {
	Text string `codec:"text"`
}

func TestHub_RequestResponse(t *testing.T) {
	server, _ := newTestHub(t)
	client, _ := newTestHub(t)

	server.RegisterHandler(TypeChunkLock, func(msg *Message) *Message {
		var payload echoPayload
		require.NoError(t, msg.Extract(&payload))
		resp, err := NewMessage(TypeAck, &echoPayload{Text: payload.Text + "-echoed"})
		require.NoError(t, err)
		return resp
	})
	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	msg, err := NewMessage(TypeChunkLock, &echoPayload{Text: "hello"})
	require.NoError(t, err)
	resp, err := client.Request(server.Self(), msg)
	require.NoError(t, err)
	assert.True(t, resp.IsAck())
	assert.Equal(t, server.Self(), resp.Sender)

	var echoed echoPayload
	require.NoError(t, resp.Extract(&echoed))
	assert.Equal(t, "hello-echoed", echoed.Text)
}

func TestHub_ClockMergesOnExchange(t *testing.T) {
	server, serverClock := newTestHub(t)
	client, clientClock := newTestHub(t)

	server.RegisterHandler(TypeChunkLock, func(*Message) *Message { return Ack() })
	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	// Advance the client's clock far ahead of the server's.
	clientClock.Merge(10000)

	msg, _ := NewMessage(TypeChunkLock, nil)
	_, err := client.Request(server.Self(), msg)
	require.NoError(t, err)

	// The server observed the client's time and advanced beyond it.
	assert.True(t, serverClock.Sample() > 10000)
	// And the response time flowed back.
	assert.True(t, clientClock.Sample() > 10001)
}

func TestHub_UnknownTypeDeclines(t *testing.T) {
	server, _ := newTestHub(t)
	client, _ := newTestHub(t)
	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	msg, _ := NewMessage(TypeChunkUnlock, nil)
	resp, err := client.Request(server.Self(), msg)
	require.NoError(t, err)
	assert.True(t, resp.IsDecline())
}

func TestHub_RequestUnreachablePeerFails(t *testing.T) {
	client, _ := newTestHub(t)
	require.NoError(t, client.Start())

	target := freeAddress(t) // nothing listens there
	msg, _ := NewMessage(TypeChunkLock, nil)
	_, err := client.Request(target, msg)
	assert.Error(t, err)
}

func TestHub_PeerTracking(t *testing.T) {
	h, _ := newTestHub(t)
	require.NoError(t, h.Start())

	h.AddPeer("b:2")
	h.AddPeer("a:1")
	h.AddPeer("a:1")
	assert.Equal(t, []model.PeerId{"a:1", "b:2"}, h.Peers())

	// A departed peer is dropped and cannot come back.
	h.RemovePeer("a:1")
	assert.Equal(t, []model.PeerId{"b:2"}, h.Peers())
	h.AddPeer("a:1")
	assert.Equal(t, []model.PeerId{"b:2"}, h.Peers())
}

func TestHub_BroadcastSkipsDeparted(t *testing.T) {
	server, _ := newTestHub(t)
	client, _ := newTestHub(t)

	served := 0
	server.RegisterHandler(TypeChunkLock, func(*Message) *Message {
		served++
		return Ack()
	})
	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	departed := freeAddress(t)
	client.AddPeer(server.Self())
	client.AddPeer(departed)
	client.RemovePeer(departed)

	msg, _ := NewMessage(TypeChunkLock, nil)
	responses := client.Broadcast([]model.PeerId{server.Self(), departed}, msg)
	require.Len(t, responses, 1)
	assert.True(t, responses[server.Self()].IsAck())
	assert.Equal(t, 1, served)
}

func TestHub_SenderBecomesKnownPeer(t *testing.T) {
	server, _ := newTestHub(t)
	client, _ := newTestHub(t)
	server.RegisterHandler(TypeChunkLock, func(*Message) *Message { return Ack() })
	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	msg, _ := NewMessage(TypeChunkLock, nil)
	_, err := client.Request(server.Self(), msg)
	require.NoError(t, err)

	assert.Contains(t, server.Peers(), client.Self())
}

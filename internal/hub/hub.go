// Package hub manages the process's connections to other peers: a
// type-tagged request/response transport with a handler table and a
// broadcast primitive. Every envelope carries the sender's logical
// time; the hub merges the clock before dispatching a handler.
package hub

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/clock"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/metrics"
	"github.com/yangdegang/map-api/internal/model"
)

// Handler processes one inbound message and returns the response to
// send. A nil return is answered with a decline.
type Handler func(msg *Message) *Message

// Hub is the process-wide set of live peer sockets. One instance is
// owned by the core.
type Hub struct {
	self           model.PeerId
	clock          *clock.LogicalClock
	logger         *zap.Logger
	metrics        *metrics.Metrics
	requestTimeout time.Duration

	handlers map[MsgType]Handler

	mu       sync.RWMutex
	conns    map[model.PeerId]*peerConn
	known    map[model.PeerId]struct{}
	departed map[model.PeerId]struct{}

	listener net.Listener
	srvMu    sync.Mutex
	srvConns map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// Config holds hub configuration.
type Config struct {
	SelfAddress    model.PeerId
	RequestTimeout time.Duration
}

// New creates a hub. Handlers must be registered before Start.
func New(cfg *Config, lc *clock.LogicalClock, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		self:           cfg.SelfAddress,
		clock:          lc,
		logger:         logger,
		metrics:        m,
		requestTimeout: cfg.RequestTimeout,
		handlers:       make(map[MsgType]Handler),
		conns:          make(map[model.PeerId]*peerConn),
		known:          make(map[model.PeerId]struct{}),
		departed:       make(map[model.PeerId]struct{}),
		srvConns:       make(map[net.Conn]struct{}),
		stopChan:       make(chan struct{}),
	}
}

// Self returns the local peer address.
func (h *Hub) Self() model.PeerId {
	return h.self
}

// RegisterHandler installs the handler for a message type. Must be
// called before Start; registering a type twice is a programming error.
func (h *Hub) RegisterHandler(t MsgType, handler Handler) {
	if _, ok := h.handlers[t]; ok {
		h.logger.Fatal("Duplicate handler registration", zap.String("type", t.String()))
	}
	h.handlers[t] = handler
}

// Start binds the listener at the self address and begins serving.
func (h *Hub) Start() error {
	listener, err := net.Listen("tcp", string(h.self))
	if err != nil {
		return errors.Internal("failed to bind hub listener", err)
	}
	h.listener = listener
	h.wg.Add(1)
	go h.acceptLoop()
	h.logger.Info("Hub listening", zap.String("address", string(h.self)))
	return nil
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.stopChan:
				return
			default:
				h.logger.Warn("Accept failed", zap.Error(err))
				continue
			}
		}
		h.wg.Add(1)
		go h.serveConn(conn)
	}
}

// serveConn answers framed requests on one inbound connection, one at
// a time, until the peer disconnects.
func (h *Hub) serveConn(conn net.Conn) {
	defer h.wg.Done()
	h.srvMu.Lock()
	h.srvConns[conn] = struct{}{}
	h.srvMu.Unlock()
	defer func() {
		h.srvMu.Lock()
		delete(h.srvConns, conn)
		h.srvMu.Unlock()
		conn.Close()
	}()
	for {
		env, err := readFrame(conn)
		if err != nil {
			return
		}
		h.clock.Merge(model.LogicalTime(env.LogicalTime))

		sender := model.PeerId(env.Sender)
		if sender.IsValid() {
			h.observePeer(sender)
		}

		resp := h.dispatch(&Message{
			Type:    MsgType(env.Type),
			Payload: env.Payload,
			Sender:  sender,
		})
		out := &envelope{
			Type:        uint8(resp.Type),
			Payload:     resp.Payload,
			Sender:      string(h.self),
			LogicalTime: uint64(h.clock.Sample()),
		}
		if err := writeFrame(conn, out); err != nil {
			return
		}
	}
}

func (h *Hub) dispatch(msg *Message) *Message {
	handler, ok := h.handlers[msg.Type]
	if !ok {
		h.logger.Warn("No handler for message type",
			zap.String("type", msg.Type.String()),
			zap.String("sender", string(msg.Sender)))
		return Decline()
	}
	resp := handler(msg)
	if resp == nil {
		return Decline()
	}
	return resp
}

func (h *Hub) observePeer(peer model.PeerId) {
	if peer == h.self {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, left := h.departed[peer]; left {
		return
	}
	h.known[peer] = struct{}{}
}

// AddPeer registers a peer discovered through the bootstrap.
func (h *Hub) AddPeer(peer model.PeerId) {
	h.observePeer(peer)
}

// RemovePeer marks a peer as departed: it is dropped from the known
// set and broadcasts skip it from now on.
func (h *Hub) RemovePeer(peer model.PeerId) {
	h.mu.Lock()
	delete(h.known, peer)
	h.departed[peer] = struct{}{}
	conn := h.conns[peer]
	delete(h.conns, peer)
	h.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// Peers returns the known live peers in ascending address order.
func (h *Hub) Peers() []model.PeerId {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := model.NewPeerList()
	for peer := range h.known {
		list.Add(peer)
	}
	return list.Ascending()
}

func (h *Hub) connFor(peer model.PeerId) *peerConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[peer]
	if !ok {
		conn = newPeerConn(peer)
		h.conns[peer] = conn
	}
	return conn
}

// Request sends a message and blocks until the response arrives or the
// request times out.
func (h *Hub) Request(peer model.PeerId, msg *Message) (*Message, error) {
	select {
	case <-h.stopChan:
		return nil, errors.ShuttingDown("hub")
	default:
	}
	h.metrics.RequestsTotal.WithLabelValues(msg.Type.String()).Inc()
	env := &envelope{
		Type:        uint8(msg.Type),
		Payload:     msg.Payload,
		Sender:      string(h.self),
		LogicalTime: uint64(h.clock.Sample()),
	}
	resp, err := h.connFor(peer).exchange(env, h.requestTimeout)
	if err != nil {
		h.metrics.RequestFailures.Inc()
		return nil, errors.PeerUnreachable(string(peer), err)
	}
	h.clock.Merge(model.LogicalTime(resp.LogicalTime))
	return &Message{
		Type:    MsgType(resp.Type),
		Payload: resp.Payload,
		Sender:  model.PeerId(resp.Sender),
	}, nil
}

// AckRequest sends a message and reports whether the peer answered
// with an ack. Unreachable peers surface as an error.
func (h *Hub) AckRequest(peer model.PeerId, msg *Message) (bool, error) {
	resp, err := h.Request(peer, msg)
	if err != nil {
		return false, err
	}
	return resp.IsAck(), nil
}

// Broadcast sends the message to the given peers, skipping peers that
// already departed, and collects the responses.
func (h *Hub) Broadcast(peers []model.PeerId, msg *Message) map[model.PeerId]*Message {
	start := time.Now()
	defer func() { h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds()) }()

	responses := make(map[model.PeerId]*Message, len(peers))
	for _, peer := range peers {
		h.mu.RLock()
		_, left := h.departed[peer]
		h.mu.RUnlock()
		if left {
			continue
		}
		resp, err := h.Request(peer, msg)
		if err != nil {
			h.logger.Warn("Broadcast request failed",
				zap.String("peer", string(peer)),
				zap.String("type", msg.Type.String()),
				zap.Error(err))
			responses[peer] = nil
			continue
		}
		responses[peer] = resp
	}
	return responses
}

// UndisputableBroadcast sends the message to the given peers and
// requires every peer to acknowledge. Commit propagation assumes no
// peer loss; a failed or declined delivery is a protocol violation and
// terminates the process.
func (h *Hub) UndisputableBroadcast(peers []model.PeerId, msg *Message) {
	for peer, resp := range h.Broadcast(peers, msg) {
		if resp == nil || !resp.IsAck() {
			h.logger.Fatal("Undisputable broadcast not acknowledged",
				zap.String("peer", string(peer)),
				zap.String("type", msg.Type.String()))
		}
	}
}

// Shutdown closes the listener and all peer connections.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		if h.listener != nil {
			h.listener.Close()
		}
		h.mu.Lock()
		for _, conn := range h.conns {
			conn.close()
		}
		h.conns = make(map[model.PeerId]*peerConn)
		h.mu.Unlock()
		h.srvMu.Lock()
		for conn := range h.srvConns {
			conn.Close()
		}
		h.srvMu.Unlock()
		h.wg.Wait()
		h.logger.Info("Hub stopped", zap.String("address", string(h.self)))
	})
}

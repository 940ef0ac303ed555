package hub

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/yangdegang/map-api/internal/model"
)

const maxFrameSize = 64 << 20 // 64MB

// peerConn is a lazily-dialed request/response socket to one peer.
// A mutex serializes requests so a connection carries at most one
// request/response exchange at a time.
type peerConn struct {
	address model.PeerId
	mu      sync.Mutex
	conn    net.Conn
}

func newPeerConn(address model.PeerId) *peerConn {
	return &peerConn{address: address}
}

func (p *peerConn) ensureConnected(timeout time.Duration) error {
	if p.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", string(p.address), timeout)
	if err != nil {
		return err
	}
	p.conn = conn
	return nil
}

// exchange writes one framed envelope and reads the framed response.
func (p *peerConn) exchange(req *envelope, timeout time.Duration) (*envelope, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnected(timeout); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if err := p.conn.SetDeadline(deadline); err != nil {
		p.reset()
		return nil, err
	}
	if err := writeFrame(p.conn, req); err != nil {
		p.reset()
		return nil, err
	}
	resp, err := readFrame(p.conn)
	if err != nil {
		p.reset()
		return nil, err
	}
	return resp, nil
}

func (p *peerConn) reset() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *peerConn) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
}

// writeFrame writes a 4-byte big-endian length followed by the
// msgpack-encoded envelope.
func writeFrame(w io.Writer, env *envelope) error {
	var body []byte
	if err := codec.NewEncoderBytes(&body, msgpackHandle).Encode(env); err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// readFrame reads one length-framed envelope.
func readFrame(r io.Reader) (*envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	env := &envelope{}
	if err := codec.NewDecoderBytes(body, msgpackHandle).Decode(env); err != nil {
		return nil, err
	}
	return env, nil
}

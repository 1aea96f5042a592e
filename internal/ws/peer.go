// Package ws provides the real-time connection layer: the registry of live
// tablet and workstation channels, the message dispatch protocol, and the
// liveness monitor.
package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrPeerClosed is returned when writing to a closed channel handle.
var ErrPeerClosed = errors.New("peer is closed")

// Peer is a single WebSocket channel handle with a buffered outbound queue.
// Writes never block the caller: a full queue closes the peer instead.
type Peer struct {
	conn   *websocket.Conn
	id     string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewPeer creates a new Peer for the given connection and identity.
// conn may be nil in tests; the outbound queue still works.
func NewPeer(conn *websocket.Conn, id string) *Peer {
	return &Peer{
		conn: conn,
		id:   id,
		send: make(chan []byte, 256),
	}
}

// ID returns the device or workstation identity bound to this peer.
func (p *Peer) ID() string {
	return p.id
}

// Conn returns the underlying WebSocket connection.
func (p *Peer) Conn() *websocket.Conn {
	return p.conn
}

// SendChan returns the outbound queue for the write pump.
func (p *Peer) SendChan() <-chan []byte {
	return p.send
}

// Send queues data for transmission. Returns ErrPeerClosed if the peer is
// closed, or closes the peer and reports failure when the queue is full.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}

	select {
	case p.send <- data:
		return nil
	default:
		// Slow consumer; drop the connection rather than block the caller.
		p.closeLocked()
		return ErrPeerClosed
	}
}

// SendEnvelope serializes and queues an envelope.
func (p *Peer) SendEnvelope(env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return p.Send(data)
}

// CloseWithReason sends a close frame carrying the reason, then closes the
// peer. The reason is visible to the remote end, e.g. "superseded by new
// connection".
func (p *Peer) CloseWithReason(reason string) {
	p.mu.Lock()
	conn := p.conn
	alreadyClosed := p.closed
	p.closeLocked()
	p.mu.Unlock()

	if alreadyClosed || conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), deadline)
	conn.Close()
}

// Close closes the peer without a close frame.
func (p *Peer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

func (p *Peer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	close(p.send)
}

// IsClosed returns true if the peer is closed.
func (p *Peer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

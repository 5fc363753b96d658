package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Backend is the duplex byte channel abstraction behind Transport: two
// backends behind one interface. Transport never touches a socket or an
// in-memory queue directly — it only calls Send and reacts to the
// callbacks wired up via SetOnMessage/SetOnClose.
type Backend interface {
	// Send writes one framed outbound message.
	Send(ctx context.Context, raw []byte) error
	// SetOnMessage registers the callback invoked for every inbound
	// message. Must be called before the backend starts delivering.
	SetOnMessage(func(raw []byte))
	// SetOnClose registers the callback invoked exactly once when the
	// channel closes, carrying the triggering error (nil for a clean
	// close requested via Close).
	SetOnClose(func(err error))
	// Close tears the channel down. Idempotent.
	Close() error
}

// WebSocketBackend is the real duplex channel: one JSON message per
// WebSocket text frame, over a connection to a browser's BiDi (or, via the
// CDP mapper, debugging) endpoint.
type WebSocketBackend struct {
	conn *websocket.Conn

	mu sync.Mutex
	writeMu sync.Mutex
	onMessage func([]byte)
	onClose func(error)
	closed bool
}

// NewWebSocketBackend wraps an already-dialed websocket connection.
// Dialing itself (including the ws_endpoint URL from a launcher or a
// user-supplied connect(endpoint)) is the caller's concern.
func NewWebSocketBackend(conn *websocket.Conn) *WebSocketBackend {
	b := &WebSocketBackend{conn: conn}
	go b.readLoop()
	return b
}

func (b *WebSocketBackend) SetOnMessage(f func([]byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = f
}

func (b *WebSocketBackend) SetOnClose(f func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onClose = f
}

func (b *WebSocketBackend) Send(ctx context.Context, raw []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = b.conn.SetWriteDeadline(dl)
	}
	return b.conn.WriteMessage(websocket.TextMessage, raw)
}

func (b *WebSocketBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	err := b.conn.Close()
	b.fireClose(nil)
	return err
}

func (b *WebSocketBackend) readLoop() {
	for {
		_, raw, err := b.conn.ReadMessage()
		if err != nil {
			b.mu.Lock()
			already := b.closed
			b.closed = true
			b.mu.Unlock()
			if !already {
				b.fireClose(err)
			}
			return
		}
		b.mu.Lock()
		cb := b.onMessage
		b.mu.Unlock()
		if cb != nil {
			cb(raw)
		}
	}
}

func (b *WebSocketBackend) fireClose(err error) {
	b.mu.Lock()
	cb := b.onClose
	b.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// VirtualBackend is the in-memory channel used for the CDP-mapped path:
// Transport's outbound Send calls the paired send function, and the
// mapper feeds inbound BiDi messages back in via Feed.
type VirtualBackend struct {
	send func(raw []byte) error

	mu sync.Mutex
	onMessage func([]byte)
	onClose func(error)
	closed bool
}

// NewVirtualBackend builds a virtual channel whose outbound writes are
// handed to sendFn (typically CdpBidiMapper.SendBiDi).
func NewVirtualBackend(sendFn func(raw []byte) error) *VirtualBackend {
	return &VirtualBackend{send: sendFn}
}

func (v *VirtualBackend) SetOnMessage(f func([]byte)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onMessage = f
}

func (v *VirtualBackend) SetOnClose(f func(error)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onClose = f
}

func (v *VirtualBackend) Send(_ context.Context, raw []byte) error {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return errClosed
	}
	return v.send(raw)
}

// Feed delivers one inbound message (produced by the mapper) to the
// transport as if it arrived over the wire.
func (v *VirtualBackend) Feed(raw []byte) {
	v.mu.Lock()
	cb := v.onMessage
	closed := v.closed
	v.mu.Unlock()
	if !closed && cb != nil {
		cb(raw)
	}
}

func (v *VirtualBackend) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	cb := v.onClose
	v.mu.Unlock()
	if cb != nil {
		cb(nil)
	}
	return nil
}

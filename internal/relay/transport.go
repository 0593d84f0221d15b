package relay

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/gorilla/websocket"
)

var (
	ErrNoTransport     = errors.New("no live transport for call")
	ErrTransportClosed = errors.New("transport is not sendable")
	ErrMissingCallSid  = errors.New("callSid query parameter is required")
)

const defaultWriteTimeout = 5 * time.Second

// Conn is the subset of *websocket.Conn a transport writes through
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Transport is the live audio channel of one call.
//
// Writes are serialized by mu because a websocket allows one concurrent
// writer. Close may run concurrently with a write; once closed, every Send
// and Ping fails with ErrTransportClosed.
type Transport struct {
	CallSid     string
	ConnectedAt time.Time

	conn         Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    atomic.Bool
	lastPong  atomic.Int64
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

// NewTransport wraps a connection that was just accepted for callSid
func NewTransport(callSid string, conn Conn, writeTimeout time.Duration) *Transport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	t := &Transport{
		CallSid:      callSid,
		ConnectedAt:  time.Now().UTC(),
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	t.lastPong.Store(t.ConnectedAt.UnixNano())
	return t
}

// Sendable reports whether the channel can still accept audio
func (t *Transport) Sendable() bool {
	return t != nil && !t.closed.Load()
}

// Status returns the transport health state
func (t *Transport) Status() domain.TransportStatus {
	if t.Sendable() {
		return domain.TransportStatusConnected
	}
	return domain.TransportStatusClosed
}

// LastPong is the time the peer last answered a ping (connect time before the first pong)
func (t *Transport) LastPong() time.Time {
	return time.Unix(0, t.lastPong.Load()).UTC()
}

func (t *Transport) touch() {
	t.lastPong.Store(time.Now().UnixNano())
}

// Done is closed when the transport is closed
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Send writes audio as a single binary frame, byte for byte.
// A failed write leaves the transport closed.
func (t *Transport) Send(audio []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Sendable() {
		return ErrTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		t.markClosed()
		return fmt.Errorf("%w: set write deadline: %v", ErrTransportClosed, err)
	}
	if err := t.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		t.markClosed()
		return fmt.Errorf("%w: write audio: %v", ErrTransportClosed, err)
	}
	return nil
}

// Ping sends a protocol-level ping to detect dead peers
func (t *Transport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.Sendable() {
		return ErrTransportClosed
	}
	deadline := time.Now().Add(t.writeTimeout)
	if err := t.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
		t.markClosed()
		return fmt.Errorf("%w: ping: %v", ErrTransportClosed, err)
	}
	return nil
}

// Close marks the transport closed, stops its probe and closes the socket.
// Safe to call more than once.
func (t *Transport) Close() error {
	t.markClosed()
	var err error
	t.closeOnce.Do(func() { err = t.conn.Close() })
	return err
}

func (t *Transport) markClosed() {
	t.closed.Store(true)
	t.stop()
}

func (t *Transport) stop() {
	t.doneOnce.Do(func() { close(t.done) })
}

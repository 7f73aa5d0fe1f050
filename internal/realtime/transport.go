package realtime

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/coder/websocket"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is one client connection as seen by the registry and the
// broadcaster. Implementations must be safe for concurrent use.
type Transport interface {
	// Send writes one encoded frame.
	Send(ctx context.Context, frame []byte) error

	// Ping sends a liveness probe and waits for the answer.
	Ping(ctx context.Context) error

	// Close terminates the connection. It does not block on the peer and
	// is safe to call more than once.
	Close(reason string) error

	// Open reports whether the transport can still carry frames.
	Open() bool

	// Codec is the outbound wire format negotiated for this connection.
	Codec() Codec

	RemoteAddr() string
}

type wsTransport struct {
	conn   *websocket.Conn
	codec  Codec
	remote string
	closed atomic.Bool
}

func newWSTransport(conn *websocket.Conn, codec Codec, remote string) *wsTransport {
	return &wsTransport{conn: conn, codec: codec, remote: remote}
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.conn.Write(ctx, t.codec.FrameType(), frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.conn.Ping(ctx)
}

// Close starts the close handshake in the background; the handshake can
// take seconds against an unresponsive peer.
func (t *wsTransport) Close(reason string) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	status := websocket.StatusNormalClosure
	if reason != "" {
		status = websocket.StatusGoingAway
	}
	go func() {
		_ = t.conn.Close(status, reason)
	}()
	return nil
}

func (t *wsTransport) Open() bool         { return !t.closed.Load() }
func (t *wsTransport) Codec() Codec       { return t.codec }
func (t *wsTransport) RemoteAddr() string { return t.remote }

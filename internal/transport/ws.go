package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

// WSConn adapts a gobwas/ws server connection to Conn. Framing is one
// multiplexer frame per WebSocket binary message — the mux package
// never sees WebSocket opcodes, only complete frame payloads.
//
// ReadFrame is only ever called from the connection's single read
// loop; WriteFrame takes a mutex since multiple channels on the same
// connection write concurrently.
type WSConn struct {
	conn   net.Conn
	writer *bufio.Writer
	remote string
	mu     sync.Mutex
}

// NewWSConn wraps an already-upgraded net.Conn (the caller performs
// the HTTP upgrade with ws.Upgrader before constructing this).
func NewWSConn(conn net.Conn) *WSConn {
	return &WSConn{conn: conn, writer: bufio.NewWriter(conn), remote: conn.RemoteAddr().String()}
}

func (c *WSConn) RemoteAddr() string { return c.remote }

// ReadFrame blocks for the next binary WebSocket message. Ping/pong is
// handled transparently by the gobwas library; a close frame surfaces
// as io.EOF-shaped error from wsutil.
func (c *WSConn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return nil, ErrClosed{Cause: err}
		}
		switch op {
		case ws.OpBinary, ws.OpText:
			return msg, nil
		case ws.OpClose:
			return nil, ErrClosed{}
		default:
			// Ping/pong/continuation already handled by wsutil; keep reading.
			continue
		}
	}
}

// WriteFrame writes one multiplexer frame as a single WebSocket binary
// message, flushing immediately — the multiplexer and per-channel
// syncers are responsible for batching at a higher level, so this
// stays a thin, synchronous write.
func (c *WSConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteServerMessage(c.writer, ws.OpBinary, frame); err != nil {
		return ErrClosed{Cause: err}
	}
	return c.writer.Flush()
}

func (c *WSConn) Close() error {
	wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
	return c.conn.Close()
}

// WSClientConn is the dial-side counterpart to WSConn: client frames must
// be masked per RFC 6455, which is the only read/write asymmetry between
// the two (gobwas/ws enforces masking via the *ClientMessage helpers).
type WSClientConn struct {
	conn   net.Conn
	writer *bufio.Writer
	remote string
	mu     sync.Mutex
}

// DialWS opens a WebSocket connection to url and wraps it as a Conn,
// performing the client handshake via gobwas/ws before returning.
func DialWS(ctx context.Context, url string) (*WSClientConn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return &WSClientConn{conn: conn, writer: bufio.NewWriter(conn), remote: conn.RemoteAddr().String()}, nil
}

func (c *WSClientConn) RemoteAddr() string { return c.remote }

func (c *WSClientConn) ReadFrame(ctx context.Context) ([]byte, error) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			return nil, ErrClosed{Cause: err}
		}
		switch op {
		case ws.OpBinary, ws.OpText:
			return msg, nil
		case ws.OpClose:
			return nil, ErrClosed{}
		default:
			continue
		}
	}
}

func (c *WSClientConn) WriteFrame(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsutil.WriteClientMessage(c.writer, ws.OpBinary, frame); err != nil {
		return ErrClosed{Cause: err}
	}
	return c.writer.Flush()
}

func (c *WSClientConn) Close() error {
	wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
	return c.conn.Close()
}

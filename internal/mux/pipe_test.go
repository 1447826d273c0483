package mux

import (
	"context"
	"io"
	"sync"

	"github.com/foldsync/core/internal/transport"
)

// pipeConn is an in-process transport.Conn used only by tests: two
// pipeConns sharing a pair of channels behave like opposite ends of
// one connection, without any real networking or gobwas/ws dependency.
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	closed bool
}

// newPipePair returns two connected pipeConns, a<->b.
func newPipePair() (*pipeConn, *pipeConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeConn{in: ba, out: ab}
	b := &pipeConn{in: ab, out: ba}
	return a, b
}

func (p *pipeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-p.in:
		if !ok {
			return nil, transport.ErrClosed{}
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteFrame(ctx context.Context, frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrClosed{Cause: io.ErrClosedPipe}
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case p.out <- cp:
		return nil
	default:
		return transport.ErrClosed{Cause: io.ErrShortWrite}
	}
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.out)
	}
	return nil
}

func (p *pipeConn) RemoteAddr() string { return "pipe" }

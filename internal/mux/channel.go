package mux

import (
	"context"
	"sync"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/reactive"
	"github.com/foldsync/core/internal/transport"
)

// State is a channel's position in the OPEN/READY/FAILED/CLOSE
// handshake.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateFailed     State = "failed"
	StateClosed     State = "closed"
)

// Channel is one multiplexed logical stream over a shared
// transport.Conn. It owns the per-channel, per-direction path
// interning tables — freshly created on OPEN and
// discarded on CLOSE, never surviving a reconnect.
type Channel struct {
	ID       uint16
	RemoteID uint16
	CType    string
	CPath    codec.Path

	conn  transport.Conn
	state *reactive.Value[State]

	encodeInterner *codec.Interner
	decodeInterner *codec.Interner

	mu      sync.Mutex
	pending [][]byte // payloads queued while StateConnecting

	// OnPayload is invoked (by the connection's single read loop) for
	// every payload addressed to this channel once it is Open.
	// Assigned by whatever layer opened the channel (session or store).
	OnPayload func(payload []byte)
}

func newChannel(id uint16, conn transport.Conn) *Channel {
	c := &Channel{
		ID:             id,
		conn:           conn,
		state:          reactive.NewValue(StateConnecting, nil),
		encodeInterner: codec.NewInterner(),
		decodeInterner: codec.NewInterner(),
	}
	c.state.Listen(func(next, prev State) {
		if next == StateOpen && prev != StateOpen {
			c.flushPending()
		}
	})
	return c
}

// State reports the channel's current handshake position.
func (c *Channel) State() State { return c.state.Get() }

// WatchState registers l to run on every state transition (and once
// immediately with the current state), returning an unlisten func.
func (c *Channel) WatchState(l func(next, prev State)) func() {
	return c.state.Listen(l)
}

// markOpen transitions the channel to Open once READY has been
// received/sent for it, unblocking anything queued by Send.
func (c *Channel) markOpen(remoteID uint16) {
	c.RemoteID = remoteID
	c.state.Update(StateOpen)
}

func (c *Channel) markFailed() { c.state.Update(StateFailed) }
func (c *Channel) markClosed() { c.state.Update(StateClosed) }

// Send writes payload as one frame on this channel. Before the OPEN
// handshake completes, payloads are queued in declaration order and
// flushed the instant the channel transitions to Open, so callers
// never need to wait on the handshake themselves.
func (c *Channel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if c.state.Get() != StateOpen {
		c.pending = append(c.pending, payload)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.conn.WriteFrame(ctx, EncodeFrame(c.RemoteID, payload))
}

func (c *Channel) flushPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, payload := range queued {
		_ = c.conn.WriteFrame(context.Background(), EncodeFrame(c.RemoteID, payload))
	}
}

// Dispatch routes one received payload to OnPayload, a no-op if the
// channel has no handler registered yet (can happen for a brief window
// between a just-sent OPEN and the caller finishing wiring OnPayload;
// the peer will not actually send channel traffic before READY, so
// this is defensive rather than expected).
func (c *Channel) Dispatch(payload []byte) {
	if c.OnPayload != nil {
		c.OnPayload(payload)
	}
}

// EncodeInterner is this channel's outgoing path dictionary.
func (c *Channel) EncodeInterner() *codec.Interner { return c.encodeInterner }

// DecodeInterner is this channel's incoming path dictionary.
func (c *Channel) DecodeInterner() *codec.Interner { return c.decodeInterner }

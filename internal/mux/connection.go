package mux

import (
	"context"
	"fmt"
	"sync"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/proto"
	"github.com/foldsync/core/internal/reactive"
	"github.com/foldsync/core/internal/transport"
)

// AuthState is the meta channel's own tiny state machine: every
// connection starts AuthPending and becomes Authed when it receives
// AUTHED. Nothing in the mux waits on it: OpenChannel and Channel.Send
// proceed in either state, so a client's SUBs go out before AUTHED.
// internal/session holds the objects channel's inbound payloads
// until AUTH succeeds.
type AuthState string

const (
	AuthPending AuthState = "pending"
	Authed      AuthState = "authed"
)

// OpenHandler decides whether to accept a peer-initiated OPEN. ch has
// already been allocated a local id of its own from this connection's
// table (ID, CType, CPath populated; RemoteID not yet set, since READY
// hasn't gone out) so the handler may freely inspect it before
// deciding; accept=false causes a FAILED reply and ch is closed again.
// onPayload, if accept is true, becomes the new channel's payload
// callback — typically a closure over ch itself for replying.
type OpenHandler func(ch *Channel) (accept bool, onPayload func(payload []byte))

// pendingOpen tracks a locally-initiated OPEN awaiting READY/FAILED.
type pendingOpen struct {
	done     chan struct{}
	ready    bool
	remoteID uint16
	cause    string
}

// Connection wires one transport.Conn to the channel table and drives
// the meta-channel handshake. Both client and server sides use the
// same type; the only asymmetry is which side sends AUTH vs AUTHED
// and which OpenHandler (if any) is installed.
type Connection struct {
	conn  transport.Conn
	table *Table

	authState *reactive.Value[AuthState]
	authedID  codec.UUID

	openHandler OpenHandler

	mu      sync.Mutex
	pending map[uint16]*pendingOpen

	authedListeners []func(codec.UUID)
	onAuthRequest   func(proto.AuthMsg)
}

// NewConnection wraps conn. Install an OpenHandler (server side) via
// SetOpenHandler before calling Run if this side should accept
// peer-initiated channels.
func NewConnection(conn transport.Conn) *Connection {
	return &Connection{
		conn:      conn,
		table:     NewTable(conn),
		authState: reactive.NewValue(AuthPending, nil),
		pending:   make(map[uint16]*pendingOpen),
	}
}

func (c *Connection) SetOpenHandler(h OpenHandler) { c.openHandler = h }

// AuthState reports whether AUTHED has been received yet.
func (c *Connection) AuthState() AuthState { return c.authState.Get() }

// OnAuthed registers l to run once AUTHED arrives (immediately if it
// already has).
func (c *Connection) OnAuthed(l func(id codec.UUID)) {
	if c.authState.Get() == Authed {
		l(c.authedID)
		return
	}
	c.mu.Lock()
	c.authedListeners = append(c.authedListeners, l)
	c.mu.Unlock()
}

// Run drives the connection's read loop until ctx is cancelled or the
// transport closes, dispatching meta messages and routing channel
// payloads. It is the only goroutine that calls conn.ReadFrame.
func (c *Connection) Run(ctx context.Context) error {
	for {
		frame, err := c.conn.ReadFrame(ctx)
		if err != nil {
			c.table.CloseAll()
			return err
		}
		channelID, payload, err := DecodeFrame(frame)
		if err != nil {
			continue // malformed frame: drop and keep reading rather than apply a partial decode
		}
		if channelID == MetaChannelID {
			c.handleMeta(payload)
			continue
		}
		if ch, ok := c.table.Lookup(channelID); ok {
			ch.Dispatch(payload)
		}
	}
}

func (c *Connection) writeMeta(payload []byte) error {
	return c.conn.WriteFrame(context.Background(), EncodeFrame(MetaChannelID, payload))
}

// SendAuth sends an AUTH meta message (client role).
func (c *Connection) SendAuth(source string, id codec.UUID, token string) error {
	b := codec.NewBuffer()
	if err := proto.EncodeAuth(b, proto.AuthMsg{Source: source, ID: id, Token: token}); err != nil {
		return err
	}
	return c.writeMeta(b.Bytes())
}

// SendAuthed sends an AUTHED meta message (server role), unblocking
// any channels the peer opened before authenticating.
func (c *Connection) SendAuthed(id codec.UUID) error {
	b := codec.NewBuffer()
	proto.EncodeAuthed(b, proto.AuthedMsg{ID: id})
	return c.writeMeta(b.Bytes())
}

// OpenChannel initiates a new channel: assigns a local id, sends OPEN,
// and blocks until the peer replies READY or FAILED.
func (c *Connection) OpenChannel(ctx context.Context, ctype string, cpath codec.Path, onPayload func([]byte)) (*Channel, error) {
	ch, err := c.table.Open(ctype)
	if err != nil {
		return nil, err
	}
	ch.CPath = cpath
	ch.OnPayload = onPayload

	p := &pendingOpen{done: make(chan struct{})}
	c.mu.Lock()
	c.pending[ch.ID] = p
	c.mu.Unlock()

	b := codec.NewBuffer()
	if err := proto.EncodeOpen(b, proto.OpenMsg{ID: ch.ID, CType: ctype, CPath: cpath}); err != nil {
		return nil, err
	}
	if err := c.writeMeta(b.Bytes()); err != nil {
		return nil, err
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !p.ready {
		c.table.Close(ch.ID)
		return nil, fmt.Errorf("mux: channel open failed: %s", p.cause)
	}
	ch.markOpen(p.remoteID)
	return ch, nil
}

// CloseChannel sends a CLOSE for id and tears down local state. CLOSE
// is framed with the peer's id for this channel (its RemoteID from
// our side), not our own local id.
func (c *Connection) CloseChannel(id uint16) error {
	remoteID := id
	if ch, ok := c.table.Lookup(id); ok {
		remoteID = ch.RemoteID
	}
	b := codec.NewBuffer()
	proto.EncodeClose(b, proto.CloseMsg{ID: remoteID})
	c.table.Close(id)
	return c.writeMeta(b.Bytes())
}

func (c *Connection) handleMeta(payload []byte) {
	b := codec.NewBufferFrom(payload)
	msg, err := proto.DecodeMeta(b)
	if err != nil {
		return
	}
	switch msg.Type {
	case proto.MetaAuth:
		// Server role: the session layer observes this via a registered
		// auth validator, not here — Connection only carries the bytes.
		// Exposed through OnAuthRequest for whatever installs it.
		if c.onAuthRequest != nil {
			c.onAuthRequest(*msg.Auth)
		}
	case proto.MetaAuthed:
		c.authedID = msg.Authed.ID
		c.authState.Update(Authed)
		c.mu.Lock()
		listeners := c.authedListeners
		c.authedListeners = nil
		c.mu.Unlock()
		for _, l := range listeners {
			l(c.authedID)
		}
	case proto.MetaOpen:
		c.handleOpen(*msg.Open)
	case proto.MetaReady:
		c.resolvePending(msg.Ready.ID, true, msg.Ready.RemoteID, "")
	case proto.MetaFailed:
		c.resolvePending(msg.Failed.ID, false, 0, msg.Failed.Cause)
	case proto.MetaClose:
		c.table.Close(msg.Close.ID)
	}
}

func (c *Connection) resolvePending(id uint16, ready bool, remoteID uint16, cause string) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.ready = ready
	p.remoteID = remoteID
	p.cause = cause
	close(p.done)
}

// handleOpen accepts or rejects a peer-initiated OPEN. The acceptor
// allocates its own local id from its own table rather than reusing
// the initiator's id: the two endpoints each keep an independent id
// space, and the channel is known by ch.ID locally but by m.ID (the
// initiator's id) as this channel's RemoteID on the wire.
func (c *Connection) handleOpen(m proto.OpenMsg) {
	if c.openHandler == nil {
		c.replyFailed(m.ID, "no handler registered")
		return
	}
	ch, err := c.table.Open(m.CType)
	if err != nil {
		c.replyFailed(m.ID, err.Error())
		return
	}
	ch.CPath = m.CPath
	accept, onPayload := c.openHandler(ch)
	if !accept {
		c.table.Close(ch.ID)
		c.replyFailed(m.ID, "subscription denied")
		return
	}
	ch.OnPayload = onPayload
	ch.markOpen(m.ID)
	b := codec.NewBuffer()
	proto.EncodeReady(b, proto.ReadyMsg{ID: m.ID, RemoteID: ch.ID})
	_ = c.writeMeta(b.Bytes())
}

func (c *Connection) replyFailed(id uint16, cause string) {
	b := codec.NewBuffer()
	if err := proto.EncodeFailed(b, proto.FailedMsg{ID: id, Cause: cause}); err == nil {
		_ = c.writeMeta(b.Bytes())
	}
}

// OnAuthRequest installs the server-side AUTH message callback. Kept
// separate from the constructor so session wiring can defer it until
// the auth validator is ready.
func (c *Connection) OnAuthRequest(f func(proto.AuthMsg)) { c.onAuthRequest = f }

// Close tears down the underlying transport. There is no dedicated
// meta message for "authentication rejected", so a validator that rejects
// an AuthMsg closes the connection outright rather than replying.
func (c *Connection) Close() error {
	c.table.CloseAll()
	return c.conn.Close()
}

// RemoteAddr exposes the transport's peer identifier for logging.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr() }

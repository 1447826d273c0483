package store

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/engine"
	"github.com/foldsync/core/internal/mux"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
	"github.com/foldsync/core/internal/session"
	"github.com/foldsync/core/internal/transport"
)

// pipeConn is an in-process transport.Conn for tests, mirroring the
// equivalent unexported double in internal/mux and internal/session
// (each package duplicates it since _test.go files are not importable).
type pipeConn struct {
	in     chan []byte
	out    chan []byte
	mu     sync.Mutex
	closed bool
}

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

type fakeValidator struct{}

func (fakeValidator) Validate(ctx context.Context, msg proto.AuthMsg) (objects.Auth, error) {
	return objects.Auth{ID: msg.ID, Source: msg.Source}, nil
}

type mapResolver struct{ objs map[string]*engine.Object }

func (r *mapResolver) Resolve(ctx context.Context, auth objects.Auth, path codec.Path) (*engine.Object, error) {
	obj, ok := r.objs[path.String()]
	if !ok {
		return nil, errors.New("no such object: " + path.String())
	}
	return obj, nil
}

func roomMeta() *objects.TypeMeta {
	return objects.NewBuilder("Room").
		Value("name", codec.KindString, true).
		Table("members").
		View("activeMembers", "members", nil, "").
		Build()
}

// serverHarness owns one server-side object shared across however many
// client (re)connects a test drives, so reconnect tests can observe
// whether the store correctly re-resolves state from a fresh snapshot.
type serverHarness struct {
	room     *engine.Object
	roomPath codec.Path
	resolver *mapResolver
	dials    int32

	mu         sync.Mutex
	serverSide *pipeConn
}

func newServerHarness() *serverHarness {
	path := codec.Root().Child("rooms").Key(codec.NewUUID())
	meta := roomMeta()
	room := engine.NewObject(meta, path, objects.AllowAll{}, nil)
	return &serverHarness{
		room:     room,
		roomPath: path,
		resolver: &mapResolver{objs: map[string]*engine.Object{path.String(): room}},
	}
}

// dial returns a Dialer that, on every call, spins up a fresh in-process
// server connection (new mux.Connection + session.Session) wired to the
// SAME underlying object, mimicking a client reconnecting to a server
// that kept the object alive across the disconnect. runCtx governs how
// long each spawned session.Session.Run goroutine lives, independent of
// any one connection attempt's own ctx.
func (h *serverHarness) dial(runCtx context.Context) Dialer {
	return func(ctx context.Context) (transport.Conn, error) {
		atomic.AddInt32(&h.dials, 1)
		clientSide, serverSide := newPipePair()
		h.mu.Lock()
		h.serverSide = serverSide
		h.mu.Unlock()
		mc := mux.NewConnection(serverSide)
		sess := session.New(mc, fakeValidator{}, h.resolver, zerolog.Nop(), 16, time.Second)
		go sess.Run(runCtx)
		return clientSide, nil
	}
}

// disconnectServer closes the server side of the most recently
// established connection, simulating a severed transport the way a
// real socket close would: the client's own read loop observes its
// inbound channel close and its Run returns, without needing the
// store's overall context cancelled (which would stop reconnecting
// entirely rather than exercise it).
func (h *serverHarness) disconnectServer() {
	h.mu.Lock()
	ss := h.serverSide
	h.mu.Unlock()
	if ss != nil {
		_ = ss.Close()
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestResolveReceivesSnapshot(t *testing.T) {
	h := newServerHarness()
	h.room.ApplyLocalSystemWrite(proto.SyncMsg{PropIndex: 0, Op: proto.OpValSet, Val: codec.StringValue("lobby")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := New(h.dial(ctx), Config{AuthSource: "guest", AuthID: codec.NewUUID()}, zerolog.Nop())
	go st.Run(ctx)

	handle := st.Resolve(h.roomPath, roomMeta())
	defer handle.Release()

	waitFor(t, func() bool {
		v, ok := handle.State.Get().Props["name"]
		return ok && v.AsString() == "lobby"
	})
}

func TestResolveRefcountsSharedHandle(t *testing.T) {
	h := newServerHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := New(h.dial(ctx), Config{AuthSource: "guest", AuthID: codec.NewUUID()}, zerolog.Nop())
	go st.Run(ctx)

	meta := roomMeta()
	h1 := st.Resolve(h.roomPath, meta)
	h2 := st.Resolve(h.roomPath, meta)

	waitFor(t, func() bool {
		_, ok := h1.State.Get().Props["name"]
		return ok
	})

	h1.Release()
	// h2 still holds the path; a second release of an already-released
	// handle must not panic or double-decrement below zero.
	h1.Release()
	h2.Release()
}

func TestResolveAppliesSyncAfterSnapshot(t *testing.T) {
	h := newServerHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := New(h.dial(ctx), Config{AuthSource: "guest", AuthID: codec.NewUUID()}, zerolog.Nop())
	go st.Run(ctx)

	handle := st.Resolve(h.roomPath, roomMeta())
	defer handle.Release()

	waitFor(t, func() bool {
		_, ok := handle.State.Get().Props["name"]
		return ok
	})

	h.room.ApplyLocalSystemWrite(proto.SyncMsg{PropIndex: 0, Op: proto.OpValSet, Val: codec.StringValue("renamed")})

	waitFor(t, func() bool {
		v := handle.State.Get().Props["name"]
		return v.AsString() == "renamed"
	})
}

func TestViewResolveReceivesRowChanges(t *testing.T) {
	h := newServerHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := New(h.dial(ctx), Config{AuthSource: "guest", AuthID: codec.NewUUID()}, zerolog.Nop())
	go st.Run(ctx)

	viewPath := h.roomPath.Child("activeMembers")
	vh := st.ResolveView(viewPath)
	defer vh.Release()

	key := codec.NewUUID()
	rec := codec.Record{Fields: []codec.Field{{Name: "nick", Value: codec.StringValue("alice")}}}
	if err := h.room.TableAdd(1, key, rec, objects.SystemAuth); err != nil {
		t.Fatalf("table add: %v", err)
	}

	waitFor(t, func() bool {
		row, ok := vh.State.Get().Rows[key]
		return ok && func() bool { v, _ := row.Get("nick"); return v.AsString() == "alice" }()
	})
}

// TestReconnectResubscribesAndResnapshots forcibly severs the store's
// live connection and verifies it reconnects (dialing a second time)
// and rebuilds the handle's state from a fresh snapshot rather than
// leaving it stuck at the pre-disconnect value.
func TestReconnectResubscribesAndResnapshots(t *testing.T) {
	h := newServerHarness()
	h.room.ApplyLocalSystemWrite(proto.SyncMsg{PropIndex: 0, Op: proto.OpValSet, Val: codec.StringValue("first")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := Config{AuthSource: "guest", AuthID: codec.NewUUID(), MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	st := New(h.dial(ctx), cfg, zerolog.Nop())
	go st.Run(ctx)

	handle := st.Resolve(h.roomPath, roomMeta())
	defer handle.Release()

	waitFor(t, func() bool {
		v, ok := handle.State.Get().Props["name"]
		return ok && v.AsString() == "first"
	})

	h.disconnectServer()

	h.room.ApplyLocalSystemWrite(proto.SyncMsg{PropIndex: 0, Op: proto.OpValSet, Val: codec.StringValue("second")})

	waitFor(t, func() bool { return atomic.LoadInt32(&h.dials) >= 2 })
	waitFor(t, func() bool {
		v, ok := handle.State.Get().Props["name"]
		return ok && v.AsString() == "second"
	})
}

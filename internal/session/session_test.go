package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/engine"
	"github.com/foldsync/core/internal/mux"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
	"github.com/foldsync/core/internal/transport"
)

// pipeConn is an in-process transport.Conn for tests, mirroring
// internal/mux's own test double (unexported there, so duplicated
// here rather than reached across a package boundary).
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

// fakeValidator accepts any AUTH unless reject is set.
type fakeValidator struct {
	reject bool
	id     codec.UUID
}

func (v *fakeValidator) Validate(ctx context.Context, msg proto.AuthMsg) (objects.Auth, error) {
	if v.reject {
		return objects.Auth{}, errors.New("rejected")
	}
	return objects.Auth{ID: v.id, Source: msg.Source}, nil
}

// mapResolver resolves a fixed set of objects keyed by path string.
type mapResolver struct {
	objs map[string]*engine.Object
}

func (r *mapResolver) Resolve(ctx context.Context, auth objects.Auth, path codec.Path) (*engine.Object, error) {
	obj, ok := r.objs[path.String()]
	if !ok {
		return nil, fmt.Errorf("no such object: %s", path)
	}
	return obj, nil
}

// roomMeta builds a small object type exercising value, table, view,
// and queue properties, with postedCh receiving every queue message
// a test posts to it.
func roomMeta(postedCh chan codec.Value) *objects.TypeMeta {
	handler := func(ctx context.Context, obj any, auth objects.Auth, msg codec.Value) error {
		postedCh <- msg
		return nil
	}
	return objects.NewBuilder("Room").
		Value("name", codec.KindString, true).
		Table("members").
		View("activeMembers", "members", nil, "").
		Queue("chatq", handler).
		Build()
}

type testHarness struct {
	t          *testing.T
	serverConn *mux.Connection
	clientConn *mux.Connection
	sess       *Session
	resolver   *mapResolver
	roomPath   codec.Path
	room       *engine.Object
	postedCh   chan codec.Value
	validator  *fakeValidator
	ctx        context.Context
	cancel     context.CancelFunc
}

func newHarness(t *testing.T, authQueueCap int, authQueueWait time.Duration) *testHarness {
	t.Helper()
	sConn, cConn := newPipePair()
	postedCh := make(chan codec.Value, 8)
	meta := roomMeta(postedCh)
	roomPath := codec.Root().Child("rooms").Key(codec.NewUUID())
	room := engine.NewObject(meta, roomPath, objects.AllowAll{}, nil)

	resolver := &mapResolver{objs: map[string]*engine.Object{roomPath.String(): room}}
	validator := &fakeValidator{id: codec.NewUUID()}

	serverConn := mux.NewConnection(sConn)
	clientConn := mux.NewConnection(cConn)

	sess := New(serverConn, validator, resolver, zerolog.Nop(), authQueueCap, authQueueWait)

	ctx, cancel := context.WithCancel(context.Background())
	h := &testHarness{
		t: t, serverConn: serverConn, clientConn: clientConn, sess: sess,
		resolver: resolver, roomPath: roomPath, room: room, postedCh: postedCh,
		validator: validator, ctx: ctx, cancel: cancel,
	}

	go func() { _ = sess.Run(ctx) }()
	go func() { _ = clientConn.Run(ctx) }()

	return h
}

func (h *testHarness) close() {
	h.cancel()
	_ = h.clientConn.Close()
}

// openObjectsChannel opens the shared "objects" channel from the
// client side, routing every down-payload to recv.
func (h *testHarness) openObjectsChannel(recv func([]byte)) *mux.Channel {
	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	ch, err := h.clientConn.OpenChannel(ctx, "objects", codec.Root(), recv)
	if err != nil {
		h.t.Fatalf("open objects channel: %v", err)
	}
	return ch
}

func (h *testHarness) authenticate() {
	if err := h.clientConn.SendAuth("guest", codec.NewUUID(), "tok"); err != nil {
		h.t.Fatalf("send auth: %v", err)
	}
	waitFor(h.t, func() bool { return h.clientConn.AuthState() == mux.Authed })
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
	t.Fatalf("condition not met before deadline")
}

// downTag peeks the leading discriminant byte of a down-channel
// payload without disturbing the rest of the buffer's content for the
// caller, mirroring how a real client would branch before decoding.
func downTag(payload []byte) (byte, *codec.Buffer) {
	b := codec.NewBufferFrom(payload)
	tag, _ := b.ReadInt8()
	return byte(tag), b
}

func TestAuthQueueThenDrain(t *testing.T) {
	h := newHarness(t, 16, 0)
	defer h.close()

	var mu sync.Mutex
	var payloads [][]byte
	ch := h.openObjectsChannel(func(p []byte) {
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	})

	// SUB arrives before AUTH: the session must hold it rather than
	// drop it or apply it against an unauthenticated identity.
	subBuf := codec.NewBuffer()
	if err := proto.EncodeSub(subBuf, ch.EncodeInterner(), proto.SubMsg{Path: h.roomPath}); err != nil {
		t.Fatalf("encode sub: %v", err)
	}
	if err := ch.Send(h.ctx, subBuf.Bytes()); err != nil {
		t.Fatalf("send sub: %v", err)
	}

	// Give the server a moment to (not) process it prematurely.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(payloads) != 0 {
		mu.Unlock()
		t.Fatalf("expected no reply before AUTHED, got %d payloads", len(payloads))
	}
	mu.Unlock()

	h.authenticate()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	})

	mu.Lock()
	tag, b := downTag(payloads[0])
	mu.Unlock()
	if tag != byte(proto.DownSObj) {
		t.Fatalf("expected SOBJ reply, got tag %d", tag)
	}
	snap, err := proto.DecodeSObj(b, ch.DecodeInterner(), h.room.Meta, nil)
	if err != nil {
		t.Fatalf("decode sobj: %v", err)
	}
	if !snap.Path.Equal(h.roomPath) {
		t.Fatalf("sobj path mismatch: %s", snap.Path)
	}
}

func TestSubRefcountingResendsSnapshot(t *testing.T) {
	h := newHarness(t, 16, 0)
	defer h.close()
	h.authenticate()

	var mu sync.Mutex
	var payloads [][]byte
	ch := h.openObjectsChannel(func(p []byte) {
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	})

	sendSub := func() {
		b := codec.NewBuffer()
		if err := proto.EncodeSub(b, ch.EncodeInterner(), proto.SubMsg{Path: h.roomPath}); err != nil {
			t.Fatalf("encode sub: %v", err)
		}
		if err := ch.Send(h.ctx, b.Bytes()); err != nil {
			t.Fatalf("send sub: %v", err)
		}
	}
	sendUnsub := func() {
		b := codec.NewBuffer()
		if err := proto.EncodeUnsub(b, ch.EncodeInterner(), proto.UnsubMsg{Path: h.roomPath}); err != nil {
			t.Fatalf("encode unsub: %v", err)
		}
		if err := ch.Send(h.ctx, b.Bytes()); err != nil {
			t.Fatalf("send unsub: %v", err)
		}
	}

	sendSub()
	sendSub() // second SUB on the same path: refcount 2, resends snapshot

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 2
	})

	// Two unsubs should be tolerated without error; a third (now a
	// no-op, refcount already at zero) must not panic.
	sendUnsub()
	sendUnsub()
	sendUnsub()
	time.Sleep(20 * time.Millisecond)
}

func TestVSubReceivesRowChanges(t *testing.T) {
	h := newHarness(t, 16, 0)
	defer h.close()
	h.authenticate()

	var mu sync.Mutex
	var payloads [][]byte
	ch := h.openObjectsChannel(func(p []byte) {
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	})

	vsubBuf := codec.NewBuffer()
	viewPath := h.roomPath.Child("activeMembers")
	if err := proto.EncodeVSub(vsubBuf, ch.EncodeInterner(), proto.VSubMsg{Path: viewPath}); err != nil {
		t.Fatalf("encode vsub: %v", err)
	}
	if err := ch.Send(h.ctx, vsubBuf.Bytes()); err != nil {
		t.Fatalf("send vsub: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // no rows yet: nothing should arrive

	key := codec.NewUUID()
	taddBuf := codec.NewBuffer()
	rec := codec.Record{Fields: []codec.Field{{Name: "online", Value: codec.BoolValue(true)}}}
	if err := proto.EncodeTAdd(taddBuf, ch.EncodeInterner(), proto.TAddMsg{Path: h.roomPath.Child("members"), Key: key, Data: rec}); err != nil {
		t.Fatalf("encode tadd: %v", err)
	}
	if err := ch.Send(h.ctx, taddBuf.Bytes()); err != nil {
		t.Fatalf("send tadd: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 1
	})
	mu.Lock()
	tag, b := downTag(payloads[0])
	mu.Unlock()
	if tag != byte(proto.DownVSet) {
		t.Fatalf("expected VSET, got tag %d", tag)
	}
	down, err := proto.DecodeDownControl(b, ch.DecodeInterner(), tag)
	if err != nil {
		t.Fatalf("decode vset: %v", err)
	}
	if down.VSet == nil || down.VSet.Key != key {
		t.Fatalf("unexpected vset: %+v", down.VSet)
	}

	// Re-adding the same key must be rejected (never silently TSET)
	// and reported as TErr, not a second VSET.
	taddBuf2 := codec.NewBuffer()
	if err := proto.EncodeTAdd(taddBuf2, ch.EncodeInterner(), proto.TAddMsg{Path: h.roomPath.Child("members"), Key: key, Data: rec}); err != nil {
		t.Fatalf("encode tadd2: %v", err)
	}
	if err := ch.Send(h.ctx, taddBuf2.Bytes()); err != nil {
		t.Fatalf("send tadd2: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(payloads) == 2
	})
	mu.Lock()
	tag2, b2 := downTag(payloads[1])
	mu.Unlock()
	if tag2 != byte(proto.DownTErr) {
		t.Fatalf("expected TERR on collision, got tag %d", tag2)
	}
	down2, err := proto.DecodeDownControl(b2, ch.DecodeInterner(), tag2)
	if err != nil {
		t.Fatalf("decode terr: %v", err)
	}
	if down2.TErr == nil || down2.TErr.Key != key {
		t.Fatalf("unexpected terr: %+v", down2.TErr)
	}
}

func TestPostDispatchesToQueueHandler(t *testing.T) {
	h := newHarness(t, 16, 0)
	defer h.close()
	h.authenticate()

	ch := h.openObjectsChannel(func([]byte) {})

	postBuf := codec.NewBuffer()
	msg := codec.DataValueOf(codec.DataValue{TypeID: codec.TypeID(codec.KindString), Inner: codec.StringValue("hello")})
	if err := proto.EncodePost(postBuf, ch.EncodeInterner(), proto.PostMsg{Path: h.roomPath.Child("chatq"), Msg: msg}); err != nil {
		t.Fatalf("encode post: %v", err)
	}
	if err := ch.Send(h.ctx, postBuf.Bytes()); err != nil {
		t.Fatalf("send post: %v", err)
	}

	select {
	case got := <-h.postedCh:
		if got.Data() == nil || got.Data().Inner.AsString() != "hello" {
			t.Fatalf("unexpected posted message: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queue handler never invoked")
	}
}

func TestAuthRejectionClosesConnection(t *testing.T) {
	h := newHarness(t, 16, 0)
	h.validator.reject = true
	defer h.close()

	if err := h.clientConn.SendAuth("guest", codec.NewUUID(), "bad-token"); err != nil {
		t.Fatalf("send auth: %v", err)
	}

	ctx, cancel := context.WithTimeout(h.ctx, time.Second)
	defer cancel()
	_, err := h.clientConn.OpenChannel(ctx, "objects", codec.Root(), func([]byte) {})
	if err == nil {
		t.Fatal("expected open to fail once the connection is closed after a rejected auth")
	}
}

func TestDisconnectReleasesSubscriptions(t *testing.T) {
	h := newHarness(t, 16, 0)
	h.authenticate()

	ch := h.openObjectsChannel(func([]byte) {})
	subBuf := codec.NewBuffer()
	if err := proto.EncodeSub(subBuf, ch.EncodeInterner(), proto.SubMsg{Path: h.roomPath}); err != nil {
		t.Fatalf("encode sub: %v", err)
	}
	if err := ch.Send(h.ctx, subBuf.Bytes()); err != nil {
		t.Fatalf("send sub: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	h.close() // drops the transport; Session.Run's releaseAll must not panic

	// A broadcast after the session has released its subscription
	// should no longer reach anything registered on its behalf; the
	// only externally observable guarantee is that applying a system
	// write against the still-live object doesn't panic or block.
	err := h.room.ApplyLocalSystemWrite(proto.SyncMsg{PropIndex: 0, Op: proto.OpValSet, Val: codec.StringValue("lobby")})
	if err != nil {
		t.Fatalf("apply after disconnect: %v", err)
	}
}

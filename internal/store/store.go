// Package store is the client-side counterpart to internal/session: it
// resolves object and view paths into live, reconnect-surviving handles,
// multiplexing every resolved path over one transport connection and
// re-subscribing everything whenever that connection is replaced.
//
// Built the same way a per-connection lifecycle manager handles
// disconnect/cleanup, generalized from server-side teardown to
// client-side reconnect, with resubscribe bursts throttled by a
// golang.org/x/time/rate token bucket generalized from inbound request
// throttling to outbound use — there is no off-the-shelf
// client-reconnect example, so the backoff loop itself is built fresh
// in the same structured-logging, guarded-teardown idiom. The
// per-path handle that survives a reconnect is reactive.SwitchMap
// (internal/reactive/derive.go), whose doc comment names this exact
// use.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/mux"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
	"github.com/foldsync/core/internal/reactive"
	"github.com/foldsync/core/internal/transport"
)

// Dialer opens a fresh physical connection on every (re)connect attempt.
type Dialer func(ctx context.Context) (transport.Conn, error)

// Config controls reconnect pacing. Zero values take the defaults below.
type Config struct {
	AuthSource string
	AuthID     codec.UUID
	AuthToken  string

	// MinBackoff/MaxBackoff bound the reconnect delay's exponential
	// growth. MaxBackoff defaults to 512s (2^9).
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// ResubscribeRate/ResubscribeBurst bound how fast a reconnect
	// replays SUB/VSUB for every path the store was already holding, so
	// a client holding hundreds of paths paces its replay instead of
	// sending every SUB/VSUB in one burst.
	ResubscribeRate  rate.Limit
	ResubscribeBurst int
}

func (c Config) withDefaults() Config {
	if c.MinBackoff <= 0 {
		c.MinBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 512 * time.Second
	}
	if c.ResubscribeRate <= 0 {
		c.ResubscribeRate = 50
	}
	if c.ResubscribeBurst <= 0 {
		c.ResubscribeBurst = 20
	}
	return c
}

// pathSub is the store's bookkeeping for one resolved path: a refcount
// of live Handles plus the outer cell SwitchMap flattens through.
type pathSub struct {
	path   codec.Path
	kind   subKind
	meta   *objects.TypeMeta // object subs only
	refs   int
	outer  *reactive.Value[*shadowObject]
	vouter *reactive.Value[*shadowView]
}

type subKind uint8

const (
	subObject subKind = iota
	subView
)

// Handle is a live, reconnect-surviving reference to one resolved path.
// Release must be called exactly once per Resolve/ResolveView call.
type Handle struct {
	Path    codec.Path
	State   *reactive.Value[ObjectState]
	Release func()
}

// ViewHandle is the view analogue of Handle.
type ViewHandle struct {
	Path    codec.Path
	State   *reactive.Value[ViewState]
	Release func()
}

// Store owns one logical client connection: it dials,
// authenticates, opens the object-subscription channel, resubscribes
// every held path, and reconnects with backoff on disconnect for as
// long as Run's context stays alive.
type Store struct {
	dial   Dialer
	cfg    Config
	logger zerolog.Logger

	resubLimiter *rate.Limiter

	mu   sync.Mutex
	conn *mux.Connection
	ch   *mux.Channel
	subs map[string]*pathSub
}

// New constructs a Store. Run must be called (typically in its own
// goroutine) to actually dial and maintain the connection; Resolve/
// ResolveView may be called before Run starts or at any point after —
// a path resolved while disconnected simply queues until the next
// successful (re)connect, the same way the session's own pending-
// until-authed queue holds early SUBs.
func New(dial Dialer, cfg Config, logger zerolog.Logger) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		dial:         dial,
		cfg:          cfg,
		logger:       logger,
		resubLimiter: rate.NewLimiter(cfg.ResubscribeRate, cfg.ResubscribeBurst),
		subs:         make(map[string]*pathSub),
	}
}

// Run dials and re-dials until ctx is cancelled, applying exponential
// backoff between attempts. It returns only when ctx is done.
func (s *Store) Run(ctx context.Context) error {
	backoff := s.cfg.MinBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("store connection lost, reconnecting")
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

func (s *Store) connectOnce(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("store: dial failed: %w", err)
	}
	mc := mux.NewConnection(conn)

	var ch *mux.Channel
	ch, err = mc.OpenChannel(ctx, "objects", codec.Root(), func(payload []byte) {
		s.handleDownPayload(ch, payload)
	})
	if err != nil {
		_ = mc.Close()
		return fmt.Errorf("store: open objects channel failed: %w", err)
	}

	if err := mc.SendAuth(s.cfg.AuthSource, s.cfg.AuthID, s.cfg.AuthToken); err != nil {
		_ = mc.Close()
		return fmt.Errorf("store: send auth failed: %w", err)
	}

	s.mu.Lock()
	s.conn = mc
	s.ch = ch
	subsSnapshot := s.swapShadowsLocked()
	s.mu.Unlock()

	s.logger.Info().Str("remote", conn.RemoteAddr()).Int("paths", len(subsSnapshot)).Msg("store connected, resubscribing")
	for _, sub := range subsSnapshot {
		if err := s.resubLimiter.Wait(ctx); err != nil {
			_ = mc.Close()
			return err
		}
		switch sub.kind {
		case subObject:
			s.sendSub(ch, sub)
		case subView:
			s.sendVSub(ch, sub)
		}
	}

	return mc.Run(ctx)
}

// swapShadowsLocked replaces every held path's shadow with a fresh one
// for the new connection generation. Must hold s.mu.
func (s *Store) swapShadowsLocked() []*pathSub {
	subs := make([]*pathSub, 0, len(s.subs))
	for _, sub := range s.subs {
		switch sub.kind {
		case subObject:
			sub.outer.Update(newShadowObject(sub.path, sub.meta))
		case subView:
			sub.vouter.Update(newShadowView(sub.path))
		}
		subs = append(subs, sub)
	}
	return subs
}

// Resolve returns a Handle for path, whose State cell survives
// reconnects by swapping the underlying shadow object via
// reactive.SwitchMap. meta must match the type actually hosted at path
// server-side; a mismatch surfaces as sync messages the shadow silently
// drops (unknown property index), not a decode error.
func (s *Store) Resolve(path codec.Path, meta *objects.TypeMeta) *Handle {
	key := path.String()
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		shadow := newShadowObject(path, meta)
		sub = &pathSub{path: path, kind: subObject, meta: meta, outer: reactive.NewValue(shadow, nil)}
		s.subs[key] = sub
		s.sendSubLocked(sub)
	}
	sub.refs++
	s.mu.Unlock()

	derived := reactive.SwitchMap(sub.outer, func(sh *shadowObject) *reactive.Value[ObjectState] { return sh.cell }, objectStateEqual)
	released := false
	return &Handle{
		Path:  path,
		State: derived,
		Release: func() {
			if released {
				return
			}
			released = true
			s.release(key)
		},
	}
}

// ResolveView is the view analogue of Resolve.
func (s *Store) ResolveView(path codec.Path) *ViewHandle {
	key := path.String()
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		shadow := newShadowView(path)
		sub = &pathSub{path: path, kind: subView, vouter: reactive.NewValue(shadow, nil)}
		s.subs[key] = sub
		s.sendVSubLocked(sub)
	}
	sub.refs++
	s.mu.Unlock()

	derived := reactive.SwitchMap(sub.vouter, func(sh *shadowView) *reactive.Value[ViewState] { return sh.cell }, viewStateEqual)
	released := false
	return &ViewHandle{
		Path:  path,
		State: derived,
		Release: func() {
			if released {
				return
			}
			released = true
			s.releaseView(key)
		},
	}
}

func (s *Store) sendSubLocked(sub *pathSub) {
	if s.ch == nil {
		return
	}
	s.sendSub(s.ch, sub)
}

func (s *Store) sendVSubLocked(sub *pathSub) {
	if s.ch == nil {
		return
	}
	s.sendVSub(s.ch, sub)
}

func (s *Store) sendSub(ch *mux.Channel, sub *pathSub) {
	b := codec.NewBuffer()
	if err := proto.EncodeSub(b, ch.EncodeInterner(), proto.SubMsg{Path: sub.path}); err != nil {
		s.logger.Warn().Err(err).Str("path", sub.path.String()).Msg("encode sub failed")
		return
	}
	if err := ch.Send(context.Background(), b.Bytes()); err != nil {
		s.logger.Warn().Err(err).Str("path", sub.path.String()).Msg("send sub failed")
	}
}

func (s *Store) sendVSub(ch *mux.Channel, sub *pathSub) {
	b := codec.NewBuffer()
	if err := proto.EncodeVSub(b, ch.EncodeInterner(), proto.VSubMsg{Path: sub.path}); err != nil {
		s.logger.Warn().Err(err).Str("path", sub.path.String()).Msg("encode vsub failed")
		return
	}
	if err := ch.Send(context.Background(), b.Bytes()); err != nil {
		s.logger.Warn().Err(err).Str("path", sub.path.String()).Msg("send vsub failed")
	}
}

// release drops one ref on key, sending UNSUB on the CURRENT channel
// (read fresh here, not whatever channel was live when the handle was
// resolved) if that was the last one — a reconnect between Resolve and
// Release must not make the teardown message target a dead connection
// generation's channel.
func (s *Store) release(key string) {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.refs--
	last := sub.refs <= 0
	if last {
		delete(s.subs, key)
	}
	ch := s.ch
	s.mu.Unlock()
	if last && ch != nil {
		b := codec.NewBuffer()
		if err := proto.EncodeUnsub(b, ch.EncodeInterner(), proto.UnsubMsg{Path: sub.path}); err == nil {
			_ = ch.Send(context.Background(), b.Bytes())
		}
	}
}

func (s *Store) releaseView(key string) {
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.refs--
	last := sub.refs <= 0
	if last {
		delete(s.subs, key)
	}
	ch := s.ch
	s.mu.Unlock()
	if last && ch != nil {
		b := codec.NewBuffer()
		if err := proto.EncodeVUnsub(b, ch.EncodeInterner(), proto.VUnsubMsg{Path: sub.path}); err == nil {
			_ = ch.Send(context.Background(), b.Bytes())
		}
	}
}

// Post sends a one-way message to a queue property, bypassing the
// resolve/handle machinery entirely since queue posts carry no
// client-visible reply state.
func (s *Store) Post(path codec.Path, msg codec.Value) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("store: not connected")
	}
	b := codec.NewBuffer()
	if err := proto.EncodePost(b, ch.EncodeInterner(), proto.PostMsg{Path: path, Msg: msg}); err != nil {
		return err
	}
	return ch.Send(context.Background(), b.Bytes())
}

func (s *Store) lookup(key string) (*pathSub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	return sub, ok
}

// handleDownPayload decodes one payload received on the objects channel
// and applies it to whichever shadow owns its path. Unlike the session's
// up-message dispatch, a DownSObj here needs the resolving pathSub's
// type metadata before its property list can be decoded, so the path is
// read once directly off the shared channel interner (decoding it again
// through proto.DecodeSObj would double-consume interned references)
// and the remaining property entries are decoded inline, mirroring
// proto.decodePropValue (unexported there) against the resolved meta.
func (s *Store) handleDownPayload(ch *mux.Channel, payload []byte) {
	b := codec.NewBufferFrom(payload)
	tagB, err := b.ReadInt8()
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed down payload, dropping")
		return
	}
	tag := byte(tagB)

	if tag == byte(proto.DownSObj) {
		s.handleSObj(ch, b)
		return
	}
	if proto.IsSyncTag(tag) {
		s.handleSyncPayload(ch, b, proto.SyncOp(tag))
		return
	}
	s.handleDownControl(ch, b, tag)
}

func (s *Store) handleSObj(ch *mux.Channel, b *codec.Buffer) {
	path, err := ch.DecodeInterner().DecodePath(b)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed sobj path, dropping")
		return
	}
	sub, ok := s.lookup(path.String())
	if !ok || sub.kind != subObject {
		s.logger.Debug().Str("path", path.String()).Msg("sobj for unresolved path, dropping")
		return
	}
	entries, err := decodeSnapshotProps(b, sub.meta)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path.String()).Msg("malformed sobj body, dropping")
		return
	}
	sub.outer.Get().applySnapshot(entries)
}

// decodeSnapshotProps reads an SObjMsg's property list given the
// already-resolved type metadata, duplicating proto's own (unexported)
// decodePropValue since DecodeSObj cannot be reused here without
// decoding path twice through the same stateful interner.
func decodeSnapshotProps(b *codec.Buffer, meta *objects.TypeMeta) ([]proto.SnapshotEntry, error) {
	const snapshotEnd = 255
	var props []proto.SnapshotEntry
	for {
		idxb, err := b.ReadSize8()
		if err != nil {
			return nil, err
		}
		if idxb == snapshotEnd {
			break
		}
		prop, ok := meta.ByIndex(int(idxb))
		if !ok {
			return nil, fmt.Errorf("store: snapshot property index %d out of range for type %q", idxb, meta.Name)
		}
		var v codec.Value
		switch prop.Kind {
		case objects.PropValue:
			v, err = codec.DecodeTyped(b, prop.VType, nil)
		case objects.PropSet:
			v, err = codec.DecodeSet(b, prop.EType, nil)
		case objects.PropMap:
			v, err = codec.DecodeMap(b, prop.KType, prop.MType, nil)
		default:
			return nil, fmt.Errorf("store: property %q (kind %s) is not snapshot-scalar", prop.Name, prop.Kind)
		}
		if err != nil {
			return nil, err
		}
		props = append(props, proto.SnapshotEntry{PropIndex: int(idxb), Val: v})
	}
	return props, nil
}

func (s *Store) handleSyncPayload(ch *mux.Channel, b *codec.Buffer, op proto.SyncOp) {
	hdr, err := proto.DecodeSyncHeader(b, ch.DecodeInterner(), op)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed sync header, dropping")
		return
	}
	sub, ok := s.lookup(hdr.Path.String())
	if !ok || sub.kind != subObject {
		return
	}
	shadow := sub.outer.Get()
	prop, ok := shadow.meta.ByIndex(hdr.PropIndex)
	if !ok {
		return
	}
	msg, err := proto.DecodeSyncValue(b, hdr, valueKind(prop), keyKind(prop), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", hdr.Path.String()).Msg("malformed sync value, dropping")
		return
	}
	shadow.applySync(msg)
}

func valueKind(p *objects.PropMeta) codec.Kind {
	if p.Kind == objects.PropSet {
		return p.EType
	}
	if p.Kind == objects.PropMap {
		return p.MType
	}
	return p.VType
}

func keyKind(p *objects.PropMeta) codec.Kind {
	if p.Kind == objects.PropMap {
		return p.KType
	}
	return codec.KindBool
}

func (s *Store) handleDownControl(ch *mux.Channel, b *codec.Buffer, tag byte) {
	// VSet/VDel need no metadata to decode, so the shared decoder
	// suffices (unlike DownSObj above). TErr/SErr reach here too but
	// the store only needs to surface them on the owning shadow.
	msg, err := proto.DecodeDownControl(b, ch.DecodeInterner(), tag)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed down control, dropping")
		return
	}
	switch {
	case msg.SErr != nil:
		if sub, ok := s.lookup(msg.SErr.Path.String()); ok && sub.kind == subObject {
			sub.outer.Get().applyErr(msg.SErr.Cause)
		}
	case msg.VSet != nil:
		if sub, ok := s.lookup(msg.VSet.Path.String()); ok && sub.kind == subView {
			sub.vouter.Get().applySet(msg.VSet.Key, msg.VSet.Data)
		}
	case msg.VDel != nil:
		if sub, ok := s.lookup(msg.VDel.Path.String()); ok && sub.kind == subView {
			sub.vouter.Get().applyDel(msg.VDel.Key)
		}
	case msg.VErr != nil:
		if sub, ok := s.lookup(msg.VErr.Path.String()); ok && sub.kind == subView {
			sub.vouter.Get().applyErr(msg.VErr.Cause)
		}
	case msg.TErr != nil:
		s.logger.Debug().Str("path", msg.TErr.Path.String()).Str("cause", msg.TErr.Cause).Msg("table mutation rejected")
	}
}

// Close tears down the current physical connection, if any. Run's
// backoff loop will observe ctx.Done() (the caller is expected to
// cancel Run's context alongside calling Close) rather than reconnect.
func (s *Store) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

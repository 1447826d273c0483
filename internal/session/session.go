// Package session owns the per-connection server-side state a
// multiplexed object-subscription channel rides on: the pending-until-
// authed queue, the refcounted subscription registry, and the dispatch
// table for every up-message type.
//
// Built the same way a per-connection client/connection-pool state
// shape is, with a type-switch dispatch loop generalized from "one
// flat JSON message type" to the wire's up-message union.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/engine"
	"github.com/foldsync/core/internal/mux"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
)

// AuthValidator authenticates an inbound AUTH message, producing the
// Auth identity the session presents to every object's access-control
// hooks for the remainder of the connection.
type AuthValidator interface {
	Validate(ctx context.Context, msg proto.AuthMsg) (objects.Auth, error)
}

// Resolver resolves a path to the live engine.Object that owns it,
// instantiating it on first subscription if necessary. This is the
// session's only dependency on wherever objects actually live (an
// in-memory tree, a persistence-backed store, etc.) — see
// internal/datastore for a concrete implementation.
type Resolver interface {
	Resolve(ctx context.Context, auth objects.Auth, path codec.Path) (*engine.Object, error)
}

// subscription tracks one object-level SUB, refcounted because
// multiple local handles (e.g. a view's owning object plus a direct
// subscription) may resolve to the same path.
type subscription struct {
	obj      *engine.Object
	subID    uint64
	refcount int
}

// viewSubscription mirrors subscription for VSUB/VUNSUB.
type viewSubscription struct {
	view     *engine.ViewState
	subID    uint64
	refcount int
}

// Session is one authenticated (or authenticating) connection's
// server-side object-protocol state machine. One Session exists per
// mux.Connection; it owns exactly one "objects"-typed channel, opened
// by the peer.
type Session struct {
	conn      *mux.Connection
	validator AuthValidator
	resolver  Resolver
	logger    zerolog.Logger

	authQueueCap  int
	authQueueWait time.Duration

	mu           sync.Mutex
	ch           *mux.Channel
	auth         objects.Auth
	authed       bool
	pending      [][]byte
	subs         map[string]*subscription
	viewSubs     map[string]*viewSubscription
	nextSubID    uint64
	authDeadline *time.Timer
}

// New wires validator and resolver onto conn's meta channel and
// object-channel OpenHandler. Call Run to start serving.
func New(conn *mux.Connection, validator AuthValidator, resolver Resolver, logger zerolog.Logger, authQueueCap int, authQueueWait time.Duration) *Session {
	if authQueueCap <= 0 {
		authQueueCap = 256
	}
	s := &Session{
		conn:          conn,
		validator:     validator,
		resolver:      resolver,
		logger:        logger,
		authQueueCap:  authQueueCap,
		authQueueWait: authQueueWait,
		subs:          make(map[string]*subscription),
		viewSubs:      make(map[string]*viewSubscription),
	}
	conn.OnAuthRequest(s.handleAuthRequest)
	conn.SetOpenHandler(s.handleOpen)
	return s
}

// Run drives the underlying connection until it closes, then releases
// every subscription this session held.
func (s *Session) Run(ctx context.Context) error {
	err := s.conn.Run(ctx)
	s.releaseAll()
	return err
}

func (s *Session) handleAuthRequest(m proto.AuthMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	auth, err := s.validator.Validate(ctx, m)
	if err != nil {
		s.logger.Warn().Str("remote", s.conn.RemoteAddr()).Err(err).Msg("auth rejected, closing connection")
		_ = s.conn.Close()
		return
	}

	s.mu.Lock()
	s.auth = auth
	s.authed = true
	if s.authDeadline != nil {
		s.authDeadline.Stop()
	}
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	if err := s.conn.SendAuthed(auth.ID); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send AUTHED")
		return
	}
	for _, payload := range queued {
		s.dispatch(payload)
	}
}

func (s *Session) handleOpen(ch *mux.Channel) (bool, func([]byte)) {
	if ch.CType != "objects" {
		return false, nil
	}
	s.mu.Lock()
	s.ch = ch
	if !s.authed && s.authQueueWait > 0 {
		s.authDeadline = time.AfterFunc(s.authQueueWait, func() {
			s.logger.Warn().Str("remote", s.conn.RemoteAddr()).Msg("authentication not received within deadline, closing")
			_ = s.conn.Close()
		})
	}
	s.mu.Unlock()
	return true, s.handlePayload
}

// handlePayload is the channel's OnPayload: everything arriving before
// AUTHED is held in a bounded queue and drained in order once
// authentication completes.
func (s *Session) handlePayload(payload []byte) {
	s.mu.Lock()
	if !s.authed {
		if len(s.pending) >= s.authQueueCap {
			s.mu.Unlock()
			s.logger.Warn().Str("remote", s.conn.RemoteAddr()).Msg("pending-until-authed queue full, dropping message")
			return
		}
		s.pending = append(s.pending, payload)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.dispatch(payload)
}

func (s *Session) dispatch(payload []byte) {
	b := codec.NewBufferFrom(payload)
	tag, err := proto.PeekUpTag(b)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed up message, dropping")
		return
	}
	if proto.IsSyncTag(tag) {
		s.dispatchSync(b, proto.SyncOp(tag))
		return
	}
	msg, err := proto.DecodeUpControl(b, s.ch.DecodeInterner(), tag)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed up control message, dropping")
		return
	}
	switch {
	case msg.Sub != nil:
		s.handleSub(*msg.Sub)
	case msg.Unsub != nil:
		s.handleUnsub(*msg.Unsub)
	case msg.VSub != nil:
		s.handleVSub(*msg.VSub)
	case msg.VUnsub != nil:
		s.handleVUnsub(*msg.VUnsub)
	case msg.TAdd != nil:
		s.handleTAdd(*msg.TAdd)
	case msg.TSet != nil:
		s.handleTSet(*msg.TSet)
	case msg.TDel != nil:
		s.handleTDel(*msg.TDel)
	case msg.Post != nil:
		s.handlePost(*msg.Post)
	}
}

func (s *Session) dispatchSync(b *codec.Buffer, op proto.SyncOp) {
	hdr, err := proto.DecodeSyncHeader(b, s.ch.DecodeInterner(), op)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed sync header, dropping")
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[hdr.Path.String()]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("path", hdr.Path.String()).Msg("sync for unknown subscription, dropping")
		return
	}

	prop, ok := sub.obj.Meta.ByIndex(hdr.PropIndex)
	if !ok {
		s.logger.Warn().Str("path", hdr.Path.String()).Int("prop", hdr.PropIndex).Msg("sync targets unknown property, dropping")
		return
	}
	msg, err := proto.DecodeSyncValue(b, hdr, valueKind(prop), keyKind(prop), sub.obj.Reg)
	if err != nil {
		s.logger.Warn().Err(err).Msg("malformed sync value, dropping")
		return
	}
	if err := sub.obj.ApplySync(msg, s.currentAuth(), sub.subID); err != nil {
		s.logger.Debug().Err(err).Str("path", hdr.Path.String()).Msg("sync application rejected")
	}
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
	return codec.KindUUID
}

func (s *Session) currentAuth() objects.Auth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func (s *Session) nextID() uint64 {
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	s.mu.Unlock()
	return id
}

func (s *Session) sendOnChannel(encode func(*codec.Buffer) error) {
	b := codec.NewBuffer()
	if err := encode(b); err != nil {
		s.logger.Warn().Err(err).Msg("encode failed, dropping outbound message")
		return
	}
	if err := s.ch.Send(context.Background(), b.Bytes()); err != nil {
		s.logger.Warn().Err(err).Msg("send failed")
	}
}

func (s *Session) handleSub(m proto.SubMsg) {
	key := m.Path.String()
	s.mu.Lock()
	if existing, ok := s.subs[key]; ok {
		existing.refcount++
		auth := s.auth
		s.mu.Unlock()
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeSObj(b, s.ch.EncodeInterner(), existing.obj.Snapshot(auth))
		})
		return
	}
	auth := s.auth
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obj, err := s.resolver.Resolve(ctx, auth, m.Path)
	if err != nil {
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeSErr(b, s.ch.EncodeInterner(), proto.SErrMsg{Path: m.Path, Cause: err.Error()})
		})
		return
	}

	sub := &subscriberAdapter{id: s.nextID(), auth: auth, ch: s.ch, logger: s.logger}
	snap, err := obj.Subscribe(sub)
	if err != nil {
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeSErr(b, s.ch.EncodeInterner(), proto.SErrMsg{Path: m.Path, Cause: err.Error()})
		})
		return
	}

	s.mu.Lock()
	s.subs[key] = &subscription{obj: obj, subID: sub.id, refcount: 1}
	s.mu.Unlock()

	s.sendOnChannel(func(b *codec.Buffer) error {
		return proto.EncodeSObj(b, s.ch.EncodeInterner(), snap)
	})
}

func (s *Session) handleUnsub(m proto.UnsubMsg) {
	key := m.Path.String()
	s.mu.Lock()
	sub, ok := s.subs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.refcount--
	if sub.refcount <= 0 {
		delete(s.subs, key)
	}
	s.mu.Unlock()
	if sub.refcount <= 0 {
		sub.obj.Unsubscribe(sub.subID)
	}
}

func (s *Session) handleVSub(m proto.VSubMsg) {
	key := m.Path.String()
	s.mu.Lock()
	if existing, ok := s.viewSubs[key]; ok {
		existing.refcount++
		s.mu.Unlock()
		s.sendViewSnapshot(m.Path, existing.view)
		return
	}
	auth := s.auth
	s.mu.Unlock()

	name, _, _ := m.Path.Last()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	owner, err := s.resolver.Resolve(ctx, auth, m.Path.Parent())
	if err != nil {
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeVErr(b, s.ch.EncodeInterner(), proto.VErrMsg{Path: m.Path, Cause: err.Error()})
		})
		return
	}
	prop, ok := owner.Meta.ByName(name)
	if !ok || prop.Kind != objects.PropView {
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeVErr(b, s.ch.EncodeInterner(), proto.VErrMsg{Path: m.Path, Cause: fmt.Sprintf("no such view %q", name)})
		})
		return
	}
	if !owner.Hooks.CanSubscribe(auth) {
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeVErr(b, s.ch.EncodeInterner(), proto.VErrMsg{Path: m.Path, Cause: "subscribe denied"})
		})
		return
	}
	view, ok := owner.View(prop.Index)
	if !ok {
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeVErr(b, s.ch.EncodeInterner(), proto.VErrMsg{Path: m.Path, Cause: "view not bound"})
		})
		return
	}

	sub := &subscriberAdapter{id: s.nextID(), auth: auth, ch: s.ch, logger: s.logger}
	view.Subscribe(sub)

	s.mu.Lock()
	s.viewSubs[key] = &viewSubscription{view: view, subID: sub.id, refcount: 1}
	s.mu.Unlock()

	s.sendViewSnapshot(m.Path, view)
}

func (s *Session) sendViewSnapshot(path codec.Path, view *engine.ViewState) {
	for _, row := range view.OrderedRows() {
		row := row
		s.sendOnChannel(func(b *codec.Buffer) error {
			return proto.EncodeVSet(b, s.ch.EncodeInterner(), proto.VSetMsg{Path: path, Key: row.Key, Data: row.Record})
		})
	}
}

func (s *Session) handleVUnsub(m proto.VUnsubMsg) {
	key := m.Path.String()
	s.mu.Lock()
	sub, ok := s.viewSubs[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.refcount--
	if sub.refcount <= 0 {
		delete(s.viewSubs, key)
	}
	s.mu.Unlock()
	if sub.refcount <= 0 {
		sub.view.Unsubscribe(sub.subID)
	}
}

func (s *Session) resolveTableProp(path codec.Path) (*engine.Object, *objects.PropMeta, error) {
	name, _, _ := path.Last()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	owner, err := s.resolver.Resolve(ctx, s.currentAuth(), path.Parent())
	if err != nil {
		return nil, nil, err
	}
	prop, ok := owner.Meta.ByName(name)
	if !ok || prop.Kind != objects.PropTable {
		return nil, nil, fmt.Errorf("no such table %q", name)
	}
	return owner, prop, nil
}

func (s *Session) handleTAdd(m proto.TAddMsg) {
	owner, prop, err := s.resolveTableProp(m.Path)
	if err != nil {
		s.sendTErr(m.Path, m.Key, err)
		return
	}
	if err := owner.TableAdd(prop.Index, m.Key, m.Data, s.currentAuth()); err != nil {
		s.sendTErr(m.Path, m.Key, err)
	}
}

func (s *Session) handleTSet(m proto.TSetMsg) {
	owner, prop, err := s.resolveTableProp(m.Path)
	if err != nil {
		s.sendTErr(m.Path, m.Key, err)
		return
	}
	if err := owner.TableSet(prop.Index, m.Key, m.Data, m.Merge, s.currentAuth()); err != nil {
		s.sendTErr(m.Path, m.Key, err)
	}
}

func (s *Session) handleTDel(m proto.TDelMsg) {
	owner, prop, err := s.resolveTableProp(m.Path)
	if err != nil {
		s.sendTErr(m.Path, m.Key, err)
		return
	}
	if err := owner.TableDel(prop.Index, m.Key, s.currentAuth()); err != nil {
		s.sendTErr(m.Path, m.Key, err)
	}
}

func (s *Session) sendTErr(path codec.Path, key codec.UUID, cause error) {
	s.sendOnChannel(func(b *codec.Buffer) error {
		return proto.EncodeTErr(b, s.ch.EncodeInterner(), proto.TErrMsg{Path: path, Key: key, Cause: cause.Error()})
	})
}

func (s *Session) handlePost(m proto.PostMsg) {
	name, _, _ := m.Path.Last()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	owner, err := s.resolver.Resolve(ctx, s.currentAuth(), m.Path.Parent())
	if err != nil {
		s.logger.Debug().Err(err).Str("path", m.Path.String()).Msg("post to unresolvable object, dropping")
		return
	}
	prop, ok := owner.Meta.ByName(name)
	if !ok || prop.Kind != objects.PropQueue {
		s.logger.Debug().Str("path", m.Path.String()).Msg("post to non-queue property, dropping")
		return
	}
	if !owner.Post(prop.Index, s.currentAuth(), m.Msg) {
		s.logger.Warn().Str("path", m.Path.String()).Msg("queue saturated, post dropped")
	}
}

// releaseAll unwinds every subscription this session holds, called
// once on disconnect.
func (s *Session) releaseAll() {
	s.mu.Lock()
	subs := s.subs
	viewSubs := s.viewSubs
	s.subs = make(map[string]*subscription)
	s.viewSubs = make(map[string]*viewSubscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.obj.Unsubscribe(sub.subID)
	}
	for _, vs := range viewSubs {
		vs.view.Unsubscribe(vs.subID)
	}
}

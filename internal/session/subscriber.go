package session

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/mux"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
)

// subscriberAdapter implements engine.Subscriber by encoding and
// sending outbound sync/view traffic over a specific mux.Channel. One
// instance exists per SUB or VSUB a session makes, so a disconnect's
// unsubscribe path can target exactly the object/view it was attached
// to without reaching back into the session itself.
type subscriberAdapter struct {
	id     uint64
	auth   objects.Auth
	ch     *mux.Channel
	logger zerolog.Logger
}

func (s *subscriberAdapter) ID() uint64         { return s.id }
func (s *subscriberAdapter) Auth() objects.Auth { return s.auth }

func (s *subscriberAdapter) NotifySync(m proto.SyncMsg) {
	b := codec.NewBuffer()
	if err := proto.EncodeSync(b, s.ch.EncodeInterner(), m); err != nil {
		s.logger.Warn().Err(err).Msg("encode sync failed, dropping")
		return
	}
	if err := s.ch.Send(context.Background(), b.Bytes()); err != nil {
		s.logger.Warn().Err(err).Msg("send sync failed")
	}
}

func (s *subscriberAdapter) NotifyVSet(m proto.VSetMsg) {
	b := codec.NewBuffer()
	if err := proto.EncodeVSet(b, s.ch.EncodeInterner(), m); err != nil {
		s.logger.Warn().Err(err).Msg("encode vset failed, dropping")
		return
	}
	if err := s.ch.Send(context.Background(), b.Bytes()); err != nil {
		s.logger.Warn().Err(err).Msg("send vset failed")
	}
}

func (s *subscriberAdapter) NotifyVDel(m proto.VDelMsg) {
	b := codec.NewBuffer()
	if err := proto.EncodeVDel(b, s.ch.EncodeInterner(), m); err != nil {
		s.logger.Warn().Err(err).Msg("encode vdel failed, dropping")
		return
	}
	if err := s.ch.Send(context.Background(), b.Bytes()); err != nil {
		s.logger.Warn().Err(err).Msg("send vdel failed")
	}
}

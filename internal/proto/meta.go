// Package proto defines the wire message unions riding over the meta
// channel and over per-connection object-subscription channels. Decorator-driven, string-type-tagged polymorphic
// dispatch is replaced throughout by explicit Go struct
// types plus a small integer discriminant, so an unrecognized wire
// type fails decode loudly instead of falling through to a default.
package proto

import (
	"fmt"

	"github.com/foldsync/core/internal/codec"
)

// MetaType discriminates the fixed meta-channel message union.
type MetaType uint8

const (
	MetaAuth MetaType = iota
	MetaAuthed
	MetaOpen
	MetaReady
	MetaFailed
	MetaClose
)

// AuthMsg is sent client -> server on channel 0 to authenticate.
type AuthMsg struct {
	Source string
	ID     codec.UUID
	Token  string
}

// AuthedMsg is sent server -> client once a validator accepts an AuthMsg.
type AuthedMsg struct {
	ID codec.UUID
}

// OpenMsg is sent by a channel's initiator to request a new channel.
type OpenMsg struct {
	ID    uint16
	CType string
	CPath codec.Path
}

// ReadyMsg is sent by the peer once it has accepted an OpenMsg.
type ReadyMsg struct {
	ID       uint16
	RemoteID uint16
}

// FailedMsg is sent by the peer in place of ReadyMsg when it does not
// accept an OPEN: no handler is registered, no local channel id is
// free, or the handler refuses the channel.
type FailedMsg struct {
	ID    uint16
	Cause string
}

// CloseMsg tears a channel down from either direction.
type CloseMsg struct {
	ID uint16
}

// EncodeAuth writes int8(MetaAuth) | string source | uuid id | string token.
func EncodeAuth(b *codec.Buffer, m AuthMsg) error {
	b.WriteInt8(int8(MetaAuth))
	if err := b.WriteString(m.Source); err != nil {
		return err
	}
	b.WriteUUID(m.ID)
	return b.WriteString(m.Token)
}

func EncodeAuthed(b *codec.Buffer, m AuthedMsg) {
	b.WriteInt8(int8(MetaAuthed))
	b.WriteUUID(m.ID)
}

func EncodeOpen(b *codec.Buffer, m OpenMsg) error {
	b.WriteInt8(int8(MetaOpen))
	b.WriteSize16(m.ID)
	if err := b.WriteString(m.CType); err != nil {
		return err
	}
	return m.CPath.WriteLiteral(b)
}

func EncodeReady(b *codec.Buffer, m ReadyMsg) {
	b.WriteInt8(int8(MetaReady))
	b.WriteSize16(m.ID)
	b.WriteSize16(m.RemoteID)
}

func EncodeFailed(b *codec.Buffer, m FailedMsg) error {
	b.WriteInt8(int8(MetaFailed))
	b.WriteSize16(m.ID)
	return b.WriteString(m.Cause)
}

func EncodeClose(b *codec.Buffer, m CloseMsg) {
	b.WriteInt8(int8(MetaClose))
	b.WriteSize16(m.ID)
}

// MetaMessage is the decoded result of DecodeMeta: exactly one of the
// pointer fields is non-nil, mirroring the wire discriminant.
type MetaMessage struct {
	Type   MetaType
	Auth   *AuthMsg
	Authed *AuthedMsg
	Open   *OpenMsg
	Ready  *ReadyMsg
	Failed *FailedMsg
	Close  *CloseMsg
}

// DecodeMeta reads one meta-channel payload.
func DecodeMeta(b *codec.Buffer) (MetaMessage, error) {
	tb, err := b.ReadInt8()
	if err != nil {
		return MetaMessage{}, err
	}
	switch MetaType(tb) {
	case MetaAuth:
		source, err := b.ReadString()
		if err != nil {
			return MetaMessage{}, err
		}
		id, err := b.ReadUUID()
		if err != nil {
			return MetaMessage{}, err
		}
		token, err := b.ReadString()
		if err != nil {
			return MetaMessage{}, err
		}
		return MetaMessage{Type: MetaAuth, Auth: &AuthMsg{Source: source, ID: id, Token: token}}, nil
	case MetaAuthed:
		id, err := b.ReadUUID()
		if err != nil {
			return MetaMessage{}, err
		}
		return MetaMessage{Type: MetaAuthed, Authed: &AuthedMsg{ID: id}}, nil
	case MetaOpen:
		id, err := b.ReadSize16()
		if err != nil {
			return MetaMessage{}, err
		}
		ctype, err := b.ReadString()
		if err != nil {
			return MetaMessage{}, err
		}
		cpath, err := codec.ReadPathLiteral(b)
		if err != nil {
			return MetaMessage{}, err
		}
		return MetaMessage{Type: MetaOpen, Open: &OpenMsg{ID: id, CType: ctype, CPath: cpath}}, nil
	case MetaReady:
		id, err := b.ReadSize16()
		if err != nil {
			return MetaMessage{}, err
		}
		remoteID, err := b.ReadSize16()
		if err != nil {
			return MetaMessage{}, err
		}
		return MetaMessage{Type: MetaReady, Ready: &ReadyMsg{ID: id, RemoteID: remoteID}}, nil
	case MetaFailed:
		id, err := b.ReadSize16()
		if err != nil {
			return MetaMessage{}, err
		}
		cause, err := b.ReadString()
		if err != nil {
			return MetaMessage{}, err
		}
		return MetaMessage{Type: MetaFailed, Failed: &FailedMsg{ID: id, Cause: cause}}, nil
	case MetaClose:
		id, err := b.ReadSize16()
		if err != nil {
			return MetaMessage{}, err
		}
		return MetaMessage{Type: MetaClose, Close: &CloseMsg{ID: id}}, nil
	default:
		return MetaMessage{}, fmt.Errorf("proto: unknown meta type %d", tb)
	}
}

package proto

import (
	"fmt"

	"github.com/foldsync/core/internal/codec"
)

// UpType discriminates client -> server object-channel control
// messages. These share a byte-valued tag with SyncOp but
// start at 5, so a single leading byte distinguishes a sync mutation
// from a control message without ambiguity.
type UpType uint8

const (
	UpSub UpType = iota + 5
	UpUnsub
	UpVSub
	UpVUnsub
	UpTAdd
	UpTSet
	UpTDel
	UpPost
)

// SubMsg subscribes to an object's full property set.
type SubMsg struct{ Path codec.Path }

// UnsubMsg releases a prior SubMsg.
type UnsubMsg struct{ Path codec.Path }

// VSubMsg subscribes to a view's row set.
type VSubMsg struct{ Path codec.Path }

// VUnsubMsg releases a prior VSubMsg.
type VUnsubMsg struct{ Path codec.Path }

// TAddMsg inserts a new record into a table at Key. An existing Key is
// always rejected (TErrMsg) rather than silently turning into a
// TSetMsg.
type TAddMsg struct {
	Path codec.Path
	Key  codec.UUID
	Data codec.Record
}

// TSetMsg updates (or, if Merge is false, replaces) an existing
// table record's fields.
type TSetMsg struct {
	Path  codec.Path
	Key   codec.UUID
	Data  codec.Record
	Merge bool
}

// TDelMsg removes a record from a table.
type TDelMsg struct {
	Path codec.Path
	Key  codec.UUID
}

// PostMsg posts one message to a queue property.
type PostMsg struct {
	Path codec.Path
	Msg  codec.Value
}

func encodePathOnly(b *codec.Buffer, interner *codec.Interner, tag UpType, p codec.Path) error {
	b.WriteInt8(int8(tag))
	return interner.EncodePath(b, p)
}

func EncodeSub(b *codec.Buffer, interner *codec.Interner, m SubMsg) error {
	return encodePathOnly(b, interner, UpSub, m.Path)
}

func EncodeUnsub(b *codec.Buffer, interner *codec.Interner, m UnsubMsg) error {
	return encodePathOnly(b, interner, UpUnsub, m.Path)
}

func EncodeVSub(b *codec.Buffer, interner *codec.Interner, m VSubMsg) error {
	return encodePathOnly(b, interner, UpVSub, m.Path)
}

func EncodeVUnsub(b *codec.Buffer, interner *codec.Interner, m VUnsubMsg) error {
	return encodePathOnly(b, interner, UpVUnsub, m.Path)
}

func EncodeTAdd(b *codec.Buffer, interner *codec.Interner, m TAddMsg) error {
	b.WriteInt8(int8(UpTAdd))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	b.WriteUUID(m.Key)
	return codec.EncodeTyped(b, codec.KindRecord, codec.RecordValueOf(m.Data))
}

func EncodeTSet(b *codec.Buffer, interner *codec.Interner, m TSetMsg) error {
	b.WriteInt8(int8(UpTSet))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	b.WriteUUID(m.Key)
	if m.Merge {
		b.WriteInt8(1)
	} else {
		b.WriteInt8(0)
	}
	return codec.EncodeTyped(b, codec.KindRecord, codec.RecordValueOf(m.Data))
}

func EncodeTDel(b *codec.Buffer, interner *codec.Interner, m TDelMsg) error {
	b.WriteInt8(int8(UpTDel))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	b.WriteUUID(m.Key)
	return nil
}

func EncodePost(b *codec.Buffer, interner *codec.Interner, m PostMsg) error {
	b.WriteInt8(int8(UpPost))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	return codec.EncodeTyped(b, codec.KindData, m.Msg)
}

// UpMessage is the decoded result of DecodeUpControl: exactly one
// control-message field is set. DecodeUpControl never sets Sync; sync
// mutations are read with DecodeSyncHeader and DecodeSyncValue.
type UpMessage struct {
	Sync   *SyncMsg
	Sub    *SubMsg
	Unsub  *UnsubMsg
	VSub   *VSubMsg
	VUnsub *VUnsubMsg
	TAdd   *TAddMsg
	TSet   *TSetMsg
	TDel   *TDelMsg
	Post   *PostMsg
}

// PeekUpTag reads the leading discriminant byte without consuming the
// rest of the message, so the caller can resolve property metadata
// (for sync ops) before DecodeSyncValue needs it.
func PeekUpTag(b *codec.Buffer) (byte, error) {
	tb, err := b.ReadInt8()
	if err != nil {
		return 0, err
	}
	return byte(tb), nil
}

// DecodeUpControl decodes every up message except sync mutations,
// which callers must handle via DecodeSyncHeader/DecodeSyncValue since
// they need the target property's kind before the value can be read.
func DecodeUpControl(b *codec.Buffer, interner *codec.Interner, tag byte) (UpMessage, error) {
	switch UpType(tag) {
	case UpSub:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{Sub: &SubMsg{Path: p}}, nil
	case UpUnsub:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{Unsub: &UnsubMsg{Path: p}}, nil
	case UpVSub:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{VSub: &VSubMsg{Path: p}}, nil
	case UpVUnsub:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{VUnsub: &VUnsubMsg{Path: p}}, nil
	case UpTAdd:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		key, err := b.ReadUUID()
		if err != nil {
			return UpMessage{}, err
		}
		rec, err := codec.DecodeTyped(b, codec.KindRecord, nil)
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{TAdd: &TAddMsg{Path: p, Key: key, Data: rec.Record()}}, nil
	case UpTSet:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		key, err := b.ReadUUID()
		if err != nil {
			return UpMessage{}, err
		}
		mergeB, err := b.ReadInt8()
		if err != nil {
			return UpMessage{}, err
		}
		rec, err := codec.DecodeTyped(b, codec.KindRecord, nil)
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{TSet: &TSetMsg{Path: p, Key: key, Merge: mergeB != 0, Data: rec.Record()}}, nil
	case UpTDel:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		key, err := b.ReadUUID()
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{TDel: &TDelMsg{Path: p, Key: key}}, nil
	case UpPost:
		p, err := interner.DecodePath(b)
		if err != nil {
			return UpMessage{}, err
		}
		msg, err := codec.DecodeTyped(b, codec.KindData, nil)
		if err != nil {
			return UpMessage{}, err
		}
		return UpMessage{Post: &PostMsg{Path: p, Msg: msg}}, nil
	default:
		return UpMessage{}, fmt.Errorf("proto: unknown up control tag %d", tag)
	}
}

// IsSyncTag reports whether tag falls in the shared sync-op range
// (0..4), as opposed to an up- or down-control tag (>=5).
func IsSyncTag(tag byte) bool {
	return tag <= byte(OpMapDel)
}

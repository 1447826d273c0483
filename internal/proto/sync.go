package proto

import (
	"fmt"

	"github.com/foldsync/core/internal/codec"
)

// SyncOp discriminates the property-mutation sync messages that flow
// in both directions over an object-subscription channel.
// Up and down share this numeric space 0..4; each direction's control
// messages (up.go, down.go) occupy the remaining values starting at 5,
// so a SyncOp byte and a control-message byte are never confused.
type SyncOp uint8

const (
	OpValSet SyncOp = iota
	OpSetAdd
	OpSetDel
	OpMapSet
	OpMapDel

	// OpDecErr never appears on the wire. The engine produces it
	// in-process when a received sync message decodes structurally but
	// targets a property whose kind or wire type no longer matches
	// (e.g. a stale client applying VALSET against a property the
	// current type metadata declares as a set): the mutation is
	// dropped rather than applied, in place of the engine panicking or
	// silently miscoercing the value.
	OpDecErr SyncOp = 0xff
)

// SyncMsg is one property mutation: a value replacement (VALSET), a
// set element add/remove (SETADD/SETDEL), or a map entry set/remove
// (MAPSET/MAPDEL). Which of Val/Key is populated depends on Op.
type SyncMsg struct {
	Path      codec.Path
	PropIndex int
	Op        SyncOp
	Val       codec.Value // VALSET: new cell value. SETADD/SETDEL: element. MAPSET: entry value.
	Key       codec.Value // MAPSET/MAPDEL: entry key.
}

// EncodeSync writes a SyncMsg using interner for the path reference,
// encoding Val/Key by their own kinds (m.Val.Kind(), m.Key.Kind()). The op
// is written first so it doubles as the leading discriminant byte a
// reader peeks (via PeekUpTag/IsSyncTag) to tell a sync mutation apart
// from a control message sharing the same channel.
func EncodeSync(b *codec.Buffer, interner *codec.Interner, m SyncMsg) error {
	b.WriteInt8(int8(m.Op))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	b.WriteSize16(uint16(m.PropIndex))
	switch m.Op {
	case OpValSet:
		return codec.EncodeTyped(b, m.Val.Kind(), m.Val)
	case OpSetAdd, OpSetDel:
		return codec.EncodeTyped(b, m.Val.Kind(), m.Val)
	case OpMapSet:
		if err := codec.EncodeTyped(b, m.Key.Kind(), m.Key); err != nil {
			return err
		}
		return codec.EncodeTyped(b, m.Val.Kind(), m.Val)
	case OpMapDel:
		return codec.EncodeTyped(b, m.Key.Kind(), m.Key)
	default:
		return fmt.Errorf("proto: unknown sync op %d", m.Op)
	}
}

// SyncHeader is the path, op and property index of a sync message, as
// read by DecodeSyncHeader. valKind/keyKind must come from the
// target property's metadata (looked up by PropIndex after the
// path+index have been read), which is why decoding a sync message is
// necessarily a two-step process at the call site: peek the header,
// resolve the property, then decode the value with DecodeSyncValue.
type SyncHeader struct {
	Path      codec.Path
	Op        SyncOp
	PropIndex int
}

// DecodeSyncHeader reads the path and property index following the
// leading op byte, which the caller has already consumed (typically
// via PeekUpTag, to distinguish a sync mutation from a control message
// before deciding how to decode the rest) and passes in as op.
func DecodeSyncHeader(b *codec.Buffer, interner *codec.Interner, op SyncOp) (SyncHeader, error) {
	p, err := interner.DecodePath(b)
	if err != nil {
		return SyncHeader{}, err
	}
	idx, err := b.ReadSize16()
	if err != nil {
		return SyncHeader{}, err
	}
	return SyncHeader{Path: p, Op: op, PropIndex: int(idx)}, nil
}

// DecodeSyncValue reads the op-specific value payload following a
// SyncHeader, given the property's declared value/element kind
// (valKind) and, for map ops, its key kind.
func DecodeSyncValue(b *codec.Buffer, h SyncHeader, valKind, keyKind codec.Kind, reg *codec.Registry) (SyncMsg, error) {
	m := SyncMsg{Path: h.Path, PropIndex: h.PropIndex, Op: h.Op}
	switch h.Op {
	case OpValSet, OpSetAdd, OpSetDel:
		v, err := codec.DecodeTyped(b, valKind, reg)
		if err != nil {
			return SyncMsg{}, err
		}
		m.Val = v
		return m, nil
	case OpMapSet:
		k, err := codec.DecodeTyped(b, keyKind, reg)
		if err != nil {
			return SyncMsg{}, err
		}
		v, err := codec.DecodeTyped(b, valKind, reg)
		if err != nil {
			return SyncMsg{}, err
		}
		m.Key = k
		m.Val = v
		return m, nil
	case OpMapDel:
		k, err := codec.DecodeTyped(b, keyKind, reg)
		if err != nil {
			return SyncMsg{}, err
		}
		m.Key = k
		return m, nil
	default:
		return SyncMsg{}, fmt.Errorf("proto: unknown sync op %d", h.Op)
	}
}

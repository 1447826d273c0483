package proto

import (
	"fmt"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
)

// DownType discriminates server -> client object-channel control
// messages, sharing the sync-op numeric space the same
// way UpType does.
type DownType uint8

const (
	DownSObj DownType = iota + 5
	DownSErr
	DownVSet
	DownVDel
	DownVErr
	DownTErr
)

// SnapshotEntry is one readable property's value in an SObjMsg,
// indexed by the property's stable wire index.
type SnapshotEntry struct {
	PropIndex int
	Val       codec.Value
}

// snapshotEnd is the sentinel index terminating an SObjMsg's property
// list, since a type may legitimately have exactly 255 properties.
const snapshotEnd = 255

// SObjMsg is a full snapshot of every property the requesting auth can
// read, sent once in response to a SubMsg.
type SObjMsg struct {
	Path  codec.Path
	Props []SnapshotEntry
}

// SErrMsg replaces an SObjMsg when the subscription cannot be granted
// (object missing, or CanSubscribe denies).
type SErrMsg struct {
	Path  codec.Path
	Cause string
}

// VSetMsg reports one view row's current projected fields, sent on
// initial VSubMsg snapshot and on every subsequent row change.
type VSetMsg struct {
	Path codec.Path
	Key  codec.UUID
	Data codec.Record
}

// VDelMsg reports a row leaving a view's filtered projection.
type VDelMsg struct {
	Path codec.Path
	Key  codec.UUID
}

// VErrMsg replaces a VSetMsg stream when a view subscription cannot
// be granted.
type VErrMsg struct {
	Path  codec.Path
	Cause string
}

// TErrMsg rejects a TAddMsg whose key already exists in the table
//.
type TErrMsg struct {
	Path  codec.Path
	Key   codec.UUID
	Cause string
}

func EncodeSObj(b *codec.Buffer, interner *codec.Interner, m SObjMsg) error {
	b.WriteInt8(int8(DownSObj))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	for _, e := range m.Props {
		if e.PropIndex >= snapshotEnd {
			return fmt.Errorf("proto: property index %d collides with snapshot sentinel", e.PropIndex)
		}
		b.WriteSize8(uint8(e.PropIndex))
		if err := codec.EncodeTyped(b, e.Val.Kind(), e.Val); err != nil {
			return err
		}
	}
	b.WriteSize8(snapshotEnd)
	return nil
}

// DecodeSObj reads a snapshot, resolving each entry's value kind
// against meta so heterogeneous property types decode correctly.
func DecodeSObj(b *codec.Buffer, interner *codec.Interner, meta *objects.TypeMeta, reg *codec.Registry) (SObjMsg, error) {
	p, err := interner.DecodePath(b)
	if err != nil {
		return SObjMsg{}, err
	}
	var props []SnapshotEntry
	for {
		idxb, err := b.ReadSize8()
		if err != nil {
			return SObjMsg{}, err
		}
		if idxb == snapshotEnd {
			break
		}
		prop, ok := meta.ByIndex(int(idxb))
		if !ok {
			return SObjMsg{}, fmt.Errorf("proto: snapshot property index %d out of range for type %q", idxb, meta.Name)
		}
		v, err := decodePropValue(b, prop, reg)
		if err != nil {
			return SObjMsg{}, err
		}
		props = append(props, SnapshotEntry{PropIndex: int(idxb), Val: v})
	}
	return SObjMsg{Path: p, Props: props}, nil
}

// decodePropValue decodes a single scalar/set/map property value
// according to its declared kind, shared between SObj decoding and the
// object engine's sync-apply path.
func decodePropValue(b *codec.Buffer, prop *objects.PropMeta, reg *codec.Registry) (codec.Value, error) {
	switch prop.Kind {
	case objects.PropValue:
		return codec.DecodeTyped(b, prop.VType, reg)
	case objects.PropSet:
		return codec.DecodeSet(b, prop.EType, reg)
	case objects.PropMap:
		return codec.DecodeMap(b, prop.KType, prop.MType, reg)
	default:
		return codec.Value{}, fmt.Errorf("proto: property %q (kind %s) is not snapshot-scalar", prop.Name, prop.Kind)
	}
}

func EncodeSErr(b *codec.Buffer, interner *codec.Interner, m SErrMsg) error {
	b.WriteInt8(int8(DownSErr))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	return b.WriteString(m.Cause)
}

func EncodeVSet(b *codec.Buffer, interner *codec.Interner, m VSetMsg) error {
	b.WriteInt8(int8(DownVSet))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	b.WriteUUID(m.Key)
	return codec.EncodeTyped(b, codec.KindRecord, codec.RecordValueOf(m.Data))
}

func EncodeVDel(b *codec.Buffer, interner *codec.Interner, m VDelMsg) error {
	b.WriteInt8(int8(DownVDel))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	b.WriteUUID(m.Key)
	return nil
}

func EncodeVErr(b *codec.Buffer, interner *codec.Interner, m VErrMsg) error {
	b.WriteInt8(int8(DownVErr))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	return b.WriteString(m.Cause)
}

func EncodeTErr(b *codec.Buffer, interner *codec.Interner, m TErrMsg) error {
	b.WriteInt8(int8(DownTErr))
	if err := interner.EncodePath(b, m.Path); err != nil {
		return err
	}
	b.WriteUUID(m.Key)
	return b.WriteString(m.Cause)
}

// DownMessage is the decoded result of DecodeDownControl: exactly one
// field is populated.
type DownMessage struct {
	SErr *SErrMsg
	VSet *VSetMsg
	VDel *VDelMsg
	VErr *VErrMsg
	TErr *TErrMsg
}

// DecodeDownControl decodes every down message except SObj (which
// needs type metadata, see DecodeSObj) and sync mutations (see
// DecodeSyncHeader/DecodeSyncValue).
func DecodeDownControl(b *codec.Buffer, interner *codec.Interner, tag byte) (DownMessage, error) {
	switch DownType(tag) {
	case DownSErr:
		p, err := interner.DecodePath(b)
		if err != nil {
			return DownMessage{}, err
		}
		cause, err := b.ReadString()
		if err != nil {
			return DownMessage{}, err
		}
		return DownMessage{SErr: &SErrMsg{Path: p, Cause: cause}}, nil
	case DownVSet:
		p, err := interner.DecodePath(b)
		if err != nil {
			return DownMessage{}, err
		}
		key, err := b.ReadUUID()
		if err != nil {
			return DownMessage{}, err
		}
		rec, err := codec.DecodeTyped(b, codec.KindRecord, nil)
		if err != nil {
			return DownMessage{}, err
		}
		return DownMessage{VSet: &VSetMsg{Path: p, Key: key, Data: rec.Record()}}, nil
	case DownVDel:
		p, err := interner.DecodePath(b)
		if err != nil {
			return DownMessage{}, err
		}
		key, err := b.ReadUUID()
		if err != nil {
			return DownMessage{}, err
		}
		return DownMessage{VDel: &VDelMsg{Path: p, Key: key}}, nil
	case DownVErr:
		p, err := interner.DecodePath(b)
		if err != nil {
			return DownMessage{}, err
		}
		cause, err := b.ReadString()
		if err != nil {
			return DownMessage{}, err
		}
		return DownMessage{VErr: &VErrMsg{Path: p, Cause: cause}}, nil
	case DownTErr:
		p, err := interner.DecodePath(b)
		if err != nil {
			return DownMessage{}, err
		}
		key, err := b.ReadUUID()
		if err != nil {
			return DownMessage{}, err
		}
		cause, err := b.ReadString()
		if err != nil {
			return DownMessage{}, err
		}
		return DownMessage{TErr: &TErrMsg{Path: p, Key: key, Cause: cause}}, nil
	default:
		return DownMessage{}, fmt.Errorf("proto: unknown down control tag %d", tag)
	}
}

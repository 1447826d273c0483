package codec

import "fmt"

// EncodeTyped writes v, which must have Kind()==kind, using the
// encoding: fixed-width primitives as-is,
// arrays/sets as size32-length homogeneous runs, maps as size32-length
// (ktype, vtype) pair runs, records as size16 field-count runs of
// (string, data) pairs, and "data" as a registry-prefixed polymorphic
// value.
func EncodeTyped(b *Buffer, kind Kind, v Value) error {
	if v.kind != kind && kind != KindData {
		return fmt.Errorf("codec: encode: expected kind %s, got %s", kind, v.kind)
	}
	switch kind {
	case KindBool:
		if v.b {
			b.WriteInt8(1)
		} else {
			b.WriteInt8(0)
		}
	case KindInt8:
		b.WriteInt8(int8(v.i))
	case KindInt16:
		b.WriteInt16(int16(v.i))
	case KindInt32:
		b.WriteInt32(int32(v.i))
	case KindSize8:
		b.WriteSize8(uint8(v.u))
	case KindSize16:
		b.WriteSize16(uint16(v.u))
	case KindSize32:
		b.WriteSize32(uint32(v.u))
	case KindVarInt:
		b.WriteVarInt(v.i)
	case KindVarSize:
		b.WriteVarSize(v.u)
	case KindFloat32:
		b.WriteFloat32(float32(v.f))
	case KindFloat64:
		b.WriteFloat64(v.f)
	case KindString:
		return b.WriteString(v.s)
	case KindTimestamp:
		b.WriteTimestamp(v.ts)
	case KindUUID:
		b.WriteUUID(v.id)
	case KindArray, KindSet:
		return encodeRun(b, v.ElemKind(), v.arr)
	case KindMap:
		return encodeMap(b, v.MapKeyKind(), v.MapValKind(), v.m)
	case KindRecord:
		return encodeRecord(b, v.rec)
	case KindData:
		if v.dt == nil {
			return fmt.Errorf("codec: encode: nil data value")
		}
		return defaultRegistry.EncodeData(b, *v.dt)
	default:
		return fmt.Errorf("codec: encode: unsupported kind %s", kind)
	}
	return nil
}

// defaultRegistry backs record fields, which always carry data-tagged
// values regardless of which Registry a particular channel's codec
// was built with. Record fields and "data" values are always encoded
// through it, so they carry only the built-in ids 0..18; on decode,
// the Registry passed to DecodeTyped/DecodeRecord is used instead
// (defaultRegistry when that is nil). It is assigned in init rather
// than in its declaration because NewRegistry refers back to
// EncodeTyped, which refers to defaultRegistry.
var defaultRegistry *Registry

func init() {
	defaultRegistry = NewRegistry()
}

func encodeRun(b *Buffer, elemKind Kind, items []Value) error {
	b.WriteSize32(uint32(len(items)))
	for _, it := range items {
		if err := EncodeTyped(b, elemKind, it); err != nil {
			return err
		}
	}
	return nil
}

func decodeRun(b *Buffer, elemKind Kind, reg *Registry) ([]Value, error) {
	n, err := b.ReadSize32()
	if err != nil {
		return nil, err
	}
	out := make([]Value, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := DecodeTyped(b, elemKind, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func encodeMap(b *Buffer, keyKind, valKind Kind, entries []MapEntry) error {
	b.WriteSize32(uint32(len(entries)))
	for _, e := range entries {
		if err := EncodeTyped(b, keyKind, e.Key); err != nil {
			return err
		}
		if err := EncodeTyped(b, valKind, e.Val); err != nil {
			return err
		}
	}
	return nil
}

func decodeMapEntries(b *Buffer, keyKind, valKind Kind, reg *Registry) ([]MapEntry, error) {
	n, err := b.ReadSize32()
	if err != nil {
		return nil, err
	}
	out := make([]MapEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		k, err := DecodeTyped(b, keyKind, reg)
		if err != nil {
			return nil, err
		}
		v, err := DecodeTyped(b, valKind, reg)
		if err != nil {
			return nil, err
		}
		out = append(out, MapEntry{Key: k, Val: v})
	}
	return out, nil
}

func encodeRecord(b *Buffer, r Record) error {
	if len(r.Fields) > 0xffff {
		return fmt.Errorf("codec: record has too many fields (%d)", len(r.Fields))
	}
	b.WriteSize16(uint16(len(r.Fields)))
	for _, f := range r.Fields {
		if err := b.WriteString(f.Name); err != nil {
			return err
		}
		id := dataTypeIDOf(f.Value.Kind())
		if err := defaultRegistry.EncodeData(b, DataValue{TypeID: id, Inner: f.Value}); err != nil {
			return err
		}
	}
	return nil
}

func decodeRecord(b *Buffer, reg *Registry) (Record, error) {
	n, err := b.ReadSize16()
	if err != nil {
		return Record{}, err
	}
	rec := Record{Fields: make([]Field, 0, n)}
	for i := uint16(0); i < n; i++ {
		name, err := b.ReadString()
		if err != nil {
			return Record{}, err
		}
		d, err := reg.DecodeData(b)
		if err != nil {
			return Record{}, err
		}
		rec.Fields = append(rec.Fields, Field{Name: name, Value: d.Inner})
	}
	return rec, nil
}

func dataTypeIDOf(k Kind) TypeID {
	return TypeID(k)
}

// DecodeTyped reads a value of the given kind (used for scalar,
// array-element, map-key/value, and top-level decoding whenever the
// kind is already known from object metadata).
func DecodeTyped(b *Buffer, kind Kind, reg *Registry) (Value, error) {
	if reg == nil {
		reg = defaultRegistry
	}
	switch kind {
	case KindBool:
		i, err := b.ReadInt8()
		return BoolValue(i != 0), err
	case KindInt8:
		i, err := b.ReadInt8()
		return Int8Value(i), err
	case KindInt16:
		i, err := b.ReadInt16()
		return Int16Value(i), err
	case KindInt32:
		i, err := b.ReadInt32()
		return Int32Value(i), err
	case KindSize8:
		u, err := b.ReadSize8()
		return Size8Value(u), err
	case KindSize16:
		u, err := b.ReadSize16()
		return Size16Value(u), err
	case KindSize32:
		u, err := b.ReadSize32()
		return Size32Value(u), err
	case KindVarInt:
		i, err := b.ReadVarInt()
		return VarIntValue(i), err
	case KindVarSize:
		u, err := b.ReadVarSize()
		return VarSizeValue(u), err
	case KindFloat32:
		f, err := b.ReadFloat32()
		return Float32Value(f), err
	case KindFloat64:
		f, err := b.ReadFloat64()
		return Float64Value(f), err
	case KindString:
		s, err := b.ReadString()
		return StringValue(s), err
	case KindTimestamp:
		t, err := b.ReadTimestamp()
		return TimestampVal(t), err
	case KindUUID:
		u, err := b.ReadUUID()
		return UUIDValue(u), err
	case KindRecord:
		r, err := decodeRecord(b, reg)
		return RecordValueOf(r), err
	case KindData:
		d, err := reg.DecodeData(b)
		return DataValueOf(d), err
	default:
		return Value{}, fmt.Errorf("codec: decode: unsupported bare kind %s (arrays/sets/maps need DecodeArray/DecodeSet/DecodeMap)", kind)
	}
}

// DecodeArray reads a homogeneous array of elemKind.
func DecodeArray(b *Buffer, elemKind Kind, reg *Registry) (Value, error) {
	items, err := decodeRun(b, elemKind, reg)
	if err != nil {
		return Value{}, err
	}
	return ArrayValue(elemKind, items), nil
}

// DecodeSet reads a homogeneous set of elemKind (wire-identical to an array).
func DecodeSet(b *Buffer, elemKind Kind, reg *Registry) (Value, error) {
	items, err := decodeRun(b, elemKind, reg)
	if err != nil {
		return Value{}, err
	}
	return SetValue(elemKind, items), nil
}

// DecodeMap reads a (ktype, vtype) map.
func DecodeMap(b *Buffer, keyKind, valKind Kind, reg *Registry) (Value, error) {
	entries, err := decodeMapEntries(b, keyKind, valKind, reg)
	if err != nil {
		return Value{}, err
	}
	return MapValueOf(keyKind, valKind, entries), nil
}

// DecodeRecord reads a Record directly (convenience wrapper around
// decodeRecord for callers that don't want a Value envelope).
func DecodeRecord(b *Buffer, reg *Registry) (Record, error) {
	return decodeRecord(b, reg)
}

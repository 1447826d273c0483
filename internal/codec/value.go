package codec

import "fmt"

// Kind is the wire type alphabet used for vtype/etype/ktype tags
// throughout the object metadata and the polymorphic "data" form.
// Decorator-driven prototype mutation (the source's way of building
// this alphabet) is replaced here by a fixed, explicit enumeration —
// registered once up front rather than per value.
type Kind uint8

const (
	KindBool Kind = iota
	KindInt8
	KindInt16
	KindInt32
	KindSize8
	KindSize16
	KindSize32
	KindVarInt
	KindVarSize
	KindFloat32
	KindFloat64
	KindString
	KindTimestamp
	KindUUID
	KindArray
	KindSet
	KindMap
	KindRecord
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindInt16:
		return "int16"
	case KindInt32:
		return "int32"
	case KindSize8:
		return "size8"
	case KindSize16:
		return "size16"
	case KindSize32:
		return "size32"
	case KindVarInt:
		return "varint"
	case KindVarSize:
		return "varsize"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindUUID:
		return "uuid"
	case KindArray:
		return "array"
	case KindSet:
		return "set"
	case KindMap:
		return "map"
	case KindRecord:
		return "record"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a tagged sum of every scalar the codec understands. It
// replaces the source's untyped "any" data bag. Exactly one field is meaningful per Kind; helper
// constructors (BoolValue, Int8Value, ...) make that explicit at call sites
// instead of requiring callers to populate Value literals by hand.
type Value struct {
	kind Kind

	b   bool
	i   int64  // int8/int16/int32/varint share this
	u   uint64 // size8/size16/size32/varsize share this
	f   float64
	s   string
	ts  Timestamp
	id  UUID
	arr []Value // array/set elements
	m   []MapEntry
	rec Record
	dt  *DataValue
}

// MapEntry is one key/value pair of a MapValue.
type MapEntry struct {
	Key Value
	Val Value
}

// DataValue is the fully polymorphic wire form: a type id (from the
// codec Registry) prefixing an arbitrary encoded Value.
type DataValue struct {
	TypeID TypeID
	Inner  Value
}

// Kind reports which field of Value is populated.
func (v Value) Kind() Kind { return v.kind }

func BoolValue(b bool) Value        { return Value{kind: KindBool, b: b} }
func Int8Value(i int8) Value        { return Value{kind: KindInt8, i: int64(i)} }
func Int16Value(i int16) Value      { return Value{kind: KindInt16, i: int64(i)} }
func Int32Value(i int32) Value      { return Value{kind: KindInt32, i: int64(i)} }
func Size8Value(u uint8) Value      { return Value{kind: KindSize8, u: uint64(u)} }
func Size16Value(u uint16) Value    { return Value{kind: KindSize16, u: uint64(u)} }
func Size32Value(u uint32) Value    { return Value{kind: KindSize32, u: uint64(u)} }
func VarIntValue(i int64) Value     { return Value{kind: KindVarInt, i: i} }
func VarSizeValue(u uint64) Value   { return Value{kind: KindVarSize, u: u} }
func Float32Value(f float32) Value  { return Value{kind: KindFloat32, f: float64(f)} }
func Float64Value(f float64) Value  { return Value{kind: KindFloat64, f: f} }
func StringValue(s string) Value    { return Value{kind: KindString, s: s} }
func TimestampVal(t Timestamp) Value { return Value{kind: KindTimestamp, ts: t} }
func UUIDValue(u UUID) Value        { return Value{kind: KindUUID, id: u} }

// ArrayValue builds a homogeneous array of the given element kind.
func ArrayValue(elemKind Kind, items []Value) Value {
	return Value{kind: KindArray, u: uint64(elemKind), arr: items}
}

// SetValue builds a homogeneous set of the given element kind
// (wire-identical to an array, see DecodeSet).
func SetValue(elemKind Kind, items []Value) Value {
	return Value{kind: KindSet, u: uint64(elemKind), arr: items}
}

// MapValueOf builds a map from ktype to vtype.
func MapValueOf(keyKind, valKind Kind, entries []MapEntry) Value {
	return Value{kind: KindMap, u: uint64(keyKind)<<8 | uint64(valKind), m: entries}
}

// RecordValueOf wraps a Record as a Value.
func RecordValueOf(r Record) Value {
	return Value{kind: KindRecord, rec: r}
}

// DataValueOf wraps a DataValue as a Value.
func DataValueOf(d DataValue) Value {
	return Value{kind: KindData, dt: &d}
}

func (v Value) AsBool() bool             { return v.b }
func (v Value) AsInt() int64             { return v.i }
func (v Value) AsUint() uint64           { return v.u }
func (v Value) AsFloat() float64         { return v.f }
func (v Value) AsString() string        { return v.s }
func (v Value) AsTimestamp() Timestamp   { return v.ts }
func (v Value) AsUUID() UUID             { return v.id }
func (v Value) ElemKind() Kind           { return Kind(v.u) }
func (v Value) MapKeyKind() Kind         { return Kind(v.u >> 8) }
func (v Value) MapValKind() Kind         { return Kind(v.u & 0xff) }
func (v Value) Items() []Value           { return v.arr }
func (v Value) Entries() []MapEntry      { return v.m }
func (v Value) Record() Record           { return v.rec }
func (v Value) Data() *DataValue         { return v.dt }

// Equal performs the codec's only notion of structural equality,
// sufficient for the round-trip invariants subscribers rely on. Reactive cells
// additionally expose reference-equality by default and opt into this
// for record-valued cells.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt8, KindInt16, KindInt32, KindVarInt:
		return v.i == o.i
	case KindSize8, KindSize16, KindSize32, KindVarSize:
		return v.u == o.u
	case KindFloat32, KindFloat64:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindTimestamp:
		return v.ts == o.ts
	case KindUUID:
		return v.id == o.id
	case KindArray, KindSet:
		if len(v.arr) != len(o.arr) || v.u != o.u {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) || v.u != o.u {
			return false
		}
		for i := range v.m {
			if !v.m[i].Key.Equal(o.m[i].Key) || !v.m[i].Val.Equal(o.m[i].Val) {
				return false
			}
		}
		return true
	case KindRecord:
		return v.rec.Equal(o.rec)
	case KindData:
		if v.dt == nil || o.dt == nil {
			return v.dt == o.dt
		}
		return v.dt.TypeID == o.dt.TypeID && v.dt.Inner.Equal(o.dt.Inner)
	}
	return false
}

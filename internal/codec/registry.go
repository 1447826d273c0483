package codec

import "fmt"

// TypeID is the small stable integer prefixing a polymorphic "data"
// value on the wire. Ids below 64 are reserved for the codec's own
// Kind alphabet (encoded as TypeID(kind)); ids 64 and above are free
// for user-defined scalar types.
type TypeID uint16

// FirstUserTypeID is the first id user code may register.
const FirstUserTypeID TypeID = 64

// Encoder writes a user-defined value's payload (the TypeID prefix is
// written by the Registry, not the Encoder itself).
type Encoder func(b *Buffer, v Value) error

// Decoder reads a user-defined value's payload back into a Value.
type Decoder func(b *Buffer) (Value, error)

type registryEntry struct {
	encode Encoder
	decode Decoder
}

// Registry maps TypeIDs to encoder/decoder pairs so custom scalar
// types can be embedded in "data"/"record" fields. This
// is the Go-native replacement for the source's polymorphic
// collections driven by string type tags: lookups are by a
// small stable integer and decoding an unknown id fails loudly rather
// than guessing a constructor.
type Registry struct {
	entries map[TypeID]registryEntry
}

// NewRegistry returns a registry pre-populated with the built-in Kind
// alphabet (ids 0..18, one per Kind constant) so "data" values can
// always carry a plain codec scalar without a custom registration.
//
// Array/Set/Map get dedicated closures rather than a plain
// EncodeTyped/DecodeTyped delegation: those two only know how to
// write/read a bare composite when the element (or key/value) kind is
// already known from surrounding context (a PropMeta's EType/KType/
// MType), which isn't available once a composite is embedded in a
// Record field or a "data" value. These closures make that case
// self-describing by writing the element kind(s) as a one-byte tag
// ahead of the payload.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[TypeID]registryEntry)}
	for k := KindBool; k <= KindData; k++ {
		kind := k
		switch kind {
		case KindArray, KindSet:
			r.entries[TypeID(kind)] = registryEntry{
				encode: func(b *Buffer, v Value) error {
					b.WriteSize8(uint8(v.ElemKind()))
					return encodeRun(b, v.ElemKind(), v.arr)
				},
				decode: func(b *Buffer) (Value, error) {
					ek, err := b.ReadSize8()
					if err != nil {
						return Value{}, err
					}
					items, err := decodeRun(b, Kind(ek), r)
					if err != nil {
						return Value{}, err
					}
					if kind == KindSet {
						return SetValue(Kind(ek), items), nil
					}
					return ArrayValue(Kind(ek), items), nil
				},
			}
		case KindMap:
			r.entries[TypeID(kind)] = registryEntry{
				encode: func(b *Buffer, v Value) error {
					b.WriteSize8(uint8(v.MapKeyKind()))
					b.WriteSize8(uint8(v.MapValKind()))
					return encodeMap(b, v.MapKeyKind(), v.MapValKind(), v.m)
				},
				decode: func(b *Buffer) (Value, error) {
					kk, err := b.ReadSize8()
					if err != nil {
						return Value{}, err
					}
					vk, err := b.ReadSize8()
					if err != nil {
						return Value{}, err
					}
					entries, err := decodeMapEntries(b, Kind(kk), Kind(vk), r)
					if err != nil {
						return Value{}, err
					}
					return MapValueOf(Kind(kk), Kind(vk), entries), nil
				},
			}
		default:
			r.entries[TypeID(kind)] = registryEntry{
				encode: func(b *Buffer, v Value) error { return EncodeTyped(b, kind, v) },
				decode: func(b *Buffer) (Value, error) { return DecodeTyped(b, kind, r) },
			}
		}
	}
	return r
}

// RegisterScalar adds a user-defined scalar type. id must be >=
// FirstUserTypeID. Registering over an existing id replaces it —
// callers are expected to register once at startup, before any
// channel opens.
func (r *Registry) RegisterScalar(id TypeID, enc Encoder, dec Decoder) error {
	if id < FirstUserTypeID {
		return fmt.Errorf("codec: user type id %d must be >= %d", id, FirstUserTypeID)
	}
	r.entries[id] = registryEntry{encode: enc, decode: dec}
	return nil
}

// EncodeData writes a polymorphic data value: TypeID prefix, then the
// registered encoder's payload.
func (r *Registry) EncodeData(b *Buffer, d DataValue) error {
	entry, ok := r.entries[d.TypeID]
	if !ok {
		return fmt.Errorf("codec: encode data: unknown type id %d", d.TypeID)
	}
	b.WriteSize16(uint16(d.TypeID))
	return entry.encode(b, d.Inner)
}

// DecodeData reads a polymorphic data value. An unknown type id fails
// the decode outright rather
// than producing a best-effort placeholder.
func (r *Registry) DecodeData(b *Buffer) (DataValue, error) {
	id, err := b.ReadSize16()
	if err != nil {
		return DataValue{}, err
	}
	entry, ok := r.entries[TypeID(id)]
	if !ok {
		return DataValue{}, fmt.Errorf("codec: decode data: unknown type id %d", id)
	}
	inner, err := entry.decode(b)
	if err != nil {
		return DataValue{}, err
	}
	return DataValue{TypeID: TypeID(id), Inner: inner}, nil
}

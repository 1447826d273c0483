package datastore

import (
	"encoding/base64"
	"fmt"

	"github.com/foldsync/core/internal/codec"
)

// jsonDoc is the on-disk shape of one object's filestore document: a
// flat map of property name to a self-describing JSON leaf, so a
// document survives a process restart without needing the live
// *objects.TypeMeta to decode (the Kind tag travels with the value).
type jsonDoc map[string]jsonLeaf

// jsonLeaf tags a codec.Value with its Kind so it round-trips through
// encoding/json without the metadata registry filestore intentionally
// avoids depending on at load time. KindData values are the exception:
// only their kind is written, and leafToValue rejects such a leaf.
type jsonLeaf struct {
	Kind    string     `json:"kind"`
	Scalar  any        `json:"scalar,omitempty"`
	Elem    string     `json:"elem,omitempty"`
	Items   []jsonLeaf `json:"items,omitempty"`
	KeyKind string     `json:"key_kind,omitempty"`
	ValKind string     `json:"val_kind,omitempty"`
	Entries []jsonPair `json:"entries,omitempty"`
	Fields  []jsonLeaf `json:"fields,omitempty"`
	Name    string     `json:"name,omitempty"`
}

type jsonPair struct {
	Key jsonLeaf `json:"key"`
	Val jsonLeaf `json:"val"`
}

func kindName(k codec.Kind) string { return k.String() }

func parseKind(s string) (codec.Kind, error) {
	for k := codec.KindBool; k <= codec.KindData; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("datastore: unknown kind %q", s)
}

// valueToLeaf converts a codec.Value into its JSON-safe representation.
func valueToLeaf(v codec.Value) jsonLeaf {
	switch v.Kind() {
	case codec.KindBool:
		return jsonLeaf{Kind: kindName(v.Kind()), Scalar: v.AsBool()}
	case codec.KindInt8, codec.KindInt16, codec.KindInt32, codec.KindVarInt:
		return jsonLeaf{Kind: kindName(v.Kind()), Scalar: v.AsInt()}
	case codec.KindSize8, codec.KindSize16, codec.KindSize32, codec.KindVarSize:
		return jsonLeaf{Kind: kindName(v.Kind()), Scalar: v.AsUint()}
	case codec.KindFloat32, codec.KindFloat64:
		return jsonLeaf{Kind: kindName(v.Kind()), Scalar: v.AsFloat()}
	case codec.KindString:
		return jsonLeaf{Kind: kindName(v.Kind()), Scalar: v.AsString()}
	case codec.KindTimestamp:
		return jsonLeaf{Kind: kindName(v.Kind()), Scalar: float64(v.AsTimestamp())}
	case codec.KindUUID:
		id := v.AsUUID()
		return jsonLeaf{Kind: kindName(v.Kind()), Scalar: base64.StdEncoding.EncodeToString(id[:])}
	case codec.KindArray, codec.KindSet:
		items := make([]jsonLeaf, 0, len(v.Items()))
		for _, it := range v.Items() {
			items = append(items, valueToLeaf(it))
		}
		return jsonLeaf{Kind: kindName(v.Kind()), Elem: kindName(v.ElemKind()), Items: items}
	case codec.KindMap:
		entries := make([]jsonPair, 0, len(v.Entries()))
		for _, e := range v.Entries() {
			entries = append(entries, jsonPair{Key: valueToLeaf(e.Key), Val: valueToLeaf(e.Val)})
		}
		return jsonLeaf{Kind: kindName(v.Kind()), KeyKind: kindName(v.MapKeyKind()), ValKind: kindName(v.MapValKind()), Entries: entries}
	case codec.KindRecord:
		rec := v.Record()
		fields := make([]jsonLeaf, 0, len(rec.Fields))
		for _, f := range rec.Fields {
			leaf := valueToLeaf(f.Value)
			leaf.Name = f.Name
			fields = append(fields, leaf)
		}
		return jsonLeaf{Kind: kindName(v.Kind()), Fields: fields}
	default:
		return jsonLeaf{Kind: kindName(v.Kind())}
	}
}

// leafToValue is valueToLeaf's inverse for every kind except KindData,
// which it reports as unsupported.
func leafToValue(l jsonLeaf) (codec.Value, error) {
	kind, err := parseKind(l.Kind)
	if err != nil {
		return codec.Value{}, err
	}
	switch kind {
	case codec.KindBool:
		b, _ := l.Scalar.(bool)
		return codec.BoolValue(b), nil
	case codec.KindInt8:
		return codec.Int8Value(int8(asFloat(l.Scalar))), nil
	case codec.KindInt16:
		return codec.Int16Value(int16(asFloat(l.Scalar))), nil
	case codec.KindInt32:
		return codec.Int32Value(int32(asFloat(l.Scalar))), nil
	case codec.KindVarInt:
		return codec.VarIntValue(int64(asFloat(l.Scalar))), nil
	case codec.KindSize8:
		return codec.Size8Value(uint8(asFloat(l.Scalar))), nil
	case codec.KindSize16:
		return codec.Size16Value(uint16(asFloat(l.Scalar))), nil
	case codec.KindSize32:
		return codec.Size32Value(uint32(asFloat(l.Scalar))), nil
	case codec.KindVarSize:
		return codec.VarSizeValue(uint64(asFloat(l.Scalar))), nil
	case codec.KindFloat32:
		return codec.Float32Value(float32(asFloat(l.Scalar))), nil
	case codec.KindFloat64:
		return codec.Float64Value(asFloat(l.Scalar)), nil
	case codec.KindString:
		s, _ := l.Scalar.(string)
		return codec.StringValue(s), nil
	case codec.KindTimestamp:
		return codec.TimestampVal(codec.Timestamp(asFloat(l.Scalar))), nil
	case codec.KindUUID:
		s, _ := l.Scalar.(string)
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil || len(raw) != 16 {
			return codec.Value{}, fmt.Errorf("datastore: bad uuid leaf")
		}
		var u codec.UUID
		copy(u[:], raw)
		return codec.UUIDValue(u), nil
	case codec.KindArray, codec.KindSet:
		elemKind, err := parseKind(l.Elem)
		if err != nil {
			return codec.Value{}, err
		}
		items := make([]codec.Value, 0, len(l.Items))
		for _, it := range l.Items {
			v, err := leafToValue(it)
			if err != nil {
				return codec.Value{}, err
			}
			items = append(items, v)
		}
		if kind == codec.KindSet {
			return codec.SetValue(elemKind, items), nil
		}
		return codec.ArrayValue(elemKind, items), nil
	case codec.KindMap:
		keyKind, err := parseKind(l.KeyKind)
		if err != nil {
			return codec.Value{}, err
		}
		valKind, err := parseKind(l.ValKind)
		if err != nil {
			return codec.Value{}, err
		}
		entries := make([]codec.MapEntry, 0, len(l.Entries))
		for _, e := range l.Entries {
			k, err := leafToValue(e.Key)
			if err != nil {
				return codec.Value{}, err
			}
			v, err := leafToValue(e.Val)
			if err != nil {
				return codec.Value{}, err
			}
			entries = append(entries, codec.MapEntry{Key: k, Val: v})
		}
		return codec.MapValueOf(keyKind, valKind, entries), nil
	case codec.KindRecord:
		fields := make([]codec.Field, 0, len(l.Fields))
		for _, f := range l.Fields {
			v, err := leafToValue(f)
			if err != nil {
				return codec.Value{}, err
			}
			fields = append(fields, codec.Field{Name: f.Name, Value: v})
		}
		return codec.RecordValueOf(codec.Record{Fields: fields}), nil
	default:
		return codec.Value{}, fmt.Errorf("datastore: unsupported leaf kind %q", l.Kind)
	}
}

func asFloat(a any) float64 {
	f, _ := a.(float64)
	return f
}

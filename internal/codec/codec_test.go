package codec

import (
	"math"
	"testing"
)

func TestScalarRoundTrip(t *testing.T) {
	cases := []struct {
		kind Kind
		v    Value
	}{
		{KindBool, BoolValue(true)},
		{KindInt8, Int8Value(-27)},
		{KindInt16, Int16Value(2342)},
		{KindFloat64, Float64Value(math.MaxFloat64)},
		{KindString, StringValue("I ♥︎ math.")},
		{KindUUID, UUIDValue(NewUUID())},
		{KindTimestamp, TimestampVal(Now())},
	}

	b := NewBuffer()
	for _, c := range cases {
		if err := EncodeTyped(b, c.kind, c.v); err != nil {
			t.Fatalf("encode %s: %v", c.kind, err)
		}
	}

	dec := NewBufferFrom(b.Bytes())
	for _, c := range cases {
		got, err := DecodeTyped(dec, c.kind, nil)
		if err != nil {
			t.Fatalf("decode %s: %v", c.kind, err)
		}
		if !got.Equal(c.v) {
			t.Errorf("%s: round trip mismatch: got %+v want %+v", c.kind, got, c.v)
		}
	}
}

func TestArraySetMapRoundTrip(t *testing.T) {
	arr := ArrayValue(KindInt32, []Value{Int32Value(1), Int32Value(2), Int32Value(3)})
	set := SetValue(KindString, []Value{StringValue("a"), StringValue("b")})
	m := MapValueOf(KindString, KindInt32, []MapEntry{
		{Key: StringValue("x"), Val: Int32Value(10)},
		{Key: StringValue("y"), Val: Int32Value(20)},
	})

	b := NewBuffer()
	if err := EncodeTyped(b, KindArray, arr); err != nil {
		t.Fatal(err)
	}
	if err := EncodeTyped(b, KindSet, set); err != nil {
		t.Fatal(err)
	}
	if err := EncodeTyped(b, KindMap, m); err != nil {
		t.Fatal(err)
	}

	dec := NewBufferFrom(b.Bytes())
	gotArr, err := DecodeArray(dec, KindInt32, nil)
	if err != nil || !gotArr.Equal(arr) {
		t.Fatalf("array round trip: %v %+v", err, gotArr)
	}
	gotSet, err := DecodeSet(dec, KindString, nil)
	if err != nil || !gotSet.Equal(set) {
		t.Fatalf("set round trip: %v %+v", err, gotSet)
	}
	gotMap, err := DecodeMap(dec, KindString, KindInt32, nil)
	if err != nil || !gotMap.Equal(m) {
		t.Fatalf("map round trip: %v %+v", err, gotMap)
	}
}

func TestRecordAndDataRoundTrip(t *testing.T) {
	rec := Record{Fields: []Field{
		{Name: "name", Value: StringValue("Test Room")},
		{Name: "occupants", Value: Int32Value(3)},
	}}

	b := NewBuffer()
	if err := EncodeTyped(b, KindRecord, RecordValueOf(rec)); err != nil {
		t.Fatal(err)
	}
	dec := NewBufferFrom(b.Bytes())
	got, err := DecodeTyped(dec, KindRecord, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Record().Equal(rec) {
		t.Fatalf("record round trip mismatch: %+v", got.Record())
	}
}

func TestRecordWithCompositeFieldsRoundTrip(t *testing.T) {
	rec := Record{Fields: []Field{
		{Name: "tags", Value: ArrayValue(KindString, []Value{StringValue("a"), StringValue("b")})},
		{Name: "occupants", Value: SetValue(KindUUID, []Value{UUIDValue(NewUUID()), UUIDValue(NewUUID())})},
		{Name: "scores", Value: MapValueOf(KindString, KindInt32, []MapEntry{
			{Key: StringValue("x"), Val: Int32Value(1)},
		})},
	}}

	b := NewBuffer()
	if err := EncodeTyped(b, KindRecord, RecordValueOf(rec)); err != nil {
		t.Fatal(err)
	}
	dec := NewBufferFrom(b.Bytes())
	got, err := DecodeTyped(dec, KindRecord, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Record().Equal(rec) {
		t.Fatalf("record round trip mismatch: %+v", got.Record())
	}
}

func TestDataValueWithCompositeInnerRoundTrip(t *testing.T) {
	reg := NewRegistry()
	inner := MapValueOf(KindInt32, KindBool, []MapEntry{
		{Key: Int32Value(7), Val: BoolValue(true)},
	})
	d := DataValue{TypeID: TypeID(KindMap), Inner: inner}

	b := NewBuffer()
	if err := reg.EncodeData(b, d); err != nil {
		t.Fatal(err)
	}
	dec := NewBufferFrom(b.Bytes())
	got, err := reg.DecodeData(dec)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Inner.Equal(inner) {
		t.Fatalf("data-embedded map round trip mismatch: %+v", got.Inner)
	}
}

func TestDataUnknownTypeIDFailsDecode(t *testing.T) {
	reg := NewRegistry()
	b := NewBuffer()
	b.WriteSize16(9999) // never registered
	dec := NewBufferFrom(b.Bytes())
	if _, err := reg.DecodeData(dec); err == nil {
		t.Fatal("expected decode error for unknown type id")
	}
}

func TestPathInterningOmitsLiteralOnSecondUse(t *testing.T) {
	room := Root().Child("rooms").Key(NewUUID())

	enc := NewInterner()
	b := NewBuffer()
	if err := enc.EncodePath(b, room); err != nil {
		t.Fatal(err)
	}
	firstLen := len(b.Bytes())

	if err := enc.EncodePath(b, room); err != nil {
		t.Fatal(err)
	}
	secondMsgLen := len(b.Bytes()) - firstLen

	if secondMsgLen >= firstLen {
		t.Fatalf("expected second encoding (%d bytes) to be much smaller than the first (%d bytes)", secondMsgLen, firstLen)
	}

	dec := NewInterner()
	r := NewBufferFrom(b.Bytes())
	got1, err := dec.DecodePath(r)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := dec.DecodePath(r)
	if err != nil {
		t.Fatal(err)
	}
	if !got1.Equal(room) || !got2.Equal(room) {
		t.Fatalf("decoded paths do not match original: %v %v vs %v", got1, got2, room)
	}
}

func TestUnknownInternedIDErrors(t *testing.T) {
	dec := NewInterner()
	b := NewBuffer()
	b.WriteVarSize(42) // never introduced
	r := NewBufferFrom(b.Bytes())
	if _, err := dec.DecodePath(r); err == nil {
		t.Fatal("expected error decoding unknown interned path id")
	}
}

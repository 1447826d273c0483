package proto

import (
	"testing"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
)

func TestMetaAuthRoundTrip(t *testing.T) {
	b := codec.NewBuffer()
	want := AuthMsg{Source: "guest", ID: codec.NewUUID(), Token: "tok"}
	if err := EncodeAuth(b, want); err != nil {
		t.Fatalf("encode: %v", err)
	}
	rb := codec.NewBufferFrom(b.Bytes())
	got, err := DecodeMeta(rb)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != MetaAuth || got.Auth == nil {
		t.Fatalf("expected MetaAuth, got %+v", got)
	}
	if got.Auth.Source != want.Source || got.Auth.ID != want.ID || got.Auth.Token != want.Token {
		t.Fatalf("got %+v, want %+v", got.Auth, want)
	}
}

func TestMetaOpenRoundTrip(t *testing.T) {
	b := codec.NewBuffer()
	path := codec.Root().Child("rooms").Key(codec.NewUUID())
	want := OpenMsg{ID: 7, CType: "objects", CPath: path}
	if err := EncodeOpen(b, want); err != nil {
		t.Fatalf("encode: %v", err)
	}
	rb := codec.NewBufferFrom(b.Bytes())
	got, err := DecodeMeta(rb)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Open == nil || got.Open.ID != want.ID || got.Open.CType != want.CType || !got.Open.CPath.Equal(path) {
		t.Fatalf("got %+v", got.Open)
	}
}

func TestSyncValSetRoundTrip(t *testing.T) {
	interner := codec.NewInterner()
	path := codec.Root().Child("rooms").Key(codec.NewUUID()).Child("name")
	b := codec.NewBuffer()
	msg := SyncMsg{Path: path, PropIndex: 2, Op: OpValSet, Val: codec.StringValue("lobby")}
	if err := EncodeSync(b, interner, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoderInterner := codec.NewInterner()
	rb := codec.NewBufferFrom(b.Bytes())
	tag, err := rb.ReadInt8()
	if err != nil {
		t.Fatalf("read tag: %v", err)
	}
	hdr, err := DecodeSyncHeader(rb, decoderInterner, SyncOp(tag))
	if err != nil {
		t.Fatalf("header decode: %v", err)
	}
	if hdr.Op != OpValSet || hdr.PropIndex != 2 || !hdr.Path.Equal(path) {
		t.Fatalf("unexpected header: %+v", hdr)
	}
	got, err := DecodeSyncValue(rb, hdr, codec.KindString, codec.KindBool, nil)
	if err != nil {
		t.Fatalf("value decode: %v", err)
	}
	if got.Val.AsString() != "lobby" {
		t.Fatalf("got %q", got.Val.AsString())
	}
}

func TestSyncMapSetRoundTrip(t *testing.T) {
	interner := codec.NewInterner()
	path := codec.Root().Child("scores")
	b := codec.NewBuffer()
	msg := SyncMsg{
		Path: path, PropIndex: 0, Op: OpMapSet,
		Key: codec.StringValue("alice"), Val: codec.Int32Value(42),
	}
	if err := EncodeSync(b, interner, msg); err != nil {
		t.Fatalf("encode: %v", err)
	}
	rb := codec.NewBufferFrom(b.Bytes())
	tag, err := rb.ReadInt8()
	if err != nil {
		t.Fatalf("read tag: %v", err)
	}
	hdr, err := DecodeSyncHeader(rb, codec.NewInterner(), SyncOp(tag))
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	got, err := DecodeSyncValue(rb, hdr, codec.KindInt32, codec.KindString, nil)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if got.Key.AsString() != "alice" || got.Val.AsInt() != 42 {
		t.Fatalf("got key=%v val=%v", got.Key.AsString(), got.Val.AsInt())
	}
}

func TestUpSubAndPostRoundTrip(t *testing.T) {
	interner := codec.NewInterner()
	path := codec.Root().Child("rooms").Key(codec.NewUUID())

	b := codec.NewBuffer()
	if err := EncodeSub(b, interner, SubMsg{Path: path}); err != nil {
		t.Fatalf("encode sub: %v", err)
	}
	tag, err := PeekUpTag(codec.NewBufferFrom(b.Bytes()))
	if err != nil || tag != byte(UpSub) {
		t.Fatalf("tag=%d err=%v", tag, err)
	}
	rb := codec.NewBufferFrom(b.Bytes())
	rb.ReadInt8() // consume tag already peeked above on a separate buffer
	decoderInterner := codec.NewInterner()
	msg, err := DecodeUpControl(rb, decoderInterner, tag)
	if err != nil {
		t.Fatalf("decode sub: %v", err)
	}
	if msg.Sub == nil || !msg.Sub.Path.Equal(path) {
		t.Fatalf("got %+v", msg.Sub)
	}

	postBuf := codec.NewBuffer()
	postMsg := PostMsg{Path: path, Msg: codec.DataValueOf(codec.DataValue{TypeID: codec.TypeID(codec.KindString), Inner: codec.StringValue("hi")})}
	if err := EncodePost(postBuf, interner, postMsg); err != nil {
		t.Fatalf("encode post: %v", err)
	}
}

func TestTErrRoundTrip(t *testing.T) {
	// TErrMsg's shape is what the engine sends back for a TAdd
	// collision; this only verifies it round-trips on the wire, the
	// "always TErr, never silent TSet" decision is enforced in the
	// engine (the open question proto itself stays agnostic to).
	interner := codec.NewInterner()
	path := codec.Root().Child("rooms")
	key := codec.NewUUID()
	b := codec.NewBuffer()
	if err := EncodeTErr(b, interner, TErrMsg{Path: path, Key: key, Cause: "key exists"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	rb := codec.NewBufferFrom(b.Bytes())
	tag, _ := rb.ReadInt8()
	msg, err := DecodeDownControl(rb, codec.NewInterner(), byte(tag))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.TErr == nil || msg.TErr.Key != key || msg.TErr.Cause != "key exists" {
		t.Fatalf("got %+v", msg.TErr)
	}
}

func TestSObjSnapshotRoundTrip(t *testing.T) {
	meta := objects.NewBuilder("Room").
		Value("name", codec.KindString, true).
		Value("capacity", codec.KindInt32, true).
		Build()

	interner := codec.NewInterner()
	path := codec.Root().Child("rooms").Key(codec.NewUUID())
	b := codec.NewBuffer()
	err := EncodeSObj(b, interner, SObjMsg{
		Path: path,
		Props: []SnapshotEntry{
			{PropIndex: 0, Val: codec.StringValue("lobby")},
			{PropIndex: 1, Val: codec.Int32Value(10)},
		},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	rb := codec.NewBufferFrom(b.Bytes())
	rb.ReadInt8() // consume the DownSObj tag; DecodeSObj starts at the path
	got, err := DecodeSObj(rb, codec.NewInterner(), meta, nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Props) != 2 || got.Props[0].Val.AsString() != "lobby" || got.Props[1].Val.AsInt() != 10 {
		t.Fatalf("got %+v", got.Props)
	}
}

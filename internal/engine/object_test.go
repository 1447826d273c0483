package engine

import (
	"context"
	"testing"
	"time"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
)

type fakeSub struct {
	id    uint64
	auth  objects.Auth
	syncs []proto.SyncMsg
	vsets []proto.VSetMsg
	vdels []proto.VDelMsg
}

func (f *fakeSub) ID() uint64             { return f.id }
func (f *fakeSub) Auth() objects.Auth     { return f.auth }
func (f *fakeSub) NotifySync(m proto.SyncMsg)  { f.syncs = append(f.syncs, m) }
func (f *fakeSub) NotifyVSet(m proto.VSetMsg)  { f.vsets = append(f.vsets, m) }
func (f *fakeSub) NotifyVDel(m proto.VDelMsg)  { f.vdels = append(f.vdels, m) }

func roomMeta() *objects.TypeMeta {
	return objects.NewBuilder("Room").
		Value("name", codec.KindString, true).
		Set("members", codec.KindUUID, true).
		Table("messages").
		View("recent", "messages", nil, "").
		Queue("chatq", nil).
		Build()
}

func TestSubscribeDeniedByDefaultHooks(t *testing.T) {
	obj := NewObject(roomMeta(), codec.Root().Child("rooms"), objects.DefaultHooks{}, nil)
	sub := &fakeSub{id: 1, auth: objects.Auth{}}
	if _, err := obj.Subscribe(sub); err == nil {
		t.Fatal("expected subscribe to be denied for unauthenticated auth")
	}
	sysSub := &fakeSub{id: 2, auth: objects.SystemAuth}
	if _, err := obj.Subscribe(sysSub); err != nil {
		t.Fatalf("expected system subscribe to succeed: %v", err)
	}
}

func TestApplySyncBroadcastsExcludingOrigin(t *testing.T) {
	obj := NewObject(roomMeta(), codec.Root(), objects.AllowAll{}, nil)
	a := &fakeSub{id: 1}
	b := &fakeSub{id: 2}
	obj.subs.Add(a)
	obj.subs.Add(b)

	nameProp, _ := obj.Meta.ByName("name")
	msg := proto.SyncMsg{PropIndex: nameProp.Index, Op: proto.OpValSet, Val: codec.StringValue("lobby")}
	if err := obj.ApplySync(msg, objects.Auth{}, 1); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(a.syncs) != 0 {
		t.Fatalf("expected origin subscriber to not receive echo, got %d", len(a.syncs))
	}
	if len(b.syncs) != 1 || b.syncs[0].Val.AsString() != "lobby" {
		t.Fatalf("expected other subscriber to receive sync, got %+v", b.syncs)
	}
}

func TestApplySyncNoOpDoesNotBroadcast(t *testing.T) {
	obj := NewObject(roomMeta(), codec.Root(), objects.AllowAll{}, nil)
	b := &fakeSub{id: 2}
	obj.subs.Add(b)
	nameProp, _ := obj.Meta.ByName("name")

	msg := proto.SyncMsg{PropIndex: nameProp.Index, Op: proto.OpValSet, Val: codec.StringValue("")}
	// Value starts as zero string "" already; setting it to "" again is a no-op.
	if err := obj.ApplySync(msg, objects.Auth{}, 0); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(b.syncs) != 0 {
		t.Fatalf("expected no broadcast for no-op write, got %d", len(b.syncs))
	}
}

func TestTableAddCollisionNeverSilentlyUpgradesToSet(t *testing.T) {
	obj := NewObject(roomMeta(), codec.Root(), objects.AllowAll{}, nil)
	msgProp, _ := obj.Meta.ByName("messages")
	key := codec.NewUUID()
	rec := codec.Record{}.With("text", codec.StringValue("hi"))

	if err := obj.TableAdd(msgProp.Index, key, rec, objects.SystemAuth); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := obj.TableAdd(msgProp.Index, key, rec, objects.SystemAuth)
	if err == nil {
		t.Fatal("expected second add with same key to fail, not silently upgrade")
	}
	got, ok := obj.Table(msgProp.Index)
	if !ok {
		t.Fatal("expected table state")
	}
	if row, _ := got.Get(key); row.Equal(codec.Record{}) {
		t.Fatal("expected original row preserved")
	}
}

func TestViewProjectsTableRowsOnAddAndDelete(t *testing.T) {
	obj := NewObject(roomMeta(), codec.Root(), objects.AllowAll{}, nil)
	msgProp, _ := obj.Meta.ByName("messages")
	viewProp, _ := obj.Meta.ByName("recent")

	view, ok := obj.View(viewProp.Index)
	if !ok {
		t.Fatal("expected bound view")
	}
	sub := &fakeSub{id: 5}
	view.Subscribe(sub)

	key := codec.NewUUID()
	rec := codec.Record{}.With("text", codec.StringValue("hi"))
	if err := obj.TableAdd(msgProp.Index, key, rec, objects.SystemAuth); err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(sub.vsets) != 1 {
		t.Fatalf("expected 1 vset after add, got %d", len(sub.vsets))
	}
	if err := obj.TableDel(msgProp.Index, key, objects.SystemAuth); err != nil {
		t.Fatalf("del: %v", err)
	}
	if len(sub.vdels) != 1 {
		t.Fatalf("expected 1 vdel after delete, got %d", len(sub.vdels))
	}
}

func TestQueuePostIsAlwaysScheduledNotSynchronous(t *testing.T) {
	done := make(chan struct{})
	release := make(chan struct{})
	meta := objects.NewBuilder("Echo").
		Queue("chatq", func(ctx context.Context, obj any, auth objects.Auth, msg codec.Value) error {
			<-release
			close(done)
			return nil
		}).
		Build()

	obj := NewObject(meta, codec.Root(), objects.AllowAll{}, nil)
	qProp, _ := obj.Meta.ByName("chatq")

	// The handler blocks until release is closed, so Post can only
	// return first if it schedules the handler instead of calling it.
	posted := make(chan bool, 1)
	go func() { posted <- obj.Post(qProp.Index, objects.SystemAuth, codec.StringValue("hi")) }()
	select {
	case ok := <-posted:
		if !ok {
			t.Fatal("expected post to be accepted")
		}
	case <-time.After(time.Second):
		t.Fatal("Post did not return while the handler was blocked: dispatch is synchronous")
	}
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

package store

import (
	"fmt"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
	"github.com/foldsync/core/internal/reactive"
)

// ObjectState is the client-visible projection of a resolved object: a
// snapshot of every readable property, kept current by applying inbound
// sync messages. Rev increments on every mutation —
// ObjectState is compared by Rev rather than deep equality, since a
// freshly-applied state is by definition new even when a property's
// value happens to round-trip to itself.
type ObjectState struct {
	Meta  *objects.TypeMeta
	Props map[string]codec.Value
	Err   error // non-nil once an SErr has replaced the subscription
	Rev   uint64
}

func objectStateEqual(a, b ObjectState) bool { return a.Rev == b.Rev }

func copyProps(src map[string]codec.Value) map[string]codec.Value {
	dst := make(map[string]codec.Value, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// shadowObject mirrors one resolved object for the lifetime of a single
// connection generation. A reconnect discards it and builds a fresh one
// (store.go swaps the owning pathSub's outer cell to the replacement),
// since snapshots and sync history do not survive a disconnect.
type shadowObject struct {
	path codec.Path
	meta *objects.TypeMeta
	cell *reactive.Value[ObjectState]
}

func newShadowObject(path codec.Path, meta *objects.TypeMeta) *shadowObject {
	return &shadowObject{
		path: path,
		meta: meta,
		cell: reactive.NewValue(ObjectState{Meta: meta, Props: map[string]codec.Value{}}, objectStateEqual),
	}
}

func (s *shadowObject) applySnapshot(entries []proto.SnapshotEntry) {
	cur := s.cell.Get()
	props := make(map[string]codec.Value, len(entries))
	for _, e := range entries {
		prop, ok := s.meta.ByIndex(e.PropIndex)
		if !ok {
			continue
		}
		props[prop.Name] = e.Val
	}
	s.cell.Update(ObjectState{Meta: s.meta, Props: props, Rev: cur.Rev + 1})
}

func (s *shadowObject) applyErr(cause string) {
	cur := s.cell.Get()
	s.cell.Update(ObjectState{Meta: s.meta, Props: cur.Props, Err: fmt.Errorf("store: subscribe denied: %s", cause), Rev: cur.Rev + 1})
}

func (s *shadowObject) applySync(msg proto.SyncMsg) {
	prop, ok := s.meta.ByIndex(msg.PropIndex)
	if !ok {
		return
	}
	cur := s.cell.Get()
	props := copyProps(cur.Props)
	switch msg.Op {
	case proto.OpValSet:
		props[prop.Name] = msg.Val
	case proto.OpSetAdd:
		props[prop.Name] = setAdd(props[prop.Name], prop.EType, msg.Val)
	case proto.OpSetDel:
		props[prop.Name] = setDel(props[prop.Name], prop.EType, msg.Val)
	case proto.OpMapSet:
		props[prop.Name] = mapSet(props[prop.Name], prop.KType, prop.MType, msg.Key, msg.Val)
	case proto.OpMapDel:
		props[prop.Name] = mapDel(props[prop.Name], prop.KType, prop.MType, msg.Key)
	default:
		return
	}
	s.cell.Update(ObjectState{Meta: s.meta, Props: props, Rev: cur.Rev + 1})
}

func setAdd(cur codec.Value, elemKind codec.Kind, item codec.Value) codec.Value {
	items := cur.Items()
	for _, e := range items {
		if e.Equal(item) {
			return cur
		}
	}
	next := make([]codec.Value, len(items), len(items)+1)
	copy(next, items)
	return codec.SetValue(elemKind, append(next, item))
}

func setDel(cur codec.Value, elemKind codec.Kind, item codec.Value) codec.Value {
	items := cur.Items()
	next := make([]codec.Value, 0, len(items))
	for _, e := range items {
		if !e.Equal(item) {
			next = append(next, e)
		}
	}
	return codec.SetValue(elemKind, next)
}

func mapSet(cur codec.Value, keyKind, valKind codec.Kind, key, val codec.Value) codec.Value {
	entries := cur.Entries()
	next := make([]codec.MapEntry, 0, len(entries)+1)
	replaced := false
	for _, e := range entries {
		if e.Key.Equal(key) {
			next = append(next, codec.MapEntry{Key: key, Val: val})
			replaced = true
			continue
		}
		next = append(next, e)
	}
	if !replaced {
		next = append(next, codec.MapEntry{Key: key, Val: val})
	}
	return codec.MapValueOf(keyKind, valKind, next)
}

func mapDel(cur codec.Value, keyKind, valKind codec.Kind, key codec.Value) codec.Value {
	entries := cur.Entries()
	next := make([]codec.MapEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Key.Equal(key) {
			next = append(next, e)
		}
	}
	return codec.MapValueOf(keyKind, valKind, next)
}

// ViewState is the client-visible projection of a resolved view: the
// current row set keyed by record id, kept current by applying inbound
// VSET/VDEL.
type ViewState struct {
	Rows map[codec.UUID]codec.Record
	Err  error
	Rev  uint64
}

func viewStateEqual(a, b ViewState) bool { return a.Rev == b.Rev }

func copyRows(src map[codec.UUID]codec.Record) map[codec.UUID]codec.Record {
	dst := make(map[codec.UUID]codec.Record, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// shadowView mirrors one resolved view for the lifetime of a single
// connection generation, the view analogue of shadowObject.
type shadowView struct {
	path codec.Path
	cell *reactive.Value[ViewState]
}

func newShadowView(path codec.Path) *shadowView {
	return &shadowView{
		path: path,
		cell: reactive.NewValue(ViewState{Rows: map[codec.UUID]codec.Record{}}, viewStateEqual),
	}
}

func (s *shadowView) applySet(key codec.UUID, data codec.Record) {
	cur := s.cell.Get()
	rows := copyRows(cur.Rows)
	rows[key] = data
	s.cell.Update(ViewState{Rows: rows, Rev: cur.Rev + 1})
}

func (s *shadowView) applyDel(key codec.UUID) {
	cur := s.cell.Get()
	rows := copyRows(cur.Rows)
	delete(rows, key)
	s.cell.Update(ViewState{Rows: rows, Rev: cur.Rev + 1})
}

func (s *shadowView) applyErr(cause string) {
	cur := s.cell.Get()
	s.cell.Update(ViewState{Rows: cur.Rows, Err: fmt.Errorf("store: view subscribe denied: %s", cause), Rev: cur.Rev + 1})
}

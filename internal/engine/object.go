// Package engine instantiates live objects from objects.TypeMeta,
// applies and emits property-sync messages, and projects
// tables into views. It is the runtime counterpart to the
// static metadata objects.Builder produces.
package engine

import (
	"context"
	"fmt"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
)

// Object is one live instance of an objects.TypeMeta, addressed at a
// fixed Path for its lifetime. Property storage is a parallel slice
// indexed exactly like Meta.Props, so ApplySync/Snapshot never need a
// name lookup on the hot path.
type Object struct {
	Meta  *objects.TypeMeta
	Path  codec.Path
	Hooks objects.Hooks
	Reg   *codec.Registry

	values []*valueCell // nil entries for non-PropValue props
	sets   []*setCell
	maps   []*mapCell
	tables []*TableState
	views  []*ViewState
	queues []*queueRuntime

	subs *subscriberList
}

// NewObject allocates storage for every property Meta declares. Table
// and queue runtimes are created eagerly; collection/singleton
// children are the store's responsibility to instantiate on demand
// (the engine only knows how to build one flat object, not resolve a
// whole tree).
func NewObject(meta *objects.TypeMeta, path codec.Path, hooks objects.Hooks, reg *codec.Registry) *Object {
	if hooks == nil {
		hooks = objects.DefaultHooks{}
	}
	if reg == nil {
		reg = codec.NewRegistry()
	}
	o := &Object{
		Meta: meta, Path: path, Hooks: hooks, Reg: reg,
		values: make([]*valueCell, len(meta.Props)),
		sets:   make([]*setCell, len(meta.Props)),
		maps:   make([]*mapCell, len(meta.Props)),
		tables: make([]*TableState, len(meta.Props)),
		views:  make([]*ViewState, len(meta.Props)),
		queues: make([]*queueRuntime, len(meta.Props)),
		subs:   newSubscriberList(),
	}
	for i, p := range meta.Props {
		switch p.Kind {
		case objects.PropValue:
			o.values[i] = &valueCell{val: zeroValue(p.VType)}
		case objects.PropSet:
			o.sets[i] = &setCell{}
		case objects.PropMap:
			o.maps[i] = &mapCell{}
		case objects.PropTable:
			o.tables[i] = newTableState()
		case objects.PropQueue:
			o.queues[i] = newQueueRuntime(p.Queue)
			o.queues[i].Start(context.Background())
		}
	}
	// Views bind in a second pass since a view's source table may be
	// declared either before or after it in the property list.
	for i, p := range meta.Props {
		if p.Kind != objects.PropView {
			continue
		}
		srcProp, ok := meta.ByName(p.View.SourceTable)
		if !ok || srcProp.Kind != objects.PropTable {
			panic(fmt.Sprintf("engine: view %q references unknown table %q", p.Name, p.View.SourceTable))
		}
		o.views[i] = NewViewState(p.View, path.Child(p.Name), o.tables[srcProp.Index])
	}
	return o
}

func zeroValue(k codec.Kind) codec.Value {
	switch k {
	case codec.KindBool:
		return codec.BoolValue(false)
	case codec.KindInt8:
		return codec.Int8Value(0)
	case codec.KindInt16:
		return codec.Int16Value(0)
	case codec.KindInt32:
		return codec.Int32Value(0)
	case codec.KindSize8:
		return codec.Size8Value(0)
	case codec.KindSize16:
		return codec.Size16Value(0)
	case codec.KindSize32:
		return codec.Size32Value(0)
	case codec.KindVarInt:
		return codec.VarIntValue(0)
	case codec.KindVarSize:
		return codec.VarSizeValue(0)
	case codec.KindFloat32:
		return codec.Float32Value(0)
	case codec.KindFloat64:
		return codec.Float64Value(0)
	case codec.KindString:
		return codec.StringValue("")
	case codec.KindTimestamp:
		return codec.TimestampVal(codec.Timestamp(0))
	case codec.KindUUID:
		return codec.UUIDValue(codec.Nil)
	case codec.KindRecord:
		return codec.RecordValueOf(codec.Record{})
	case codec.KindData:
		// An empty record wrapped as the record kind's own tag, so the
		// zero cell still encodes with a concrete, self-describing
		// kind rather than Value{}'s zero Kind (KindBool) — a "data"
		// property's snapshot must carry a decodable payload even
		// before any handler has ever written to it.
		return codec.DataValueOf(codec.DataValue{TypeID: codec.TypeID(codec.KindRecord), Inner: codec.RecordValueOf(codec.Record{})})
	default:
		return codec.Value{}
	}
}

// Subscribe registers sub to receive this object's future sync
// messages, gated by CanSubscribe. Returns the initial snapshot the
// subscriber's session should send as SOBJ, or an error if denied.
func (o *Object) Subscribe(sub Subscriber) (proto.SObjMsg, error) {
	auth := sub.Auth()
	if !o.Hooks.CanSubscribe(auth) {
		return proto.SObjMsg{}, fmt.Errorf("engine: Access denied: subscribe refused for %s", o.Path)
	}
	o.subs.Add(sub)
	return o.Snapshot(auth), nil
}

// Unsubscribe removes sub from this object's subscriber list.
func (o *Object) Unsubscribe(subID uint64) { o.subs.Remove(subID) }

// Snapshot builds an SObjMsg of every CanRead-permitted scalar/set/map
// property. Collection, singleton, table, view, and queue properties
// are addressed by their own child paths rather than folded into the
// parent's snapshot.
func (o *Object) Snapshot(auth objects.Auth) proto.SObjMsg {
	var entries []proto.SnapshotEntry
	for i, p := range o.Meta.Props {
		if !o.Hooks.CanRead(&o.Meta.Props[i], auth) {
			continue
		}
		switch p.Kind {
		case objects.PropValue:
			entries = append(entries, proto.SnapshotEntry{PropIndex: i, Val: o.values[i].Get()})
		case objects.PropSet:
			entries = append(entries, proto.SnapshotEntry{PropIndex: i, Val: codec.SetValue(p.EType, o.sets[i].Items())})
		case objects.PropMap:
			entries = append(entries, proto.SnapshotEntry{PropIndex: i, Val: codec.MapValueOf(p.KType, p.MType, o.maps[i].Entries())})
		}
	}
	return proto.SObjMsg{Path: o.Path, Props: entries}
}

// ApplySync applies an inbound client-originated mutation, honoring
// CanWrite, and fans the (possibly re-shaped) mutation out to every
// other subscriber. originID is the subscriber id the mutation arrived
// from, so it is never echoed back to its own sender.
func (o *Object) ApplySync(msg proto.SyncMsg, auth objects.Auth, originID uint64) error {
	prop, ok := o.Meta.ByIndex(msg.PropIndex)
	if !ok {
		return fmt.Errorf("engine: unknown property index %d on %q", msg.PropIndex, o.Meta.Name)
	}
	if !o.Hooks.CanWrite(prop, auth) {
		return fmt.Errorf("engine: write denied for property %q", prop.Name)
	}

	changed, err := o.applyLocal(prop, msg)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	o.broadcastSync(msg, originID)
	return nil
}

// applyLocal mutates this object's in-process state for msg, reporting
// whether anything actually changed (a duplicate SETADD or a no-op
// MAPDEL on a missing key reports false), the cell-level "equal
// values do not notify" invariant applied at the property level. A
// MAPSET always reports true, even when the key already held an equal
// value.
func (o *Object) applyLocal(prop *objects.PropMeta, msg proto.SyncMsg) (bool, error) {
	switch msg.Op {
	case proto.OpValSet:
		if prop.Kind != objects.PropValue {
			return false, fmt.Errorf("engine: VALSET against non-value property %q", prop.Name)
		}
		return o.values[prop.Index].Set(msg.Val), nil
	case proto.OpSetAdd:
		if prop.Kind != objects.PropSet {
			return false, fmt.Errorf("engine: SETADD against non-set property %q", prop.Name)
		}
		return o.sets[prop.Index].Add(msg.Val), nil
	case proto.OpSetDel:
		if prop.Kind != objects.PropSet {
			return false, fmt.Errorf("engine: SETDEL against non-set property %q", prop.Name)
		}
		return o.sets[prop.Index].Delete(msg.Val), nil
	case proto.OpMapSet:
		if prop.Kind != objects.PropMap {
			return false, fmt.Errorf("engine: MAPSET against non-map property %q", prop.Name)
		}
		o.maps[prop.Index].Set(msg.Key, msg.Val)
		return true, nil
	case proto.OpMapDel:
		if prop.Kind != objects.PropMap {
			return false, fmt.Errorf("engine: MAPDEL against non-map property %q", prop.Name)
		}
		return o.maps[prop.Index].Delete(msg.Key), nil
	default:
		return false, fmt.Errorf("engine: unknown sync op %d", msg.Op)
	}
}

// ApplyLocalSystemWrite applies a server-originated mutation (e.g. a
// handler reacting to a queue post) under SystemAuth and broadcasts it
// to every subscriber — there is no originating subscriber to exclude.
func (o *Object) ApplyLocalSystemWrite(msg proto.SyncMsg) error {
	prop, ok := o.Meta.ByIndex(msg.PropIndex)
	if !ok {
		return fmt.Errorf("engine: unknown property index %d", msg.PropIndex)
	}
	changed, err := o.applyLocal(prop, msg)
	if err != nil {
		return err
	}
	if changed {
		o.broadcastSync(msg, 0)
	}
	return nil
}

// viewsOverTable returns every ViewState in this object bound to the
// table at tableIndex, so a row mutation can fan out to all of them.
func (o *Object) viewsOverTable(tableIndex int) []*ViewState {
	var out []*ViewState
	for i, p := range o.Meta.Props {
		if p.Kind == objects.PropView && o.views[i] != nil {
			srcProp, _ := o.Meta.ByName(p.View.SourceTable)
			if srcProp != nil && srcProp.Index == tableIndex {
				out = append(out, o.views[i])
			}
		}
	}
	return out
}

// TableAdd inserts a record, returning a TErrMsg-shaped error (via the
// caller translating ok=false) on key collision — never a silent
// TSET.
func (o *Object) TableAdd(tableIndex int, key codec.UUID, rec codec.Record, auth objects.Auth) error {
	prop, ok := o.Meta.ByIndex(tableIndex)
	if !ok || prop.Kind != objects.PropTable {
		return fmt.Errorf("engine: property %d is not a table", tableIndex)
	}
	if !o.Hooks.CanCreate(prop.Table, auth) {
		return fmt.Errorf("engine: create denied on table %q", prop.Name)
	}
	if err := o.tables[tableIndex].Add(key, rec); err != nil {
		return err
	}
	for _, v := range o.viewsOverTable(tableIndex) {
		v.NotifyRowChanged(key, rec, false)
	}
	return nil
}

func (o *Object) TableSet(tableIndex int, key codec.UUID, rec codec.Record, merge bool, auth objects.Auth) error {
	prop, ok := o.Meta.ByIndex(tableIndex)
	if !ok || prop.Kind != objects.PropTable {
		return fmt.Errorf("engine: property %d is not a table", tableIndex)
	}
	if !o.Hooks.CanWrite(prop, auth) {
		return fmt.Errorf("engine: write denied on table %q", prop.Name)
	}
	if err := o.tables[tableIndex].Set(key, rec, merge); err != nil {
		return err
	}
	full, _ := o.tables[tableIndex].Get(key)
	for _, v := range o.viewsOverTable(tableIndex) {
		v.NotifyRowChanged(key, full, false)
	}
	return nil
}

func (o *Object) TableDel(tableIndex int, key codec.UUID, auth objects.Auth) error {
	prop, ok := o.Meta.ByIndex(tableIndex)
	if !ok || prop.Kind != objects.PropTable {
		return fmt.Errorf("engine: property %d is not a table", tableIndex)
	}
	if !o.Hooks.CanWrite(prop, auth) {
		return fmt.Errorf("engine: write denied on table %q", prop.Name)
	}
	if !o.tables[tableIndex].Delete(key) {
		return fmt.Errorf("engine: table key %s not found", key)
	}
	for _, v := range o.viewsOverTable(tableIndex) {
		v.NotifyRowChanged(key, codec.Record{}, true)
	}
	return nil
}

// View returns the bound ViewState for propIndex, if any.
func (o *Object) View(propIndex int) (*ViewState, bool) {
	if propIndex < 0 || propIndex >= len(o.views) || o.views[propIndex] == nil {
		return nil, false
	}
	return o.views[propIndex], true
}

// Table returns the TableState for propIndex, if any.
func (o *Object) Table(propIndex int) (*TableState, bool) {
	if propIndex < 0 || propIndex >= len(o.tables) || o.tables[propIndex] == nil {
		return nil, false
	}
	return o.tables[propIndex], true
}

// Queue returns the queue runtime for propIndex, if any.
func (o *Object) Queue(propIndex int) (*queueRuntime, bool) {
	if propIndex < 0 || propIndex >= len(o.queues) || o.queues[propIndex] == nil {
		return nil, false
	}
	return o.queues[propIndex], true
}

// Post submits msg to the queue at propIndex for scheduled dispatch.
// ok is false if the property isn't a queue or its dispatch buffer is
// saturated.
func (o *Object) Post(propIndex int, auth objects.Auth, msg codec.Value) bool {
	q, ok := o.Queue(propIndex)
	if !ok {
		return false
	}
	return q.Post(o, auth, msg)
}

// Close stops every queue runtime this object owns. Call once the
// object is permanently removed (not on a mere zero-subscriber dip).
func (o *Object) Close() {
	for _, q := range o.queues {
		if q != nil {
			q.Stop()
		}
	}
}

func (o *Object) broadcastSync(msg proto.SyncMsg, excludeSubID uint64) {
	for _, sub := range o.subs.Snapshot() {
		if sub.ID() == excludeSubID {
			continue
		}
		prop, ok := o.Meta.ByIndex(msg.PropIndex)
		if ok && !o.Hooks.CanRead(prop, sub.Auth()) {
			continue
		}
		sub.NotifySync(msg)
	}
}

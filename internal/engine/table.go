package engine

import (
	"fmt"
	"sort"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
)

// TableState is one table property's keyed record store. Table
// mutation (TADD/TSET/TDEL) is a distinct message family from the
// scalar sync ops: records are free-form (codec.Record), not typed by
// PropMeta, and TADD's collision behavior is resolved here as "always
// reject, never silently upgrade to TSET" (see DESIGN.md).
type TableState struct {
	rows map[codec.UUID]codec.Record
	keys []codec.UUID // insertion order, for stable unordered iteration
}

func newTableState() *TableState {
	return &TableState{rows: make(map[codec.UUID]codec.Record)}
}

func (t *TableState) Get(key codec.UUID) (codec.Record, bool) {
	r, ok := t.rows[key]
	return r, ok
}

func (t *TableState) Rows() map[codec.UUID]codec.Record { return t.rows }

// Add inserts a new row, reporting an error if key already exists —
// callers must translate that into a TErrMsg rather than retrying as
// a TSet.
func (t *TableState) Add(key codec.UUID, rec codec.Record) error {
	if _, exists := t.rows[key]; exists {
		return fmt.Errorf("engine: table key %s already exists", key)
	}
	t.rows[key] = rec
	t.keys = append(t.keys, key)
	return nil
}

// Set updates (merge=true) or replaces (merge=false) an existing row.
func (t *TableState) Set(key codec.UUID, rec codec.Record, merge bool) error {
	existing, ok := t.rows[key]
	if !ok {
		return fmt.Errorf("engine: table key %s does not exist", key)
	}
	if !merge {
		t.rows[key] = rec
		return nil
	}
	merged := existing
	for _, f := range rec.Fields {
		merged = merged.With(f.Name, f.Value)
	}
	t.rows[key] = merged
	return nil
}

func (t *TableState) Delete(key codec.UUID) bool {
	if _, ok := t.rows[key]; !ok {
		return false
	}
	delete(t.rows, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
	return true
}

// ViewState projects a sibling table through a filter/order, tracking
// its own subscriber list separately from the table's (a view and its
// source table are subscribed to independently).
type ViewState struct {
	Meta   *objects.ViewMeta
	Path   codec.Path
	Source *TableState
	subs   *subscriberList
}

// NewViewState binds a view to its already-built source TableState.
func NewViewState(meta *objects.ViewMeta, path codec.Path, source *TableState) *ViewState {
	return &ViewState{Meta: meta, Path: path, Source: source, subs: newSubscriberList()}
}

// matches reports whether rec passes every equality filter.
func (v *ViewState) matches(rec codec.Record) bool {
	for _, f := range v.Meta.Filters {
		val, ok := rec.Get(f.Field)
		if !ok || !val.Equal(f.Eq) {
			return false
		}
	}
	return true
}

// Rows returns every row in the source table currently passing the
// view's filter, keyed by table row key.
func (v *ViewState) Rows() map[codec.UUID]codec.Record {
	out := make(map[codec.UUID]codec.Record)
	for k, r := range v.Source.Rows() {
		if v.matches(r) {
			out[k] = r
		}
	}
	return out
}

// ViewRow pairs a view row with its table key, giving snapshot
// emission a stable order to iterate in.
type ViewRow struct {
	Key    codec.UUID
	Record codec.Record
}

// OrderedRows returns every row passing the filter, sorted by
// Meta.OrderBy when set (ascending, by that field's scalar value) and
// otherwise in the source table's insertion order.
func (v *ViewState) OrderedRows() []ViewRow {
	out := make([]ViewRow, 0, len(v.Source.keys))
	for _, k := range v.Source.keys {
		r, ok := v.Source.rows[k]
		if !ok || !v.matches(r) {
			continue
		}
		out = append(out, ViewRow{Key: k, Record: r})
	}
	if v.Meta.OrderBy != "" {
		field := v.Meta.OrderBy
		sort.SliceStable(out, func(i, j int) bool {
			vi, iok := out[i].Record.Get(field)
			vj, jok := out[j].Record.Get(field)
			if !iok || !jok {
				return jok && !iok
			}
			return lessValue(vi, vj)
		})
	}
	return out
}

// lessValue orders two scalar codec.Values of the same kind, the set
// of kinds a ViewMeta.OrderBy field can realistically hold (record
// fields are themselves scalar/array/set/map, but ordering by a
// composite field isn't meaningful, so those fall through to false —
// a stable no-op ordering for that field).
func lessValue(a, b codec.Value) bool {
	switch a.Kind() {
	case codec.KindBool:
		return !a.AsBool() && b.AsBool()
	case codec.KindInt8, codec.KindInt16, codec.KindInt32, codec.KindVarInt:
		return a.AsInt() < b.AsInt()
	case codec.KindSize8, codec.KindSize16, codec.KindSize32, codec.KindVarSize:
		return a.AsUint() < b.AsUint()
	case codec.KindFloat32, codec.KindFloat64:
		return a.AsFloat() < b.AsFloat()
	case codec.KindString:
		return a.AsString() < b.AsString()
	case codec.KindTimestamp:
		return a.AsTimestamp() < b.AsTimestamp()
	case codec.KindUUID:
		return a.AsUUID().String() < b.AsUUID().String()
	default:
		return false
	}
}

// Subscribe registers sub for this view's row-change stream, sending
// nothing itself — the caller is responsible for emitting the initial
// VSET burst (internal/session sends it from OrderedRows()).
func (v *ViewState) Subscribe(sub Subscriber) { v.subs.Add(sub) }
func (v *ViewState) Unsubscribe(id uint64)    { v.subs.Remove(id) }

// NotifyRowChanged re-evaluates rec against the filter and emits a
// VSET (now matching) or VDEL (no longer matching, or was never
// matching) accordingly. Called by the table's mutation path whenever
// a row is added, set, or deleted.
func (v *ViewState) NotifyRowChanged(key codec.UUID, rec codec.Record, deleted bool) {
	matchesNow := !deleted && v.matches(rec)
	for _, sub := range v.subs.Snapshot() {
		if matchesNow {
			sub.NotifyVSet(proto.VSetMsg{Path: v.Path, Key: key, Data: rec})
		} else {
			sub.NotifyVDel(proto.VDelMsg{Path: v.Path, Key: key})
		}
	}
}

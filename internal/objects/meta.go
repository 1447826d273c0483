// Package objects builds the immutable, per-type metadata the object
// engine instantiates cells from. Building this list used to be done
// via decorators that mutated a type's prototype property list at
// import time — here it is a one-shot, explicit builder
// (Build) that produces an immutable *TypeMeta, shared by pointer
// across every instance of that type, indexed by a stable, dense
// property index assigned in declaration order.
package objects

import (
	"context"
	"fmt"

	"github.com/foldsync/core/internal/codec"
)

// PropKind enumerates the property shapes an object may declare.
type PropKind uint8

const (
	PropValue PropKind = iota
	PropSet
	PropMap
	PropCollection
	PropSingleton
	PropTable
	PropView
	PropQueue
)

func (k PropKind) String() string {
	switch k {
	case PropValue:
		return "value"
	case PropSet:
		return "set"
	case PropMap:
		return "map"
	case PropCollection:
		return "collection"
	case PropSingleton:
		return "singleton"
	case PropTable:
		return "table"
	case PropView:
		return "view"
	case PropQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// Auth is the authenticated identity a session presents to the four
// access-control hooks. The zero Auth is not IsSystem and carries no
// Id — it represents "unauthenticated," which every default hook
// denies.
type Auth struct {
	ID       codec.UUID
	Source   string
	IsSystem bool
}

// SystemAuth is the one identity every default access-control hook
// permits. The engine uses it for server-internal writes (e.g.
// applying a table mutation on behalf of a persistence-layer replay).
var SystemAuth = Auth{IsSystem: true}

// QueueHandler processes one posted message. obj is the owning
// engine.Object, typed as any here to avoid a metadata->engine import
// cycle; handlers type-assert it back themselves.
type QueueHandler func(ctx context.Context, obj any, auth Auth, msg codec.Value) error

// TableMeta describes a table property: a keyed collection of
// free-form records.
type TableMeta struct {
	Name string
}

// ViewFilter is one equality constraint a View applies to its source
// table.
type ViewFilter struct {
	Field string
	Eq    codec.Value
}

// ViewMeta describes a view property: a projection of a sibling table,
// optionally filtered and ordered.
type ViewMeta struct {
	Name        string
	SourceTable string
	Filters     []ViewFilter
	OrderBy     string // field name; empty means unordered (insertion order)
}

// QueueMeta describes a queue property: a typed inbox dispatched to a
// registered handler.
type QueueMeta struct {
	Name    string
	Handler QueueHandler
}

// PropMeta is one property's declarative metadata, carrying the stable
// wire index used by sync messages and snapshots.
// Only the fields relevant to Kind are populated; zero values in the
// others are never read.
type PropMeta struct {
	Index   int
	Name    string
	Kind    PropKind
	Persist bool

	VType codec.Kind // PropValue: the cell's scalar type
	EType codec.Kind // PropSet: element type (keyable scalars only)
	KType codec.Kind // PropMap: key type
	MType codec.Kind // PropMap: value type

	// New constructs the sub-object type for a PropCollection element
	// or a PropSingleton. For a hierarchy-resolving collection, NewByKey takes
	// priority over New when non-nil.
	New      func() *TypeMeta
	NewByKey func(key codec.UUID) *TypeMeta

	Table *TableMeta
	View  *ViewMeta
	Queue *QueueMeta
}

// TypeMeta is one object type's full, immutable metadata list. It is
// built once (see Build) and shared by pointer across every instance
// of the type.
type TypeMeta struct {
	Name  string
	Props []PropMeta

	byName map[string]*PropMeta
}

// ByName looks up a property by its declared name.
func (t *TypeMeta) ByName(name string) (*PropMeta, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// ByIndex looks up a property by its wire index, used when applying an
// inbound sync message or decoding an SOBJ entry.
func (t *TypeMeta) ByIndex(idx int) (*PropMeta, bool) {
	if idx < 0 || idx >= len(t.Props) {
		return nil, false
	}
	return &t.Props[idx], true
}

// Builder accumulates property declarations in order before Build
// freezes them into a *TypeMeta. Indices are assigned densely in
// declaration order, so lookups by index stay dense and stable.
type Builder struct {
	name  string
	props []PropMeta
	seen  map[string]bool
}

// NewBuilder starts a metadata builder for a type named name.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, seen: make(map[string]bool)}
}

func (b *Builder) add(p PropMeta) *Builder {
	if b.seen[p.Name] {
		panic(fmt.Sprintf("objects: duplicate property name %q on type %q", p.Name, b.name))
	}
	b.seen[p.Name] = true
	p.Index = len(b.props)
	b.props = append(b.props, p)
	return b
}

// Value declares a scalar cell property.
func (b *Builder) Value(name string, vtype codec.Kind, persist bool) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropValue, VType: vtype, Persist: persist})
}

// Set declares a set-of-etype property.
func (b *Builder) Set(name string, etype codec.Kind, persist bool) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropSet, EType: etype, Persist: persist})
}

// Map declares a map-from-ktype-to-vtype property.
func (b *Builder) Map(name string, ktype, vtype codec.Kind, persist bool) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropMap, KType: ktype, MType: vtype, Persist: persist})
}

// Collection declares a keyed sub-object collection. newFn constructs
// the element type for any key.
func (b *Builder) Collection(name string, newFn func() *TypeMeta) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropCollection, New: newFn})
}

// CollectionByKey declares a hierarchy-resolving keyed sub-object
// collection, where the element type may depend on the key.
func (b *Builder) CollectionByKey(name string, newByKey func(codec.UUID) *TypeMeta) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropCollection, NewByKey: newByKey})
}

// Singleton declares a fixed-type single sub-object.
func (b *Builder) Singleton(name string, newFn func() *TypeMeta) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropSingleton, New: newFn})
}

// Table declares a table-of-records property.
func (b *Builder) Table(name string) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropTable, Table: &TableMeta{Name: name}})
}

// View declares a projection of a sibling table.
func (b *Builder) View(name, sourceTable string, filters []ViewFilter, orderBy string) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropView, View: &ViewMeta{
		Name: name, SourceTable: sourceTable, Filters: filters, OrderBy: orderBy,
	}})
}

// Queue declares a typed inbox dispatched to handler.
func (b *Builder) Queue(name string, handler QueueHandler) *Builder {
	return b.add(PropMeta{Name: name, Kind: PropQueue, Queue: &QueueMeta{Name: name, Handler: handler}})
}

// Build freezes the declared properties into an immutable *TypeMeta.
func (b *Builder) Build() *TypeMeta {
	t := &TypeMeta{Name: b.name, Props: b.props, byName: make(map[string]*PropMeta, len(b.props))}
	for i := range t.Props {
		t.byName[t.Props[i].Name] = &t.Props[i]
	}
	return t
}

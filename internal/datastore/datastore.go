// Package datastore implements session.Resolver: it owns the
// lifetime of every live engine.Object, creating them on first
// resolution and (for filestore) persisting their state across
// process restarts. Built the same way a connection pool manages a
// single map protected by one mutex, generalized from "pool of
// sockets" to "pool of resolved objects."
package datastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/foldsync/core/internal/codec"
	"github.com/foldsync/core/internal/engine"
	"github.com/foldsync/core/internal/objects"
)

// Factory builds a brand-new object for a path the store has not seen
// before, or reports ok=false if nothing knows how to instantiate that
// path (an unregistered type, a malformed id). Concrete applications
// (e.g. examples/chat) supply one that dispatches on path shape.
type Factory func(path codec.Path) (meta *objects.TypeMeta, hooks objects.Hooks, ok bool)

// MemStore is the in-memory DataStore: objects live exactly as long as
// the process does. This is the default, zero-configuration resolver.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]*engine.Object
	factory Factory
	reg     *codec.Registry
	logger  zerolog.Logger
}

// NewMemStore builds a MemStore. factory is consulted whenever
// Resolve sees a path it has not created an object for yet.
func NewMemStore(factory Factory, reg *codec.Registry, logger zerolog.Logger) *MemStore {
	return &MemStore{
		objects: make(map[string]*engine.Object),
		factory: factory,
		reg:     reg,
		logger:  logger,
	}
}

// Resolve implements session.Resolver.
func (m *MemStore) Resolve(ctx context.Context, auth objects.Auth, path codec.Path) (*engine.Object, error) {
	key := path.String()

	m.mu.Lock()
	if obj, ok := m.objects[key]; ok {
		m.mu.Unlock()
		return obj, nil
	}
	m.mu.Unlock()

	meta, hooks, ok := m.factory(path)
	if !ok {
		return nil, fmt.Errorf("datastore: no object registered at %s", key)
	}
	if !hooks.CanSubscribe(auth) {
		return nil, fmt.Errorf("datastore: subscribe denied at %s", key)
	}

	obj := engine.NewObject(meta, path, hooks, m.reg)

	m.mu.Lock()
	if existing, ok := m.objects[key]; ok {
		// Lost a race with a concurrent first-resolve; use the winner
		// and let obj be garbage collected rather than hold two live
		// objects for the same path.
		m.mu.Unlock()
		return existing, nil
	}
	m.objects[key] = obj
	m.mu.Unlock()

	m.logger.Debug().Str("path", key).Msg("datastore: object created")
	return obj, nil
}

// Put registers an already-constructed object under its own path,
// for callers (examples/chat) that build well-known singleton objects
// at startup rather than through the factory.
func (m *MemStore) Put(obj *engine.Object, path codec.Path) {
	m.mu.Lock()
	m.objects[path.String()] = obj
	m.mu.Unlock()
}

// Snapshot returns every known (path, object) pair, used by a
// FileStore's flush loop to decide what needs writing.
func (m *MemStore) Snapshot() map[string]*engine.Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*engine.Object, len(m.objects))
	for k, v := range m.objects {
		out[k] = v
	}
	return out
}

// Shutdown releases every tracked object. MemStore has nothing to
// flush, so this just stops each object's queue runtimes.
func (m *MemStore) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.objects {
		obj.Close()
	}
	return nil
}

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/foldsync/core/internal/objects"
	"github.com/foldsync/core/internal/proto"
)

// Subscriber is whatever session-layer adapter wraps one channel's
// subscription to an object. The engine never imports mux or session
// directly (same reasoning as objects.QueueHandler's untyped obj
// parameter) — it only needs to notify a subscriber and read its auth.
type Subscriber interface {
	ID() uint64
	Auth() objects.Auth
	NotifySync(msg proto.SyncMsg)
	NotifyVSet(msg proto.VSetMsg)
	NotifyVDel(msg proto.VDelMsg)
}

// subscriberList is a copy-on-write, lock-free-read subscriber
// registry for one object, the same snapshot-swap shape a
// subscription index keyed by channel string would use, adapted from
// "clients per channel string" to "subscribers per object instance" —
// one list per Object rather than a map, since here the object path
// already plays the role the channel string played there.
type subscriberList struct {
	snapshot atomic.Value // []Subscriber
	mu       sync.Mutex   // serializes writers only; readers never lock
}

func newSubscriberList() *subscriberList {
	s := &subscriberList{}
	s.snapshot.Store([]Subscriber{})
	return s
}

func (s *subscriberList) Add(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot.Load().([]Subscriber)
	for _, existing := range cur {
		if existing.ID() == sub.ID() {
			return
		}
	}
	next := make([]Subscriber, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = sub
	s.snapshot.Store(next)
}

func (s *subscriberList) Remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snapshot.Load().([]Subscriber)
	for i, existing := range cur {
		if existing.ID() == id {
			next := make([]Subscriber, len(cur)-1)
			copy(next, cur[:i])
			copy(next[i:], cur[i+1:])
			s.snapshot.Store(next)
			return
		}
	}
}

// Snapshot returns the current immutable subscriber slice. Safe to
// range over without copying; must never be mutated by the caller.
func (s *subscriberList) Snapshot() []Subscriber {
	return s.snapshot.Load().([]Subscriber)
}

func (s *subscriberList) Len() int { return len(s.Snapshot()) }

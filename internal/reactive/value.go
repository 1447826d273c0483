package reactive

// ChangeListener receives (new, old) on every strict-inequality change
// of a Value's state. Listeners are invoked once immediately on
// attach, surfacing the current value as if it had just changed from
// itself.
type ChangeListener[T any] func(next, prev T)

// EqualFunc reports whether two states are equal for change-detection
// purposes. The zero value of EqualFunc (nil) makes Value default to
// reference equality via Go's built-in == where T is comparable;
// record-valued cells that want deep-structural equality supply one
// explicitly.
type EqualFunc[T any] func(a, b T) bool

// Value is a reactive cell: a current state plus a change stream.
type Value[T any] struct {
	state     T
	equal     EqualFunc[T]
	listeners []ChangeListener[T]
}

// NewValue returns a cell seeded with initial, using eq to detect
// changes. Pass nil for eq when T is comparable with == and reference
// semantics suffice.
func NewValue[T any](initial T, eq EqualFunc[T]) *Value[T] {
	return &Value[T]{state: initial, equal: eq}
}

// Get reads the current state directly — no round-trip, per spec
// §4.4's "Reads are direct cell reads."
func (v *Value[T]) Get() T { return v.state }

// Listen attaches l, invoking it immediately with (current, current),
// then on every subsequent strict-inequality change. Returns an
// unsubscribe function.
func (v *Value[T]) Listen(l ChangeListener[T]) (unlisten func()) {
	v.listeners = append(v.listeners, l)
	idx := len(v.listeners) - 1
	l(v.state, v.state)
	return func() {
		if idx < 0 || idx >= len(v.listeners) || v.listeners[idx] == nil {
			return
		}
		v.listeners[idx] = nil
	}
}

// Update sets a new state, notifying listeners only if it differs from
// the current one under v's equality function.
func (v *Value[T]) Update(next T) {
	prev := v.state
	if v.same(prev, next) {
		return
	}
	v.state = next
	for _, l := range v.listeners {
		if l != nil {
			l(next, prev)
		}
	}
}

func (v *Value[T]) same(a, b T) bool {
	if v.equal != nil {
		return v.equal(a, b)
	}
	return any(a) == any(b)
}

// WhenOnce invokes l the first time v's state satisfies pred, then never
// again. If the current state already satisfies pred, l fires
// synchronously during this call. Used for suspension points: "outbound channel sends may suspend until the channel reaches
// open" is exactly a WhenOnce(state == open).
func WhenOnce[T any](v *Value[T], pred func(T) bool, l func(T)) (cancel func()) {
	var unlisten func()
	fired := false
	unlisten = v.Listen(func(next, _ T) {
		if fired || !pred(next) {
			return
		}
		fired = true
		l(next)
		if unlisten != nil {
			unlisten()
		}
	})
	return unlisten
}

// When invokes l every time v's state transitions into satisfying
// pred (including, once, the initial attach if it already does).
func When[T any](v *Value[T], pred func(T) bool, l func(T)) (cancel func()) {
	wasTrue := false
	return v.Listen(func(next, _ T) {
		is := pred(next)
		if is && !wasTrue {
			l(next)
		}
		wasTrue = is
	})
}

package reactive

// MapValue derives a new cell that tracks fn(source.Get()), recomputed
// on every upstream change. The derived cell uses reference equality
// unless eq is supplied, same default as NewValue.
func MapValue[A, B any](source *Value[A], fn func(A) B, eq EqualFunc[B]) *Value[B] {
	derived := NewValue(fn(source.Get()), eq)
	source.Listen(func(next, _ A) {
		derived.Update(fn(next))
	})
	return derived
}

// SwitchMap flattens a "value of a source" into a single derived cell
// that always tracks the currently-selected inner value, resubscribing
// whenever the outer cell picks a new inner Value. This is how the
// client store's per-path handle tracks "whichever object is currently
// resolved at this path" through reconnects that swap the underlying
// shadow object.
func SwitchMap[A, B any](source *Value[A], selector func(A) *Value[B], eq EqualFunc[B]) *Value[B] {
	var derived *Value[B]
	var innerUnlisten func()

	attach := func(a A) {
		if innerUnlisten != nil {
			innerUnlisten()
			innerUnlisten = nil
		}
		inner := selector(a)
		innerUnlisten = inner.Listen(func(next, _ B) {
			if derived == nil {
				return
			}
			derived.Update(next)
		})
	}

	initial := selector(source.Get()).Get()
	derived = NewValue(initial, eq)
	attach(source.Get())
	source.Listen(func(next, _ A) {
		attach(next)
	})
	return derived
}

// Join2 combines two cells into a single cell of their pair, updating
// whenever either input changes. Equality is always reference/struct
// equality on the pair; callers wanting custom equality should wrap
// with MapValue.
func Join2[A, B any](a *Value[A], b *Value[B]) *Value[Pair2[A, B]] {
	derived := NewValue(Pair2[A, B]{A: a.Get(), B: b.Get()}, nil)
	a.Listen(func(next, _ A) {
		derived.Update(Pair2[A, B]{A: next, B: b.Get()})
	})
	b.Listen(func(next, _ B) {
		derived.Update(Pair2[A, B]{A: a.Get(), B: next})
	})
	return derived
}

// Pair2 is the n=2 tuple Join2 produces.
type Pair2[A, B any] struct {
	A A
	B B
}

// Join3 is Join2 generalized to three inputs.
func Join3[A, B, C any](a *Value[A], b *Value[B], c *Value[C]) *Value[Triple3[A, B, C]] {
	derived := NewValue(Triple3[A, B, C]{A: a.Get(), B: b.Get(), C: c.Get()}, nil)
	update := func() {
		derived.Update(Triple3[A, B, C]{A: a.Get(), B: b.Get(), C: c.Get()})
	}
	a.Listen(func(_, _ A) { update() })
	b.Listen(func(_, _ B) { update() })
	c.Listen(func(_, _ C) { update() })
	return derived
}

// Triple3 is the n=3 tuple Join3 produces.
type Triple3[A, B, C any] struct {
	A A
	B B
	C C
}

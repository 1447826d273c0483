package reactive

import "testing"

func TestValueListenFiresImmediately(t *testing.T) {
	v := NewValue(1, nil)
	calls := 0
	v.Listen(func(next, prev int) {
		calls++
		if next != 1 || prev != 1 {
			t.Fatalf("expected initial fire (1,1), got (%d,%d)", next, prev)
		}
	})
	if calls != 1 {
		t.Fatalf("expected 1 call on attach, got %d", calls)
	}
}

func TestValueUpdateOnlyFiresOnChange(t *testing.T) {
	v := NewValue(1, nil)
	var seen []int
	v.Listen(func(next, _ int) { seen = append(seen, next) })
	v.Update(1) // no-op, equal
	v.Update(2)
	v.Update(2) // no-op
	v.Update(3)

	want := []int{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestWhenOnceFiresExactlyOnce(t *testing.T) {
	v := NewValue("connecting", nil)
	fires := 0
	WhenOnce(v, func(s string) bool { return s == "open" }, func(string) {
		fires++
	})
	v.Update("connecting")
	v.Update("open")
	v.Update("closed")
	v.Update("open")
	if fires != 1 {
		t.Fatalf("expected exactly 1 fire, got %d", fires)
	}
}

func TestMutableSetFromSyncFlag(t *testing.T) {
	s := NewMutableSet[string]()
	var events []SetEvent[string]
	s.Listen(func(ev SetEvent[string]) { events = append(events, ev) })

	s.Add("A", false)
	s.Add("A", false) // duplicate, no event
	s.Add("B", true)
	s.Delete("A", false)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %+v", len(events), events)
	}
	if !events[1].FromSync {
		t.Fatalf("expected second event to carry FromSync")
	}
	if s.Has("A") {
		t.Fatalf("expected A removed")
	}
	if !s.Has("B") {
		t.Fatalf("expected B present")
	}
}

func TestMutableMapSetDelete(t *testing.T) {
	m := NewMutableMap[string, int]()
	var events []MapEvent[string, int]
	m.Listen(func(ev MapEvent[string, int]) { events = append(events, ev) })

	m.Set("x", 1, false)
	m.Set("x", 2, false)
	m.Delete("missing", false) // no-op, not present
	m.Delete("x", true)

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if !events[2].Deleted || !events[2].FromSync {
		t.Fatalf("expected last event to be a FromSync delete: %+v", events[2])
	}
	if _, ok := m.Get("x"); ok {
		t.Fatalf("expected x removed")
	}
}

func TestSwitchMapTracksCurrentInner(t *testing.T) {
	innerA := NewValue(1, nil)
	innerB := NewValue(100, nil)
	outer := NewValue("a", nil)

	derived := SwitchMap(outer, func(s string) *Value[int] {
		if s == "a" {
			return innerA
		}
		return innerB
	}, nil)

	if derived.Get() != 1 {
		t.Fatalf("expected initial 1, got %d", derived.Get())
	}
	innerA.Update(2)
	if derived.Get() != 2 {
		t.Fatalf("expected 2 after innerA update, got %d", derived.Get())
	}
	outer.Update("b")
	if derived.Get() != 100 {
		t.Fatalf("expected 100 after switch, got %d", derived.Get())
	}
	innerA.Update(999) // no longer tracked
	if derived.Get() != 100 {
		t.Fatalf("expected unchanged 100 after stale innerA update, got %d", derived.Get())
	}
	innerB.Update(200)
	if derived.Get() != 200 {
		t.Fatalf("expected 200 after innerB update, got %d", derived.Get())
	}
}

func TestJoin2CombinesBothInputs(t *testing.T) {
	a := NewValue(1, nil)
	b := NewValue("x", nil)
	joined := Join2(a, b)
	if joined.Get().A != 1 || joined.Get().B != "x" {
		t.Fatalf("unexpected initial join: %+v", joined.Get())
	}
	a.Update(2)
	if joined.Get().A != 2 || joined.Get().B != "x" {
		t.Fatalf("unexpected join after a update: %+v", joined.Get())
	}
}

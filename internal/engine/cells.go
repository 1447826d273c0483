package engine

import "github.com/foldsync/core/internal/codec"

// valueCell holds one PropValue cell's current value. Plain field
// rather than internal/reactive.Value[codec.Value], since every
// codec.Value comparison here must go through Value.Equal (comparing
// the struct with == would panic at runtime — it embeds slice
// fields) and the engine already needs custom fan-out to subscribers
// rather than reactive.Value's in-process listener model.
type valueCell struct {
	val codec.Value
}

func (c *valueCell) Get() codec.Value { return c.val }

// Set replaces the cell's value, reporting whether it actually changed.
func (c *valueCell) Set(v codec.Value) bool {
	if c.val.Equal(v) {
		return false
	}
	c.val = v
	return true
}

// setCell holds one PropSet cell's elements. Lookup is linear since
// set sizes in this domain (presence, tag sets) are small and
// elements are scalar-kinded only, per PropMeta.EType's contract.
type setCell struct {
	elems []codec.Value
}

func (c *setCell) indexOf(v codec.Value) int {
	for i, e := range c.elems {
		if e.Equal(v) {
			return i
		}
	}
	return -1
}

func (c *setCell) Has(v codec.Value) bool { return c.indexOf(v) >= 0 }

// Add reports whether v was newly added (false if already present).
func (c *setCell) Add(v codec.Value) bool {
	if c.Has(v) {
		return false
	}
	c.elems = append(c.elems, v)
	return true
}

// Delete reports whether v was present and removed.
func (c *setCell) Delete(v codec.Value) bool {
	i := c.indexOf(v)
	if i < 0 {
		return false
	}
	c.elems = append(c.elems[:i], c.elems[i+1:]...)
	return true
}

func (c *setCell) Items() []codec.Value {
	out := make([]codec.Value, len(c.elems))
	copy(out, c.elems)
	return out
}

// mapCell holds one PropMap cell's entries, keyed by Value.Equal.
type mapCell struct {
	entries []codec.MapEntry
}

func (c *mapCell) indexOf(k codec.Value) int {
	for i, e := range c.entries {
		if e.Key.Equal(k) {
			return i
		}
	}
	return -1
}

func (c *mapCell) Get(k codec.Value) (codec.Value, bool) {
	i := c.indexOf(k)
	if i < 0 {
		return codec.Value{}, false
	}
	return c.entries[i].Val, true
}

// Set reports whether this is a new key (true) or an update to an
// existing one (false); both still apply the write.
func (c *mapCell) Set(k, v codec.Value) bool {
	if i := c.indexOf(k); i >= 0 {
		c.entries[i].Val = v
		return false
	}
	c.entries = append(c.entries, codec.MapEntry{Key: k, Val: v})
	return true
}

// Delete reports whether k was present and removed.
func (c *mapCell) Delete(k codec.Value) bool {
	i := c.indexOf(k)
	if i < 0 {
		return false
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return true
}

func (c *mapCell) Entries() []codec.MapEntry {
	out := make([]codec.MapEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

package codec

import (
	"fmt"
	"strings"
)

// Path locates an object as an ordered sequence alternating
// (property-name, key): the root path is empty, a singleton lives at
// an odd-length path, and a collection element lives at an even-length
// path whose last element is the element's key.
type Path struct {
	elems []pathElem
}

type pathElem struct {
	isKey bool
	name  string
	key   UUID
}

// Root is the empty path.
func Root() Path { return Path{} }

// Child appends a property-name step, e.g. Root().Child("rooms").
func (p Path) Child(name string) Path {
	out := Path{elems: append(append([]pathElem{}, p.elems...), pathElem{name: name})}
	return out
}

// Key appends a collection-element key step, selecting one member of
// the collection named by the preceding Child.
func (p Path) Key(key UUID) Path {
	out := Path{elems: append(append([]pathElem{}, p.elems...), pathElem{isKey: true, key: key})}
	return out
}

// Len reports the path's element count (parity determines singleton
// vs. collection-element).
func (p Path) Len() int { return len(p.elems) }

// IsRoot reports whether this is the empty path.
func (p Path) IsRoot() bool { return len(p.elems) == 0 }

// Last returns the final name step and whether the path ends on a
// collection element (key valid) rather than a singleton name.
func (p Path) Last() (name string, key UUID, isCollectionElem bool) {
	if len(p.elems) == 0 {
		return "", UUID{}, false
	}
	last := p.elems[len(p.elems)-1]
	if last.isKey {
		return p.elems[len(p.elems)-2].name, last.key, true
	}
	return last.name, UUID{}, false
}

// Parent returns the path with its final step removed, e.g. the owning
// object's path for a view or queue property path built via Child.
// Parent of the root path is the root path.
func (p Path) Parent() Path {
	if len(p.elems) == 0 {
		return p
	}
	return Path{elems: append([]pathElem{}, p.elems[:len(p.elems)-1]...)}
}

// String renders a human-readable form for logs: "rooms/<key>/name".
func (p Path) String() string {
	var sb strings.Builder
	for i, e := range p.elems {
		if i > 0 {
			sb.WriteByte('/')
		}
		if e.isKey {
			sb.WriteString(e.key.String())
		} else {
			sb.WriteString(e.name)
		}
	}
	return sb.String()
}

// Equal compares two paths element-by-element.
func (p Path) Equal(o Path) bool {
	if len(p.elems) != len(o.elems) {
		return false
	}
	for i := range p.elems {
		if p.elems[i] != o.elems[i] {
			return false
		}
	}
	return true
}

// key is used as a Go map key for the path interning tables, since
// Path's slice field makes it non-comparable directly.
func (p Path) key() string { return p.String() + "#" + fmt.Sprint(len(p.elems)) }

// WriteLiteral encodes the path as size8 length, (string, uuid)*
// where even indices are strings and odd are UUIDs. Used by
// the meta channel, which has no per-connection interning table of its
// own.
func (p Path) WriteLiteral(b *Buffer) error {
	return p.writeLiteral(b)
}

func (p Path) writeLiteral(b *Buffer) error {
	if len(p.elems) > 0xff {
		return fmt.Errorf("codec: path too long (%d elements)", len(p.elems))
	}
	b.WriteSize8(uint8(len(p.elems)))
	for i, e := range p.elems {
		if i%2 == 0 {
			if e.isKey {
				return fmt.Errorf("codec: malformed path: expected name at index %d", i)
			}
			if err := b.WriteString(e.name); err != nil {
				return err
			}
		} else {
			if !e.isKey {
				return fmt.Errorf("codec: malformed path: expected key at index %d", i)
			}
			b.WriteUUID(e.key)
		}
	}
	return nil
}

// ReadPathLiteral reads a path written by WriteLiteral.
func ReadPathLiteral(b *Buffer) (Path, error) {
	return readPathLiteral(b)
}

func readPathLiteral(b *Buffer) (Path, error) {
	n, err := b.ReadSize8()
	if err != nil {
		return Path{}, err
	}
	elems := make([]pathElem, 0, n)
	for i := uint8(0); i < n; i++ {
		if i%2 == 0 {
			name, err := b.ReadString()
			if err != nil {
				return Path{}, err
			}
			elems = append(elems, pathElem{name: name})
		} else {
			key, err := b.ReadUUID()
			if err != nil {
				return Path{}, err
			}
			elems = append(elems, pathElem{isKey: true, key: key})
		}
	}
	return Path{elems: elems}, nil
}

package codec

// Interner maintains one direction's path<->id dictionary for a single
// channel. It is purely per-connection, per-direction
// state: a fresh pair (encoder-side, decoder-side) is created when a
// channel opens and discarded on disconnect — nothing here persists
// across reconnects, which is why the client store always resends
// full SUB requests after a reconnect rather than relying on stale ids
//.
type Interner struct {
	byPath map[string]uint64
	byID   map[uint64]Path
	next   uint64
}

// NewInterner returns an empty interning table. next starts at 1;
// id 0 is the wire sentinel meaning "fresh id follows."
func NewInterner() *Interner {
	return &Interner{
		byPath: make(map[string]uint64),
		byID:   make(map[uint64]Path),
		next:   1,
	}
}

// EncodePath writes a path reference: 0 followed by a fresh id and the
// literal path on first use, or just the existing id thereafter.
func (in *Interner) EncodePath(b *Buffer, p Path) error {
	if id, ok := in.byPath[p.key()]; ok {
		b.WriteVarSize(id)
		return nil
	}
	id := in.next
	in.next++
	in.byPath[p.key()] = id
	b.WriteVarSize(0)
	b.WriteVarSize(id)
	return p.writeLiteral(b)
}

// DecodePath reads a path reference, resolving it against this
// direction's dictionary and recording any freshly introduced path.
func (in *Interner) DecodePath(b *Buffer) (Path, error) {
	tok, err := b.ReadVarSize()
	if err != nil {
		return Path{}, err
	}
	if tok != 0 {
		p, ok := in.byID[tok]
		if !ok {
			return Path{}, errUnknownPathID(tok)
		}
		return p, nil
	}
	id, err := in.ReadVarSizeID(b)
	if err != nil {
		return Path{}, err
	}
	p, err := readPathLiteral(b)
	if err != nil {
		return Path{}, err
	}
	in.byID[id] = p
	in.byPath[p.key()] = id
	return p, nil
}

// ReadVarSizeID is split out only so DecodePath's intent (read the
// fresh id token) is named at the call site.
func (in *Interner) ReadVarSizeID(b *Buffer) (uint64, error) {
	return b.ReadVarSize()
}

type unknownPathIDError struct{ id uint64 }

func (e unknownPathIDError) Error() string {
	return "codec: unknown interned path id"
}

func errUnknownPathID(id uint64) error { return unknownPathIDError{id: id} }

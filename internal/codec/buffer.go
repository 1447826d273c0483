// Package codec implements the wire encoding shared by the channel
// multiplexer and the object engine: a length-extensible byte buffer
// with a position cursor, a small alphabet of primitive and composite
// value kinds, a registry for user-defined scalar types embedded in
// "data"/"record" fields, and per-connection path interning.
//
// All multibyte integers are big-endian.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrShortBuffer is returned by every Read* method when fewer bytes
// remain than the value being decoded requires.
var ErrShortBuffer = errors.New("codec: short buffer")

// ErrStringTooLong is returned when a decoded string's length prefix
// exceeds MaxStringLen.
var ErrStringTooLong = errors.New("codec: string exceeds 64 KiB limit")

// MaxStringLen is the wire limit on string length.
const MaxStringLen = 64 * 1024

// Buffer is a growable byte slice with an independent read cursor. The
// same Buffer is used to encode a message (Write* appends) and, on the
// peer, to decode one (Read* advances pos). A fresh Buffer used only
// for decoding should be built with NewBufferFrom.
type Buffer struct {
	data []byte
	pos  int
}

// NewBuffer returns an empty buffer ready for encoding.
func NewBuffer() *Buffer {
	return &Buffer{data: make([]byte, 0, 64)}
}

// NewBufferFrom wraps an existing byte slice for decoding. The slice is
// not copied; the caller must not mutate it while the Buffer is in use.
func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the buffer's full backing slice (for encoding: what has
// been written so far; for decoding: the original input).
func (b *Buffer) Bytes() []byte { return b.data }

// Pos returns the current read cursor.
func (b *Buffer) Pos() int { return b.pos }

// Remaining reports how many unread bytes remain.
func (b *Buffer) Remaining() int { return len(b.data) - b.pos }

// Reset discards all written bytes and rewinds the cursor. Used by the
// encode-error path.
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.pos = 0
}

func (b *Buffer) grow(n int) []byte {
	l := len(b.data)
	if cap(b.data)-l < n {
		grown := make([]byte, l, (l+n)*2+16)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = b.data[:l+n]
	return b.data[l : l+n]
}

func (b *Buffer) take(n int) ([]byte, error) {
	if b.Remaining() < n {
		return nil, ErrShortBuffer
	}
	out := b.data[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// --- fixed-width primitives ---

func (b *Buffer) WriteInt8(v int8) { b.grow(1)[0] = byte(v) }

func (b *Buffer) ReadInt8() (int8, error) {
	v, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return int8(v[0]), nil
}

func (b *Buffer) WriteInt16(v int16) {
	binary.BigEndian.PutUint16(b.grow(2), uint16(v))
}

func (b *Buffer) ReadInt16() (int16, error) {
	v, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(v)), nil
}

func (b *Buffer) WriteInt32(v int32) {
	binary.BigEndian.PutUint32(b.grow(4), uint32(v))
}

func (b *Buffer) ReadInt32() (int32, error) {
	v, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(v)), nil
}

func (b *Buffer) WriteSize8(v uint8) { b.grow(1)[0] = v }

func (b *Buffer) ReadSize8() (uint8, error) {
	v, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (b *Buffer) WriteSize16(v uint16) {
	binary.BigEndian.PutUint16(b.grow(2), v)
}

func (b *Buffer) ReadSize16() (uint16, error) {
	v, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(v), nil
}

func (b *Buffer) WriteSize32(v uint32) {
	binary.BigEndian.PutUint32(b.grow(4), v)
}

func (b *Buffer) ReadSize32() (uint32, error) {
	v, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(v), nil
}

func (b *Buffer) WriteFloat32(v float32) {
	binary.BigEndian.PutUint32(b.grow(4), math.Float32bits(v))
}

func (b *Buffer) ReadFloat32() (float32, error) {
	v, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(v)), nil
}

func (b *Buffer) WriteFloat64(v float64) {
	binary.BigEndian.PutUint64(b.grow(8), math.Float64bits(v))
}

func (b *Buffer) ReadFloat64() (float64, error) {
	v, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(v)), nil
}

// --- variable-length LEB128-style integers ---
//
// VarInt is zig-zag encoded so small negative numbers stay compact;
// VarSize is the unsigned form used for lengths and ids that are never
// negative (path-intern ids, property counts).

func (b *Buffer) WriteVarInt(v int64) {
	b.WriteVarSize(zigzag(v))
}

func (b *Buffer) ReadVarInt() (int64, error) {
	u, err := b.ReadVarSize()
	if err != nil {
		return 0, err
	}
	return unzigzag(u), nil
}

func (b *Buffer) WriteVarSize(v uint64) {
	for v >= 0x80 {
		b.grow(1)[0] = byte(v) | 0x80
		v >>= 7
	}
	b.grow(1)[0] = byte(v)
}

func (b *Buffer) ReadVarSize() (uint64, error) {
	var out uint64
	var shift uint
	for {
		chunk, err := b.take(1)
		if err != nil {
			return 0, err
		}
		out |= uint64(chunk[0]&0x7f) << shift
		if chunk[0]&0x80 == 0 {
			return out, nil
		}
		shift += 7
		if shift > 63 {
			return 0, fmt.Errorf("codec: varint overflow")
		}
	}
}

func zigzag(v int64) uint64   { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }

// --- strings ---

func (b *Buffer) WriteString(s string) error {
	if len(s) > MaxStringLen {
		return ErrStringTooLong
	}
	b.WriteSize32(uint32(len(s)))
	copy(b.grow(len(s)), s)
	return nil
}

func (b *Buffer) ReadString() (string, error) {
	n, err := b.ReadSize32()
	if err != nil {
		return "", err
	}
	if n > MaxStringLen {
		return "", ErrStringTooLong
	}
	raw, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// --- raw bytes (used for uuid payloads and embedded sub-messages) ---

func (b *Buffer) WriteBytes(p []byte) {
	copy(b.grow(len(p)), p)
}

func (b *Buffer) ReadBytes(n int) ([]byte, error) {
	raw, err := b.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}

package mux

import (
	"fmt"
	"sync"

	"github.com/foldsync/core/internal/transport"
)

// firstChannelID and lastChannelID bound the assignable id space,
// reserving 0 for the meta channel.
const (
	firstChannelID uint16 = 1
	lastChannelID  uint16 = 65534
)

// Table owns every non-meta Channel for one connection and assigns
// fresh ids by linear probing from a rotating cursor, so ids are reused
// only once the whole 16-bit space has cycled back around — this
// favors a simple,
// auditable O(1)-amortized scheme over a free-list.
type Table struct {
	mu       sync.Mutex
	conn     transport.Conn
	channels map[uint16]*Channel
	cursor   uint16
}

// NewTable creates an empty channel table bound to conn.
func NewTable(conn transport.Conn) *Table {
	return &Table{conn: conn, channels: make(map[uint16]*Channel), cursor: firstChannelID}
}

// Open allocates a fresh local channel id and registers the Channel.
// Both sides of an OPEN handshake use it: OpenChannel on the
// initiator, handleOpen on the acceptor.
func (t *Table) Open(ctype string) (*Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.cursor
	for {
		id := t.cursor
		t.cursor++
		if t.cursor > lastChannelID {
			t.cursor = firstChannelID
		}
		if _, taken := t.channels[id]; !taken {
			ch := newChannel(id, t.conn)
			ch.CType = ctype
			t.channels[id] = ch
			return ch, nil
		}
		if t.cursor == start {
			return nil, fmt.Errorf("mux: channel id space exhausted")
		}
	}
}

// Lookup returns the channel registered at id, if any.
func (t *Table) Lookup(id uint16) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.channels[id]
	return ch, ok
}

// Close removes and closes the channel at id.
func (t *Table) Close(id uint16) {
	t.mu.Lock()
	ch, ok := t.channels[id]
	delete(t.channels, id)
	t.mu.Unlock()
	if ok {
		ch.markClosed()
	}
}

// CloseAll tears down every channel, used on connection loss.
func (t *Table) CloseAll() {
	t.mu.Lock()
	chans := make([]*Channel, 0, len(t.channels))
	for id, ch := range t.channels {
		chans = append(chans, ch)
		delete(t.channels, id)
	}
	t.mu.Unlock()
	for _, ch := range chans {
		ch.markClosed()
	}
}

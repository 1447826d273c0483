// Package mux multiplexes many logical channels over one
// transport.Conn: meta channel 0 runs the AUTH/AUTHED/OPEN/READY/
// FAILED/CLOSE handshake, and every other channel id
// carries one cchannel's object-protocol traffic once OPEN/READY has
// completed for it.
package mux

import (
	"encoding/binary"
	"fmt"
)

// MetaChannelID is the one channel id that exists before any OPEN
// handshake and is never closed for the lifetime of the connection.
const MetaChannelID uint16 = 0

// EncodeFrame prefixes payload with its destination channel id,
// producing one complete transport.Conn frame.
func EncodeFrame(channelID uint16, payload []byte) []byte {
	out := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(out, channelID)
	copy(out[2:], payload)
	return out
}

// DecodeFrame splits a received transport frame back into its
// destination channel id and payload.
func DecodeFrame(frame []byte) (channelID uint16, payload []byte, err error) {
	if len(frame) < 2 {
		return 0, nil, fmt.Errorf("mux: frame too short (%d bytes)", len(frame))
	}
	return binary.BigEndian.Uint16(frame[:2]), frame[2:], nil
}

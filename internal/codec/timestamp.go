package codec

import "time"

// Timestamp is milliseconds since the Unix epoch, stored on the wire
// as a float64 to match the source platform's numeric
// timestamp type without introducing a second integer time format.
type Timestamp float64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return TimestampFrom(time.Now())
}

// TimestampFrom converts a time.Time to milliseconds-since-epoch.
func TimestampFrom(t time.Time) Timestamp {
	return Timestamp(float64(t.UnixNano()) / float64(time.Millisecond))
}

// Time converts back to a time.Time (UTC).
func (t Timestamp) Time() time.Time {
	ms := float64(t)
	sec := int64(ms / 1000)
	nsec := int64((ms - float64(sec)*1000) * float64(time.Millisecond))
	return time.Unix(sec, nsec).UTC()
}

func (b *Buffer) WriteTimestamp(t Timestamp) {
	b.WriteFloat64(float64(t))
}

func (b *Buffer) ReadTimestamp() (Timestamp, error) {
	v, err := b.ReadFloat64()
	if err != nil {
		return 0, err
	}
	return Timestamp(v), nil
}

package tsc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// A Tick is a reading of a monotonic counter. Ticks are only ever compared
// and subtracted; their unit depends on the clock that produced them.
type Tick uint64

// Never is a Tick later than any reading a clock will produce.
const Never Tick = math.MaxUint64

// TickSize is the length of a packed Tick.
const TickSize = 8

var ErrTickLength = errors.New("tsc: packed tick must be 8 bytes")

// Add returns t+d, saturating at Never.
func (t Tick) Add(d Tick) Tick {
	if d > Never-t {
		return Never
	}
	return t + d
}

// Sub returns t-u, or 0 if u is after t.
func (t Tick) Sub(u Tick) Tick {
	if u > t {
		return 0
	}
	return t - u
}

func (t Tick) Before(u Tick) bool { return t < u }

func (t Tick) After(u Tick) bool { return t > u }

func (t Tick) String() string {
	if t == Never {
		return "never"
	}
	return strconv.FormatUint(uint64(t), 10)
}

// AppendBinary appends t as 8 big-endian bytes, so packed ticks sort the
// same way bytewise as numerically.
func (t Tick) AppendBinary(b []byte) ([]byte, error) {
	return binary.BigEndian.AppendUint64(b, uint64(t)), nil
}

func (t Tick) MarshalBinary() ([]byte, error) {
	return t.AppendBinary(make([]byte, 0, TickSize))
}

func (t *Tick) UnmarshalBinary(b []byte) error {
	if len(b) != TickSize {
		return fmt.Errorf("%w: got %d", ErrTickLength, len(b))
	}
	*t = Tick(binary.BigEndian.Uint64(b))
	return nil
}

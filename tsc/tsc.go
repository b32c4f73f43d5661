// Package tsc provides the monotonic tick source used to time coroutine
// wake-ups.
//
// On amd64 and 386 ticks are reads of the CPU timestamp counter. Elsewhere
// they are nanoseconds of the runtime's monotonic clock. The process-wide
// counter is always readable through Now; converting ticks to and from real
// time requires calling Init once to measure the counter frequency.
package tsc

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// A Clock is a monotonic source of ticks. Readings never decrease.
type Clock interface {
	Now() Tick
}

// DefaultCalibrationWindow is how long Init measures the counter when passed
// a zero window.
const DefaultCalibrationWindow = 50 * time.Millisecond

var ErrNotInitialized = errors.New("tsc: clock not initialized")

var (
	last     atomic.Uint64
	relation atomic.Pointer[Relation]
)

// Now reads the process-wide counter. The result never goes backwards, even
// if the counter on the CPU this happens to run on lags another one.
func Now() Tick {
	v := readCounter()
	for {
		prev := last.Load()
		if v <= prev {
			return Tick(prev)
		}
		if last.CompareAndSwap(prev, v) {
			return Tick(v)
		}
	}
}

// Counter is the process-wide counter as a Clock.
type Counter struct{}

func (Counter) Now() Tick { return Now() }

// Default returns the process-wide counter.
func Default() Clock { return Counter{} }

// Init measures the counter frequency over window and installs the result
// as the process-wide Relation. Calling Init again recalibrates.
func Init(window time.Duration) (*Relation, error) {
	if window <= 0 {
		window = DefaultCalibrationWindow
	}

	var r *Relation
	if !cycleCounter {
		r = NewRelation(nsecPerSec, Now(), time.Now())
	} else {
		start, startTicks := time.Now(), Now()
		time.Sleep(window)
		end, endTicks := time.Now(), Now()

		elapsed := end.Sub(start)
		if elapsed <= 0 || endTicks <= startTicks {
			return nil, fmt.Errorf("tsc: counter did not advance during %v calibration", window)
		}
		freq := mulDiv(uint64(endTicks-startTicks), nsecPerSec, uint64(elapsed))
		if freq == 0 {
			return nil, fmt.Errorf("tsc: measured zero frequency over %v", elapsed)
		}
		r = NewRelation(freq, endTicks, end)
	}

	relation.Store(r)
	return r, nil
}

// Calibrated returns the process-wide Relation, or ErrNotInitialized before
// Init.
func Calibrated() (*Relation, error) {
	r := relation.Load()
	if r == nil {
		return nil, ErrNotInitialized
	}
	return r, nil
}

func mustCalibrated() *Relation {
	r, err := Calibrated()
	if err != nil {
		panic(err)
	}
	return r
}

// UpdateTimeRelation re-reads the counter and the wall clock together,
// keeping the measured frequency. Use it after the wall clock is stepped.
func UpdateTimeRelation() error {
	r, err := Calibrated()
	if err != nil {
		return err
	}
	relation.Store(NewRelation(r.TicksPerSec, Now(), time.Now()))
	return nil
}

// The conversions below use the process-wide Relation and panic before Init.

func UsecToTicks(usec uint64) Tick { return mustCalibrated().UsecToTicks(usec) }

func TicksToUsec(t Tick) uint64 { return mustCalibrated().TicksToUsec(t) }

func SecToTicks(sec uint64) Tick { return mustCalibrated().SecToTicks(sec) }

func TicksToSec(t Tick) uint64 { return mustCalibrated().TicksToSec(t) }

func FsecToTicks(fsec float64) Tick { return mustCalibrated().FsecToTicks(fsec) }

func TicksToFsec(t Tick) float64 { return mustCalibrated().TicksToFsec(t) }

func DurationToTicks(d time.Duration) Tick { return mustCalibrated().DurationToTicks(d) }

func TicksToDuration(t Tick) time.Duration { return mustCalibrated().TicksToDuration(t) }

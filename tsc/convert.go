package tsc

import (
	"math"
	"math/bits"
	"time"
)

const (
	usecPerSec = 1_000_000
	nsecPerSec = 1_000_000_000
)

// A Relation ties counter ticks to real time: the counter frequency and one
// simultaneous reading of the counter and the wall clock.
//
// A Relation is immutable; UpdateTimeRelation installs a new one.
type Relation struct {
	// TicksPerSec is the measured counter frequency.
	TicksPerSec uint64

	baseTicks Tick
	baseTime  time.Time
}

// NewRelation returns a Relation for a counter running at ticksPerSec that
// read base at wall clock time at.
func NewRelation(ticksPerSec uint64, base Tick, at time.Time) *Relation {
	if ticksPerSec == 0 {
		panic("tsc: zero counter frequency")
	}
	return &Relation{
		TicksPerSec: ticksPerSec,
		baseTicks:   base,
		baseTime:    at,
	}
}

// mulDiv returns a*b/c computed with a 128-bit intermediate, saturating at
// MaxUint64.
func mulDiv(a, b, c uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi >= c {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, c)
	return q
}

func (r *Relation) UsecToTicks(usec uint64) Tick {
	return Tick(mulDiv(usec, r.TicksPerSec, usecPerSec))
}

func (r *Relation) TicksToUsec(t Tick) uint64 {
	return mulDiv(uint64(t), usecPerSec, r.TicksPerSec)
}

func (r *Relation) SecToTicks(sec uint64) Tick {
	hi, lo := bits.Mul64(sec, r.TicksPerSec)
	if hi != 0 {
		return Never
	}
	return Tick(lo)
}

func (r *Relation) TicksToSec(t Tick) uint64 {
	return uint64(t) / r.TicksPerSec
}

// FsecToTicks converts fractional seconds. Negative and NaN inputs give 0.
func (r *Relation) FsecToTicks(fsec float64) Tick {
	if !(fsec > 0) {
		return 0
	}
	ticks := fsec * float64(r.TicksPerSec)
	if ticks >= math.MaxUint64 {
		return Never
	}
	return Tick(ticks)
}

func (r *Relation) TicksToFsec(t Tick) float64 {
	return float64(t) / float64(r.TicksPerSec)
}

// DurationToTicks converts a duration to a tick delta. Negative durations
// give 0.
func (r *Relation) DurationToTicks(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	return Tick(mulDiv(uint64(d), r.TicksPerSec, nsecPerSec))
}

// TicksToDuration converts a tick delta to a duration, saturating at the
// largest representable duration.
func (r *Relation) TicksToDuration(t Tick) time.Duration {
	ns := mulDiv(uint64(t), nsecPerSec, r.TicksPerSec)
	if ns > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// Time returns the wall clock time at which the counter read t.
func (r *Relation) Time(t Tick) time.Time {
	if t >= r.baseTicks {
		return r.baseTime.Add(r.TicksToDuration(t - r.baseTicks))
	}
	return r.baseTime.Add(-r.TicksToDuration(r.baseTicks - t))
}

// Posix returns the unix time in microseconds at which the counter read t.
func (r *Relation) Posix(t Tick) int64 {
	return r.Time(t).UnixMicro()
}

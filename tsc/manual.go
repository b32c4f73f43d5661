package tsc

import (
	"sync/atomic"
)

// A Manual clock only moves when told to. Schedulers running on a Manual
// clock jump straight to the next deadline instead of sleeping, which makes
// runs deterministic.
type Manual struct {
	now atomic.Uint64
}

func NewManual(start Tick) *Manual {
	m := &Manual{}
	m.now.Store(uint64(start))
	return m
}

func (m *Manual) Now() Tick {
	return Tick(m.now.Load())
}

// Advance moves the clock forward by d and returns the new reading.
func (m *Manual) Advance(d Tick) Tick {
	for {
		prev := m.now.Load()
		next := Tick(prev).Add(d)
		if m.now.CompareAndSwap(prev, uint64(next)) {
			return next
		}
	}
}

// AdvanceTo moves the clock to t. It reports false and leaves the clock
// alone if t is in the past.
func (m *Manual) AdvanceTo(t Tick) bool {
	for {
		prev := m.now.Load()
		if uint64(t) < prev {
			return false
		}
		if m.now.CompareAndSwap(prev, uint64(t)) {
			return true
		}
	}
}

// Set moves the clock to t unconditionally. It is for setting up a clock
// before anything reads it; a clock in use must only move forward.
func (m *Manual) Set(t Tick) {
	m.now.Store(uint64(t))
}

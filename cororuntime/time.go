package cororuntime

import (
	"errors"
	"fmt"

	"github.com/kmrgirish/gocoro/tsc"
)

var ErrTimeout = makeConstErr(errors.New("timeout"))

// A waiter identifies one timed wait of one coroutine in the event queue.
// The id tells apart a coroutine's sleep from its enclosing timeouts.
type waiter struct {
	handle Handle
	id     uint32
}

func (s *Scheduler) newWaiter(t *task) waiter {
	s.nextWait++
	return waiter{handle: t.handle, id: s.nextWait}
}

// A timeoutFrame is one active WithTimeout call.
type timeoutFrame struct {
	waiter   waiter
	deadline tsc.Tick
	// fired is set once the timer popped or was cancelled.
	fired bool
	// delivered is set once a blocking call returned ErrTimeout for it.
	delivered bool
}

// pendingTimeout claims a timeout that fired while t was not blocked.
func (t *task) pendingTimeout() error {
	for _, f := range t.timeouts {
		if f.fired && !f.delivered {
			f.delivered = true
			return ErrTimeout
		}
	}
	return nil
}

// Sleep blocks the calling coroutine for delta ticks. It returns early with
// the error passed to Interrupt, or with ErrTimeout if an enclosing
// WithTimeout expires.
func (s *Scheduler) Sleep(delta tsc.Tick) error {
	t := s.mustCurrent("Sleep")
	return s.sleepUntil(t, s.clock.Now().Add(delta))
}

// SleepUntil blocks the calling coroutine until the clock reaches deadline.
// A deadline in the past still yields to coroutines that are runnable.
// Sleeping until tsc.Never blocks until interrupted.
func (s *Scheduler) SleepUntil(deadline tsc.Tick) error {
	t := s.mustCurrent("SleepUntil")
	return s.sleepUntil(t, deadline)
}

func (s *Scheduler) sleepUntil(t *task, deadline tsc.Tick) error {
	if err := t.pendingTimeout(); err != nil {
		return err
	}
	if deadline != tsc.Never {
		w := s.newWaiter(t)
		s.timers.Insert(deadline, w)
		t.sleeping, t.sleepDeadline, t.sleepWaiter = true, deadline, w
	}
	return s.block(t)
}

// WithTimeout runs fn and interrupts the first blocking call it makes after
// delta ticks have passed. That call returns ErrTimeout, and so does
// WithTimeout once fn returns. If the timer never reaches a blocking call,
// WithTimeout returns fn's result. Timeouts nest.
func (s *Scheduler) WithTimeout(delta tsc.Tick, fn func() error) error {
	t := s.mustCurrent("WithTimeout")
	f := &timeoutFrame{
		waiter:   s.newWaiter(t),
		deadline: s.clock.Now().Add(delta),
	}
	s.timers.Insert(f.deadline, f.waiter)
	t.timeouts = append(t.timeouts, f)
	defer s.popTimeout(t, f)

	err := fn()
	if f.delivered {
		return ErrTimeout
	}
	return err
}

func (s *Scheduler) popTimeout(t *task, f *timeoutFrame) {
	n := len(t.timeouts)
	if n == 0 || t.timeouts[n-1] != f {
		panic(fmt.Sprintf("cororuntime: unbalanced timeouts in %s", t.handle))
	}
	t.timeouts[n-1] = nil
	t.timeouts = t.timeouts[:n-1]
	// Not found means the timer already fired.
	_ = s.timers.Delete(f.deadline, f.waiter)
	f.fired = true
}

// Interrupt wakes the blocked coroutine h. Its blocking call returns err
// instead of completing; a pending sleep timer is cancelled first. Interrupt
// returns ErrNotBlocked if h is runnable or running. A coroutine interrupted
// twice before it runs sees the first error.
func (s *Scheduler) Interrupt(h Handle, err error) error {
	if err == nil {
		panic("cororuntime: Interrupt with nil error")
	}
	t, lerr := s.lookup(h)
	if lerr != nil {
		return lerr
	}
	if t == s.current {
		return fmt.Errorf("interrupt %s: %w", h, ErrRunning)
	}
	if !t.blocking {
		return fmt.Errorf("interrupt %s: %w", h, ErrNotBlocked)
	}
	if t.interrupt != nil {
		return nil
	}
	if s.checksummer != nil {
		s.checksummer.recordIntInt(checksumKeyInterrupt, uint64(h.ID()), 0)
	}
	s.interrupt(t, err)
	return nil
}

func (s *Scheduler) interrupt(t *task, err error) {
	t.interrupt = err
	if t.sleeping {
		if derr := s.timers.Delete(t.sleepDeadline, t.sleepWaiter); derr != nil {
			panic(fmt.Sprintf("cororuntime: lost sleep timer of %s: %v", t.handle, derr))
		}
		t.sleeping = false
	}
	if t.wq != nil {
		t.wq.remove(t.node)
		t.wq = nil
		t.node = nil
	}
	s.makeRunnable(t)
}

func (s *Scheduler) fireExpired() {
	now := s.clock.Now()
	for {
		deadline, w, ok := s.timers.PopExpired(now)
		if !ok {
			return
		}
		s.fire(deadline, w)
	}
}

func (s *Scheduler) fire(deadline tsc.Tick, w waiter) {
	s.timersFired++
	if s.checksummer != nil {
		s.checksummer.recordTick(checksumKeyTimerFired, uint64(w.handle.ID()), deadline)
	}
	if s.trace.Timer.Enabled() {
		s.logger.Debug("timer fired", "handle", w.handle.String(), "deadline", uint64(deadline))
	}

	t, err := s.lookup(w.handle)
	if err != nil {
		panic(fmt.Sprintf("cororuntime: timer for retired coroutine: %v", err))
	}

	if t.sleeping && t.sleepWaiter == w {
		t.sleeping = false
		s.makeRunnable(t)
		return
	}
	for _, f := range t.timeouts {
		if f.waiter != w {
			continue
		}
		f.fired = true
		if t.blocking && t.interrupt == nil {
			f.delivered = true
			s.interrupt(t, ErrTimeout)
		}
		return
	}
	panic(fmt.Sprintf("cororuntime: timer %d for %s matches no wait", w.id, t.handle))
}

package cororuntime

import (
	"fmt"
)

// waitq is an intrusive FIFO of blocked coroutines.
type waitq struct {
	first, last *sudog
	len         int
}

func (sq *waitq) empty() bool {
	return sq.first == nil
}

func (sq *waitq) enqueue(elem *sudog) {
	elem.queue = sq
	elem.prev = sq.last
	elem.next = nil
	if sq.last != nil {
		sq.last.next = elem
	}
	sq.last = elem
	if sq.first == nil {
		sq.first = elem
	}
	sq.len++
}

func (sq *waitq) remove(elem *sudog) {
	if elem.queue != sq {
		panic("cororuntime: sudog not in queue")
	}
	if elem.prev != nil {
		elem.prev.next = elem.next
	}
	if elem.next != nil {
		elem.next.prev = elem.prev
	}
	if sq.first == elem {
		sq.first = elem.next
	}
	if sq.last == elem {
		sq.last = elem.prev
	}
	elem.queue = nil
	elem.prev, elem.next = nil, nil
	sq.len--
}

// dequeue removes the first waiter and detaches it from its task. It
// returns nil if the queue is empty.
func (sq *waitq) dequeue() *sudog {
	elem := sq.first
	if elem == nil {
		return nil
	}
	sq.remove(elem)
	elem.task.wq = nil
	elem.task.node = nil
	return elem
}

// sudog is a coroutine waiting in a waitq.
type sudog struct {
	queue *waitq

	prev, next *sudog // linked list in queue

	task *task

	// n is the count a semaphore waiter asked for.
	n int
	// granted is set when a semaphore handed n to this waiter.
	granted bool

	// item is the value passed to Signal or Broadcast.
	item any
}

func (s *Scheduler) wait(t *task, q *waitq, sg *sudog) error {
	sg.task = t
	q.enqueue(sg)
	t.wq, t.node = q, sg
	return s.block(t)
}

// A Semaphore holds a count of units. Acquire blocks until its request can
// be met; waiters are served strictly in arrival order.
type Semaphore struct {
	sched *Scheduler
	avail int
	q     waitq
}

// NewSemaphore returns a Semaphore with n units available.
func (s *Scheduler) NewSemaphore(n int) *Semaphore {
	if n < 0 {
		panic("cororuntime: negative semaphore count")
	}
	return &Semaphore{sched: s, avail: n}
}

// Avail returns the units not held by anyone.
func (m *Semaphore) Avail() int { return m.avail }

// Waiting returns the number of blocked Acquire calls.
func (m *Semaphore) Waiting() int { return m.q.len }

// Acquire takes n units, blocking while fewer are available or others are
// queued ahead. An interrupted Acquire takes nothing: units already handed
// to it pass to the next waiter.
func (m *Semaphore) Acquire(n int) error {
	if n <= 0 {
		panic(fmt.Sprintf("cororuntime: Acquire(%d)", n))
	}
	t := m.sched.mustCurrent("Acquire")
	if err := t.pendingTimeout(); err != nil {
		return err
	}
	if m.q.empty() && m.avail >= n {
		m.avail -= n
		return nil
	}

	sg := &sudog{n: n}
	done := false
	defer func() {
		// Covers interrupts after the grant and coroutines killed while
		// parked.
		if sg.granted && !done {
			m.Release(n)
		}
	}()
	err := m.sched.wait(t, &m.q, sg)
	done = err == nil
	return err
}

// Release returns n units and hands them to waiters in order.
func (m *Semaphore) Release(n int) {
	if n <= 0 {
		panic(fmt.Sprintf("cororuntime: Release(%d)", n))
	}
	m.avail += n
	for sg := m.q.first; sg != nil && sg.n <= m.avail; sg = m.q.first {
		m.q.dequeue()
		m.avail -= sg.n
		sg.granted = true
		m.sched.makeRunnable(sg.task)
	}
}

// An InvertedSemaphore counts outstanding work. Acquire and Release never
// block; BlockTillZero waits until the count drops to zero.
type InvertedSemaphore struct {
	sched *Scheduler
	count int
	q     waitq
}

func (s *Scheduler) NewInvertedSemaphore() *InvertedSemaphore {
	return &InvertedSemaphore{sched: s}
}

// Count returns the units currently held.
func (m *InvertedSemaphore) Count() int { return m.count }

// Waiting returns the number of coroutines blocked in BlockTillZero.
func (m *InvertedSemaphore) Waiting() int { return m.q.len }

// Acquire adds n units.
func (m *InvertedSemaphore) Acquire(n int) {
	if n <= 0 {
		panic(fmt.Sprintf("cororuntime: Acquire(%d)", n))
	}
	m.count += n
}

// Release removes n units. Reaching zero wakes every waiter.
func (m *InvertedSemaphore) Release(n int) {
	if n <= 0 || n > m.count {
		panic(fmt.Sprintf("cororuntime: Release(%d) with count %d", n, m.count))
	}
	m.count -= n
	if m.count > 0 {
		return
	}
	for sg := m.q.dequeue(); sg != nil; sg = m.q.dequeue() {
		m.sched.makeRunnable(sg.task)
	}
}

// BlockTillZero returns once the count is zero, immediately if it already
// is. An interrupted waiter returns the interrupt error.
func (m *InvertedSemaphore) BlockTillZero() error {
	t := m.sched.mustCurrent("BlockTillZero")
	if err := t.pendingTimeout(); err != nil {
		return err
	}
	if m.count == 0 {
		return nil
	}
	return m.sched.wait(t, &m.q, &sudog{})
}

// A Cond lets coroutines wait for a signal. Unlike sync.Cond it has no
// lock: only one coroutine runs at a time, so a condition checked before
// Wait cannot change before the caller is queued.
type Cond struct {
	sched *Scheduler
	q     waitq
}

func (s *Scheduler) NewCond() *Cond {
	return &Cond{sched: s}
}

// Waiting returns the number of coroutines blocked in Wait.
func (c *Cond) Waiting() int { return c.q.len }

// Wait blocks until Signal or Broadcast wakes the caller and returns the
// value they passed, or until the caller is interrupted.
func (c *Cond) Wait() (any, error) {
	t := c.sched.mustCurrent("Wait")
	if err := t.pendingTimeout(); err != nil {
		return nil, err
	}
	sg := &sudog{}
	if err := c.sched.wait(t, &c.q, sg); err != nil {
		return nil, err
	}
	return sg.item, nil
}

// Signal wakes the longest waiting coroutine with v. It reports whether
// there was one.
func (c *Cond) Signal(v any) bool {
	sg := c.q.dequeue()
	if sg == nil {
		return false
	}
	sg.item = v
	c.sched.makeRunnable(sg.task)
	return true
}

// Broadcast wakes every waiting coroutine with v and returns how many.
func (c *Cond) Broadcast(v any) int {
	n := 0
	for c.Signal(v) {
		n++
	}
	return n
}

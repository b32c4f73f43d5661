// Package eventqueue implements a deadline-ordered queue of waiters.
//
// A Queue is a multiset of (deadline, waiter) entries. Entries with equal
// deadlines keep their insertion order, so simultaneous timers fire first in,
// first out. Entries can be deleted by exact (deadline, waiter) match, which
// is how a pending timer is cancelled.
//
// The queue does not own its waiters. Code that retires a waiter must delete
// its entries first. A Queue is not safe for concurrent use.
package eventqueue

import (
	"errors"
	"iter"

	"github.com/google/btree"

	"github.com/kmrgirish/gocoro/tsc"
)

var ErrNotFound = errors.New("eventqueue: event not found")

const degree = 32

// An Entry is a handle to one queued (deadline, waiter) pair.
type Entry[W comparable] struct {
	Deadline tsc.Tick
	Waiter   W

	// seq orders entries with equal deadlines and makes every key unique.
	seq uint64
}

func less[W comparable](a, b Entry[W]) bool {
	if a.Deadline != b.Deadline {
		return a.Deadline < b.Deadline
	}
	return a.seq < b.seq
}

// A Queue orders waiters by deadline.
type Queue[W comparable] struct {
	tree    *btree.BTreeG[Entry[W]]
	nextSeq uint64
}

func New[W comparable]() *Queue[W] {
	return &Queue[W]{
		tree:    btree.NewG[Entry[W]](degree, less[W]),
		nextSeq: 1,
	}
}

func (q *Queue[W]) Len() int {
	return q.tree.Len()
}

// Insert adds waiter at deadline and returns a handle for Remove.
func (q *Queue[W]) Insert(deadline tsc.Tick, waiter W) Entry[W] {
	e := Entry[W]{Deadline: deadline, Waiter: waiter, seq: q.nextSeq}
	q.nextSeq++
	q.tree.ReplaceOrInsert(e)
	return e
}

// Peek returns the entry with the earliest deadline without removing it. ok
// is false if the queue is empty.
func (q *Queue[W]) Peek() (deadline tsc.Tick, waiter W, ok bool) {
	e, ok := q.tree.Min()
	if !ok {
		return 0, waiter, false
	}
	return e.Deadline, e.Waiter, true
}

// Pop removes and returns the entry with the earliest deadline. ok is false
// if the queue is empty.
func (q *Queue[W]) Pop() (deadline tsc.Tick, waiter W, ok bool) {
	e, ok := q.tree.DeleteMin()
	if !ok {
		return 0, waiter, false
	}
	return e.Deadline, e.Waiter, true
}

// PopExpired pops the earliest entry if its deadline is at or before now.
func (q *Queue[W]) PopExpired(now tsc.Tick) (deadline tsc.Tick, waiter W, ok bool) {
	e, ok := q.tree.Min()
	if !ok || e.Deadline > now {
		return 0, waiter, false
	}
	q.tree.Delete(e)
	return e.Deadline, e.Waiter, true
}

// Delete removes the first entry, in insertion order, that has exactly this
// deadline and waiter. Entries with the same deadline and another waiter are
// left alone. It returns ErrNotFound if there is no such entry, for example
// because the timer already fired.
func (q *Queue[W]) Delete(deadline tsc.Tick, waiter W) error {
	var found Entry[W]
	ok := false
	// Keys are (deadline, seq), so all entries at deadline are adjacent and
	// the scan stops at the first later deadline.
	q.tree.AscendGreaterOrEqual(Entry[W]{Deadline: deadline}, func(e Entry[W]) bool {
		if e.Deadline != deadline {
			return false
		}
		if e.Waiter == waiter {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return ErrNotFound
	}
	q.tree.Delete(found)
	return nil
}

// Remove removes the entry returned by an earlier Insert. It returns
// ErrNotFound if that entry was already popped or removed.
func (q *Queue[W]) Remove(e Entry[W]) error {
	if _, ok := q.tree.Delete(e); !ok {
		return ErrNotFound
	}
	return nil
}

// ContainsFunc reports whether any entry's waiter satisfies f. It is linear
// in the queue length.
func (q *Queue[W]) ContainsFunc(f func(W) bool) bool {
	found := false
	q.tree.Ascend(func(e Entry[W]) bool {
		found = f(e.Waiter)
		return !found
	})
	return found
}

// All iterates over the queue in pop order without consuming it. The queue
// must not be modified during iteration.
func (q *Queue[W]) All() iter.Seq2[tsc.Tick, W] {
	return func(yield func(tsc.Tick, W) bool) {
		q.tree.Ascend(func(e Entry[W]) bool {
			return yield(e.Deadline, e.Waiter)
		})
	}
}

// Clear removes all entries.
func (q *Queue[W]) Clear() {
	q.tree.Clear(false)
}

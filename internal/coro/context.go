// Package coro implements the machine context switch that everything else in
// gocoro is built on.
//
// A Context is the saved state of one execution. Switch saves the caller into
// one Context and continues another; Exit does the same for an execution that
// will never run again. Each Context is backed by a goroutine that is parked
// while the Context is not running, so the register state of a suspended
// execution (stack pointer, frame pointer, instruction pointer and the
// callee-saved registers) is saved and restored by the Go runtime's own
// per-architecture switch code. Only one execution of a set of Contexts that
// switch among each other runs at any time.
//
// Contexts are not safe for use by independent goroutines: the caller must
// make sure that only the running execution touches them.
package coro

import (
	"fmt"
)

type state uint8

const (
	// stateRunning is the zero value: a Context that has not been seeded
	// describes the execution that is currently using it.
	stateRunning state = iota
	stateParked
	stateFresh
	stateRetired
)

func (s state) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateParked:
		return "parked"
	case stateFresh:
		return "fresh"
	case stateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// A Context is a slot holding the saved state of an execution.
//
// The zero Context describes the currently running execution and can be
// switched out of. Init seeds a Context with an entry function instead; the
// first Switch into it starts entry on a fresh stack.
type Context struct {
	wake  chan struct{}
	entry func()
	state state
}

// NewContext returns a Context seeded to run entry.
func NewContext(entry func()) *Context {
	c := &Context{}
	c.Init(entry)
	return c
}

// Init seeds c to run entry the first time it is switched into. c must be
// unused (zero) or retired; retired Contexts may be reused this way.
//
// entry must end with a call to Exit.
func (c *Context) Init(entry func()) {
	if entry == nil {
		panic("coro: Init with nil entry")
	}
	if c.state == stateParked || c.state == stateFresh {
		panic(fmt.Sprintf("coro: Init of %s context", c.state))
	}
	if c.wake == nil {
		c.wake = make(chan struct{})
	}
	c.entry = entry
	c.state = stateFresh
}

// Fresh reports whether c was seeded and has never been switched into.
func (c *Context) Fresh() bool { return c.state == stateFresh }

// Retired reports whether c has exited.
func (c *Context) Retired() bool { return c.state == stateRetired }

func (c *Context) String() string {
	return fmt.Sprintf("context(%s)", c.state)
}

// Switch saves the running execution into from and continues to. It returns
// when a later Switch or Exit targets from.
//
// from must be the running execution's Context. to must be parked (saved by
// an earlier Switch) or fresh (seeded by Init).
func Switch(from, to *Context) {
	if from == to {
		panic("coro: switch to self")
	}
	if from.state != stateRunning {
		panic(fmt.Sprintf("coro: switch from %s context", from.state))
	}
	checkTarget(to)
	if from.wake == nil {
		from.wake = make(chan struct{})
	}

	from.state = stateParked
	transfer(to)
	<-from.wake
}

// Exit retires from and continues to. The caller must return right after
// Exit without touching any state shared with other executions; from can
// never be switched into again.
func Exit(from, to *Context) {
	if from == to {
		panic("coro: exit to self")
	}
	if from.state != stateRunning {
		panic(fmt.Sprintf("coro: exit from %s context", from.state))
	}
	checkTarget(to)

	from.state = stateRetired
	transfer(to)
}

func checkTarget(to *Context) {
	if to.state != stateParked && to.state != stateFresh {
		panic(fmt.Sprintf("coro: switch into %s context", to.state))
	}
}

// transfer hands the CPU to to. All writes to to happen before the handoff so
// the woken execution observes them.
func transfer(to *Context) {
	switch to.state {
	case stateParked:
		to.state = stateRunning
		to.wake <- struct{}{}
	case stateFresh:
		entry := to.entry
		to.entry = nil
		to.state = stateRunning
		go entry()
	}
}

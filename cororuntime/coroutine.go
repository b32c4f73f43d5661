package cororuntime

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/kmrgirish/gocoro/internal/coro"
)

type constErr struct {
	error
}

func makeConstErr(err error) error {
	return constErr{error: err}
}

var (
	ErrFinished       = makeConstErr(errors.New("coroutine finished"))
	ErrRunning        = makeConstErr(errors.New("coroutine running"))
	ErrReleased       = makeConstErr(errors.New("coroutine released"))
	ErrNotFinished    = makeConstErr(errors.New("coroutine not finished"))
	ErrStackSize      = makeConstErr(errors.New("bad stack size"))
	ErrStackExhausted = makeConstErr(errors.New("stack arena exhausted"))
)

// Status is the lifecycle state of a coroutine.
type Status uint8

const (
	StatusNew Status = iota
	StatusRunning
	StatusSuspended
	StatusFinished
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "NEW"
	case StatusRunning:
		return "RUNNING"
	case StatusSuspended:
		return "SUSPENDED"
	case StatusFinished:
		return "FINISHED"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// A PanicError reports a coroutine body that panicked. The coroutine is
// finished.
type PanicError struct {
	Handle    Handle
	Value     any
	Traceback []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Handle, e.Value)
}

// A Coroutine runs a body on its own stack and can suspend itself with Yield
// until the next Resume.
//
// At most one coroutine of a set that resume each other runs at a time. A
// Coroutine is not safe for use by independent goroutines.
type Coroutine struct {
	handle    Handle
	arena     *StackArena
	stackSize int

	// ctx is this coroutine's saved state; caller is the state of whoever
	// last resumed it.
	ctx    coro.Context
	caller coro.Context

	status   Status
	body     func(co *Coroutine)
	aborting bool
	released bool

	panicked       bool
	panicReported  bool
	panicValue     any
	panicTraceback []byte

	// Value is free for the owner of the coroutine, e.g. a scheduler's
	// per-task state.
	Value any
}

func (c *Coroutine) Handle() Handle { return c.handle }

func (c *Coroutine) Status() Status { return c.status }

// StackSize returns the reserved stack size in bytes.
func (c *Coroutine) StackSize() int { return c.stackSize }

func (c *Coroutine) String() string {
	return fmt.Sprintf("%s(%s)", c.handle, c.status)
}

// Resume runs the coroutine until it yields or finishes.
//
// Resuming a finished coroutine returns ErrFinished without running
// anything; resuming a running one returns ErrRunning. If the body panics,
// Resume returns a *PanicError once.
func (c *Coroutine) Resume() error {
	if c.released {
		return ErrReleased
	}
	switch c.status {
	case StatusFinished:
		return fmt.Errorf("resume %s: %w", c.handle, ErrFinished)
	case StatusRunning:
		return fmt.Errorf("resume %s: %w", c.handle, ErrRunning)
	case StatusSuspended:
		c.status = StatusRunning
	}

	coro.Switch(&c.caller, &c.ctx)

	return c.panicError()
}

func (c *Coroutine) panicError() error {
	if c.panicked && !c.panicReported {
		c.panicReported = true
		return &PanicError{Handle: c.handle, Value: c.panicValue, Traceback: c.panicTraceback}
	}
	return nil
}

// Yield suspends the running coroutine and returns control to its resumer.
// It returns at the next Resume. Yield must be called by the coroutine
// itself.
func (c *Coroutine) Yield() {
	if c.status != StatusRunning {
		panic(fmt.Sprintf("cororuntime: Yield on %s", c))
	}
	if c.aborting {
		panic(fmt.Sprintf("cororuntime: Yield while aborting %s", c.handle))
	}
	c.status = StatusSuspended
	coro.Switch(&c.ctx, &c.caller)
	if c.aborting {
		runtime.Goexit()
	}
}

// Abort finishes a coroutine that is new or suspended. A suspended body is
// unwound from its Yield: deferred calls run, but the body does not
// continue. A new coroutine finishes without running its body.
func (c *Coroutine) Abort() error {
	switch c.status {
	case StatusFinished:
		return nil
	case StatusRunning:
		return fmt.Errorf("abort %s: %w", c.handle, ErrRunning)
	case StatusSuspended:
		c.status = StatusRunning
	}
	c.aborting = true

	coro.Switch(&c.caller, &c.ctx)

	if c.status != StatusFinished {
		panic(fmt.Sprintf("cororuntime: %s survived abort", c))
	}
	return c.panicError()
}

// Release returns the coroutine's stack to its arena. The coroutine must be
// finished and must not be referenced afterwards: its record is reused.
func (c *Coroutine) Release() error {
	if c.released {
		panic(fmt.Sprintf("cororuntime: %s released twice", c.handle))
	}
	if c.status != StatusFinished {
		return fmt.Errorf("release %s: %w", c, ErrNotFinished)
	}
	c.released = true
	c.arena.release(c)
	return nil
}

// entrypoint is the trampoline every coroutine starts in.
func (c *Coroutine) entrypoint() {
	defer c.exitpoint()

	c.status = StatusRunning
	if c.aborting {
		return
	}
	c.body(c)
}

// exitpoint records a panic, marks the coroutine finished and switches back
// to the resumer for the last time. It runs deferred so it also runs when the
// body exits with runtime.Goexit.
func (c *Coroutine) exitpoint() {
	if recovered := recover(); recovered != nil {
		c.panicked = true
		traceback := make([]byte, 32*1024)
		c.panicTraceback = traceback[:runtime.Stack(traceback, false)]
		c.panicValue = recovered
	}
	c.status = StatusFinished
	c.body = nil
	coro.Exit(&c.ctx, &c.caller)
}

// reset clears a released record for the arena's pool. A stale pointer to
// it still reads as finished and released.
func (c *Coroutine) reset() {
	c.handle = Handle{}
	c.arena = nil
	c.stackSize = 0
	c.status = StatusFinished
	c.body = nil
	c.aborting = false
	c.released = true
	c.panicked = false
	c.panicReported = false
	c.panicValue = nil
	c.panicTraceback = nil
	c.Value = nil
}

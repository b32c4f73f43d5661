package cororuntime

import (
	"fmt"
)

const (
	// MinStackSize and MaxStackSize bound a single stack request.
	MinStackSize = 4 << 10
	MaxStackSize = 1 << 30

	// DefaultStackSize is used when Create is passed a zero size.
	DefaultStackSize = 64 << 10

	stackGranule = 4 << 10
)

// A Handle names a coroutine in its arena. Handles stay comparable and safe
// to hold after the coroutine is released: Lookup reports a released
// coroutine's handle as stale instead of returning a reused record.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever issued. The zero Handle is not.
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string {
	if !h.Valid() {
		return "co#-"
	}
	return fmt.Sprintf("co#%d.%d", h.index, h.gen)
}

// ID returns a small integer identifying h among live coroutines of its
// arena, suitable for logs.
func (h Handle) ID() int { return int(h.index) }

// A StackArena hands out coroutine records keyed by slot index and accounts
// for their stack reservations against a fixed budget.
//
// Goroutine stacks backing coroutines grow on demand, so the requested size
// is a reservation against the budget and not a hard limit.
type StackArena struct {
	capacity int // bytes, 0 for unlimited
	inUse    int

	slots []*Coroutine
	gens  []uint32
	free  []uint32

	pool []*Coroutine
}

// NewStackArena returns an arena that reserves at most capacity bytes of
// stack at once. A zero capacity means unlimited.
func NewStackArena(capacity int) *StackArena {
	if capacity < 0 {
		panic("cororuntime: negative arena capacity")
	}
	return &StackArena{
		capacity: capacity,
		slots:    make([]*Coroutine, 0, 64),
		gens:     make([]uint32, 0, 64),
	}
}

// InUse returns the bytes currently reserved.
func (a *StackArena) InUse() int { return a.inUse }

// Capacity returns the arena budget in bytes, 0 for unlimited.
func (a *StackArena) Capacity() int { return a.capacity }

// Live returns the number of coroutines created and not yet released.
func (a *StackArena) Live() int { return len(a.slots) - len(a.free) }

// Lookup returns the coroutine for h, or nil if h is stale or foreign.
func (a *StackArena) Lookup(h Handle) *Coroutine {
	if !h.Valid() || int(h.index) >= len(a.slots) || a.gens[h.index] != h.gen {
		return nil
	}
	return a.slots[h.index]
}

func roundStack(size int) int {
	return (size + stackGranule - 1) &^ (stackGranule - 1)
}

// Create reserves stackSize bytes and returns a New coroutine that will run
// body on its first Resume. A zero stackSize selects DefaultStackSize.
//
// It returns ErrStackSize for sizes outside [MinStackSize, MaxStackSize] and
// ErrStackExhausted when the reservation does not fit in the budget.
func (a *StackArena) Create(body func(co *Coroutine), stackSize int) (*Coroutine, error) {
	if body == nil {
		panic("cororuntime: Create with nil body")
	}
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	if stackSize < MinStackSize || stackSize > MaxStackSize {
		return nil, fmt.Errorf("%w: %d bytes not in [%d, %d]", ErrStackSize, stackSize, MinStackSize, MaxStackSize)
	}
	stackSize = roundStack(stackSize)
	if a.capacity > 0 && a.inUse+stackSize > a.capacity {
		return nil, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrStackExhausted, stackSize, a.inUse, a.capacity)
	}

	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, nil)
		a.gens = append(a.gens, 0)
	}
	a.gens[index]++
	if a.gens[index] == 0 {
		// Skip the invalid generation on wraparound.
		a.gens[index]++
	}

	co := a.alloc()
	co.handle = Handle{index: index, gen: a.gens[index]}
	co.arena = a
	co.stackSize = stackSize
	co.body = body
	co.status = StatusNew
	co.released = false
	co.ctx.Init(co.entrypoint)

	a.slots[index] = co
	a.inUse += stackSize
	return co, nil
}

func (a *StackArena) alloc() *Coroutine {
	if n := len(a.pool); n > 0 {
		co := a.pool[n-1]
		a.pool = a.pool[:n-1]
		return co
	}
	return &Coroutine{}
}

// release returns co's slot and reservation. The record is reused by later
// Creates, so nobody may hold co afterwards.
func (a *StackArena) release(co *Coroutine) {
	index := co.handle.index
	if a.slots[index] != co {
		panic(fmt.Sprintf("cororuntime: release of foreign coroutine %s", co.handle))
	}
	a.slots[index] = nil
	a.free = append(a.free, index)
	a.inUse -= co.stackSize
	co.reset()
	a.pool = append(a.pool, co)
}

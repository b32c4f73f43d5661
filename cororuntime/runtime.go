package cororuntime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/kmrgirish/gocoro/eventqueue"
	"github.com/kmrgirish/gocoro/internal/corolog"
	"github.com/kmrgirish/gocoro/tsc"
)

var (
	ErrDeadlock     = makeConstErr(errors.New("all coroutines blocked"))
	ErrNoCoroutine  = makeConstErr(errors.New("no such coroutine"))
	ErrNotBlocked   = makeConstErr(errors.New("coroutine not blocked"))
	ErrOutside      = makeConstErr(errors.New("not called from a coroutine"))
	ErrSchedRunning = makeConstErr(errors.New("scheduler already running"))
	ErrKilled       = makeConstErr(errors.New("coroutine killed"))
)

// A Scheduler runs coroutines cooperatively on the goroutine that calls Run.
// Coroutines switch only when they block or yield. A Scheduler and the
// coroutines it runs must not be used from other goroutines; independent
// Schedulers may run in parallel.
type Scheduler struct {
	config   Config
	clock    tsc.Clock
	manual   *tsc.Manual
	relation *tsc.Relation

	arena    *StackArena
	timers   *eventqueue.Queue[waiter]
	tasks    intrusiveList[*task]
	runnable []*task
	current  *task
	running  bool

	nextWait uint32
	picker   picker

	logger      *slog.Logger
	checksummer *checksummer
	trace       traceFlags

	switches    int
	timersFired int
	spawned     int
	abortErr    error
}

// Result summarizes a finished Run.
type Result struct {
	Seed        int64
	Checksum    []byte
	Switches    int
	TimersFired int
	Spawned     int
}

type intrusiveList[A any] []A

type intrusiveIndex struct{ idx int }

func (l *intrusiveList[A]) add(elem A, idxFunc func(elem A) *intrusiveIndex) {
	idx := idxFunc(elem)
	if idx.idx != -1 {
		panic("already in list")
	}
	idx.idx = len(*l)
	*l = append(*l, elem)
}

func (l *intrusiveList[A]) remove(elem A, idxFunc func(elem A) *intrusiveIndex) {
	idx := idxFunc(elem)
	if idx.idx == -1 {
		panic("not in list")
	}
	last := len(*l) - 1
	(*l)[idx.idx] = (*l)[last]
	idxFunc((*l)[idx.idx]).idx = idx.idx
	var zero A
	(*l)[last] = zero
	*l = (*l)[:last]
	idx.idx = -1
}

// New returns a Scheduler for config. It fails if the configuration is
// invalid or if config.Clock is a real clock and no tick relation is known.
func New(config Config) (*Scheduler, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	s := &Scheduler{
		config:   config,
		clock:    config.Clock,
		relation: config.Relation,
		arena:    NewStackArena(config.StackCapacity),
		timers:   eventqueue.New[waiter](),
		picker:   newPicker(config.Seed),
	}
	if s.clock == nil {
		s.clock = tsc.NewManual(0)
	}
	if m, ok := s.clock.(*tsc.Manual); ok {
		s.manual = m
	} else if s.relation == nil {
		r, err := tsc.Calibrated()
		if err != nil {
			return nil, fmt.Errorf("real clock: %w", err)
		}
		s.relation = r
	}
	if err := s.trace.parse(config.TraceFlags); err != nil {
		return nil, err
	}

	out := config.LogOut
	if out == nil {
		out = NewConsoleWriter(os.Stderr, config.LogFormat)
	}
	s.logger = newLogger(out, config.LogLevel, s)
	if config.Checksum {
		s.checksummer = newChecksummer(s.logger, config.ForceChecksumLog)
	}
	return s, nil
}

// Logger returns the scheduler's logger. Records logged through it carry the
// running coroutine and the current tick.
func (s *Scheduler) Logger() *slog.Logger { return s.logger }

// Clock returns the clock the scheduler times sleeps with.
func (s *Scheduler) Clock() tsc.Clock { return s.clock }

// Arena returns the scheduler's stack arena.
func (s *Scheduler) Arena() *StackArena { return s.arena }

// Len returns the number of live coroutines.
func (s *Scheduler) Len() int { return len(s.tasks) }

type spawnOptions struct {
	name      string
	stackSize int
}

// A SpawnOption configures Spawn.
type SpawnOption func(*spawnOptions)

// WithName labels the coroutine in logs.
func WithName(name string) SpawnOption {
	return func(o *spawnOptions) { o.name = name }
}

// WithStackSize overrides Config.StackSize for one coroutine.
func WithStackSize(size int) SpawnOption {
	return func(o *spawnOptions) { o.stackSize = size }
}

// Spawn creates a coroutine running body and makes it runnable. It may be
// called before Run or from a running coroutine.
func (s *Scheduler) Spawn(body func(), opts ...SpawnOption) (Handle, error) {
	if body == nil {
		panic("cororuntime: Spawn with nil body")
	}
	o := spawnOptions{stackSize: s.config.StackSize}
	for _, opt := range opts {
		opt(&o)
	}

	t := &task{
		sched:  s,
		name:   o.name,
		allIdx: intrusiveIndex{idx: -1},
	}
	co, err := s.arena.Create(func(*Coroutine) { body() }, o.stackSize)
	if err != nil {
		return Handle{}, fmt.Errorf("spawn: %w", err)
	}
	co.Value = t
	t.co = co
	t.handle = co.handle

	s.tasks.add(t, (*task).allIdxPtr)
	s.spawned++
	if s.checksummer != nil {
		s.checksummer.recordIntInt(checksumKeySpawn, uint64(t.handle.ID()), uint64(co.stackSize))
	}
	s.logger.Debug("spawning coroutine", "handle", t.handle.String(), "name", t.name, "stack", co.stackSize)
	s.makeRunnable(t)
	return t.handle, nil
}

// Run drives coroutines until all have finished. It returns ErrDeadlock if
// coroutines remain but none can ever run, a wrapped *PanicError if a
// coroutine panicked, or ctx's error if ctx is done first. In every case all
// remaining coroutines are aborted and their stacks released before Run
// returns.
//
// A Scheduler can be run again after Run returns, with or without an
// error; the Result counters accumulate across runs.
func (s *Scheduler) Run(ctx context.Context) (Result, error) {
	if s.running {
		return Result{}, ErrSchedRunning
	}
	s.running = true
	defer func() { s.running = false }()
	s.abortErr = nil

	for len(s.tasks) > 0 && s.abortErr == nil {
		if err := ctx.Err(); err != nil {
			s.abortErr = err
			break
		}

		s.fireExpired()

		if len(s.runnable) == 0 && s.timers.Len() > 0 {
			if err := s.idle(ctx); err != nil {
				s.abortErr = err
				break
			}
			continue
		}

		if len(s.runnable) == 0 {
			s.abortErr = fmt.Errorf("%w: %s", ErrDeadlock, s.describeBlocked())
			break
		}

		s.step(s.pick())
	}

	if len(s.tasks) > 0 {
		s.logger.Debug("aborting remaining coroutines", "count", len(s.tasks), "reason", s.abortErr)
	}
	for len(s.tasks) > 0 {
		s.kill(s.tasks[len(s.tasks)-1])
	}

	result := Result{
		Seed:        s.config.Seed,
		Switches:    s.switches,
		TimersFired: s.timersFired,
		Spawned:     s.spawned,
	}
	if s.checksummer != nil {
		result.Checksum = s.checksummer.finalize()
	}
	return result, s.abortErr
}

func (s *Scheduler) pick() *task {
	idx := 0
	if s.config.Shuffle {
		idx = s.picker.intn(len(s.runnable))
	}
	t := s.runnable[idx]
	s.runnable = slices.Delete(s.runnable, idx, idx+1)
	t.queued = false
	return t
}

const (
	runResultFinished = 1 << iota
	runResultBlocking
)

var runResultFormatter = corolog.BitflagFormatter{
	Flags: []corolog.BitflagValue{
		{Value: runResultFinished, Name: "finished"},
		{Value: runResultBlocking, Name: "blocking"},
	},
}

func (s *Scheduler) step(t *task) {
	if s.checksummer != nil {
		s.checksummer.recordIntInt(checksumKeyRunPick, uint64(t.handle.ID()), s.picker.draws)
	}
	if s.trace.Switch.Enabled() {
		s.logger.Debug("switching in", "handle", t.handle.String(), "name", t.name)
	}

	s.current = t
	err := t.co.Resume()
	s.current = nil
	s.switches++

	finished := t.co.Status() == StatusFinished
	var flags uint64
	if finished {
		flags |= runResultFinished
	}
	if t.blocking {
		flags |= runResultBlocking
	}
	if s.checksummer != nil {
		s.checksummer.recordIntInt(checksumKeyRunResult, flags, s.picker.draws)
	}
	if s.trace.Switch.Enabled() {
		s.logger.Debug("switched out", "handle", t.handle.String(), "result", runResultFormatter.Format(int(flags)))
	}

	if err != nil {
		var perr *PanicError
		if errors.As(err, &perr) {
			s.logger.Error("uncaught panic", "handle", perr.Handle.String(), "value", fmt.Sprint(perr.Value), "traceback", string(perr.Traceback))
		}
		s.abortErr = err
	}
	if finished {
		s.retire(t)
	}
}

// retire releases a finished coroutine. Nothing may still refer to it.
func (s *Scheduler) retire(t *task) {
	if t.sleeping || len(t.timeouts) > 0 || t.wq != nil || t.queued {
		panic(fmt.Sprintf("cororuntime: retiring %s with pending waits", t.handle))
	}
	if debugRetire && s.timers.ContainsFunc(func(w waiter) bool { return w.handle == t.handle }) {
		panic(fmt.Sprintf("cororuntime: retiring %s with queued timers", t.handle))
	}
	s.tasks.remove(t, (*task).allIdxPtr)
	if err := t.co.Release(); err != nil {
		panic(err)
	}
	t.co = nil
}

// debugRetire scans the event queue on every retirement.
var debugRetire = true

// kill detaches t from everything it waits on, unwinds it and retires it.
func (s *Scheduler) kill(t *task) {
	s.cancelWaits(t)
	if t.queued {
		s.runnable = slices.DeleteFunc(s.runnable, func(u *task) bool { return u == t })
		t.queued = false
	}
	prev := s.current
	s.current = t
	err := t.co.Abort()
	s.current = prev
	if err != nil {
		s.logger.Error("panic during abort", "handle", t.handle.String(), "err", err)
	}
	// Deferred calls in the body may have waited again; they returned ErrKilled
	// without blocking, but a WithTimeout frame left behind would be a bug.
	s.cancelWaits(t)
	s.retire(t)
}

// Kill aborts the coroutine h. Its blocking call, if any, does not return;
// deferred calls in its body run. Kill cannot kill the calling coroutine.
func (s *Scheduler) Kill(h Handle) error {
	t, err := s.lookup(h)
	if err != nil {
		return err
	}
	if t == s.current {
		return fmt.Errorf("kill %s: %w", h, ErrRunning)
	}
	s.kill(t)
	return nil
}

func (s *Scheduler) lookup(h Handle) (*task, error) {
	co := s.arena.Lookup(h)
	if co == nil {
		return nil, fmt.Errorf("%s: %w", h, ErrNoCoroutine)
	}
	return co.Value.(*task), nil
}

func (s *Scheduler) makeRunnable(t *task) {
	if t.queued {
		return
	}
	t.queued = true
	s.runnable = append(s.runnable, t)
}

// idle waits for the earliest deadline. A manual clock jumps to it.
func (s *Scheduler) idle(ctx context.Context) error {
	deadline, _, _ := s.timers.Peek()
	now := s.clock.Now()
	if deadline <= now {
		return nil
	}

	if s.manual != nil {
		s.manual.AdvanceTo(deadline)
		if s.checksummer != nil {
			s.checksummer.recordTick(checksumKeyClockAdvance, 0, deadline)
		}
		return nil
	}

	wait := s.relation.TicksToDuration(deadline - now)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) describeBlocked() string {
	var b strings.Builder
	for i, t := range s.tasks {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.String())
	}
	return b.String()
}

// Current returns the handle of the running coroutine, or the zero Handle
// outside one.
func (s *Scheduler) Current() Handle {
	if s.current == nil {
		return Handle{}
	}
	return s.current.handle
}

// Now reads the scheduler's clock.
func (s *Scheduler) Now() tsc.Tick {
	return s.clock.Now()
}

// Yield lets every other runnable coroutine run before the caller continues.
func (s *Scheduler) Yield() {
	t := s.mustCurrent("Yield")
	if t.co.aborting {
		return
	}
	if s.trace.Switch.Enabled() {
		s.logger.Debug("yield", corolog.Stack(1))
	}
	s.makeRunnable(t)
	t.co.Yield()
}

func (s *Scheduler) mustCurrent(op string) *task {
	if s.current == nil {
		panic(fmt.Sprintf("cororuntime: %s: %v", op, ErrOutside))
	}
	return s.current
}

// task is the scheduler's state for one coroutine.
type task struct {
	sched  *Scheduler
	co     *Coroutine
	handle Handle
	name   string
	allIdx intrusiveIndex

	// queued is set while the task is in the runnable list.
	queued bool
	// blocking is set while the task is parked in a blocking call.
	blocking bool
	// interrupt is delivered as the result of the current blocking call.
	interrupt error

	sleeping      bool
	sleepDeadline tsc.Tick
	sleepWaiter   waiter

	timeouts []*timeoutFrame

	wq   *waitq
	node *sudog
}

func (t *task) allIdxPtr() *intrusiveIndex {
	return &t.allIdx
}

func (t *task) String() string {
	var state string
	switch {
	case t.sleeping:
		state = "sleeping until " + t.sleepDeadline.String()
	case t.wq != nil:
		state = "waiting"
	case t.queued:
		state = "runnable"
	default:
		state = t.co.Status().String()
	}
	if t.name != "" {
		return fmt.Sprintf("%s %q [%s]", t.handle, t.name, state)
	}
	return fmt.Sprintf("%s [%s]", t.handle, state)
}

// block parks t until something makes it runnable again and returns the
// error delivered by Interrupt or a timeout, if any.
func (s *Scheduler) block(t *task) error {
	if t.co.aborting {
		// Deferred calls of a killed coroutine cannot wait.
		s.cancelWaits(t)
		return ErrKilled
	}
	t.blocking = true
	t.co.Yield()
	t.blocking = false
	err := t.interrupt
	t.interrupt = nil
	return err
}

// cancelWaits removes t from the event queue and any wait queue without
// waking it.
func (s *Scheduler) cancelWaits(t *task) {
	if t.sleeping {
		if err := s.timers.Delete(t.sleepDeadline, t.sleepWaiter); err != nil {
			panic(fmt.Sprintf("cororuntime: lost sleep timer of %s: %v", t.handle, err))
		}
		t.sleeping = false
	}
	for _, f := range t.timeouts {
		if !f.fired {
			_ = s.timers.Delete(f.deadline, f.waiter)
			f.fired = true
		}
	}
	if t.wq != nil {
		t.wq.remove(t.node)
		t.wq = nil
		t.node = nil
	}
}

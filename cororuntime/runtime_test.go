package cororuntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"pgregory.net/rapid"

	"github.com/kmrgirish/gocoro/tsc"
)

var errShutdown = errors.New("shutdown")

func newTestScheduler(t *testing.T, config Config) *Scheduler {
	t.Helper()
	if config.LogOut == nil {
		config.LogOut = io.Discard
	}
	s, err := New(config)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func spawn(t *testing.T, s *Scheduler, body func(), opts ...SpawnOption) Handle {
	t.Helper()
	h, err := s.Spawn(body, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func run(t *testing.T, s *Scheduler) Result {
	t.Helper()
	result, err := s.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return result
}

type wake struct {
	Name string
	At   tsc.Tick
}

func TestSleepWakeOrder(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var got []wake
	for _, c := range []struct {
		name  string
		delta tsc.Tick
	}{
		{"a", 30},
		{"b", 10},
		{"c", 20},
		{"d", 10},
		{"e", 0},
	} {
		spawn(t, s, func() {
			if err := s.Sleep(c.delta); err != nil {
				t.Error(err)
			}
			got = append(got, wake{c.name, s.Now()})
		})
	}
	result := run(t, s)

	want := []wake{{"e", 0}, {"b", 10}, {"d", 10}, {"c", 20}, {"a", 30}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("wake order (-want +got):\n%s", diff)
	}
	if result.TimersFired != 5 || result.Spawned != 5 {
		t.Errorf("result %+v", result)
	}
	if s.Arena().Live() != 0 {
		t.Errorf("%d coroutines not released", s.Arena().Live())
	}
}

func TestYieldRoundRobin(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var got []string
	for _, name := range []string{"a", "b", "c"} {
		spawn(t, s, func() {
			for i := 0; i < 3; i++ {
				got = append(got, fmt.Sprintf("%s%d", name, i))
				s.Yield()
			}
		})
	}
	run(t, s)

	want := []string{"a0", "b0", "c0", "a1", "b1", "c1", "a2", "b2", "c2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestSpawnFromCoroutine(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var got []string
	spawn(t, s, func() {
		got = append(got, "parent")
		child := spawn(t, s, func() {
			got = append(got, "child")
		}, WithName("child"))
		if child == s.Current() || !child.Valid() {
			t.Errorf("child handle %s", child)
		}
		if err := s.Sleep(1); err != nil {
			t.Error(err)
		}
		got = append(got, "parent again")
	})
	run(t, s)

	if diff := cmp.Diff([]string{"parent", "child", "parent again"}, got); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
}

func TestWithTimeoutFires(t *testing.T) {
	s := newTestScheduler(t, Config{})

	spawn(t, s, func() {
		var inner error
		err := s.WithTimeout(10, func() error {
			inner = s.Sleep(100)
			return inner
		})
		if !errors.Is(inner, ErrTimeout) || !errors.Is(err, ErrTimeout) {
			t.Errorf("inner %v, outer %v", inner, err)
		}
		if s.Now() != 10 {
			t.Errorf("timed out at %d", s.Now())
		}
		if s.timers.Len() != 0 {
			t.Errorf("%d timers left after timeout", s.timers.Len())
		}
	})
	run(t, s)
}

func TestWithTimeoutCancelled(t *testing.T) {
	s := newTestScheduler(t, Config{})

	spawn(t, s, func() {
		err := s.WithTimeout(100, func() error {
			return s.Sleep(10)
		})
		if err != nil {
			t.Errorf("WithTimeout: %v", err)
		}
		if s.timers.Len() != 0 {
			t.Errorf("timeout timer not cancelled")
		}
		// Sleeping past the cancelled deadline is not interrupted.
		if err := s.Sleep(200); err != nil {
			t.Errorf("sleep after timeout: %v", err)
		}
		if s.Now() != 210 {
			t.Errorf("woke at %d", s.Now())
		}
	})
	result := run(t, s)
	if result.TimersFired != 2 {
		t.Errorf("fired %d timers", result.TimersFired)
	}
}

func TestWithTimeoutNotBlocking(t *testing.T) {
	clock := tsc.NewManual(0)
	s := newTestScheduler(t, Config{Clock: clock})

	spawn(t, s, func() {
		// The other coroutine moves the clock while this one only yields.
		err := s.WithTimeout(5, func() error {
			for s.Now() < 10 {
				s.Yield()
			}
			return nil
		})
		if err != nil {
			t.Errorf("undelivered timeout returned %v", err)
		}

		// A fired but undelivered timeout hits the next blocking call.
		err = s.WithTimeout(5, func() error {
			for s.Now() < 20 {
				s.Yield()
			}
			return s.Sleep(1000)
		})
		if !errors.Is(err, ErrTimeout) {
			t.Errorf("got %v, want ErrTimeout", err)
		}
		if s.Now() != 20 {
			t.Errorf("sleep ran until %d", s.Now())
		}
	})
	spawn(t, s, func() {
		for i := 0; i < 20; i++ {
			clock.Advance(1)
			s.Yield()
		}
	})
	run(t, s)
}

func TestNestedTimeouts(t *testing.T) {
	s := newTestScheduler(t, Config{})

	spawn(t, s, func() {
		var innerErr error
		outerErr := s.WithTimeout(10, func() error {
			innerErr = s.WithTimeout(50, func() error {
				return s.Sleep(100)
			})
			return innerErr
		})
		if !errors.Is(innerErr, ErrTimeout) || !errors.Is(outerErr, ErrTimeout) {
			t.Errorf("inner %v, outer %v", innerErr, outerErr)
		}
		if s.Now() != 10 {
			t.Errorf("outer timeout at %d", s.Now())
		}
	})
	run(t, s)
}

func TestInterrupt(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var sleeper Handle
	var sleepErr error
	spawn(t, s, func() {
		if err := s.Interrupt(sleeper, errShutdown); !errors.Is(err, ErrNotBlocked) {
			t.Errorf("interrupt of runnable: %v", err)
		}
		if err := s.Interrupt(s.Current(), errShutdown); !errors.Is(err, ErrRunning) {
			t.Errorf("interrupt of self: %v", err)
		}
		s.Yield()
		if err := s.Interrupt(sleeper, errShutdown); err != nil {
			t.Error(err)
		}
		if err := s.Interrupt(sleeper, errors.New("second")); err != nil {
			t.Error(err)
		}
		if s.timers.Len() != 0 {
			t.Error("sleep timer not cancelled")
		}
		s.Yield()
		if err := s.Interrupt(sleeper, errShutdown); !errors.Is(err, ErrNoCoroutine) {
			t.Errorf("interrupt of finished: %v", err)
		}
	})
	sleeper = spawn(t, s, func() {
		sleepErr = s.Sleep(1000)
	})
	run(t, s)

	if sleepErr != errShutdown {
		t.Errorf("sleep returned %v", sleepErr)
	}
	if s.Now() != 0 {
		t.Errorf("clock advanced to %d", s.Now())
	}
}

func TestSleepForeverUntilInterrupted(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var err error
	h := spawn(t, s, func() {
		err = s.SleepUntil(tsc.Never)
	})
	spawn(t, s, func() {
		if err := s.Sleep(5); err != nil {
			t.Error(err)
		}
		if err := s.Interrupt(h, errShutdown); err != nil {
			t.Error(err)
		}
	})
	run(t, s)
	if err != errShutdown {
		t.Errorf("got %v", err)
	}
}

func TestDeadlock(t *testing.T) {
	s := newTestScheduler(t, Config{})
	c := s.NewCond()

	deferred := 0
	for i := 0; i < 3; i++ {
		spawn(t, s, func() {
			defer func() { deferred++ }()
			c.Wait()
			t.Error("woke up")
		})
	}
	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrDeadlock) {
		t.Fatalf("expected deadlock, got %v", err)
	}
	if deferred != 3 {
		t.Errorf("%d deferred calls ran", deferred)
	}
	if s.Len() != 0 || s.Arena().Live() != 0 || c.Waiting() != 0 {
		t.Errorf("left %d tasks, %d coroutines, %d waiters", s.Len(), s.Arena().Live(), c.Waiting())
	}
}

func TestRunAgainAfterDeadlock(t *testing.T) {
	s := newTestScheduler(t, Config{})
	spawn(t, s, func() {
		s.SleepUntil(tsc.Never)
	})
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("first run: expected deadlock, got %v", err)
	}

	ran := false
	spawn(t, s, func() {
		ran = true
	})
	if _, err := s.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !ran {
		t.Error("coroutine spawned after a failed run never ran")
	}
}

func TestPanicAbortsRun(t *testing.T) {
	var logs bytes.Buffer
	s := newTestScheduler(t, Config{LogOut: &logs})

	spawn(t, s, func() {
		if err := s.Sleep(10); err != nil {
			t.Error(err)
		}
		t.Error("sleeper survived")
	})
	spawn(t, s, func() {
		panic("help")
	})
	_, err := s.Run(context.Background())
	var perr *PanicError
	if !errors.As(err, &perr) || perr.Value != "help" {
		t.Fatalf("got %v", err)
	}
	if !bytes.Contains(logs.Bytes(), []byte("uncaught panic")) {
		t.Errorf("panic not logged: %s", logs.String())
	}
	if s.Len() != 0 {
		t.Errorf("%d tasks left", s.Len())
	}
}

func TestKillRunsDefers(t *testing.T) {
	s := newTestScheduler(t, Config{})

	var steps []string
	victim := spawn(t, s, func() {
		defer func() {
			steps = append(steps, "deferred")
			// Waiting during unwinding fails instead of blocking.
			if err := s.Sleep(1); !errors.Is(err, ErrKilled) {
				t.Errorf("sleep while killed: %v", err)
			}
		}()
		s.WithTimeout(100, func() error {
			return s.Sleep(50)
		})
		steps = append(steps, "after")
	})
	spawn(t, s, func() {
		s.Yield()
		if err := s.Kill(victim); err != nil {
			t.Error(err)
		}
		steps = append(steps, "killed")
	})
	run(t, s)

	if diff := cmp.Diff([]string{"deferred", "killed"}, steps); diff != "" {
		t.Errorf("steps (-want +got):\n%s", diff)
	}
	if s.timers.Len() != 0 {
		t.Errorf("%d timers left", s.timers.Len())
	}
}

func TestContextCancel(t *testing.T) {
	s := newTestScheduler(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	spawn(t, s, func() {
		for i := 0; ; i++ {
			if i == 10 {
				cancel()
			}
			s.Yield()
		}
	})
	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
}

func TestRealClock(t *testing.T) {
	r, err := tsc.Init(10 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestScheduler(t, Config{Clock: tsc.Default(), Relation: r})

	start := time.Now()
	spawn(t, s, func() {
		if err := s.Sleep(r.DurationToTicks(5 * time.Millisecond)); err != nil {
			t.Error(err)
		}
	})
	run(t, s)
	if elapsed := time.Since(start); elapsed < 4*time.Millisecond {
		t.Errorf("5ms sleep took %v", elapsed)
	}
}

func shuffleWorkload(t *testing.T, seed int64) (Result, []int) {
	s := newTestScheduler(t, Config{Seed: seed, Shuffle: true, Checksum: true})
	var order []int
	for i := 0; i < 20; i++ {
		spawn(t, s, func() {
			for j := 0; j < 3; j++ {
				order = append(order, i)
				if err := s.Sleep(tsc.Tick(i % 4)); err != nil {
					t.Error(err)
				}
			}
		})
	}
	return run(t, s), order
}

func TestDeterministicChecksum(t *testing.T) {
	first, firstOrder := shuffleWorkload(t, 42)
	second, secondOrder := shuffleWorkload(t, 42)

	if diff := cmp.Diff(firstOrder, secondOrder); diff != "" {
		t.Errorf("order differs (-first +second):\n%s", diff)
	}
	if !bytes.Equal(first.Checksum, second.Checksum) || len(first.Checksum) != 8 {
		t.Errorf("checksums %x and %x", first.Checksum, second.Checksum)
	}
	if first.Seed != 42 {
		t.Errorf("seed %d", first.Seed)
	}

	other, _ := shuffleWorkload(t, 43)
	if bytes.Equal(first.Checksum, other.Checksum) {
		t.Logf("seeds 42 and 43 produced the same checksum")
	}
}

func TestCleanupGoroutines(t *testing.T) {
	before := runtime.NumGoroutine()

	s := newTestScheduler(t, Config{})
	c := s.NewCond()
	for i := 0; i < 5; i++ {
		spawn(t, s, func() { c.Wait() })
		spawn(t, s, func() { s.Sleep(5) })
	}
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrDeadlock) {
		t.Fatalf("got %v", err)
	}

	start := time.Now()
	for runtime.NumGoroutine() > before {
		if time.Since(start) >= time.Second {
			t.Fatalf("%d goroutines before, %d after", before, runtime.NumGoroutine())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSpawnErrors(t *testing.T) {
	s := newTestScheduler(t, Config{StackCapacity: MinStackSize, StackSize: MinStackSize})
	spawn(t, s, func() {})
	if _, err := s.Spawn(func() {}); !errors.Is(err, ErrStackExhausted) {
		t.Errorf("got %v", err)
	}
	if _, err := s.Spawn(func() {}, WithStackSize(1)); !errors.Is(err, ErrStackSize) {
		t.Errorf("got %v", err)
	}
	run(t, s)

	if _, err := New(Config{TraceFlags: "bogus"}); err == nil {
		t.Error("unknown trace flag accepted")
	}
	if _, err := New(Config{StackSize: 1}); !errors.Is(err, ErrStackSize) {
		t.Errorf("bad default stack size: %v", err)
	}
}

func TestOutsideCoroutinePanics(t *testing.T) {
	s := newTestScheduler(t, Config{})
	defer func() {
		if recover() == nil {
			t.Error("Sleep outside a coroutine did not panic")
		}
	}()
	s.Sleep(1)
}

// TestCheckWakeOrder sleeps random deltas and checks coroutines wake in
// deadline order, ties in the order they went to sleep, each exactly at its
// deadline.
func TestCheckWakeOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		deltas := rapid.SliceOfN(rapid.Uint64Range(0, 50), 1, 40).Draw(rt, "deltas")

		s := newTestScheduler(t, Config{})
		type sleeper struct {
			idx      int
			deadline tsc.Tick
		}
		var got []sleeper
		for i, d := range deltas {
			spawn(t, s, func() {
				if err := s.Sleep(tsc.Tick(d)); err != nil {
					rt.Error(err)
				}
				got = append(got, sleeper{i, s.Now()})
			})
		}
		if _, err := s.Run(context.Background()); err != nil {
			rt.Fatal(err)
		}

		want := make([]sleeper, len(deltas))
		for i, d := range deltas {
			want[i] = sleeper{i, tsc.Tick(d)}
		}
		slices.SortStableFunc(want, func(a, b sleeper) int {
			switch {
			case a.deadline < b.deadline:
				return -1
			case a.deadline > b.deadline:
				return 1
			}
			return 0
		})
		if !slices.Equal(want, got) {
			rt.Fatalf("woke %v, want %v", got, want)
		}
	})
}

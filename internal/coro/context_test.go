package coro

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSwitchPingPong(t *testing.T) {
	var main, co Context
	var trace []string

	co.Init(func() {
		for i := 0; i < 3; i++ {
			trace = append(trace, fmt.Sprintf("co %d", i))
			Switch(&co, &main)
		}
		trace = append(trace, "co exit")
		Exit(&co, &main)
	})

	if !co.Fresh() {
		t.Fatal("expected fresh context after Init")
	}

	for i := 0; i < 4; i++ {
		trace = append(trace, fmt.Sprintf("main %d", i))
		Switch(&main, &co)
	}

	if !co.Retired() {
		t.Errorf("expected retired context, got %s", &co)
	}

	expected := []string{
		"main 0", "co 0",
		"main 1", "co 1",
		"main 2", "co 2",
		"main 3", "co exit",
	}
	if diff := cmp.Diff(expected, trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestSwitchKeepsLocals(t *testing.T) {
	var main, co Context
	var seen []int

	co.Init(func() {
		counter := 0
		for counter < 5 {
			counter++
			seen = append(seen, counter)
			Switch(&co, &main)
		}
		Exit(&co, &main)
	})

	for !co.Retired() {
		Switch(&main, &co)
	}

	if diff := cmp.Diff([]int{1, 2, 3, 4, 5}, seen); diff != "" {
		t.Errorf("counter did not continue (-want +got):\n%s", diff)
	}
}

func TestSwitchRing(t *testing.T) {
	// main -> a -> b -> c -> main, without going back through main in between.
	var main Context
	ring := make([]*Context, 3)
	var order []int

	for i := range ring {
		ring[i] = &Context{}
	}
	for i := range ring {
		i := i
		ring[i].Init(func() {
			order = append(order, i)
			next := &main
			if i+1 < len(ring) {
				next = ring[i+1]
			}
			Exit(ring[i], next)
		})
	}

	Switch(&main, ring[0])

	if diff := cmp.Diff([]int{0, 1, 2}, order); diff != "" {
		t.Errorf("ring order mismatch (-want +got):\n%s", diff)
	}
	for i, c := range ring {
		if !c.Retired() {
			t.Errorf("ring[%d] not retired: %s", i, c)
		}
	}
}

func TestContextReuse(t *testing.T) {
	var main, co Context
	runs := 0

	for i := 0; i < 3; i++ {
		co.Init(func() {
			runs++
			Exit(&co, &main)
		})
		Switch(&main, &co)
	}

	if runs != 3 {
		t.Errorf("expected 3 runs, got %d", runs)
	}
}

func expectPanic(t *testing.T, contains string, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected panic containing %q", contains)
		}
		if !strings.Contains(fmt.Sprint(r), contains) {
			t.Fatalf("expected panic containing %q, got %v", contains, r)
		}
	}()
	f()
}

func TestSwitchMisuse(t *testing.T) {
	var main, co Context
	co.Init(func() {
		Exit(&co, &main)
	})
	Switch(&main, &co)

	expectPanic(t, "switch into retired context", func() {
		Switch(&main, &co)
	})
	expectPanic(t, "switch to self", func() {
		Switch(&main, &main)
	})

	fresh := NewContext(func() {})
	var other Context
	expectPanic(t, "switch from fresh context", func() {
		Switch(fresh, &other)
	})
	expectPanic(t, "switch into running context", func() {
		Switch(&other, &main)
	})
	expectPanic(t, "Init of fresh context", func() {
		fresh.Init(func() {})
	})
}

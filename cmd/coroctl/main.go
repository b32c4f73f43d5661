package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	zapslog "github.com/tommoulard/zap-slog"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kmrgirish/gocoro/cororuntime"
	"github.com/kmrgirish/gocoro/tsc"
)

const doc = `Coroctl exercises the gocoro coroutine runtime.

Usage: coroctl [-log-level=...] [-logformat=...] <command> [arguments]

The commands are:

    calibrate      measure the cycle counter frequency
    sleepers       run coroutines that sleep and report their wake order
    bench          measure coroutine switch cost
    help           print this help

The 'calibrate' command:

Usage: coroctl calibrate [-window=50ms]

Calibrate measures the timestamp counter against the OS monotonic clock over
the given window and prints ticks per second and sample conversions.

The 'sleepers' command:

Usage: coroctl sleepers [-n=10] [-seed=1] [-workers=1] [-max-delay=1000]
    [-delays=...] [-manual=true] [-shuffle]

Sleepers spawns n coroutines on each worker. Each sleeps a random number of
ticks up to max-delay, or the ticks listed in -delays, and records the tick
it woke at. Workers run in parallel, each with its own scheduler seeded with
seed plus the worker index. For every worker it prints the wake order as
index@tick followed by the run checksum. With -manual=false the scheduler
uses the calibrated cycle counter and really sleeps.

The 'bench' command:

Usage: coroctl bench [-switches=1000000]

Bench resumes a coroutine that yields in a loop and reports the time per
resume/yield pair.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type command struct {
	stdout, stderr io.Writer
	config         cororuntime.Config
	logger         *zap.Logger
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := &command{
		stdout: stdout,
		stderr: stderr,
		config: cororuntime.DefaultConfig(),
	}

	flags := flag.NewFlagSet("coroctl", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, doc)
	}
	flags.Func("log-level", "slog log level", func(s string) error {
		return cmd.config.LogLevel.UnmarshalText([]byte(s))
	})
	flags.Func("logformat", "raw|indented|pretty", func(s string) error {
		k, err := cororuntime.ParseLogFormat(s)
		if err != nil {
			return err
		}
		cmd.config.LogFormat = k
		return nil
	})
	if err := flags.Parse(args); err != nil {
		return 2
	}
	if flags.NArg() < 1 {
		flags.Usage()
		return 2
	}

	out := cororuntime.NewConsoleWriter(stderr, cmd.config.LogFormat)
	cmd.config.LogOut = out
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: cmd.config.LogLevel})
	logger, err := zap.NewProduction(zapslog.WrapCore(slog.New(handler)))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer logger.Sync()
	cmd.logger = logger

	name, cmdArgs := flags.Arg(0), flags.Args()[1:]
	switch name {
	case "calibrate":
		err = cmd.calibrate(cmdArgs)
	case "sleepers":
		err = cmd.sleepers(cmdArgs)
	case "bench":
		err = cmd.bench(cmdArgs)
	case "help":
		fmt.Fprint(stdout, doc)
	default:
		flags.Usage()
		return 2
	}

	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		if !errors.Is(err, errUsage) {
			logger.Error("command failed", zap.String("command", name), zap.Error(err))
			fmt.Fprintf(stderr, "coroctl %s: %v\n", name, err)
		}
		return 1
	}
	return 0
}

var errUsage = errors.New("usage")

func (c *command) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("coroctl "+name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return errUsage
	}
	return nil
}

func (c *command) calibrate(args []string) error {
	fs := c.flagSet("calibrate")
	window := fs.Duration("window", tsc.DefaultCalibrationWindow, "calibration window")
	if err := parse(fs, args); err != nil {
		return err
	}

	r, err := tsc.Init(*window)
	if err != nil {
		return err
	}
	c.logger.Info("calibrated", zap.Uint64("ticks_per_sec", r.TicksPerSec), zap.Duration("window", *window))

	fmt.Fprintf(c.stdout, "ticks per second: %d\n", r.TicksPerSec)
	fmt.Fprintf(c.stdout, "1us = %d ticks\n", r.UsecToTicks(1))
	fmt.Fprintf(c.stdout, "1ms = %d ticks\n", r.DurationToTicks(time.Millisecond))
	fmt.Fprintf(c.stdout, "1000000 ticks = %v\n", r.TicksToDuration(1_000_000))
	fmt.Fprintf(c.stdout, "now: %s\n", r.Time(tsc.Now()).UTC().Format(time.RFC3339Nano))
	return nil
}

func parseDelays(s string) ([]tsc.Tick, error) {
	if s == "" {
		return nil, nil
	}
	var delays []tsc.Tick
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad delay %q: %w", part, err)
		}
		if tsc.Tick(v) == tsc.Never {
			return nil, fmt.Errorf("bad delay %q: must be below %d", part, uint64(tsc.Never))
		}
		delays = append(delays, tsc.Tick(v))
	}
	return delays, nil
}

type wake struct {
	index int
	at    tsc.Tick
}

type workerResult struct {
	wakes  []wake
	result cororuntime.Result
}

func (c *command) sleepers(args []string) error {
	fs := c.flagSet("sleepers")
	n := fs.Int("n", 10, "coroutines per worker")
	workers := fs.Int("workers", 1, "parallel workers")
	maxDelay := fs.Uint64("max-delay", 1000, "longest sleep in ticks")
	delaysFlag := fs.String("delays", "", "comma-separated sleep ticks, overrides -n and -max-delay")
	manual := fs.Bool("manual", true, "use a manual clock that jumps to the next deadline")
	config := c.config
	fs.Int64Var(&config.Seed, "seed", config.Seed, "seed of the first worker")
	fs.BoolVar(&config.Shuffle, "shuffle", config.Shuffle, "run coroutines in seeded random order")
	fs.StringVar(&config.TraceFlags, "trace", config.TraceFlags, "comma-separated trace flags (switch,timer)")
	if err := parse(fs, args); err != nil {
		return err
	}
	delays, err := parseDelays(*delaysFlag)
	if err != nil {
		return err
	}
	if *workers < 1 {
		return fmt.Errorf("need at least one worker, got %d", *workers)
	}
	if tsc.Tick(*maxDelay) == tsc.Never {
		return fmt.Errorf("-max-delay must be below %d", uint64(tsc.Never))
	}

	if !*manual {
		r, err := tsc.Init(0)
		if err != nil {
			return err
		}
		config.Relation = r
	}

	results := make([]workerResult, *workers)
	g, ctx := errgroup.WithContext(context.Background())
	for w := range results {
		g.Go(func() error {
			wc := config
			wc.Seed = config.Seed + int64(w)
			if *manual {
				wc.Clock = tsc.NewManual(0)
			} else {
				wc.Clock = tsc.Default()
			}

			ds := delays
			if ds == nil {
				rng := rand.New(rand.NewPCG(uint64(wc.Seed), uint64(w)))
				ds = make([]tsc.Tick, *n)
				for i := range ds {
					ds[i] = tsc.Tick(rng.Uint64N(*maxDelay + 1))
				}
			}

			res, err := runSleepers(ctx, wc, ds)
			if err != nil {
				return fmt.Errorf("worker %d: %w", w, err)
			}
			results[w] = res
			c.logger.Info("worker finished",
				zap.Int("worker", w),
				zap.Int("switches", res.result.Switches),
				zap.Int("timers", res.result.TimersFired))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for w, res := range results {
		var b strings.Builder
		fmt.Fprintf(&b, "worker %d:", w)
		for _, wk := range res.wakes {
			if *manual {
				fmt.Fprintf(&b, " %d@%d", wk.index, wk.at)
			} else {
				fmt.Fprintf(&b, " %d", wk.index)
			}
		}
		fmt.Fprintln(c.stdout, b.String())
		fmt.Fprintf(c.stdout, "worker %d: seed %d checksum %s switches %d timers %d\n",
			w, res.result.Seed, hex.EncodeToString(res.result.Checksum),
			res.result.Switches, res.result.TimersFired)
	}
	return nil
}

func runSleepers(ctx context.Context, config cororuntime.Config, delays []tsc.Tick) (workerResult, error) {
	s, err := cororuntime.New(config)
	if err != nil {
		return workerResult{}, err
	}

	var wakes []wake
	for i, d := range delays {
		_, err := s.Spawn(func() {
			if err := s.Sleep(d); err != nil {
				s.Logger().Error("sleep failed", "err", err)
				return
			}
			wakes = append(wakes, wake{index: i, at: s.Now()})
		}, cororuntime.WithName(fmt.Sprintf("sleeper-%d", i)))
		if err != nil {
			return workerResult{}, err
		}
	}

	result, err := s.Run(ctx)
	if err != nil {
		return workerResult{}, err
	}
	return workerResult{wakes: wakes, result: result}, nil
}

func (c *command) bench(args []string) error {
	fs := c.flagSet("bench")
	switches := fs.Int("switches", 1_000_000, "resume/yield pairs")
	if err := parse(fs, args); err != nil {
		return err
	}

	arena := cororuntime.NewStackArena(0)
	co, err := arena.Create(func(co *cororuntime.Coroutine) {
		for {
			co.Yield()
		}
	}, 0)
	if err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < *switches; i++ {
		if err := co.Resume(); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	if err := co.Abort(); err != nil {
		return err
	}
	if err := co.Release(); err != nil {
		return err
	}

	per := time.Duration(0)
	if *switches > 0 {
		per = elapsed / time.Duration(*switches)
	}
	c.logger.Info("bench finished", zap.Int("switches", *switches), zap.Duration("elapsed", elapsed))
	fmt.Fprintf(c.stdout, "%d switches in %v (%v per resume/yield)\n", *switches, elapsed.Round(time.Microsecond), per)
	return nil
}

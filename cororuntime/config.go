package cororuntime

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kmrgirish/gocoro/tsc"
)

// LogLevelEnv overrides Config.LogLevel when set, e.g. CORO_LOG_LEVEL=DEBUG.
const LogLevelEnv = "CORO_LOG_LEVEL"

// Config configures a Scheduler.
type Config struct {
	// Seed seeds the shuffle order and is reported in the Result.
	Seed int64

	// Clock times sleeps and timeouts. A nil Clock selects a new tsc.Manual
	// starting at zero. A *tsc.Manual is advanced straight to the next
	// deadline whenever nothing is runnable; any other Clock is waited on
	// in real time using Relation.
	Clock tsc.Clock

	// Relation converts ticks of a real Clock into durations. Nil selects
	// the process-wide relation installed by tsc.Init.
	Relation *tsc.Relation

	// StackCapacity bounds the bytes of stack reserved by live coroutines.
	// Zero is unlimited.
	StackCapacity int
	// StackSize is the reservation for coroutines spawned without
	// WithStackSize. Zero selects DefaultStackSize.
	StackSize int

	// Shuffle picks the next runnable coroutine at random instead of in
	// FIFO order.
	Shuffle bool
	// Checksum hashes every scheduling decision into Result.Checksum.
	Checksum bool
	// ForceChecksumLog logs each checksum step at error level.
	ForceChecksumLog bool

	LogLevel  slog.Level
	LogFormat LogFormat
	// LogOut receives log records. Nil selects os.Stderr.
	LogOut io.Writer

	// TraceFlags is a comma-separated list of trace flags (switch, timer).
	TraceFlags string
}

// DefaultConfig returns the configuration used when no flags are given. The
// log level honors LogLevelEnv.
func DefaultConfig() Config {
	c := Config{
		Seed:      1,
		Checksum:  true,
		LogLevel:  slog.LevelError,
		LogFormat: LogFormatPretty,
	}
	if env := os.Getenv(LogLevelEnv); env != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(env)); err == nil {
			c.LogLevel = level
		}
	}
	return c
}

// RegisterFlags binds the configuration to flags in fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Int64Var(&c.Seed, "seed", c.Seed, "scheduler seed")
	fs.BoolVar(&c.Shuffle, "shuffle", c.Shuffle, "run coroutines in seeded random order")
	fs.BoolVar(&c.Checksum, "checksum", c.Checksum, "checksum scheduling decisions")
	fs.BoolVar(&c.ForceChecksumLog, "force-checksum", c.ForceChecksumLog, "log every checksum step")
	fs.IntVar(&c.StackCapacity, "stack-capacity", c.StackCapacity, "stack arena budget in bytes, 0 for unlimited")
	fs.IntVar(&c.StackSize, "stack-size", c.StackSize, "default coroutine stack size in bytes")
	fs.StringVar(&c.TraceFlags, "trace", c.TraceFlags, "comma-separated trace flags (switch,timer)")
	fs.Func("log-level", "slog log level", func(s string) error {
		return c.LogLevel.UnmarshalText([]byte(s))
	})
	fs.Func("logformat", "raw|indented|pretty", func(s string) error {
		k, err := ParseLogFormat(s)
		if err != nil {
			return err
		}
		c.LogFormat = k
		return nil
	})
}

func (c Config) validate() error {
	if c.StackCapacity < 0 {
		return fmt.Errorf("negative stack capacity %d", c.StackCapacity)
	}
	if c.StackSize != 0 && (c.StackSize < MinStackSize || c.StackSize > MaxStackSize) {
		return fmt.Errorf("%w: default %d bytes not in [%d, %d]", ErrStackSize, c.StackSize, MinStackSize, MaxStackSize)
	}
	var flags traceFlags
	return flags.parse(c.TraceFlags)
}

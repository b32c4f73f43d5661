package cororuntime

import (
	"context"
	"encoding/binary"
	"log/slog"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/kmrgirish/gocoro/tsc"
)

// A checksummer folds every scheduling decision into a running xxhash
// digest. Two runs with the same seed and workload make the same decisions
// in the same order, so equal checksums are a cheap determinism check.
type checksummer struct {
	step   int
	digest *xxhash.Digest
	logger *slog.Logger
	force  bool

	scratch []byte
}

func newChecksummer(logger *slog.Logger, force bool) *checksummer {
	return &checksummer{
		digest:  xxhash.New(),
		logger:  logger,
		force:   force,
		scratch: make([]byte, 0, 1+3*binary.MaxVarintLen64),
	}
}

type checksumKey byte

const (
	checksumKeyRunPick checksumKey = iota
	checksumKeyRunResult
	checksumKeySpawn
	checksumKeyTimerFired
	checksumKeyClockAdvance
	checksumKeyInterrupt
)

var checksumKeyNames = [...]string{
	checksumKeyRunPick:      "RunPick",
	checksumKeyRunResult:    "RunResult",
	checksumKeySpawn:        "Spawn",
	checksumKeyTimerFired:   "TimerFired",
	checksumKeyClockAdvance: "ClockAdvance",
	checksumKeyInterrupt:    "Interrupt",
}

func (k checksumKey) String() string {
	if int(k) < len(checksumKeyNames) {
		return checksumKeyNames[k]
	}
	return "checksumKey(" + strconv.Itoa(int(k)) + ")"
}

func (c *checksummer) level() slog.Level {
	if c.force {
		return slog.LevelError
	}
	return slog.LevelDebug
}

// write hashes one record: the key byte followed by its uvarint operands.
func (c *checksummer) write(key checksumKey, operands ...uint64) {
	b := append(c.scratch[:0], byte(key))
	for _, v := range operands {
		b = binary.AppendUvarint(b, v)
	}
	c.digest.Write(b)
	c.scratch = b
}

func (c *checksummer) recordIntInt(key checksumKey, a, b uint64) {
	c.write(key, a, b)

	level := c.level()
	if c.logger.Enabled(context.TODO(), level) {
		c.logger.LogAttrs(context.TODO(), level, "checksummer",
			slog.Int("step", c.step),
			slog.String("key", key.String()),
			slog.Uint64("a", a),
			slog.Uint64("b", b),
			slog.Uint64("sum", c.digest.Sum64()))
	}
	c.step++
}

// recordTick hashes a tick by value, the same way on every clock.
func (c *checksummer) recordTick(key checksumKey, a uint64, tick tsc.Tick) {
	c.write(key, a, uint64(tick))

	level := c.level()
	if c.logger.Enabled(context.TODO(), level) {
		c.logger.LogAttrs(context.TODO(), level, "checksummer",
			slog.Int("step", c.step),
			slog.String("key", key.String()),
			slog.Uint64("a", a),
			slog.String("tick", tick.String()),
			slog.Uint64("sum", c.digest.Sum64()))
	}
	c.step++
}

// finalize returns the digest as 8 big-endian bytes.
func (c *checksummer) finalize() []byte {
	return c.digest.Sum(nil)
}

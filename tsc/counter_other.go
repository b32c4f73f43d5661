//go:build !amd64 && !386

package tsc

import (
	"time"
)

var counterBase = time.Now()

// Without a cycle counter ticks are nanoseconds of the runtime's monotonic
// clock.
const cycleCounter = false

func readCounter() uint64 {
	return uint64(time.Since(counterBase))
}

//go:build amd64 || 386

package tsc

import (
	"golang.org/x/sys/cpu"
)

// Implemented in counter_$GOARCH.s.
func rdtsc() uint64
func rdtscFenced() uint64

// LFENCE is an SSE2 instruction. Without it RDTSC may be reordered with
// earlier loads, which is fine for timers but not for short measurements.
var fenced = cpu.X86.HasSSE2

const cycleCounter = true

func readCounter() uint64 {
	if fenced {
		return rdtscFenced()
	}
	return rdtsc()
}

package cororuntime

import (
	"math/rand/v2"
)

// A picker chooses among runnable coroutines when Config.Shuffle is set. It
// is seeded from Config.Seed so runs repeat exactly. draws counts the values
// taken; the checksum records it to pin the generator's position.
type picker struct {
	rng   *rand.Rand
	draws uint64
}

func newPicker(seed int64) picker {
	return picker{rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))}
}

// intn returns a value in [0, n). n must be positive.
func (p *picker) intn(n int) int {
	p.draws++
	return p.rng.IntN(n)
}

// Package clock provides the time and randomness sources injected into the
// pacing components.
package clock

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Func returns the current time. time.Now satisfies it.
type Func func() time.Time

// Rand is the subset of math/rand/v2 used for jitter.
type Rand interface {
	Int64N(n int64) int64
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Int64N(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int64N(n)
}

// NewRand returns a deterministic Rand safe for concurrent use.
func NewRand(seed uint64) Rand {
	return &lockedRand{r: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// SystemRand returns a Rand seeded from the runtime source.
func SystemRand() Rand {
	return NewRand(rand.Uint64())
}

// Uniform draws a duration uniformly from [lo, hi]. If hi <= lo it returns lo.
func Uniform(r Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(r.Int64N(int64(hi-lo)+1))
}

package intersection

import (
	"math/rand"
	"time"
)

// Source is the random number source the engine draws from. *rand.Rand
// satisfies it; tests substitute a scripted sequence.
type Source interface {
	// Intn returns a uniform int in [0, n).
	Intn(n int) int
	// Float64 returns a uniform float in [0, 1).
	Float64() float64
}

// NewSeededSource returns a math/rand source. A zero seed uses the current
// time.
func NewSeededSource(seed int64) Source {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Named draws. Each mirrors one distribution in the traffic model.

// chance reports whether a uniform draw exceeds threshold, so chance(0.7)
// succeeds with probability 0.3.
func chance(rng Source, threshold float64) bool {
	return rng.Float64() > threshold
}

// dischargeDraw is the number of queued vehicles a green approach serves per
// tick, uniform in [1,3].
func dischargeDraw(rng Source) int { return rng.Intn(3) + 1 }

// waitReliefDraw is the green-phase wait reduction, uniform in [0,4].
func waitReliefDraw(rng Source) int { return rng.Intn(5) }

// waitGrowthDraw is the red-phase wait increase, uniform in [0,2].
func waitGrowthDraw(rng Source) int { return rng.Intn(3) }

// arrivalDraw is a single arrival increment, uniform in [0,1].
func arrivalDraw(rng Source) int { return rng.Intn(2) }

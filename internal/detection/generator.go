package detection

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/intersection/internal/timeutil"
)

// Detector produces one measurement for a road per call.
type Detector interface {
	Detect(road string) Measurement
}

// categoryWeights is the draw table for synthetic vehicle categories; cars
// are five times as common as buses.
var categoryWeights = []Category{
	Car, Car, Car, Car, Car,
	Truck, Truck,
	Bus,
	Motorcycle,
	Bicycle,
}

// Generator produces synthetic detections for demos and tests.
type Generator struct {
	// MaxVehicles bounds the per-pass vehicle count, drawn uniformly in
	// [0, MaxVehicles].
	MaxVehicles int

	mu    sync.Mutex
	rng   *rand.Rand
	clock timeutil.Clock
}

// NewGenerator creates a generator. A nil rng is seeded from the clock; a nil
// clock uses the wall clock.
func NewGenerator(rng *rand.Rand, clock timeutil.Clock) *Generator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clock.Now().UnixNano()))
	}
	return &Generator{
		MaxVehicles: 15,
		rng:         rng,
		clock:       clock,
	}
}

// Detect generates a measurement for road. Safe for concurrent use.
func (g *Generator) Detect(road string) Measurement {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	n := g.rng.Intn(g.MaxVehicles + 1)
	vehicles := make([]DetectedVehicle, n)
	for i := range vehicles {
		vehicles[i] = g.vehicle(now)
	}
	return NewMeasurement(road, vehicles, now)
}

func (g *Generator) vehicle(now time.Time) DetectedVehicle {
	return DetectedVehicle{
		ID:         g.newID(),
		Category:   categoryWeights[g.rng.Intn(len(categoryWeights))],
		Confidence: 0.5 + g.rng.Float64()*0.49,
		BBox: BBox{
			X: g.rng.Float64() * 0.8,
			Y: g.rng.Float64() * 0.8,
			W: 0.05 + g.rng.Float64()*0.15,
			H: 0.05 + g.rng.Float64()*0.15,
		},
		SpeedKPH:  g.rng.Float64() * 80,
		Timestamp: now,
	}
}

// newID draws the UUID from the generator's own source so seeded runs are
// reproducible.
func (g *Generator) newID() string {
	id, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

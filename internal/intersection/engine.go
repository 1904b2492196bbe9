package intersection

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Engine owns the four road states, the cycle clock and the optional
// emergency override. All exported methods are safe for concurrent use; each
// mutation runs to completion under the engine lock, so a sensor callback can
// never interleave with a tick.
type Engine struct {
	mu sync.Mutex

	rng Source

	// roads[i].Direction == RotationOrder[i]
	roads [4]RoadState

	currentCycle   float64
	cycleLength    float64
	emergency      *EmergencyOverride
	totalProcessed int
	stats          TrafficStats
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand injects the random source used for the initial road state and all
// per-tick draws.
func WithRand(rng Source) Option {
	return func(e *Engine) {
		e.rng = rng
	}
}

// WithCycleLength overrides the initial cycle length. The value is clamped to
// [MinCycleLength, MaxCycleLength].
func WithCycleLength(seconds float64) Option {
	return func(e *Engine) {
		e.cycleLength = clampCycle(seconds)
	}
}

// NewEngine creates an engine with four randomly seeded approaches in
// RotationOrder.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		cycleLength: DefaultCycleLength,
		stats: TrafficStats{
			Throughput: DefaultThroughput,
			Efficiency: DefaultEfficiency,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = NewSeededSource(0)
	}

	for i, dir := range RotationOrder {
		e.roads[i] = RoadState{
			Name:             defaultRoadNames[dir],
			Direction:        dir,
			Signal:           Red,
			VehicleCount:     e.rng.Intn(10) + 10,
			QueueLength:      e.rng.Intn(10) + 10,
			WaitTime:         e.rng.Intn(30) + 30,
			PerformanceScore: e.rng.Intn(20) + 75,
		}
	}
	return e
}

// Tick advances the simulation by dt seconds of simulated time. Non-positive
// and non-finite values are ignored.
func (e *Engine) Tick(dt float64) {
	if !(dt > 0) || math.IsInf(dt, 0) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.currentCycle += dt

	if e.emergency != nil && e.emergency.Active {
		e.updateEmergencyPhase()
	} else {
		e.updateNormalPhase()
	}

	e.simulateTraffic()
	e.updateStats()
}

// updateEmergencyPhase holds the overridden road green and drains it two
// vehicles per tick while the others build up.
func (e *Engine) updateEmergencyPhase() {
	for i := range e.roads {
		road := &e.roads[i]
		if road.Direction == e.emergency.Road {
			road.Signal = Green
			road.VehicleCount = max(0, road.VehicleCount-2)
			road.QueueLength = max(0, road.QueueLength-2)
			continue
		}

		road.Signal = Red
		if chance(e.rng, 0.7) {
			road.VehicleCount++
			road.QueueLength++
		}
	}
}

// updateNormalPhase assigns each road an equal quarter of the cycle in
// RotationOrder: green for the quarter minus YellowDuration, then yellow.
func (e *Engine) updateNormalPhase() {
	position := math.Mod(e.currentCycle, e.cycleLength)
	quarter := e.cycleLength / 4

	for i := range e.roads {
		road := &e.roads[i]
		start := float64(Slot(road.Direction)) * quarter
		end := start + quarter

		switch {
		case position >= start && position < end-YellowDuration:
			road.Signal = Green
		case position >= end-YellowDuration && position < end:
			road.Signal = Yellow
		default:
			road.Signal = Red
		}
	}
}

func (e *Engine) simulateTraffic() {
	for i := range e.roads {
		road := &e.roads[i]

		if road.Signal == Green {
			if road.QueueLength > 0 {
				processed := min(dischargeDraw(e.rng), road.QueueLength)
				road.QueueLength -= processed
				road.VehicleCount = max(0, road.VehicleCount-processed)
				e.totalProcessed += processed
			}
			road.WaitTime = max(MinWaitTime, road.WaitTime-waitReliefDraw(e.rng))
		} else {
			if chance(e.rng, 0.5) {
				road.VehicleCount += arrivalDraw(e.rng)
				road.QueueLength += arrivalDraw(e.rng)
			}
			road.WaitTime = min(MaxWaitTime, road.WaitTime+waitGrowthDraw(e.rng))
		}

		road.WaitTime = clampInt(road.WaitTime, MinWaitTime, MaxWaitTime)
		road.PerformanceScore = simulatedPerformance(road.QueueLength, road.WaitTime)
	}
}

// simulatedPerformance penalises queue length and any wait beyond 30 s.
func simulatedPerformance(queue, wait int) int {
	queuePenalty := min(queue*2, 30)
	waitPenalty := min(max(0, wait-30)/2, 20)
	return clampInt(100-queuePenalty-waitPenalty, MinPerformance, MaxPerformance)
}

// sensorPerformance penalises queue length and raw vehicle count; sensor
// readings carry no wait time.
func sensorPerformance(queue, vehicles int) int {
	queuePenalty := min(queue*2, 30)
	densityPenalty := min(vehicles, 20)
	return clampInt(100-queuePenalty-densityPenalty, MinPerformance, MaxPerformance)
}

func (e *Engine) updateStats() {
	waits := make([]float64, len(e.roads))
	scores := make([]float64, len(e.roads))
	for i, road := range e.roads {
		waits[i] = float64(road.WaitTime)
		scores[i] = float64(road.PerformanceScore)
	}

	e.stats = TrafficStats{
		TotalProcessed: e.totalProcessed,
		AvgWaitTime:    int(math.Round(stat.Mean(waits, nil))),
		Throughput:     throughput(e.totalProcessed, e.currentCycle),
		Efficiency:     int(math.Round(stat.Mean(scores, nil))),
	}
}

// throughput is vehicles served per simulated minute.
func throughput(processed int, elapsed float64) int {
	if elapsed <= 0 {
		return DefaultThroughput
	}
	return int(math.Floor(float64(processed) * 60 / elapsed))
}

// SetEmergencyOverride installs o, replacing any override already in place.
func (e *Engine) SetEmergencyOverride(o EmergencyOverride) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emergency = &o
}

// ClearEmergencyOverride removes the override. Normal cycling resumes on the
// next tick from the current clock position. Calling it with no override
// installed does nothing.
func (e *Engine) ClearEmergencyOverride() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emergency = nil
}

// Emergency returns the installed override, if any.
func (e *Engine) Emergency() (EmergencyOverride, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emergency == nil {
		return EmergencyOverride{}, false
	}
	return *e.emergency, true
}

// IngestSensorReading replaces the named road's counters with sensor values
// and nudges the cycle length one second towards the observed density. It
// reports false, changing nothing, when no road has that name.
//
// The cycle adjustment is a fixed ±1 s step per reading with no rate limit,
// so a fast sensor cadence drives the cycle between its bounds quickly.
func (e *Engine) IngestSensorReading(r SensorReading) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	road := e.roadByName(r.Road)
	if road == nil {
		return false
	}

	road.VehicleCount = max(0, r.VehicleCount)
	road.QueueLength = max(0, r.QueueLength)

	density := road.VehicleCount + road.QueueLength*2
	switch {
	case density > 20:
		e.cycleLength = clampCycle(e.cycleLength + 1)
	case density < 10:
		e.cycleLength = clampCycle(e.cycleLength - 1)
	}

	road.PerformanceScore = sensorPerformance(road.QueueLength, road.VehicleCount)
	return true
}

func (e *Engine) roadByName(name string) *RoadState {
	for i := range e.roads {
		if e.roads[i].Name == name {
			return &e.roads[i]
		}
	}
	return nil
}

// Roads returns a copy of the four road states in RotationOrder.
func (e *Engine) Roads() []RoadState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RoadState, len(e.roads))
	copy(out, e.roads[:])
	return out
}

// Stats returns the statistics computed by the most recent tick.
func (e *Engine) Stats() TrafficStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// CycleLength returns the current cycle length in seconds.
func (e *Engine) CycleLength() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycleLength
}

// Elapsed returns the simulated seconds since the engine was created.
func (e *Engine) Elapsed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentCycle
}

// Snapshot returns a consistent copy of roads, stats, clock and override.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Roads:       make([]RoadState, len(e.roads)),
		Stats:       e.stats,
		Elapsed:     e.currentCycle,
		CycleLength: e.cycleLength,
	}
	copy(s.Roads, e.roads[:])
	if e.emergency != nil {
		o := *e.emergency
		s.Emergency = &o
	}
	return s
}

func clampCycle(v float64) float64 {
	return math.Max(MinCycleLength, math.Min(MaxCycleLength, v))
}

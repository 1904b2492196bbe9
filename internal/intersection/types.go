// Package intersection implements the signal and queue simulation for a
// four-way intersection: round-robin phase control, emergency preemption and
// sensor-driven cycle adaptation.
package intersection

import (
	"fmt"
	"strings"
)

// Direction identifies one of the four approaches.
type Direction string

const (
	North Direction = "North"
	East  Direction = "East"
	South Direction = "South"
	West  Direction = "West"
)

// RotationOrder is the fixed order in which approaches receive their quarter
// of the signal cycle. Roads are created in this order and Slot reads it, so
// reordering this array changes which physical road gets which quarter.
var RotationOrder = [4]Direction{North, East, South, West}

// Slot returns the position of d in RotationOrder, or -1 for an unknown
// direction.
func Slot(d Direction) int {
	for i, r := range RotationOrder {
		if r == d {
			return i
		}
	}
	return -1
}

// ParseDirection accepts a direction name in any case.
func ParseDirection(s string) (Direction, error) {
	for _, d := range RotationOrder {
		if strings.EqualFold(string(d), strings.TrimSpace(s)) {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Signal is the phase shown to an approach.
type Signal string

const (
	Red    Signal = "red"
	Yellow Signal = "yellow"
	Green  Signal = "green"
)

// VehicleType is the kind of emergency vehicle requesting preemption.
type VehicleType string

const (
	Ambulance VehicleType = "ambulance"
	FireTruck VehicleType = "fire_truck"
	Police    VehicleType = "police"
)

// ParseVehicleType accepts "ambulance", "fire_truck" (or "firetruck",
// "fire-truck") and "police" in any case.
func ParseVehicleType(s string) (VehicleType, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "ambulance":
		return Ambulance, nil
	case "fire_truck", "firetruck":
		return FireTruck, nil
	case "police":
		return Police, nil
	}
	return "", fmt.Errorf("unknown vehicle type %q", s)
}

// Value bounds enforced after every mutation.
const (
	MinWaitTime    = 20
	MaxWaitTime    = 80
	MinPerformance = 50
	MaxPerformance = 98

	MinCycleLength     = 45.0
	MaxCycleLength     = 90.0
	DefaultCycleLength = 60.0

	// YellowDuration is the amber buffer at the end of each green quarter.
	YellowDuration = 3.0

	// DefaultThroughput is reported while no simulated time has elapsed.
	DefaultThroughput = 20
	// DefaultEfficiency is the efficiency reported before the first tick.
	DefaultEfficiency = 84
)

// RoadState is the per-approach state. Values handed out by the engine are
// copies; mutating them has no effect on the simulation.
type RoadState struct {
	Name             string    `json:"name"`
	Direction        Direction `json:"direction"`
	Signal           Signal    `json:"signal"`
	VehicleCount     int       `json:"vehicle_count"`
	QueueLength      int       `json:"queue_length"`
	WaitTime         int       `json:"wait_time"`
	PerformanceScore int       `json:"performance_score"`
}

// EmergencyOverride forces Road green and every other approach red while
// Active is set.
type EmergencyOverride struct {
	Road        Direction   `json:"road"`
	VehicleType VehicleType `json:"vehicle_type"`
	Active      bool        `json:"active"`
}

// TrafficStats is derived from road state on every tick.
type TrafficStats struct {
	TotalProcessed int `json:"total_processed"`
	AvgWaitTime    int `json:"avg_wait_time"`
	Throughput     int `json:"throughput"` // vehicles per simulated minute
	Efficiency     int `json:"efficiency"` // mean performance score, percent
}

// SensorReading is a classified detection result for one road.
//
// VehicleCount and QueueLength replace the simulated counters for the road;
// negative values are treated as zero. RecommendedGreenTime is the
// analyzer's suggested green duration in seconds.
type SensorReading struct {
	Road                 string `json:"road"`
	VehicleCount         int    `json:"vehicle_count"`
	QueueLength          int    `json:"queue_length"`
	RecommendedGreenTime int    `json:"recommended_green_time"`
}

// Snapshot is a consistent copy of the whole engine state.
type Snapshot struct {
	Roads       []RoadState        `json:"roads"`
	Stats       TrafficStats       `json:"stats"`
	Elapsed     float64            `json:"elapsed_seconds"`
	CycleLength float64            `json:"cycle_length_seconds"`
	Emergency   *EmergencyOverride `json:"emergency,omitempty"`
}

// defaultRoadNames labels each approach.
var defaultRoadNames = map[Direction]string{
	North: "Road A",
	East:  "Road B",
	South: "Road C",
	West:  "Road D",
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

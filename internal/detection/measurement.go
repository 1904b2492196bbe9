// Package detection produces per-road vehicle measurements, either synthetic
// or read from a serial detector, and classifies them into traffic density
// levels for the intersection engine.
package detection

import (
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/intersection/internal/intersection"
)

// Category is the classified vehicle kind.
type Category string

const (
	Car        Category = "car"
	Truck      Category = "truck"
	Bus        Category = "bus"
	Motorcycle Category = "motorcycle"
	Bicycle    Category = "bicycle"
)

// QueueSpeedKPH is the speed below which a detected vehicle counts as queued.
const QueueSpeedKPH = 10.0

// BBox is a bounding box in normalised image coordinates.
type BBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// DetectedVehicle is one vehicle seen in a single detection pass.
type DetectedVehicle struct {
	ID         string    `json:"id"`
	Category   Category  `json:"category"`
	Confidence float64   `json:"confidence"`
	BBox       BBox      `json:"bbox"`
	SpeedKPH   float64   `json:"speed_kph"`
	Timestamp  time.Time `json:"timestamp"`
}

// Measurement is the result of one detection pass over a road.
type Measurement struct {
	Road         string            `json:"road"`
	Vehicles     []DetectedVehicle `json:"vehicles,omitempty"`
	VehicleCount int               `json:"vehicle_count"`
	QueueLength  int               `json:"queue_length"`
	AverageSpeed float64           `json:"average_speed_kph"`
	FlowRate     int               `json:"flow_rate"` // vehicles per minute
	Timestamp    time.Time         `json:"timestamp"`
}

// NewMeasurement derives the aggregate fields from vehicles.
func NewMeasurement(road string, vehicles []DetectedVehicle, at time.Time) Measurement {
	m := Measurement{
		Road:         road,
		Vehicles:     vehicles,
		VehicleCount: len(vehicles),
		Timestamp:    at,
	}

	speeds := make([]float64, len(vehicles))
	for i, v := range vehicles {
		speeds[i] = v.SpeedKPH
		if v.SpeedKPH < QueueSpeedKPH {
			m.QueueLength++
		}
	}
	if len(speeds) > 0 {
		m.AverageSpeed = floats.Sum(speeds) / float64(len(speeds))
	}
	m.FlowRate = flowRate(m.VehicleCount)
	return m
}

// flowRate extrapolates one emission to vehicles per minute at two emissions
// per second.
func flowRate(count int) int {
	return count * 2 * 60
}

// Analyze classifies the measurement.
func (m Measurement) Analyze() Analysis {
	return Analyze(m.VehicleCount, m.QueueLength, m.AverageSpeed)
}

// Reading converts the measurement into the engine's ingest form, carrying
// the analyzer's recommended green time.
func (m Measurement) Reading() intersection.SensorReading {
	return intersection.SensorReading{
		Road:                 m.Road,
		VehicleCount:         m.VehicleCount,
		QueueLength:          m.QueueLength,
		RecommendedGreenTime: m.Analyze().RecommendedGreenTime,
	}
}

// Package units provides shared constants and conversion for speed units.
// Detection sources report speeds in km/h; API consumers pick a display unit.
package units

import "strings"

// Unit constants
const (
	MPS  = "mps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{MPS, MPH, KMPH, KPH}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return strings.Join(ValidUnits, ", ")
}

// ConvertFromKPH converts a speed in kilometres per hour to the target units.
// Unknown units leave the value in km/h.
func ConvertFromKPH(speedKPH float64, targetUnits string) float64 {
	switch targetUnits {
	case MPS:
		return speedKPH / 3.6
	case MPH:
		return speedKPH * 0.621371
	default:
		return speedKPH
	}
}

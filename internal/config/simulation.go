package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/intersection/internal/units"
)

// DefaultConfigPath is the path to the canonical simulation defaults file.
const DefaultConfigPath = "config/simulation.defaults.json"

// AllowedSpeeds are the simulation speed multipliers a session may run at.
var AllowedSpeeds = []float64{0.5, 1, 2, 4}

// SimulationConfig holds the startup parameters for a simulation session.
// Every field is optional; the Get* methods supply defaults for unset fields,
// so partial files are safe.
type SimulationConfig struct {
	// Tick loop
	TickInterval *string  `json:"tick_interval,omitempty"` // wall-clock period, e.g. "1s"
	Speed        *float64 `json:"speed,omitempty"`         // simulated seconds per tick

	// Detection feed
	DetectionInterval *string `json:"detection_interval,omitempty"` // e.g. "500ms"
	DetectionEnabled  *bool   `json:"detection_enabled,omitempty"`

	// Recording
	SnapshotIntervalSeconds *float64 `json:"snapshot_interval_seconds,omitempty"`

	Seed       *int64  `json:"seed,omitempty"` // 0 seeds from the clock
	SpeedUnits *string `json:"speed_units,omitempty"`

	// Serial detector
	SerialBaudRate *int `json:"serial_baud_rate,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptySimulationConfig returns a config with every field unset.
func EmptySimulationConfig() *SimulationConfig {
	return &SimulationConfig{}
}

// DefaultSimulationConfig returns a config with every field set to its
// default.
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		TickInterval:            ptrString("1s"),
		Speed:                   ptrFloat64(1),
		DetectionInterval:       ptrString("500ms"),
		DetectionEnabled:        ptrBool(true),
		SnapshotIntervalSeconds: ptrFloat64(10),
		Seed:                    ptrInt64(0),
		SpeedUnits:              ptrString(units.KPH),
	}
}

// LoadSimulationConfig loads a SimulationConfig from a JSON file.
// The file must have a .json extension and be under 1 MB.
func LoadSimulationConfig(path string) (*SimulationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySimulationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. It panics when the
// file cannot be found and is intended for test setup.
func MustLoadDefaultConfig() *SimulationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSimulationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// ValidSpeed reports whether s is one of AllowedSpeeds.
func ValidSpeed(s float64) bool {
	for _, a := range AllowedSpeeds {
		if s == a {
			return true
		}
	}
	return false
}

// Validate checks that every set field holds a usable value.
func (c *SimulationConfig) Validate() error {
	if err := validPositiveDuration("tick_interval", c.TickInterval); err != nil {
		return err
	}
	if err := validPositiveDuration("detection_interval", c.DetectionInterval); err != nil {
		return err
	}

	if c.Speed != nil && !ValidSpeed(*c.Speed) {
		return fmt.Errorf("speed must be one of %v, got %v", AllowedSpeeds, *c.Speed)
	}

	if c.SnapshotIntervalSeconds != nil && *c.SnapshotIntervalSeconds < 0 {
		return fmt.Errorf("snapshot_interval_seconds must be non-negative, got %v", *c.SnapshotIntervalSeconds)
	}

	if c.SpeedUnits != nil && !units.IsValid(*c.SpeedUnits) {
		return fmt.Errorf("speed_units must be one of: %s, got %q", units.GetValidUnitsString(), *c.SpeedUnits)
	}

	if c.SerialBaudRate != nil && *c.SerialBaudRate < 0 {
		return fmt.Errorf("serial_baud_rate must be non-negative, got %d", *c.SerialBaudRate)
	}

	return nil
}

func validPositiveDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetTickInterval returns the wall-clock period of the tick loop.
func (c *SimulationConfig) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, time.Second)
}

// GetSpeed returns the speed multiplier.
func (c *SimulationConfig) GetSpeed() float64 {
	if c.Speed == nil {
		return 1 // default
	}
	return *c.Speed
}

// GetDetectionInterval returns the per-road detection period.
func (c *SimulationConfig) GetDetectionInterval() time.Duration {
	return parseDurationOr(c.DetectionInterval, 500*time.Millisecond)
}

// GetDetectionEnabled returns the detection_enabled value or the default.
func (c *SimulationConfig) GetDetectionEnabled() bool {
	if c.DetectionEnabled == nil {
		return true // default
	}
	return *c.DetectionEnabled
}

// GetSnapshotInterval returns how often, in simulated seconds, road
// performance is recorded. Zero disables recording.
func (c *SimulationConfig) GetSnapshotInterval() float64 {
	if c.SnapshotIntervalSeconds == nil {
		return 10 // default
	}
	return *c.SnapshotIntervalSeconds
}

// GetSeed returns the random seed or the default.
func (c *SimulationConfig) GetSeed() int64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// GetSpeedUnits returns the display unit for speeds.
func (c *SimulationConfig) GetSpeedUnits() string {
	if c.SpeedUnits == nil || *c.SpeedUnits == "" {
		return units.KPH
	}
	return *c.SpeedUnits
}

// GetSerialBaudRate returns the detector baud rate, 0 meaning the port
// default.
func (c *SimulationConfig) GetSerialBaudRate() int {
	if c.SerialBaudRate == nil {
		return 0
	}
	return *c.SerialBaudRate
}

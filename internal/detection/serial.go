package detection

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// PortOptions describes the serial connection used to reach a roadside
// detector.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and fills in 115200 8N1 for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o
	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}
	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}
	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch p := strings.ToUpper(strings.TrimSpace(opts.Parity)); p {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options to the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// serialLine is one newline-delimited JSON record from a detector.
type serialLine struct {
	Road            string   `json:"road"`
	VehicleCount    *int     `json:"vehicle_count"`
	QueueLength     *int     `json:"queue_length"`
	AverageSpeedKPH *float64 `json:"average_speed_kph"`
}

// ParseLine decodes a detector record into a Measurement stamped with at.
func ParseLine(line string, at time.Time) (Measurement, error) {
	var rec serialLine
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Measurement{}, fmt.Errorf("decode detector line: %w", err)
	}
	if strings.TrimSpace(rec.Road) == "" {
		return Measurement{}, errors.New("detector line has no road")
	}
	if rec.VehicleCount == nil || rec.QueueLength == nil {
		return Measurement{}, fmt.Errorf("detector line for %s is missing counts", rec.Road)
	}

	m := Measurement{
		Road:         rec.Road,
		VehicleCount: max(0, *rec.VehicleCount),
		QueueLength:  max(0, *rec.QueueLength),
		Timestamp:    at,
	}
	if rec.AverageSpeedKPH != nil {
		m.AverageSpeed = max(0, *rec.AverageSpeedKPH)
	}
	m.FlowRate = flowRate(m.VehicleCount)
	return m, nil
}

// SerialSource reads detector records from a serial port, or any stream of
// newline-delimited JSON.
type SerialSource struct {
	port      io.ReadCloser
	now       func() time.Time
	closeOnce sync.Once
	closeErr  error
}

// NewSerialSource wraps an already open port.
func NewSerialSource(port io.ReadCloser) *SerialSource {
	return &SerialSource{port: port, now: time.Now}
}

// OpenSerialSource opens the serial device at path.
func OpenSerialSource(path string, opts PortOptions) (*SerialSource, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return NewSerialSource(port), nil
}

// Run reads records until ctx is cancelled or the stream ends, handing each
// valid measurement to onMeasurement. Malformed lines are logged and skipped.
// A cleanly ended stream returns nil.
func (s *SerialSource) Run(ctx context.Context, onMeasurement func(Measurement)) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking Scan runs on its own goroutine so cancellation is noticed
	// between lines
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("read detector: %w", err)
				default:
					return nil
				}
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			m, err := ParseLine(line, s.now())
			if err != nil {
				logf("skipping detector line %q: %v", line, err)
				continue
			}
			onMeasurement(m)
		}
	}
}

// Close closes the underlying port. Safe to call more than once.
func (s *SerialSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

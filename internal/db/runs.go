package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/intersection/internal/intersection"
)

// Run statuses.
const (
	StatusInactive  = "inactive"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Event types recorded in traffic_events.
const (
	EventEmergency        = "emergency"
	EventEmergencyCleared = "emergency_cleared"
	EventSensorRejected   = "sensor_rejected"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// Run is one simulation session.
type Run struct {
	RunID           string     `json:"run_id"`
	Status          string     `json:"status"`
	Speed           float64    `json:"speed"`
	Seed            int64      `json:"seed"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	CyclesCompleted int        `json:"cycles_completed"`
	TotalProcessed  int        `json:"total_processed"`
	AvgWaitTime     int        `json:"avg_wait_time"`
	Efficiency      int        `json:"efficiency"`
	Throughput      int        `json:"throughput"`
	EmergencyEvents int        `json:"emergency_events"`
}

// RoadSample is one row of road_performance.
type RoadSample struct {
	RunID       string    `json:"run_id"`
	RoadName    string    `json:"road_name"`
	Direction   string    `json:"direction"`
	Vehicles    int       `json:"vehicles"`
	QueueLength int       `json:"queue_length"`
	WaitTime    int       `json:"wait_time"`
	Performance int       `json:"performance"`
	Signal      string    `json:"signal"`
	SimTime     float64   `json:"sim_time"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// TrafficEvent is one row of traffic_events.
type TrafficEvent struct {
	EventID     string    `json:"event_id"`
	RunID       string    `json:"run_id"`
	EventType   string    `json:"event_type"`
	Road        string    `json:"road,omitempty"`
	VehicleType string    `json:"vehicle_type,omitempty"`
	Description string    `json:"description,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// CreateRun inserts a new run in the inactive state.
func (db *DB) CreateRun(ctx context.Context, runID string, speed float64, seed int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO simulation_runs (run_id, status, speed, seed, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, StatusInactive, speed, seed, unixSeconds(db.now()),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", runID, err)
	}
	return nil
}

// UpdateRunStats stores the latest aggregate statistics for a run.
func (db *DB) UpdateRunStats(ctx context.Context, runID string, speed float64, cycles int, stats intersection.TrafficStats) error {
	res, err := db.ExecContext(ctx,
		`UPDATE simulation_runs
		 SET speed = ?, cycles_completed = ?, total_processed = ?, avg_wait_time = ?, efficiency = ?, throughput = ?
		 WHERE run_id = ?`,
		speed, cycles, stats.TotalProcessed, stats.AvgWaitTime, stats.Efficiency, stats.Throughput, runID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return requireRow(res, runID)
}

// SetRunStatus moves a run to status. Completing a run stamps ended_at.
func (db *DB) SetRunStatus(ctx context.Context, runID, status string) error {
	var endedAt any
	if status == StatusCompleted {
		endedAt = unixSeconds(db.now())
	}
	res, err := db.ExecContext(ctx,
		`UPDATE simulation_runs SET status = ?, ended_at = COALESCE(?, ended_at) WHERE run_id = ?`,
		status, endedAt, runID,
	)
	if err != nil {
		return fmt.Errorf("set run %s status: %w", runID, err)
	}
	return requireRow(res, runID)
}

// RecordRoadPerformance writes one sample per road in a single transaction.
func (db *DB) RecordRoadPerformance(ctx context.Context, runID string, simTime float64, roads []intersection.RoadState) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO road_performance
		 (run_id, road_name, direction, vehicles, queue_length, wait_time, performance, signal, sim_time, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := unixSeconds(db.now())
	for _, r := range roads {
		if _, err := stmt.ExecContext(ctx,
			runID, r.Name, string(r.Direction), r.VehicleCount, r.QueueLength,
			r.WaitTime, r.PerformanceScore, string(r.Signal), simTime, now,
		); err != nil {
			return fmt.Errorf("record performance for %s: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// RecordEvent stores ev, assigning an ID and timestamp when unset, and bumps
// the run's emergency counter for emergency events. It returns the event ID.
func (db *DB) RecordEvent(ctx context.Context, ev TrafficEvent) (string, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = db.now()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO traffic_events (event_id, run_id, event_type, road, vehicle_type, description, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.RunID, ev.EventType, ev.Road, ev.VehicleType, ev.Description, unixSeconds(ev.RecordedAt),
	); err != nil {
		return "", fmt.Errorf("record %s event: %w", ev.EventType, err)
	}

	if ev.EventType == EventEmergency {
		if _, err := tx.ExecContext(ctx,
			`UPDATE simulation_runs SET emergency_events = emergency_events + 1 WHERE run_id = ?`,
			ev.RunID,
		); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return ev.EventID, nil
}

const runColumns = `run_id, status, speed, seed, started_at, ended_at, cycles_completed,
	total_processed, avg_wait_time, efficiency, throughput, emergency_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r         Run
		startedAt float64
		endedAt   sql.NullFloat64
	)
	if err := row.Scan(
		&r.RunID, &r.Status, &r.Speed, &r.Seed, &startedAt, &endedAt, &r.CyclesCompleted,
		&r.TotalProcessed, &r.AvgWaitTime, &r.Efficiency, &r.Throughput, &r.EmergencyEvents,
	); err != nil {
		return Run{}, err
	}
	r.StartedAt = fromUnixSeconds(startedAt)
	if endedAt.Valid {
		t := fromUnixSeconds(endedAt.Float64)
		r.EndedAt = &t
	}
	return r, nil
}

// ListRuns returns up to limit runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM simulation_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns a single run, or ErrRunNotFound.
func (db *DB) GetRun(ctx context.Context, runID string) (*Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM simulation_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// RoadPerformance returns up to limit samples for a run in recording order.
func (db *DB) RoadPerformance(ctx context.Context, runID string, limit int) ([]RoadSample, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT run_id, road_name, direction, vehicles, queue_length, wait_time, performance, signal, sim_time, recorded_at
		 FROM road_performance WHERE run_id = ? ORDER BY sim_time, id LIMIT ?`,
		runID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []RoadSample{}
	for rows.Next() {
		var (
			s          RoadSample
			recordedAt float64
		)
		if err := rows.Scan(&s.RunID, &s.RoadName, &s.Direction, &s.Vehicles, &s.QueueLength,
			&s.WaitTime, &s.Performance, &s.Signal, &s.SimTime, &recordedAt); err != nil {
			return nil, err
		}
		s.RecordedAt = fromUnixSeconds(recordedAt)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// Events returns up to limit events for a run, oldest first.
func (db *DB) Events(ctx context.Context, runID string, limit int) ([]TrafficEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT event_id, run_id, event_type, road, vehicle_type, description, recorded_at
		 FROM traffic_events WHERE run_id = ? ORDER BY recorded_at, rowid LIMIT ?`,
		runID, normalizeLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []TrafficEvent{}
	for rows.Next() {
		var (
			ev         TrafficEvent
			recordedAt float64
		)
		if err := rows.Scan(&ev.EventID, &ev.RunID, &ev.EventType, &ev.Road, &ev.VehicleType,
			&ev.Description, &recordedAt); err != nil {
			return nil, err
		}
		ev.RecordedAt = fromUnixSeconds(recordedAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func requireRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

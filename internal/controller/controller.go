// Package controller runs a simulation session: the tick loop that drives the
// intersection engine, the per-road detection feeds that adapt it, run
// recording and snapshot fan-out to live subscribers.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/intersection/internal/config"
	"github.com/banshee-data/intersection/internal/db"
	"github.com/banshee-data/intersection/internal/detection"
	"github.com/banshee-data/intersection/internal/intersection"
	"github.com/banshee-data/intersection/internal/monitoring"
	"github.com/banshee-data/intersection/internal/timeutil"
)

var logf = monitoring.Component("controller")

var (
	ErrUnknownRoad      = errors.New("unknown road")
	ErrNotRunning       = errors.New("simulation not running")
	ErrInvalidSpeed     = errors.New("invalid speed")
	ErrInvalidDirection = errors.New("invalid direction")
)

// Status is the session lifecycle state.
type Status string

const (
	Inactive  Status = db.StatusInactive
	Running   Status = db.StatusRunning
	Paused    Status = db.StatusPaused
	Completed Status = db.StatusCompleted
)

// Recorder persists run history. *db.DB satisfies it.
type Recorder interface {
	CreateRun(ctx context.Context, runID string, speed float64, seed int64) error
	SetRunStatus(ctx context.Context, runID, status string) error
	UpdateRunStats(ctx context.Context, runID string, speed float64, cycles int, stats intersection.TrafficStats) error
	RecordRoadPerformance(ctx context.Context, runID string, simTime float64, roads []intersection.RoadState) error
	RecordEvent(ctx context.Context, ev db.TrafficEvent) (string, error)
}

// Snapshot is the engine state plus session metadata, as published to
// subscribers after every tick.
type Snapshot struct {
	intersection.Snapshot
	Status           Status                        `json:"status"`
	Speed            float64                       `json:"speed"`
	CyclesCompleted  int                           `json:"cycles_completed"`
	RunID            string                        `json:"run_id"`
	DetectionEnabled bool                          `json:"detection_enabled"`
	Detection        map[string]detection.Analysis `json:"detection,omitempty"`
	UpdatedAt        time.Time                     `json:"updated_at"`
}

// Options configures a Controller. Zero values select defaults.
type Options struct {
	Config   *config.SimulationConfig
	Clock    timeutil.Clock
	Recorder Recorder
	// Detector replaces the synthetic generator, for example with a replay.
	Detector detection.Detector
}

// Controller owns one simulation session at a time.
//
// Lock order: lifecycleMu, then mu, then the engine's own lock. Feed
// callbacks only take the engine lock and analysisMu, so lifecycle methods
// may wait for feeds to stop while holding lifecycleMu.
type Controller struct {
	cfg      *config.SimulationConfig
	clock    timeutil.Clock
	recorder Recorder
	detector detection.Detector
	feed     *detection.Feed

	lifecycleMu sync.Mutex
	loopStop    chan struct{}
	loopDone    chan struct{}

	mu               sync.Mutex
	engine           *intersection.Engine
	seed             int64
	runID            string
	runCreated       bool
	status           Status
	speed            float64
	detectionEnabled bool
	cycles           int
	lastRecorded     float64

	analysisMu sync.Mutex
	analyses   map[string]detection.Analysis

	subMu       sync.Mutex
	subscribers map[string]chan Snapshot
}

// New creates a controller with a fresh, inactive session.
func New(opts Options) *Controller {
	if opts.Config == nil {
		opts.Config = config.EmptySimulationConfig()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}

	c := &Controller{
		cfg:         opts.Config,
		clock:       opts.Clock,
		recorder:    opts.Recorder,
		analyses:    make(map[string]detection.Analysis),
		subscribers: make(map[string]chan Snapshot),
	}
	c.newSession()

	c.detector = opts.Detector
	if c.detector == nil {
		c.detector = detection.NewGenerator(rand.New(rand.NewSource(c.seed+1)), c.clock)
	}
	c.feed = detection.NewFeed(c.detector, detection.FeedOptions{
		Interval: c.cfg.GetDetectionInterval(),
		Clock:    c.clock,
	})
	return c
}

// newSession replaces the engine and run identity. Callers hold mu, or own c
// exclusively.
func (c *Controller) newSession() {
	c.seed = c.cfg.GetSeed()
	if c.seed == 0 {
		c.seed = c.clock.Now().UnixNano()
	}
	c.engine = intersection.NewEngine(intersection.WithRand(rand.New(rand.NewSource(c.seed))))
	c.runID = uuid.NewString()
	c.runCreated = false
	c.status = Inactive
	c.speed = c.cfg.GetSpeed()
	c.detectionEnabled = c.cfg.GetDetectionEnabled()
	c.cycles = 0
	c.lastRecorded = 0

	c.analysisMu.Lock()
	c.analyses = make(map[string]detection.Analysis)
	c.analysisMu.Unlock()
}

// Start runs the tick loop and, when detection is enabled, one feed per road.
// ctx bounds the run bookkeeping done while starting; the loop itself runs
// until Pause, Reset or Close. Starting a running session does nothing.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	if c.status == Running {
		c.mu.Unlock()
		return nil
	}
	c.status = Running
	runID, speed, seed := c.runID, c.speed, c.seed
	created := c.runCreated
	c.runCreated = true
	engine := c.engine
	detectionOn := c.detectionEnabled
	c.mu.Unlock()

	if !created {
		if err := c.recorder.CreateRun(ctx, runID, speed, seed); err != nil {
			logf("failed to create run %s: %v", runID, err)
		}
	}
	if err := c.recorder.SetRunStatus(ctx, runID, string(Running)); err != nil {
		logf("failed to mark run %s running: %v", runID, err)
	}

	c.startLoop()
	if detectionOn {
		c.startFeeds(engine)
	}
	logf("run %s started at %vx", runID, speed)
	c.publish(c.Snapshot())
	return nil
}

// Pause stops the tick loop and every feed. No tick or sensor callback runs
// after Pause returns.
func (c *Controller) Pause(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	running := c.status == Running
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	c.stopLoop()
	c.feed.StopAll()

	c.mu.Lock()
	c.status = Paused
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if err := c.recorder.SetRunStatus(ctx, snap.RunID, string(Paused)); err != nil {
		logf("failed to mark run %s paused: %v", snap.RunID, err)
	}
	c.saveStats(ctx, snap)
	c.publish(snap)
	return nil
}

// Reset stops everything, completes the current run if one was recorded and
// starts a fresh inactive session with a new engine and run ID.
func (c *Controller) Reset(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.stopLoop()
	c.feed.StopAll()

	c.mu.Lock()
	old := c.snapshotLocked()
	created := c.runCreated
	c.newSession()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if created {
		c.complete(ctx, old)
	}
	logf("session reset, new run %s", snap.RunID)
	c.publish(snap)
	return nil
}

// Close stops the session, completes its run and closes every subscriber
// channel. The controller must not be used afterwards.
func (c *Controller) Close(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.stopLoop()
	c.feed.StopAll()

	c.mu.Lock()
	created := c.runCreated
	c.status = Completed
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if created {
		c.complete(ctx, snap)
	}

	c.subMu.Lock()
	for id, ch := range c.subscribers {
		close(ch)
		delete(c.subscribers, id)
	}
	c.subMu.Unlock()
	return nil
}

func (c *Controller) complete(ctx context.Context, snap Snapshot) {
	c.saveStats(ctx, snap)
	if err := c.recorder.SetRunStatus(ctx, snap.RunID, string(Completed)); err != nil {
		logf("failed to complete run %s: %v", snap.RunID, err)
	}
}

// SetSpeed changes the simulated seconds advanced per tick. It takes effect
// on the next tick.
func (c *Controller) SetSpeed(speed float64) error {
	if !config.ValidSpeed(speed) {
		return fmt.Errorf("%w: %v (allowed %v)", ErrInvalidSpeed, speed, config.AllowedSpeeds)
	}
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
	return nil
}

// SetDetectionEnabled turns the synthetic feeds on or off. While running the
// change applies immediately.
func (c *Controller) SetDetectionEnabled(enabled bool) {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	c.mu.Lock()
	changed := c.detectionEnabled != enabled
	c.detectionEnabled = enabled
	running := c.status == Running
	engine := c.engine
	c.mu.Unlock()

	if !changed || !running {
		return
	}
	if enabled {
		c.startFeeds(engine)
	} else {
		c.feed.StopAll()
	}
}

// Step advances the engine by dt simulated seconds regardless of status and
// returns the resulting snapshot. The tick loop calls it with 1 s times the
// current speed.
func (c *Controller) Step(dt float64) Snapshot {
	c.mu.Lock()
	c.engine.Tick(dt)
	c.cycles++
	snap := c.snapshotLocked()
	recordDue := c.recordDueLocked(snap.Elapsed)
	if recordDue {
		c.lastRecorded = snap.Elapsed
	}
	c.mu.Unlock()

	c.publish(snap)
	if recordDue {
		c.record(snap)
	}
	return snap
}

// recordDueLocked reports whether elapsed crossed a multiple of the snapshot
// interval since the last recording.
func (c *Controller) recordDueLocked(elapsed float64) bool {
	interval := c.cfg.GetSnapshotInterval()
	if interval <= 0 || !c.runCreated {
		return false
	}
	return math.Floor(elapsed/interval) > math.Floor(c.lastRecorded/interval)
}

func (c *Controller) record(snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.recorder.RecordRoadPerformance(ctx, snap.RunID, snap.Elapsed, snap.Roads); err != nil {
		logf("failed to record road performance for run %s: %v", snap.RunID, err)
	}
	c.saveStats(ctx, snap)
}

func (c *Controller) saveStats(ctx context.Context, snap Snapshot) {
	if err := c.recorder.UpdateRunStats(ctx, snap.RunID, snap.Speed, snap.CyclesCompleted, snap.Stats); err != nil {
		logf("failed to update stats for run %s: %v", snap.RunID, err)
	}
}

// ActivateEmergency gives road an exclusive green until ClearEmergency. A
// second activation replaces the first.
func (c *Controller) ActivateEmergency(ctx context.Context, road intersection.Direction, vehicle intersection.VehicleType) error {
	if intersection.Slot(road) < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidDirection, road)
	}

	c.mu.Lock()
	c.engine.SetEmergencyOverride(intersection.EmergencyOverride{Road: road, VehicleType: vehicle, Active: true})
	runID, created := c.runID, c.runCreated
	c.mu.Unlock()

	logf("emergency override: %s on %s", vehicle, road)
	if created {
		c.recordEvent(ctx, db.TrafficEvent{
			RunID:       runID,
			EventType:   db.EventEmergency,
			Road:        string(road),
			VehicleType: string(vehicle),
			Description: fmt.Sprintf("Emergency override activated for %s on %s road", vehicle, road),
		})
	}
	return nil
}

// ClearEmergency removes any override. Clearing with none installed does
// nothing and records nothing.
func (c *Controller) ClearEmergency(ctx context.Context) error {
	c.mu.Lock()
	o, active := c.engine.Emergency()
	c.engine.ClearEmergencyOverride()
	runID, created := c.runID, c.runCreated
	c.mu.Unlock()

	if !active {
		return nil
	}
	logf("emergency override cleared on %s", o.Road)
	if created {
		c.recordEvent(ctx, db.TrafficEvent{
			RunID:       runID,
			EventType:   db.EventEmergencyCleared,
			Road:        string(o.Road),
			VehicleType: string(o.VehicleType),
			Description: fmt.Sprintf("Emergency override cleared on %s road", o.Road),
		})
	}
	return nil
}

func (c *Controller) recordEvent(ctx context.Context, ev db.TrafficEvent) {
	if _, err := c.recorder.RecordEvent(ctx, ev); err != nil {
		logf("failed to record %s event: %v", ev.EventType, err)
	}
}

// IngestReading applies a sensor reading to the current engine.
// Readings for unknown roads change nothing and are logged as
// sensor_rejected events on a persisted run.
func (c *Controller) IngestReading(r intersection.SensorReading) error {
	c.mu.Lock()
	engine := c.engine
	runID, created := c.runID, c.runCreated
	c.mu.Unlock()

	if !engine.IngestSensorReading(r) {
		logf("ignoring reading for unknown road %q", r.Road)
		if created {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.recordEvent(ctx, db.TrafficEvent{
				RunID:       runID,
				EventType:   db.EventSensorRejected,
				Road:        r.Road,
				Description: fmt.Sprintf("Sensor reading for unknown road %q ignored", r.Road),
			})
		}
		return fmt.Errorf("%w: %q", ErrUnknownRoad, r.Road)
	}
	return nil
}

// IngestMeasurement classifies m and applies it, as the feeds do. It serves
// external detectors such as a serial source.
func (c *Controller) IngestMeasurement(m detection.Measurement) error {
	if err := c.IngestReading(m.Reading()); err != nil {
		return err
	}
	c.setAnalysis(m.Road, m.Analyze())
	return nil
}

func (c *Controller) startFeeds(engine *intersection.Engine) {
	for _, road := range engine.Roads() {
		name := road.Name
		c.feed.Start(name, func(m detection.Measurement) {
			if engine.IngestSensorReading(m.Reading()) {
				c.setAnalysis(name, m.Analyze())
			}
		})
	}
}

func (c *Controller) setAnalysis(road string, a detection.Analysis) {
	c.analysisMu.Lock()
	c.analyses[road] = a
	c.analysisMu.Unlock()
}

// ActiveFeeds lists roads with a running detection feed.
func (c *Controller) ActiveFeeds() []string {
	return c.feed.Active()
}

func (c *Controller) startLoop() {
	stop := make(chan struct{})
	done := make(chan struct{})
	ticker := c.clock.NewTicker(c.cfg.GetTickInterval())
	c.loopStop, c.loopDone = stop, done

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				select {
				case <-stop:
					return
				default:
				}
				c.mu.Lock()
				dt := 1 * c.speed
				c.mu.Unlock()
				c.Step(dt)
			}
		}
	}()
}

// stopLoop halts the tick loop if it is running. Callers hold lifecycleMu.
func (c *Controller) stopLoop() {
	if c.loopStop == nil {
		return
	}
	close(c.loopStop)
	<-c.loopDone
	c.loopStop, c.loopDone = nil, nil
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	c.analysisMu.Lock()
	var analyses map[string]detection.Analysis
	if len(c.analyses) > 0 {
		analyses = make(map[string]detection.Analysis, len(c.analyses))
		for k, v := range c.analyses {
			analyses[k] = v
		}
	}
	c.analysisMu.Unlock()

	return Snapshot{
		Snapshot:         c.engine.Snapshot(),
		Status:           c.status,
		Speed:            c.speed,
		CyclesCompleted:  c.cycles,
		RunID:            c.runID,
		DetectionEnabled: c.detectionEnabled,
		Detection:        analyses,
		UpdatedAt:        c.clock.Now(),
	}
}

// Subscribe registers a channel that receives a snapshot after every tick
// and lifecycle change. Slow receivers miss snapshots rather than stall the
// loop.
func (c *Controller) Subscribe() (string, <-chan Snapshot) {
	id := uuid.NewString()
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (c *Controller) Unsubscribe(id string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		close(ch)
		delete(c.subscribers, id)
	}
}

func (c *Controller) publish(snap Snapshot) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- snap:
		default:
			// skip a full channel so one slow client cannot block the tick loop
		}
	}
}

type nopRecorder struct{}

func (nopRecorder) CreateRun(context.Context, string, float64, int64) error { return nil }
func (nopRecorder) SetRunStatus(context.Context, string, string) error      { return nil }
func (nopRecorder) RecordEvent(context.Context, db.TrafficEvent) (string, error) {
	return "", nil
}
func (nopRecorder) UpdateRunStats(context.Context, string, float64, int, intersection.TrafficStats) error {
	return nil
}
func (nopRecorder) RecordRoadPerformance(context.Context, string, float64, []intersection.RoadState) error {
	return nil
}

package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/intersection/internal/config"
	"github.com/banshee-data/intersection/internal/db"
	"github.com/banshee-data/intersection/internal/detection"
	"github.com/banshee-data/intersection/internal/intersection"
	"github.com/banshee-data/intersection/internal/timeutil"
)

type fakeRecorder struct {
	mu       sync.Mutex
	created  []string
	statuses []string
	stats    []int // cycles per UpdateRunStats call
	samples  []float64
	rows     int
	events   []db.TrafficEvent
}

func (r *fakeRecorder) CreateRun(_ context.Context, runID string, _ float64, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, runID)
	return nil
}

func (r *fakeRecorder) SetRunStatus(_ context.Context, runID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, runID+":"+status)
	return nil
}

func (r *fakeRecorder) UpdateRunStats(_ context.Context, _ string, _ float64, cycles int, _ intersection.TrafficStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, cycles)
	return nil
}

func (r *fakeRecorder) RecordRoadPerformance(_ context.Context, _ string, simTime float64, roads []intersection.RoadState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, simTime)
	r.rows += len(roads)
	return nil
}

func (r *fakeRecorder) RecordEvent(_ context.Context, ev db.TrafficEvent) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return "ev", nil
}

func (r *fakeRecorder) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

type fixedDetector struct {
	m detection.Measurement
}

func (d fixedDetector) Detect(road string) detection.Measurement {
	m := d.m
	m.Road = road
	return m
}

func ptr[T any](v T) *T { return &v }

func newTestController(t *testing.T, detectionOn bool) (*Controller, *timeutil.MockClock, *fakeRecorder) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC))
	rec := &fakeRecorder{}
	cfg := config.EmptySimulationConfig()
	cfg.Seed = ptr(int64(7))
	cfg.DetectionEnabled = ptr(detectionOn)

	c := New(Options{
		Config:   cfg,
		Clock:    clock,
		Recorder: rec,
		Detector: fixedDetector{m: detection.Measurement{VehicleCount: 30, QueueLength: 10, AverageSpeed: 5}},
	})
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, clock, rec
}

// waitFor reads snapshots until pred holds.
func waitFor(t *testing.T, ch <-chan Snapshot, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			require.True(t, ok, "subscriber channel closed")
			if pred(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestNew_InitialSession(t *testing.T) {
	c, _, rec := newTestController(t, false)

	snap := c.Snapshot()
	assert.Equal(t, Inactive, snap.Status)
	assert.Equal(t, 1.0, snap.Speed)
	assert.Zero(t, snap.CyclesCompleted)
	assert.NotEmpty(t, snap.RunID)
	assert.Len(t, snap.Roads, 4)
	assert.Equal(t, intersection.DefaultThroughput, snap.Stats.Throughput)
	assert.Empty(t, rec.created, "runs are created on first start")
}

func TestNew_SeededSessionsMatch(t *testing.T) {
	a, _, _ := newTestController(t, false)
	b, _, _ := newTestController(t, false)
	assert.Equal(t, a.Snapshot().Roads, b.Snapshot().Roads)
}

func TestStart_TickLoop(t *testing.T) {
	c, clock, rec := newTestController(t, false)
	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	require.NoError(t, c.Start(context.Background()))
	waitFor(t, ch, func(s Snapshot) bool { return s.Status == Running })

	require.Len(t, rec.created, 1)
	assert.Equal(t, c.Snapshot().RunID, rec.created[0])

	clock.Advance(time.Second)
	s := waitFor(t, ch, func(s Snapshot) bool { return s.CyclesCompleted == 1 })
	assert.Equal(t, 1.0, s.Elapsed)

	require.NoError(t, c.SetSpeed(4))
	clock.Advance(time.Second)
	s = waitFor(t, ch, func(s Snapshot) bool { return s.CyclesCompleted == 2 })
	assert.Equal(t, 5.0, s.Elapsed)
	assert.Equal(t, 4.0, s.Speed)

	// starting again is a no-op
	require.NoError(t, c.Start(context.Background()))
	assert.Len(t, rec.created, 1)
	assert.Equal(t, 1, clock.Tickers())
}

func TestPause_StopsLoop(t *testing.T) {
	c, clock, rec := newTestController(t, false)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Pause(context.Background()))

	assert.Zero(t, clock.Tickers())
	before := c.Snapshot()
	assert.Equal(t, Paused, before.Status)

	clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before.CyclesCompleted, c.Snapshot().CyclesCompleted)

	assert.ErrorIs(t, c.Pause(context.Background()), ErrNotRunning)

	runID := before.RunID
	assert.Contains(t, rec.statuses, runID+":paused")

	// resuming keeps the same run
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, runID, c.Snapshot().RunID)
	assert.Len(t, rec.created, 1)
}

func TestStep_RecordsEverySnapshotInterval(t *testing.T) {
	c, _, rec := newTestController(t, false)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Pause(context.Background()))

	for i := 0; i < 25; i++ {
		c.Step(1)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []float64{10, 20}, rec.samples)
	assert.Equal(t, 8, rec.rows)
	assert.Contains(t, rec.stats, 10)
	assert.Contains(t, rec.stats, 20)
}

func TestStep_FractionalSpeedsRecordOnce(t *testing.T) {
	c, _, rec := newTestController(t, false)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Pause(context.Background()))

	for i := 0; i < 40; i++ {
		c.Step(0.5)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []float64{10, 20}, rec.samples)
}

func TestStep_NotRecordedBeforeStart(t *testing.T) {
	c, _, rec := newTestController(t, false)
	for i := 0; i < 15; i++ {
		c.Step(1)
	}
	assert.Empty(t, rec.samples)
	assert.Equal(t, 15, c.Snapshot().CyclesCompleted)
}

func TestReset(t *testing.T) {
	c, clock, rec := newTestController(t, true)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.SetSpeed(2))
	c.Step(3)
	old := c.Snapshot()

	require.NoError(t, c.Reset(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, Inactive, snap.Status)
	assert.NotEqual(t, old.RunID, snap.RunID)
	assert.Zero(t, snap.CyclesCompleted)
	assert.Zero(t, snap.Elapsed)
	assert.Equal(t, 1.0, snap.Speed)
	assert.Nil(t, snap.Detection)
	assert.Empty(t, c.ActiveFeeds())
	assert.Zero(t, clock.Tickers())
	assert.Contains(t, rec.statuses, old.RunID+":completed")
}

func TestSetSpeed(t *testing.T) {
	c, _, _ := newTestController(t, false)

	for _, s := range []float64{0.5, 1, 2, 4} {
		require.NoError(t, c.SetSpeed(s))
		assert.Equal(t, s, c.Snapshot().Speed)
	}
	for _, s := range []float64{0, 3, -1, 8} {
		assert.ErrorIs(t, c.SetSpeed(s), ErrInvalidSpeed)
	}
	assert.Equal(t, 4.0, c.Snapshot().Speed)
}

func TestEmergency(t *testing.T) {
	c, _, rec := newTestController(t, false)
	ctx := context.Background()

	// before the run exists nothing is recorded
	require.NoError(t, c.ActivateEmergency(ctx, intersection.East, intersection.Ambulance))
	require.NoError(t, c.ClearEmergency(ctx))
	assert.Empty(t, rec.eventTypes())

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.ActivateEmergency(ctx, intersection.South, intersection.FireTruck))

	snap := c.Step(1)
	require.NotNil(t, snap.Emergency)
	assert.Equal(t, intersection.South, snap.Emergency.Road)
	for _, r := range snap.Roads {
		if r.Direction == intersection.South {
			assert.Equal(t, intersection.Green, r.Signal)
		} else {
			assert.Equal(t, intersection.Red, r.Signal)
		}
	}

	require.NoError(t, c.ClearEmergency(ctx))
	require.NoError(t, c.ClearEmergency(ctx))
	assert.Nil(t, c.Snapshot().Emergency)

	assert.Equal(t, []string{db.EventEmergency, db.EventEmergencyCleared}, rec.eventTypes())
	rec.mu.Lock()
	assert.Equal(t, "fire_truck", rec.events[0].VehicleType)
	assert.Equal(t, "South", rec.events[0].Road)
	rec.mu.Unlock()

	assert.ErrorIs(t, c.ActivateEmergency(ctx, "Up", intersection.Police), ErrInvalidDirection)
}

func TestIngestReading(t *testing.T) {
	c, _, _ := newTestController(t, false)

	err := c.IngestReading(intersection.SensorReading{Road: "Nowhere", VehicleCount: 3})
	assert.ErrorIs(t, err, ErrUnknownRoad)

	require.NoError(t, c.IngestReading(intersection.SensorReading{Road: "Road B", VehicleCount: 20, QueueLength: 5}))
	snap := c.Snapshot()
	assert.Equal(t, 20, snap.Roads[1].VehicleCount)
	assert.Equal(t, 5, snap.Roads[1].QueueLength)
	assert.Equal(t, 61.0, snap.CycleLength)
}

func TestIngestReadingRecordsRejection(t *testing.T) {
	c, _, rec := newTestController(t, false)
	require.NoError(t, c.Start(context.Background()))

	err := c.IngestReading(intersection.SensorReading{Road: "Road Q"})
	assert.ErrorIs(t, err, ErrUnknownRoad)
	assert.Equal(t, []string{db.EventSensorRejected}, rec.eventTypes())
}

func TestIngestMeasurement(t *testing.T) {
	c, _, _ := newTestController(t, false)

	m := detection.Measurement{Road: "Road C", VehicleCount: 2, QueueLength: 1, AverageSpeed: 40}
	require.NoError(t, c.IngestMeasurement(m))

	snap := c.Snapshot()
	require.Contains(t, snap.Detection, "Road C")
	assert.Equal(t, detection.Low, snap.Detection["Road C"].Density)
	assert.Equal(t, 2, snap.Roads[2].VehicleCount)

	assert.ErrorIs(t, c.IngestMeasurement(detection.Measurement{Road: "Road Z"}), ErrUnknownRoad)
}

func TestDetectionFeedsAdaptEngine(t *testing.T) {
	c, clock, _ := newTestController(t, true)
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, []string{"Road A", "Road B", "Road C", "Road D"}, c.ActiveFeeds())

	clock.Advance(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		return len(c.Snapshot().Detection) == 4
	}, 2*time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	for _, r := range snap.Roads {
		assert.Equal(t, 30, r.VehicleCount, r.Name)
		assert.Equal(t, 10, r.QueueLength, r.Name)
		assert.Equal(t, detection.Critical, snap.Detection[r.Name].Density, r.Name)
	}
	assert.Equal(t, 64.0, snap.CycleLength, "each dense reading extends the cycle")

	c.SetDetectionEnabled(false)
	assert.Empty(t, c.ActiveFeeds())
	assert.False(t, c.Snapshot().DetectionEnabled)

	c.SetDetectionEnabled(true)
	assert.Len(t, c.ActiveFeeds(), 4)

	require.NoError(t, c.Pause(context.Background()))
	assert.Empty(t, c.ActiveFeeds())
}

func TestDetectionToggleWhileInactive(t *testing.T) {
	c, _, _ := newTestController(t, true)
	c.SetDetectionEnabled(false)
	assert.Empty(t, c.ActiveFeeds())

	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, c.ActiveFeeds(), "disabled detection stays off on start")
}

func TestClose_ClosesSubscribers(t *testing.T) {
	c, _, rec := newTestController(t, false)
	_, ch := c.Subscribe()
	require.NoError(t, c.Start(context.Background()))
	runID := c.Snapshot().RunID

	require.NoError(t, c.Close(context.Background()))

	for range ch {
	}
	assert.Equal(t, Completed, c.Snapshot().Status)
	assert.Contains(t, rec.statuses, runID+":completed")
}

func TestUnsubscribe(t *testing.T) {
	c, _, _ := newTestController(t, false)
	id, ch := c.Subscribe()
	c.Unsubscribe(id)
	c.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)

	// publishing with no subscribers must not block
	c.Step(1)
}

func TestResetRestoresConfiguredSpeed(t *testing.T) {
	cfg := config.EmptySimulationConfig()
	cfg.Seed = ptr(int64(7))
	cfg.Speed = ptr(2.0)
	cfg.DetectionEnabled = ptr(false)
	c := New(Options{
		Config: cfg,
		Clock:  timeutil.NewMockClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)),
	})
	t.Cleanup(func() { c.Close(context.Background()) })

	assert.Equal(t, 2.0, c.Snapshot().Speed)
	require.NoError(t, c.SetSpeed(4))
	require.NoError(t, c.Reset(context.Background()))
	assert.Equal(t, 2.0, c.Snapshot().Speed)
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/intersection/internal/config"
	"github.com/banshee-data/intersection/internal/controller"
	"github.com/banshee-data/intersection/internal/db"
	"github.com/banshee-data/intersection/internal/intersection"
	"github.com/banshee-data/intersection/internal/monitoring"
	"github.com/banshee-data/intersection/internal/timeutil"
	"github.com/banshee-data/intersection/internal/version"
)

func setupTestServer(t *testing.T) (*Server, *controller.Controller, *db.DB) {
	t.Helper()
	dbInst, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbInst.Close() })

	cfg := config.EmptySimulationConfig()
	seed := int64(3)
	off := false
	cfg.Seed = &seed
	cfg.DetectionEnabled = &off

	ctrl := controller.New(controller.Options{
		Config:   cfg,
		Clock:    timeutil.NewMockClock(time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)),
		Recorder: dbInst,
	})
	t.Cleanup(func() { ctrl.Close(context.Background()) })

	return NewServer(ctrl, dbInst, cfg, "mph"), ctrl, dbInst
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestShowRoads(t *testing.T) {
	server, _, _ := setupTestServer(t)
	mux := server.ServeMux()

	w := do(t, mux, http.MethodGet, "/api/roads", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	roads := decode[[]intersection.RoadState](t, w)
	require.Len(t, roads, 4)
	assert.Equal(t, "Road A", roads[0].Name)
	assert.Equal(t, intersection.West, roads[3].Direction)

	w = do(t, mux, http.MethodPost, "/api/roads", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestShowStats(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server.ServeMux(), http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[struct {
		Stats           intersection.TrafficStats `json:"stats"`
		CyclesCompleted int                       `json:"cycles_completed"`
		CycleLength     float64                   `json:"cycle_length"`
	}](t, w)
	assert.Equal(t, intersection.TrafficStats{Throughput: 20, Efficiency: 84}, body.Stats)
	assert.Zero(t, body.CyclesCompleted)
	assert.Equal(t, 60.0, body.CycleLength)
}

func TestSimulationLifecycle(t *testing.T) {
	server, ctrl, dbInst := setupTestServer(t)
	mux := server.ServeMux()

	w := do(t, mux, http.MethodPost, "/api/simulation/pause", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, mux, http.MethodPost, "/api/simulation/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[controller.Snapshot](t, w)
	assert.Equal(t, controller.Running, snap.Status)

	run, err := dbInst.GetRun(context.Background(), snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusRunning, run.Status)

	w = do(t, mux, http.MethodPost, "/api/simulation/pause", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, controller.Paused, decode[controller.Snapshot](t, w).Status)

	w = do(t, mux, http.MethodPost, "/api/simulation/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	reset := decode[controller.Snapshot](t, w)
	assert.Equal(t, controller.Inactive, reset.Status)
	assert.NotEqual(t, snap.RunID, reset.RunID)
	assert.Equal(t, reset.RunID, ctrl.Snapshot().RunID)

	w = do(t, mux, http.MethodPost, "/api/simulation/rewind", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, mux, http.MethodGet, "/api/simulation/start", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSimulationStep(t *testing.T) {
	server, _, _ := setupTestServer(t)
	mux := server.ServeMux()

	w := do(t, mux, http.MethodPost, "/api/simulation/step?dt=2.5", "")
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[controller.Snapshot](t, w)
	assert.Equal(t, 2.5, snap.Elapsed)
	assert.Equal(t, 1, snap.CyclesCompleted)

	w = do(t, mux, http.MethodPost, "/api/simulation/step", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.5, decode[controller.Snapshot](t, w).Elapsed)

	for _, dt := range []string{"0", "-1", "abc", "NaN", "5000"} {
		t.Run(dt, func(t *testing.T) {
			w := do(t, mux, http.MethodPost, "/api/simulation/step?dt="+dt, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSimulationSpeed(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	mux := server.ServeMux()

	w := do(t, mux, http.MethodPost, "/api/simulation/speed", `{"speed":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, ctrl.Snapshot().Speed)

	w = do(t, mux, http.MethodPost, "/api/simulation/speed", `{"speed":3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "invalid speed")

	w = do(t, mux, http.MethodPost, "/api/simulation/speed", `{"velocity":2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 2.0, ctrl.Snapshot().Speed)
}

func TestDetectionToggle(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	mux := server.ServeMux()

	require.NoError(t, ctrl.Start(context.Background()))

	w := do(t, mux, http.MethodPost, "/api/detection", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, ctrl.ActiveFeeds(), 4)

	w = do(t, mux, http.MethodGet, "/api/detection", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]interface{}](t, w)["enabled"])

	w = do(t, mux, http.MethodPost, "/api/detection", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, ctrl.ActiveFeeds())

	w = do(t, mux, http.MethodPost, "/api/detection", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEmergency(t *testing.T) {
	server, ctrl, dbInst := setupTestServer(t)
	mux := server.ServeMux()
	ctx := context.Background()
	require.NoError(t, ctrl.Start(ctx))

	w := do(t, mux, http.MethodPost, "/api/emergency", `{"road":"north","vehicle_type":"fire-truck"}`)
	require.Equal(t, http.StatusOK, w.Code)
	snap := decode[controller.Snapshot](t, w)
	require.NotNil(t, snap.Emergency)
	assert.Equal(t, intersection.North, snap.Emergency.Road)
	assert.Equal(t, intersection.FireTruck, snap.Emergency.VehicleType)

	w = do(t, mux, http.MethodDelete, "/api/emergency", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[controller.Snapshot](t, w).Emergency)

	events, err := dbInst.Events(ctx, snap.RunID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, db.EventEmergency, events[0].EventType)
	assert.Equal(t, db.EventEmergencyCleared, events[1].EventType)

	run, err := dbInst.GetRun(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.EmergencyEvents)

	tests := []struct {
		name string
		body string
	}{
		{"bad road", `{"road":"up","vehicle_type":"police"}`},
		{"bad vehicle", `{"road":"east","vehicle_type":"tractor"}`},
		{"bad json", `{"road":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, mux, http.MethodPost, "/api/emergency", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestSensor(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	mux := server.ServeMux()

	w := do(t, mux, http.MethodPost, "/api/sensor",
		`{"road":"Road A","vehicle_count":12,"queue_length":5,"recommended_green_time":25}`)
	require.Equal(t, http.StatusOK, w.Code)

	snap := ctrl.Snapshot()
	assert.Equal(t, 12, snap.Roads[0].VehicleCount)
	assert.Equal(t, 5, snap.Roads[0].QueueLength)
	assert.Equal(t, 61.0, snap.CycleLength)

	w = do(t, mux, http.MethodPost, "/api/sensor", `{"road":"Road X","vehicle_count":1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "unknown road")
}

func TestMeasurementConvertsSpeed(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	mux := server.ServeMux()

	body := `{"road":"Road D","vehicles":[
		{"id":"a","category":"car","speed_kph":40},
		{"id":"b","category":"bus","speed_kph":5},
		{"id":"c","category":"car","speed_kph":3}
	]}`
	w := do(t, mux, http.MethodPost, "/api/measurement", body)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[measurementResponse](t, w)
	assert.Equal(t, 3, resp.VehicleCount)
	assert.Equal(t, 2, resp.QueueLength)
	assert.Equal(t, 360, resp.FlowRate)
	assert.Equal(t, "mph", resp.Units)
	assert.InDelta(t, 16*0.621371, resp.AverageSpeed, 1e-9)

	snap := ctrl.Snapshot()
	assert.Equal(t, 3, snap.Roads[3].VehicleCount)
	require.Contains(t, snap.Detection, "Road D")
	assert.Equal(t, resp.Analysis, snap.Detection["Road D"])

	w = do(t, mux, http.MethodPost, "/api/measurement", `{"road":"Road Z","vehicle_count":2}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunHistory(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	mux := server.ServeMux()
	ctx := context.Background()

	require.NoError(t, ctrl.Start(ctx))
	runID := ctrl.Snapshot().RunID
	for i := 0; i < 10; i++ {
		ctrl.Step(1)
	}
	require.NoError(t, ctrl.ActivateEmergency(ctx, intersection.West, intersection.Police))

	w := do(t, mux, http.MethodGet, "/api/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	runs := decode[[]db.Run](t, w)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)

	w = do(t, mux, http.MethodGet, "/api/runs/"+runID, "")
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[struct {
		db.Run
		Performance []db.RoadSample   `json:"performance"`
		Events      []db.TrafficEvent `json:"events"`
	}](t, w)
	assert.Equal(t, runID, detail.RunID)
	assert.Len(t, detail.Performance, 4)
	assert.Equal(t, 10.0, detail.Performance[0].SimTime)
	require.Len(t, detail.Events, 1)
	assert.Equal(t, "Emergency override activated for police on West road", detail.Events[0].Description)

	w = do(t, mux, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, mux, http.MethodGet, "/api/runs?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunHistoryDisabled(t *testing.T) {
	_, ctrl, _ := setupTestServer(t)
	server := NewServer(ctrl, nil, nil, "")
	mux := server.ServeMux()

	for _, path := range []string{"/api/runs", "/api/runs/abc"} {
		w := do(t, mux, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestShowConfig(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server.ServeMux(), http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decode[map[string]interface{}](t, w)
	assert.Equal(t, "mph", cfg["units"])
	assert.Equal(t, "1s", cfg["tick_interval"])
	assert.Equal(t, []interface{}{0.5, 1.0, 2.0, 4.0}, cfg["allowed_speeds"])
}

func TestNewServerUnitsFallback(t *testing.T) {
	_, ctrl, _ := setupTestServer(t)
	cfg := config.EmptySimulationConfig()
	mps := "mps"
	cfg.SpeedUnits = &mps

	assert.Equal(t, "mps", NewServer(ctrl, nil, cfg, "furlongs").units)
	assert.Equal(t, "kph", NewServer(ctrl, nil, nil, "").units)
	assert.Equal(t, "mph", NewServer(ctrl, nil, cfg, "mph").units)
}

func TestShowVersion(t *testing.T) {
	server, _, _ := setupTestServer(t)

	w := do(t, server.ServeMux(), http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, version.Version, decode[map[string]string](t, w)["version"])
}

func TestStreamSnapshots(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	ts := httptest.NewServer(server.ServeMux())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	ctrl.Step(1)

	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var snap controller.Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &snap))
	assert.Equal(t, 1, snap.CyclesCompleted)
}

func TestAttachAdminRoutes(t *testing.T) {
	server, _, _ := setupTestServer(t)
	mux := http.NewServeMux()
	server.AttachAdminRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/debug/feeds", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"detection_enabled":false`)
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	monitoring.SetLogger(func(format string, v ...interface{}) {
		fmt.Fprintf(&buf, format+"\n", v...)
	})
	defer monitoring.SetLogger(log.Printf)

	w := do(t, h, http.MethodGet, "/api/roads?x=1", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, buf.String(), "/api/roads?x=1")
	assert.Contains(t, buf.String(), "418")
}

func TestStatusCodeColor(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, colorBoldGreen},
		{302, colorYellow},
		{404, colorBoldRed},
		{503, colorBoldRed},
	}
	for _, tt := range tests {
		got := statusCodeColor(tt.code)
		assert.True(t, strings.HasPrefix(got, tt.want), "code %d", tt.code)
	}
	assert.Equal(t, "100", statusCodeColor(100))
}

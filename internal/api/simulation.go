package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/intersection/internal/detection"
	"github.com/banshee-data/intersection/internal/intersection"
	"github.com/banshee-data/intersection/internal/units"
)

func (s *Server) showRoads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot().Roads)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snap := s.ctrl.Snapshot()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":            snap.Stats,
		"cycles_completed": snap.CyclesCompleted,
		"cycle_length":     snap.CycleLength,
		"elapsed_seconds":  snap.Elapsed,
	})
}

func (s *Server) showSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// handleSimulation serves POST /api/simulation/{start,pause,reset,step,speed}.
func (s *Server) handleSimulation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/simulation/"), "/")
	ctx := r.Context()

	var err error
	switch action {
	case "start":
		err = s.ctrl.Start(ctx)
	case "pause":
		err = s.ctrl.Pause(ctx)
	case "reset":
		err = s.ctrl.Reset(ctx)
	case "step":
		dt := 1.0
		if v := r.URL.Query().Get("dt"); v != "" {
			parsed, perr := strconv.ParseFloat(v, 64)
			if perr != nil || !(parsed > 0) || parsed > 3600 {
				s.writeJSONError(w, http.StatusBadRequest, "Invalid 'dt' parameter")
				return
			}
			dt = parsed
		}
		s.writeJSON(w, http.StatusOK, s.ctrl.Step(dt))
		return
	case "speed":
		var req struct {
			Speed float64 `json:"speed"`
		}
		if derr := decodeJSON(r, w, &req); derr != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", derr))
			return
		}
		err = s.ctrl.SetSpeed(req.Speed)
	default:
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("Unknown simulation action %q", action))
		return
	}

	if err != nil {
		s.writeJSONError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleDetection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		snap := s.ctrl.Snapshot()
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled":  snap.DetectionEnabled,
			"active":   s.ctrl.ActiveFeeds(),
			"analysis": snap.Detection,
		})
	case http.MethodPost:
		var req struct {
			Enabled *bool `json:"enabled"`
		}
		if err := decodeJSON(r, w, &req); err != nil || req.Enabled == nil {
			s.writeJSONError(w, http.StatusBadRequest, "Body must be {\"enabled\": true|false}")
			return
		}
		s.ctrl.SetDetectionEnabled(*req.Enabled)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"enabled": *req.Enabled,
			"active":  s.ctrl.ActiveFeeds(),
		})
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodPost:
		var req struct {
			Road        string `json:"road"`
			VehicleType string `json:"vehicle_type"`
		}
		if err := decodeJSON(r, w, &req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
			return
		}
		dir, err := intersection.ParseDirection(req.Road)
		if err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		vt := intersection.Ambulance
		if req.VehicleType != "" {
			if vt, err = intersection.ParseVehicleType(req.VehicleType); err != nil {
				s.writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		if err := s.ctrl.ActivateEmergency(ctx, dir, vt); err != nil {
			s.writeJSONError(w, statusForError(err), err.Error())
			return
		}
	case http.MethodDelete:
		if err := s.ctrl.ClearEmergency(ctx); err != nil {
			s.writeJSONError(w, statusForError(err), err.Error())
			return
		}
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var reading intersection.SensorReading
	if err := decodeJSON(r, w, &reading); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := s.ctrl.IngestReading(reading); err != nil {
		s.writeJSONError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

// measurementResponse reports an ingested measurement with its speed in the
// configured display units.
type measurementResponse struct {
	Road         string             `json:"road"`
	VehicleCount int                `json:"vehicle_count"`
	QueueLength  int                `json:"queue_length"`
	AverageSpeed float64            `json:"average_speed"`
	Units        string             `json:"units"`
	FlowRate     int                `json:"flow_rate"`
	Analysis     detection.Analysis `json:"analysis"`
}

// handleMeasurement ingests a full detection result. When vehicles are
// listed the aggregate fields are derived from them.
func (s *Server) handleMeasurement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var m detection.Measurement
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&m); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if len(m.Vehicles) > 0 {
		m = detection.NewMeasurement(m.Road, m.Vehicles, m.Timestamp)
	}

	if err := s.ctrl.IngestMeasurement(m); err != nil {
		s.writeJSONError(w, statusForError(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, measurementResponse{
		Road:         m.Road,
		VehicleCount: m.VehicleCount,
		QueueLength:  m.QueueLength,
		AverageSpeed: units.ConvertFromKPH(m.AverageSpeed, s.units),
		Units:        s.units,
		FlowRate:     m.FlowRate,
		Analysis:     m.Analyze(),
	})
}

// streamSnapshots sends a server-sent event per published snapshot.
func (s *Server) streamSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, c := s.ctrl.Subscribe()
	defer s.ctrl.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case snap, ok := <-c:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/intersection/internal/db"
)

// runDetail is a run with its recorded samples and events.
type runDetail struct {
	*db.Run
	Performance []db.RoadSample   `json:"performance"`
	Events      []db.TrafficEvent `json:"events"`
}

// parseLimit reads the optional 'limit' query parameter. Zero means the
// store's default.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return n, nil
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.runs == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Run history is not enabled")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.runs == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Run history is not enabled")
		return
	}

	runID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if runID == "" || strings.Contains(runID, "/") {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid run ID")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		s.writeJSONError(w, statusForError(err), err.Error())
		return
	}

	detail := runDetail{Run: run, Performance: []db.RoadSample{}, Events: []db.TrafficEvent{}}
	if samples, err := s.runs.RoadPerformance(ctx, runID, limit); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to load road performance: %v", err))
		return
	} else if samples != nil {
		detail.Performance = samples
	}
	if events, err := s.runs.Events(ctx, runID, limit); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to load events: %v", err))
		return
	} else if events != nil {
		detail.Events = events
	}

	s.writeJSON(w, http.StatusOK, detail)
}

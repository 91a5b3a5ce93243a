package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// ============================================================================
// ANALYTICS READ HANDLERS - project-scoped aggregations over the sink
// ============================================================================

// dateRange parses date_from/date_to query params (YYYY-MM-DD), defaulting
// to the last 30 days.
func dateRange(r *http.Request) (time.Time, time.Time) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if v := r.URL.Query().Get("date_from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("date_to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			to = t.Add(24*time.Hour - time.Millisecond)
		}
	}
	return from, to
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	from, to := dateRange(r)
	stats, err := s.sink.ProjectStats(r.Context(), project.ProjectID, from, to)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	logs, err := s.sink.Logs(r.Context(), project.ProjectID, limit, offset)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	from, to := dateRange(r)
	points, err := s.sink.Timeseries(r.Context(), project.ProjectID, from, to)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"timeseries": points})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	event, err := s.sink.GetEvent(r.Context(), project.ProjectID, mux.Vars(r)["id"])
	if err != nil {
		s.mapError(w, err)
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleFlagIncorrect(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	outcome, err := s.tuner.FlagIncorrect(r.Context(), project.ProjectID, mux.Vars(r)["id"])
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	agents, err := s.sink.Agents(r.Context(), project.ProjectID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	detail, err := s.sink.AgentDetail(r.Context(), project.ProjectID, mux.Vars(r)["name"])
	if err != nil {
		s.mapError(w, err)
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAgentTimeseries(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	points, err := s.sink.AgentTimeseries(r.Context(), project.ProjectID, mux.Vars(r)["name"])
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"timeseries": points})
}

func (s *Server) handleROI(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	report, err := s.sink.ROI(r.Context(), project.ProjectID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCoalescing(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	report, err := s.sink.Coalescing(r.Context(), project.ProjectID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	project, ok := s.authenticated(w, r)
	if !ok {
		return
	}
	report, err := s.sink.Streaming(r.Context(), project.ProjectID)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ocx/gateway/internal/agentrun"
)

// ============================================================================
// AGENT-RUN INGESTION HANDLER
// ============================================================================

type agentRunResponse struct {
	Success       bool                          `json:"success"`
	RunID         string                        `json:"run_id"`
	Flags         []agentrun.Flag               `json:"flags"`
	Opportunities []agentrun.CachingOpportunity `json:"caching_opportunities,omitempty"`
	Costs         agentrun.CostSummary          `json:"costs"`
}

func (s *Server) handleAgentRuns(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	if s.ingestor == nil {
		writeError(w, http.StatusNotFound, "agent debugger is disabled")
		return
	}

	apiKey := bearerToken(r)
	if apiKey == "" {
		s.observe("agent_runs", "error", started)
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	var run agentrun.AgentRun
	if err := json.NewDecoder(r.Body).Decode(&run); err != nil {
		s.observe("agent_runs", "error", started)
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.ingestor.Ingest(r.Context(), apiKey, &run)
	if err != nil {
		s.observe("agent_runs", "error", started)
		s.mapError(w, err)
		return
	}

	s.observe("agent_runs", "success", started)
	if result.Flags == nil {
		result.Flags = []agentrun.Flag{}
	}
	writeJSON(w, http.StatusOK, agentRunResponse{
		Success:       true,
		RunID:         result.RunID,
		Flags:         result.Flags,
		Opportunities: result.Opportunities,
		Costs:         result.Costs,
	})
}

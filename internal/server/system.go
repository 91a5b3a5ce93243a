package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/ocx/gateway/internal/credentials"
	"github.com/ocx/gateway/internal/upstream"
)

// ============================================================================
// OPERATIONAL HANDLERS - health, readiness, model listing
// ============================================================================

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady pings every configured backend; any failure flips the
// response to 503 so load balancers stop routing here.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for _, h := range s.health {
		if h == nil {
			continue
		}
		if err := h.Ping(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type modelInfo struct {
	ID              string  `json:"id"`
	Provider        string  `json:"provider"`
	Free            bool    `json:"free"`
	PromptPer1K     float64 `json:"prompt_per_1k"`
	CompletionPer1K float64 `json:"completion_per_1k"`
}

// handleModels lists every model the gateway will accept, with provider
// routing and pricing. Free-tier models missing from the price table still
// appear: the allowlist admits them, so the listing must too.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	table := s.estimator.Models()
	models := make([]modelInfo, 0, len(table))
	for id, price := range table {
		models = append(models, modelInfo{
			ID:              id,
			Provider:        string(upstream.SelectProvider(id)),
			Free:            price.Free,
			PromptPer1K:     price.PromptPer1K,
			CompletionPer1K: price.CompletionPer1K,
		})
	}
	for _, id := range credentials.FreeModels() {
		if _, priced := table[id]; priced {
			continue
		}
		models = append(models, modelInfo{
			ID:       id,
			Provider: string(upstream.SelectProvider(id)),
			Free:     true,
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   models,
	})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ocx/gateway/internal/agentrun"
	"github.com/ocx/gateway/internal/analytics"
	"github.com/ocx/gateway/internal/credentials"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/pipeline"
	"github.com/ocx/gateway/internal/pricing"
	"github.com/ocx/gateway/internal/projectstore"
	"github.com/ocx/gateway/internal/tuning"
)

// ============================================================================
// HTTP SERVER - routes, auth glue, error envelope
// ============================================================================

// Authenticator validates gateway API keys for the read endpoints.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*projectstore.Project, error)
}

// HealthChecker reports backend connectivity for /ready.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server wires the pipeline and supporting services onto a mux router.
type Server struct {
	pipeline     *pipeline.Pipeline
	ingestor     *agentrun.Ingestor
	tuner        *tuning.Tuner
	sink         *analytics.Client
	auth         Authenticator
	models       ModelAllowlist
	estimator    *pricing.Estimator
	metrics      *metrics.Metrics
	health       []HealthChecker
	maxBodyBytes int64
	logger       zerolog.Logger
}

// New builds the server. maxBodyBytes bounds request bodies; zero or negative
// falls back to the 1 MB default.
func New(
	p *pipeline.Pipeline,
	ingestor *agentrun.Ingestor,
	tuner *tuning.Tuner,
	sink *analytics.Client,
	auth Authenticator,
	estimator *pricing.Estimator,
	m *metrics.Metrics,
	health []HealthChecker,
	maxBodyBytes int64,
	logger zerolog.Logger,
) *Server {
	return &Server{
		pipeline:     p,
		ingestor:     ingestor,
		tuner:        tuner,
		sink:         sink,
		auth:         auth,
		models:       priceTableAllowlist{estimator},
		estimator:    estimator,
		metrics:      m,
		health:       health,
		maxBodyBytes: maxBodyBytes,
		logger:       logger.With().Str("component", "server").Logger(),
	}
}

// priceTableAllowlist admits any model the price table knows, plus the
// free-tier allowlist.
type priceTableAllowlist struct {
	estimator *pricing.Estimator
}

func (a priceTableAllowlist) Allowed(model string) bool {
	if _, ok := a.estimator.Models()[model]; ok {
		return true
	}
	return credentials.IsFreeModel(model)
}

// Router builds the full route table with the middleware chain applied in
// order: CORS, security headers, request id, recovery, logger, body limit.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(requestIDMiddleware)
	r.Use(recoveryMiddleware(s.logger))
	r.Use(loggingMiddleware(s.logger))
	r.Use(bodyLimitMiddleware(s.maxBodyBytes))

	// Proxy surface
	r.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods("POST")
	r.HandleFunc("/v1/completions", s.handleCompletions).Methods("POST")
	r.HandleFunc("/v1/embeddings", s.handleEmbeddings).Methods("POST")
	r.HandleFunc("/v1/agent-runs", s.handleAgentRuns).Methods("POST")
	r.HandleFunc("/v1/models", s.handleModels).Methods("GET")

	// Analytics reads
	r.HandleFunc("/v1/analytics/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/v1/analytics/logs", s.handleLogs).Methods("GET")
	r.HandleFunc("/v1/analytics/timeseries", s.handleTimeseries).Methods("GET")
	r.HandleFunc("/v1/analytics/event/{id}", s.handleEvent).Methods("GET")
	r.HandleFunc("/v1/analytics/event/{id}/flag-incorrect", s.handleFlagIncorrect).Methods("POST")
	r.HandleFunc("/v1/analytics/agents", s.handleAgents).Methods("GET")
	r.HandleFunc("/v1/analytics/agents/{name}", s.handleAgentDetail).Methods("GET")
	r.HandleFunc("/v1/analytics/agents/{name}/timeseries", s.handleAgentTimeseries).Methods("GET")
	r.HandleFunc("/v1/analytics/roi-report", s.handleROI).Methods("GET")
	r.HandleFunc("/v1/analytics/coalescing", s.handleCoalescing).Methods("GET")
	r.HandleFunc("/v1/analytics/streaming", s.handleStreaming).Methods("GET")

	// Operational surface
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/health", s.handleHealthz).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// ----------------------------------------------------------------------------
// Shared plumbing
// ----------------------------------------------------------------------------

// writeError emits the single JSON error envelope every failure uses.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// bearerToken pulls the api key out of the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// mapError translates internal failures to the envelope status.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	var reqErr *pipeline.RequestError
	if errors.As(err, &reqErr) {
		writeError(w, reqErr.Status, reqErr.Message)
		return
	}
	var valErr *agentrun.ValidationError
	if errors.As(err, &valErr) {
		writeError(w, http.StatusBadRequest, valErr.Message)
		return
	}
	switch {
	case errors.Is(err, credentials.ErrProjectMismatch):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, credentials.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, tuning.ErrLogNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error().Err(err).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authenticated resolves the bearer token to a project for the analytics
// read endpoints, enforcing the optional project_id query parameter. The
// whole read surface depends on the sink, so its absence short-circuits
// here.
func (s *Server) authenticated(w http.ResponseWriter, r *http.Request) (*projectstore.Project, bool) {
	if s.sink == nil {
		writeError(w, http.StatusServiceUnavailable, "analytics sink is not configured")
		return nil, false
	}
	key := bearerToken(r)
	if key == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	project, err := s.auth.Authenticate(r.Context(), key)
	if err != nil {
		s.mapError(w, err)
		return nil, false
	}
	if qp := r.URL.Query().Get("project_id"); qp != "" && qp != project.ProjectID {
		writeError(w, http.StatusForbidden, "project_id does not match api key")
		return nil, false
	}
	return project, true
}

func (s *Server) observe(endpoint, status string, started time.Time) {
	s.metrics.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}

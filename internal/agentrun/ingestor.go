package agentrun

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocx/gateway/internal/analytics"
	"github.com/ocx/gateway/internal/cache"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/credentials"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/projectstore"
	"github.com/ocx/gateway/internal/sanitize"
)

// ============================================================================
// AGENT-RUN INGESTOR - validate, sanitize, detect, attribute, persist
// ============================================================================

// ValidationError is a client-facing 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Authenticator is the slice of the credential resolver the ingestor needs.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*projectstore.Project, error)
}

// Store persists run records to the relational store.
type Store interface {
	GetAgentDebugLog(ctx context.Context, projectID, runID string) (*projectstore.AgentDebugLog, error)
	InsertAgentDebugLog(ctx context.Context, log *projectstore.AgentDebugLog) error
	InsertAgentDebugSteps(ctx context.Context, steps []projectstore.AgentDebugStep) error
	InsertAgentDebugExplanations(ctx context.Context, rows []projectstore.AgentDebugExplanation) error
}

// StepSink receives per-step analytics rows. Optional; nil disables it.
type StepSink interface {
	WriteSteps(ctx context.Context, rows []analytics.StepRow) error
	WriteToolCalls(ctx context.Context, rows []analytics.ToolCallRow) error
}

// Result is the ingestion outcome returned to the caller.
type Result struct {
	RunID         string               `json:"run_id"`
	Flags         []Flag               `json:"flags"`
	Opportunities []CachingOpportunity `json:"caching_opportunities,omitempty"`
	Costs         CostSummary          `json:"costs"`
	Replay        bool                 `json:"replay,omitempty"`
}

// Ingestor runs the agent-run ingestion path.
type Ingestor struct {
	auth      Authenticator
	store     Store
	sink      StepSink
	emitter   *events.Emitter
	sanitizer *sanitize.Sanitizer
	explainer *Explainer
	metrics   *metrics.Metrics
	detection config.DetectionConfig
	logger    zerolog.Logger
}

func NewIngestor(
	auth Authenticator,
	store Store,
	sink StepSink,
	emitter *events.Emitter,
	sanitizer *sanitize.Sanitizer,
	explainer *Explainer,
	m *metrics.Metrics,
	detection config.DetectionConfig,
	logger zerolog.Logger,
) *Ingestor {
	return &Ingestor{
		auth:      auth,
		store:     store,
		sink:      sink,
		emitter:   emitter,
		sanitizer: sanitizer,
		explainer: explainer,
		metrics:   m,
		detection: detection,
		logger:    logger.With().Str("component", "agent-ingestor").Logger(),
	}
}

// Ingest validates and persists one agent run. Idempotent on
// (project, run_id): a replayed payload returns the stored flags without
// rewriting anything.
func (in *Ingestor) Ingest(ctx context.Context, apiKey string, run *AgentRun) (*Result, error) {
	project, err := in.auth.Authenticate(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	// Project id may be corrected to the authenticated project, never past it.
	if run.ProjectID == "" {
		run.ProjectID = project.ProjectID
	}
	if run.ProjectID != project.ProjectID {
		return nil, credentials.ErrProjectMismatch
	}

	if err := validateRun(run); err != nil {
		return nil, err
	}
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}

	existing, err := in.store.GetAgentDebugLog(ctx, run.ProjectID, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("idempotency check failed: %w", err)
	}
	if existing != nil {
		return &Result{
			RunID: run.RunID,
			Flags: fromStoreFlags(existing.Flags),
			Costs: CostSummary{
				TotalCostUSD:   existing.TotalCostUSD,
				WastedSpendUSD: existing.WastedSpendUSD,
				AmountSavedUSD: existing.AmountSavedUSD,
				CacheHitRate:   existing.CacheHitRate,
			},
			Replay: true,
		}, nil
	}

	in.sanitizeRun(run)

	flags := DetectFlags(run, in.detection)
	costs := ComputeCosts(run)
	opportunities := FindOpportunities(run)
	explanations := in.explainer.Explain(ctx, run)

	if err := in.persist(ctx, run, flags, costs, explanations); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	in.metrics.AgentRunsIngested.Inc()
	for _, f := range flags {
		in.metrics.AgentFlagsDetected.WithLabelValues(f.Type).Inc()
	}

	in.emitStepEvents(run)
	in.writeAnalytics(run, flags, opportunities)

	return &Result{
		RunID:         run.RunID,
		Flags:         flags,
		Opportunities: opportunities,
		Costs:         costs,
	}, nil
}

// validateRun enforces the payload invariants before any I/O beyond auth.
func validateRun(run *AgentRun) error {
	if !ValidRunStatus(run.Status) {
		return &ValidationError{Message: fmt.Sprintf("invalid run status %q", run.Status)}
	}
	if len(run.Steps) == 0 {
		return &ValidationError{Message: "run has no steps"}
	}
	if len(run.Steps) > 10000 {
		return &ValidationError{Message: "run exceeds 10000 steps"}
	}

	sort.Slice(run.Steps, func(i, j int) bool {
		return run.Steps[i].StepIndex < run.Steps[j].StepIndex
	})

	for i, s := range run.Steps {
		if s.StepIndex != i {
			return &ValidationError{Message: fmt.Sprintf("step indices must be contiguous from 0; missing index %d", i)}
		}
		if !ValidStepType(s.Type) {
			return &ValidationError{Message: fmt.Sprintf("invalid step type %q at index %d", s.Type, i)}
		}
		if i > 0 && s.Timestamp.Before(run.Steps[i-1].Timestamp) {
			return &ValidationError{Message: fmt.Sprintf("step timestamps must be non-decreasing; step %d precedes step %d", i, i-1)}
		}
	}
	return nil
}

func (in *Ingestor) sanitizeRun(run *AgentRun) {
	run.AgentName = in.sanitizer.Text(run.AgentName)
	for i := range run.Steps {
		s := &run.Steps[i]
		s.Summary = in.sanitizer.Text(s.Summary)
		s.Decision = in.sanitizer.Text(s.Decision)
		s.ToolArgs = in.sanitizer.Text(s.ToolArgs)
		s.ToolOutputSummary = in.sanitizer.Text(s.ToolOutputSummary)
		if s.Raw != "" {
			s.Raw, _ = in.sanitizer.Raw(s.Raw)
		}
	}
}

func (in *Ingestor) persist(ctx context.Context, run *AgentRun, flags []Flag, costs CostSummary, explanations []Explanation) error {
	log := &projectstore.AgentDebugLog{
		RunID:          run.RunID,
		ProjectID:      run.ProjectID,
		AgentName:      run.AgentName,
		Status:         string(run.Status),
		StartedAt:      run.StartedAt.UTC().Format(time.RFC3339),
		StepCount:      len(run.Steps),
		TotalCostUSD:   costs.TotalCostUSD,
		WastedSpendUSD: costs.WastedSpendUSD,
		AmountSavedUSD: costs.AmountSavedUSD,
		CacheHitRate:   costs.CacheHitRate,
		Flags:          toStoreFlags(flags),
	}
	if run.EndedAt != nil {
		ended := run.EndedAt.UTC().Format(time.RFC3339)
		log.EndedAt = &ended
	}
	if err := in.store.InsertAgentDebugLog(ctx, log); err != nil {
		return err
	}

	steps := make([]projectstore.AgentDebugStep, 0, len(run.Steps))
	for _, s := range run.Steps {
		steps = append(steps, projectstore.AgentDebugStep{
			RunID:             run.RunID,
			ProjectID:         run.ProjectID,
			StepIndex:         s.StepIndex,
			Timestamp:         s.Timestamp.UTC().Format(time.RFC3339),
			Type:              string(s.Type),
			Summary:           s.Summary,
			Decision:          s.Decision,
			Tool:              s.Tool,
			ToolArgs:          s.ToolArgs,
			ToolOutputSummary: s.ToolOutputSummary,
			Raw:               s.Raw,
			TokenCost:         s.TokenCost,
			APICostUSD:        s.APICostUSD,
			CacheHit:          s.CacheHit,
		})
	}
	if err := in.store.InsertAgentDebugSteps(ctx, steps); err != nil {
		return err
	}

	rows := make([]projectstore.AgentDebugExplanation, 0, len(explanations))
	for _, e := range explanations {
		rows = append(rows, projectstore.AgentDebugExplanation{
			RunID:      run.RunID,
			ProjectID:  run.ProjectID,
			StepIndex:  e.StepIndex,
			Text:       e.Text,
			Confidence: e.Confidence,
			Source:     e.Source,
		})
	}
	return in.store.InsertAgentDebugExplanations(ctx, rows)
}

// emitStepEvents sends one agent_step event per step. Fire-and-observe:
// emission never fails ingestion.
func (in *Ingestor) emitStepEvents(run *AgentRun) {
	for _, s := range run.Steps {
		ev := events.NewEvent(run.ProjectID, events.TypeAgentStep)
		ev.RunID = run.RunID
		ev.Prompt = s.Summary
		ev.Response = s.ToolOutputSummary
		ev.TokensIn = s.TokenCost
		ev.CostUSD = s.APICostUSD
		ev.PotentialCostUSD = s.APICostUSD
		ev.WithTag("step_" + string(s.Type))
		if s.cacheHit() {
			ev.CacheDecision = string(cache.DecisionExact)
			ev.CostUSD = 0
		}
		if s.Type == StepError {
			ev.Status = events.StatusError
			ev.ErrorMessage = s.Summary
		}
		go in.emitter.Emit(ev)
	}
}

// writeAnalytics mirrors the steps into the columnar sink for the agent
// read endpoints. Best-effort.
func (in *Ingestor) writeAnalytics(run *AgentRun, flags []Flag, opportunities []CachingOpportunity) {
	if in.sink == nil {
		return
	}

	flagsByStep := make(map[int][]string)
	for _, f := range flags {
		if f.StepIndex != nil {
			flagsByStep[*f.StepIndex] = append(flagsByStep[*f.StepIndex], f.Type)
		}
	}
	wastedByStep := make(map[int]float64)
	for _, o := range opportunities {
		wastedByStep[o.StepIndex] += o.SavedCost
	}

	stepRows := make([]analytics.StepRow, 0, len(run.Steps))
	var toolRows []analytics.ToolCallRow
	for _, s := range run.Steps {
		cacheHit := 0
		if s.cacheHit() {
			cacheHit = 1
		}
		stepRows = append(stepRows, analytics.StepRow{
			ProjectID:     run.ProjectID,
			RunID:         run.RunID,
			StepIndex:     s.StepIndex,
			AgentName:     run.AgentName,
			StepType:      string(s.Type),
			ToolName:      s.Tool,
			Prompt:        s.Summary,
			Response:      s.ToolOutputSummary,
			ToolOutput:    s.ToolOutputSummary,
			TokensIn:      s.TokenCost,
			CostUSD:       s.APICostUSD,
			WastedCostUSD: wastedByStep[s.StepIndex],
			CacheHit:      cacheHit,
			Flags:         flagsByStep[s.StepIndex],
			StartedAt:     analytics.FormatTime(s.Timestamp),
		})
		if s.Type == StepToolCall {
			empty := 0
			if s.ToolOutputSummary == "" {
				empty = 1
			}
			toolRows = append(toolRows, analytics.ToolCallRow{
				ProjectID:     run.ProjectID,
				RunID:         run.RunID,
				StepIndex:     s.StepIndex,
				ToolName:      s.Tool,
				ArgumentsHash: cache.ExactKey(run.ProjectID, s.Tool, s.ToolArgs),
				OutputEmpty:   empty,
				CalledAt:      analytics.FormatTime(s.Timestamp),
			})
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := in.sink.WriteSteps(ctx, stepRows); err != nil {
			in.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("step analytics write failed")
		}
		if err := in.sink.WriteToolCalls(ctx, toolRows); err != nil {
			in.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("tool call analytics write failed")
		}
	}()
}

func toStoreFlags(flags []Flag) []projectstore.Flag {
	out := make([]projectstore.Flag, 0, len(flags))
	for _, f := range flags {
		out = append(out, projectstore.Flag{
			Type:      f.Type,
			Severity:  string(f.Severity),
			Message:   f.Message,
			StepIndex: f.StepIndex,
		})
	}
	return out
}

func fromStoreFlags(flags []projectstore.Flag) []Flag {
	out := make([]Flag, 0, len(flags))
	for _, f := range flags {
		out = append(out, Flag{
			Type:      f.Type,
			Severity:  Severity(f.Severity),
			Message:   f.Message,
			StepIndex: f.StepIndex,
		})
	}
	return out
}

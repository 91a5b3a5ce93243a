package tuning

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ocx/gateway/internal/analytics"
	"github.com/ocx/gateway/internal/cache"
	"github.com/ocx/gateway/internal/projectstore"
)

// ============================================================================
// THRESHOLD TUNER - raise the cache bar when a cached answer was wrong
// ============================================================================

type tuningError string

func (e tuningError) Error() string { return string(e) }

// ErrLogNotFound means the flagged log does not exist in the project's scope.
const ErrLogNotFound = tuningError("log not found")

// EventSource reads events and flag marks from the analytics sink.
type EventSource interface {
	GetEvent(ctx context.Context, projectID, eventID string) (*analytics.EventRecord, error)
	IsFlagged(ctx context.Context, projectID, eventID string) (bool, error)
	MarkFlagged(ctx context.Context, projectID, eventID string) error
}

// ProjectStore reads and updates the project's cache threshold.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*projectstore.Project, error)
	UpdateCacheThreshold(ctx context.Context, projectID string, threshold float64) error
}

// Outcome reports what a FlagIncorrect call did.
type Outcome struct {
	Updated           bool    `json:"updated"`
	PreviousThreshold float64 `json:"previous_threshold"`
	CurrentThreshold  float64 `json:"current_threshold"`
	AlreadyFlagged    bool    `json:"already_flagged,omitempty"`
}

// Tuner adjusts project cache thresholds from user feedback.
type Tuner struct {
	events   EventSource
	projects ProjectStore
	logger   zerolog.Logger
}

func New(events EventSource, projects ProjectStore, logger zerolog.Logger) *Tuner {
	return &Tuner{
		events:   events,
		projects: projects,
		logger:   logger.With().Str("component", "tuner").Logger(),
	}
}

// FlagIncorrect handles a user reporting a cached response as wrong. The
// threshold moves to min(0.99, max(current, similarity + 0.02)) — monotone
// non-decreasing, capped at 0.99. Idempotent per log: a second flag on the
// same log never moves the threshold again.
func (t *Tuner) FlagIncorrect(ctx context.Context, projectID, logID string) (*Outcome, error) {
	project, err := t.projects.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project lookup failed: %w", err)
	}
	if project == nil {
		return nil, ErrLogNotFound
	}
	current := projectstore.ClampThreshold(project.CacheThreshold)

	flagged, err := t.events.IsFlagged(ctx, projectID, logID)
	if err != nil {
		return nil, fmt.Errorf("flag check failed: %w", err)
	}
	if flagged {
		return &Outcome{
			Updated:           false,
			PreviousThreshold: current,
			CurrentThreshold:  current,
			AlreadyFlagged:    true,
		}, nil
	}

	event, err := t.events.GetEvent(ctx, projectID, logID)
	if err != nil {
		return nil, fmt.Errorf("event lookup failed: %w", err)
	}
	if event == nil {
		return nil, ErrLogNotFound
	}

	outcome := &Outcome{PreviousThreshold: current, CurrentThreshold: current}

	// Similarity is only meaningful for semantic hits; exact hits and misses
	// carry no tuning signal.
	if event.CacheDecision == string(cache.DecisionSemantic) {
		suggested := event.CacheSimilarity + 0.02
		if suggested < current {
			suggested = current
		}
		if suggested > 0.99 {
			suggested = 0.99
		}
		if suggested > current {
			if err := t.projects.UpdateCacheThreshold(ctx, projectID, suggested); err != nil {
				return nil, fmt.Errorf("threshold update failed: %w", err)
			}
			outcome.Updated = true
			outcome.CurrentThreshold = suggested
			t.logger.Info().
				Str("project_id", projectID).
				Float64("previous", current).
				Float64("current", suggested).
				Msg("cache threshold raised from user feedback")
		}
	}

	if err := t.events.MarkFlagged(ctx, projectID, logID); err != nil {
		// The tune already happened; a failed mark only risks a redundant
		// no-op on the next flag.
		t.logger.Warn().Err(err).Str("log_id", logID).Msg("failed to mark log flagged")
	}
	return outcome, nil
}

package tuning

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/analytics"
	"github.com/ocx/gateway/internal/projectstore"
)

type fakeEvents struct {
	events  map[string]*analytics.EventRecord
	flagged map[string]bool
	marks   int
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{
		events:  make(map[string]*analytics.EventRecord),
		flagged: make(map[string]bool),
	}
}

func (f *fakeEvents) GetEvent(ctx context.Context, projectID, eventID string) (*analytics.EventRecord, error) {
	return f.events[projectID+"/"+eventID], nil
}

func (f *fakeEvents) IsFlagged(ctx context.Context, projectID, eventID string) (bool, error) {
	return f.flagged[projectID+"/"+eventID], nil
}

func (f *fakeEvents) MarkFlagged(ctx context.Context, projectID, eventID string) error {
	f.flagged[projectID+"/"+eventID] = true
	f.marks++
	return nil
}

type fakeProjects struct {
	project *projectstore.Project
	updates []float64
}

func (f *fakeProjects) GetProject(ctx context.Context, projectID string) (*projectstore.Project, error) {
	return f.project, nil
}

func (f *fakeProjects) UpdateCacheThreshold(ctx context.Context, projectID string, threshold float64) error {
	f.project.CacheThreshold = threshold
	f.updates = append(f.updates, threshold)
	return nil
}

func TestFlagIncorrectRaisesThreshold(t *testing.T) {
	evs := newFakeEvents()
	evs.events["proj-1/log-1"] = &analytics.EventRecord{
		EventID:         "log-1",
		ProjectID:       "proj-1",
		CacheDecision:   "semantic",
		CacheSimilarity: 0.955,
	}
	projects := &fakeProjects{project: &projectstore.Project{ProjectID: "proj-1", CacheThreshold: 0.955}}
	tuner := New(evs, projects, zerolog.Nop())

	outcome, err := tuner.FlagIncorrect(context.Background(), "proj-1", "log-1")
	require.NoError(t, err)
	assert.True(t, outcome.Updated)
	assert.InDelta(t, 0.955, outcome.PreviousThreshold, 1e-9)
	assert.InDelta(t, 0.975, outcome.CurrentThreshold, 1e-9)
	require.Len(t, projects.updates, 1)
	assert.InDelta(t, 0.975, projects.updates[0], 1e-9)
}

func TestFlagIncorrectIdempotentPerLog(t *testing.T) {
	evs := newFakeEvents()
	evs.events["proj-1/log-1"] = &analytics.EventRecord{
		EventID:         "log-1",
		ProjectID:       "proj-1",
		CacheDecision:   "semantic",
		CacheSimilarity: 0.955,
	}
	projects := &fakeProjects{project: &projectstore.Project{ProjectID: "proj-1", CacheThreshold: 0.955}}
	tuner := New(evs, projects, zerolog.Nop())
	ctx := context.Background()

	first, err := tuner.FlagIncorrect(ctx, "proj-1", "log-1")
	require.NoError(t, err)
	require.True(t, first.Updated)

	second, err := tuner.FlagIncorrect(ctx, "proj-1", "log-1")
	require.NoError(t, err)
	assert.False(t, second.Updated)
	assert.True(t, second.AlreadyFlagged)
	assert.InDelta(t, 0.975, second.CurrentThreshold, 1e-9)
	assert.Len(t, projects.updates, 1, "second flag must not move the threshold again")
	assert.Equal(t, 1, evs.marks)
}

func TestFlagIncorrectMonotoneNonDecreasing(t *testing.T) {
	// Similarity well below the current threshold: suggested clamps up to the
	// current value and no update happens.
	evs := newFakeEvents()
	evs.events["proj-1/log-1"] = &analytics.EventRecord{
		EventID:         "log-1",
		CacheDecision:   "semantic",
		CacheSimilarity: 0.85,
	}
	projects := &fakeProjects{project: &projectstore.Project{ProjectID: "proj-1", CacheThreshold: 0.95}}
	tuner := New(evs, projects, zerolog.Nop())

	outcome, err := tuner.FlagIncorrect(context.Background(), "proj-1", "log-1")
	require.NoError(t, err)
	assert.False(t, outcome.Updated)
	assert.InDelta(t, 0.95, outcome.CurrentThreshold, 1e-9)
	assert.Empty(t, projects.updates)
	assert.Equal(t, 1, evs.marks, "the log is still marked flagged")
}

func TestFlagIncorrectCapsAt099(t *testing.T) {
	evs := newFakeEvents()
	evs.events["proj-1/log-1"] = &analytics.EventRecord{
		EventID:         "log-1",
		CacheDecision:   "semantic",
		CacheSimilarity: 0.989,
	}
	projects := &fakeProjects{project: &projectstore.Project{ProjectID: "proj-1", CacheThreshold: 0.98}}
	tuner := New(evs, projects, zerolog.Nop())

	outcome, err := tuner.FlagIncorrect(context.Background(), "proj-1", "log-1")
	require.NoError(t, err)
	assert.True(t, outcome.Updated)
	assert.InDelta(t, 0.99, outcome.CurrentThreshold, 1e-9)
}

func TestFlagIncorrectExactHitNoTuning(t *testing.T) {
	evs := newFakeEvents()
	evs.events["proj-1/log-1"] = &analytics.EventRecord{
		EventID:         "log-1",
		CacheDecision:   "exact",
		CacheSimilarity: 1.0,
	}
	projects := &fakeProjects{project: &projectstore.Project{ProjectID: "proj-1", CacheThreshold: 0.95}}
	tuner := New(evs, projects, zerolog.Nop())

	outcome, err := tuner.FlagIncorrect(context.Background(), "proj-1", "log-1")
	require.NoError(t, err)
	assert.False(t, outcome.Updated, "exact hits carry no similarity signal")
	assert.Empty(t, projects.updates)
}

func TestFlagIncorrectUnknownLog(t *testing.T) {
	evs := newFakeEvents()
	projects := &fakeProjects{project: &projectstore.Project{ProjectID: "proj-1", CacheThreshold: 0.95}}
	tuner := New(evs, projects, zerolog.Nop())

	_, err := tuner.FlagIncorrect(context.Background(), "proj-1", "no-such-log")
	assert.ErrorIs(t, err, ErrLogNotFound)
}

func TestFlagIncorrectUnknownProject(t *testing.T) {
	evs := newFakeEvents()
	tuner := New(evs, &fakeProjects{project: nil}, zerolog.Nop())

	_, err := tuner.FlagIncorrect(context.Background(), "ghost", "log-1")
	assert.ErrorIs(t, err, ErrLogNotFound)
}

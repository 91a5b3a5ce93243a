package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/events"
)

type sinkStub struct {
	mu      sync.Mutex
	queries []string
	params  []map[string][]string
	reply   string
	status  int
}

func (s *sinkStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.queries = append(s.queries, string(body))
		s.params = append(s.params, r.URL.Query())
		s.mu.Unlock()
		if s.status != 0 {
			w.WriteHeader(s.status)
		}
		io.WriteString(w, s.reply)
	})
}

func (s *sinkStub) lastQuery() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queries) == 0 {
		return ""
	}
	return s.queries[len(s.queries)-1]
}

func (s *sinkStub) lastParams() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.params) == 0 {
		return nil
	}
	return s.params[len(s.params)-1]
}

func newTestClient(t *testing.T, stub *sinkStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "default", "pw", "gateway", zerolog.Nop())
}

func TestWriteBatchJSONEachRow(t *testing.T) {
	stub := &sinkStub{}
	c := newTestClient(t, stub)

	sim := 0.97
	ev := events.NewEvent("proj-1", events.TypePromptCall)
	ev.Model = "gpt-4o"
	ev.CacheDecision = "semantic"
	ev.CacheSimilarity = &sim
	ev.CostUSD = 0

	require.NoError(t, c.WriteBatch(context.Background(), []*events.NormalizedEvent{ev}))

	q := stub.lastQuery()
	assert.True(t, strings.HasPrefix(q, "INSERT INTO events FORMAT JSONEachRow\n"))
	assert.Contains(t, q, `"event_id":"`+ev.EventID+`"`)
	assert.Contains(t, q, `"cache_similarity":0.97`)
	assert.Contains(t, q, `"tags":[]`, "nil tags serialize as an empty array")

	params := stub.lastParams()
	assert.Equal(t, "gateway", params["database"][0])
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	stub := &sinkStub{}
	c := newTestClient(t, stub)
	require.NoError(t, c.WriteBatch(context.Background(), nil))
	assert.Empty(t, stub.lastQuery())
}

func TestProjectStatsBindsParameters(t *testing.T) {
	stub := &sinkStub{reply: `{"data":[{"requests":12,"cost_usd":0.5,"cache_hits":4,"cache_hit_rate":0.333}]}`}
	c := newTestClient(t, stub)

	from := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	stats, err := c.ProjectStats(context.Background(), "proj-1", from, to)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.Requests)
	assert.InDelta(t, 0.5, stats.CostUSD, 1e-9)
	assert.Equal(t, int64(4), stats.CacheHits)

	params := stub.lastParams()
	assert.Equal(t, "proj-1", params["param_project"][0])
	assert.Equal(t, "2026-08-01 00:00:00.000", params["param_from"][0])

	q := stub.lastQuery()
	assert.Contains(t, q, "{project:String}", "values go through server-side binding, not string interpolation")
	assert.NotContains(t, q, "proj-1")
	assert.Contains(t, q, "FORMAT JSON")
}

func TestProjectStatsEmptyResult(t *testing.T) {
	stub := &sinkStub{reply: `{"data":[]}`}
	c := newTestClient(t, stub)

	stats, err := c.ProjectStats(context.Background(), "proj-1", time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)
}

func TestGetEventAbsentReturnsNil(t *testing.T) {
	stub := &sinkStub{reply: `{"data":[]}`}
	c := newTestClient(t, stub)

	rec, err := c.GetEvent(context.Background(), "proj-1", "no-such")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSinkErrorSurfacesFirstLine(t *testing.T) {
	stub := &sinkStub{status: http.StatusInternalServerError, reply: "Code: 60. DB::Exception: Table default.events does not exist\nmore detail"}
	c := newTestClient(t, stub)

	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink returned 500")
	assert.Contains(t, err.Error(), "Table default.events does not exist")
	assert.NotContains(t, err.Error(), "more detail")
}

func TestIsFlagged(t *testing.T) {
	stub := &sinkStub{reply: `{"data":[{"n":1}]}`}
	c := newTestClient(t, stub)

	flagged, err := c.IsFlagged(context.Background(), "proj-1", "ev-1")
	require.NoError(t, err)
	assert.True(t, flagged)

	stub.reply = `{"data":[{"n":0}]}`
	flagged, err = c.IsFlagged(context.Background(), "proj-1", "ev-1")
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestMarkFlaggedInsert(t *testing.T) {
	stub := &sinkStub{}
	c := newTestClient(t, stub)

	require.NoError(t, c.MarkFlagged(context.Background(), "proj-1", "ev-1"))
	q := stub.lastQuery()
	assert.True(t, strings.HasPrefix(q, "INSERT INTO flagged_logs FORMAT JSONEachRow\n"))
	assert.Contains(t, q, `"event_id":"ev-1"`)
}

func TestEnsureSchemaAppliesEveryTable(t *testing.T) {
	stub := &sinkStub{}
	c := newTestClient(t, stub)

	require.NoError(t, c.EnsureSchema(context.Background()))
	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Len(t, stub.queries, len(AllSchemas()))
}

type recordingBatchWriter struct {
	mu      sync.Mutex
	batches [][]*events.NormalizedEvent
	err     error
}

func (w *recordingBatchWriter) WriteBatch(ctx context.Context, batch []*events.NormalizedEvent) error {
	if w.err != nil {
		return w.err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := make([]*events.NormalizedEvent, len(batch))
	copy(cp, batch)
	w.batches = append(w.batches, cp)
	return nil
}

func (w *recordingBatchWriter) total() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.batches {
		n += len(b)
	}
	return n
}

// The async writer doubles as the emitter's direct-write fallback.
var _ events.SinkWriter = (*AsyncWriter)(nil)

func TestAsyncWriterWriteEvent(t *testing.T) {
	sink := &recordingBatchWriter{}
	w := NewAsyncWriter(sink, 64, zerolog.Nop())

	require.NoError(t, w.WriteEvent(context.Background(), events.NewEvent("proj-1", events.TypePromptCall)))
	w.Close()
	assert.Equal(t, 1, sink.total())
}

func TestAsyncWriterWriteEventReportsFullBuffer(t *testing.T) {
	blocked := make(chan struct{})
	slow := &slowBatchWriter{release: blocked}
	w := NewAsyncWriter(slow, 1, zerolog.Nop())

	var err error
	for i := 0; i < 300 && err == nil; i++ {
		err = w.WriteEvent(context.Background(), events.NewEvent("proj-1", events.TypePromptCall))
	}
	assert.Error(t, err, "a full buffer must surface so the emitter counts the drop")

	close(blocked)
	w.Close()
}

func TestAsyncWriterFlushesOnClose(t *testing.T) {
	sink := &recordingBatchWriter{}
	w := NewAsyncWriter(sink, 64, zerolog.Nop())

	for i := 0; i < 5; i++ {
		require.True(t, w.Write(events.NewEvent(fmt.Sprintf("proj-%d", i), events.TypePromptCall)))
	}
	w.Close()

	assert.Equal(t, 5, sink.total())
}

func TestAsyncWriterBatchesAtHundred(t *testing.T) {
	sink := &recordingBatchWriter{}
	w := NewAsyncWriter(sink, 1024, zerolog.Nop())

	for i := 0; i < 250; i++ {
		w.Write(events.NewEvent("proj-1", events.TypePromptCall))
	}
	w.Close()

	require.Equal(t, 250, sink.total())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.GreaterOrEqual(t, len(sink.batches), 3)
	for _, b := range sink.batches {
		assert.LessOrEqual(t, len(b), 100)
	}
}

func TestAsyncWriterDropsWhenFull(t *testing.T) {
	// Stall the drain goroutine inside a flush, then keep writing until the
	// one-slot channel is occupied and a write is refused instead of blocking.
	blocked := make(chan struct{})
	slow := &slowBatchWriter{release: blocked}
	w := NewAsyncWriter(slow, 1, zerolog.Nop())

	// The drain flushes once it has accumulated 100 events, so pushing well
	// past that guarantees it is parked in WriteBatch while the buffer fills.
	dropped := false
	for i := 0; i < 300 && !dropped; i++ {
		dropped = !w.Write(events.NewEvent("proj-1", events.TypePromptCall))
	}
	assert.True(t, dropped)

	close(blocked)
	w.Close()
}

type slowBatchWriter struct {
	release chan struct{}
}

func (w *slowBatchWriter) WriteBatch(ctx context.Context, batch []*events.NormalizedEvent) error {
	<-w.release
	return errors.New("stalled")
}

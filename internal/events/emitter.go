package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SinkWriter is the direct-write fallback used when the queue is down.
// Implemented by the analytics client.
type SinkWriter interface {
	WriteEvent(ctx context.Context, event *NormalizedEvent) error
}

// DropCounter lets the metrics layer observe dropped events without a
// package cycle.
type DropCounter interface {
	EventDropped()
}

// Emitter delivers events: queue first, direct sink write second, drop with
// a warning last. It never blocks the request path and never fails the
// caller — emission is fire-and-observe.
type Emitter struct {
	queue  Queue
	sink   SinkWriter
	drops  DropCounter
	logger zerolog.Logger
}

// NewEmitter builds an emitter. queue and sink may each be nil when the
// backend is disabled; the emitter degrades stepwise.
func NewEmitter(queue Queue, sink SinkWriter, drops DropCounter, logger zerolog.Logger) *Emitter {
	return &Emitter{
		queue:  queue,
		sink:   sink,
		drops:  drops,
		logger: logger.With().Str("component", "emitter").Logger(),
	}
}

// Emit delivers one event. Called strictly after the response is produced;
// bounded to 2s regardless of the caller's context so a dead queue cannot
// stall shutdown paths.
func (e *Emitter) Emit(event *NormalizedEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if e.queue != nil {
		if err := e.queue.Enqueue(ctx, event); err == nil {
			return
		} else {
			e.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("queue enqueue failed, trying direct write")
		}
	}

	if e.sink != nil {
		if err := e.sink.WriteEvent(ctx, event); err == nil {
			return
		} else {
			e.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("direct sink write failed")
		}
	}

	e.logger.Warn().
		Str("event_id", event.EventID).
		Str("project_id", event.ProjectID).
		Msg("event dropped: queue and sink unavailable")
	if e.drops != nil {
		e.drops.EventDropped()
	}
}

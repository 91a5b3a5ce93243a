package events

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// PubSubQueue publishes events to a Google Cloud Pub/Sub topic for durable,
// at-least-once delivery to downstream consumers. Selected with
// QUEUE_BACKEND=pubsub.
type PubSubQueue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubSubQueue creates the queue, creating the topic if it does not exist.
func NewPubSubQueue(projectID, topicID string, logger zerolog.Logger) (*PubSubQueue, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		logger.Info().Str("topic", topicID).Msg("created Pub/Sub topic")
	}

	// Publish promptly; the emitter already batches nothing on the
	// request path.
	topic.PublishSettings.CountThreshold = 1
	topic.PublishSettings.DelayThreshold = 10 * time.Millisecond

	return &PubSubQueue{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "event-queue").Logger(),
	}, nil
}

// Enqueue publishes one event. The result is not awaited beyond a short
// bound so a stalled broker cannot hold the request path.
func (q *PubSubQueue) Enqueue(ctx context.Context, event *NormalizedEvent) error {
	payload, err := event.JSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	res := q.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_id": event.EventID,
			"project":  event.ProjectID,
			"type":     string(event.EventType),
		},
	})

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := res.Get(waitCtx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

func (q *PubSubQueue) Close() error {
	q.topic.Stop()
	return q.client.Close()
}

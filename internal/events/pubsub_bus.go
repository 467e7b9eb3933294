package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and mirrors every lifecycle event to a
// Google Cloud Pub/Sub topic. The in-memory layer keeps serving SSE
// subscribers; Pub/Sub gives downstream consumers durable at-least-once
// delivery, ordered per conversation.
type PubSubBus struct {
	*Bus // embedded, Subscribe/Unsubscribe still work

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects the event stream to a Pub/Sub topic, creating the
// topic if it does not exist.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
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
	}

	// Ordering key is the thread key, so consumers see one conversation's
	// lifecycle in order.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}

	bus.logger.Printf("connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit stamps the event, mirrors it to Pub/Sub, and fans out in-process.
func (pb *PubSubBus) Emit(ev Event) {
	ev.stamp()
	pb.mirror(ev)
	pb.Bus.Publish(ev)
}

// mirror publishes one event as a Pub/Sub message. Attributes carry the
// fields consumers filter on server-side without decoding the payload.
func (pb *PubSubBus) mirror(ev Event) {
	payload, err := ev.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s: %v", ev.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":      ev.Type,
			"event_id":        ev.ID,
			"request_id":      ev.RequestID,
			"lifecycle_state": ev.LifecycleState,
			"channel":         ev.Channel,
		},
		OrderingKey: ev.ThreadKey,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Non-blocking: check the result off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("pubsub publish failed for %s: %v", ev.ID, err)
		}
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)

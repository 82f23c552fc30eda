package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEventBus wraps the in-memory EventBus and mirrors every event to a
// Google Cloud Pub/Sub topic for durable delivery to external consumers
// (training loop, evaluation harness, dashboards).
//
// Fan-out strategy:
//   - Pub/Sub: durable, at-least-once delivery off-host
//   - In-memory: immediate push to local subscribers
type PubSubEventBus struct {
	*EventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEventBus creates a Pub/Sub-backed event bus, creating the topic
// if needed. Message ordering is keyed by episode so per-episode event
// order survives the hop.
func NewPubSubEventBus(projectID, topicID string) (*PubSubEventBus, error) {
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
	topic.EnableMessageOrdering = true

	bus := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to Pub/Sub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit creates a CloudEvent, publishes it to Pub/Sub and fans out to local
// subscribers.
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.EventBus.Publish(event)
}

func (pb *PubSubEventBus) publish(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s failed: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-episodeid":   event.EpisodeID,
		},
		OrderingKey: event.EpisodeID,
	}
	result := pb.topic.Publish(context.Background(), msg)

	// Resolve off the hot path; a switch commit never waits on Pub/Sub.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("Pub/Sub publish failed: %s -> %v", event.ID, err)
		}
	}()
}

// Close gracefully shuts down the Pub/Sub client.
func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ EventEmitter = (*PubSubEventBus)(nil)

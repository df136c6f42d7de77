package report

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// PubSubSink publishes payloads to a Pub/Sub topic instead of POSTing
// them, for deployments that aggregate telemetry downstream.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to the project and binds the topic.
func NewPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	if projectID == "" || topicID == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubSink{
		client: client,
		topic:  client.Topic(topicID),
	}, nil
}

// Deliver publishes one payload and waits for the server ack.
func (s *PubSubSink) Deliver(ctx context.Context, p Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	result := s.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

// Close flushes pending publishes and releases the client.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

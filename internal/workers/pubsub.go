package workers

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// Broker is the durable task transport. The pool probes Healthy before
// every dispatch; a slow or dead broker flips the pool to inline
// execution, never to an error.
type Broker interface {
	Publish(ctx context.Context, t *Task) error
	Healthy(ctx context.Context) bool
	Close() error
}

// PubSubBroker publishes tasks to a Cloud Pub/Sub topic. Remote workers
// subscribe per queue; ordering is per queue name.
type PubSubBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBroker connects and creates the topic when missing.
func NewPubSubBroker(projectID, topicID string) (*PubSubBroker, error) {
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

	b := &PubSubBroker{
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[BROKER] ", log.LstdFlags),
	}
	b.logger.Printf("connected to projects/%s/topics/%s", projectID, topicID)
	return b, nil
}

// Publish sends one task, ordered by queue.
func (b *PubSubBroker) Publish(ctx context.Context, t *Task) error {
	payload, err := t.JSON()
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"task_id": t.ID,
			"queue":   t.Queue,
			"kind":    t.Kind,
		},
		OrderingKey: t.Queue,
	}

	result := b.topic.Publish(ctx, msg)
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish task %s: %w", t.ID, err)
	}
	return nil
}

// Healthy probes the topic within the caller's deadline. The pool gives
// it 200 ms; anything slower counts as unhealthy.
func (b *PubSubBroker) Healthy(ctx context.Context) bool {
	exists, err := b.topic.Exists(ctx)
	return err == nil && exists
}

// Close stops the topic's publish goroutines and the client.
func (b *PubSubBroker) Close() error {
	b.topic.Stop()
	return b.client.Close()
}

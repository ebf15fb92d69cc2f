package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
)

// Publisher is the outbound half of the transport. The Upload Processor and
// the cleanup scan publish through it; the retry scheduler re-publishes
// through it.
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte, attrs map[string]string) error
}

// PubSub wraps a Google Cloud Pub/Sub client with topic caching and
// create-if-missing semantics.
type PubSub struct {
	client *pubsub.Client
	logger *log.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubSub connects to Pub/Sub for the given project.
func NewPubSub(ctx context.Context, projectID string) (*PubSub, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	return &PubSub{
		client: client,
		logger: log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

// Topic returns a cached topic handle, creating the topic if it does not
// exist yet.
func (p *PubSub) Topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[name]; ok {
		return t, nil
	}

	topic := p.client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists(%s): %w", name, err)
	}
	if !exists {
		topic, err = p.client.CreateTopic(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic(%s): %w", name, err)
		}
		p.logger.Printf("created topic %s", name)
	}

	p.topics[name] = topic
	return topic, nil
}

// Publish sends one message and waits for the server ack.
func (p *PubSub) Publish(ctx context.Context, topicName string, data []byte, attrs map[string]string) error {
	topic, err := p.Topic(ctx, topicName)
	if err != nil {
		return err
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", topicName, err)
	}
	return nil
}

// Subscription returns a subscription handle after verifying it exists.
// Subscriptions are provisioned by deployment tooling, not created here:
// an unknown subscription name is a configuration error.
func (p *PubSub) Subscription(ctx context.Context, name string) (*pubsub.Subscription, error) {
	sub := p.client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscription.Exists(%s): %w", name, err)
	}
	if !exists {
		return nil, fmt.Errorf("subscription %s does not exist", name)
	}
	return sub, nil
}

// HealthCheck verifies the named topic is reachable.
func (p *PubSub) HealthCheck(ctx context.Context, topicName string) error {
	topic, err := p.Topic(ctx, topicName)
	if err != nil {
		return err
	}
	exists, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", topicName)
	}
	return nil
}

// Close stops all topic publishers and closes the client.
func (p *PubSub) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Publisher = (*PubSub)(nil)

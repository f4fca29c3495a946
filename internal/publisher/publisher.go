// Package publisher emits run-summary events so downstream consumers
// can react to finished pipeline runs without polling.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// Memory records published events for tests and local runs.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Event is one recorded publish call.
type Event struct {
	Topic   string
	Payload []byte
}

// NewMemory returns an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{Topic: topic, Payload: data})
	return fmt.Sprintf("mem-%d", len(m.events)), nil
}

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// GooglePubSub publishes run summaries to Cloud Pub/Sub topics.
type GooglePubSub struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewGooglePubSub connects to the given project.
func NewGooglePubSub(ctx context.Context, projectID string) (*GooglePubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &GooglePubSub{client: client, topics: make(map[string]*pubsub.Topic)}, nil
}

// Publish marshals payload to JSON and publishes it, returning the
// server-assigned message ID.
func (p *GooglePubSub) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Topic(topic)
		p.topics[topic] = t
	}
	p.mu.Unlock()

	id, err := t.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close stops all topic publishers and closes the client.
func (p *GooglePubSub) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.mu.Unlock()
	return p.client.Close()
}

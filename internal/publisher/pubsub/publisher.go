// Package pubsub publishes cache notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
)

// Publisher maps logical topics onto Pub/Sub publishers of one client. A
// topic is published under "{prefix}{topic}" with dots replaced by dashes.
type Publisher struct {
	client *pubsub.Client
	prefix string

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

// New creates a Publisher. The client stays owned by the caller.
func New(client *pubsub.Client, prefix string) *Publisher {
	return &Publisher{
		client:     client,
		prefix:     prefix,
		publishers: make(map[string]*pubsub.Publisher),
	}
}

// TopicID returns the Pub/Sub topic ID for a logical topic.
func (p *Publisher) TopicID(topic string) string {
	out := []byte(p.prefix + topic)
	for i, b := range out {
		if b == '.' {
			out[i] = '-'
		}
	}
	return string(out)
}

// Publish marshals the payload to JSON and waits for the server ID.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub client is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"topic": topic},
	}
	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message to %s: %w", p.TopicID(topic), err)
	}
	return id, nil
}

// Close flushes and stops every publisher created so far.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, pub := range p.publishers {
		pub.Stop()
		delete(p.publishers, name)
	}
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pub, ok := p.publishers[topic]; ok {
		return pub
	}
	pub := p.client.Publisher(p.TopicID(topic))
	p.publishers[topic] = pub
	return pub
}

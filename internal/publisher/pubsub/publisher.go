// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"github.com/goccy/go-json"
)

// Config maps event names to Pub/Sub topic IDs. Events without a mapping are
// sent to DefaultTopic.
type Config struct {
	DefaultTopic string
	Topics       map[string]string
}

type sender interface {
	send(ctx context.Context, topic string, msg *pubsub.Message) (string, error)
	stop()
}

// Publisher publishes JSON events, one Pub/Sub topic handle per topic ID.
type Publisher struct {
	cfg    Config
	sender sender
}

// New creates a Publisher backed by client.
func New(client *pubsub.Client, cfg Config) *Publisher {
	return &Publisher{cfg: cfg, sender: &clientSender{client: client, topics: map[string]*pubsub.Topic{}}}
}

func (p *Publisher) topicFor(event string) string {
	if t, ok := p.cfg.Topics[event]; ok && t != "" {
		return t
	}
	if p.cfg.DefaultTopic != "" {
		return p.cfg.DefaultTopic
	}
	return event
}

// Publish marshals the payload to JSON and waits for the server to ack it.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event":        event,
			"content_type": "application/json",
		},
	}
	topic := p.topicFor(event)
	id, err := p.sender.send(ctx, topic, msg)
	if err != nil {
		return "", fmt.Errorf("publish %s to %s: %w", event, topic, err)
	}
	return id, nil
}

// Stop flushes pending messages and stops every topic handle.
func (p *Publisher) Stop() {
	p.sender.stop()
}

type clientSender struct {
	client *pubsub.Client
	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func (s *clientSender) topic(id string) *pubsub.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[id]
	if !ok {
		t = s.client.Topic(id)
		s.topics[id] = t
	}
	return t
}

func (s *clientSender) send(ctx context.Context, topic string, msg *pubsub.Message) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("pubsub client is not configured")
	}
	return s.topic(topic).Publish(ctx, msg).Get(ctx)
}

func (s *clientSender) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.topics {
		t.Stop()
		delete(s.topics, id)
	}
}

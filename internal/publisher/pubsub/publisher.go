// Package pubsub publishes events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/webmonitor/internal/monitor"
)

// EventAttribute carries the event topic on each message so several event
// kinds can share one Pub/Sub topic.
const EventAttribute = "event"

// ErrNotConfigured is returned when no Pub/Sub topic publisher is set.
var ErrNotConfigured = errors.New("pubsub publisher is not configured")

// Config names the Pub/Sub topic events go to.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

var _ monitor.Publisher = (*Publisher)(nil)

// New wraps an existing topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Dial creates a client for cfg.ProjectID and a publisher for cfg.TopicName.
func Dial(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		return nil, fmt.Errorf("%w: project_id and topic_name are required", ErrNotConfigured)
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, publisher: client.Publisher(cfg.TopicName)}, nil
}

// Publish marshals payload to JSON and publishes it, tagging the message with
// the event topic and the trace context of ctx.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", ErrNotConfigured
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	msg := &pubsub.Message{Data: data, Attributes: messageAttributes(ctx, topic)}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

// Close flushes pending messages and releases the client.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func messageAttributes(ctx context.Context, topic string) map[string]string {
	attrs := map[string]string{EventAttribute: topic}
	otel.GetTextMapPropagator().Inject(ctx, carrier(attrs))
	return attrs
}

// carrier implements propagation.TextMapCarrier for message attributes.
type carrier map[string]string

func (c carrier) Get(key string) string {
	return c[key]
}

func (c carrier) Set(key, value string) {
	c[key] = value
}

func (c carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Package events publishes finalized sentences to a broker and lets
// downstream consumers subscribe to them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"realtime-stt-service/internal/models"
	"realtime-stt-service/internal/observability/metrics"
)

// Broker is a list-push plus channel-publish sink.
type Broker interface {
	// Push appends payload to the durable list identified by key.
	Push(ctx context.Context, key string, payload []byte) error
	// Publish fans payload out to live subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error
	Name() string
	Close() error
}

// Subscriber delivers published payloads to handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error
}

// Config holds publisher configuration.
type Config struct {
	ListKey   string
	Channel   string
	Principal string
	Timeout   time.Duration
	// Metrics defaults to metrics.DefaultMetrics.
	Metrics *metrics.Metrics
}

// Publisher pushes and publishes sentence messages through a Broker.
// A nil broker puts it in log-only mode.
type Publisher struct {
	broker    Broker
	listKey   string
	channel   string
	principal string
	timeout   time.Duration
	enabled   bool
	metrics   *metrics.Metrics
}

// New creates a publisher. Passing a nil broker disables publishing; events
// are then only logged.
func New(broker Broker, cfg *Config) *Publisher {
	if cfg == nil {
		cfg = &Config{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.DefaultMetrics
	}
	p := &Publisher{
		broker:    broker,
		listKey:   cfg.ListKey,
		channel:   cfg.Channel,
		principal: cfg.Principal,
		timeout:   cfg.Timeout,
		enabled:   broker != nil,
		metrics:   m,
	}

	if !p.enabled {
		log.Info().Msg("Broker disabled, using log-only mode")
		return p
	}

	log.Info().
		Str("backend", broker.Name()).
		Str("listKey", cfg.ListKey).
		Str("channel", cfg.Channel).
		Str("principal", cfg.Principal).
		Msg("Sentence publisher initialized")
	return p
}

// Enabled reports whether a broker is attached.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// PublishSentence pushes msg to the list and publishes it to the channel.
// Both operations are attempted; their errors are joined.
func (p *Publisher) PublishSentence(ctx context.Context, msg models.SentenceMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal sentence: %w", err)
	}

	log.Debug().
		Str("principal", p.principal).
		Str("sessionId", msg.SessionID).
		RawJSON("payload", payload).
		Msg("Publishing sentence")

	if !p.enabled {
		return nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	backend := p.broker.Name()

	pushErr := p.broker.Push(ctx, p.listKey, payload)
	p.metrics.RecordBrokerPublish(backend, "push", pushErr)
	if pushErr != nil {
		pushErr = fmt.Errorf("push to %s: %w", p.listKey, pushErr)
	}

	pubErr := p.broker.Publish(ctx, p.channel, payload)
	p.metrics.RecordBrokerPublish(backend, "publish", pubErr)
	if pubErr != nil {
		pubErr = fmt.Errorf("publish to %s: %w", p.channel, pubErr)
	}

	p.metrics.RecordBrokerLatency(backend, time.Since(start).Seconds())

	if err := errors.Join(pushErr, pubErr); err != nil {
		log.Error().
			Err(err).
			Str("backend", backend).
			Str("sessionId", msg.SessionID).
			Msg("Failed to publish sentence")
		return err
	}
	return nil
}

// Close closes the underlying broker.
func (p *Publisher) Close() error {
	if p.broker == nil {
		return nil
	}
	if err := p.broker.Close(); err != nil {
		log.Error().Err(err).Str("backend", p.broker.Name()).Msg("Error closing broker")
		return err
	}
	return nil
}

// topicName maps a Redis-style key such as "stt:sentences" onto a name
// valid for Kafka topics and NATS subjects.
func topicName(key string) string {
	return strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_").Replace(key)
}

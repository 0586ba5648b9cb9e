package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL     string
	Stream  string
	ListKey string
	Name    string
}

// NATSBroker stores list pushes in a JetStream stream and publishes channel
// messages on core NATS.
type NATSBroker struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NewNATS connects and makes sure the stream backing the list exists.
func NewNATS(cfg NATSConfig) (*NATSBroker, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	subject := ListTopic(cfg.ListKey)
	if _, err := js.StreamInfo(cfg.Stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{subject},
			Storage:  nats.FileStorage,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
		}
	} else if err != nil {
		conn.Close()
		return nil, fmt.Errorf("stream info %s: %w", cfg.Stream, err)
	}

	log.Info().
		Str("url", cfg.URL).
		Str("stream", cfg.Stream).
		Str("subject", subject).
		Msg("Connected to NATS")
	return &NATSBroker{conn: conn, js: js}, nil
}

func (b *NATSBroker) Name() string { return "nats" }

func (b *NATSBroker) Push(ctx context.Context, key string, payload []byte) error {
	_, err := b.js.Publish(ListTopic(key), payload, nats.Context(ctx))
	return err
}

func (b *NATSBroker) Publish(_ context.Context, channel string, payload []byte) error {
	return b.conn.Publish(topicName(channel), payload)
}

// Subscribe delivers core NATS messages until ctx is done.
func (b *NATSBroker) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	sub, err := b.conn.Subscribe(topicName(channel), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func (b *NATSBroker) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}

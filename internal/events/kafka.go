package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds Kafka broker settings.
type KafkaConfig struct {
	Brokers   []string
	Principal string
	ListKey   string
	Channel   string
}

// KafkaBroker maps the list onto a "<key>.log" topic and the channel onto
// its own topic, with one writer each.
type KafkaBroker struct {
	brokers       []string
	principal     string
	dialer        *kafka.Dialer
	writerList    *kafka.Writer
	writerChannel *kafka.Writer
}

// NewKafka creates a Kafka broker for one list key and one channel.
func NewKafka(cfg KafkaConfig) *KafkaBroker {
	// Longer dial timeout for DNS resolution in Kubernetes.
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{Dial: dialer.DialFunc}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			BatchTimeout:           10 * time.Millisecond,
			WriteTimeout:           10 * time.Second,
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			Transport:              transport,
		}
	}

	b := &KafkaBroker{
		brokers:       cfg.Brokers,
		principal:     cfg.Principal,
		dialer:        dialer,
		writerList:    newWriter(ListTopic(cfg.ListKey)),
		writerChannel: newWriter(topicName(cfg.Channel)),
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicList", b.writerList.Topic).
		Str("topicChannel", b.writerChannel.Topic).
		Str("principal", cfg.Principal).
		Msg("Kafka broker initialized")
	return b
}

func (b *KafkaBroker) Name() string { return "kafka" }

// ListTopic is the topic or subject backing a list key.
func ListTopic(key string) string {
	return topicName(key) + ".log"
}

func (b *KafkaBroker) Push(ctx context.Context, key string, payload []byte) error {
	return b.write(ctx, b.writerList, ListTopic(key), payload)
}

func (b *KafkaBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.write(ctx, b.writerChannel, topicName(channel), payload)
}

func (b *KafkaBroker) write(ctx context.Context, w *kafka.Writer, topic string, payload []byte) error {
	if w.Topic != topic {
		return fmt.Errorf("kafka broker has no writer for topic %s", topic)
	}
	return w.WriteMessages(ctx, kafka.Message{
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte("fullSentence")},
			{Key: "principal", Value: []byte(b.principal)},
		},
	})
}

// Subscribe reads partition 0 of the channel topic from the latest offset
// until ctx is done. No consumer group is used, so every subscriber sees
// every message.
func (b *KafkaBroker) Subscribe(ctx context.Context, channel string, handler func([]byte)) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.brokers,
		Topic:     topicName(channel),
		Partition: 0,
		Dialer:    b.dialer,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		return fmt.Errorf("seek %s: %w", topicName(channel), err)
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		handler(msg.Value)
	}
}

// Close closes both writers.
func (b *KafkaBroker) Close() error {
	var errs []error
	if err := b.writerList.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing list writer")
		errs = append(errs, err)
	}
	if err := b.writerChannel.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing channel writer")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

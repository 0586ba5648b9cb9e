package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"realtime-stt-service/internal/models"
	"realtime-stt-service/internal/observability/metrics"
)

type fakeBroker struct {
	mu         sync.Mutex
	pushed     map[string][][]byte
	published  map[string][][]byte
	pushErr    error
	publishErr error
	closed     bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{pushed: map[string][][]byte{}, published: map[string][][]byte{}}
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) Push(_ context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed[key] = append(f.pushed[key], payload)
	return nil
}

func (f *fakeBroker) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[channel] = append(f.published[channel], payload)
	return nil
}

func (f *fakeBroker) Close() error {
	f.closed = true
	return nil
}

func testSentence() models.SentenceMessage {
	return models.NewSentence("안녕하세요", "not flagged, clean: 0.95, took 0.00s", "s1", "u1",
		1200*time.Millisecond, time.Unix(1700000000, 0))
}

func TestNew_DisabledMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{"nil config", nil},
		{"config without broker", &Config{ListKey: "stt:sentences", Channel: "stt:sentences"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(nil, tt.cfg)
			if p == nil {
				t.Fatal("expected non-nil publisher")
			}
			if p.Enabled() {
				t.Error("expected publisher to be disabled")
			}
			if err := p.PublishSentence(context.Background(), testSentence()); err != nil {
				t.Errorf("expected no error when disabled, got %v", err)
			}
			if err := p.Close(); err != nil {
				t.Errorf("expected no error closing disabled publisher, got %v", err)
			}
		})
	}
}

func TestPublisher_PushesAndPublishes(t *testing.T) {
	b := newFakeBroker()
	p := New(b, &Config{ListKey: "stt:sentences", Channel: "stt:sentences", Timeout: time.Second})

	msg := testSentence()
	if err := p.PublishSentence(context.Background(), msg); err != nil {
		t.Fatalf("PublishSentence() error = %v", err)
	}

	if len(b.pushed["stt:sentences"]) != 1 {
		t.Fatalf("expected 1 list push, got %d", len(b.pushed["stt:sentences"]))
	}
	if len(b.published["stt:sentences"]) != 1 {
		t.Fatalf("expected 1 channel publish, got %d", len(b.published["stt:sentences"]))
	}

	var got models.SentenceMessage
	if err := json.Unmarshal(b.published["stt:sentences"][0], &got); err != nil {
		t.Fatalf("published payload is not JSON: %v", err)
	}
	if got != msg {
		t.Errorf("published %+v, want %+v", got, msg)
	}
	if string(b.pushed["stt:sentences"][0]) != string(b.published["stt:sentences"][0]) {
		t.Error("pushed and published payloads differ")
	}

	if err := p.Close(); err != nil || !b.closed {
		t.Errorf("Close() = %v, broker closed = %v", err, b.closed)
	}
}

func TestPublisher_PushFailureStillPublishes(t *testing.T) {
	pushErr := errors.New("list unavailable")
	b := newFakeBroker()
	b.pushErr = pushErr
	p := New(b, &Config{ListKey: "list", Channel: "chan"})

	err := p.PublishSentence(context.Background(), testSentence())
	if !errors.Is(err, pushErr) {
		t.Fatalf("expected push error, got %v", err)
	}
	if len(b.published["chan"]) != 1 {
		t.Error("publish should still be attempted when push fails")
	}
}

func TestPublisher_BothFailuresReported(t *testing.T) {
	pushErr := errors.New("push failed")
	pubErr := errors.New("publish failed")
	b := newFakeBroker()
	b.pushErr, b.publishErr = pushErr, pubErr
	p := New(b, &Config{ListKey: "list", Channel: "chan"})

	err := p.PublishSentence(context.Background(), testSentence())
	if !errors.Is(err, pushErr) || !errors.Is(err, pubErr) {
		t.Errorf("expected both errors to be reported, got %v", err)
	}
}

func TestTopicName(t *testing.T) {
	tests := map[string]string{
		"stt:sentences": "stt.sentences",
		"plain":         "plain",
		"a b:c*":        "a_b.c_",
	}
	for in, want := range tests {
		if got := topicName(in); got != want {
			t.Errorf("topicName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := ListTopic("stt:sentences"); got != "stt.sentences.log" {
		t.Errorf("ListTopic() = %q, want stt.sentences.log", got)
	}
}

func TestKafkaBroker_RejectsUnknownTopic(t *testing.T) {
	b := NewKafka(KafkaConfig{Brokers: []string{"localhost:9092"}, ListKey: "stt:sentences", Channel: "stt:sentences"})
	defer b.Close()

	if err := b.Push(context.Background(), "other", []byte("{}")); err == nil {
		t.Error("expected error pushing to an unconfigured list")
	}
	if err := b.Publish(context.Background(), "other", []byte("{}")); err == nil {
		t.Error("expected error publishing to an unconfigured channel")
	}
}

// brokerMetrics builds unregistered broker metrics so a test can read them
// without touching the global registry.
func brokerMetrics() *metrics.Metrics {
	labels := []string{"backend", "operation"}
	return &metrics.Metrics{
		BrokerPublishTotal:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_total"}, labels),
		BrokerPublishErrors:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_errors_total"}, labels),
		BrokerPublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "publish_seconds"}, []string{"backend"}),
	}
}

func TestPublishSentence_RecordsInjectedMetrics(t *testing.T) {
	m := brokerMetrics()
	broker := newFakeBroker()
	broker.publishErr = errors.New("channel down")
	p := New(broker, &Config{ListKey: "stt:sentences", Channel: "stt:sentences", Metrics: m})

	if err := p.PublishSentence(context.Background(), testSentence()); err == nil {
		t.Fatal("expected the publish error to be returned")
	}

	if got := testutil.ToFloat64(m.BrokerPublishTotal.WithLabelValues("fake", "push")); got != 1 {
		t.Errorf("push total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BrokerPublishTotal.WithLabelValues("fake", "publish")); got != 1 {
		t.Errorf("publish total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BrokerPublishErrors.WithLabelValues("fake", "push")); got != 0 {
		t.Errorf("push errors = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.BrokerPublishErrors.WithLabelValues("fake", "publish")); got != 1 {
		t.Errorf("publish errors = %v, want 1", got)
	}
}

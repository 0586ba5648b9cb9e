package app

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/samber/do/v2"

	"realtime-stt-service/internal/config"
	"realtime-stt-service/internal/events"
	"realtime-stt-service/internal/service/relay"
	"realtime-stt-service/internal/service/session"
	"realtime-stt-service/internal/viewer"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Service: config.ServiceConfig{Env: "test", Principal: "svc-test", HTTPPort: "0", GRPCPort: "0"},
		STT: config.STTConfig{
			Provider:               "mock",
			Language:               "ko-KR",
			SampleRateHz:           16000,
			MockUtteranceDuration:  time.Second,
			MaxConsecutiveFailures: 3,
		},
		Classifier:    config.ClassifierConfig{Provider: "lexicon", Timeout: time.Second},
		Broker:        config.BrokerConfig{Backend: "none", Channel: "stt:sentences", ListKey: "stt:sentences", PublishTimeout: time.Second},
		Storage:       config.StorageConfig{AudioDir: filepath.Join(dir, "audio")},
		Journal:       config.JournalConfig{Driver: "sqlite", DSN: filepath.Join(dir, "journal.db")},
		Relay:         config.RelayConfig{BackendURL: "ws://127.0.0.1:1/ws/stt"},
		Observability: config.ObservabilityConfig{LogLevel: "error", LogFormat: "json", MetricsAddr: "127.0.0.1:0"},
	}
}

func TestDI_ServeGraph(t *testing.T) {
	a := New(testConfig(t))
	defer a.Shutdown()

	if _, err := do.Invoke[*session.Handler](a.Injector); err != nil {
		t.Fatalf("session handler: %v", err)
	}
	if _, err := do.Invoke[*relay.Handler](a.Injector); err != nil {
		t.Fatalf("relay handler: %v", err)
	}

	pub := do.MustInvoke[*events.Publisher](a.Injector)
	if pub.Enabled() {
		t.Error("publisher should be log-only with BROKER_BACKEND=none")
	}
}

func TestDI_ClassifierDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Classifier.Provider = "none"
	a := New(cfg)
	defer a.Shutdown()

	if _, err := do.Invoke[*session.Handler](a.Injector); err != nil {
		t.Fatalf("session handler without classifier: %v", err)
	}
}

func TestDI_SubscriberNeedsBroker(t *testing.T) {
	a := New(testConfig(t))
	defer a.Shutdown()

	if _, err := do.Invoke[events.Subscriber](a.Injector); err == nil {
		t.Error("expected subscriber error with BROKER_BACKEND=none")
	}
	if _, err := do.Invoke[*viewer.Viewer](a.Injector); err == nil {
		t.Error("expected viewer error with BROKER_BACKEND=none")
	}
}

func TestDI_RedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t)
	cfg.Broker.Backend = "redis"
	cfg.Broker.RedisHost = mr.Host()
	cfg.Broker.RedisPort = port
	a := New(cfg)
	defer a.Shutdown()

	if !do.MustInvoke[*events.Publisher](a.Injector).Enabled() {
		t.Error("publisher should be enabled with redis")
	}
	if _, err := do.Invoke[*viewer.Viewer](a.Injector); err != nil {
		t.Fatalf("viewer: %v", err)
	}
}

func TestApplication_ServeHTTP(t *testing.T) {
	a := New(testConfig(t))
	ctx, cancel := context.WithCancel(context.Background())

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Shutdown()

	done := make(chan error, 1)
	go func() {
		done <- a.ServeHTTP(ctx, "127.0.0.1:0", nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !a.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("server never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ServeHTTP: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeHTTP did not return after cancel")
	}
	if a.Ready() {
		t.Error("still ready after shutdown")
	}
}

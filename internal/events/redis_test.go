package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisBroker) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return mr, b
}

func TestRedisBroker_PushUsesLPUSH(t *testing.T) {
	mr, b := newTestRedis(t)
	ctx := context.Background()

	if err := b.Push(ctx, "stt:sentences", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := b.Push(ctx, "stt:sentences", []byte(`{"n":2}`)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	list, err := mr.List("stt:sentences")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0] != `{"n":2}` || list[1] != `{"n":1}` {
		t.Errorf("list = %v, want newest first", list)
	}
}

func TestRedisBroker_SubscribeReceivesPublish(t *testing.T) {
	_, b := newTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, "stt:sentences", func(p []byte) {
			select {
			case got <- string(p):
			default:
			}
		})
	}()

	// Publish until the subscriber is attached.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case p := <-got:
			if p != `{"text":"hi"}` {
				t.Errorf("received %s", p)
			}
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Subscribe() error = %v", err)
			}
			return
		case <-tick.C:
			if err := b.Publish(context.Background(), "stt:sentences", []byte(`{"text":"hi"}`)); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for published message")
		}
	}
}

func TestNewRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedis(ctx, RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("expected error connecting to a closed port")
	}
}

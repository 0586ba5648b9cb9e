package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"realtime-stt-service/internal/models"
	"realtime-stt-service/internal/protocol"
	"realtime-stt-service/internal/service/stt"
)

// fakeConn records outbound messages.
type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	closed   bool
	got      chan []byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{got: make(chan []byte, 64)}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.messages = append(c.messages, data)
	c.got <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type result struct {
	utt stt.Utterance
	err error
}

// scriptedEngine returns queued results from Text and counts fed bytes.
type scriptedEngine struct {
	results chan result
	done    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	fed int
}

func newScriptedEngine() *scriptedEngine {
	return &scriptedEngine{results: make(chan result, 16), done: make(chan struct{})}
}

func (e *scriptedEngine) Feed(b []byte) error {
	e.mu.Lock()
	e.fed += len(b)
	e.mu.Unlock()
	return nil
}

func (e *scriptedEngine) Fed() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fed
}

func (e *scriptedEngine) Text(ctx context.Context) (stt.Utterance, error) {
	select {
	case r := <-e.results:
		return r.utt, r.err
	case <-e.done:
		return stt.Utterance{}, stt.ErrStopped
	case <-ctx.Done():
		return stt.Utterance{}, ctx.Err()
	}
}

func (e *scriptedEngine) Stop() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

func (e *scriptedEngine) Shutdown() error { return e.Stop() }

type scriptedFactory struct {
	engine *scriptedEngine
	gate   chan struct{}
}

func (f *scriptedFactory) Name() string { return "scripted" }

func (f *scriptedFactory) NewEngine(context.Context, stt.Config) (stt.Engine, error) {
	if f.gate != nil {
		<-f.gate
	}
	return f.engine, nil
}

func frame(t *testing.T, meta protocol.Metadata, samples int) []byte {
	t.Helper()
	msg, err := protocol.Encode(meta, make([]byte, samples*2))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return msg
}

func waitMessage(t *testing.T, conn *fakeConn, wantType string) []byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.got:
			var head struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &head); err != nil {
				t.Fatalf("invalid json %q: %v", data, err)
			}
			if head.Type == wantType {
				return data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q message", wantType)
			return nil
		}
	}
}

func connect(t *testing.T, deps Deps, conn *fakeConn) *Coordinator {
	t.Helper()
	c := NewCoordinator(deps, conn, "test")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.OnConnect(ctx); err != nil {
		t.Fatalf("OnConnect() error = %v", err)
	}
	t.Cleanup(c.OnDisconnect)
	return c
}

func TestCoordinator_DropsFramesBeforeReady(t *testing.T) {
	engine := newScriptedEngine()
	gate := make(chan struct{})
	c := NewCoordinator(Deps{Factory: &scriptedFactory{engine: engine, gate: gate}}, newFakeConn(), "test")
	defer c.OnDisconnect()

	c.Start()
	meta := protocol.Metadata{SessionID: "early", UserID: "u0", SampleRate: 16000}
	c.OnFrame(frame(t, meta, 160))
	c.OnFrame(frame(t, meta, 160))

	close(gate)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	if fed := engine.Fed(); fed != 0 {
		t.Fatalf("expected no audio before readiness, engine got %d bytes", fed)
	}
	if _, _, ok := c.Identity(); ok {
		t.Error("dropped frames must not latch identity")
	}

	c.OnFrame(frame(t, protocol.Metadata{SessionID: "s1", UserID: "u1", SampleRate: 16000}, 160))
	if fed := engine.Fed(); fed != 320 {
		t.Errorf("expected exactly one frame fed (320 bytes), got %d", fed)
	}
	if sid, _, _ := c.Identity(); sid != "s1" {
		t.Errorf("expected identity from first fed frame, got %q", sid)
	}
}

func TestCoordinator_IdentityFirstWriterWins(t *testing.T) {
	c := connect(t, Deps{Factory: &scriptedFactory{engine: newScriptedEngine()}}, newFakeConn())

	c.OnFrame(frame(t, protocol.Metadata{SessionID: "s1", UserID: "u1", SampleRate: 16000}, 10))
	c.OnFrame(frame(t, protocol.Metadata{SessionID: "s2", UserID: "u2", SampleRate: 16000}, 10))

	sid, uid, ok := c.Identity()
	if !ok || sid != "s1" || uid != "u1" {
		t.Errorf("Identity() = %q, %q, %v; want s1, u1, true", sid, uid, ok)
	}
}

func TestCoordinator_IdentityDefaults(t *testing.T) {
	c := connect(t, Deps{Factory: &scriptedFactory{engine: newScriptedEngine()}}, newFakeConn())

	c.OnFrame(frame(t, protocol.Metadata{SampleRate: 16000}, 10))

	sid, uid, ok := c.Identity()
	if !ok || sid != UnknownSession || uid != UnknownUser {
		t.Errorf("Identity() = %q, %q, %v; want sentinels", sid, uid, ok)
	}
}

func TestCoordinator_MalformedFrameKeepsSession(t *testing.T) {
	engine := newScriptedEngine()
	conn := newFakeConn()
	c := connect(t, Deps{Factory: &scriptedFactory{engine: engine}}, conn)

	c.OnFrame([]byte{0xff, 0xff, 0xff, 0x7f, '{'})
	c.OnFrame([]byte{1})

	if _, _, ok := c.Identity(); ok {
		t.Error("malformed frames must not latch identity")
	}
	if conn.isClosed() {
		t.Error("connection closed after malformed frame")
	}

	// Odd-length payload cannot be resampled and is forwarded as-is.
	msg := protocol.EncodeRaw([]byte(`{"sampleRate":48000}`), []byte{1, 2, 3})
	c.OnFrame(msg)
	if fed := engine.Fed(); fed != 3 {
		t.Errorf("expected unresampled passthrough of 3 bytes, got %d", fed)
	}
}

func TestCoordinator_SendsPartialsAndFinals(t *testing.T) {
	engine := newScriptedEngine()
	conn := newFakeConn()
	c := connect(t, Deps{Factory: &scriptedFactory{engine: engine}}, conn)

	c.OnFrame(frame(t, protocol.Metadata{SessionID: "s1", UserID: "u1", SampleRate: 16000}, 10))
	c.OnPartial("hel")
	engine.results <- result{utt: stt.Utterance{Text: "hello"}}

	var partial models.RealtimeMessage
	if err := json.Unmarshal(waitMessage(t, conn, models.TypeRealtime), &partial); err != nil {
		t.Fatal(err)
	}
	if partial.Text != "hel" {
		t.Errorf("unexpected partial %+v", partial)
	}

	var final models.SentenceMessage
	if err := json.Unmarshal(waitMessage(t, conn, models.TypeFullSentence), &final); err != nil {
		t.Fatal(err)
	}
	if final.Text != "hello" || final.SessionID != "s1" || final.UserID != "u1" {
		t.Errorf("unexpected final %+v", final)
	}
	if final.Timestamp <= 0 || final.STTLatency < 0 {
		t.Errorf("unexpected timing fields %+v", final)
	}
}

func TestCoordinator_SingleEngineFailureKeepsSession(t *testing.T) {
	engine := newScriptedEngine()
	conn := newFakeConn()
	c := connect(t, Deps{Factory: &scriptedFactory{engine: engine}, MaxConsecutiveFailures: 3}, conn)
	c.OnFrame(frame(t, protocol.Metadata{SessionID: "s1", UserID: "u1", SampleRate: 16000}, 10))

	engine.results <- result{err: errors.New("decoder hiccup")}
	engine.results <- result{utt: stt.Utterance{Text: "still here"}}

	var final models.SentenceMessage
	if err := json.Unmarshal(waitMessage(t, conn, models.TypeFullSentence), &final); err != nil {
		t.Fatal(err)
	}
	if final.Text != "still here" {
		t.Errorf("unexpected final %q", final.Text)
	}
	if conn.isClosed() {
		t.Error("a single engine failure must not close the connection")
	}
}

func TestCoordinator_RepeatedFailuresCloseConnection(t *testing.T) {
	engine := newScriptedEngine()
	conn := newFakeConn()
	connect(t, Deps{Factory: &scriptedFactory{engine: engine}, MaxConsecutiveFailures: 3}, conn)

	for i := 0; i < 3; i++ {
		engine.results <- result{err: errors.New("broken")}
	}

	deadline := time.Now().Add(2 * time.Second)
	for !conn.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("connection not closed after repeated failures")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinator_DisconnectIsIdempotent(t *testing.T) {
	conn := newFakeConn()
	c := connect(t, Deps{Factory: &scriptedFactory{engine: newScriptedEngine()}}, conn)

	c.OnDisconnect()
	c.OnDisconnect()

	if !conn.isClosed() {
		t.Error("expected connection closed")
	}
	// Late events from the engine side are discarded.
	c.OnPartial("late")
	select {
	case data := <-conn.got:
		t.Errorf("unexpected message after disconnect: %s", data)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCoordinator_DisconnectWithoutConnect(t *testing.T) {
	conn := newFakeConn()
	c := NewCoordinator(Deps{Factory: &scriptedFactory{engine: newScriptedEngine()}}, conn, "test")
	c.OnDisconnect()
	if !conn.isClosed() {
		t.Error("expected connection closed")
	}
}

// Package session runs one streaming transcription session per client
// connection: frame decoding, resampling, the transcription worker and the
// fan-out of finalized sentences to the client, broker, disk and journal.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"realtime-stt-service/internal/audio/pcm"
	"realtime-stt-service/internal/audio/wavstore"
	"realtime-stt-service/internal/events"
	"realtime-stt-service/internal/journal"
	"realtime-stt-service/internal/models"
	"realtime-stt-service/internal/observability/logging"
	"realtime-stt-service/internal/observability/metrics"
	"realtime-stt-service/internal/observability/tracing"
	"realtime-stt-service/internal/protocol"
	"realtime-stt-service/internal/schema"
	"realtime-stt-service/internal/service/stt"
	"realtime-stt-service/internal/service/worker"
)

// Identity placeholders used when the first frame omits them.
const (
	UnknownSession = "unknown_session"
	UnknownUser    = "unknown_user"
)

// Conn is the client connection. Only the dispatcher writes to it.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Deps are the process-wide collaborators shared by all sessions. Annotator,
// Publisher, Store and Journal are optional.
type Deps struct {
	Factory      stt.Factory
	EngineConfig stt.Config

	Annotator worker.Annotator
	Publisher *events.Publisher
	Store     *wavstore.Store
	Journal   journal.Journal

	MaxConsecutiveFailures int
	PublishTimeout         time.Duration
	Metrics                *metrics.Metrics
}

// Coordinator owns one live session.
type Coordinator struct {
	deps      Deps
	conn      Conn
	validator *schema.Validator
	metrics   *metrics.Metrics
	log       zerolog.Logger

	running atomic.Bool
	failed  atomic.Bool
	worker  *worker.Worker

	// Task queue drained by the dispatcher goroutine.
	taskMu      sync.Mutex
	taskCond    *sync.Cond
	tasks       []func()
	tasksClosed bool
	dispatched  chan struct{}

	idMu       sync.RWMutex
	sessionID  string
	userID     string
	identified bool

	span       trace.Span
	startedAt  time.Time
	connectMu  sync.Mutex
	connected  bool
	disconnect sync.Once
}

// NewCoordinator creates a coordinator for conn. Call OnConnect next.
func NewCoordinator(deps Deps, conn Conn, remoteAddr string) *Coordinator {
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.PublishTimeout <= 0 {
		deps.PublishTimeout = 3 * time.Second
	}

	c := &Coordinator{
		deps:       deps,
		conn:       conn,
		validator:  schema.New(),
		metrics:    deps.Metrics,
		log:        logging.WithConnection("session", remoteAddr),
		dispatched: make(chan struct{}),
		sessionID:  UnknownSession,
		userID:     UnknownUser,
	}
	c.taskCond = sync.NewCond(&c.taskMu)
	return c
}

// OnConnect starts the session and blocks until the engine is ready or
// ctx ends.
func (c *Coordinator) OnConnect(ctx context.Context) error {
	c.Start()
	return c.WaitReady(ctx)
}

// Start launches the dispatcher and the worker without waiting for the
// engine. Frames arriving before readiness are dropped.
func (c *Coordinator) Start() {
	c.connectMu.Lock()
	c.connected = true
	c.startedAt = time.Now()
	_, c.span = tracing.Tracer().Start(context.Background(), "stt.session")
	c.connectMu.Unlock()

	c.metrics.RecordSessionStart()
	c.running.Store(true)
	go c.dispatch()

	engineCfg := c.deps.EngineConfig
	if engineCfg.SampleRate <= 0 {
		engineCfg.SampleRate = pcm.TargetRate
	}

	c.worker = worker.New(worker.Config{
		Factory:                c.deps.Factory,
		Engine:                 engineCfg,
		Annotator:              c.deps.Annotator,
		MaxConsecutiveFailures: c.deps.MaxConsecutiveFailures,
		OnFatal:                c.onFatal,
		Running:                &c.running,
		Metrics:                c.metrics,
	}, c)
	c.worker.Start()
}

// WaitReady blocks until the engine accepts audio.
func (c *Coordinator) WaitReady(ctx context.Context) error {
	if err := c.worker.WaitReady(ctx); err != nil {
		c.failed.Store(true)
		return fmt.Errorf("transcription worker: %w", err)
	}
	c.logger().Info().Str("sttProvider", c.deps.Factory.Name()).Msg("Session ready")
	return nil
}

// OnFrame handles one inbound binary frame. Every error is contained to
// the frame.
func (c *Coordinator) OnFrame(msg []byte) {
	if c.worker == nil || !c.worker.Ready() {
		c.metrics.RecordFrameDropped("not_ready")
		c.logger().Debug().Int("bytes", len(msg)).Msg("Frame dropped before readiness")
		return
	}

	meta, payload, err := protocol.Decode(msg)
	if err != nil {
		c.metrics.RecordFrameDropped("malformed")
		c.logger().Warn().Err(err).Int("bytes", len(msg)).Msg("Dropping malformed frame")
		return
	}
	c.latchIdentity(meta)
	c.metrics.RecordFrame(len(payload))

	audio, err := pcm.Resample(payload, meta.SampleRate, pcm.TargetRate)
	if err != nil {
		c.metrics.RecordResampleFallback()
		c.logger().Warn().
			Err(err).
			Int("sampleRate", meta.SampleRate).
			Msg("Resample failed, forwarding audio unresampled")
		audio = payload
	}

	if err := c.worker.Feed(audio); err != nil {
		c.metrics.RecordFrameDropped("feed")
		c.logger().Warn().Err(err).Msg("Engine rejected audio")
	}
}

// latchIdentity records the identity of the first decoded frame.
func (c *Coordinator) latchIdentity(meta protocol.Metadata) {
	c.idMu.Lock()
	if c.identified {
		c.idMu.Unlock()
		return
	}
	c.identified = true
	if meta.SessionID != "" {
		c.sessionID = meta.SessionID
	}
	if meta.UserID != "" {
		c.userID = meta.UserID
	}
	sid, uid := c.sessionID, c.userID
	c.idMu.Unlock()

	c.idMu.Lock()
	c.log = logging.WithSession(sid, uid)
	c.idMu.Unlock()
	c.span.SetAttributes(tracing.SessionAttrs(sid, uid)...)
	c.logger().Info().Int("sampleRate", meta.SampleRate).Msg("Session identity established")

	if c.deps.Journal != nil {
		at := time.Now()
		c.schedule(func() {
			if err := c.deps.Journal.OpenSession(context.Background(), sid, uid, at); err != nil {
				c.logger().Warn().Err(err).Msg("Journal open failed")
			}
		})
	}
}

func (c *Coordinator) logger() *zerolog.Logger {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	l := c.log
	return &l
}

// Identity returns the latched session and user IDs and whether a frame
// has been decoded yet.
func (c *Coordinator) Identity() (sessionID, userID string, ok bool) {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.sessionID, c.userID, c.identified
}

// OnPartial implements worker.Sink. Runs on the engine's callback context.
func (c *Coordinator) OnPartial(text string) {
	c.schedule(func() {
		c.metrics.RecordPartialTranscript()
		msg := models.NewRealtime(text)
		if err := c.validator.ValidateRealtime(msg); err != nil {
			c.logger().Warn().Err(err).Msg("Invalid realtime message")
			return
		}
		c.send(msg)
	})
}

// OnFinal implements worker.Sink. Runs on the worker goroutine.
func (c *Coordinator) OnFinal(ev worker.Final) {
	c.schedule(func() { c.handleFinal(ev) })
}

func (c *Coordinator) handleFinal(ev worker.Final) {
	sid, uid, _ := c.Identity()
	msg := models.NewSentence(ev.Text, ev.Label, sid, uid, ev.Latency, ev.At)
	if err := c.validator.Validate(msg); err != nil {
		c.logger().Warn().Err(err).Msg("Invalid sentence message")
		return
	}

	c.logger().Info().
		Str("text", msg.Text).
		Str("label", msg.Label).
		Float64("sttLatency", msg.STTLatency).
		Msg("Sentence finalized")

	c.send(msg)

	if c.deps.Publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.deps.PublishTimeout)
		// Errors are logged and counted by the publisher.
		c.deps.Publisher.PublishSentence(ctx, msg)
		cancel()
	}

	if c.deps.Store != nil && len(ev.Audio) > 0 {
		path, err := c.deps.Store.WriteChunk(sid, uid, ev.Audio)
		c.metrics.RecordAudioWrite("chunk", err)
		if err != nil {
			c.logger().Error().Err(err).Msg("Failed to save audio chunk")
		} else {
			c.logger().Debug().Str("path", path).Int("samples", len(ev.Audio)).Msg("Audio chunk saved")
		}
	}

	if c.deps.Journal != nil {
		if err := c.deps.Journal.AppendSentence(context.Background(), msg); err != nil {
			c.logger().Warn().Err(err).Msg("Journal append failed")
		}
	}
}

// send writes one JSON text message. Only called from the dispatcher.
func (c *Coordinator) send(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger().Error().Err(err).Msg("Failed to encode message")
		return
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger().Debug().Err(err).Msg("Client send failed")
	}
}

func (c *Coordinator) onFatal(err error) {
	c.failed.Store(true)
	c.logger().Error().Err(err).Msg("Transcription worker failed, closing connection")
	c.conn.Close()
}

// schedule queues task for the dispatcher. Tasks scheduled after the
// dispatcher drained are discarded.
func (c *Coordinator) schedule(task func()) bool {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	if c.tasksClosed {
		return false
	}
	c.tasks = append(c.tasks, task)
	c.taskCond.Signal()
	return true
}

// dispatch runs queued tasks in order until the queue is closed and empty.
func (c *Coordinator) dispatch() {
	defer close(c.dispatched)
	for {
		c.taskMu.Lock()
		for len(c.tasks) == 0 && !c.tasksClosed {
			c.taskCond.Wait()
		}
		if len(c.tasks) == 0 {
			c.taskMu.Unlock()
			return
		}
		task := c.tasks[0]
		c.tasks[0] = nil
		c.tasks = c.tasks[1:]
		c.taskMu.Unlock()

		c.runTask(task)
	}
}

func (c *Coordinator) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger().Error().Interface("panic", r).Msg("Session task panicked")
		}
	}()
	task()
}

func (c *Coordinator) drain() {
	c.taskMu.Lock()
	c.tasksClosed = true
	c.taskCond.Broadcast()
	c.taskMu.Unlock()
	<-c.dispatched
}

// OnDisconnect tears the session down: worker, dispatcher, audio merge,
// journal and connection, in that order. Safe to call more than once.
func (c *Coordinator) OnDisconnect() {
	c.disconnect.Do(func() {
		c.connectMu.Lock()
		connected := c.connected
		c.connectMu.Unlock()

		c.running.Store(false)
		if c.worker != nil {
			c.worker.Stop()
		}
		if connected {
			c.drain()
		}

		sid, _, identified := c.Identity()
		chunks, merged := 0, ""
		if identified && c.deps.Store != nil {
			chunks, merged = c.mergeAudio(sid)
		}

		if identified && c.deps.Journal != nil {
			err := c.deps.Journal.CloseSession(context.Background(), journal.SessionSummary{
				SessionID:  sid,
				EndedAt:    time.Now(),
				Chunks:     chunks,
				MergedPath: merged,
			})
			if err != nil {
				c.logger().Warn().Err(err).Msg("Journal close failed")
			}
		}

		if err := c.conn.Close(); err != nil {
			c.logger().Debug().Err(err).Msg("Connection close returned error")
		}

		if connected {
			c.span.End()
			c.metrics.RecordSessionEnd(c.failed.Load(), time.Since(c.startedAt).Seconds())
		}
		c.logger().Info().Int("chunks", chunks).Bool("failed", c.failed.Load()).Msg("Session closed")
	})
}

func (c *Coordinator) mergeAudio(sessionID string) (int, string) {
	path, n, err := c.deps.Store.Merge(sessionID)
	if errors.Is(err, wavstore.ErrNoChunks) {
		c.logger().Warn().Msg("No audio chunks to merge")
		return 0, ""
	}
	c.metrics.RecordAudioWrite("merge", err)
	if err != nil {
		c.logger().Error().Err(err).Msg("Audio merge failed, chunk files left in place")
		return 0, ""
	}
	c.logger().Info().Str("path", path).Int("chunks", n).Msg("Session audio merged")
	return n, path
}

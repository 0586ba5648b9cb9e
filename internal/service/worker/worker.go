// Package worker runs the blocking transcription loop for one session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"realtime-stt-service/internal/observability/logging"
	"realtime-stt-service/internal/observability/metrics"
	"realtime-stt-service/internal/observability/tracing"
	"realtime-stt-service/internal/service/stt"
)

// ErrNotReady is returned by Feed before the engine is ready.
var ErrNotReady = errors.New("worker not ready")

// Final is a finalized, annotated utterance.
type Final struct {
	Text    string
	Label   string
	Latency time.Duration
	Audio   []int16
	At      time.Time
}

// Sink receives worker events. Calls come from the worker goroutine and the
// engine's callback context; implementations must not block.
type Sink interface {
	OnPartial(text string)
	OnFinal(ev Final)
}

// Annotator labels finalized text. It is called synchronously in the loop.
type Annotator interface {
	Annotate(ctx context.Context, text string) string
}

// Config configures a worker.
type Config struct {
	Factory stt.Factory
	Engine  stt.Config
	// Annotator may be nil; finals then carry an empty label.
	Annotator Annotator
	// MaxConsecutiveFailures ends the session after that many failed
	// iterations in a row. Zero means 3.
	MaxConsecutiveFailures int
	// OnFatal is invoked once when the failure budget is exhausted.
	OnFatal func(err error)
	// Running is owned by the session and read between utterances. Nil
	// gives the worker its own flag.
	Running *atomic.Bool
	Metrics *metrics.Metrics
}

// Worker owns one engine and the goroutine blocked on it.
type Worker struct {
	cfg     Config
	sink    Sink
	lc      *Lifecycle
	running *atomic.Bool
	metrics *metrics.Metrics
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	engine   stt.Engine
	started  bool
	startErr error

	ready     chan struct{}
	readyFlag atomic.Bool
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a worker in STARTING state. Call Start to build the engine.
func New(cfg Config, sink Sink) *Worker {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultMetrics
	}
	running := cfg.Running
	if running == nil {
		running = &atomic.Bool{}
		running.Store(true)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:     cfg,
		sink:    sink,
		lc:      NewLifecycle(),
		running: running,
		metrics: cfg.Metrics,
		log:     logging.WithEngine(cfg.Engine.SessionID, cfg.Factory.Name()),
		ctx:     ctx,
		cancel:  cancel,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start builds the engine and runs the finalization loop on a dedicated
// goroutine. Readiness is signalled exactly once.
func (w *Worker) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)

	engineCfg := w.cfg.Engine
	engineCfg.OnRealtime = w.onRealtime

	engine, err := w.cfg.Factory.NewEngine(w.ctx, engineCfg)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to start STT engine")
		w.metrics.RecordSTTError(w.cfg.Factory.Name(), "start")
		w.mu.Lock()
		w.startErr = fmt.Errorf("start engine: %w", err)
		w.mu.Unlock()
		w.lc.Transition(StateStopped)
		return
	}

	w.mu.Lock()
	if w.lc.State() != StateStarting {
		// Stop raced with engine construction.
		w.mu.Unlock()
		engine.Stop()
		engine.Shutdown()
		return
	}
	w.engine = engine
	w.lc.Transition(StateReady)
	w.mu.Unlock()

	w.readyFlag.Store(true)
	close(w.ready)
	w.log.Info().Msg("STT engine ready")

	if err := w.lc.Transition(StateRunning); err != nil {
		return
	}
	w.loop(engine)
}

func (w *Worker) loop(engine stt.Engine) {
	provider := w.cfg.Factory.Name()
	failures := 0

	for w.running.Load() {
		start := time.Now()
		utt, err := engine.Text(w.ctx)
		at := time.Now()
		latency := at.Sub(start)

		if !w.running.Load() || errors.Is(err, stt.ErrStopped) || w.ctx.Err() != nil {
			return
		}

		if err == nil {
			if strings.TrimSpace(utt.Text) == "" {
				failures = 0
				continue
			}
			err = w.finalize(utt, latency, at)
		} else {
			w.metrics.RecordSTTError(provider, "text")
		}

		if err != nil {
			failures++
			w.log.Error().
				Err(err).
				Int("consecutiveFailures", failures).
				Msg("Transcription loop iteration failed")
			if failures >= w.cfg.MaxConsecutiveFailures {
				w.log.Error().Int("failures", failures).Msg("Failure budget exhausted, ending session")
				if w.cfg.OnFatal != nil {
					w.cfg.OnFatal(fmt.Errorf("%d consecutive failures: %w", failures, err))
				}
				return
			}
			continue
		}
		failures = 0
		w.metrics.RecordFinalTranscript(provider, latency.Seconds())
	}
}

// finalize annotates an utterance and hands it to the sink. at is when the
// engine returned it. Panics are converted to errors so one bad utterance
// never ends the loop.
func (w *Worker) finalize(utt stt.Utterance, latency time.Duration, at time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.metrics.RecordSTTError(w.cfg.Factory.Name(), "delivery")
			err = fmt.Errorf("panic delivering utterance: %v", r)
		}
	}()

	ctx, span := tracing.Tracer().Start(w.ctx, "stt.utterance")
	defer span.End()
	span.SetAttributes(
		attribute.Int("stt.text_length", len(utt.Text)),
		attribute.Float64("stt.latency_seconds", latency.Seconds()),
		attribute.Int("stt.audio_samples", len(utt.Audio)),
	)

	label := ""
	if w.cfg.Annotator != nil {
		label = w.cfg.Annotator.Annotate(ctx, utt.Text)
	}

	w.sink.OnFinal(Final{
		Text:    utt.Text,
		Label:   label,
		Latency: latency,
		Audio:   utt.Audio,
		At:      at,
	})
	return nil
}

func (w *Worker) onRealtime(text string) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Msg("Partial delivery panicked")
		}
	}()
	w.sink.OnPartial(text)
}

// WaitReady blocks until the engine is ready, construction failed, or ctx ends.
func (w *Worker) WaitReady(ctx context.Context) error {
	select {
	case <-w.ready:
		return nil
	case <-w.done:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.startErr != nil {
			return w.startErr
		}
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the engine accepts audio.
func (w *Worker) Ready() bool {
	return w.readyFlag.Load() && w.lc.CanFeed()
}

// Feed hands resampled audio to the engine.
func (w *Worker) Feed(pcm []byte) error {
	if !w.Ready() {
		return ErrNotReady
	}
	return w.engine.Feed(pcm)
}

// State returns the lifecycle state.
func (w *Worker) State() State {
	return w.lc.State()
}

// Stop forces the engine to stop, waits for the loop to exit and releases
// the engine. The session flips Running before calling Stop.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		started := w.started
		w.lc.Transition(StateStopping)
		engine := w.engine
		w.mu.Unlock()

		if engine != nil {
			if err := engine.Stop(); err != nil {
				w.log.Warn().Err(err).Msg("Engine stop returned error")
			}
			if err := engine.Shutdown(); err != nil {
				w.log.Warn().Err(err).Msg("Engine shutdown returned error")
			}
		}
		w.cancel()

		if started {
			<-w.done
		}
		w.lc.Transition(StateStopped)
		w.log.Info().Msg("STT worker stopped")
	})
}

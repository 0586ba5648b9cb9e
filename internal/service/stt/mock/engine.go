// Package mock provides a scripted STT engine for local runs and tests
// without cloud credentials. It emits one partial per fed chunk and
// finalizes an utterance each time a fixed duration of audio has been fed.
package mock

import (
	"context"
	"sync"
	"time"

	"realtime-stt-service/internal/audio/pcm"
	"realtime-stt-service/internal/service/stt"
)

// SimulatedUtterance represents a mock utterance with progressive transcripts.
type SimulatedUtterance struct {
	Partials []string
	Final    string
}

// DefaultUtterances provides sample utterances for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{
		Partials: []string{"안녕", "안녕하세요"},
		Final:    "안녕하세요 반갑습니다",
	},
	{
		Partials: []string{"오늘", "오늘 날씨가", "오늘 날씨가 정말"},
		Final:    "오늘 날씨가 정말 좋네요",
	},
	{
		Partials: []string{"회의는", "회의는 몇 시에"},
		Final:    "회의는 몇 시에 시작하나요",
	},
	{
		Partials: []string{"감사합니다"},
		Final:    "도와주셔서 감사합니다",
	},
}

// utteranceCounter spreads new engines across the script.
var (
	utteranceCounter int
	counterMu        sync.Mutex
)

// Factory creates mock engines.
type Factory struct {
	UtteranceLength time.Duration
	Utterances      []SimulatedUtterance
}

// NewFactory returns a factory finalizing one utterance per utteranceLength of audio.
func NewFactory(utteranceLength time.Duration) *Factory {
	return &Factory{UtteranceLength: utteranceLength, Utterances: DefaultUtterances}
}

func (f *Factory) Name() string { return "mock" }

func (f *Factory) NewEngine(_ context.Context, cfg stt.Config) (stt.Engine, error) {
	return New(cfg, f.UtteranceLength, f.Utterances), nil
}

// Engine implements stt.Engine with scripted transcripts.
type Engine struct {
	cfg        stt.Config
	script     []SimulatedUtterance
	perUtt     int
	onRealtime func(string)

	mu         sync.Mutex
	buf        []int16
	current    int
	partialIdx int
	queue      []stt.Utterance
	stopped    bool

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a mock engine. utteranceLength of audio at cfg.SampleRate
// makes one utterance.
func New(cfg stt.Config, utteranceLength time.Duration, script []SimulatedUtterance) *Engine {
	if len(script) == 0 {
		script = DefaultUtterances
	}
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = pcm.TargetRate
	}
	perUtt := int(utteranceLength.Seconds() * float64(rate))
	if perUtt <= 0 {
		perUtt = rate
	}

	counterMu.Lock()
	start := utteranceCounter % len(script)
	utteranceCounter++
	counterMu.Unlock()

	onRealtime := cfg.OnRealtime
	if onRealtime == nil {
		onRealtime = func(string) {}
	}

	return &Engine{
		cfg:        cfg,
		script:     script,
		perUtt:     perUtt,
		onRealtime: onRealtime,
		current:    start,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Feed buffers audio, emits the next partial of the current utterance and
// finalizes every complete utterance-length of buffered audio.
func (e *Engine) Feed(b []byte) error {
	samples, err := pcm.Samples(b)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return stt.ErrStopped
	}

	e.buf = append(e.buf, samples...)

	var partial string
	utt := e.script[e.current]
	if e.partialIdx < len(utt.Partials) {
		partial = utt.Partials[e.partialIdx]
		e.partialIdx++
	}

	finalized := false
	for len(e.buf) >= e.perUtt {
		audio := make([]int16, e.perUtt)
		copy(audio, e.buf[:e.perUtt])
		e.buf = append(e.buf[:0], e.buf[e.perUtt:]...)

		e.queue = append(e.queue, stt.Utterance{Text: e.script[e.current].Final, Audio: audio})
		e.current = (e.current + 1) % len(e.script)
		e.partialIdx = 0
		finalized = true
	}
	e.mu.Unlock()

	if partial != "" {
		e.onRealtime(partial)
	}
	if finalized {
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Text returns queued utterances first, then blocks until one is
// finalized, the engine stops, or ctx is done.
func (e *Engine) Text(ctx context.Context) (stt.Utterance, error) {
	for {
		e.mu.Lock()
		if len(e.queue) > 0 {
			u := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()
			return u, nil
		}
		stopped := e.stopped
		e.mu.Unlock()

		if stopped {
			return stt.Utterance{}, stt.ErrStopped
		}

		select {
		case <-e.wake:
		case <-e.done:
		case <-ctx.Done():
			return stt.Utterance{}, ctx.Err()
		}
	}
}

// Stop ends recognition; pending and future Text calls return ErrStopped
// once the queue is empty.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.done)
	})
	return nil
}

// Shutdown stops the engine and drops buffered audio.
func (e *Engine) Shutdown() error {
	e.Stop()
	e.mu.Lock()
	e.buf = nil
	e.queue = nil
	e.mu.Unlock()
	return nil
}

// Buffered returns the number of samples not yet finalized.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.buf)
}

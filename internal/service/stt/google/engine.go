// Package google provides a Google Cloud Speech-to-Text streaming engine.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"realtime-stt-service/internal/audio/pcm"
	"realtime-stt-service/internal/observability/logging"
	"realtime-stt-service/internal/service/stt"
)

// Config holds provider-level recognition settings.
type Config struct {
	LanguageCode   string
	SampleRateHz   int
	InterimResults bool
	AudioEncoding  string
	Model          string
}

// DefaultConfig returns the recognition settings used for 16 kHz PCM input.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "ko-KR",
		SampleRateHz:   pcm.TargetRate,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

type streamOpener func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Factory owns the process-wide Speech client.
type Factory struct {
	client *speech.Client
	cfg    Config
}

// NewFactory creates the Speech client. Credentials come from
// GOOGLE_APPLICATION_CREDENTIALS.
func NewFactory(ctx context.Context, cfg Config) (*Factory, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Factory{client: c, cfg: cfg}, nil
}

func (f *Factory) Name() string { return "google" }

// NewEngine opens a streaming recognition session for one client session.
func (f *Factory) NewEngine(ctx context.Context, scfg stt.Config) (stt.Engine, error) {
	cfg := f.cfg
	if scfg.Language != "" {
		cfg.LanguageCode = scfg.Language
	}
	if scfg.SampleRate > 0 {
		cfg.SampleRateHz = scfg.SampleRate
	}
	return newEngine(ctx, cfg, scfg, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return f.client.StreamingRecognize(ctx)
	})
}

// Close closes the Speech client.
func (f *Factory) Close() error {
	return f.client.Close()
}

type result struct {
	utt stt.Utterance
	err error
}

// Engine bridges Google's push-style streaming results onto the blocking
// stt.Engine contract. Fed audio is buffered until the next final result so
// each utterance carries the audio recognized for it.
type Engine struct {
	cfg        Config
	open       streamOpener
	onRealtime func(string)
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stream  speechpb.Speech_StreamingRecognizeClient
	gen     int
	broken  bool
	stopped bool
	buf     []int16

	results  chan result
	done     chan struct{}
	stopOnce sync.Once
}

func newEngine(ctx context.Context, cfg Config, scfg stt.Config, open streamOpener) (*Engine, error) {
	onRealtime := scfg.OnRealtime
	if onRealtime == nil {
		onRealtime = func(string) {}
	}

	ectx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &Engine{
		cfg:        cfg,
		open:       open,
		onRealtime: onRealtime,
		log:        logging.WithEngine(scfg.SessionID, "google"),
		ctx:        ectx,
		cancel:     cancel,
		results:    make(chan result, 16),
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	err := e.connectLocked()
	e.mu.Unlock()
	if err != nil {
		cancel()
		return nil, err
	}
	return e, nil
}

// connectLocked opens a stream, sends the recognition config and starts its
// receive loop.
func (e *Engine) connectLocked() error {
	stream, err := e.open(e.ctx)
	if err != nil {
		return fmt.Errorf("open recognize stream: %w", err)
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   parseAudioEncoding(e.cfg.AudioEncoding),
					SampleRateHertz:            int32(e.cfg.SampleRateHz),
					LanguageCode:               e.cfg.LanguageCode,
					Model:                      e.cfg.Model,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: e.cfg.InterimResults,
			},
		},
	})
	if err != nil {
		stream.CloseSend()
		return fmt.Errorf("send streaming config: %w", err)
	}

	e.stream = stream
	e.gen++
	e.broken = false
	go e.listen(stream, e.gen)
	return nil
}

// Feed buffers audio and forwards it to the recognizer, reconnecting once
// when the stream was aborted by the service.
func (e *Engine) Feed(b []byte) error {
	samples, err := pcm.Samples(b)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return stt.ErrStopped
	}
	if e.broken {
		if err := e.reconnectLocked(); err != nil {
			return err
		}
	}

	e.buf = append(e.buf, samples...)

	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: b},
	}
	if err := e.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		e.log.Warn().Err(err).Msg("Recognize send failed with reconnectable error; reconnecting")
		if err := e.reconnectLocked(); err != nil {
			return err
		}
		return e.stream.Send(req)
	}
	return nil
}

func (e *Engine) reconnectLocked() error {
	if e.stream != nil {
		_ = e.stream.CloseSend()
	}
	if err := e.connectLocked(); err != nil {
		e.log.Error().Err(err).Msg("Failed to reconnect recognize stream")
		return fmt.Errorf("reconnect stream: %w", err)
	}
	e.log.Info().Msg("Recognize stream reconnected")
	return nil
}

func (e *Engine) listen(stream speechpb.Speech_StreamingRecognizeClient, gen int) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			e.mu.Lock()
			current := gen == e.gen
			stopped := e.stopped
			if current {
				e.broken = true
			}
			e.mu.Unlock()

			if !current || stopped || errors.Is(err, io.EOF) || e.ctx.Err() != nil {
				return
			}
			if isReconnectableStreamError(err) {
				e.log.Warn().Err(err).Msg("Recognize stream aborted; will reconnect on next audio")
				return
			}
			e.deliver(result{err: fmt.Errorf("recognize stream: %w", err)})
			return
		}

		for _, r := range resp.GetResults() {
			alts := r.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			text := strings.TrimSpace(alts[0].GetTranscript())
			if !r.GetIsFinal() {
				if text != "" {
					e.onRealtime(text)
				}
				continue
			}

			e.mu.Lock()
			audio := e.buf
			e.buf = nil
			e.mu.Unlock()

			e.deliver(result{utt: stt.Utterance{Text: text, Audio: audio}})
		}
	}
}

func (e *Engine) deliver(r result) {
	select {
	case e.results <- r:
	case <-e.done:
	}
}

// Text blocks until the recognizer finalizes an utterance, reports a stream
// failure, or the engine is stopped.
func (e *Engine) Text(ctx context.Context) (stt.Utterance, error) {
	select {
	case r := <-e.results:
		return r.utt, r.err
	case <-e.done:
		return stt.Utterance{}, stt.ErrStopped
	case <-ctx.Done():
		return stt.Utterance{}, ctx.Err()
	}
}

// Stop half-closes the stream and unblocks pending Text calls.
func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		if e.stream != nil {
			err = e.stream.CloseSend()
		}
		e.mu.Unlock()
		close(e.done)
	})
	return err
}

// Shutdown stops the engine and cancels the underlying stream.
func (e *Engine) Shutdown() error {
	err := e.Stop()
	e.cancel()
	return err
}

func isReconnectableStreamError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}

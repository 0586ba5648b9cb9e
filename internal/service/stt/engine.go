// Package stt defines the blocking speech-to-text engine contract used by
// the transcription worker.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrStopped is returned by Feed and Text once the engine has been stopped.
var ErrStopped = errors.New("stt engine stopped")

// Utterance is one finalized sentence and the audio the engine captured for it.
type Utterance struct {
	Text string
	// Audio holds mono PCM16 samples at Config.SampleRate.
	Audio []int16
}

// Config is the fixed per-session engine configuration.
type Config struct {
	SessionID          string
	SampleRate         int
	Language           string
	SilenceSensitivity float64
	PostSpeechSilence  time.Duration
	MinRecordingLength time.Duration
	// OnRealtime receives unstable partial transcripts. It must not block.
	OnRealtime func(text string)
}

// Engine is a streaming recognizer with a pull-style finalization API.
type Engine interface {
	// Feed hands PCM16 audio at Config.SampleRate to the engine.
	Feed(pcm []byte) error
	// Text blocks until the next utterance is finalized or the engine stops.
	Text(ctx context.Context) (Utterance, error)
	// Stop ends recognition and unblocks any pending Text call.
	Stop() error
	// Shutdown releases engine resources. It is safe to call after Stop.
	Shutdown() error
}

// Factory builds one Engine per session. A factory is process-wide and
// shared by all sessions.
type Factory interface {
	Name() string
	NewEngine(ctx context.Context, cfg Config) (Engine, error)
}

// Package wavstore persists per-utterance WAV chunks for a session and
// consolidates them into one merged file when the session closes.
package wavstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	bitDepth      = 16
	numChannels   = 1
	pcmFormat     = 1
	chunkExt      = ".wav"
	mergedSuffix  = "_merged.wav"
	tmpSuffix     = ".tmp"
	maxNameProbes = 1000
)

var (
	// ErrNoChunks is returned by Merge when a session has no chunk files.
	ErrNoChunks = errors.New("no audio chunks")
	// ErrFormatMismatch is returned when a chunk is not mono PCM16 at the store rate.
	ErrFormatMismatch = errors.New("audio chunk format mismatch")
)

// Store writes WAV files under base/<sessionId>/. A session directory is
// only ever written by that session's coordinator.
type Store struct {
	base       string
	sampleRate int
	now        func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used to name chunk files.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(base string, sampleRate int, opts ...Option) *Store {
	s := &Store{base: base, sampleRate: sampleRate, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Base() string {
	return s.base
}

// SessionDir returns the directory holding a session's audio.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.base, sanitize(sessionID))
}

// MergedPath returns the consolidated file path for a session.
func (s *Store) MergedPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), sanitize(sessionID)+mergedSuffix)
}

// ChunkName formats {userId}_{yyyyMMdd_HHmmss_ffffff}.wav.
func ChunkName(userID string, t time.Time) string {
	return fmt.Sprintf("%s_%s_%06d%s", sanitize(userID), t.Format("20060102_150405"), t.Nanosecond()/1000, chunkExt)
}

// WriteChunk writes one utterance as a new WAV file and returns its path.
// The session directory is created on first write.
func (s *Store) WriteChunk(sessionID, userID string, samples []int16) (string, error) {
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}

	t := s.now()
	var (
		path string
		f    *os.File
		err  error
	)
	for i := 0; i < maxNameProbes; i++ {
		path = filepath.Join(dir, ChunkName(userID, t))
		f, err = os.OpenFile(path+tmpSuffix, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				f.Close()
				os.Remove(path + tmpSuffix)
				err = fs.ErrExist
			} else {
				break
			}
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create chunk: %w", err)
		}
		t = t.Add(time.Microsecond)
	}
	if err != nil {
		return "", fmt.Errorf("create chunk: %w", err)
	}

	if err := s.encode(f, toInts(samples)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("encode chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close chunk: %w", err)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		return "", fmt.Errorf("rename chunk: %w", err)
	}
	return path, nil
}

// Chunks lists a session's chunk files in filename (chronological) order.
// The merged file is never part of the list.
func (s *Store) Chunks(sessionID string) ([]string, error) {
	dir := s.SessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	merged := filepath.Base(s.MergedPath(sessionID))
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chunkExt) || name == merged {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// Merge concatenates all chunk files of a session into {sessionId}_merged.wav.
// Chunk files are left in place. On failure no partial merged file remains.
func (s *Store) Merge(sessionID string) (string, int, error) {
	chunks, err := s.Chunks(sessionID)
	if err != nil {
		return "", 0, fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return "", 0, ErrNoChunks
	}

	out := s.MergedPath(sessionID)
	f, err := os.Create(out + tmpSuffix)
	if err != nil {
		return "", 0, fmt.Errorf("create merged file: %w", err)
	}
	fail := func(err error) (string, int, error) {
		f.Close()
		os.Remove(f.Name())
		return "", 0, err
	}

	enc := wav.NewEncoder(f, s.sampleRate, bitDepth, numChannels, pcmFormat)
	for _, path := range chunks {
		buf, err := s.readChunk(path)
		if err != nil {
			return fail(fmt.Errorf("read %s: %w", filepath.Base(path), err))
		}
		if err := enc.Write(buf); err != nil {
			return fail(fmt.Errorf("write merged audio: %w", err))
		}
	}
	if err := enc.Close(); err != nil {
		return fail(fmt.Errorf("finalize merged file: %w", err))
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", 0, err
	}
	if err := os.Rename(f.Name(), out); err != nil {
		return "", 0, fmt.Errorf("rename merged file: %w", err)
	}
	return out, len(chunks), nil
}

func (s *Store) encode(f *os.File, data []int) error {
	enc := wav.NewEncoder(f, s.sampleRate, bitDepth, numChannels, pcmFormat)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: numChannels, SampleRate: s.sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func (s *Store) readChunk(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if dec.ReadInfo(); dec.Err() != nil {
		return nil, fmt.Errorf("invalid wav header: %w", dec.Err())
	}
	if int(dec.SampleRate) != s.sampleRate || dec.NumChans != numChannels || dec.BitDepth != bitDepth {
		return nil, fmt.Errorf("%w: %d Hz, %d ch, %d bit", ErrFormatMismatch, dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	return dec.FullPCMBuffer()
}

// ReadSamples decodes a mono PCM16 WAV file.
func ReadSamples(path string) ([]int16, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if dec.ReadInfo(); dec.Err() != nil {
		return nil, 0, fmt.Errorf("invalid wav header in %s: %w", path, dec.Err())
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = int16(v)
	}
	return out, int(dec.SampleRate), nil
}

func toInts(samples []int16) []int {
	out := make([]int, len(samples))
	for i, v := range samples {
		out[i] = int(v)
	}
	return out
}

// sanitize keeps identifiers usable as a single path element.
func sanitize(id string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '_'
	}, id)
	if clean == "" || strings.Trim(clean, ".") == "" {
		return "_"
	}
	return clean
}

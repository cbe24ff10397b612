// Package energy provides an RMS-energy voice activity detector with
// time-based hysteresis.
//
// A frame whose RMS energy exceeds the threshold marks the stream as speaking.
// Once speaking, sub-threshold frames start a silence timer; the stream only
// flips back to silent after the energy has stayed at or below the threshold
// for the full silence duration. Any loud frame inside that window cancels the
// timer.
package energy

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/alicevoice/pkg/audio"
	"github.com/MrWong99/alicevoice/pkg/provider/vad"
)

// Default detector parameters.
const (
	DefaultThreshold       = 800.0
	DefaultSilenceDuration = 500 * time.Millisecond
)

// errClosed is returned by ProcessFrame after Close.
var errClosed = errors.New("energy vad: session closed")

// Option is a functional option for Engine.
type Option func(*Engine)

// WithClock replaces the wall clock used for the silence timer.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger used for speech edge events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine creates energy VAD sessions.
type Engine struct {
	now func() time.Time
	log *slog.Logger
}

var _ vad.Engine = (*Engine)(nil)

// New returns an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine. Zero Threshold and SilenceDuration fall
// back to the package defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.SilenceDuration == 0 {
		cfg.SilenceDuration = DefaultSilenceDuration
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := e.log
	if log == nil {
		log = slog.Default()
	}
	return &Session{cfg: cfg, now: e.now, log: log}, nil
}

// Session is one detector instance. Safe for concurrent use.
type Session struct {
	cfg vad.Config
	now func() time.Time
	log *slog.Logger

	mu           sync.Mutex
	speaking     bool
	silenceStart time.Time
	closed       bool
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements vad.SessionHandle.
func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	energy := audio.RMS(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, errClosed
	}

	if energy > s.cfg.Threshold {
		s.silenceStart = time.Time{}
		if !s.speaking {
			s.speaking = true
			s.log.Info("speech started", "rms", energy)
			return vad.VADEvent{Type: vad.VADSpeechStart, Energy: energy}, nil
		}
		return vad.VADEvent{Type: vad.VADSpeechContinue, Energy: energy}, nil
	}

	if !s.speaking {
		return vad.VADEvent{Type: vad.VADSilence, Energy: energy}, nil
	}

	now := s.now()
	if s.silenceStart.IsZero() {
		s.silenceStart = now
	}
	if now.Sub(s.silenceStart) >= s.cfg.SilenceDuration {
		s.speaking = false
		s.silenceStart = time.Time{}
		s.log.Info("speech ended", "rms", energy)
		return vad.VADEvent{Type: vad.VADSpeechEnd, Energy: energy}, nil
	}
	return vad.VADEvent{Type: vad.VADSpeechContinue, Energy: energy}, nil
}

// Speaking implements vad.SessionHandle.
func (s *Session) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Reset implements vad.SessionHandle.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.silenceStart = time.Time{}
}

// Close implements vad.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

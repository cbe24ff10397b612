// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own speaking flag and
// silence timer so that independent capture streams never share state.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result,
// making it suitable for the capture loop that gates outbound audio.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// Threshold is the RMS energy (16-bit PCM scale, 0 … 32768) above which a
	// frame counts as speech. Typical: 800.
	Threshold float64

	// SilenceDuration is how long energy must stay at or below Threshold,
	// continuously, before an active speech segment is considered ended.
	// Short pauses inside an utterance do not end it. Typical: 500ms.
	SilenceDuration time.Duration
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	var errs []error
	if c.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("vad: threshold must be > 0, got %v", c.Threshold))
	}
	if c.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("vad: silence duration must be >= 0, got %v", c.SilenceDuration))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one frame of little-endian 16-bit mono PCM and
	// returns the detection result. It must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Speaking reports the current classification, including the hysteresis
	// hold after energy drops.
	Speaking() bool

	// Reset clears the speaking flag and silence timer without closing the
	// session.
	Reset()

	// Close releases all resources. After Close, ProcessFrame returns an error.
	// Calling Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session. Returns an error if cfg is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}

// Package audio defines the frame type, PCM helpers, and device interfaces for
// local audio I/O.
//
// The two primary abstractions are:
//
//   - [Device]: opens capture and playback streams on the host's sound system.
//   - [InputStream] / [OutputStream]: blocking, frame-at-a-time stream handles.
//
// Implementations live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// session pipelines stay decoupled from the sound backend.
package audio

import "errors"

// ErrStreamClosed is returned by stream methods after Close.
var ErrStreamClosed = errors.New("audio: stream closed")

// StreamConfig describes the format of a stream to open.
type StreamConfig struct {
	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count; the pipelines only use mono.
	Channels int

	// FrameSize is the number of samples per channel delivered by each Read
	// (or consumed per device buffer on output).
	FrameSize int

	// DeviceIndex selects a specific host device. Nil means the platform
	// default device for the stream direction.
	DeviceIndex *int
}

// InputStream is an open capture stream.
//
// Read blocks until one frame of FrameSize samples is available. Read errors
// are usually transient (overflow, device hiccup) and the caller may retry.
type InputStream interface {
	Read() (AudioFrame, error)
	Close() error
}

// OutputStream is an open playback stream. Write blocks until the frame has
// been handed to the device.
type OutputStream interface {
	Write(frame AudioFrame) error
	Close() error
}

// DeviceInfo describes one host audio device.
type DeviceInfo struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Device opens streams on the host sound system.
//
// Implementations must be safe for concurrent use: capture and playback are
// opened from different goroutines.
type Device interface {
	// OpenInput opens a capture stream. A failure here is fatal for the caller
	// (the requested device is missing or busy).
	OpenInput(cfg StreamConfig) (InputStream, error)

	// OpenOutput opens a playback stream.
	OpenOutput(cfg StreamConfig) (OutputStream, error)

	// Devices lists the host devices available for selection by index.
	Devices() ([]DeviceInfo, error)
}

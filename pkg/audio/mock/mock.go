// Package mock provides in-memory mock implementations of [audio.Device],
// [audio.InputStream], and [audio.OutputStream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on counts and arguments, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInput(16000)
//	out := mock.NewOutput()
//	dev := &mock.Device{Input: in, Output: out}
//	in.Push(audio.Int16ToBytes(samples))
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/alicevoice/pkg/audio"
)

// IdleInterval is how long an [Input] with no scripted frames waits before
// returning a silent frame. Keeps capture loops responsive to cancellation.
const IdleInterval = 5 * time.Millisecond

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// Input is returned by OpenInput. A fresh silent Input is created on each
	// call if nil.
	Input *Input

	// Output is returned by OpenOutput. A fresh Output is created on each call
	// if nil.
	Output *Output

	// OpenInputError / OpenOutputError are returned by the matching Open call.
	OpenInputError  error
	OpenOutputError error

	// DevicesResult and DevicesError are returned by Devices.
	DevicesResult []audio.DeviceInfo
	DevicesError  error

	// InputConfigs and OutputConfigs record the configs passed to each Open call.
	InputConfigs  []audio.StreamConfig
	OutputConfigs []audio.StreamConfig
}

var _ audio.Device = (*Device)(nil)

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(cfg audio.StreamConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InputConfigs = append(d.InputConfigs, cfg)
	if d.OpenInputError != nil {
		return nil, d.OpenInputError
	}
	if d.Input == nil {
		return NewInput(cfg.SampleRate), nil
	}
	return d.Input, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(cfg audio.StreamConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OutputConfigs = append(d.OutputConfigs, cfg)
	if d.OpenOutputError != nil {
		return nil, d.OpenOutputError
	}
	if d.Output == nil {
		return NewOutput(), nil
	}
	return d.Output, nil
}

// OpenedInputs returns a copy of InputConfigs. Safe while streams are in use.
func (d *Device) OpenedInputs() []audio.StreamConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.StreamConfig(nil), d.InputConfigs...)
}

// OpenedOutputs returns a copy of OutputConfigs.
func (d *Device) OpenedOutputs() []audio.StreamConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.StreamConfig(nil), d.OutputConfigs...)
}

// Devices implements [audio.Device].
func (d *Device) Devices() ([]audio.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.DevicesResult, d.DevicesError
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a scripted capture stream. Frames pushed with [Input.Push] are
// returned by Read in order; when none are pending Read sleeps for
// [IdleInterval] and returns one silent frame of SilenceSamples samples.
type Input struct {
	mu         sync.Mutex
	sampleRate int
	pending    [][]byte
	errs       []error
	closed     bool
	reads      int

	// SilenceSamples is the sample count of idle frames. Defaults to 160.
	SilenceSamples int
}

var _ audio.InputStream = (*Input)(nil)

// NewInput returns an Input producing frames at sampleRate.
func NewInput(sampleRate int) *Input {
	return &Input{sampleRate: sampleRate, SilenceSamples: 160}
}

// Push queues PCM chunks to be returned by subsequent Read calls.
func (in *Input) Push(chunks ...[]byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pending = append(in.pending, chunks...)
}

// PushError queues an error to be returned by the next Read that has no
// scripted frame pending.
func (in *Input) PushError(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.errs = append(in.errs, err)
}

// Pending returns the number of scripted frames not yet read.
func (in *Input) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.pending)
}

// Reads returns how many times Read returned a frame.
func (in *Input) Reads() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.reads
}

// Closed reports whether Close has been called.
func (in *Input) Closed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// Read implements [audio.InputStream].
func (in *Input) Read() (audio.AudioFrame, error) {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return audio.AudioFrame{}, audio.ErrStreamClosed
	}
	if len(in.pending) > 0 {
		data := in.pending[0]
		in.pending = in.pending[1:]
		in.reads++
		in.mu.Unlock()
		return audio.AudioFrame{Data: data, SampleRate: in.sampleRate, Channels: 1}, nil
	}
	if len(in.errs) > 0 {
		err := in.errs[0]
		in.errs = in.errs[1:]
		in.mu.Unlock()
		return audio.AudioFrame{}, err
	}
	n := in.SilenceSamples
	in.mu.Unlock()

	time.Sleep(IdleInterval)

	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return audio.AudioFrame{}, audio.ErrStreamClosed
	}
	in.reads++
	return audio.AudioFrame{Data: make([]byte, n*2), SampleRate: in.sampleRate, Channels: 1}, nil
}

// Close implements [audio.InputStream].
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	return nil
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a recording playback stream.
type Output struct {
	mu      sync.Mutex
	frames  []audio.AudioFrame
	closed  bool
	written chan struct{}

	// Gate, when non-nil, makes Write block until a value is received from it
	// (or it is closed). Lets tests hold frames in the inbound queue.
	Gate chan struct{}

	// WriteError is returned by every Write when set.
	WriteError error
}

var _ audio.OutputStream = (*Output)(nil)

// NewOutput returns an empty Output.
func NewOutput() *Output {
	return &Output{written: make(chan struct{}, 1)}
}

// Write implements [audio.OutputStream].
func (o *Output) Write(frame audio.AudioFrame) error {
	if o.Gate != nil {
		<-o.Gate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return audio.ErrStreamClosed
	}
	if o.WriteError != nil {
		return o.WriteError
	}
	o.frames = append(o.frames, frame)
	select {
	case o.written <- struct{}{}:
	default:
	}
	return nil
}

// Frames returns a copy of every frame written so far.
func (o *Output) Frames() []audio.AudioFrame {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]audio.AudioFrame, len(o.frames))
	copy(out, o.frames)
	return out
}

// Written is signalled (non-blocking, capacity 1) after every successful Write.
func (o *Output) Written() <-chan struct{} {
	return o.written
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close implements [audio.OutputStream].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

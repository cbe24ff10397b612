// Package portaudio implements [audio.Device] on top of the PortAudio host
// library. Requires cgo and the portaudio development headers.
//
// PortAudio is initialised lazily by the first opened stream and terminated
// when the last stream closes.
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/alicevoice/pkg/audio"
)

// Device is the PortAudio-backed [audio.Device]. The zero value is ready to use.
type Device struct {
	mu   sync.Mutex
	refs int
}

var _ audio.Device = (*Device)(nil)

// New returns a Device.
func New() *Device { return &Device{} }

func (d *Device) acquire() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	d.refs++
	return nil
}

func (d *Device) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refs == 0 {
		return
	}
	d.refs--
	if d.refs == 0 {
		if err := pa.Terminate(); err != nil {
			slog.Warn("portaudio: terminate failed", "err", err)
		}
	}
}

// Devices implements [audio.Device].
func (d *Device) Devices() ([]audio.DeviceInfo, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	defer d.release()

	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]audio.DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		out = append(out, audio.DeviceInfo{
			Index:             dev.Index,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
		})
	}
	return out, nil
}

func resolve(idx *int, input bool) (*pa.DeviceInfo, error) {
	if idx == nil {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, err
	}
	for _, dev := range devs {
		if dev.Index == *idx {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no device with index %d", *idx)
}

func channels(cfg audio.StreamConfig) int {
	if cfg.Channels <= 0 {
		return 1
	}
	return cfg.Channels
}

// OpenInput implements [audio.Device].
func (d *Device) OpenInput(cfg audio.StreamConfig) (audio.InputStream, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	dev, err := resolve(cfg.DeviceIndex, true)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("portaudio: resolve input device: %w", err)
	}

	ch := channels(cfg)
	buf := make([]int16, cfg.FrameSize*ch)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: ch,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FrameSize,
	}, buf)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("portaudio: open input %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		d.release()
		return nil, fmt.Errorf("portaudio: start input %q: %w", dev.Name, err)
	}
	slog.Info("portaudio: input stream opened", "device", dev.Name, "sampleRate", cfg.SampleRate, "frameSize", cfg.FrameSize)
	return &inputStream{dev: d, stream: stream, buf: buf, sampleRate: cfg.SampleRate, channels: ch}, nil
}

// OpenOutput implements [audio.Device].
func (d *Device) OpenOutput(cfg audio.StreamConfig) (audio.OutputStream, error) {
	if err := d.acquire(); err != nil {
		return nil, err
	}
	dev, err := resolve(cfg.DeviceIndex, false)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("portaudio: resolve output device: %w", err)
	}

	ch := channels(cfg)
	buf := make([]int16, cfg.FrameSize*ch)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: ch,
			Latency:  dev.DefaultHighOutputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FrameSize,
	}, buf)
	if err != nil {
		d.release()
		return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		d.release()
		return nil, fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}
	slog.Info("portaudio: output stream opened", "device", dev.Name, "sampleRate", cfg.SampleRate, "frameSize", cfg.FrameSize)
	return &outputStream{dev: d, stream: stream, buf: buf, sampleRate: cfg.SampleRate}, nil
}

type inputStream struct {
	dev        *Device
	mu         sync.Mutex
	stream     *pa.Stream
	buf        []int16
	sampleRate int
	channels   int
	closed     bool
}

func (s *inputStream) Read() (audio.AudioFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.AudioFrame{}, audio.ErrStreamClosed
	}
	// An overflow still fills the buffer; the lost samples are gone either way.
	if err := s.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		return audio.AudioFrame{}, fmt.Errorf("portaudio: read: %w", err)
	}
	return audio.AudioFrame{
		Data:       audio.Int16ToBytes(s.buf),
		SampleRate: s.sampleRate,
		Channels:   s.channels,
	}, nil
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := errors.Join(s.stream.Stop(), s.stream.Close())
	s.dev.release()
	return err
}

// outputStream slices variable-length frames into the fixed-size device
// buffer. A partial tail is held until the next Write or padded with
// silence on Close.
type outputStream struct {
	dev        *Device
	mu         sync.Mutex
	stream     *pa.Stream
	buf        []int16
	fill       int
	sampleRate int
	closed     bool
}

func (s *outputStream) Write(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrStreamClosed
	}
	samples := audio.BytesToInt16(frame.Data)
	for len(samples) > 0 {
		n := copy(s.buf[s.fill:], samples)
		s.fill += n
		samples = samples[n:]
		if s.fill == len(s.buf) {
			if err := s.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *outputStream) flush() error {
	s.fill = 0
	if err := s.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var flushErr error
	if s.fill > 0 {
		clear(s.buf[s.fill:])
		flushErr = s.flush()
	}
	err := errors.Join(flushErr, s.stream.Stop(), s.stream.Close())
	s.dev.release()
	return err
}

// Package session implements the real-time voice session: four concurrent
// pipelines (capture, send, receive, playback) sharing two frame queues and
// one remote conversational session, owned by a [Controller] with an explicit
// lifecycle.
//
// The controller is the only place that holds session state. Pipelines
// communicate through the outbound queue (microphone → endpoint), the inbound
// queue (endpoint → speaker) and two atomic flags: paused, written by the
// controller and read by capture; and speaking, written by receive and read
// by capture for echo suppression.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/pkg/audio"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
	"github.com/MrWong99/alicevoice/pkg/provider/vad"
)

// DefaultGreeting is sent as the first user turn when Start is given no
// initial message.
const DefaultGreeting = "Hej! Jag är redo att hjälpa dig. Vad kan jag göra för dig?"

// Default timings.
const (
	DefaultPlaybackPoll   = 100 * time.Millisecond
	DefaultCaptureBackoff = 100 * time.Millisecond
	DefaultPausePoll      = 100 * time.Millisecond
)

// FailurePolicy decides what happens to the other pipelines when one of them
// fails fatally.
type FailurePolicy int

const (
	// CancelAll tears the whole session down on the first fatal pipeline
	// error.
	CancelAll FailurePolicy = iota

	// Isolate reports the failure and lets the remaining pipelines run until
	// Stop.
	Isolate
)

// String returns the configuration name of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case CancelAll:
		return "cancel-all"
	case Isolate:
		return "isolate"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses a configuration name. The empty string means
// [CancelAll].
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "", "cancel-all":
		return CancelAll, nil
	case "isolate":
		return Isolate, nil
	default:
		return 0, fmt.Errorf("session: unknown failure policy %q", s)
	}
}

// ToolDispatcher executes tool calls. Dispatch never fails; it always returns
// a result string that can be sent back to the model.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, call s2s.ToolCall) string
}

// Config holds the dependencies and tuning of a [Controller].
type Config struct {
	// Provider opens the remote conversational session. Required.
	Provider s2s.Provider

	// Session is the configuration passed to Provider.Connect.
	Session s2s.SessionConfig

	// Device opens the microphone and speaker streams. Required.
	Device audio.Device

	// Input and Output configure the device streams. Zero sample rates
	// default to 16 kHz capture and 24 kHz playback, mono, 1024-sample
	// capture frames.
	Input  audio.StreamConfig
	Output audio.StreamConfig

	// VAD creates the voice activity detector for each session. Required.
	VAD       vad.Engine
	VADConfig vad.Config

	// Tools executes tool calls. Required.
	Tools ToolDispatcher

	// Sink receives UI events. Defaults to [NopSink].
	Sink EventSink

	// Greeting is the default initial message. Defaults to [DefaultGreeting].
	Greeting string

	// Policy is the partial failure policy. Defaults to [CancelAll].
	Policy FailurePolicy

	// InboundQueueMax bounds the playback queue with drop-oldest semantics.
	// Zero means unbounded.
	InboundQueueMax int

	// PlaybackPoll, CaptureBackoff and PausePoll default to 100ms each.
	PlaybackPoll   time.Duration
	CaptureBackoff time.Duration
	PausePoll      time.Duration

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Validate reports missing dependencies and invalid settings.
func (c Config) Validate() error {
	var errs []error
	if c.Provider == nil {
		errs = append(errs, errors.New("session: provider is required"))
	}
	if c.Device == nil {
		errs = append(errs, errors.New("session: audio device is required"))
	}
	if c.VAD == nil {
		errs = append(errs, errors.New("session: vad engine is required"))
	}
	if c.Tools == nil {
		errs = append(errs, errors.New("session: tool dispatcher is required"))
	}
	if c.InboundQueueMax < 0 {
		errs = append(errs, fmt.Errorf("session: inbound queue max must be >= 0, got %d", c.InboundQueueMax))
	}
	switch c.Policy {
	case CancelAll, Isolate:
	default:
		errs = append(errs, fmt.Errorf("session: unknown failure policy %d", int(c.Policy)))
	}
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	if c.Sink == nil {
		c.Sink = NopSink{}
	}
	if c.Greeting == "" {
		c.Greeting = DefaultGreeting
	}
	if c.Input.SampleRate == 0 {
		c.Input.SampleRate = 16000
	}
	if c.Input.Channels == 0 {
		c.Input.Channels = 1
	}
	if c.Input.FrameSize == 0 {
		c.Input.FrameSize = 1024
	}
	if c.Output.SampleRate == 0 {
		c.Output.SampleRate = 24000
	}
	if c.Output.Channels == 0 {
		c.Output.Channels = 1
	}
	if c.Output.FrameSize == 0 {
		c.Output.FrameSize = 1024
	}
	if c.Session.InputSampleRate == 0 {
		c.Session.InputSampleRate = c.Input.SampleRate
	}
	if c.PlaybackPoll <= 0 {
		c.PlaybackPoll = DefaultPlaybackPoll
	}
	if c.CaptureBackoff <= 0 {
		c.CaptureBackoff = DefaultCaptureBackoff
	}
	if c.PausePoll <= 0 {
		c.PausePoll = DefaultPausePoll
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// StartOptions customise one session.
type StartOptions struct {
	// InitialMessage replaces the configured greeting.
	InitialMessage string

	// InputDeviceIndex overrides the configured capture device.
	InputDeviceIndex *int

	// Muted starts the session paused.
	Muted bool
}

// Controller owns the session lifecycle. At most one session is live at a
// time. All exported methods are safe for concurrent use.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	state   State
	run     *run
	pending *attempt
}

// attempt is a Start that has not reached Active yet.
type attempt struct {
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

// New returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Controller{cfg: cfg}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether a remote session is live.
func (c *Controller) Running() bool {
	return c.State().Live()
}

// setState moves to next. Callers hold c.mu.
func (c *Controller) setState(next State) {
	if !canTransition(c.state, next) {
		panic(fmt.Sprintf("session: illegal transition %s -> %s", c.state, next))
	}
	slog.Debug("session state changed", "from", c.state, "to", next)
	c.state = next
}

// Start opens the remote session, sends the greeting and launches the
// pipelines. It returns once the pipelines are running. ctx bounds only the
// connect and greeting; the session runs until Stop or a fatal error. A Stop
// during the connect wins: the session is closed again and Start returns
// [ErrStopped].
func (c *Controller) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.setState(StateConnecting)
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	at := &attempt{cancel: cancel, done: make(chan struct{})}
	defer close(at.done)
	c.pending = at
	c.mu.Unlock()

	r, err := c.connect(connCtx, opts)

	c.mu.Lock()
	if err == nil && !at.stopped {
		c.pending = nil
		c.run = r
		c.setState(StateActive)
		if opts.Muted {
			c.setState(StatePaused)
		}
		c.mu.Unlock()

		c.cfg.Metrics.ActiveSessions.Add(ctx, 1)
		slog.Info("session started", "muted", opts.Muted, "policy", c.cfg.Policy)
		c.cfg.Sink.Emit(Event{Kind: EventStatus, Msg: StatusStarted})
		if opts.Muted {
			c.cfg.Sink.Emit(Event{Kind: EventStatus, Msg: StatusMuted})
		}

		go c.supervise(r)
		return nil
	}
	stopped := at.stopped
	c.mu.Unlock()

	if r != nil {
		r.cancel()
		_ = r.sess.Close()
		audio.Drain(r.sess.Events())
		_ = r.vad.Close()
	}

	c.mu.Lock()
	c.pending = nil
	c.setState(StateStopping)
	c.setState(StateTerminated)
	c.setState(StateIdle)
	c.mu.Unlock()

	if stopped {
		slog.Info("session start cancelled by stop")
		c.cfg.Sink.Emit(Event{Kind: EventStatus, Msg: StatusStopped})
		return ErrStopped
	}
	return err
}

// connect opens the remote session and prepares a run. Nothing is started.
func (c *Controller) connect(ctx context.Context, opts StartOptions) (*run, error) {
	vadSess, err := c.cfg.VAD.NewSession(c.cfg.VADConfig)
	if err != nil {
		return nil, fmt.Errorf("session: create vad: %w", err)
	}

	sess, err := c.cfg.Provider.Connect(ctx, c.cfg.Session)
	if err != nil {
		_ = vadSess.Close()
		return nil, &RemoteError{Op: "connect", Err: err}
	}

	greeting := opts.InitialMessage
	if greeting == "" {
		greeting = c.cfg.Greeting
	}
	if err := sess.SendText(greeting, true); err != nil {
		_ = sess.Close()
		_ = vadSess.Close()
		return nil, &RemoteError{Op: "greeting", Err: err}
	}

	in := c.cfg.Input
	if opts.InputDeviceIndex != nil {
		idx := *opts.InputDeviceIndex
		in.DeviceIndex = &idx
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := newRun(runCtx, cancel, c.cfg, in, sess, vadSess)
	r.paused.Store(opts.Muted)
	return r, nil
}

// supervise runs the pipelines of r and returns the controller to Idle when
// they have all exited.
func (c *Controller) supervise(r *run) {
	err := r.wait()

	_ = r.sess.Close()
	audio.Drain(r.sess.Events())
	_ = r.vad.Close()
	c.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)

	c.mu.Lock()
	if c.state != StateStopping {
		c.setState(StateStopping)
	}
	c.setState(StateTerminated)
	c.run = nil
	c.setState(StateIdle)
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session ended with error", "err", err)
	} else {
		slog.Info("session stopped")
	}
	c.cfg.Sink.Emit(Event{Kind: EventStatus, Msg: StatusStopped})
	close(r.done)
}

// Stop raises the stop signal and waits until every pipeline has exited or
// ctx is done. A Start still connecting is cancelled and Stop waits for it to
// return. Stopping an idle controller is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if at := c.pending; at != nil {
		at.stopped = true
		at.cancel()
		c.mu.Unlock()
		select {
		case <-at.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("session: stop: %w", ctx.Err())
		}
	}
	r := c.run
	if r == nil {
		c.mu.Unlock()
		return nil
	}
	if c.state.Live() {
		c.setState(StateStopping)
	}
	r.cancel()
	c.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}
}

// Pause stops capture from producing outbound frames. Send, receive and
// playback are unaffected.
func (c *Controller) Pause() error {
	return c.setPaused(true)
}

// Resume undoes Pause.
func (c *Controller) Resume() error {
	return c.setPaused(false)
}

func (c *Controller) setPaused(paused bool) error {
	c.mu.Lock()
	if !c.state.Live() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	want, msg := StateActive, StatusUnmuted
	if paused {
		want, msg = StatePaused, StatusMuted
	}
	changed := c.state != want
	if changed {
		c.setState(want)
		c.run.paused.Store(paused)
	}
	c.mu.Unlock()

	if changed {
		slog.Info("capture paused", "paused", paused)
		c.cfg.Sink.Emit(Event{Kind: EventStatus, Msg: msg})
	}
	return nil
}

// Paused reports whether capture is paused.
func (c *Controller) Paused() bool {
	return c.State() == StatePaused
}

// SendText forwards text to the model as a complete user turn.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	if !c.state.Live() {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sess := c.run.sess
	c.mu.Unlock()

	if err := sess.SendText(text, true); err != nil {
		if errors.Is(err, s2s.ErrSessionClosed) {
			return ErrNotConnected
		}
		return &RemoteError{Op: "send text", Err: err}
	}
	return nil
}

// Done returns a channel closed when the current session has fully stopped,
// or nil when the controller is idle.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil
	}
	return c.run.done
}

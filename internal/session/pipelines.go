package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/internal/queue"
	"github.com/MrWong99/alicevoice/internal/tools"
	"github.com/MrWong99/alicevoice/pkg/audio"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
	"github.com/MrWong99/alicevoice/pkg/provider/vad"
)

// Pipeline names used in logs and metrics.
const (
	pipelineCapture  = "capture"
	pipelineSend     = "send"
	pipelineReceive  = "receive"
	pipelinePlayback = "playback"
)

// run is the state of one live session. It is created by Start and discarded
// when every pipeline has exited.
type run struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	sess   s2s.SessionHandle
	vad    vad.SessionHandle
	device audio.Device
	tools  ToolDispatcher
	sink   EventSink

	inCfg  audio.StreamConfig
	outCfg audio.StreamConfig

	outbound *queue.Queue[audio.AudioFrame]
	inbound  *queue.Queue[audio.AudioFrame]

	// paused is written by the controller and read by capture.
	paused atomic.Bool
	// speaking is true while the model's audio is being received; capture
	// drops frames while it is set.
	speaking atomic.Bool

	policy         FailurePolicy
	playbackPoll   time.Duration
	captureBackoff time.Duration
	pausePoll      time.Duration
	metrics        *observe.Metrics
}

func newRun(ctx context.Context, cancel context.CancelFunc, cfg Config, in audio.StreamConfig, sess s2s.SessionHandle, vadSess vad.SessionHandle) *run {
	var inboundOpts []queue.Option
	if cfg.InboundQueueMax > 0 {
		m := cfg.Metrics
		inboundOpts = append(inboundOpts,
			queue.WithMaxLen(cfg.InboundQueueMax),
			queue.WithDropHook(func(n int) {
				m.FramesDropped.Add(context.Background(), int64(n))
			}),
		)
	}
	return &run{
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		started:        time.Now(),
		sess:           sess,
		vad:            vadSess,
		device:         cfg.Device,
		tools:          cfg.Tools,
		sink:           cfg.Sink,
		inCfg:          in,
		outCfg:         cfg.Output,
		outbound:       queue.New[audio.AudioFrame](),
		inbound:        queue.New[audio.AudioFrame](inboundOpts...),
		policy:         cfg.Policy,
		playbackPoll:   cfg.PlaybackPoll,
		captureBackoff: cfg.CaptureBackoff,
		pausePoll:      cfg.PausePoll,
		metrics:        cfg.Metrics,
	}
}

// wait runs the four pipelines and blocks until all of them have exited.
func (r *run) wait() error {
	defer r.cancel()
	g, ctx := errgroup.WithContext(r.ctx)
	r.start(g, ctx, pipelineCapture, r.capture)
	r.start(g, ctx, pipelineSend, r.send)
	r.start(g, ctx, pipelineReceive, r.receive)
	r.start(g, ctx, pipelinePlayback, r.playback)
	return g.Wait()
}

// start launches fn in g. Under [CancelAll] a failing pipeline cancels the
// group; under [Isolate] its error is swallowed after reporting.
func (r *run) start(g *errgroup.Group, ctx context.Context, name string, fn func(context.Context) error) {
	g.Go(func() error {
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			slog.Debug("pipeline exited", "pipeline", name)
			return nil
		}
		slog.Error("pipeline failed", "pipeline", name, "err", err)
		if r.policy == Isolate {
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	})
}

// report records err and forwards msg to the sink as an error event.
func (r *run) report(ctx context.Context, pipeline string, err error, msg string) {
	r.metrics.RecordPipelineError(ctx, pipeline, errorKind(err))
	r.sink.Emit(Event{Kind: EventError, Msg: msg})
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// capture reads microphone frames, drops them while the model is speaking,
// feeds the VAD and queues the rest for sending.
func (r *run) capture(ctx context.Context) error {
	in, err := r.device.OpenInput(r.inCfg)
	if err != nil {
		derr := &DeviceError{Op: OpOpen, Dir: DirInput, Err: err}
		r.report(ctx, pipelineCapture, derr, "Microphone error: "+err.Error())
		return derr
	}
	defer in.Close()

	for ctx.Err() == nil {
		if r.paused.Load() {
			sleep(ctx, r.pausePoll)
			continue
		}

		frame, err := in.Read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			derr := &DeviceError{Op: OpRead, Dir: DirInput, Err: err}
			slog.Warn("microphone read failed", "err", err)
			r.report(ctx, pipelineCapture, derr, "Microphone error: "+err.Error())
			sleep(ctx, r.captureBackoff)
			continue
		}
		r.metrics.FramesCaptured.Add(ctx, 1)

		if r.speaking.Load() {
			r.metrics.FramesSuppressed.Add(ctx, 1)
			continue
		}

		if _, err := r.vad.ProcessFrame(frame.Data); err != nil {
			slog.Debug("vad failed", "err", err)
		}
		r.outbound.Push(frame)
	}
	return nil
}

// ─── Send ─────────────────────────────────────────────────────────────────────

// send forwards queued microphone frames to the remote session.
func (r *run) send(ctx context.Context) error {
	for {
		frame, err := r.outbound.Pop(ctx)
		if err != nil {
			return nil
		}
		if err := r.sess.SendAudio(frame.Data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			rerr := &RemoteError{Op: "send audio", Err: err}
			r.report(ctx, pipelineSend, rerr, "Connection error: "+err.Error())
			return rerr
		}
		r.metrics.FramesSent.Add(ctx, 1)
	}
}

// ─── Receive ──────────────────────────────────────────────────────────────────

// receiver holds the per-turn state of the receive pipeline.
type receiver struct {
	*run
	input  transcriptTracker
	output transcriptTracker
}

// receive consumes the remote event stream until it ends or ctx is done.
func (r *run) receive(ctx context.Context) error {
	rc := &receiver{run: r}
	events := r.sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := r.sess.Err(); err != nil {
					rerr := &RemoteError{Op: "receive", Err: err}
					r.report(ctx, pipelineReceive, rerr, "Connection error: "+err.Error())
					return rerr
				}
				slog.Info("remote session ended")
				return nil
			}
			if err := rc.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// handle applies one remote event.
func (rc *receiver) handle(ctx context.Context, ev s2s.Event) error {
	switch ev.Kind {
	case s2s.EventAudio:
		rate := ev.SampleRate
		if rate == 0 {
			rate = rc.outCfg.SampleRate
		}
		rc.speaking.Store(true)
		rc.inbound.Push(audio.AudioFrame{Data: ev.Audio, SampleRate: rate, Channels: 1, Timestamp: time.Since(rc.started)})
		rc.metrics.FramesReceived.Add(ctx, 1)

	case s2s.EventInputTranscription:
		delta := rc.input.update(ev.Text)
		if delta == "" {
			return nil
		}
		rc.interrupt(ctx)
		rc.sink.Emit(Event{Kind: EventTranscription, Sender: SenderUser, Text: delta})

	case s2s.EventOutputTranscription:
		if delta := rc.output.update(ev.Text); delta != "" {
			rc.sink.Emit(Event{Kind: EventTranscription, Sender: SenderAlice, Text: delta})
		}

	case s2s.EventToolCall:
		for _, call := range ev.ToolCalls {
			if err := rc.callTool(ctx, call); err != nil {
				return err
			}
		}

	case s2s.EventTurnComplete:
		rc.speaking.Store(false)
		rc.input.reset()
		rc.output.reset()
		rc.metrics.Turns.Add(ctx, 1)

	case s2s.EventError:
		slog.Warn("remote session reported an error", "msg", ev.Text)
		rc.report(ctx, pipelineReceive, &RemoteError{Op: "server", Err: errors.New(ev.Text)}, "Connection error: "+ev.Text)
	}
	return nil
}

// interrupt discards queued playback and clears the speaking flag.
func (rc *receiver) interrupt(ctx context.Context) {
	cleared := rc.inbound.Clear()
	rc.speaking.Store(false)
	rc.metrics.RecordInterruption(ctx, cleared)
	slog.Info("barge-in: playback interrupted", "cleared_frames", cleared)
	rc.sink.Emit(Event{Kind: EventInterrupted, Cleared: cleared})
}

// callTool dispatches one call and sends its result back as a complete turn.
func (rc *receiver) callTool(ctx context.Context, call s2s.ToolCall) error {
	rc.sink.Emit(Event{Kind: EventToolCall, Tool: call.Name, Args: call.Args})
	result := rc.tools.Dispatch(ctx, call)
	if ctx.Err() != nil {
		return nil
	}
	if err := rc.sess.SendText(tools.ResultMessage(call.Name, result), true); err != nil {
		rerr := &RemoteError{Op: "send tool result", Err: err}
		rc.report(ctx, pipelineReceive, rerr, "Connection error: "+err.Error())
		return rerr
	}
	return nil
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// playback writes received frames to the speaker, polling the inbound queue
// so that cancellation is observed within one poll interval.
func (r *run) playback(ctx context.Context) error {
	out, err := r.device.OpenOutput(r.outCfg)
	if err != nil {
		derr := &DeviceError{Op: OpOpen, Dir: DirOutput, Err: err}
		r.report(ctx, pipelinePlayback, derr, "Speaker error: "+err.Error())
		return derr
	}
	defer out.Close()

	conv := &audio.RateConverter{Target: r.outCfg.SampleRate}
	for {
		frame, ok, err := r.inbound.PopTimeout(ctx, r.playbackPoll)
		if err != nil {
			return nil
		}
		if !ok {
			continue
		}
		frame = conv.Convert(frame)
		if err := out.Write(frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			derr := &DeviceError{Op: OpWrite, Dir: DirOutput, Err: err}
			slog.Warn("speaker write failed", "err", err)
			r.report(ctx, pipelinePlayback, derr, "Speaker error: "+err.Error())
			continue
		}
		r.metrics.FramesPlayed.Add(ctx, 1)
		r.sink.Emit(Event{Kind: EventAudioData, Audio: frame.Data, SampleRate: frame.SampleRate})
	}
}

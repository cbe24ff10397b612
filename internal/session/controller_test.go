package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/internal/tools"
	"github.com/MrWong99/alicevoice/pkg/audio"
	audiomock "github.com/MrWong99/alicevoice/pkg/audio/mock"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/alicevoice/pkg/provider/s2s/mock"
	vadmock "github.com/MrWong99/alicevoice/pkg/provider/vad/mock"
)

type harness struct {
	ctrl  *Controller
	prov  *s2smock.Provider
	sess  *s2smock.Session
	dev   *audiomock.Device
	in    *audiomock.Input
	out   *audiomock.Output
	vad   *vadmock.Session
	rec   *Recorder
	tools *fakeTools
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sess:  s2smock.NewSession(),
		in:    audiomock.NewInput(16000),
		out:   audiomock.NewOutput(),
		vad:   &vadmock.Session{},
		rec:   NewRecorder(),
		tools: &fakeTools{result: "ok"},
	}
	h.prov = &s2smock.Provider{Session: h.sess}
	h.dev = &audiomock.Device{Input: h.in, Output: h.out}
	cfg := Config{
		Provider:       h.prov,
		Device:         h.dev,
		VAD:            &vadmock.Engine{Session: h.vad},
		Tools:          h.tools,
		Sink:           h.rec,
		PlaybackPoll:   10 * time.Millisecond,
		CaptureBackoff: 5 * time.Millisecond,
		PausePoll:      5 * time.Millisecond,
		Metrics:        observe.DefaultMetrics(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctrl, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.ctrl = ctrl
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ctrl.Stop(ctx); err != nil {
			t.Errorf("cleanup Stop: %v", err)
		}
	})
	return h
}

func (h *harness) start(t *testing.T, opts StartOptions) {
	t.Helper()
	if err := h.ctrl.Start(context.Background(), opts); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func hasStatus(rec *Recorder, msg string) bool {
	for _, ev := range rec.OfKind(EventStatus) {
		if ev.Msg == msg {
			return true
		}
	}
	return false
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{InboundQueueMax: -1, Policy: FailurePolicy(9)})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"provider", "audio device", "vad", "tool dispatcher", "inbound queue", "failure policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestController_StartSendsGreetingAndStops(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, StartOptions{})

	if got := h.ctrl.State(); got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
	texts := h.sess.Texts()
	if len(texts) == 0 || texts[0].Text != DefaultGreeting || !texts[0].EndOfTurn {
		t.Errorf("first text = %+v, want default greeting with end of turn", texts)
	}
	if !h.ctrl.Running() {
		t.Error("Running() = false while active")
	}
	if cfg := h.prov.Configs[0]; cfg.InputSampleRate != 16000 {
		t.Errorf("session input rate = %d, want 16000", cfg.InputSampleRate)
	}

	h.stop(t)

	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state after stop = %s, want idle", got)
	}
	if !h.sess.Closed() || !h.in.Closed() || !h.out.Closed() {
		t.Errorf("closed: session=%v input=%v output=%v", h.sess.Closed(), h.in.Closed(), h.out.Closed())
	}
	if h.vad.Closes() != 1 {
		t.Errorf("vad closes = %d, want 1", h.vad.Closes())
	}
	if !hasStatus(h.rec, StatusStarted) || !hasStatus(h.rec, StatusStopped) {
		t.Errorf("status events = %+v", h.rec.OfKind(EventStatus))
	}
}

func TestController_StartOptions(t *testing.T) {
	h := newHarness(t, nil)
	idx := 3
	h.start(t, StartOptions{InitialMessage: "Vad är klockan?", InputDeviceIndex: &idx})

	if texts := h.sess.Texts(); texts[0].Text != "Vad är klockan?" {
		t.Errorf("initial message = %q", texts[0].Text)
	}
	waitFor(t, "input stream open", func() bool { return len(h.dev.OpenedInputs()) == 1 })
	cfg := h.dev.OpenedInputs()[0]
	if cfg.DeviceIndex == nil || *cfg.DeviceIndex != 3 {
		t.Errorf("device index = %v, want 3", cfg.DeviceIndex)
	}
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || cfg.FrameSize != 1024 {
		t.Errorf("input config = %+v", cfg)
	}
}

func TestController_AlreadyRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, StartOptions{})
	if err := h.ctrl.Start(context.Background(), StartOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if n := len(h.prov.Configs); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestController_NotConnected(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.ctrl.SendText("hej"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText = %v, want ErrNotConnected", err)
	}
	if err := h.ctrl.Pause(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Pause = %v, want ErrNotConnected", err)
	}
	if err := h.ctrl.Resume(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Resume = %v, want ErrNotConnected", err)
	}
}

func TestController_SendText(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, StartOptions{})
	if err := h.ctrl.SendText("tänd lampan"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	texts := h.sess.Texts()
	if last := texts[len(texts)-1]; last.Text != "tänd lampan" || !last.EndOfTurn {
		t.Errorf("last text = %+v", last)
	}
}

func TestController_StopIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.stop(t)
	h.start(t, StartOptions{})
	h.stop(t)
	h.stop(t)
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if h.ctrl.Done() != nil {
		t.Error("Done() should be nil when idle")
	}
}

func TestController_ConnectFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.ConnectErr = errors.New("401 unauthorized")

	err := h.ctrl.Start(context.Background(), StartOptions{})
	var re *RemoteError
	if !errors.As(err, &re) || re.Op != "connect" {
		t.Fatalf("Start = %v, want connect *RemoteError", err)
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
	if h.vad.Closes() != 1 {
		t.Errorf("vad closes = %d, want 1", h.vad.Closes())
	}
}

func TestController_CaptureForwardsAudio(t *testing.T) {
	h := newHarness(t, nil)
	loud := audio.Int16ToBytes([]int16{4000, -4000, 4000, -4000})
	h.in.Push(loud)
	h.start(t, StartOptions{})

	waitFor(t, "audio sent", func() bool {
		for _, chunk := range h.sess.Audio() {
			if len(chunk) == len(loud) && chunk[0] == loud[0] {
				return true
			}
		}
		return false
	})
	if h.vad.Frames() == 0 {
		t.Error("captured frames did not reach the vad")
	}
}

func TestController_PauseResume(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, StartOptions{Muted: true})

	if got := h.ctrl.State(); got != StatePaused {
		t.Fatalf("state = %s, want paused", got)
	}
	time.Sleep(30 * time.Millisecond)
	if n := h.in.Reads(); n != 0 {
		t.Errorf("reads while muted = %d, want 0", n)
	}
	if !hasStatus(h.rec, StatusMuted) {
		t.Error("missing muted status")
	}

	if err := h.ctrl.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "capture resumed", func() bool { return h.in.Reads() > 0 })
	if !hasStatus(h.rec, StatusUnmuted) {
		t.Error("missing unmuted status")
	}

	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !h.ctrl.Paused() {
		t.Error("Paused() = false")
	}
	// Pausing twice is a no-op.
	if err := h.ctrl.Pause(); err != nil {
		t.Fatalf("second Pause: %v", err)
	}
	if err := h.ctrl.SendText("fortfarande här"); err != nil {
		t.Errorf("SendText while paused: %v", err)
	}
}

func TestController_EchoSuppression(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, StartOptions{})
	waitFor(t, "capture running", func() bool { return h.vad.Frames() > 0 })

	h.sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: make([]byte, 480), SampleRate: 24000})
	select {
	case <-h.out.Written():
	case <-time.After(2 * time.Second):
		t.Fatal("model audio never played")
	}
	// Let a frame read before the flag flipped finish its way through.
	time.Sleep(20 * time.Millisecond)

	vadBefore, sentBefore := h.vad.Frames(), len(h.sess.Audio())
	readsBefore := h.in.Reads()
	time.Sleep(50 * time.Millisecond)

	if h.in.Reads() == readsBefore {
		t.Fatal("capture stopped reading; suppression window not exercised")
	}
	if got := h.vad.Frames(); got != vadBefore {
		t.Errorf("vad frames grew from %d to %d while speaking", vadBefore, got)
	}
	if got := len(h.sess.Audio()); got != sentBefore {
		t.Errorf("sent frames grew from %d to %d while speaking", sentBefore, got)
	}

	h.sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
	waitFor(t, "capture after turn", func() bool { return h.vad.Frames() > vadBefore })
}

func TestController_PlaybackEmitsAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, StartOptions{})

	h.sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: []byte{1, 2, 3, 4}, SampleRate: 24000})
	waitFor(t, "audio_data event", func() bool { return len(h.rec.OfKind(EventAudioData)) == 1 })

	frames := h.out.Frames()
	if len(frames) != 1 || frames[0].SampleRate != 24000 {
		t.Errorf("played frames = %+v", frames)
	}
	if ev := h.rec.OfKind(EventAudioData)[0]; len(ev.Audio) != 4 || ev.Audio[0] != 1 {
		t.Errorf("audio_data payload = %v", ev.Audio)
	}
}

func TestController_BargeInScenario(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, nil)
	h.out.Gate = gate
	defer close(gate)
	h.start(t, StartOptions{})

	// One frame is taken by the blocked speaker; three stay queued.
	for i := range 4 {
		h.sess.Emit(s2s.Event{Kind: s2s.EventAudio, Audio: []byte{byte(i), 0}, SampleRate: 24000})
	}
	h.sess.Emit(s2s.Event{Kind: s2s.EventInputTranscription, Text: ""})
	h.sess.Emit(s2s.Event{Kind: s2s.EventInputTranscription, Text: "väder"})

	waitFor(t, "interruption", func() bool { return len(h.rec.OfKind(EventInterrupted)) == 1 })

	ev := h.rec.OfKind(EventInterrupted)[0]
	if ev.Cleared < 3 {
		t.Errorf("cleared = %d, want >= 3", ev.Cleared)
	}
	h.ctrl.mu.Lock()
	n := h.ctrl.run.inbound.Len()
	h.ctrl.mu.Unlock()
	if n != 0 {
		t.Errorf("inbound len = %d, want 0", n)
	}

	waitFor(t, "user transcription", func() bool { return len(texts(h.rec.Events(), SenderUser)) == 1 })
	if got := texts(h.rec.Events(), SenderUser); got[0] != "väder" {
		t.Errorf("user transcription = %q, want %q", got[0], "väder")
	}
}

func TestController_ToolCallRoundTrip(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		d, err := tools.NewDispatcher([]tools.Tool{tools.WebSearch()})
		if err != nil {
			t.Fatalf("NewDispatcher: %v", err)
		}
		cfg.Tools = d
	})
	h.start(t, StartOptions{})

	h.sess.Emit(s2s.Event{Kind: s2s.EventToolCall, ToolCalls: []s2s.ToolCall{
		{ID: "a", Name: "web_search", Args: map[string]any{"query": "väder i Malmö"}},
		{ID: "b", Name: "open_garage"},
	}})

	want := []string{
		"Verktygsresultat för web_search: Söker efter: väder i Malmö",
		"Verktygsresultat för open_garage: Verktyget är inte tillgängligt.",
	}
	waitFor(t, "tool results", func() bool { return len(h.sess.Texts()) == 3 })
	sent := h.sess.Texts()[1:]
	for i, w := range want {
		if sent[i].Text != w || !sent[i].EndOfTurn {
			t.Errorf("result[%d] = %+v, want %q", i, sent[i], w)
		}
	}
	if n := len(h.rec.OfKind(EventToolCall)); n != 2 {
		t.Errorf("tool_call events = %d, want 2", n)
	}
}

func TestController_MicOpenFailureCancelsAll(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.OpenInputError = errors.New("no such device")
	h.start(t, StartOptions{})

	waitFor(t, "teardown", func() bool { return h.ctrl.State() == StateIdle })

	errs := h.rec.OfKind(EventError)
	if len(errs) == 0 || errs[0].Msg != "Microphone error: no such device" {
		t.Errorf("error events = %+v", errs)
	}
	if !h.sess.Closed() {
		t.Error("remote session not closed")
	}
	waitFor(t, "stopped status", func() bool { return hasStatus(h.rec, StatusStopped) })
}

func TestController_IsolatePolicyKeepsRunning(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Policy = Isolate })
	h.dev.OpenInputError = errors.New("no such device")
	h.start(t, StartOptions{})

	waitFor(t, "mic error", func() bool { return len(h.rec.OfKind(EventError)) == 1 })
	h.sess.Emit(s2s.Event{Kind: s2s.EventOutputTranscription, Text: "Jag hör dig inte"})
	waitFor(t, "assistant transcript", func() bool { return len(texts(h.rec.Events(), SenderAlice)) == 1 })

	if got := h.ctrl.State(); got != StateActive {
		t.Errorf("state = %s, want active", got)
	}
}

func TestController_RemoteFailureTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t, StartOptions{})

	h.sess.Fail(errors.New("connection reset"))
	waitFor(t, "teardown", func() bool { return h.ctrl.State() == StateIdle })

	found := false
	for _, ev := range h.rec.OfKind(EventError) {
		if ev.Msg == "Connection error: connection reset" {
			found = true
		}
	}
	if !found {
		t.Errorf("error events = %+v", h.rec.OfKind(EventError))
	}
	if err := h.ctrl.SendText("hallå?"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText after teardown = %v, want ErrNotConnected", err)
	}
}

func TestController_Restart(t *testing.T) {
	h := newHarness(t, nil)
	h.prov.Session = nil
	h.dev.Input, h.dev.Output = nil, nil

	h.start(t, StartOptions{})
	h.stop(t)
	h.start(t, StartOptions{InitialMessage: "igen"})

	sessions := h.prov.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	if !sessions[0].Closed() {
		t.Error("first session not closed")
	}
	if sessions[1].Closed() {
		t.Error("second session closed while running")
	}
	if got := sessions[1].Texts()[0].Text; got != "igen" {
		t.Errorf("second greeting = %q", got)
	}
}

// gatedProvider blocks Connect until gate is closed. With honorCtx a
// cancelled connect context also releases it.
type gatedProvider struct {
	entered  chan struct{}
	gate     chan struct{}
	honorCtx bool
	sess     *s2smock.Session
}

func newGatedProvider(honorCtx bool) *gatedProvider {
	return &gatedProvider{
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
		honorCtx: honorCtx,
		sess:     s2smock.NewSession(),
	}
}

func (p *gatedProvider) Connect(ctx context.Context, _ s2s.SessionConfig) (s2s.SessionHandle, error) {
	close(p.entered)
	if p.honorCtx {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-p.gate
	}
	return p.sess, nil
}

func (h *harness) startAsync() <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Start(context.Background(), StartOptions{}) }()
	return errc
}

func TestController_StopDuringConnectCancelsIt(t *testing.T) {
	prov := newGatedProvider(true)
	h := newHarness(t, func(c *Config) { c.Provider = prov })

	errc := h.startAsync()
	<-prov.entered
	if got := h.ctrl.State(); got != StateConnecting {
		t.Fatalf("state = %v, want connecting", got)
	}
	h.stop(t)

	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if hasStatus(h.rec, StatusStarted) || !hasStatus(h.rec, StatusStopped) {
		t.Errorf("statuses = %+v, want only stopped", h.rec.OfKind(EventStatus))
	}
	if h.ctrl.Running() {
		t.Error("controller reports a live session")
	}
}

func TestController_StopDuringConnectClosesLateSession(t *testing.T) {
	prov := newGatedProvider(false)
	h := newHarness(t, func(c *Config) { c.Provider = prov })

	errc := h.startAsync()
	<-prov.entered

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		stopped <- h.ctrl.Stop(ctx)
	}()
	waitFor(t, "stop requested", func() bool {
		h.ctrl.mu.Lock()
		defer h.ctrl.mu.Unlock()
		return h.ctrl.pending != nil && h.ctrl.pending.stopped
	})
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v before the connect finished", err)
	default:
	}

	close(prov.gate)
	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}
	if err := <-stopped; err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if !prov.sess.Closed() {
		t.Error("session connected after stop was left open")
	}
	if got := h.ctrl.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
	if hasStatus(h.rec, StatusStarted) {
		t.Error("started status emitted after stop")
	}

	// The controller is usable again.
	h.ctrl.cfg.Provider = h.prov
	h.start(t, StartOptions{})
	if !h.ctrl.Running() {
		t.Error("restart after cancelled start did not go live")
	}
}

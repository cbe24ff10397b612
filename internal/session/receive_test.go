package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/pkg/audio"
	audiomock "github.com/MrWong99/alicevoice/pkg/audio/mock"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/alicevoice/pkg/provider/s2s/mock"
	vadmock "github.com/MrWong99/alicevoice/pkg/provider/vad/mock"
)

// fakeTools records dispatched calls and answers with result.
type fakeTools struct {
	mu     sync.Mutex
	calls  []s2s.ToolCall
	result string
}

func (f *fakeTools) Dispatch(_ context.Context, call s2s.ToolCall) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.result
}

func (f *fakeTools) Calls() []s2s.ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]s2s.ToolCall(nil), f.calls...)
}

// newTestReceiver returns a receiver over a run that has no pipelines
// running, so handle can be driven step by step.
func newTestReceiver(t *testing.T) (*receiver, *Recorder, *s2smock.Session, *fakeTools) {
	t.Helper()
	rec := NewRecorder()
	sess := s2smock.NewSession()
	ft := &fakeTools{result: "ok"}
	cfg := Config{
		Provider: &s2smock.Provider{Session: sess},
		Device:   &audiomock.Device{},
		VAD:      &vadmock.Engine{},
		Tools:    ft,
		Sink:     rec,
		Metrics:  observe.DefaultMetrics(),
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := newRun(ctx, cancel, cfg, cfg.Input, sess, &vadmock.Session{})
	return &receiver{run: r}, rec, sess, ft
}

func handleAll(t *testing.T, rc *receiver, evs ...s2s.Event) {
	t.Helper()
	for _, ev := range evs {
		if err := rc.handle(context.Background(), ev); err != nil {
			t.Fatalf("handle(%v): %v", ev.Kind, err)
		}
	}
}

func texts(evs []Event, sender string) []string {
	var out []string
	for _, ev := range evs {
		if ev.Kind == EventTranscription && ev.Sender == sender {
			out = append(out, ev.Text)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestReceive_AudioQueuesAndSetsSpeaking(t *testing.T) {
	rc, _, _, _ := newTestReceiver(t)
	handleAll(t, rc,
		s2s.Event{Kind: s2s.EventAudio, Audio: []byte{1, 0}, SampleRate: 24000},
		s2s.Event{Kind: s2s.EventAudio, Audio: []byte{2, 0}},
	)

	if !rc.speaking.Load() {
		t.Error("speaking flag not set after audio")
	}
	if n := rc.inbound.Len(); n != 2 {
		t.Fatalf("inbound len = %d, want 2", n)
	}
	first, _ := rc.inbound.TryPop()
	second, _ := rc.inbound.TryPop()
	if first.Data[0] != 1 || second.Data[0] != 2 {
		t.Error("inbound queue is not FIFO")
	}
	if second.SampleRate != 24000 {
		t.Errorf("default sample rate = %d, want output rate 24000", second.SampleRate)
	}
	if first.Timestamp < 0 || second.Timestamp < first.Timestamp {
		t.Errorf("timestamps = %v, %v; want non-negative offsets from run start in arrival order", first.Timestamp, second.Timestamp)
	}
}

func TestReceive_TranscriptDeltas(t *testing.T) {
	rc, rec, _, _ := newTestReceiver(t)
	handleAll(t, rc,
		s2s.Event{Kind: s2s.EventInputTranscription, Text: "hej"},
		s2s.Event{Kind: s2s.EventInputTranscription, Text: "hej där"},
		s2s.Event{Kind: s2s.EventInputTranscription, Text: "hej där"},
		s2s.Event{Kind: s2s.EventInputTranscription, Text: "nej"},
		s2s.Event{Kind: s2s.EventOutputTranscription, Text: "Hallå"},
		s2s.Event{Kind: s2s.EventOutputTranscription, Text: "Hallå du"},
	)

	if got, want := texts(rec.Events(), SenderUser), []string{"hej", " där", "nej"}; !equalStrings(got, want) {
		t.Errorf("user deltas = %q, want %q", got, want)
	}
	if got, want := texts(rec.Events(), SenderAlice), []string{"Hallå", " du"}; !equalStrings(got, want) {
		t.Errorf("assistant deltas = %q, want %q", got, want)
	}
	if n := len(rec.OfKind(EventInterrupted)); n != 3 {
		t.Errorf("interruptions = %d, want 3 (one per non-empty user delta)", n)
	}
}

func TestReceive_InterruptionClearsInbound(t *testing.T) {
	rc, rec, _, _ := newTestReceiver(t)
	for i := range 3 {
		handleAll(t, rc, s2s.Event{Kind: s2s.EventAudio, Audio: []byte{byte(i), 0}})
	}

	handleAll(t, rc, s2s.Event{Kind: s2s.EventInputTranscription, Text: "stopp"})

	if n := rc.inbound.Len(); n != 0 {
		t.Errorf("inbound len = %d, want 0", n)
	}
	if rc.speaking.Load() {
		t.Error("speaking flag still set after barge-in")
	}
	ints := rec.OfKind(EventInterrupted)
	if len(ints) != 1 || ints[0].Cleared != 3 {
		t.Errorf("interrupted events = %+v, want one with Cleared=3", ints)
	}
	evs := rec.Events()
	if last := evs[len(evs)-1]; last.Kind != EventTranscription || last.Text != "stopp" {
		t.Errorf("last event = %+v, want user transcription after interruption", last)
	}
}

func TestReceive_OutputTranscriptionDoesNotInterrupt(t *testing.T) {
	rc, rec, _, _ := newTestReceiver(t)
	handleAll(t, rc,
		s2s.Event{Kind: s2s.EventAudio, Audio: []byte{1, 0}},
		s2s.Event{Kind: s2s.EventOutputTranscription, Text: "Visst"},
		s2s.Event{Kind: s2s.EventInputTranscription, Text: ""},
	)
	if n := rc.inbound.Len(); n != 1 {
		t.Errorf("inbound len = %d, want 1", n)
	}
	if n := len(rec.OfKind(EventInterrupted)); n != 0 {
		t.Errorf("interruptions = %d, want 0", n)
	}
}

func TestReceive_TurnBoundaryResets(t *testing.T) {
	rc, rec, _, _ := newTestReceiver(t)
	handleAll(t, rc,
		s2s.Event{Kind: s2s.EventInputTranscription, Text: "hej"},
		s2s.Event{Kind: s2s.EventAudio, Audio: []byte{1, 0}},
		s2s.Event{Kind: s2s.EventOutputTranscription, Text: "Hej"},
		s2s.Event{Kind: s2s.EventTurnComplete},
	)
	if rc.speaking.Load() {
		t.Error("speaking flag still set after turn boundary")
	}

	handleAll(t, rc,
		s2s.Event{Kind: s2s.EventOutputTranscription, Text: "Hej där"},
		s2s.Event{Kind: s2s.EventInputTranscription, Text: "hej"},
	)
	if got, want := texts(rec.Events(), SenderAlice), []string{"Hej", "Hej där"}; !equalStrings(got, want) {
		t.Errorf("assistant deltas = %q, want %q", got, want)
	}
	if got, want := texts(rec.Events(), SenderUser), []string{"hej", "hej"}; !equalStrings(got, want) {
		t.Errorf("user deltas = %q, want %q", got, want)
	}
}

func TestReceive_EmptyTurnStillResets(t *testing.T) {
	rc, _, _, _ := newTestReceiver(t)
	rc.input.last = "stale"
	rc.output.last = "stale"
	rc.speaking.Store(true)

	handleAll(t, rc, s2s.Event{Kind: s2s.EventTurnComplete})

	if rc.input.last != "" || rc.output.last != "" || rc.speaking.Load() {
		t.Errorf("state after empty turn: input=%q output=%q speaking=%v",
			rc.input.last, rc.output.last, rc.speaking.Load())
	}
}

func TestReceive_ToolCallsDispatchedInOrder(t *testing.T) {
	rc, rec, sess, ft := newTestReceiver(t)
	handleAll(t, rc, s2s.Event{Kind: s2s.EventToolCall, ToolCalls: []s2s.ToolCall{
		{ID: "1", Name: "control_smart_home", Args: map[string]any{"device": "lampa"}},
		{ID: "2", Name: "web_search", Args: map[string]any{"query": "väder"}},
	}})

	calls := ft.Calls()
	if len(calls) != 2 || calls[0].ID != "1" || calls[1].ID != "2" {
		t.Fatalf("dispatched = %+v", calls)
	}
	obs := rec.OfKind(EventToolCall)
	if len(obs) != 2 || obs[0].Tool != "control_smart_home" || obs[1].Args["query"] != "väder" {
		t.Errorf("tool_call events = %+v", obs)
	}
	sent := sess.Texts()
	want := []s2smock.TextCall{
		{Text: "Verktygsresultat för control_smart_home: ok", EndOfTurn: true},
		{Text: "Verktygsresultat för web_search: ok", EndOfTurn: true},
	}
	if len(sent) != len(want) || sent[0] != want[0] || sent[1] != want[1] {
		t.Errorf("sent texts = %+v, want %+v", sent, want)
	}
}

func TestReceive_ToolResultSendFailureIsFatal(t *testing.T) {
	rc, rec, sess, _ := newTestReceiver(t)
	_ = sess.Close()

	err := rc.handle(context.Background(), s2s.Event{Kind: s2s.EventToolCall, ToolCalls: []s2s.ToolCall{{Name: "web_search"}}})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want *RemoteError", err)
	}
	if n := len(rec.OfKind(EventError)); n != 1 {
		t.Errorf("error events = %d, want 1", n)
	}
}

func TestReceive_ServerErrorReported(t *testing.T) {
	rc, rec, _, _ := newTestReceiver(t)
	handleAll(t, rc, s2s.Event{Kind: s2s.EventError, Text: "quota exceeded"})
	errs := rec.OfKind(EventError)
	if len(errs) != 1 || errs[0].Msg != "Connection error: quota exceeded" {
		t.Errorf("error events = %+v", errs)
	}
}

func TestReceive_BoundedInboundDropsOldest(t *testing.T) {
	rc, _, _, _ := newTestReceiver(t)
	cfg := Config{InboundQueueMax: 2, Metrics: observe.DefaultMetrics()}
	bounded := newRun(rc.ctx, rc.cancel, cfg, audio.StreamConfig{}, rc.sess, rc.vad)
	rc.inbound = bounded.inbound

	for i := range 4 {
		handleAll(t, rc, s2s.Event{Kind: s2s.EventAudio, Audio: []byte{byte(i), 0}})
	}
	if n := rc.inbound.Len(); n != 2 {
		t.Fatalf("inbound len = %d, want 2", n)
	}
	if f, _ := rc.inbound.TryPop(); f.Data[0] != 2 {
		t.Errorf("oldest kept frame = %d, want 2", f.Data[0])
	}
	if d := rc.inbound.Dropped(); d != 2 {
		t.Errorf("dropped = %d, want 2", d)
	}
}

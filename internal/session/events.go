package session

import (
	"sync"
)

// EventKind names an event delivered to an [EventSink]. The string values
// are the wire names used by the UI transport.
type EventKind string

const (
	// EventAudioData carries one frame that was just played.
	EventAudioData EventKind = "audio_data"

	// EventTranscription carries a transcript delta for one speaker.
	EventTranscription EventKind = "transcription"

	// EventToolCall is emitted before a tool is dispatched.
	EventToolCall EventKind = "tool_call"

	// EventError reports a pipeline or command failure.
	EventError EventKind = "error"

	// EventStatus reports a lifecycle change in human readable form.
	EventStatus EventKind = "status"

	// EventInterrupted is emitted on barge-in, with the number of queued
	// playback frames that were discarded.
	EventInterrupted EventKind = "interrupted"
)

// Transcript senders.
const (
	SenderUser  = "User"
	SenderAlice = "Alice"
)

// Status messages emitted by the controller.
const (
	StatusStarted  = "Alice Started"
	StatusStopped  = "Alice Stopped"
	StatusMuted    = "Mic Muted"
	StatusUnmuted  = "Mic Active"
	StatusRunning  = "Already running"
	StatusNotReady = "Not connected"
)

// Event is one notification for the UI. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind EventKind `json:"kind"`

	// Audio and SampleRate are set for EventAudioData.
	Audio      []byte `json:"audio,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// Sender and Text are set for EventTranscription.
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`

	// Tool and Args are set for EventToolCall.
	Tool string         `json:"tool,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// Msg is set for EventError and EventStatus.
	Msg string `json:"msg,omitempty"`

	// Cleared is set for EventInterrupted.
	Cleared int `json:"cleared,omitempty"`
}

// EventSink receives session events. Emit is called from pipeline goroutines
// and must not block for long; slow consumers should buffer.
type EventSink interface {
	Emit(ev Event)
}

// SinkFunc adapts a function to [EventSink].
type SinkFunc func(Event)

// Emit calls f(ev).
func (f SinkFunc) Emit(ev Event) { f(ev) }

// NopSink discards every event.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(Event) {}

// MultiSink fans an event out to several sinks in order.
type MultiSink []EventSink

// Emit forwards ev to every sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

// Recorder is an [EventSink] that keeps every event. Useful in tests and
// for diagnostics.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records ev.
func (r *Recorder) Emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns the recorded events of kind k.
func (r *Recorder) OfKind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

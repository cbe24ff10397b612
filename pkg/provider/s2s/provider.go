// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice model that accepts raw audio input and
// returns synthesised audio output in a single, stateful session. The session
// carries audio, cumulative transcripts, tool calls, and turn boundaries on one
// ordered event stream so that consumers observe them in the order the model
// produced them.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by send methods after the session has been
// closed.
var ErrSessionClosed = errors.New("s2s: session closed")

// ToolDefinition declares a function the model may call.
type ToolDefinition struct {
	// Name is the function name. Unique within a session.
	Name string

	// Description explains to the model when to call the function.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// ToolCall is a single function invocation requested by the model.
type ToolCall struct {
	// ID correlates the call with its response where the provider supports it.
	ID string

	// Name is the requested function name.
	Name string

	// Args holds the decoded JSON arguments. Never nil for a well-formed call.
	Args map[string]any
}

// EventKind enumerates the kinds of [Event] a session emits.
type EventKind int

const (
	// EventAudio carries one chunk of synthesised PCM speech.
	EventAudio EventKind = iota

	// EventInputTranscription carries the cumulative transcript of the user's
	// speech within the current turn.
	EventInputTranscription

	// EventOutputTranscription carries the cumulative transcript of the model's
	// speech within the current turn.
	EventOutputTranscription

	// EventToolCall carries a batch of function calls.
	EventToolCall

	// EventTurnComplete marks the end of a turn.
	EventTurnComplete

	// EventError reports an error sent by the remote endpoint. The session
	// stays open; fatal transport errors close the channel instead.
	EventError
)

// String returns a short name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInputTranscription:
		return "input_transcription"
	case EventOutputTranscription:
		return "output_transcription"
	case EventToolCall:
		return "tool_call"
	case EventTurnComplete:
		return "turn_complete"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item on a session's event stream. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind EventKind

	// Audio is little-endian 16-bit mono PCM (EventAudio).
	Audio []byte

	// SampleRate of Audio in Hz (EventAudio).
	SampleRate int

	// Text is the cumulative transcript (EventInputTranscription,
	// EventOutputTranscription) or the error message (EventError).
	Text string

	// ToolCalls is the batch of calls (EventToolCall).
	ToolCalls []ToolCall
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice is the provider's prebuilt voice name (e.g. "Aoede").
	Voice string

	// Instructions is the system-level prompt defining the assistant persona.
	Instructions string

	// Tools is the set of function declarations offered to the model.
	Tools []ToolDefinition

	// GoogleSearch enables the provider's built-in web search grounding, where
	// supported.
	GoogleSearch bool

	// InputTranscription and OutputTranscription request cumulative transcripts
	// of user and model speech.
	InputTranscription  bool
	OutputTranscription bool

	// InputSampleRate is the rate of PCM passed to SendAudio. Zero means 16000.
	InputSampleRate int
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use. Callers must call Close when the
// session is no longer needed.
type SessionHandle interface {
	// SendAudio streams one PCM chunk to the model. It never marks an end of
	// turn; turn detection is the endpoint's job.
	SendAudio(chunk []byte) error

	// SendText sends a text input. With endOfTurn set the model responds
	// immediately.
	SendText(text string, endOfTurn bool) error

	// Events returns the ordered event stream. The channel is closed when the
	// session ends; call Err afterwards to distinguish a clean close from a
	// failure.
	Events() <-chan Event

	// Err returns the error that closed the Events channel, or nil.
	Err() error

	// Close terminates the session and closes the Events channel. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new session. The returned SessionHandle is ready to
	// accept audio immediately. The caller owns it and must call Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

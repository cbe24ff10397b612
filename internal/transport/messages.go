package transport

import (
	"encoding/base64"

	"github.com/MrWong99/alicevoice/internal/session"
)

// Command types sent by UI clients.
const (
	CmdStartAudio  = "start_audio"
	CmdStopAudio   = "stop_audio"
	CmdPauseAudio  = "pause_audio"
	CmdResumeAudio = "resume_audio"
	CmdUserInput   = "user_input"
	CmdShutdown    = "shutdown"
)

// StatusConnected is sent to every client right after it connects.
const StatusConnected = "Connected to Alice Voice"

// Command is one message from a UI client. Only the fields relevant to Type
// are set.
type Command struct {
	Type        string `json:"type"`
	DeviceIndex *int   `json:"device_index,omitempty"`
	Muted       bool   `json:"muted,omitempty"`
	Text        string `json:"text,omitempty"`
}

// Message is one event pushed to UI clients. Type carries the event name
// (status, audio_data, transcription, tool_call, error, interrupted).
type Message struct {
	Type string `json:"type"`

	// Msg is set for status and error.
	Msg string `json:"msg,omitempty"`

	// Data is base64 encoded 16-bit PCM and SampleRate its rate (audio_data).
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// Sender and Text are set for transcription.
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text,omitempty"`

	// Name and Args are set for tool_call.
	Name string         `json:"name,omitempty"`
	Args map[string]any `json:"args,omitempty"`

	// Cleared is set for interrupted.
	Cleared int `json:"cleared,omitempty"`
}

// toMessage converts a session event to its wire form.
func toMessage(ev session.Event) Message {
	m := Message{Type: string(ev.Kind)}
	switch ev.Kind {
	case session.EventAudioData:
		m.Data = base64.StdEncoding.EncodeToString(ev.Audio)
		m.SampleRate = ev.SampleRate
	case session.EventTranscription:
		m.Sender = ev.Sender
		m.Text = ev.Text
	case session.EventToolCall:
		m.Name = ev.Tool
		m.Args = ev.Args
	case session.EventInterrupted:
		m.Cleared = ev.Cleared
	default:
		m.Msg = ev.Msg
	}
	return m
}

func statusMessage(msg string) Message { return Message{Type: string(session.EventStatus), Msg: msg} }

func errorMessage(msg string) Message { return Message{Type: string(session.EventError), Msg: msg} }

package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// skipSetup consumes the client's setup message and acknowledges it.
func skipSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, h s2s.SessionHandle) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return s2s.Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	if got := gemini.New("k").Model(); got != gemini.DefaultModel {
		t.Errorf("Model() = %q, want %q", got, gemini.DefaultModel)
	}
	if got := gemini.New("k", gemini.WithModel("models/x")).Model(); got != "x" {
		t.Errorf("Model() = %q, want %q", got, "x")
	}
}

func TestConnect_SetupMessage(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
				GoogleSearch *struct{} `json:"googleSearch"`
			} `json:"tools"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	gotCh := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		gotCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv, gemini.WithModel("test-model")).Connect(context.Background(), s2s.SessionConfig{
		Voice:               "Aoede",
		Instructions:        "Du är Alice.",
		Tools:               []s2s.ToolDefinition{{Name: "control_smart_home", Description: "d"}},
		GoogleSearch:        true,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if key := <-keyCh; key != "test-api-key" {
		t.Errorf("api key = %q", key)
	}

	var msg setupMsg
	select {
	case msg = <-gotCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup")
	}
	s := msg.Setup
	if s.Model != "models/test-model" {
		t.Errorf("model = %q", s.Model)
	}
	if len(s.GenerationConfig.ResponseModalities) != 1 || s.GenerationConfig.ResponseModalities[0] != "AUDIO" {
		t.Errorf("modalities = %v", s.GenerationConfig.ResponseModalities)
	}
	if v := s.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Aoede" {
		t.Errorf("voice = %q", v)
	}
	if len(s.SystemInstruction.Parts) != 1 || s.SystemInstruction.Parts[0].Text != "Du är Alice." {
		t.Errorf("system instruction = %+v", s.SystemInstruction)
	}
	if s.InputAudioTranscription == nil || s.OutputAudioTranscription == nil {
		t.Error("transcription configs missing")
	}
	if len(s.Tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(s.Tools))
	}
	if len(s.Tools[0].FunctionDeclarations) != 1 || s.Tools[0].FunctionDeclarations[0].Name != "control_smart_home" {
		t.Errorf("function declarations = %+v", s.Tools[0].FunctionDeclarations)
	}
	if s.Tools[1].GoogleSearch == nil {
		t.Error("googleSearch tool missing")
	}
}

func TestSendAudio_MediaChunk(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	gotCh := make(chan chunkMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		var msg chunkMsg
		readJSON(t, conn, &msg)
		gotCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	pcm := []byte{1, 2, 3, 4}
	if err := h.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-gotCh:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("chunks = %d, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mime = %q", chunks[0].MIMEType)
		}
		if chunks[0].Data != base64.StdEncoding.EncodeToString(pcm) {
			t.Errorf("data = %q", chunks[0].Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for media chunk")
	}
}

func TestSendText_ClientContent(t *testing.T) {
	t.Parallel()

	type textMsg struct {
		ClientContent struct {
			Turns []struct {
				Role  string `json:"role"`
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turnComplete"`
		} `json:"clientContent"`
	}
	gotCh := make(chan textMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		var msg textMsg
		readJSON(t, conn, &msg)
		gotCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if err := h.SendText("Hej!", true); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	select {
	case msg := <-gotCh:
		cc := msg.ClientContent
		if !cc.TurnComplete {
			t.Error("turnComplete = false")
		}
		if len(cc.Turns) != 1 || cc.Turns[0].Role != "user" || cc.Turns[0].Parts[0].Text != "Hej!" {
			t.Errorf("turns = %+v", cc.Turns)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for client content")
	}
}

func TestEvents_OrderWithinMessage(t *testing.T) {
	t.Parallel()

	pcm := []byte{10, 0, 20, 0}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)}},
					},
				},
				"inputTranscription":  map[string]any{"text": "väder"},
				"outputTranscription": map[string]any{"text": "Det är"},
				"turnComplete":        true,
			},
		})
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{"id": "c1", "name": "control_smart_home", "args": map[string]any{"device": "lampa"}},
					{"id": "c2", "name": "web_search"},
				},
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	ev := nextEvent(t, h)
	if ev.Kind != s2s.EventAudio || string(ev.Audio) != string(pcm) || ev.SampleRate != 24000 {
		t.Errorf("event 0 = %+v, want audio at 24000", ev)
	}
	if ev := nextEvent(t, h); ev.Kind != s2s.EventInputTranscription || ev.Text != "väder" {
		t.Errorf("event 1 = %+v, want input transcription", ev)
	}
	if ev := nextEvent(t, h); ev.Kind != s2s.EventOutputTranscription || ev.Text != "Det är" {
		t.Errorf("event 2 = %+v, want output transcription", ev)
	}
	if ev := nextEvent(t, h); ev.Kind != s2s.EventTurnComplete {
		t.Errorf("event 3 = %v, want turn_complete", ev.Kind)
	}
	ev = nextEvent(t, h)
	if ev.Kind != s2s.EventToolCall || len(ev.ToolCalls) != 2 {
		t.Fatalf("event 4 = %+v, want 2 tool calls", ev)
	}
	if c := ev.ToolCalls[0]; c.ID != "c1" || c.Name != "control_smart_home" || c.Args["device"] != "lampa" {
		t.Errorf("call 0 = %+v", c)
	}
	if c := ev.ToolCalls[1]; c.Args == nil {
		t.Error("call without args should carry an empty map")
	}
}

func TestEvents_ServerError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 429, "message": "quota exceeded"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if ev := nextEvent(t, h); ev.Kind != s2s.EventError || ev.Text != "quota exceeded" {
		t.Errorf("event = %+v, want error", ev)
	}
}

func TestEvents_AbnormalCloseSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-h.Events():
			if ok {
				continue
			}
			if h.Err() == nil {
				t.Error("Err() = nil after abnormal close")
			}
			return
		case <-timeout:
			t.Fatal("timeout waiting for events channel to close")
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	h, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := h.SendAudio([]byte{0, 0}); !errors.Is(err, gemini.ErrSessionClosed) {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := h.SendText("x", true); !errors.Is(err, gemini.ErrSessionClosed) {
		t.Errorf("SendText after Close = %v, want ErrSessionClosed", err)
	}

	select {
	case _, ok := <-h.Events():
		for ok {
			_, ok = <-h.Events()
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after Close")
	}
	if h.Err() != nil {
		t.Errorf("Err() = %v after clean close, want nil", h.Err())
	}
}

func TestConnect_DialError(t *testing.T) {
	t.Parallel()
	p := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Error("Connect to closed port: want error")
	}
}

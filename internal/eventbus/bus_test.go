package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/MrWong99/alicevoice/internal/session"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoSigs: true, NoLog: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func subscribe(t *testing.T, ns *server.Server, subject string) *nats.Subscription {
	t.Helper()
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	t.Cleanup(nc.Close)
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return sub
}

func next(t *testing.T, sub *nats.Subscription) (string, session.Event) {
	t.Helper()
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next message: %v", err)
	}
	var ev session.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		t.Fatalf("unmarshal %s: %v", msg.Data, err)
	}
	return msg.Subject, ev
}

func TestBus_PublishesOnKindSubjects(t *testing.T) {
	ns := startServer(t)
	sub := subscribe(t, ns, "home.>")

	bus, err := Connect(ns.ClientURL(), WithPrefix("home"))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(bus.Close)
	if !bus.Healthy() {
		t.Error("Healthy() = false after connect")
	}

	bus.Emit(session.Event{Kind: session.EventTranscription, Sender: session.SenderAlice, Text: "Hej"})
	bus.Emit(session.Event{Kind: session.EventToolCall, Tool: "web_search", Args: map[string]any{"query": "väder"}})
	bus.Emit(session.Event{Kind: session.EventAudioData, Audio: []byte{1, 2}, SampleRate: 24000})
	if err := bus.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	subj, ev := next(t, sub)
	if subj != "home.transcription" || ev.Sender != "Alice" || ev.Text != "Hej" {
		t.Errorf("got %s %+v", subj, ev)
	}
	subj, ev = next(t, sub)
	if subj != "home.tool_call" || ev.Tool != "web_search" || ev.Args["query"] != "väder" {
		t.Errorf("got %s %+v", subj, ev)
	}
	subj, ev = next(t, sub)
	if subj != "home.audio_data" || len(ev.Audio) != 2 || ev.SampleRate != 24000 {
		t.Errorf("got %s %+v", subj, ev)
	}
}

func TestBus_WithoutAudio(t *testing.T) {
	ns := startServer(t)
	sub := subscribe(t, ns, DefaultPrefix+".>")

	bus, err := Connect(ns.ClientURL(), WithoutAudio())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(bus.Close)

	bus.Emit(session.Event{Kind: session.EventAudioData, Audio: []byte{1}})
	bus.Emit(session.Event{Kind: session.EventStatus, Msg: session.StatusStarted})
	if err := bus.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	subj, ev := next(t, sub)
	if subj != "alice.status" || ev.Msg != session.StatusStarted {
		t.Errorf("got %s %+v, want only the status event", subj, ev)
	}
}

func TestConnect_Errors(t *testing.T) {
	t.Parallel()
	if _, err := Connect(""); err == nil {
		t.Error("Connect(\"\") = nil error")
	}
	if _, err := Connect("nats://127.0.0.1:1", WithConnectTimeout(200*time.Millisecond)); err == nil {
		t.Error("Connect to closed port = nil error")
	}
}

func TestBus_Subject(t *testing.T) {
	t.Parallel()
	b := &Bus{prefix: "x"}
	if got := b.Subject(session.EventInterrupted); got != "x.interrupted" {
		t.Errorf("Subject = %q", got)
	}
}

// Package transport exposes the voice session to UI clients over a websocket.
//
// Clients send JSON commands ({"type": "start_audio", ...}) and receive every
// session event as a JSON message. A [Hub] is both the HTTP handler for the
// websocket endpoint and the [session.EventSink] that fans events out to all
// connected clients.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/internal/session"
)

const (
	// defaultSendBuffer is the per-client outgoing message buffer. Messages
	// for a client whose buffer is full are dropped.
	defaultSendBuffer = 256

	// writeTimeout bounds one websocket write.
	writeTimeout = 5 * time.Second

	// startTimeout bounds connecting the remote session on start_audio.
	startTimeout = 30 * time.Second

	// stopTimeout bounds waiting for the pipelines on stop_audio.
	stopTimeout = 10 * time.Second

	maxCommandBytes = 64 << 10
)

// Controller is the command surface the hub drives. [*session.Controller]
// implements it.
type Controller interface {
	Start(ctx context.Context, opts session.StartOptions) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	SendText(text string) error
}

var _ Controller = (*session.Controller)(nil)

// Option configures a Hub.
type Option func(*Hub)

// WithShutdown sets the callback run on the shutdown command, after the
// session has been stopped.
func WithShutdown(fn func()) Option {
	return func(h *Hub) { h.shutdown = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// WithOriginPatterns allows cross-origin websocket connections from the given
// host patterns. "*" allows every origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithSendBuffer overrides the per-client outgoing buffer size.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// Hub tracks connected UI clients. All methods are safe for concurrent use.
type Hub struct {
	ctrl       Controller
	shutdown   func()
	metrics    *observe.Metrics
	origins    []string
	sendBuffer int

	mu      sync.Mutex
	clients map[*client]struct{}
}

var _ session.EventSink = (*Hub)(nil)

// NewHub returns a Hub driving ctrl.
func NewHub(ctrl Controller, opts ...Option) *Hub {
	h := &Hub{
		ctrl:       ctrl,
		sendBuffer: defaultSendBuffer,
		clients:    make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// client is one websocket connection.
type client struct {
	send chan Message
}

// Emit broadcasts ev to every connected client without blocking.
func (h *Hub) Emit(ev session.Event) {
	h.broadcast(toMessage(ev))
}

func (h *Hub) broadcast(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.enqueue(c, m)
	}
}

func (h *Hub) enqueue(c *client, m Message) {
	select {
	case c.send <- m:
	default:
		slog.Debug("transport: client buffer full, dropping message", "type", m.Type)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectedClients.Add(context.Background(), 1)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.metrics.ConnectedClients.Add(context.Background(), -1)
}

// ServeHTTP upgrades the request to a websocket and serves the client until
// it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{OriginPatterns: h.origins}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("transport: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxCommandBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &client{send: make(chan Message, h.sendBuffer)}
	h.enqueue(c, statusMessage(StatusConnected))
	h.register(c)
	defer h.unregister(c)
	slog.Info("transport: client connected", "remote", r.RemoteAddr)

	go h.writeLoop(ctx, cancel, conn, c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || websocket.CloseStatus(err) == websocket.StatusGoingAway || ctx.Err() != nil {
				slog.Info("transport: client disconnected", "remote", r.RemoteAddr)
			} else {
				slog.Warn("transport: read failed", "remote", r.RemoteAddr, "err", err)
			}
			return
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.enqueue(c, errorMessage("Invalid command: "+err.Error()))
			continue
		}
		h.handle(ctx, c, cmd)
	}
}

// writeLoop drains c.send onto conn until ctx is done or a write fails.
func (h *Hub) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, c *client) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-c.send:
			data, err := json.Marshal(m)
			if err != nil {
				slog.Error("transport: marshal message", "type", m.Type, "err", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("transport: write failed", "err", err)
				}
				return
			}
		}
	}
}

// handle executes one command. Replies meant only for the sender go to c;
// lifecycle statuses are broadcast by the session itself.
func (h *Hub) handle(ctx context.Context, c *client, cmd Command) {
	log := slog.With("command", cmd.Type)
	switch cmd.Type {
	case CmdStartAudio:
		// Connecting takes a while; keep reading so a stop_audio can cancel it.
		go h.start(ctx, c, cmd, log)

	case CmdStopAudio:
		h.stop(ctx, log)

	case CmdPauseAudio:
		h.reply(c, h.ctrl.Pause(), "pause", log)

	case CmdResumeAudio:
		h.reply(c, h.ctrl.Resume(), "resume", log)

	case CmdUserInput:
		if cmd.Text == "" {
			return
		}
		err := h.ctrl.SendText(cmd.Text)
		switch {
		case errors.Is(err, session.ErrNotConnected):
			h.enqueue(c, errorMessage(session.StatusNotReady))
		case err != nil:
			log.Warn("send text failed", "err", err)
			h.enqueue(c, errorMessage(err.Error()))
		}

	case CmdShutdown:
		log.Info("shutdown requested by client")
		h.stop(ctx, log)
		if h.shutdown != nil {
			h.shutdown()
		}

	default:
		h.enqueue(c, errorMessage("Unknown command: "+cmd.Type))
	}
}

func (h *Hub) start(ctx context.Context, c *client, cmd Command, log *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startTimeout)
	defer cancel()
	err := h.ctrl.Start(sctx, session.StartOptions{InputDeviceIndex: cmd.DeviceIndex, Muted: cmd.Muted})
	switch {
	case errors.Is(err, session.ErrAlreadyRunning):
		h.enqueue(c, statusMessage(session.StatusRunning))
	case errors.Is(err, session.ErrStopped):
		log.Info("start cancelled by stop")
	case err != nil:
		log.Error("start failed", "err", err)
		h.broadcast(errorMessage("Start failed: " + err.Error()))
	}
}

// reply reports a pause or resume failure to the sender.
func (h *Hub) reply(c *client, err error, op string, log *slog.Logger) {
	switch {
	case errors.Is(err, session.ErrNotConnected):
		h.enqueue(c, errorMessage(session.StatusNotReady))
	case err != nil:
		log.Warn(op+" failed", "err", err)
		h.enqueue(c, errorMessage(err.Error()))
	}
}

func (h *Hub) stop(ctx context.Context, log *slog.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := h.ctrl.Stop(sctx); err != nil {
		log.Warn("stop failed", "err", err)
	}
}

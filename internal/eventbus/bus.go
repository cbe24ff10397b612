// Package eventbus mirrors session events onto a NATS server so that other
// processes (dashboards, home automation bridges) can follow a conversation
// without holding a websocket open.
//
// Each event is published as JSON on the subject "<prefix>.<kind>", for
// example "alice.transcription" or "alice.tool_call".
package eventbus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/alicevoice/internal/session"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "alice"

const defaultConnectTimeout = 5 * time.Second

// Option configures a Bus.
type Option func(*options)

type options struct {
	prefix      string
	name        string
	timeout     time.Duration
	skipAudio   bool
	natsOptions []nats.Option
}

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithName sets the connection name reported to the server.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithConnectTimeout bounds the initial connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithoutAudio stops audio_data events from being published.
func WithoutAudio() Option {
	return func(o *options) { o.skipAudio = true }
}

// WithNATSOptions passes extra options to [nats.Connect].
func WithNATSOptions(opts ...nats.Option) Option {
	return func(o *options) { o.natsOptions = append(o.natsOptions, opts...) }
}

// Bus is a [session.EventSink] that publishes to NATS. Emit never blocks on
// the network; the NATS client buffers outgoing messages.
type Bus struct {
	conn      *nats.Conn
	prefix    string
	skipAudio bool
}

var _ session.EventSink = (*Bus)(nil)

// Connect dials the NATS server at url.
func Connect(url string, opts ...Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("eventbus: no NATS url configured")
	}
	o := options{prefix: DefaultPrefix, name: "alicevoice", timeout: defaultConnectTimeout}
	for _, fn := range opts {
		fn(&o)
	}

	natsOpts := append([]nats.Option{
		nats.Name(o.name),
		nats.Timeout(o.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("eventbus: disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("eventbus: reconnected", "url", c.ConnectedUrl())
		}),
	}, o.natsOptions...)

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect to nats: %w", err)
	}
	slog.Info("eventbus: connected to NATS", "url", url, "prefix", o.prefix)
	return &Bus{conn: conn, prefix: o.prefix, skipAudio: o.skipAudio}, nil
}

// Subject returns the subject events of kind are published on.
func (b *Bus) Subject(kind session.EventKind) string {
	return b.prefix + "." + string(kind)
}

// Emit publishes ev. Failures are logged and otherwise ignored.
func (b *Bus) Emit(ev session.Event) {
	if b.skipAudio && ev.Kind == session.EventAudioData {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("eventbus: marshal event", "kind", ev.Kind, "err", err)
		return
	}
	if err := b.conn.Publish(b.Subject(ev.Kind), data); err != nil {
		slog.Debug("eventbus: publish failed", "kind", ev.Kind, "err", err)
	}
}

// Flush waits until all published events have been acknowledged by the
// server.
func (b *Bus) Flush() error {
	return b.conn.Flush()
}

// Healthy reports whether the connection is currently established.
func (b *Bus) Healthy() bool {
	return b != nil && b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Close drains pending events and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

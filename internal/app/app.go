// Package app wires the voice service subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// config, Serve runs the HTTP server until the context ends or a client asks
// for shutdown, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithDevice, WithProvider, etc.). When an option is not provided, New
// creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/alicevoice/internal/config"
	"github.com/MrWong99/alicevoice/internal/eventbus"
	"github.com/MrWong99/alicevoice/internal/health"
	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/internal/resilience"
	"github.com/MrWong99/alicevoice/internal/session"
	"github.com/MrWong99/alicevoice/internal/smarthome"
	"github.com/MrWong99/alicevoice/internal/tools"
	"github.com/MrWong99/alicevoice/internal/transport"
	"github.com/MrWong99/alicevoice/pkg/audio"
	"github.com/MrWong99/alicevoice/pkg/audio/portaudio"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s/gemini"
	"github.com/MrWong99/alicevoice/pkg/provider/vad"
	"github.com/MrWong99/alicevoice/pkg/provider/vad/energy"
)

// readHeaderTimeout bounds reading request headers on the HTTP server.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics
	level   *slog.LevelVar

	device   audio.Device
	provider s2s.Provider
	vad      vad.Engine
	home     smarthome.Controller

	bus     *eventbus.Bus
	tools   *tools.Dispatcher
	ctrl    *session.Controller
	hub     *transport.Hub
	health  *health.Handler
	handler http.Handler

	server *http.Server

	shutdownReq  chan struct{}
	shutdownOnce sync.Once

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevice injects the audio device instead of opening PortAudio.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithProvider injects the remote session provider instead of Gemini Live.
func WithProvider(p s2s.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithVAD injects the voice activity detector instead of the energy VAD.
func WithVAD(e vad.Engine) Option {
	return func(a *App) { a.vad = e }
}

// WithSmartHome injects the device controller used by the smart home tool.
func WithSmartHome(c smarthome.Controller) Option {
	return func(a *App) { a.home = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.ApplyConfig] change the log level of the running
// process.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:         cfg,
		shutdownReq: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.initProviders()

	if err := a.initTools(); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initBus(); err != nil {
		return nil, fmt.Errorf("app: init event bus: %w", err)
	}
	if err := a.initSession(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.initHTTP()

	return a, nil
}

func (a *App) initProviders() {
	if a.device == nil {
		a.device = portaudio.New()
	}
	if a.provider == nil {
		if a.cfg.Gemini.APIKey == "" {
			slog.Warn("no Gemini API key configured; set " + config.EnvAPIKey + " or gemini.api_key")
		}
		var gopts []gemini.Option
		if a.cfg.Gemini.Model != "" {
			gopts = append(gopts, gemini.WithModel(a.cfg.Gemini.Model))
		}
		if a.cfg.Gemini.BaseURL != "" {
			gopts = append(gopts, gemini.WithBaseURL(a.cfg.Gemini.BaseURL))
		}
		p := gemini.New(a.cfg.Gemini.APIKey, gopts...)
		slog.Info("provider created", "kind", "s2s", "name", "gemini", "model", p.Model())
		a.provider = p
	}
	if a.vad == nil {
		a.vad = energy.New()
	}
	if a.home == nil {
		cb := resilience.NewCircuitBreaker(resilience.Config{
			Name:         "smarthome",
			MaxFailures:  a.cfg.Tools.BreakerFailures,
			ResetTimeout: a.cfg.Tools.BreakerReset.Std(),
			IsFailure:    smarthome.IsOutage,
		})
		a.home = smarthome.New(a.cfg.Tools.OrchestratorURL,
			smarthome.WithTimeout(a.cfg.Tools.Timeout.Std()),
			smarthome.WithBreaker(cb),
		)
	}
}

func (a *App) initTools() error {
	d, err := tools.NewDispatcher(tools.Defaults(a.home),
		tools.WithTimeout(a.cfg.Tools.Timeout.Std()),
		tools.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.tools = d
	return nil
}

func (a *App) initBus() error {
	if a.cfg.Bus.URL == "" {
		return nil
	}
	opts := []eventbus.Option{eventbus.WithPrefix(a.cfg.Bus.SubjectPrefix), eventbus.WithName(a.cfg.Telemetry.ServiceName)}
	if !a.cfg.Bus.PublishAudio {
		opts = append(opts, eventbus.WithoutAudio())
	}
	bus, err := eventbus.Connect(a.cfg.Bus.URL, opts...)
	if err != nil {
		return err
	}
	a.bus = bus
	a.closers = append(a.closers, func() error {
		bus.Close()
		return nil
	})
	return nil
}

func (a *App) initSession() error {
	scfg, err := sessionConfig(a.cfg)
	if err != nil {
		return err
	}
	scfg.Provider = a.provider
	scfg.Session = remoteSetup(a.cfg, a.tools.Definitions())
	scfg.Device = a.device
	scfg.VAD = a.vad
	scfg.Tools = a.tools
	scfg.Metrics = a.metrics

	// The hub needs the controller, so events reach it through a closure
	// that is only called once a session is running.
	sinks := session.MultiSink{session.SinkFunc(func(ev session.Event) { a.hub.Emit(ev) })}
	if a.bus != nil {
		sinks = append(sinks, a.bus)
	}
	scfg.Sink = sinks

	ctrl, err := session.New(scfg)
	if err != nil {
		return err
	}
	a.ctrl = ctrl
	a.hub = transport.NewHub(ctrl,
		transport.WithMetrics(a.metrics),
		transport.WithOriginPatterns(a.cfg.Server.AllowedOrigins...),
		transport.WithShutdown(a.requestShutdown),
	)
	return nil
}

func (a *App) initHTTP() {
	var checkers []health.Checker
	checkers = append(checkers, health.Checker{
		Name: "gemini",
		Check: func(context.Context) error {
			if a.cfg.Gemini.APIKey == "" {
				return errors.New("api key not configured")
			}
			return nil
		},
	})
	if a.bus != nil {
		checkers = append(checkers, health.Checker{
			Name: "eventbus",
			Check: func(context.Context) error {
				if !a.bus.Healthy() {
					return errors.New("not connected")
				}
				return nil
			},
		})
	}
	a.health = health.New(checkers, health.WithAudioActive(a.ctrl.Running))

	mux := http.NewServeMux()
	a.hub.Register(mux, transport.Info{
		Service:  transport.DefaultInfo.Service,
		Language: a.cfg.Gemini.Language,
		Status:   transport.DefaultInfo.Status,
	})
	a.health.Register(mux)
	if a.cfg.Telemetry.PrometheusEnabled() {
		mux.Handle("GET /metrics", observe.MetricsHandler())
	}
	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Controller returns the voice session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// ShutdownRequested is closed when a client sends the shutdown command.
func (a *App) ShutdownRequested() <-chan struct{} { return a.shutdownReq }

func (a *App) requestShutdown() {
	a.shutdownOnce.Do(func() { close(a.shutdownReq) })
}

// Run listens on the configured address and serves until ctx is done or a
// client requests shutdown. The caller should call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case <-a.shutdownReq:
		slog.Info("shutdown requested by client")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig reacts to a reloaded config file. Only the log level changes
// at runtime; every other change is logged as requiring a restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after restart", "sections", d.RestartRequired)
	}
}

// Shutdown stops the voice session, then the HTTP server, then the remaining
// subsystems. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Stop(ctx); err != nil {
			slog.Warn("session stop error", "err", err)
			shutdownErr = err
		}
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = errors.Join(shutdownErr, ctx.Err())
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

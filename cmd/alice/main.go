// Command alice is the entry point for the Alice voice assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/alicevoice/internal/app"
	"github.com/MrWong99/alicevoice/internal/config"
	"github.com/MrWong99/alicevoice/internal/observe"
	"github.com/MrWong99/alicevoice/pkg/audio"
	"github.com/MrWong99/alicevoice/pkg/audio/portaudio"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printDevices(os.Stdout, portaudio.New()); err != nil {
			fmt.Fprintf(os.Stderr, "alice: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchable, err := loadConfig(*configPath, flagSet("config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "alice: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("alice starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		DisablePrometheus: !cfg.Telemetry.PrometheusEnabled(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(cfg, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if watchable {
		w, err := config.Watch(ctx, *configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("hej då")
	return 0
}

// loadConfig reads path. When the file does not exist and the flag was left
// at its default, the built-in defaults are used instead. The second result
// reports whether the file can be watched for changes.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && !explicit:
		cfg = config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, false, err
		}
		return cfg, false, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found", path)
	default:
		return nil, false, err
	}
}

// flagSet reports whether the named flag was given on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

// printDevices lists host audio devices with the index used by
// audio.input_device_index and the start_audio command.
func printDevices(w io.Writer, dev audio.Device) error {
	infos, err := dev.Devices()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "Tillgängliga ljudenheter:")
	for _, d := range infos {
		fmt.Fprintf(w, "  [%d] %s (in: %d, out: %d, %.0f Hz)\n",
			d.Index, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║      Alice Voice - startup summary    ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Model", orDefault(cfg.Gemini.Model, "(default)"))
	printRow(w, "Voice", cfg.Gemini.Voice)
	printRow(w, "API key", configured(cfg.Gemini.APIKey != ""))
	printRow(w, "Audio in", fmt.Sprintf("%d Hz %s", cfg.Audio.InputSampleRate, deviceLabel(cfg.Audio.InputDeviceIndex)))
	printRow(w, "Audio out", fmt.Sprintf("%d Hz %s", cfg.Audio.OutputSampleRate, deviceLabel(cfg.Audio.OutputDeviceIndex)))
	printRow(w, "VAD", fmt.Sprintf("%.0f / %s", cfg.VAD.Threshold, cfg.VAD.SilenceDuration.Std()))
	printRow(w, "Policy", string(cfg.Session.FailurePolicy))
	printRow(w, "Orchestrator", cfg.Tools.OrchestratorURL)
	printRow(w, "Event bus", orDefault(cfg.Bus.URL, "(disabled)"))
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", label, value)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func configured(ok bool) string {
	if ok {
		return "configured"
	}
	return "(missing)"
}

func deviceLabel(idx *int) string {
	if idx == nil {
		return "default"
	}
	return fmt.Sprintf("#%d", *idx)
}

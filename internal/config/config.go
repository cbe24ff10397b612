// Package config provides the configuration schema and loader for the Alice
// voice service.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FailurePolicy selects what a fatal pipeline error does to its siblings.
type FailurePolicy string

const (
	// PolicyCancelAll stops every pipeline when one fails fatally.
	PolicyCancelAll FailurePolicy = "cancel-all"

	// PolicyIsolate lets the remaining pipelines keep running.
	PolicyIsolate FailurePolicy = "isolate"
)

// IsValid reports whether p is a recognised policy.
func (p FailurePolicy) IsValid() bool {
	return p == PolicyCancelAll || p == PolicyIsolate
}

// Duration is a [time.Duration] written in YAML as a string such as "500ms".
type Duration time.Duration

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration: line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes d in [time.Duration.String] form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Session   SessionConfig   `yaml:"session"`
	Tools     ToolsConfig     `yaml:"tools"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Bus       BusConfig       `yaml:"bus"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8002").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns allowed to open the websocket from a
	// browser. "*" allows every origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// GeminiConfig configures the remote conversational endpoint.
type GeminiConfig struct {
	// APIKey authenticates against the endpoint. Overridden by the
	// GEMINI_API_KEY environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the websocket endpoint. Leave empty for the default.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Voice is the prebuilt voice name.
	Voice string `yaml:"voice"`

	// SystemPrompt defines the assistant persona.
	SystemPrompt string `yaml:"system_prompt"`

	// Language is reported by the service info route.
	Language string `yaml:"language"`
}

// AudioConfig describes the capture and playback streams.
type AudioConfig struct {
	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`
	Channels         int `yaml:"channels"`

	// FrameSize is the number of samples per capture read.
	FrameSize int `yaml:"frame_size"`

	// InputDeviceIndex and OutputDeviceIndex select host devices. Nil means
	// the platform default. A start_audio command may override the input.
	InputDeviceIndex  *int `yaml:"input_device_index"`
	OutputDeviceIndex *int `yaml:"output_device_index"`
}

// VADConfig configures the energy speech detector.
type VADConfig struct {
	// Threshold is the RMS energy above which a frame counts as speech.
	Threshold float64 `yaml:"threshold"`

	// SilenceDuration is how long energy must stay at or below Threshold
	// before speech is considered ended.
	SilenceDuration Duration `yaml:"silence_duration"`
}

// SessionConfig tunes the voice session pipelines.
type SessionConfig struct {
	// Greeting is sent as the first user turn when start_audio carries none.
	Greeting string `yaml:"greeting"`

	FailurePolicy FailurePolicy `yaml:"failure_policy"`

	// InboundQueueMax bounds the playback queue. Zero means unbounded.
	InboundQueueMax int `yaml:"inbound_queue_max"`

	PlaybackPoll   Duration `yaml:"playback_poll"`
	CaptureBackoff Duration `yaml:"capture_backoff"`
	PausePoll      Duration `yaml:"pause_poll"`
}

// ToolsConfig configures the tools offered to the model.
type ToolsConfig struct {
	// OrchestratorURL is the base URL of the device control service.
	// Overridden by the ORCHESTRATOR_URL environment variable.
	OrchestratorURL string `yaml:"orchestrator_url"`

	// Timeout bounds one tool invocation.
	Timeout Duration `yaml:"timeout"`

	// DisableGoogleSearch turns off the endpoint's built-in search tool.
	DisableGoogleSearch bool `yaml:"disable_google_search"`

	// BreakerFailures is the number of consecutive orchestrator failures
	// after which device control calls fail fast for BreakerReset.
	BreakerFailures int      `yaml:"breaker_failures"`
	BreakerReset    Duration `yaml:"breaker_reset"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Prometheus enables the /metrics exporter. Defaults to true.
	Prometheus *bool `yaml:"prometheus"`
}

// PrometheusEnabled reports whether the Prometheus exporter should run.
func (t TelemetryConfig) PrometheusEnabled() bool {
	return t.Prometheus == nil || *t.Prometheus
}

// BusConfig configures the optional NATS event mirror. An empty URL disables
// it.
type BusConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// PublishAudio also mirrors audio_data events, which are large.
	PublishAudio bool `yaml:"publish_audio"`
}

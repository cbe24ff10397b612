package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8002"
	DefaultVoice            = "Aoede"
	DefaultLanguage         = "Svenska"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultChannels         = 1
	DefaultFrameSize        = 1024
	DefaultThreshold        = 800.0
	DefaultSilenceDuration  = 500 * time.Millisecond
	DefaultPoll             = 100 * time.Millisecond
	DefaultOrchestratorURL  = "http://localhost:8000"
	DefaultToolTimeout      = 10 * time.Second
	DefaultBreakerFailures  = 5
	DefaultBreakerReset     = 30 * time.Second
	DefaultServiceName      = "alice-voice"
	DefaultSubjectPrefix    = "alice"
)

// DefaultSystemPrompt is the Swedish persona used when gemini.system_prompt
// is empty.
const DefaultSystemPrompt = `Du är Alice – en intelligent svensk AI-assistent.

**Språk och ton:**
- Prata alltid på svenska, naturligt och vardagligt
- Var hjälpsam, vänlig och professionell
- Ge korta, koncisa svar när det passar
- Förklara mer utförligt vid behov

**Kapabiliteter:**
- Kan svara på frågor om allt möjligt
- Kan hjälpa med planering och organisation
- Kan styra smarta hem-enheter (lampor, etc.)
- Kan söka på webben

**Viktigt:**
- Svara alltid på svenska om inte användaren specifikt ber om annat språk
- Var ärlig om du inte vet något
- Fråga om förtydligande om något är oklart
`

// Environment variables that override file values when set and non-empty.
const (
	EnvAPIKey          = "GEMINI_API_KEY"
	EnvOrchestratorURL = "ORCHESTRATOR_URL"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. An empty document yields the
// default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given, with
// environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	ApplyEnv(cfg, os.LookupEnv)
	ApplyDefaults(cfg)
	return cfg
}

// ApplyEnv copies the supported environment variables into cfg. lookup is
// usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		cfg.Gemini.APIKey = v
	}
	if v, ok := lookup(EnvOrchestratorURL); ok && v != "" {
		cfg.Tools.OrchestratorURL = v
	}
}

// ApplyDefaults fills zero-valued fields of cfg.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = []string{"*"}
	}

	setDefault(&cfg.Gemini.Voice, DefaultVoice)
	setDefault(&cfg.Gemini.SystemPrompt, DefaultSystemPrompt)
	setDefault(&cfg.Gemini.Language, DefaultLanguage)

	setDefault(&cfg.Audio.InputSampleRate, DefaultInputSampleRate)
	setDefault(&cfg.Audio.OutputSampleRate, DefaultOutputSampleRate)
	setDefault(&cfg.Audio.Channels, DefaultChannels)
	setDefault(&cfg.Audio.FrameSize, DefaultFrameSize)

	setDefault(&cfg.VAD.Threshold, DefaultThreshold)
	setDefault(&cfg.VAD.SilenceDuration, Duration(DefaultSilenceDuration))

	setDefault(&cfg.Session.FailurePolicy, PolicyCancelAll)
	setDefault(&cfg.Session.PlaybackPoll, Duration(DefaultPoll))
	setDefault(&cfg.Session.CaptureBackoff, Duration(DefaultPoll))
	setDefault(&cfg.Session.PausePoll, Duration(DefaultPoll))

	setDefault(&cfg.Tools.OrchestratorURL, DefaultOrchestratorURL)
	setDefault(&cfg.Tools.Timeout, Duration(DefaultToolTimeout))
	setDefault(&cfg.Tools.BreakerFailures, DefaultBreakerFailures)
	setDefault(&cfg.Tools.BreakerReset, Duration(DefaultBreakerReset))

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
	setDefault(&cfg.Bus.SubjectPrefix, DefaultSubjectPrefix)
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	for _, f := range []struct {
		name string
		v    int
	}{
		{"audio.input_sample_rate", cfg.Audio.InputSampleRate},
		{"audio.output_sample_rate", cfg.Audio.OutputSampleRate},
		{"audio.channels", cfg.Audio.Channels},
		{"audio.frame_size", cfg.Audio.FrameSize},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	if cfg.Audio.InputDeviceIndex != nil && *cfg.Audio.InputDeviceIndex < 0 {
		errs = append(errs, fmt.Errorf("audio.input_device_index must be >= 0, got %d", *cfg.Audio.InputDeviceIndex))
	}
	if cfg.Audio.OutputDeviceIndex != nil && *cfg.Audio.OutputDeviceIndex < 0 {
		errs = append(errs, fmt.Errorf("audio.output_device_index must be >= 0, got %d", *cfg.Audio.OutputDeviceIndex))
	}

	// VAD
	if cfg.VAD.Threshold < 0 {
		errs = append(errs, fmt.Errorf("vad.threshold must be positive, got %v", cfg.VAD.Threshold))
	}
	if cfg.VAD.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("vad.silence_duration must be >= 0, got %v", cfg.VAD.SilenceDuration.Std()))
	}

	// Session
	if cfg.Session.FailurePolicy != "" && !cfg.Session.FailurePolicy.IsValid() {
		errs = append(errs, fmt.Errorf("session.failure_policy %q is invalid; valid values: cancel-all, isolate", cfg.Session.FailurePolicy))
	}
	if cfg.Session.InboundQueueMax < 0 {
		errs = append(errs, fmt.Errorf("session.inbound_queue_max must be >= 0, got %d", cfg.Session.InboundQueueMax))
	}
	for name, d := range map[string]Duration{
		"session.playback_poll":   cfg.Session.PlaybackPoll,
		"session.capture_backoff": cfg.Session.CaptureBackoff,
		"session.pause_poll":      cfg.Session.PausePoll,
		"tools.timeout":           cfg.Tools.Timeout,
		"tools.breaker_reset":     cfg.Tools.BreakerReset,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0, got %v", name, d.Std()))
		}
	}

	// Tools
	if cfg.Tools.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("tools.breaker_failures must be >= 0, got %d", cfg.Tools.BreakerFailures))
	}
	if cfg.Tools.OrchestratorURL != "" {
		if u, err := url.Parse(cfg.Tools.OrchestratorURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("tools.orchestrator_url %q is not an absolute URL", cfg.Tools.OrchestratorURL))
		}
	}

	return errors.Join(errs...)
}

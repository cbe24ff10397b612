package app

import (
	"github.com/MrWong99/alicevoice/internal/config"
	"github.com/MrWong99/alicevoice/internal/session"
	"github.com/MrWong99/alicevoice/pkg/audio"
	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
	"github.com/MrWong99/alicevoice/pkg/provider/vad"
)

// remoteSetup builds the session setup sent on every connect: audio replies
// in the configured voice, both transcripts on, the dispatcher's tools and,
// unless disabled, the endpoint's own search tool.
func remoteSetup(cfg *config.Config, tools []s2s.ToolDefinition) s2s.SessionConfig {
	return s2s.SessionConfig{
		Voice:               cfg.Gemini.Voice,
		Instructions:        cfg.Gemini.SystemPrompt,
		Tools:               tools,
		GoogleSearch:        !cfg.Tools.DisableGoogleSearch,
		InputTranscription:  true,
		OutputTranscription: true,
		InputSampleRate:     cfg.Audio.InputSampleRate,
	}
}

func streamConfigs(a config.AudioConfig) (in, out audio.StreamConfig) {
	in = audio.StreamConfig{
		SampleRate:  a.InputSampleRate,
		Channels:    a.Channels,
		FrameSize:   a.FrameSize,
		DeviceIndex: a.InputDeviceIndex,
	}
	out = audio.StreamConfig{
		SampleRate:  a.OutputSampleRate,
		Channels:    a.Channels,
		FrameSize:   a.FrameSize,
		DeviceIndex: a.OutputDeviceIndex,
	}
	return in, out
}

// sessionConfig translates the file configuration into controller settings.
// Dependencies are filled in by the caller.
func sessionConfig(cfg *config.Config) (session.Config, error) {
	policy, err := session.ParseFailurePolicy(string(cfg.Session.FailurePolicy))
	if err != nil {
		return session.Config{}, err
	}
	in, out := streamConfigs(cfg.Audio)
	return session.Config{
		Input:  in,
		Output: out,
		VADConfig: vad.Config{
			Threshold:       cfg.VAD.Threshold,
			SilenceDuration: cfg.VAD.SilenceDuration.Std(),
		},
		Greeting:        cfg.Session.Greeting,
		Policy:          policy,
		InboundQueueMax: cfg.Session.InboundQueueMax,
		PlaybackPoll:    cfg.Session.PlaybackPoll.Std(),
		CaptureBackoff:  cfg.Session.CaptureBackoff.Std(),
		PausePoll:       cfg.Session.PausePoll.Std(),
	}, nil
}

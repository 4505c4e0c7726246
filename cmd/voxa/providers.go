package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxa/internal/app"
	"github.com/MrWong99/voxa/internal/config"
	"github.com/MrWong99/voxa/pkg/audio"
	"github.com/MrWong99/voxa/pkg/audio/miniaudio"
	"github.com/MrWong99/voxa/pkg/provider/llm"
	"github.com/MrWong99/voxa/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxa/pkg/provider/llm/openai"
	"github.com/MrWong99/voxa/pkg/provider/stt"
	"github.com/MrWong99/voxa/pkg/provider/stt/deepgram"
	"github.com/MrWong99/voxa/pkg/provider/stt/whisper"
	"github.com/MrWong99/voxa/pkg/provider/tts"
	"github.com/MrWong99/voxa/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxa/pkg/provider/tts/elevenlabs"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// huggingface is the OpenAI-compatible inference router.
	reg.RegisterLLM("huggingface", func(entry config.ProviderEntry) (llm.Provider, error) {
		if entry.APIKey == "" {
			return nil, errors.New("huggingface: api_key is required (set VOXA_LLM_API_KEY or ${HF_TOKEN})")
		}
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.NewHuggingFace(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.StringOption("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, vendor := range anyllm.Supported() {
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		endpointing, err := entry.DurationOption("endpointing", 0)
		if err != nil {
			return nil, fmt.Errorf("deepgram: %w", err)
		}
		opts = append(opts, deepgram.WithEndpointing(endpointing))
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.StringOption("language", ""); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		silence, err := entry.DurationOption("silence", 0)
		if err != nil {
			return nil, fmt.Errorf("whisper: %w", err)
		}
		if silence > 0 {
			opts = append(opts, whisper.WithSilence(silence))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if f := entry.StringOption("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if v := entry.StringOption("default_voice", ""); v != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(v))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	coquiFactory := func(mode coqui.APIMode) func(config.ProviderEntry) (tts.Provider, error) {
		return func(entry config.ProviderEntry) (tts.Provider, error) {
			opts := []coqui.Option{coqui.WithAPIMode(mode)}
			if locale := entry.StringOption("locale", ""); locale != "" {
				opts = append(opts, coqui.WithLocale(locale))
			}
			if speaker := entry.StringOption("default_speaker", ""); speaker != "" {
				opts = append(opts, coqui.WithDefaultSpeaker(speaker))
			}
			return coqui.New(entry.BaseURL, opts...)
		}
	}
	reg.RegisterTTS("xtts", coquiFactory(coqui.APIModeXTTS))
	reg.RegisterTTS("coqui", coquiFactory(coqui.APIModeStandard))

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("miniaudio", func(entry config.ProviderEntry) (audio.Device, error) {
		var opts []miniaudio.Option
		if sr := entry.StringOption("sample_rate", ""); sr != "" {
			rate, err := strconv.Atoi(sr)
			if err != nil {
				return nil, fmt.Errorf("miniaudio: sample_rate %q: %w", sr, err)
			}
			opts = append(opts, miniaudio.WithFormat(audio.Format{SampleRate: rate, Channels: 1}))
		}
		if entry.StringOption("capture", "true") == "false" {
			opts = append(opts, miniaudio.WithoutCapture())
		}
		return miniaudio.New(opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts", "audio"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	llmp, err := build("llm", cfg.Providers.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	if llmp == nil {
		return nil, fmt.Errorf("llm provider %q is not available", cfg.Providers.LLM.Name)
	}
	ps.LLM = llmp

	if ps.STT, err = build("stt", cfg.Providers.STT, reg.CreateSTT); err != nil {
		return nil, err
	}
	if ps.TTS, err = build("tts", cfg.Providers.TTS, reg.CreateTTS); err != nil {
		return nil, err
	}
	if ps.Audio, err = build("audio", cfg.Providers.Audio, reg.CreateAudio); err != nil {
		return nil, err
	}
	return ps, nil
}

// build creates one provider. An empty or unregistered name yields the zero
// value, which disables the feature.
func build[T any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if entry.Name == "" {
		return zero, nil
	}
	p, err := create(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("provider not available, skipping", "kind", kind, "name", entry.Name)
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	return p, nil
}

// Package config provides the configuration schema, loader, and provider
// registry for voxa.
package config

import (
	"fmt"
	"log/slog"
	"time"
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

// SlogLevel maps l to a [slog.Level]. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Completion CompletionConfig `yaml:"completion"`
	Voice      VoiceConfig      `yaml:"voice"`
	Capture    CaptureConfig    `yaml:"capture"`
	Bus        BusConfig        `yaml:"bus"`
	History    HistoryConfig    `yaml:"history"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics endpoint
	// (e.g., ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// TelemetryConfig selects trace exporters.
type TelemetryConfig struct {
	// OTLPEndpoint is the OTLP/gRPC collector address (e.g., "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// OTLPInsecure disables TLS towards the collector.
	OTLPInsecure bool `yaml:"otlp_insecure"`

	// Stdout prints finished spans to stderr.
	Stdout bool `yaml:"stdout"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM   ProviderEntry `yaml:"llm"`
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	Audio ProviderEntry `yaml:"audio"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "huggingface", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// "${VAR}" references are expanded from the environment.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// CompletionConfig holds generation controls for the completion client.
type CompletionConfig struct {
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	TopP         float64 `yaml:"top_p"`
	SystemPrompt string  `yaml:"system_prompt"`

	// Breaker guards the completion endpoint. Zero values use the breaker
	// defaults.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the completion circuit breaker.
type BreakerConfig struct {
	Disabled     bool          `yaml:"disabled"`
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// VoiceConfig controls voice output.
type VoiceConfig struct {
	// Locale is the language prefix voices are filtered by. Default "en-".
	Locale string `yaml:"locale"`

	// Preferred is a voice id or name. When it does not resolve the
	// best-ranked voice is used. Hot-reloadable.
	Preferred string `yaml:"preferred"`

	// AutoSpeak speaks every response. Defaults to true. Hot-reloadable.
	AutoSpeak *bool `yaml:"auto_speak"`
}

// AutoSpeakEnabled returns the effective auto-speak setting.
func (v VoiceConfig) AutoSpeakEnabled() bool {
	return v.AutoSpeak == nil || *v.AutoSpeak
}

// CaptureConfig controls speech capture.
type CaptureConfig struct {
	// Language is the recognition language (BCP-47). Default "en-US".
	Language string `yaml:"language"`

	// SampleRate is the microphone sample rate. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// SilenceTimeout ends capture when nothing is recognised for this long.
	// Zero keeps listening until stopped.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
}

// BusConfig configures the optional NATS event publisher.
type BusConfig struct {
	// Servers lists NATS URLs. Empty disables publishing unless Embedded is
	// set.
	Servers []string `yaml:"servers"`

	// Subject is the subject prefix. Default "voxa.session".
	Subject string `yaml:"subject"`

	Token          string        `yaml:"token"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Embedded starts an in-process NATS server on Port and publishes to it.
	Embedded bool `yaml:"embedded"`
	Port     int  `yaml:"port"`
}

// Enabled reports whether turn events should be published.
func (b BusConfig) Enabled() bool {
	return b.Embedded || len(b.Servers) > 0
}

// HistoryConfig configures the conversation log.
type HistoryConfig struct {
	// PostgresDSN stores turns in PostgreSQL. Empty keeps the log in memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Limit caps the in-memory log. Default 200.
	Limit int `yaml:"limit"`
}

// StringOption returns Options[key] formatted as a string, or def when the
// key is absent.
func (e ProviderEntry) StringOption(key, def string) string {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def
	}
	return optionString(v)
}

// DurationOption parses Options[key] as a Go duration ("300ms", "1.5s").
// A bare integer is read as milliseconds. def is returned when the key is
// absent.
func (e ProviderEntry) DurationOption(key string, def time.Duration) (time.Duration, error) {
	v, ok := e.Options[key]
	if !ok || v == nil {
		return def, nil
	}
	if n, ok := v.(int); ok {
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(optionString(v))
	if err != nil {
		return 0, fmt.Errorf("config: option %s: %w", key, err)
	}
	return d, nil
}

func optionString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

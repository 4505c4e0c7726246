package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxa/internal/completion"
	"github.com/MrWong99/voxa/internal/voice"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"huggingface", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "anyllm-openai"},
	"stt":   {"deepgram", "whisper"},
	"tts":   {string(voice.ProviderXTTS), string(voice.ProviderCoqui), string(voice.ProviderElevenLabs)},
	"audio": {"miniaudio"},
}

// DefaultLLMProvider is used when providers.llm.name is empty.
const DefaultLLMProvider = "huggingface"

// Load reads the YAML configuration file at path, applies defaults and
// VOXA_* environment overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	ApplyEnv(cfg, os.LookupEnv)
	finish(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv builds a [Config] from defaults and VOXA_* environment variables
// alone, for running without a configuration file.
func LoadEnv() (*Config, error) {
	cfg := &Config{}
	ApplyEnv(cfg, os.LookupEnv)
	finish(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. The environment is not consulted, which makes it
// useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	finish(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) {
	ApplyDefaults(cfg)
	for _, e := range []*ProviderEntry{&cfg.Providers.LLM, &cfg.Providers.STT, &cfg.Providers.TTS} {
		e.APIKey = expandSecret(e.APIKey)
	}
	cfg.Bus.Token = expandSecret(cfg.Bus.Token)
	cfg.Bus.Password = expandSecret(cfg.Bus.Password)
	cfg.History.PostgresDSN = expandSecret(cfg.History.PostgresDSN)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandSecret replaces ${VAR} references with environment values.
// Bare $ characters are kept, since secrets may contain them.
func expandSecret(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// ApplyDefaults fills unset fields with their defaults. Zero-valued
// generation controls count as unset.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
	}

	def := completion.DefaultParams()
	if cfg.Completion.MaxTokens == 0 {
		cfg.Completion.MaxTokens = def.MaxTokens
	}
	if cfg.Completion.Temperature == 0 {
		cfg.Completion.Temperature = def.Temperature
	}
	if cfg.Completion.TopP == 0 {
		cfg.Completion.TopP = def.TopP
	}

	if cfg.Voice.Locale == "" {
		cfg.Voice.Locale = voice.DefaultLocale
	}
	if cfg.Capture.Language == "" {
		cfg.Capture.Language = "en-US"
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = 16000
	}
	if cfg.Bus.Embedded && cfg.Bus.Port == 0 {
		cfg.Bus.Port = 4222
	}
	if cfg.History.Limit == 0 {
		cfg.History.Limit = 200
	}
}

// ApplyEnv overrides cfg with VOXA_* variables found through lookup.
// Malformed boolean values are logged and ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	var level string
	str("VOXA_LOG_LEVEL", &level)
	if level != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}
	str("VOXA_LISTEN_ADDR", &cfg.Server.ListenAddr)
	str("VOXA_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)

	str("VOXA_LLM_PROVIDER", &cfg.Providers.LLM.Name)
	str("VOXA_LLM_API_KEY", &cfg.Providers.LLM.APIKey)
	str("VOXA_LLM_MODEL", &cfg.Providers.LLM.Model)
	str("VOXA_LLM_BASE_URL", &cfg.Providers.LLM.BaseURL)
	str("VOXA_STT_PROVIDER", &cfg.Providers.STT.Name)
	str("VOXA_STT_API_KEY", &cfg.Providers.STT.APIKey)
	str("VOXA_TTS_PROVIDER", &cfg.Providers.TTS.Name)
	str("VOXA_TTS_API_KEY", &cfg.Providers.TTS.APIKey)
	str("VOXA_TTS_BASE_URL", &cfg.Providers.TTS.BaseURL)

	str("VOXA_VOICE", &cfg.Voice.Preferred)
	if v, ok := lookup("VOXA_AUTO_SPEAK"); ok && v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("ignoring malformed VOXA_AUTO_SPEAK", "value", v)
		} else {
			cfg.Voice.AutoSpeak = &on
		}
	}

	str("VOXA_HISTORY_DSN", &cfg.History.PostgresDSN)

	if v, ok := lookup("VOXA_NATS_URL"); ok && v != "" {
		cfg.Bus.Servers = strings.Split(v, ",")
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	if name := cfg.Providers.TTS.Name; name != "" {
		if _, err := voice.ParseProviderTag(name); err != nil {
			errs = append(errs, fmt.Errorf("providers.tts.name: %w", err))
		}
	}

	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; responses will not be spoken")
	}
	if cfg.Providers.STT.Name == "" || cfg.Providers.Audio.Name == "" {
		slog.Warn("providers.stt or providers.audio is not configured; voice capture is unavailable")
	}

	c := cfg.Completion
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("completion.max_tokens %d must not be negative", c.MaxTokens))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("completion.temperature %.2f is out of range [0, 2]", c.Temperature))
	}
	if c.TopP < 0 || c.TopP > 1 {
		errs = append(errs, fmt.Errorf("completion.top_p %.2f is out of range [0, 1]", c.TopP))
	}
	if c.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("completion.breaker.max_failures %d must not be negative", c.Breaker.MaxFailures))
	}

	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.SilenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("capture.silence_timeout %s must not be negative", cfg.Capture.SilenceTimeout))
	}

	if cfg.Bus.Embedded && (cfg.Bus.Port < -1 || cfg.Bus.Port > 65535) {
		errs = append(errs, fmt.Errorf("bus.port %d is out of range", cfg.Bus.Port))
	}

	if cfg.History.Limit < 0 {
		errs = append(errs, fmt.Errorf("history.limit %d must not be negative", cfg.History.Limit))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

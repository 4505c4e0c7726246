package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable fields are reported individually; anything else lands in
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AutoSpeakChanged bool
	NewAutoSpeak     bool

	VoiceChanged bool
	NewVoice     string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart, in sorted order.
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.AutoSpeakChanged || d.VoiceChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Voice.AutoSpeakEnabled() != new.Voice.AutoSpeakEnabled() {
		d.AutoSpeakChanged = true
		d.NewAutoSpeak = new.Voice.AutoSpeakEnabled()
	}
	if old.Voice.Preferred != new.Voice.Preferred {
		d.VoiceChanged = true
		d.NewVoice = new.Voice.Preferred
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Completion != new.Completion {
		d.RestartRequired = append(d.RestartRequired, "completion")
	}
	if old.Voice.Locale != new.Voice.Locale {
		d.RestartRequired = append(d.RestartRequired, "voice")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if !busEqual(old.Bus, new.Bus) {
		d.RestartRequired = append(d.RestartRequired, "bus")
	}
	if old.History != new.History {
		d.RestartRequired = append(d.RestartRequired, "history")
	}
	slices.Sort(d.RestartRequired)
	return d
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) &&
		entryEqual(a.TTS, b.TTS) && entryEqual(a.Audio, b.Audio)
}

// entryEqual compares provider entries. Options are compared by key set
// and formatted value, which is sufficient for YAML scalars.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || optionString(av) != optionString(bv) {
			return false
		}
	}
	return true
}

func busEqual(a, b BusConfig) bool {
	return slices.Equal(a.Servers, b.Servers) && a.Subject == b.Subject &&
		a.Token == b.Token && a.Username == b.Username && a.Password == b.Password &&
		a.ConnectTimeout == b.ConnectTimeout && a.Embedded == b.Embedded && a.Port == b.Port
}

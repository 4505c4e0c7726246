package tts

// VoiceProfile describes a voice offered by a backend.
type VoiceProfile struct {
	// ID is the backend's stable identifier for the voice.
	ID string

	// Name is the human-readable display name.
	Name string

	// Provider is the backend tag, e.g. "xtts" or "elevenlabs".
	Provider string

	// Language is a BCP-47 tag such as "en-US". May be empty when unknown.
	Language string

	// Metadata holds backend-specific labels.
	Metadata map[string]string
}

// IsZero reports whether v selects the provider default.
func (v VoiceProfile) IsZero() bool { return v.ID == "" }

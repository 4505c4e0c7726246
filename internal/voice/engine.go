package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxa/pkg/audio"
	"github.com/MrWong99/voxa/pkg/provider/tts"
)

// Utterance is one block of text to speak.
type Utterance struct {
	Text string

	// Voice selects the speaker; nil selects the engine default.
	Voice *Voice

	Rate   float64
	Pitch  float64
	Volume float64
}

// Engine is the single playback channel the [Speaker] drives.
type Engine interface {
	// Voices returns the currently enumerated voices. It may be empty until
	// the engine has loaded them.
	Voices() []Voice

	// OnVoicesChanged registers fn to be called whenever the voice set is
	// replaced. The returned function unregisters it.
	OnVoicesChanged(fn func()) (unsubscribe func())

	// Speak plays u and returns when playback has finished. Cancelling ctx
	// stops playback and returns ctx.Err().
	Speak(ctx context.Context, u Utterance) error
}

// SynthesisError reports an engine failure while speaking.
type SynthesisError struct {
	// Code is the engine's error code, e.g. "network".
	Code string
	Err  error
}

func (e *SynthesisError) Error() string { return "Speech synthesis error: " + e.Code }

func (e *SynthesisError) Unwrap() error { return e.Err }

// SynthEngine is an [Engine] that renders speech with a [tts.Provider] and
// plays it on an [audio.Sink].
type SynthEngine struct {
	provider tts.Provider
	sink     audio.Sink

	mu        sync.Mutex
	voices    []Voice
	listeners map[int]func()
	nextID    int
}

// NewSynthEngine returns an engine with an empty voice set. Call
// [SynthEngine.Refresh] to load voices.
func NewSynthEngine(p tts.Provider, sink audio.Sink) (*SynthEngine, error) {
	if p == nil || sink == nil {
		return nil, errors.New("voice: synth engine needs a tts provider and an audio sink")
	}
	return &SynthEngine{provider: p, sink: sink, listeners: make(map[int]func())}, nil
}

// Refresh reloads the voice list from the provider, replaces the current set
// wholesale and notifies listeners. Voices with an unknown provider tag are
// skipped.
func (e *SynthEngine) Refresh(ctx context.Context) error {
	profiles, err := e.provider.ListVoices(ctx)
	if err != nil {
		return fmt.Errorf("voice: list voices: %w", err)
	}
	voices := make([]Voice, 0, len(profiles))
	for _, p := range profiles {
		tag, err := ParseProviderTag(p.Provider)
		if err != nil {
			slog.Warn("skipping voice", "id", p.ID, "err", err)
			continue
		}
		voices = append(voices, Voice{
			ID:       p.ID,
			Name:     p.Name,
			Lang:     p.Language,
			Provider: tag,
			Handle:   p,
		})
	}

	e.mu.Lock()
	e.voices = voices
	fns := slices.Collect(maps.Values(e.listeners))
	e.mu.Unlock()

	slog.Debug("voice list replaced", "count", len(voices))
	for _, fn := range fns {
		fn()
	}
	return nil
}

// Voices implements Engine.
func (e *SynthEngine) Voices() []Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.voices)
}

// OnVoicesChanged implements Engine.
func (e *SynthEngine) OnVoicesChanged(fn func()) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Speak implements Engine. Audio is converted to the sink's format, queued as
// it is synthesized and drained before Speak returns. On cancellation or
// failure queued audio is dropped.
func (e *SynthEngine) Speak(ctx context.Context, u Utterance) error {
	req := tts.Request{Text: u.Text, Rate: u.Rate, Pitch: u.Pitch, Volume: u.Volume}
	if u.Voice != nil {
		if p, ok := u.Voice.Handle.(tts.VoiceProfile); ok {
			req.Voice = p
		} else {
			req.Voice = tts.VoiceProfile{ID: u.Voice.ID, Name: u.Voice.Name}
		}
	}

	from, to := e.provider.Format(), e.sink.Format()
	err := e.provider.Synthesize(ctx, req, func(pcm []byte) error {
		if err := e.sink.Write(audio.Convert(pcm, from, to)); err != nil {
			return &tts.Error{Code: tts.CodeAudioBusy, Message: "write to sink", Err: err}
		}
		return nil
	})
	if err == nil {
		err = e.sink.Drain(ctx)
	}
	if ctx.Err() != nil {
		e.sink.Clear()
		return ctx.Err()
	}
	if err != nil {
		e.sink.Clear()
		return &SynthesisError{Code: tts.ErrorCode(err), Err: err}
	}
	return nil
}

var _ Engine = (*SynthEngine)(nil)

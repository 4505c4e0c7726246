package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voxa/internal/observe"
	"github.com/MrWong99/voxa/pkg/provider/tts"
)

// ErrInterrupted is returned by [Speaker.Speak] when the utterance was stopped
// or replaced by a newer one before it finished.
var ErrInterrupted = errors.New("voice: utterance interrupted")

// Fixed synthesis parameters applied to every utterance.
const (
	DefaultRate   = 1.0
	DefaultPitch  = 1.0
	DefaultVolume = 1.0
)

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithLocale sets the locale prefix used by [Speaker.ListVoices].
// Default: [DefaultLocale].
func WithLocale(prefix string) SpeakerOption {
	return func(s *Speaker) { s.locale = prefix }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SpeakerOption {
	return func(s *Speaker) { s.metrics = m }
}

type utterance struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Speaker plays at most one utterance at a time over an [Engine].
type Speaker struct {
	engine  Engine
	locale  string
	metrics *observe.Metrics

	mu  sync.Mutex
	cur *utterance
}

// NewSpeaker returns a Speaker driving engine.
func NewSpeaker(engine Engine, opts ...SpeakerOption) *Speaker {
	s := &Speaker{engine: engine, locale: DefaultLocale}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Speak plays text with the voice whose id is voiceID and returns when
// playback has finished. Any utterance already playing is cancelled, and
// its Speak call has returned, before this one starts. Blank text is a no-op.
// An unknown voiceID falls back to the engine default.
//
// Speak returns [ErrInterrupted] when stopped or superseded and a
// *[SynthesisError] when the engine fails.
func (s *Speaker) Speak(ctx context.Context, text, voiceID string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	for s.cur != nil {
		prev := s.cur
		prev.cancel()
		s.mu.Unlock()
		<-prev.done
		s.mu.Lock()
	}
	uctx, cancel := context.WithCancel(ctx)
	u := &utterance{cancel: cancel, done: make(chan struct{})}
	s.cur = u
	s.mu.Unlock()

	start := time.Now()
	s.metrics.Speaking.Add(ctx, 1)
	defer func() {
		cancel()
		s.mu.Lock()
		if s.cur == u {
			s.cur = nil
		}
		s.mu.Unlock()
		s.metrics.Speaking.Add(ctx, -1)
		s.metrics.SpeechDuration.Record(ctx, time.Since(start).Seconds())
		close(u.done)
	}()

	if err := ctx.Err(); err != nil {
		return err
	}

	var selected *Voice
	if voiceID != "" {
		if v, ok := ByID(s.engine.Voices(), voiceID); ok {
			selected = &v
		} else {
			observe.Logger(ctx).Debug("voice not found, using engine default", "voice_id", voiceID)
		}
	}

	err := s.engine.Speak(uctx, Utterance{
		Text:   text,
		Voice:  selected,
		Rate:   DefaultRate,
		Pitch:  DefaultPitch,
		Volume: DefaultVolume,
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case uctx.Err() != nil:
		return ErrInterrupted
	}

	var se *SynthesisError
	if !errors.As(err, &se) {
		se = &SynthesisError{Code: tts.ErrorCode(err), Err: err}
	}
	s.metrics.RecordSynthesisError(ctx, se.Code)
	observe.Logger(ctx).Warn("speech synthesis failed", "code", se.Code, "err", err)
	return se
}

// Stop cancels the current utterance, if any. It does not wait for playback
// to wind down and is safe to call repeatedly.
func (s *Speaker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.cancel()
	}
}

// Speaking reports whether an utterance is in progress.
func (s *Speaker) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// ListVoices waits for the engine's voice list, keeps the configured locale
// family and ranks the result; the head is the suggested default. If the
// engine has no voices yet, the first change notification resolves the call.
// Either way the call resolves exactly once.
func (s *Speaker) ListVoices(ctx context.Context) ([]Voice, error) {
	resolved := make(chan []Voice, 1)
	var once sync.Once
	resolve := func(vs []Voice) {
		once.Do(func() { resolved <- vs })
	}

	unsubscribe := s.engine.OnVoicesChanged(func() { resolve(s.engine.Voices()) })
	defer unsubscribe()
	if vs := s.engine.Voices(); len(vs) > 0 {
		resolve(vs)
	}

	select {
	case vs := <-resolved:
		return Rank(FilterLocale(vs, s.locale)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

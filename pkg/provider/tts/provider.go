// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider renders one utterance at a time into raw PCM delivered to a sink
// callback in playback order. Synthesis failures are reported as *Error so the
// backend's error code survives up to the caller.
package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/voxa/pkg/audio"
)

// Error codes shared by all providers. Backends may also report their own
// codes verbatim.
const (
	CodeNetwork              = "network"
	CodeSynthesisFailed      = "synthesis-failed"
	CodeSynthesisUnavailable = "synthesis-unavailable"
	CodeVoiceUnavailable     = "voice-unavailable"
	CodeInvalidArgument      = "invalid-argument"
	CodeTextTooLong          = "text-too-long"
	CodeNotAllowed           = "not-allowed"
	CodeAudioBusy            = "audio-busy"
)

// Error is a synthesis failure reported by a backend.
type Error struct {
	// Code identifies the failure class, e.g. CodeNetwork.
	Code string

	// Message is a human-readable detail. May be empty.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "tts: " + e.Code
	}
	return fmt.Sprintf("tts: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode extracts the code from err, or returns CodeSynthesisFailed when err
// is not an *Error.
func ErrorCode(err error) string {
	var te *Error
	if errors.As(err, &te) && te.Code != "" {
		return te.Code
	}
	return CodeSynthesisFailed
}

// CodeForStatus maps an HTTP status returned by a synthesis endpoint to an
// error code.
func CodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return CodeInvalidArgument
	case http.StatusNotFound:
		return CodeVoiceUnavailable
	case http.StatusRequestEntityTooLarge:
		return CodeTextTooLong
	case http.StatusUnauthorized, http.StatusForbidden:
		return CodeNotAllowed
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return CodeSynthesisUnavailable
	default:
		return CodeSynthesisFailed
	}
}

// Request describes one utterance.
type Request struct {
	Text string

	// Voice selects the speaker. A zero VoiceProfile selects the provider's
	// default voice.
	Voice VoiceProfile

	// Rate, Pitch and Volume are multipliers where 1.0 is neutral. Providers
	// apply the ones their backend supports and ignore the rest.
	Rate   float64
	Pitch  float64
	Volume float64
}

// Provider is the abstraction over any text-to-speech backend.
type Provider interface {
	// Synthesize renders req and calls sink with successive PCM chunks in the
	// provider's Format. It returns once the whole utterance has been handed
	// to sink, when sink returns an error, or when ctx is cancelled (in which
	// case ctx.Err() is returned).
	Synthesize(ctx context.Context, req Request, sink func(pcm []byte) error) error

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// Format is the PCM format passed to sink.
	Format() audio.Format
}

// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// A provider opens a SessionHandle into which raw PCM audio is pushed. The
// session emits interim results on Partials and committed results on Finals;
// both channels are closed when the session ends, after which Err reports
// whether it ended because of a failure.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after the session has ended.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig configures a streaming recognition session.
type StreamConfig struct {
	// SampleRate of the incoming PCM audio in Hz (e.g. 16000).
	SampleRate int

	// Channels in the incoming audio. 1 is mono.
	Channels int

	// Language is a BCP-47 tag such as "en-US". Empty means provider default.
	Language string

	// Interim requests partial hypotheses while the speaker is still talking.
	Interim bool
}

// SessionHandle is a live recognition session.
type SessionHandle interface {
	// SendAudio queues a chunk of signed 16-bit little-endian PCM.
	SendAudio(chunk []byte) error

	// Partials emits interim hypotheses. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed transcripts. Closed when the session ends.
	Finals() <-chan Transcript

	// Err returns the error that ended the session, or nil for a normal end.
	// Only meaningful once both channels are closed.
	Err() error

	// Close terminates the session. Safe to call more than once.
	Close() error
}

// Provider starts recognition sessions.
type Provider interface {
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

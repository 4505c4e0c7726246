// Package audio defines the microphone and speaker abstractions used by voice
// capture and voice output.
//
// All PCM in this package is signed 16-bit little-endian, interleaved when
// Channels > 1.
//
// Implementations are provided by sub-packages: miniaudio for real devices and
// mock for tests.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceClosed is returned by operations on a closed device.
var ErrDeviceClosed = errors.New("audio: device closed")

// Source is a microphone. Start begins delivering PCM to onAudio from an
// internal goroutine until Stop is called or ctx is cancelled. onAudio must
// not retain the slice after it returns.
type Source interface {
	Start(ctx context.Context, onAudio func(pcm []byte)) error
	Stop() error
	Format() Format
}

// Sink is a speaker.
type Sink interface {
	// Write queues pcm for playback and returns without waiting for it to play.
	Write(pcm []byte) error

	// Drain blocks until all queued audio has been played, ctx is cancelled,
	// or Clear is called.
	Drain(ctx context.Context) error

	// Clear drops all queued audio immediately and releases Drain waiters.
	Clear()

	Format() Format
}

// Device is a full-duplex audio endpoint.
type Device interface {
	Source
	Sink
	Close() error
}

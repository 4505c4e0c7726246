// Package mock provides an in-memory audio.Device for unit tests.
//
// The device records every Write and Clear. Captured audio is injected with
// Emit. Playback completes instantly unless HoldDrain is set, in which case
// Drain blocks until Finish, Clear, or context cancellation.
//
// Typical usage:
//
//	dev := mock.NewDevice(audio.Format{SampleRate: 16000, Channels: 1})
//	_ = dev.Start(ctx, func(pcm []byte) { ... })
//	dev.Emit([]byte{0, 0})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/voxa/pkg/audio"
)

// Device is a mock implementation of audio.Device.
type Device struct {
	mu sync.Mutex

	format audio.Format

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// WriteErr, if non-nil, is returned by Write.
	WriteErr error

	// HoldDrain makes Drain block until Finish or Clear.
	HoldDrain bool

	onAudio  func([]byte)
	started  bool
	closed   bool
	written  [][]byte
	waiters  []chan struct{}
	released bool

	StartCount int
	StopCount  int
	ClearCount int
	DrainCount int
}

// NewDevice returns a Device reporting format f.
func NewDevice(f audio.Format) *Device {
	return &Device{format: f}
}

// Format implements audio.Source and audio.Sink.
func (d *Device) Format() audio.Format { return d.format }

// Start implements audio.Source.
func (d *Device) Start(_ context.Context, onAudio func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StartCount++
	if d.StartErr != nil {
		return d.StartErr
	}
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.onAudio = onAudio
	d.started = true
	return nil
}

// Stop implements audio.Source.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.StopCount++
	d.onAudio = nil
	d.started = false
	return nil
}

// Capturing reports whether Start has been called without a matching Stop.
func (d *Device) Capturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started
}

// Emit delivers pcm to the registered capture callback, if any. It reports
// whether a callback was registered.
func (d *Device) Emit(pcm []byte) bool {
	d.mu.Lock()
	fn := d.onAudio
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(pcm)
	return true
}

// Write implements audio.Sink.
func (d *Device) Write(pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	if d.WriteErr != nil {
		return d.WriteErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	d.written = append(d.written, cp)
	d.released = false
	return nil
}

// Drain implements audio.Sink.
func (d *Device) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.DrainCount++
	if !d.HoldDrain || d.released {
		d.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.waiters = append(d.waiters, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish completes playback of everything written so far.
func (d *Device) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.release()
}

// Clear implements audio.Sink.
func (d *Device) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ClearCount++
	d.release()
}

func (d *Device) release() {
	for _, ch := range d.waiters {
		close(ch)
	}
	d.waiters = nil
	d.released = true
}

// Draining reports the number of goroutines blocked in Drain.
func (d *Device) Draining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

// Written returns copies of all chunks passed to Write.
func (d *Device) Written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	copy(out, d.written)
	return out
}

// Close implements audio.Device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("mock: device already closed")
	}
	d.closed = true
	d.release()
	return nil
}

var _ audio.Device = (*Device)(nil)

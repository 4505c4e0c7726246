// Package miniaudio implements audio.Device on top of miniaudio through the
// gen2brain/malgo bindings. One malgo context backs a capture device and a
// playback device sharing the same PCM format.
package miniaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxa/pkg/audio"
)

// DefaultFormat matches what the streaming STT providers expect.
var DefaultFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Option configures a Device.
type Option func(*Device)

// WithFormat overrides DefaultFormat for both directions.
func WithFormat(f audio.Format) Option {
	return func(d *Device) {
		d.format = f
	}
}

// WithoutCapture skips opening a microphone, for output-only setups.
func WithoutCapture() Option {
	return func(d *Device) {
		d.noCapture = true
	}
}

// Device is a full-duplex miniaudio endpoint.
type Device struct {
	format    audio.Format
	noCapture bool

	audioCtx *malgo.AllocatedContext
	capture  *malgo.Device
	playback *malgo.Device

	captureMu sync.Mutex
	onAudio   func([]byte)

	bufMu   sync.Mutex
	buf     []byte
	waiters []chan struct{}

	closeOnce sync.Once
}

// New opens the default capture and playback devices. Playback is started
// immediately so that Write can be called at any time; capture starts with
// Start.
func New(opts ...Option) (*Device, error) {
	d := &Device{format: DefaultFormat}
	for _, o := range opts {
		o(d)
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w", err)
	}
	d.audioCtx = actx

	if err := d.initPlayback(); err != nil {
		d.Close()
		return nil, err
	}
	if !d.noCapture {
		if err := d.initCapture(); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

func (d *Device) bytesPerFrame() int {
	return malgo.SampleSizeInBytes(malgo.FormatS16) * d.format.Channels
}

func (d *Device) initCapture() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(d.format.SampleRate)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PerformanceProfile = malgo.LowLatency

	bpf := d.bytesPerFrame()
	dev, err := malgo.InitDevice(d.audioCtx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			n := int(frameCount) * bpf
			if n == 0 || len(in) < n {
				return
			}
			d.captureMu.Lock()
			fn := d.onAudio
			d.captureMu.Unlock()
			if fn != nil {
				fn(in[:n])
			}
		},
	})
	if err != nil {
		return fmt.Errorf("miniaudio: init capture device: %w", err)
	}
	d.capture = dev
	return nil
}

func (d *Device) initPlayback() error {
	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.SampleRate = uint32(d.format.SampleRate)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(d.format.Channels)
	cfg.Alsa.NoMMap = 1
	cfg.PeriodSizeInFrames = uint32(d.format.SampleRate / 10)
	cfg.Periods = 4

	dev, err := malgo.InitDevice(d.audioCtx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.fill,
	})
	if err != nil {
		return fmt.Errorf("miniaudio: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("miniaudio: start playback device: %w", err)
	}
	d.playback = dev
	return nil
}

// fill is the playback data callback. Unfilled output stays silent.
func (d *Device) fill(out, _ []byte, frameCount uint32) {
	need := int(frameCount) * d.bytesPerFrame()

	d.bufMu.Lock()
	defer d.bufMu.Unlock()
	n := copy(out[:min(need, len(out))], d.buf)
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.releaseLocked()
	}
}

func (d *Device) releaseLocked() {
	for _, ch := range d.waiters {
		close(ch)
	}
	d.waiters = nil
}

// Format implements audio.Source and audio.Sink.
func (d *Device) Format() audio.Format { return d.format }

// Start implements audio.Source.
func (d *Device) Start(ctx context.Context, onAudio func([]byte)) error {
	if d.capture == nil {
		return fmt.Errorf("miniaudio: capture device not available")
	}
	d.captureMu.Lock()
	d.onAudio = onAudio
	d.captureMu.Unlock()

	if !d.capture.IsStarted() {
		if err := d.capture.Start(); err != nil {
			return fmt.Errorf("miniaudio: start capture device: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		_ = d.Stop()
	}()
	return nil
}

// Stop implements audio.Source.
func (d *Device) Stop() error {
	d.captureMu.Lock()
	d.onAudio = nil
	d.captureMu.Unlock()

	if d.capture == nil || !d.capture.IsStarted() {
		return nil
	}
	if err := d.capture.Stop(); err != nil {
		return fmt.Errorf("miniaudio: stop capture device: %w", err)
	}
	return nil
}

// Write implements audio.Sink.
func (d *Device) Write(pcm []byte) error {
	if d.playback == nil {
		return audio.ErrDeviceClosed
	}
	d.bufMu.Lock()
	d.buf = append(d.buf, pcm...)
	d.bufMu.Unlock()
	return nil
}

// Drain implements audio.Sink.
func (d *Device) Drain(ctx context.Context) error {
	d.bufMu.Lock()
	if len(d.buf) == 0 {
		d.bufMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	d.waiters = append(d.waiters, ch)
	d.bufMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear implements audio.Sink.
func (d *Device) Clear() {
	d.bufMu.Lock()
	d.buf = nil
	d.releaseLocked()
	d.bufMu.Unlock()
}

// Close stops and releases both devices and the malgo context.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		_ = d.Stop()
		d.Clear()
		if d.capture != nil {
			d.capture.Uninit()
			d.capture = nil
		}
		if d.playback != nil {
			d.playback.Uninit()
			d.playback = nil
		}
		if d.audioCtx != nil {
			_ = d.audioCtx.Uninit()
			d.audioCtx.Free()
		}
	})
	return nil
}

var _ audio.Device = (*Device)(nil)

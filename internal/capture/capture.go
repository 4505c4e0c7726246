// Package capture turns microphone audio into transcript events.
//
// An [Adapter] owns at most one live recognition session. While listening it
// streams microphone PCM into an [stt.Provider] and reports every interim or
// final hypothesis as the current transcript, overwriting the previous one.
// Capture ends when the caller stops it, when the recognizer ends the
// session, when no recognition result arrives within the silence timeout, or
// on error. Errors are logged and reported to the handler; they never
// propagate to the caller.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxa/internal/observe"
	"github.com/MrWong99/voxa/pkg/audio"
	"github.com/MrWong99/voxa/pkg/provider/stt"
)

// EventType classifies an [Event].
type EventType int

const (
	EventStart EventType = iota
	EventTranscript
	EventEnd
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventTranscript:
		return "transcript"
	case EventEnd:
		return "end"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered to the [Handler] on every capture transition.
type Event struct {
	Type EventType

	// Text and Final are set for EventTranscript.
	Text  string
	Final bool

	// Err is set for EventError.
	Err error
}

// Handler receives capture events. It is called from the adapter's own
// goroutine, never with internal locks held, so it may call back into the
// adapter.
type Handler func(Event)

// Option configures an [Adapter].
type Option func(*Adapter)

// WithStreamConfig overrides the recognition settings. Zero sample rate or
// channel count are taken from the audio source.
func WithStreamConfig(cfg stt.StreamConfig) Option {
	return func(a *Adapter) { a.cfg = cfg }
}

// WithSilenceTimeout ends capture when no recognition result arrives for d.
// Zero disables the timeout.
func WithSilenceTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.silence = d }
}

// WithHandler sets the event handler.
func WithHandler(h Handler) Option {
	return func(a *Adapter) { a.handler = h }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// Adapter is the voice capture adapter. The zero value is not usable; call
// [New].
type Adapter struct {
	provider stt.Provider
	source   audio.Source
	cfg      stt.StreamConfig
	silence  time.Duration
	handler  Handler
	metrics  *observe.Metrics
	log      *slog.Logger

	mu         sync.Mutex
	listening  bool
	transcript string
	gen        uint64
	sess       stt.SessionHandle
	cancel     context.CancelFunc
	started    time.Time
}

// New creates an Adapter. A nil provider or source yields an adapter that
// reports itself unsupported and never listens.
func New(provider stt.Provider, source audio.Source, opts ...Option) *Adapter {
	a := &Adapter{
		provider: provider,
		source:   source,
		cfg:      stt.StreamConfig{Language: "en-US", Interim: true},
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if source != nil {
		f := source.Format()
		if a.cfg.SampleRate == 0 {
			a.cfg.SampleRate = f.SampleRate
		}
		if a.cfg.Channels == 0 {
			a.cfg.Channels = f.Channels
		}
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Supported reports whether speech capture is available.
func (a *Adapter) Supported() bool {
	return a.provider != nil && a.source != nil
}

// Listening reports whether a capture session is active.
func (a *Adapter) Listening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Transcript returns the latest hypothesis of the current or last session.
func (a *Adapter) Transcript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transcript
}

// Start opens a recognition session and begins streaming microphone audio.
// It is a no-op when capture is unsupported or already active. Failures are
// logged, reported as [EventError] and leave the adapter not listening.
func (a *Adapter) Start(ctx context.Context) {
	if !a.Supported() {
		a.log.Warn("speech capture is not supported: no recognizer or microphone configured")
		return
	}

	a.mu.Lock()
	if a.listening {
		a.mu.Unlock()
		a.log.Debug("speech capture already active")
		return
	}
	a.gen++
	gen := a.gen
	a.listening = true
	a.transcript = ""
	a.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	sess, err := a.provider.StartStream(ctx, a.cfg)
	if err != nil {
		a.finish(gen, fmt.Errorf("capture: start recognizer: %w", err))
		return
	}
	a.mu.Lock()
	if a.gen != gen {
		// Stopped while the recognizer was connecting.
		a.mu.Unlock()
		_ = sess.Close()
		return
	}
	a.sess = sess
	a.mu.Unlock()
	a.metrics.Listening.Add(ctx, 1)

	err = a.source.Start(ctx, func(pcm []byte) {
		if err := sess.SendAudio(pcm); err != nil {
			a.log.Debug("dropping microphone audio", "err", err)
		}
	})
	if err != nil {
		a.finish(gen, fmt.Errorf("capture: start microphone: %w", err))
		return
	}
	a.mu.Lock()
	stopped := a.gen != gen
	a.mu.Unlock()
	if stopped {
		_ = a.source.Stop()
		return
	}

	a.log.Debug("speech capture started", "sample_rate", a.cfg.SampleRate, "language", a.cfg.Language)
	a.emit(Event{Type: EventStart})
	go a.run(ctx, gen, sess)
}

// Stop ends the active session, if any. It does not wait for the event
// goroutine, emits no event and is safe to call repeatedly, including from
// a [Handler].
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.listening {
		a.mu.Unlock()
		return
	}
	a.gen++
	teardown := a.detach()
	a.mu.Unlock()
	teardown()
}

func (a *Adapter) run(ctx context.Context, gen uint64, sess stt.SessionHandle) {
	partials, finals := sess.Partials(), sess.Finals()

	var (
		timer   *time.Timer
		silence <-chan time.Time
	)
	if a.silence > 0 {
		timer = time.NewTimer(a.silence)
		defer timer.Stop()
		silence = timer.C
	}

	for partials != nil || finals != nil {
		select {
		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			a.transcribed(ctx, gen, tr.Text, false)
		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			a.transcribed(ctx, gen, tr.Text, true)
		case <-silence:
			a.log.Debug("speech capture ended after silence", "timeout", a.silence)
			a.finish(gen, nil)
			return
		case <-ctx.Done():
			a.finish(gen, nil)
			return
		}
		if timer != nil {
			timer.Reset(a.silence)
		}
	}
	a.finish(gen, sess.Err())
}

func (a *Adapter) transcribed(ctx context.Context, gen uint64, text string, final bool) {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return
	}
	a.transcript = text
	a.mu.Unlock()

	a.metrics.RecordTranscript(ctx, final)
	a.emit(Event{Type: EventTranscript, Text: text, Final: final})
}

// finish ends session gen on the adapter's own initiative. It is a no-op if
// the session was already stopped.
func (a *Adapter) finish(gen uint64, err error) {
	a.mu.Lock()
	if a.gen != gen || !a.listening {
		a.mu.Unlock()
		return
	}
	a.gen++
	teardown := a.detach()
	a.mu.Unlock()
	teardown()

	if err != nil {
		a.log.Error("speech capture failed", "err", err)
		a.emit(Event{Type: EventError, Err: err})
		return
	}
	a.emit(Event{Type: EventEnd})
}

// detach clears the session state and returns the work needed to release
// it. Must be called with a.mu held; the returned func must be called
// without it.
func (a *Adapter) detach() func() {
	a.listening = false
	sess, cancel, started := a.sess, a.cancel, a.started
	a.sess, a.cancel = nil, nil

	return func() {
		if err := a.source.Stop(); err != nil {
			a.log.Debug("stopping microphone", "err", err)
		}
		if sess != nil {
			_ = sess.Close()
			ctx := context.Background()
			a.metrics.Listening.Add(ctx, -1)
			a.metrics.CaptureDuration.Record(ctx, time.Since(started).Seconds())
		}
		if cancel != nil {
			cancel()
		}
	}
}

func (a *Adapter) emit(ev Event) {
	if a.handler != nil {
		a.handler(ev)
	}
}

package capture_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxa/internal/capture"
	"github.com/MrWong99/voxa/internal/observe"
	"github.com/MrWong99/voxa/pkg/audio"
	audiomock "github.com/MrWong99/voxa/pkg/audio/mock"
	"github.com/MrWong99/voxa/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxa/pkg/provider/stt/mock"
)

var micFormat = audio.Format{SampleRate: 16000, Channels: 1}

type fixture struct {
	provider *sttmock.Provider
	session  *sttmock.Session
	mic      *audiomock.Device
	events   chan capture.Event
	adapter  *capture.Adapter
}

func newFixture(t *testing.T, opts ...capture.Option) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		session: sttmock.NewSession(),
		mic:     audiomock.NewDevice(micFormat),
		events:  make(chan capture.Event, 32),
	}
	f.provider = &sttmock.Provider{Session: f.session}
	opts = append([]capture.Option{
		capture.WithMetrics(m),
		capture.WithHandler(func(ev capture.Event) { f.events <- ev }),
	}, opts...)
	f.adapter = capture.New(f.provider, f.mic, opts...)
	return f
}

func (f *fixture) next(t *testing.T) capture.Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for capture event")
		return capture.Event{}
	}
}

func (f *fixture) expect(t *testing.T, want capture.EventType) capture.Event {
	t.Helper()
	ev := f.next(t)
	if ev.Type != want {
		t.Fatalf("event = %v (%+v), want %v", ev.Type, ev, want)
	}
	return ev
}

func TestStart_StreamsMicrophoneAudio(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.Start(context.Background())
	f.expect(t, capture.EventStart)

	if !f.adapter.Listening() {
		t.Fatal("Listening() = false after Start")
	}
	if !f.mic.Capturing() {
		t.Fatal("microphone not started")
	}
	if !f.mic.Emit([]byte{1, 2, 3, 4}) {
		t.Fatal("no capture callback registered")
	}
	if len(f.session.Chunks) != 1 || !bytes.Equal(f.session.Chunks[0], []byte{1, 2, 3, 4}) {
		t.Errorf("chunks = %v", f.session.Chunks)
	}

	cfg := f.provider.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Channels != 1 || !cfg.Interim {
		t.Errorf("stream config = %+v", cfg)
	}
	f.adapter.Stop()
}

func TestStart_IdempotentWhileListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.Start(context.Background())
	f.adapter.Start(context.Background())
	if n := f.provider.CallCount(); n != 1 {
		t.Errorf("StartStream called %d times, want 1", n)
	}
	f.adapter.Stop()
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStart_AlreadyActiveLogged(t *testing.T) {
	t.Parallel()

	var out lockedBuffer
	log := slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := newFixture(t, capture.WithLogger(log))

	f.adapter.Start(context.Background())
	f.expect(t, capture.EventStart)
	if strings.Contains(out.String(), "already active") {
		t.Fatalf("first Start logged as already active:\n%s", out.String())
	}

	f.adapter.Start(context.Background())
	if got := strings.Count(out.String(), "speech capture already active"); got != 1 {
		t.Errorf("already-active lines = %d, want 1:\n%s", got, out.String())
	}
	f.adapter.Stop()
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.Stop()

	f.adapter.Start(context.Background())
	f.expect(t, capture.EventStart)
	f.adapter.Stop()
	f.adapter.Stop()

	if f.adapter.Listening() {
		t.Error("Listening() = true after Stop")
	}
	if f.mic.Capturing() {
		t.Error("microphone still capturing after Stop")
	}
	if n := f.session.Closed(); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
	select {
	case ev := <-f.events:
		t.Errorf("unexpected event after Stop: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTranscript_Overwritten(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.Start(context.Background())
	f.expect(t, capture.EventStart)

	f.session.PartialsCh <- stt.Transcript{Text: "set a"}
	ev := f.expect(t, capture.EventTranscript)
	if ev.Text != "set a" || ev.Final {
		t.Errorf("partial event = %+v", ev)
	}

	f.session.FinalsCh <- stt.Transcript{Text: "set a timer", IsFinal: true}
	ev = f.expect(t, capture.EventTranscript)
	if ev.Text != "set a timer" || !ev.Final {
		t.Errorf("final event = %+v", ev)
	}
	if got := f.adapter.Transcript(); got != "set a timer" {
		t.Errorf("Transcript() = %q, want %q", got, "set a timer")
	}
	f.adapter.Stop()
}

func TestEndOfSpeech_StopsListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.Start(context.Background())
	f.expect(t, capture.EventStart)

	f.session.End(nil)
	f.expect(t, capture.EventEnd)

	if f.adapter.Listening() {
		t.Error("Listening() = true after end of speech")
	}
	if f.mic.Capturing() {
		t.Error("microphone still capturing")
	}
}

func TestRecognizerError_StopsListening(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.adapter.Start(context.Background())
	f.expect(t, capture.EventStart)

	boom := errors.New("network")
	f.session.End(boom)
	ev := f.expect(t, capture.EventError)
	if !errors.Is(ev.Err, boom) {
		t.Errorf("event err = %v, want %v", ev.Err, boom)
	}
	if f.adapter.Listening() {
		t.Error("Listening() = true after error")
	}
}

func TestStartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*fixture)
	}{
		{"recognizer", func(f *fixture) { f.provider.StartStreamErr = errors.New("denied") }},
		{"microphone", func(f *fixture) { f.mic.StartErr = errors.New("not-allowed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			tt.setup(f)
			f.adapter.Start(context.Background())

			ev := f.expect(t, capture.EventError)
			if ev.Err == nil {
				t.Error("error event without error")
			}
			if f.adapter.Listening() {
				t.Error("Listening() = true after failed start")
			}
		})
	}
}

func TestSilenceTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, capture.WithSilenceTimeout(20*time.Millisecond))
	f.adapter.Start(context.Background())
	f.expect(t, capture.EventStart)
	f.expect(t, capture.EventEnd)

	if f.adapter.Listening() {
		t.Error("Listening() = true after silence timeout")
	}
	if n := f.session.Closed(); n != 1 {
		t.Errorf("session closed %d times, want 1", n)
	}
}

func TestParentContextCancelled(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.adapter.Start(ctx)
	f.expect(t, capture.EventStart)

	cancel()
	f.expect(t, capture.EventEnd)
	if f.adapter.Listening() {
		t.Error("Listening() = true after context cancellation")
	}
}

func TestHandlerMayStop(t *testing.T) {
	t.Parallel()

	var a *capture.Adapter
	done := make(chan struct{})
	a = capture.New(&sttmock.Provider{}, audiomock.NewDevice(micFormat),
		capture.WithHandler(func(ev capture.Event) {
			if ev.Type == capture.EventStart {
				a.Stop()
				close(done)
			}
		}))
	a.Start(context.Background())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	if a.Listening() {
		t.Error("Listening() = true after Stop from handler")
	}
}

func TestUnsupported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a    *capture.Adapter
	}{
		{"no recognizer", capture.New(nil, audiomock.NewDevice(micFormat))},
		{"no microphone", capture.New(&sttmock.Provider{}, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if tt.a.Supported() {
				t.Fatal("Supported() = true")
			}
			tt.a.Start(context.Background())
			if tt.a.Listening() {
				t.Error("Listening() = true on unsupported adapter")
			}
			tt.a.Stop()
		})
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ  capture.EventType
		want string
	}{
		{capture.EventStart, "start"},
		{capture.EventTranscript, "transcript"},
		{capture.EventEnd, "end"},
		{capture.EventError, "error"},
		{capture.EventType(42), "EventType(42)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxa/internal/app"
	"github.com/MrWong99/voxa/internal/config"
	"github.com/MrWong99/voxa/internal/observe"
	"github.com/MrWong99/voxa/internal/session"
	"github.com/MrWong99/voxa/internal/voice"
	voicemock "github.com/MrWong99/voxa/internal/voice/mock"
	"github.com/MrWong99/voxa/pkg/audio"
	audiomock "github.com/MrWong99/voxa/pkg/audio/mock"
	llmmock "github.com/MrWong99/voxa/pkg/provider/llm/mock"
	"github.com/MrWong99/voxa/pkg/provider/stt"
	sttmock "github.com/MrWong99/voxa/pkg/provider/stt/mock"
)

var testVoices = []voice.Voice{
	{ID: "fr-1", Name: "Amelie", Lang: "fr-FR", Provider: voice.ProviderElevenLabs},
	{ID: "en-1", Name: "Plain", Lang: "en-US", Provider: voice.ProviderElevenLabs},
	{ID: "en-2", Name: "Microsoft Aria Online (Natural)", Lang: "en-US", Provider: voice.ProviderElevenLabs},
	{ID: "en-3", Name: "Rachel", Lang: "en-GB", Provider: voice.ProviderElevenLabs},
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "openai"
	config.ApplyDefaults(cfg)
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// running starts a.Run and returns a stop function that cancels it and
// shuts the app down.
func running(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := a.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
}

func waitVoice(t *testing.T, a *app.App) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if id := a.Session().Snapshot().VoiceID; id != "" {
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no voice selected")
	return ""
}

func TestNew_RequiresLLM(t *testing.T) {
	t.Parallel()

	if _, err := app.New(context.Background(), testConfig(), &app.Providers{}); err == nil {
		t.Error("expected error for missing LLM provider")
	}
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("expected error for nil providers")
	}
}

func TestApp_SubmitStreamsAndSpeaks(t *testing.T) {
	t.Parallel()

	eng := voicemock.NewEngine(testVoices...)
	eng.AutoFinish = true
	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: &llmmock.Provider{StreamChunks: llmmock.Fragments("Hi", " there", "!")}},
		app.WithEngine(eng),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	running(t, a)

	if got := waitVoice(t, a); got != "en-2" {
		t.Errorf("selected voice = %q, want best-ranked en-2", got)
	}
	if n := len(a.Voices()); n != 3 {
		t.Errorf("loaded %d voices, want 3 English voices", n)
	}

	if !a.Session().Submit(context.Background(), "Hello") {
		t.Fatal("Submit returned false")
	}
	snap := a.Session().Snapshot()
	if snap.Turn.Response != "Hi there!" {
		t.Errorf("response = %q, want %q", snap.Turn.Response, "Hi there!")
	}
	if snap.State != session.StateIdle {
		t.Errorf("state = %v, want Idle", snap.State)
	}
	calls := eng.Calls()
	if len(calls) != 1 {
		t.Fatalf("speak calls = %d, want 1", len(calls))
	}
	if calls[0].Text != "Hi there!" || calls[0].Voice == nil || calls[0].Voice.ID != "en-2" {
		t.Errorf("utterance = %+v", calls[0])
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := a.History().Recent(context.Background(), 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Prompt != "Hello" || entries[0].Response != "Hi there!" || entries[0].VoiceID != "en-2" {
				t.Errorf("history entry = %+v", entries[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history has %d entries, want 1", len(entries))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApp_PreferredVoice(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Voice.Preferred = "rachel"
	eng := voicemock.NewEngine(testVoices...)
	a, err := app.New(context.Background(), cfg,
		&app.Providers{LLM: &llmmock.Provider{}},
		app.WithEngine(eng), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	running(t, a)

	if got := waitVoice(t, a); got != "en-3" {
		t.Errorf("selected voice = %q, want en-3", got)
	}
}

func TestApp_NoSpeechOutput(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: &llmmock.Provider{StreamChunks: llmmock.Fragments("ok")}},
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	running(t, a)

	if !a.Session().Submit(context.Background(), "Hello") {
		t.Fatal("Submit returned false")
	}
	snap := a.Session().Snapshot()
	if snap.Turn.Response != "ok" || snap.Err != nil {
		t.Errorf("snapshot = %+v", snap)
	}
	if a.CaptureSupported() {
		t.Error("capture should be unsupported without stt and audio")
	}
}

func TestApp_FinalTranscriptSubmits(t *testing.T) {
	t.Parallel()

	dev := audiomock.NewDevice(audio.Format{SampleRate: 16000, Channels: 1})
	sess := sttmock.NewSession()
	llmp := &llmmock.Provider{StreamChunks: llmmock.Fragments("Timer set.")}
	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: llmp, STT: &sttmock.Provider{Session: sess}, Audio: dev},
		app.WithEngine(voicemock.NewEngine()),
		app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	running(t, a)
	if !a.CaptureSupported() {
		t.Fatal("capture should be supported")
	}

	a.Session().StartCapture(context.Background())
	if !a.Session().Snapshot().Listening {
		t.Fatal("not listening after StartCapture")
	}
	sess.FinalsCh <- stt.Transcript{Text: "set a timer", IsFinal: true}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := a.Session().Snapshot()
		if snap.Turn.Response == "Timer set." && snap.State == session.StateIdle && !snap.Listening {
			if snap.Turn.Prompt != "set a timer" {
				t.Errorf("prompt = %q", snap.Turn.Prompt)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("transcript was not submitted: %+v", a.Session().Snapshot())
}

func TestApp_Handler(t *testing.T) {
	t.Parallel()

	eng := voicemock.NewEngine(testVoices...)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: &llmmock.Provider{}},
		app.WithEngine(eng), app.WithMetrics(testMetrics(t)), app.WithListener(ln))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	running(t, a)
	waitVoice(t, a)

	base := "http://" + ln.Addr().String()
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		var resp *http.Response
		deadline := time.Now().Add(5 * time.Second)
		for {
			resp, err = http.Get(base + path)
			if err == nil || time.Now().After(deadline) {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: status %d body %s", path, resp.StatusCode, body)
		}
		if path == "/readyz" && !strings.Contains(string(body), "voices") {
			t.Errorf("readyz body missing voices check: %s", body)
		}
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()

	eng := voicemock.NewEngine(testVoices...)
	lv := new(slog.LevelVar)
	old := testConfig()
	a, err := app.New(context.Background(), old,
		&app.Providers{LLM: &llmmock.Provider{}},
		app.WithEngine(eng), app.WithMetrics(testMetrics(t)), app.WithLogLevel(lv))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	running(t, a)
	waitVoice(t, a)

	updated := testConfig()
	updated.Server.LogLevel = config.LogDebug
	off := false
	updated.Voice.AutoSpeak = &off
	updated.Voice.Preferred = "en-1"
	a.Reload(old, updated)

	if lv.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", lv.Level())
	}
	snap := a.Session().Snapshot()
	if snap.AutoSpeak {
		t.Error("auto-speak still on after reload")
	}
	if snap.VoiceID != "en-1" {
		t.Errorf("voice = %q, want en-1", snap.VoiceID)
	}
}

func TestApp_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	dev := audiomock.NewDevice(audio.Format{SampleRate: 16000, Channels: 1})
	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: &llmmock.Provider{}, Audio: dev},
		app.WithEngine(voicemock.NewEngine()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()

	dev := audiomock.NewDevice(audio.Format{SampleRate: 16000, Channels: 1})
	a, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: &llmmock.Provider{}, Audio: dev},
		app.WithEngine(voicemock.NewEngine()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown error = %v, want context.Canceled", err)
	}
}

package voice_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voxa/internal/voice"
	"github.com/MrWong99/voxa/pkg/audio"
	audiomock "github.com/MrWong99/voxa/pkg/audio/mock"
	"github.com/MrWong99/voxa/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxa/pkg/provider/tts/mock"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

func newSynthEngine(t *testing.T, p *ttsmock.Provider, dev *audiomock.Device) *voice.SynthEngine {
	t.Helper()
	e, err := voice.NewSynthEngine(p, dev)
	if err != nil {
		t.Fatalf("NewSynthEngine: %v", err)
	}
	return e
}

func TestNewSynthEngine_RequiresDependencies(t *testing.T) {
	t.Parallel()

	if _, err := voice.NewSynthEngine(nil, audiomock.NewDevice(mono16k)); err == nil {
		t.Error("expected error for nil provider")
	}
	if _, err := voice.NewSynthEngine(&ttsmock.Provider{}, nil); err == nil {
		t.Error("expected error for nil sink")
	}
}

func TestSynthEngine_RefreshReplacesVoices(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{Voices: []tts.VoiceProfile{
		{ID: "a", Name: "Ana", Provider: "xtts", Language: "en-US"},
		{ID: "b", Name: "Bob", Provider: "unknown-engine", Language: "en-US"},
		{ID: "c", Name: "Cat", Provider: "elevenlabs", Language: "en-GB"},
	}}
	e := newSynthEngine(t, p, audiomock.NewDevice(mono16k))

	notified := 0
	unsubscribe := e.OnVoicesChanged(func() { notified++ })

	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	vs := e.Voices()
	if len(vs) != 2 || vs[0].ID != "a" || vs[1].ID != "c" {
		t.Fatalf("voices = %+v, want a and c", vs)
	}
	if vs[1].Provider != voice.ProviderElevenLabs || vs[1].Lang != "en-GB" {
		t.Errorf("voice c = %+v", vs[1])
	}
	if notified != 1 {
		t.Errorf("listener notified %d times, want 1", notified)
	}

	unsubscribe()
	p.Voices = p.Voices[:1]
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(e.Voices()) != 1 {
		t.Errorf("voice set not replaced wholesale: %+v", e.Voices())
	}
	if notified != 1 {
		t.Errorf("unsubscribed listener still notified")
	}

	p.ListVoicesErr = errors.New("offline")
	if err := e.Refresh(context.Background()); err == nil {
		t.Error("expected error from failing provider")
	}
}

func TestSynthEngine_SpeakWritesAndDrains(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{
		Chunks:      [][]byte{{1, 0, 2, 0}, {3, 0}},
		AudioFormat: mono16k,
		Voices:      []tts.VoiceProfile{{ID: "a", Name: "Ana", Provider: "xtts", Language: "en-US"}},
	}
	dev := audiomock.NewDevice(audio.Format{SampleRate: 16000, Channels: 2})
	e := newSynthEngine(t, p, dev)
	if err := e.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	v := e.Voices()[0]

	err := e.Speak(context.Background(), voice.Utterance{Text: "hello", Voice: &v, Rate: 1, Pitch: 1, Volume: 1})
	if err != nil {
		t.Fatalf("Speak: %v", err)
	}

	written := dev.Written()
	if len(written) != 2 || len(written[0]) != 8 || len(written[1]) != 4 {
		t.Fatalf("written = %v, want mono chunks upmixed to stereo", written)
	}
	if dev.DrainCount != 1 {
		t.Errorf("Drain called %d times, want 1", dev.DrainCount)
	}
	req := p.Calls()[0]
	if req.Voice.ID != "a" || req.Voice.Provider != "xtts" || req.Rate != 1 {
		t.Errorf("request = %+v", req)
	}
}

func TestSynthEngine_SpeakFailureCarriesCode(t *testing.T) {
	t.Parallel()

	p := &ttsmock.Provider{
		Chunks:        [][]byte{{1, 0}},
		SynthesizeErr: &tts.Error{Code: tts.CodeNetwork, Message: "reset"},
	}
	dev := audiomock.NewDevice(mono16k)
	e := newSynthEngine(t, p, dev)

	err := e.Speak(context.Background(), voice.Utterance{Text: "hi"})
	var se *voice.SynthesisError
	if !errors.As(err, &se) || se.Code != tts.CodeNetwork {
		t.Fatalf("err = %v, want SynthesisError{network}", err)
	}
	if dev.ClearCount != 1 {
		t.Errorf("Clear called %d times, want 1", dev.ClearCount)
	}
	if req := p.Calls()[0]; !req.Voice.IsZero() {
		t.Errorf("nil voice should send the provider default, got %+v", req.Voice)
	}
}

func TestSynthEngine_SinkFailureIsAudioBusy(t *testing.T) {
	t.Parallel()

	dev := audiomock.NewDevice(mono16k)
	dev.WriteErr = errors.New("device lost")
	e := newSynthEngine(t, &ttsmock.Provider{Chunks: [][]byte{{1, 0}}}, dev)

	err := e.Speak(context.Background(), voice.Utterance{Text: "hi"})
	var se *voice.SynthesisError
	if !errors.As(err, &se) || se.Code != tts.CodeAudioBusy {
		t.Fatalf("err = %v, want SynthesisError{audio-busy}", err)
	}
}

func TestSynthEngine_CancelClearsQueuedAudio(t *testing.T) {
	t.Parallel()

	dev := audiomock.NewDevice(mono16k)
	dev.HoldDrain = true
	e := newSynthEngine(t, &ttsmock.Provider{Chunks: [][]byte{{1, 0}}}, dev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Speak(ctx, voice.Utterance{Text: "hi"}) }()

	deadline := time.Now().Add(5 * time.Second)
	for dev.Draining() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Speak never started draining")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Speak = %v, want context.Canceled", err)
	}
	if dev.ClearCount != 1 {
		t.Errorf("Clear called %d times, want 1", dev.ClearCount)
	}
}

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/MrWong99/voxa/internal/session"
)

func startServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := StartEmbedded("127.0.0.1", -1)
	if err != nil {
		t.Fatalf("StartEmbedded: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func subscribe(t *testing.T, url, subject string) (*nats.Conn, chan *nats.Msg) {
	t.Helper()
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	t.Cleanup(nc.Close)
	ch := make(chan *nats.Msg, 16)
	if _, err := nc.ChanSubscribe(subject, ch); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return nc, ch
}

func receive(t *testing.T, ch chan *nats.Msg) (*nats.Msg, Event) {
	t.Helper()
	select {
	case msg := <-ch:
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return msg, ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil, Event{}
	}
}

func TestPublisher_PublishesStateTransitions(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	_, ch := subscribe(t, srv.ClientURL(), "voxa.test.>")

	pub, err := Connect(Config{Servers: []string{srv.ClientURL()}, Subject: "voxa.test"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	turn := session.Turn{ID: uuid.New(), Prompt: "Hello", Status: session.StatusPending}
	streaming := session.Snapshot{State: session.StateStreaming, Turn: turn, AutoSpeak: true, VoiceID: "v1"}

	pub.Observe(streaming)
	streaming.Turn.Response = "Hi"
	pub.Observe(streaming) // same state, not published

	done := streaming
	done.State = session.StateIdle
	done.Turn.Response = "Hi there!"
	done.Turn.Status = session.StatusComplete
	pub.Observe(done)

	msg, ev := receive(t, ch)
	if msg.Subject != "voxa.test.streaming" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if ev.TurnID != turn.ID.String() || ev.Prompt != "Hello" || ev.State != "streaming" {
		t.Errorf("event = %+v", ev)
	}

	msg, ev = receive(t, ch)
	if msg.Subject != "voxa.test.idle" {
		t.Errorf("subject = %q", msg.Subject)
	}
	if ev.Response != "Hi there!" || ev.Status != "complete" || !ev.AutoSpeak || ev.VoiceID != "v1" {
		t.Errorf("event = %+v", ev)
	}

	select {
	case extra := <-ch:
		t.Errorf("unexpected extra message on %s", extra.Subject)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublisher_NewTurnSameState(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	_, ch := subscribe(t, srv.ClientURL(), DefaultSubject+".>")

	pub, err := Connect(Config{Servers: []string{srv.ClientURL()}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	first := session.Snapshot{State: session.StateIdle, Turn: session.Turn{ID: uuid.New()}}
	second := session.Snapshot{State: session.StateIdle, Turn: session.Turn{ID: uuid.New()}}
	pub.Observe(first)
	pub.Observe(second)

	_, a := receive(t, ch)
	_, b := receive(t, ch)
	if a.TurnID == b.TurnID {
		t.Errorf("expected two distinct turns, got %q twice", a.TurnID)
	}
}

func TestPublisher_ErrorText(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	_, ch := subscribe(t, srv.ClientURL(), DefaultSubject+".error")

	pub, err := Connect(Config{Servers: []string{srv.ClientURL()}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer pub.Close()

	if err := pub.Publish(session.Snapshot{State: session.StateError, Err: errors.New("boom")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	_, ev := receive(t, ch)
	if ev.Error != "boom" {
		t.Errorf("error = %q, want boom", ev.Error)
	}
}

func TestPublisher_Health(t *testing.T) {
	t.Parallel()

	srv := startServer(t)
	pub, err := Connect(Config{Servers: []string{srv.ClientURL()}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !pub.Healthy() {
		t.Error("Healthy() = false while connected")
	}
	if err := pub.Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}

	pub.Close()
	if pub.Healthy() {
		t.Error("Healthy() = true after Close")
	}
	if err := pub.Check(context.Background()); err == nil {
		t.Error("Check passed after Close")
	}
}

func TestConnect_Validation(t *testing.T) {
	t.Parallel()

	if _, err := Connect(Config{}); err == nil {
		t.Error("expected error without servers")
	}
	if _, err := Connect(Config{Servers: []string{"nats://127.0.0.1:1"}, ConnectTimeout: 100 * time.Millisecond}); err == nil {
		t.Error("expected error for unreachable server")
	}
}

func TestSubject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		prefix string
		state  session.State
		want   string
	}{
		{"", session.StateSpeaking, "voxa.session.speaking"},
		{"home.voxa.", session.StateIdle, "home.voxa.idle"},
	}
	for _, tt := range tests {
		p := NewPublisher(nil, tt.prefix)
		if got := p.Subject(tt.state); got != tt.want {
			t.Errorf("Subject(%q, %v) = %q, want %q", tt.prefix, tt.state, got, tt.want)
		}
	}
}

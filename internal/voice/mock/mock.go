// Package mock provides a scriptable voice.Engine for tests.
//
// Playback blocks until the test calls Finish, Fail, or the utterance is
// cancelled, unless AutoFinish is set. Every lifecycle transition is appended
// to Events as "start:<text>" or "end:<text>" so ordering can be asserted.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxa/internal/voice"
)

// Engine is a mock implementation of voice.Engine.
type Engine struct {
	mu sync.Mutex

	// AutoFinish makes Speak return immediately with SpeakErr.
	AutoFinish bool

	// SpeakErr is returned by auto-finished utterances.
	SpeakErr error

	voices    []voice.Voice
	listeners map[int]func()
	nextID    int
	active    chan error
	started   chan struct{}

	// Utterances records every utterance passed to Speak.
	Utterances []voice.Utterance

	// Events records "start:<text>" and "end:<text>" in order.
	Events []string
}

// NewEngine returns an engine listing voices.
func NewEngine(voices ...voice.Voice) *Engine {
	return &Engine{
		voices:    voices,
		listeners: make(map[int]func()),
		started:   make(chan struct{}, 16),
	}
}

// Voices implements voice.Engine.
func (e *Engine) Voices() []voice.Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.voices)
}

// SetVoices replaces the voice list and fires change listeners.
func (e *Engine) SetVoices(voices ...voice.Voice) {
	e.mu.Lock()
	e.voices = voices
	fns := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Listeners returns the number of registered change listeners.
func (e *Engine) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// OnVoicesChanged implements voice.Engine.
func (e *Engine) OnVoicesChanged(fn func()) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Speak implements voice.Engine.
func (e *Engine) Speak(ctx context.Context, u voice.Utterance) error {
	e.mu.Lock()
	e.Utterances = append(e.Utterances, u)
	e.Events = append(e.Events, "start:"+u.Text)
	if e.AutoFinish {
		err := e.SpeakErr
		e.Events = append(e.Events, "end:"+u.Text)
		e.mu.Unlock()
		return err
	}
	done := make(chan error, 1)
	e.active = done
	e.mu.Unlock()
	e.started <- struct{}{}

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	e.mu.Lock()
	if e.active == done {
		e.active = nil
	}
	e.Events = append(e.Events, "end:"+u.Text)
	e.mu.Unlock()
	return err
}

// Started blocks until the next blocking utterance has begun or ctx ends. It
// reports whether an utterance started.
func (e *Engine) Started(ctx context.Context) bool {
	select {
	case <-e.started:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish completes the active utterance successfully.
func (e *Engine) Finish() { e.complete(nil) }

// Fail completes the active utterance with err.
func (e *Engine) Fail(err error) { e.complete(err) }

func (e *Engine) complete(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.active <- err
		e.active = nil
	}
}

// EventLog returns a copy of Events.
func (e *Engine) EventLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.Events)
}

// Calls returns a copy of Utterances.
func (e *Engine) Calls() []voice.Utterance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.Utterances)
}

var _ voice.Engine = (*Engine)(nil)

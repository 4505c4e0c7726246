// Package mock provides test doubles for the session package interfaces.
package mock

import (
	"context"
	"iter"
	"sync"

	"github.com/MrWong99/voxa/internal/session"
	"github.com/MrWong99/voxa/internal/voice"
)

// Streamer is a mock implementation of session.Streamer. Each Stream call
// yields Fragments in order, then Err if non-nil.
type Streamer struct {
	mu sync.Mutex

	Fragments []string

	// Err, if non-nil, is yielded after Fragments.
	Err error

	// StreamErr, if non-nil, is returned by Stream itself.
	StreamErr error

	// Gate, if non-nil, must receive a value before each fragment is
	// yielded.
	Gate chan struct{}

	Prompts []string
}

// Stream records prompt and returns the scripted sequence.
func (s *Streamer) Stream(ctx context.Context, prompt string) (iter.Seq2[string, error], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Prompts = append(s.Prompts, prompt)
	if s.StreamErr != nil {
		return nil, s.StreamErr
	}
	frags, err, gate := s.Fragments, s.Err, s.Gate
	return func(yield func(string, error) bool) {
		for _, f := range frags {
			if gate != nil {
				select {
				case <-gate:
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				}
			}
			if !yield(f, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}, nil
}

// Calls returns the prompts passed to Stream.
func (s *Streamer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Prompts...)
}

var _ session.Streamer = (*Streamer)(nil)

// SpeakCall records one Speak invocation.
type SpeakCall struct {
	Text    string
	VoiceID string
}

// Speaker is a mock implementation of session.Speaker.
type Speaker struct {
	mu sync.Mutex

	// Err, if non-nil, is returned by Speak.
	Err error

	// Block makes Speak wait for Stop or context cancellation, then return
	// voice.ErrInterrupted.
	Block bool

	SpeakCalls []SpeakCall
	StopCount  int

	started chan SpeakCall
	stop    chan struct{}
}

// NewSpeaker returns a Speaker ready for use.
func NewSpeaker() *Speaker {
	return &Speaker{started: make(chan SpeakCall, 16), stop: make(chan struct{}, 1)}
}

// Speak records the call and returns Err, or blocks when Block is set.
func (s *Speaker) Speak(ctx context.Context, text, voiceID string) error {
	call := SpeakCall{Text: text, VoiceID: voiceID}
	s.mu.Lock()
	s.SpeakCalls = append(s.SpeakCalls, call)
	block, err := s.Block, s.Err
	s.mu.Unlock()
	s.started <- call

	if !block {
		return err
	}
	select {
	case <-s.stop:
		return voice.ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop counts the call and releases a blocked Speak.
func (s *Speaker) Stop() {
	s.mu.Lock()
	s.StopCount++
	s.mu.Unlock()
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

// Started returns a channel that receives every Speak call as it begins.
func (s *Speaker) Started() <-chan SpeakCall { return s.started }

// Calls returns a copy of the recorded Speak calls.
func (s *Speaker) Calls() []SpeakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpeakCall(nil), s.SpeakCalls...)
}

// Stops returns the number of Stop calls.
func (s *Speaker) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StopCount
}

var _ session.Speaker = (*Speaker)(nil)

// Capture is a mock implementation of session.Capture.
type Capture struct {
	mu sync.Mutex

	listening  bool
	StartCount int
	StopCount  int
}

// Start marks the capture as listening.
func (c *Capture) Start(context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCount++
	c.listening = true
}

// Stop marks the capture as not listening.
func (c *Capture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCount++
	c.listening = false
}

// Listening implements session.Capture.
func (c *Capture) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Stops returns the number of Stop calls.
func (c *Capture) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StopCount
}

var _ session.Capture = (*Capture)(nil)

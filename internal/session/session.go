// Package session implements the orchestrator that turns one user prompt
// into one visible turn: it streams the completion, accumulates the
// response, optionally speaks it and coordinates speech capture around it.
//
// The orchestrator moves through [StateIdle] → [StateSubmitting] →
// [StateStreaming] → [StateSpeaking] → [StateIdle]. A failure passes through
// the transient [StateError] on its way back to Idle. Every change is
// published as a [Snapshot] to the registered observers.
//
// All methods are safe for concurrent use. Submit blocks for the whole turn;
// front ends call it from their own goroutine.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxa/internal/capture"
	"github.com/MrWong99/voxa/internal/observe"
	"github.com/MrWong99/voxa/internal/voice"
)

// State is the orchestrator state.
type State int

const (
	StateIdle State = iota
	StateSubmitting
	StateStreaming
	StateSpeaking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubmitting:
		return "submitting"
	case StateStreaming:
		return "streaming"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is the outcome of a [Turn].
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Turn is one prompt and the response accumulated for it. Response keeps
// whatever arrived before a failure.
type Turn struct {
	ID       uuid.UUID
	Prompt   string
	Response string
	Status   Status
}

// Snapshot is the externally visible state of the orchestrator.
type Snapshot struct {
	State State
	Turn  Turn

	// Input is the typed input buffer, mirrored from the capture transcript
	// while listening.
	Input string

	// Err is the last turn error. It is cleared when the next turn starts.
	Err error

	Listening  bool
	Transcript string
	AutoSpeak  bool
	VoiceID    string
}

// Busy reports whether a turn is in progress.
func (s Snapshot) Busy() bool { return s.State != StateIdle }

// Streamer is the completion client.
type Streamer interface {
	Stream(ctx context.Context, prompt string) (iter.Seq2[string, error], error)
}

// Speaker is the voice output adapter. Speak returns [voice.ErrInterrupted]
// when playback was stopped.
type Speaker interface {
	Speak(ctx context.Context, text, voiceID string) error
	Stop()
}

// Capture is the voice capture adapter.
type Capture interface {
	Start(ctx context.Context)
	Stop()
	Listening() bool
}

// Observer receives every published snapshot. Observers are called one at a
// time, in publication order, and must not call back into the orchestrator.
type Observer func(Snapshot)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithCapture attaches a voice capture adapter.
func WithCapture(c Capture) Option {
	return func(o *Orchestrator) { o.capture = c }
}

// WithObserver registers an observer at construction time.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.addObserver(obs) }
}

// WithAutoSpeak sets the initial auto-speak flag. The default is on.
func WithAutoSpeak(on bool) Option {
	return func(o *Orchestrator) { o.autoSpeak = on }
}

// WithVoice sets the initially selected voice.
func WithVoice(id string) Option {
	return func(o *Orchestrator) { o.voiceID = id }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator is the session state machine.
type Orchestrator struct {
	streamer Streamer
	speaker  Speaker
	capture  Capture
	metrics  *observe.Metrics

	mu         sync.Mutex
	state      State
	turn       Turn
	input      string
	err        error
	transcript string
	autoSpeak  bool
	voiceID    string

	// stopSpeech cancels the context of the utterance being spoken. It is
	// set before the state becomes StateSpeaking.
	stopSpeech context.CancelFunc

	// pubMu serialises snapshot delivery so observers see changes in order.
	pubMu     sync.Mutex
	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int
}

// New creates an Orchestrator in [StateIdle].
func New(streamer Streamer, speaker Speaker, opts ...Option) (*Orchestrator, error) {
	if streamer == nil {
		return nil, errors.New("session: streamer is required")
	}
	if speaker == nil {
		return nil, errors.New("session: speaker is required")
	}
	o := &Orchestrator{
		streamer:  streamer,
		speaker:   speaker,
		autoSpeak: true,
		observers: make(map[int]Observer),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// Observe registers obs and returns a func that unregisters it.
func (o *Orchestrator) Observe(obs Observer) (cancel func()) {
	id := o.addObserver(obs)
	return func() {
		o.obsMu.Lock()
		delete(o.observers, id)
		o.obsMu.Unlock()
	}
}

func (o *Orchestrator) addObserver(obs Observer) int {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	if o.observers == nil {
		o.observers = make(map[int]Observer)
	}
	id := o.nextObs
	o.nextObs++
	o.observers[id] = obs
	return id
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() Snapshot {
	listening := o.capture != nil && o.capture.Listening()

	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		State:      o.state,
		Turn:       o.turn,
		Input:      o.input,
		Err:        o.err,
		Listening:  listening,
		Transcript: o.transcript,
		AutoSpeak:  o.autoSpeak,
		VoiceID:    o.voiceID,
	}
}

func (o *Orchestrator) publish() {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	snap := o.Snapshot()
	o.obsMu.Lock()
	obs := make([]Observer, 0, len(o.observers))
	for _, id := range slices.Sorted(maps.Keys(o.observers)) {
		obs = append(obs, o.observers[id])
	}
	o.obsMu.Unlock()

	for _, fn := range obs {
		fn(snap)
	}
}

// Submit runs one turn for text and returns once the orchestrator is back in
// [StateIdle]. It returns false without doing anything when text is blank or
// a turn is already in progress.
func (o *Orchestrator) Submit(ctx context.Context, text string) bool {
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return false
	}

	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return false
	}
	o.state = StateSubmitting
	o.turn = Turn{ID: uuid.New(), Prompt: prompt, Status: StatusPending}
	turnID := o.turn.ID.String()
	o.err = nil
	o.mu.Unlock()

	ctx, span := observe.StartSpan(observe.WithTurn(ctx, turnID), "session.Submit")
	log := observe.Logger(ctx)
	start := time.Now()
	log.Debug("turn started", "prompt_len", len(prompt))
	o.publish()

	err := o.stream(ctx, prompt)
	if err != nil {
		log.Error("turn failed", "err", err)
		o.mu.Lock()
		o.state = StateError
		o.err = err
		o.turn.Status = StatusFailed
		o.mu.Unlock()
		o.publish()
	} else {
		o.speak(ctx, log)
	}

	o.mu.Lock()
	status := o.turn.Status
	if status == StatusPending {
		o.turn.Status = StatusComplete
		status = StatusComplete
	}
	o.state = StateIdle
	o.input = ""
	o.mu.Unlock()
	if o.capture != nil {
		o.capture.Stop()
	}
	o.publish()

	o.metrics.RecordSubmission(ctx, string(status))
	o.metrics.CompletionDuration.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	log.Debug("turn finished", "status", status, "elapsed", time.Since(start))
	return true
}

// SubmitInput submits the current input buffer.
func (o *Orchestrator) SubmitInput(ctx context.Context) bool {
	o.mu.Lock()
	text := o.input
	o.mu.Unlock()
	return o.Submit(ctx, text)
}

func (o *Orchestrator) stream(ctx context.Context, prompt string) error {
	seq, err := o.streamer.Stream(ctx, prompt)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.state = StateStreaming
	o.mu.Unlock()
	o.publish()

	first := true
	start := time.Now()
	for frag, err := range seq {
		if err != nil {
			return err
		}
		if first {
			o.metrics.CompletionFirstFragment.Record(ctx, time.Since(start).Seconds())
			first = false
		}
		o.mu.Lock()
		o.turn.Response += frag
		o.mu.Unlock()
		o.publish()
	}
	return nil
}

func (o *Orchestrator) speak(ctx context.Context, log *slog.Logger) {
	o.mu.Lock()
	text, voiceID := o.turn.Response, o.voiceID
	if !o.autoSpeak || voiceID == "" || strings.TrimSpace(text) == "" {
		o.mu.Unlock()
		return
	}
	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.stopSpeech = cancel
	o.state = StateSpeaking
	o.mu.Unlock()
	o.publish()

	err := o.speaker.Speak(speakCtx, text, voiceID)

	o.mu.Lock()
	o.stopSpeech = nil
	o.mu.Unlock()
	if err == nil || errors.Is(err, voice.ErrInterrupted) || errors.Is(err, context.Canceled) {
		return
	}
	log.Warn("speaking response failed", "err", err)
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// SetInput replaces the input buffer.
func (o *Orchestrator) SetInput(text string) {
	o.mu.Lock()
	o.input = text
	o.mu.Unlock()
	o.publish()
}

// HandleCaptureEvent folds a capture event into the session. Transcripts
// overwrite the input buffer; a final transcript that arrives while capture
// is listening is submitted as if typed, independent of auto-speak.
func (o *Orchestrator) HandleCaptureEvent(ctx context.Context, ev capture.Event) {
	switch ev.Type {
	case capture.EventTranscript:
		o.mu.Lock()
		o.transcript = ev.Text
		if ev.Text != "" {
			o.input = ev.Text
		}
		o.mu.Unlock()
		o.publish()

		if ev.Final && ev.Text != "" && o.capture != nil && o.capture.Listening() {
			o.Submit(ctx, ev.Text)
		}
	case capture.EventStart:
		o.mu.Lock()
		o.transcript = ""
		o.mu.Unlock()
		o.publish()
	default:
		// End and error only change the listening flag, which Snapshot reads
		// from the adapter.
		o.publish()
	}
}

// StartCapture starts speech capture. It is ignored while a turn is in
// progress or when no capture adapter is attached.
func (o *Orchestrator) StartCapture(ctx context.Context) {
	if o.capture == nil {
		return
	}
	o.mu.Lock()
	idle := o.state == StateIdle
	o.mu.Unlock()
	if !idle {
		return
	}
	o.capture.Start(ctx)
	o.publish()
}

// StopCapture stops speech capture.
func (o *Orchestrator) StopCapture() {
	if o.capture == nil {
		return
	}
	o.capture.Stop()
	o.publish()
}

// CancelSpeech stops playback and turns auto-speak off. A cancel that lands
// after the session entered StateSpeaking but before the speaker registered
// the utterance still ends it.
func (o *Orchestrator) CancelSpeech() {
	o.mu.Lock()
	o.autoSpeak = false
	if o.stopSpeech != nil {
		o.stopSpeech()
	}
	o.mu.Unlock()
	o.speaker.Stop()
	o.publish()
}

// ToggleAutoSpeak flips auto-speak, stopping playback that is in progress.
// It returns the new value.
func (o *Orchestrator) ToggleAutoSpeak() bool {
	o.mu.Lock()
	speaking := o.state == StateSpeaking
	o.autoSpeak = !o.autoSpeak
	on := o.autoSpeak
	if speaking && o.stopSpeech != nil {
		o.stopSpeech()
	}
	o.mu.Unlock()
	if speaking {
		o.speaker.Stop()
	}
	o.publish()
	return on
}

// SetAutoSpeak sets auto-speak without touching playback.
func (o *Orchestrator) SetAutoSpeak(on bool) {
	o.mu.Lock()
	changed := o.autoSpeak != on
	o.autoSpeak = on
	o.mu.Unlock()
	if changed {
		o.publish()
	}
}

// SelectVoice selects the voice used for auto-speak. An empty id disables
// speaking.
func (o *Orchestrator) SelectVoice(id string) {
	o.mu.Lock()
	changed := o.voiceID != id
	o.voiceID = id
	o.mu.Unlock()
	if changed {
		o.publish()
	}
}

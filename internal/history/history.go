// Package history keeps a log of finished conversation turns.
//
// A [Recorder] observes the session and hands every finished turn to a
// [Store] on a background goroutine, so slow storage never stalls the
// conversation. [Memory] is the default store; the postgres sub-package
// persists turns across runs and adds full-text search.
package history

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/voxa/internal/session"
)

// Entry is one finished turn.
type Entry struct {
	TurnID    uuid.UUID
	SessionID string
	Prompt    string
	Response  string
	Status    session.Status

	// Error is the error text of a failed turn.
	Error   string
	VoiceID string

	Started  time.Time
	Duration time.Duration
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	// Append stores e.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, oldest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Search returns up to limit entries whose prompt or response matches
	// query, oldest first.
	Search(ctx context.Context, query string, limit int) ([]Entry, error)

	Close() error
}

// Memory is a bounded in-process [Store]. The oldest entries are evicted
// first.
type Memory struct {
	mu      sync.Mutex
	limit   int
	entries []Entry
}

var _ Store = (*Memory)(nil)

// NewMemory returns a store holding at most limit entries. limit <= 0 means
// unbounded.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if m.limit > 0 && len(m.entries) > m.limit {
		m.entries = slices.Delete(m.entries, 0, len(m.entries)-m.limit)
	}
	return nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tail(m.entries, limit), nil
}

// Search matches query case-insensitively as a substring.
func (m *Memory) Search(_ context.Context, query string, limit int) ([]Entry, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if strings.Contains(strings.ToLower(e.Prompt), q) || strings.Contains(strings.ToLower(e.Response), q) {
			out = append(out, e)
		}
	}
	return tail(out, limit), nil
}

func (m *Memory) Close() error { return nil }

func tail(es []Entry, limit int) []Entry {
	if limit > 0 && len(es) > limit {
		es = es[len(es)-limit:]
	}
	return slices.Clone(es)
}

// ErrRecorderClosed is returned by [Recorder.Flush] after Close.
var ErrRecorderClosed = errors.New("history: recorder closed")

// Recorder turns session snapshots into entries. Register
// [Recorder.Observe] with the session.
type Recorder struct {
	store     Store
	sessionID string

	mu      sync.Mutex
	turn    uuid.UUID
	started time.Time
	written uuid.UUID

	queue chan Entry
	flush chan chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewRecorder starts a recorder writing to store. sessionID groups the
// entries of one run.
func NewRecorder(store Store, sessionID string) *Recorder {
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		queue:     make(chan Entry, 64),
		flush:     make(chan chan struct{}),
		done:      make(chan struct{}),
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Observe is a session observer. A turn is recorded once, when the session
// returns to idle.
func (r *Recorder) Observe(s session.Snapshot) {
	r.mu.Lock()
	if s.Turn.ID != r.turn {
		r.turn = s.Turn.ID
		r.started = time.Now()
	}
	if s.Busy() || s.Turn.ID == uuid.Nil || s.Turn.ID == r.written || s.Turn.Status == session.StatusPending {
		r.mu.Unlock()
		return
	}
	r.written = s.Turn.ID
	e := Entry{
		TurnID:    s.Turn.ID,
		SessionID: r.sessionID,
		Prompt:    s.Turn.Prompt,
		Response:  s.Turn.Response,
		Status:    s.Turn.Status,
		VoiceID:   s.VoiceID,
		Started:   r.started,
		Duration:  time.Since(r.started),
	}
	if s.Err != nil {
		e.Error = s.Err.Error()
	}
	r.mu.Unlock()

	select {
	case r.queue <- e:
	case <-r.done:
	default:
		slog.Warn("history queue full, dropping turn", "turn_id", e.TurnID)
	}
}

// Flush blocks until every queued entry has been written or ctx ends.
func (r *Recorder) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case r.flush <- ack:
	case <-r.done:
		return ErrRecorderClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes the remaining queue and stops the recorder. The store is not
// closed.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
	})
	return nil
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case ack := <-r.flush:
			r.drain()
			close(ack)
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		default:
			return
		}
	}
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Append(ctx, e); err != nil {
		slog.Warn("failed to record turn", "turn_id", e.TurnID, "err", err)
	}
}

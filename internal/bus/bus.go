// Package bus publishes session turn events to NATS so that other processes
// (dashboards, loggers, home automation) can follow the conversation.
//
// A [Publisher] is a [session.Observer]: it emits one JSON [Event] per state
// transition on the subject "<prefix>.<state>", e.g. "voxa.session.speaking".
// Fragment-level updates within a state are not published.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/MrWong99/voxa/internal/session"
)

// DefaultSubject is the subject prefix used when none is configured.
const DefaultSubject = "voxa.session"

// Config holds the NATS connection settings.
type Config struct {
	Servers        []string
	Subject        string
	Token          string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// Event is the payload published for each state transition.
type Event struct {
	TurnID    string    `json:"turn_id"`
	State     string    `json:"state"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Listening bool      `json:"listening"`
	AutoSpeak bool      `json:"auto_speak"`
	VoiceID   string    `json:"voice_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Publisher publishes session events to NATS.
type Publisher struct {
	conn   *nats.Conn
	prefix string

	mu        sync.Mutex
	lastState session.State
	lastTurn  string
}

// Connect dials the configured NATS servers.
func Connect(cfg Config) (*Publisher, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("bus: no NATS servers configured")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("voxa"),
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("bus: disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("bus: reconnected to NATS", "server", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	slog.Info("connected to NATS", "servers", url)
	return NewPublisher(conn, cfg.Subject), nil
}

// NewPublisher wraps an existing connection. An empty prefix selects
// [DefaultSubject].
func NewPublisher(conn *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubject
	}
	return &Publisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), lastState: -1}
}

// Subject returns the subject used for state s.
func (p *Publisher) Subject(s session.State) string {
	return p.prefix + "." + s.String()
}

// Observe publishes snap if it starts a new turn or changes state. It has
// the [session.Observer] signature.
func (p *Publisher) Observe(snap session.Snapshot) {
	turnID := snap.Turn.ID.String()

	p.mu.Lock()
	if snap.State == p.lastState && turnID == p.lastTurn {
		p.mu.Unlock()
		return
	}
	p.lastState, p.lastTurn = snap.State, turnID
	p.mu.Unlock()

	if err := p.Publish(snap); err != nil {
		slog.Warn("bus: publish session event", "state", snap.State, "err", err)
	}
}

// Publish sends snap unconditionally.
func (p *Publisher) Publish(snap session.Snapshot) error {
	ev := Event{
		TurnID:    snap.Turn.ID.String(),
		State:     snap.State.String(),
		Prompt:    snap.Turn.Prompt,
		Response:  snap.Turn.Response,
		Status:    string(snap.Turn.Status),
		Listening: snap.Listening,
		AutoSpeak: snap.AutoSpeak,
		VoiceID:   snap.VoiceID,
		Time:      time.Now().UTC(),
	}
	if snap.Err != nil {
		ev.Error = snap.Err.Error()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	if err := p.conn.Publish(p.Subject(snap.State), data); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (p *Publisher) Healthy() bool {
	return p != nil && p.conn != nil && p.conn.Status() == nats.CONNECTED
}

// Check is a readiness probe for the NATS connection.
func (p *Publisher) Check(context.Context) error {
	if p.Healthy() {
		return nil
	}
	if p == nil || p.conn == nil {
		return errors.New("bus: not connected")
	}
	return fmt.Errorf("bus: connection %s", strings.ToLower(p.conn.Status().String()))
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		slog.Debug("bus: drain", "err", err)
		p.conn.Close()
	}
}

// Package completion turns a prompt into a lazy sequence of text fragments
// streamed from an [llm.Provider].
//
// A sequence returned by [Client.Stream] opens its request on first
// iteration, yields fragments in arrival order, and ends either when the
// model finishes or with exactly one terminal error. Fragments yielded before
// an error stay valid. The client never retries; an optional circuit breaker
// only makes repeated failures fail fast.
package completion

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxa/internal/observe"
	"github.com/MrWong99/voxa/internal/resilience"
	"github.com/MrWong99/voxa/pkg/provider/llm"
)

var (
	// ErrEmptyInput is returned by [Client.Stream] for a prompt that is empty
	// after trimming. No request is made.
	ErrEmptyInput = errors.New("completion: empty input")

	// ErrStreamConsumed is yielded when a sequence is iterated a second time.
	ErrStreamConsumed = errors.New("completion: stream already consumed")

	// ErrStreamFailed wraps a failure reported by the backend after the
	// stream was opened.
	ErrStreamFailed = errors.New("completion: stream failed")
)

// Params are the generation controls sent with every request.
type Params struct {
	MaxTokens    int
	Temperature  float64
	TopP         float64
	SystemPrompt string
}

// DefaultParams returns the controls used when none are configured.
func DefaultParams() Params {
	return Params{MaxTokens: 500, Temperature: 0.7, TopP: 0.9}
}

// Option configures a [Client].
type Option func(*Client)

// WithParams replaces the generation controls.
func WithParams(p Params) Option {
	return func(c *Client) { c.params = p }
}

// WithRole sets the role the prompt is sent as. Default: [llm.RoleUser].
func WithRole(r llm.Role) Option {
	return func(c *Client) { c.role = r }
}

// WithBreaker guards the endpoint with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithProviderName labels metrics and spans. Default: "llm".
func WithProviderName(name string) Option {
	return func(c *Client) { c.name = name }
}

// Client streams completions for single prompts.
type Client struct {
	provider llm.Provider
	params   Params
	role     llm.Role
	name     string
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
}

// New creates a Client over provider.
func New(provider llm.Provider, opts ...Option) (*Client, error) {
	if provider == nil {
		return nil, errors.New("completion: provider must not be nil")
	}
	c := &Client{
		provider: provider,
		params:   DefaultParams(),
		role:     llm.RoleUser,
		name:     "llm",
	}
	for _, o := range opts {
		o(c)
	}
	if !c.role.IsValid() {
		return nil, fmt.Errorf("completion: prompt %w: %q", llm.ErrUnknownRole, c.role)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Stream returns the fragment sequence for prompt. The request is not sent
// until the sequence is ranged over, and the sequence can be ranged over only
// once. Breaking out of the loop early cancels the request.
func (c *Client) Stream(ctx context.Context, prompt string) (iter.Seq2[string, error], error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyInput
	}
	req := llm.CompletionRequest{
		Messages:     []llm.Message{{Role: c.role, Content: prompt}},
		SystemPrompt: c.params.SystemPrompt,
		Temperature:  c.params.Temperature,
		TopP:         c.params.TopP,
		MaxTokens:    c.params.MaxTokens,
	}

	var consumed atomic.Bool
	return func(yield func(string, error) bool) {
		if consumed.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		c.run(ctx, req, yield)
	}, nil
}

func (c *Client) run(ctx context.Context, req llm.CompletionRequest, yield func(string, error) bool) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "completion.stream",
		trace.WithAttributes(attribute.String("provider", c.name)))
	var err error
	defer func() {
		observe.EndSpan(span, err)
		c.metrics.CompletionDuration.Record(ctx, time.Since(start).Seconds())
	}()

	done := func(error) {}
	if c.breaker != nil {
		d, berr := c.breaker.Allow()
		if berr != nil {
			err = berr
			yield("", err)
			return
		}
		done = d
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := c.provider.StreamCompletion(ctx, req)
	if err != nil {
		err = fmt.Errorf("completion: open stream: %w", err)
		c.fail(ctx, done, err)
		yield("", err)
		return
	}

	first := true
	for chunk := range ch {
		if chunk.IsError() {
			err = fmt.Errorf("%w: %s", ErrStreamFailed, chunk.Text)
			c.fail(ctx, done, err)
			yield("", err)
			return
		}
		if chunk.Text == "" {
			continue
		}
		if first {
			first = false
			c.metrics.CompletionFirstFragment.Record(ctx, time.Since(start).Seconds())
		}
		c.metrics.Fragments.Add(ctx, 1)
		if !yield(chunk.Text, nil) {
			// The consumer stopped early; that says nothing about the endpoint.
			done(nil)
			return
		}
	}

	// Providers close the channel without an error chunk on cancellation.
	if err = ctx.Err(); err != nil {
		done(err)
		yield("", err)
		return
	}
	done(nil)
	c.metrics.RecordProviderRequest(ctx, c.name, "llm", "ok")
}

func (c *Client) fail(ctx context.Context, done func(error), err error) {
	done(err)
	c.metrics.RecordProviderRequest(ctx, c.name, "llm", "error")
	c.metrics.RecordProviderError(ctx, c.name, "llm")
	observe.Logger(ctx).Warn("completion stream failed", "provider", c.name, "err", err)
}

// Package llm defines the Provider interface for chat completion backends.
//
// A provider wraps a remote or local model API (the Hugging Face router, OpenAI,
// a local Ollama instance, ...) and exposes a uniform streaming interface so the
// completion client never couples to a specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError marks a chunk that terminates a stream because of a
// transport or backend failure. Its Text carries the error message.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", or
	// FinishReasonError. Empty on intermediate chunks.
	FinishReason string
}

// IsError reports whether c terminates the stream with a failure.
func (c Chunk) IsError() bool { return c.FinishReason == FinishReasonError }

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any chat completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed by the implementation
	// when generation finishes or ctx is cancelled.
	//
	// Errors that occur after the stream is open are surfaced as a final Chunk
	// whose FinishReason is FinishReasonError. The error return is non-nil only
	// for failures that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

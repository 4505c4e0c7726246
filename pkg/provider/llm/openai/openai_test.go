package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	oai "github.com/openai/openai-go"

	"github.com/MrWong99/voxa/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	sys, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "You are helpful."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: param=%+v err=%v", sys, err)
	}
	usr, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Hello!"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("user: param=%+v err=%v", usr, err)
	}
	asst, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hi there!"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: param=%+v err=%v", asst, err)
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()

	_, err := convertMessage(llm.Message{Role: "tool", Content: "test"})
	if !errors.Is(err, llm.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}

func TestBuildParams_GenerationControls(t *testing.T) {
	t.Parallel()

	p, err := New("hf-test", HuggingFaceDefaultModel, WithBaseURL(HuggingFaceBaseURL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
		SystemPrompt: "Be brief.",
		Temperature:  0.7,
		TopP:         0.9,
		MaxTokens:    500,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages (system + user), got %d", len(params.Messages))
	}
	if got := params.Temperature.Value; got != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got)
	}
	if got := params.TopP.Value; got != 0.9 {
		t.Errorf("top_p = %v, want 0.9", got)
	}
	if got := params.MaxTokens.Value; got != 500 {
		t.Errorf("max_tokens = %v, want 500", got)
	}
	if string(params.Model) != HuggingFaceDefaultModel {
		t.Errorf("model = %q, want %q", params.Model, HuggingFaceDefaultModel)
	}
}

func TestBuildParams_RejectsEmptyRequest(t *testing.T) {
	t.Parallel()

	p := &Provider{model: "m"}
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for request without messages")
	}
}

func sseChunk(content string) string {
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q},"finish_reason":null}]}`+"\n\n", content)
}

func TestStreamCompletion_SSE(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer hf-test" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range []string{"Hi", " there", "!"} {
			fmt.Fprint(w, sseChunk(frag))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := New("hf-test", "m", WithBaseURL(srv.URL+"/v1/"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}

	var sb strings.Builder
	for c := range ch {
		if c.IsError() {
			t.Fatalf("unexpected error chunk: %s", c.Text)
		}
		sb.WriteString(c.Text)
	}
	if sb.String() != "Hi there!" {
		t.Errorf("accumulated = %q, want %q", sb.String(), "Hi there!")
	}
}

func TestStreamCompletion_ServerErrorNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	}))
	defer srv.Close()

	p, err := New("hf-test", "m", WithBaseURL(srv.URL+"/v1/"), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hello"}},
	})
	if err == nil {
		// Some SDK versions defer the status error into the stream.
		var sawError bool
		for c := range ch {
			if c.IsError() {
				sawError = true
			}
		}
		if !sawError {
			t.Fatal("expected a start error or an error chunk")
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("server hit %d times, want exactly 1", n)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("k", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("k", "m", WithBaseURL("https://custom.example.com"), WithOrganization("org-1")); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}

func TestNewHuggingFace(t *testing.T) {
	t.Parallel()

	if _, err := NewHuggingFace("", ""); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	p, err := NewHuggingFace("hf_test", "")
	if err != nil {
		t.Fatalf("NewHuggingFace: %v", err)
	}
	if p.Model() != HuggingFaceDefaultModel {
		t.Errorf("model = %q, want %q", p.Model(), HuggingFaceDefaultModel)
	}
}

type fakeStream struct {
	chunks []oai.ChatCompletionChunk
	err    error
	pos    int
	closed bool
}

func (f *fakeStream) Next() bool {
	if f.pos >= len(f.chunks) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeStream) Current() oai.ChatCompletionChunk { return f.chunks[f.pos-1] }
func (f *fakeStream) Err() error                       { return f.err }
func (f *fakeStream) Close() error                     { f.closed = true; return nil }

func delta(text, finish string) oai.ChatCompletionChunk {
	var c oai.ChatCompletionChunk
	c.Choices = []oai.ChatCompletionChunkChoice{{FinishReason: finish}}
	c.Choices[0].Delta.Content = text
	return c
}

func TestForward(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stream *fakeStream
		want   []llm.Chunk
	}{
		{
			name: "drops keep-alives",
			stream: &fakeStream{chunks: []oai.ChatCompletionChunk{
				delta("Hi", ""), {}, delta("", ""), delta(" there", ""), delta("", "stop"),
			}},
			want: []llm.Chunk{{Text: "Hi"}, {Text: " there"}, {FinishReason: "stop"}},
		},
		{
			name: "read failure after partial output",
			stream: &fakeStream{
				chunks: []oai.ChatCompletionChunk{delta("Par", ""), delta("tial", "")},
				err:    errors.New("connection reset"),
			},
			want: []llm.Chunk{
				{Text: "Par"}, {Text: "tial"},
				{Text: "connection reset", FinishReason: llm.FinishReasonError},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ch := make(chan llm.Chunk, len(tt.stream.chunks)+1)
			forward(context.Background(), tt.stream, ch)

			var got []llm.Chunk
			for c := range ch {
				got = append(got, c)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("chunks = %v, want %v", got, tt.want)
			}
			if !tt.stream.closed {
				t.Error("stream not closed")
			}
		})
	}
}

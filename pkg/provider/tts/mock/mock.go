// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled PCM chunks to consumers and to verify which
// requests reached the backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    Voices: []tts.VoiceProfile{{ID: "v1", Name: "Alice", Language: "en-US"}},
//	}
//	err := p.Synthesize(ctx, tts.Request{Text: "hi"}, sink)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxa/pkg/audio"
	"github.com/MrWong99/voxa/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of PCM slices handed to the sink by Synthesize.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned by Synthesize after Chunks were
	// delivered.
	SynthesizeErr error

	// Block makes Synthesize wait for ctx cancellation after delivering
	// Chunks, simulating a long utterance.
	Block bool

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	// AudioFormat is returned by Format. The zero value reports 16 kHz mono.
	AudioFormat audio.Format

	// SynthesizeCalls records every request passed to Synthesize.
	SynthesizeCalls []tts.Request

	// ListVoicesCalls counts ListVoices invocations.
	ListVoicesCalls int
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request, sink func([]byte) error) error {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, req)
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	synthErr := p.SynthesizeErr
	block := p.Block
	p.mu.Unlock()

	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink(c); err != nil {
			return err
		}
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return synthErr
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	out := make([]tts.VoiceProfile, len(p.Voices))
	copy(out, p.Voices)
	return out, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format {
	if p.AudioFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.AudioFormat
}

// Calls returns a copy of the recorded Synthesize requests.
func (p *Provider) Calls() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Configured responses are not changed.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}

var _ tts.Provider = (*Provider)(nil)

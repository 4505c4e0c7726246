// Package coqui provides a TTS provider for a locally running Coqui server.
//
// Two API modes are supported:
//
//   - APIModeXTTS (default): the Coqui XTTS v2 API server. Synthesis is
//     POST /tts_to_audio/ with a JSON body; voices come from GET /studio_speakers.
//
//   - APIModeStandard: the standard Coqui TTS server (ghcr.io/coqui-ai/tts-cpu).
//     Synthesis is GET /api/tts; voices come from GET /details.
//
// Both servers are batch endpoints returning one WAV file per request, so an
// utterance is split into sentences and up to sentenceLookahead requests are
// kept in flight while earlier sentences are handed to the sink in order.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxa/pkg/audio"
	"github.com/MrWong99/voxa/pkg/provider/tts"
)

const (
	defaultLocale          = "en-US"
	defaultTimeout         = 30 * time.Second
	ttsEndpoint            = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"

	sentenceLookahead = 3
	pcmChunkSize      = 4096
)

// Provider tags reported in VoiceProfile.Provider.
const (
	TagXTTS     = "xtts"
	TagStandard = "coqui"
)

// DefaultFormat is the native output of XTTS v2.
var DefaultFormat = audio.Format{SampleRate: 24000, Channels: 1}

// APIMode selects which Coqui server API the provider targets.
type APIMode string

const (
	APIModeXTTS     APIMode = "xtts"
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLocale sets the BCP-47 locale reported for voices (e.g. "en-GB"). The
// language subtag is sent to the server.
func WithLocale(locale string) Option {
	return func(p *Provider) {
		p.locale = locale
	}
}

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode selects the server API.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputFormat converts synthesised PCM to f before it reaches the sink.
func WithOutputFormat(f audio.Format) Option {
	return func(p *Provider) {
		p.format = f
	}
}

// WithDefaultSpeaker names the speaker used when a request carries no voice.
// XTTS requires one; the standard server falls back to its own default.
func WithDefaultSpeaker(id string) Option {
	return func(p *Provider) {
		p.defaultSpeaker = id
	}
}

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = hc
	}
}

// Provider implements tts.Provider against a Coqui server.
type Provider struct {
	serverURL      string
	locale         string
	apiMode        APIMode
	format         audio.Format
	defaultSpeaker string
	httpClient     *http.Client
}

// New creates a Provider targeting serverURL (e.g. "http://localhost:8002").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		locale:    defaultLocale,
		apiMode:   APIModeXTTS,
		format:    DefaultFormat,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	if p.apiMode != APIModeXTTS && p.apiMode != APIModeStandard {
		return nil, fmt.Errorf("coqui: unknown API mode %q", p.apiMode)
	}
	return p, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format { return p.format }

func (p *Provider) language() string {
	lang, _, _ := strings.Cut(p.locale, "-")
	return lang
}

func (p *Provider) tag() string {
	if p.apiMode == APIModeStandard {
		return TagStandard
	}
	return TagXTTS
}

type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

type sentenceResult struct {
	pcm []byte
	err error
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request, sink func([]byte) error) error {
	sentences := splitSentences(req.Text)
	if len(sentences) == 0 {
		return nil
	}

	speaker := req.Voice.ID
	if speaker == "" {
		speaker = p.defaultSpeaker
	}
	if speaker == "" && p.apiMode == APIModeXTTS {
		return &tts.Error{Code: tts.CodeVoiceUnavailable, Message: "xtts requires a speaker"}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]chan sentenceResult, len(sentences))
	for i := range results {
		results[i] = make(chan sentenceResult, 1)
	}
	slots := make(chan struct{}, sentenceLookahead)

	go func() {
		for i, s := range sentences {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func() {
				pcm, err := p.synthesizeSentence(ctx, s, speaker)
				results[i] <- sentenceResult{pcm: pcm, err: err}
			}()
		}
	}()

	for _, ch := range results {
		var r sentenceResult
		select {
		case r = <-ch:
			<-slots
		case <-ctx.Done():
			return ctx.Err()
		}
		if r.err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.err
		}
		for chunk := range slices.Chunk(r.pcm, pcmChunkSize) {
			if err := sink(chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Provider) synthesizeSentence(ctx context.Context, sentence, speaker string) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeStandard {
		params := url.Values{}
		params.Set("text", sentence)
		if speaker != "" {
			params.Set("speaker_id", speaker)
		}
		params.Set("language_id", p.language())
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	} else {
		body, merr := json.Marshal(ttsRequest{Text: sentence, SpeakerWav: speaker, Language: p.language()})
		if merr != nil {
			return nil, fmt.Errorf("coqui: marshal tts request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, &tts.Error{Code: tts.CodeInvalidArgument, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &tts.Error{Code: tts.CodeNetwork, Message: req.URL.Path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &tts.Error{
			Code:    tts.CodeForStatus(resp.StatusCode),
			Message: fmt.Sprintf("%s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode),
		}
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tts.Error{Code: tts.CodeNetwork, Message: "read WAV response", Err: err}
	}
	info, err := parseWAV(wav)
	if err != nil {
		return nil, &tts.Error{Code: tts.CodeSynthesisFailed, Err: err}
	}

	src := audio.Format{SampleRate: info.SampleRate, Channels: info.Channels}
	return audio.Convert(wav[info.DataOffset:], src, p.format), nil
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.apiMode == APIModeStandard {
		return p.listVoicesStandard(ctx)
	}
	return p.listVoicesXTTS(ctx)
}

func (p *Provider) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("coqui: decode %s: %w", path, err)
	}
	return nil
}

func (p *Provider) listVoicesXTTS(ctx context.Context) ([]tts.VoiceProfile, error) {
	var raw map[string]json.RawMessage
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	slices.Sort(names)
	return p.profiles(names, map[string]string{"type": "studio"}), nil
}

type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Speakers  []string `json:"speakers"`
}

func (p *Provider) listVoicesStandard(ctx context.Context) ([]tts.VoiceProfile, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	meta := map[string]string{"model_name": details.ModelName}
	if len(details.Speakers) == 0 {
		name := details.ModelName
		if name == "" {
			name = "default"
		}
		meta["type"] = "single-speaker"
		return p.profiles([]string{name}, meta), nil
	}
	speakers := slices.Clone(details.Speakers)
	slices.Sort(speakers)
	meta["type"] = "speaker"
	return p.profiles(speakers, meta), nil
}

func (p *Provider) profiles(names []string, meta map[string]string) []tts.VoiceProfile {
	out := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		out = append(out, tts.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: p.tag(),
			Language: p.locale,
			Metadata: maps.Clone(meta),
		})
	}
	return out
}

// splitSentences breaks text at sentence boundaries, dropping blank pieces.
func splitSentences(text string) []string {
	var out []string
	for {
		idx := findSentenceBoundary(text)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(text[:idx+1]); s != "" {
			out = append(out, s)
		}
		text = text[idx+1:]
	}
	if s := strings.TrimSpace(text); s != "" {
		out = append(out, s)
	}
	return out
}

// findSentenceBoundary returns the index of the first '.', '!' or '?' that is
// at the end of s or followed by whitespace, so "3.14" and "Dr.X" do not split.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

type wavInfo struct {
	DataOffset int
	SampleRate int
	Channels   int
}

// parseWAV walks the RIFF chunks of wav and returns where the PCM starts and
// the format declared by the "fmt " chunk.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: response is not a RIFF/WAVE file")
	}

	info := wavInfo{SampleRate: DefaultFormat.SampleRate, Channels: 1}
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size >= 16 && offset+8+16 <= len(wav) {
				f := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(f[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(f[4:8]))
			}
		case "data":
			info.DataOffset = offset + 8
			return info, nil
		}

		// Chunks are word aligned.
		offset += 8 + size + size%2
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}

var _ tts.Provider = (*Provider)(nil)

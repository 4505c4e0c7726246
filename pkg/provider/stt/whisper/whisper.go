// Package whisper provides an STT provider backed by a local whisper.cpp
// server (POST /inference).
//
// whisper.cpp transcribes whole clips, so the session buffers microphone
// audio, segments it with an energy-based silence detector and sends each
// completed utterance as one WAV upload. Every utterance yields a single
// final transcript; no partials are emitted.
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	handle, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxa/pkg/audio"
	"github.com/MrWong99/voxa/pkg/provider/stt"
)

const (
	// DefaultThreshold is the RMS level, in 16-bit sample units, below which
	// audio counts as silence.
	DefaultThreshold = 300.0

	defaultLanguage     = "en"
	defaultSampleRate   = 16000
	defaultSilence      = 700 * time.Millisecond
	defaultMaxUtterance = 15 * time.Second
	inferenceTimeout    = 30 * time.Second
)

var _ stt.Provider = (*Provider)(nil)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("whisper: session closed")

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel forwards a model name to the server. Empty uses whatever model
// the server was started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the default language. Region subtags are dropped, so
// "en-US" is sent as "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSilence sets how much trailing silence ends an utterance.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) { p.silence = d }
}

// WithMaxUtterance caps how much speech is buffered before an upload is
// forced.
func WithMaxUtterance(d time.Duration) Option {
	return func(p *Provider) { p.maxUtterance = d }
}

// WithThreshold overrides [DefaultThreshold].
func WithThreshold(rms float64) Option {
	return func(p *Provider) { p.threshold = rms }
}

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(p *Provider) { p.client = hc }
}

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	serverURL    string
	model        string
	language     string
	silence      time.Duration
	maxUtterance time.Duration
	threshold    float64
	client       *http.Client
}

// New creates a Provider for the server at serverURL, e.g.
// "http://localhost:8080".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:    strings.TrimRight(serverURL, "/"),
		language:     defaultLanguage,
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		threshold:    DefaultThreshold,
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		p.client = &http.Client{
			Timeout:   inferenceTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return p, nil
}

// StartStream opens a session. No request is made until the first utterance
// is complete.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}

	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	lang, _, _ = strings.Cut(lang, "-")

	s := &session{
		p:        p,
		format:   f,
		language: strings.ToLower(lang),
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript),
		finals:   make(chan stt.Transcript, 16),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop(ctx)
	return s, nil
}

type session struct {
	p        *Provider
	format   audio.Format
	language string

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.audioCh <- chunk:
		return nil
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Audio buffered for an unfinished utterance is
// dropped.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

// segmenter accumulates speech and decides when an utterance is complete.
type segmenter struct {
	format    audio.Format
	threshold float64
	silence   time.Duration
	max       time.Duration

	buf       []byte
	hadSpeech bool
	quiet     time.Duration
}

// push adds chunk and returns a completed utterance, if any. Leading
// silence is discarded.
func (g *segmenter) push(chunk []byte) []byte {
	d := g.format.Duration(len(chunk))
	if RMS(chunk) < g.threshold {
		if !g.hadSpeech {
			return nil
		}
		g.buf = append(g.buf, chunk...)
		g.quiet += d
		if g.quiet >= g.silence {
			return g.take()
		}
		return nil
	}
	g.hadSpeech = true
	g.quiet = 0
	g.buf = append(g.buf, chunk...)
	if g.max > 0 && g.format.Duration(len(g.buf)) >= g.max {
		return g.take()
	}
	return nil
}

func (g *segmenter) take() []byte {
	out := g.buf
	g.buf = nil
	g.hadSpeech = false
	g.quiet = 0
	return out
}

func (s *session) loop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	seg := &segmenter{
		format:    s.format,
		threshold: s.p.threshold,
		silence:   s.p.silence,
		max:       s.p.maxUtterance,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case chunk := <-s.audioCh:
			pcm := seg.push(chunk)
			if pcm == nil {
				continue
			}
			text, err := s.infer(ctx, pcm)
			if err != nil {
				if ctx.Err() == nil {
					s.mu.Lock()
					s.err = err
					s.mu.Unlock()
				}
				return
			}
			if text == "" {
				continue
			}
			select {
			case s.finals <- stt.Transcript{Text: text, IsFinal: true}:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *session) infer(ctx context.Context, pcm []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	if _, err := fw.Write(EncodeWAV(pcm, s.format)); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	fields := map[string]string{
		"language":        s.language,
		"model":           s.p.model,
		"response_format": "json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return "", fmt.Errorf("whisper: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("whisper: server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("whisper: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// EncodeWAV wraps 16-bit little-endian PCM in a RIFF/WAVE container.
func EncodeWAV(pcm []byte, f audio.Format) []byte {
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(f.Channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

// RMS returns the root-mean-square level of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

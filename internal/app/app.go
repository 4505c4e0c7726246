// Package app wires the voxa subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP endpoints and loads the voice list, and
// Shutdown tears everything down in order. Front ends drive the
// conversation through [App.Session].
//
// For testing, inject doubles via functional options (WithEngine,
// WithMetrics). When an option is not provided, New builds real
// implementations from the config and providers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxa/internal/bus"
	"github.com/MrWong99/voxa/internal/capture"
	"github.com/MrWong99/voxa/internal/completion"
	"github.com/MrWong99/voxa/internal/config"
	"github.com/MrWong99/voxa/internal/health"
	"github.com/MrWong99/voxa/internal/history"
	historypg "github.com/MrWong99/voxa/internal/history/postgres"
	"github.com/MrWong99/voxa/internal/observe"
	"github.com/MrWong99/voxa/internal/resilience"
	"github.com/MrWong99/voxa/internal/session"
	"github.com/MrWong99/voxa/internal/voice"
	"github.com/MrWong99/voxa/pkg/audio"
	"github.com/MrWong99/voxa/pkg/provider/llm"
	"github.com/MrWong99/voxa/pkg/provider/stt"
	"github.com/MrWong99/voxa/pkg/provider/tts"
)

// voiceLoadTimeout bounds how long Run waits for the first voice list.
const voiceLoadTimeout = 30 * time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	Audio audio.Device
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	logLevel  *slog.LevelVar

	// ctx is the lifetime context passed to New. Capture events are handled
	// under it, since they arrive on the capture goroutine.
	ctx context.Context

	engine     voice.Engine
	muted      bool
	breaker    *resilience.CircuitBreaker
	completion *completion.Client
	speaker    *voice.Speaker
	capture    *capture.Adapter
	session    *session.Orchestrator
	publisher  *bus.Publisher
	history    history.Store
	historyPg  *historypg.Store
	recorder   *history.Recorder

	mu           sync.Mutex
	voices       []voice.Voice
	voicesLoaded atomic.Bool

	listener net.Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine replaces the speech engine built from the TTS provider and
// audio device.
func WithEngine(e voice.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets [App.Reload] adjust the log level in place.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener serves HTTP on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App from cfg and providers. providers.LLM is required;
// the others may be nil, which disables the matching feature.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		ctx:       ctx,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initCompletion(); err != nil {
		return nil, err
	}
	if err := a.initVoice(); err != nil {
		return nil, err
	}
	a.initCapture()
	if err := a.initSession(); err != nil {
		return nil, err
	}
	if err := a.initHistory(ctx); err != nil {
		return nil, err
	}
	if err := a.initBus(); err != nil {
		a.closeAll()
		return nil, err
	}
	if providers.Audio != nil {
		a.closers = append(a.closers, providers.Audio.Close)
	}
	return a, nil
}

func (a *App) initCompletion() error {
	cc := a.cfg.Completion
	opts := []completion.Option{
		completion.WithParams(completion.Params{
			MaxTokens:    cc.MaxTokens,
			Temperature:  cc.Temperature,
			TopP:         cc.TopP,
			SystemPrompt: cc.SystemPrompt,
		}),
		completion.WithMetrics(a.metrics),
		completion.WithProviderName(a.cfg.Providers.LLM.Name),
	}
	if !cc.Breaker.Disabled {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "completion",
			MaxFailures:  cc.Breaker.MaxFailures,
			ResetTimeout: cc.Breaker.ResetTimeout,
			OnStateChange: func(from, to resilience.State) {
				slog.Warn("completion circuit breaker changed state", "from", from, "to", to)
			},
		})
		opts = append(opts, completion.WithBreaker(a.breaker))
	}

	c, err := completion.New(a.providers.LLM, opts...)
	if err != nil {
		return fmt.Errorf("app: completion client: %w", err)
	}
	a.completion = c
	return nil
}

func (a *App) initVoice() error {
	if a.engine == nil {
		if a.providers.TTS == nil || a.providers.Audio == nil {
			slog.Info("speech output disabled: providers.tts or providers.audio is not configured")
			a.engine = mutedEngine{}
			a.muted = true
		} else {
			eng, err := voice.NewSynthEngine(a.providers.TTS, a.providers.Audio)
			if err != nil {
				return fmt.Errorf("app: speech engine: %w", err)
			}
			a.engine = eng
		}
	}
	a.speaker = voice.NewSpeaker(a.engine,
		voice.WithLocale(a.cfg.Voice.Locale),
		voice.WithMetrics(a.metrics),
	)
	return nil
}

func (a *App) initCapture() {
	var src audio.Source
	if a.providers.Audio != nil {
		src = a.providers.Audio
	}
	a.capture = capture.New(a.providers.STT, src,
		capture.WithStreamConfig(stt.StreamConfig{
			Language: a.cfg.Capture.Language,
			Interim:  true,
		}),
		capture.WithSilenceTimeout(a.cfg.Capture.SilenceTimeout),
		capture.WithMetrics(a.metrics),
		capture.WithHandler(a.onCaptureEvent),
	)
}

func (a *App) onCaptureEvent(ev capture.Event) {
	if a.session != nil {
		a.session.HandleCaptureEvent(a.ctx, ev)
	}
}

func (a *App) initSession() error {
	opts := []session.Option{
		session.WithAutoSpeak(a.cfg.Voice.AutoSpeakEnabled()),
		session.WithMetrics(a.metrics),
	}
	if a.capture.Supported() {
		opts = append(opts, session.WithCapture(a.capture))
	}
	s, err := session.New(a.completion, a.speaker, opts...)
	if err != nil {
		return fmt.Errorf("app: session: %w", err)
	}
	a.session = s
	return nil
}

func (a *App) initBus() error {
	bc := a.cfg.Bus
	if !bc.Enabled() {
		return nil
	}
	servers := bc.Servers
	var embedded *bus.EmbeddedServer
	if bc.Embedded {
		srv, err := bus.StartEmbedded("127.0.0.1", bc.Port)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		embedded = srv
		servers = append([]string{srv.ClientURL()}, servers...)
	}
	pub, err := bus.Connect(bus.Config{
		Servers:        servers,
		Subject:        bc.Subject,
		Token:          bc.Token,
		Username:       bc.Username,
		Password:       bc.Password,
		ConnectTimeout: bc.ConnectTimeout,
	})
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return fmt.Errorf("app: %w", err)
	}
	a.publisher = pub
	unsubscribe := a.session.Observe(pub.Observe)
	a.closers = append(a.closers, func() error {
		unsubscribe()
		pub.Close()
		return nil
	})
	// The publisher drains before an embedded server shuts down.
	if embedded != nil {
		a.closers = append(a.closers, func() error { embedded.Shutdown(); return nil })
	}
	return nil
}

func (a *App) initHistory(ctx context.Context) error {
	hc := a.cfg.History
	if hc.PostgresDSN != "" {
		pg, err := historypg.Open(ctx, hc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		a.history = pg
		a.historyPg = pg
	} else {
		a.history = history.NewMemory(hc.Limit)
	}
	a.recorder = history.NewRecorder(a.history, uuid.NewString())
	unsubscribe := a.session.Observe(a.recorder.Observe)
	a.closers = append(a.closers,
		func() error { unsubscribe(); return a.recorder.Close() },
		a.history.Close,
	)
	return nil
}

// Session returns the orchestrator front ends drive.
func (a *App) Session() *session.Orchestrator { return a.session }

// History returns the conversation log.
func (a *App) History() history.Store { return a.history }

// Voices returns the ranked voice list loaded by Run.
func (a *App) Voices() []voice.Voice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voices
}

// CaptureSupported reports whether speech capture is available.
func (a *App) CaptureSupported() bool { return a.capture.Supported() }

// Run loads the voice list and serves the HTTP endpoints until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.loadVoices(ctx)
		return nil
	})

	if a.listener != nil || a.cfg.Server.ListenAddr != "" {
		ln := a.listener
		if ln == nil {
			var err error
			ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
			if err != nil {
				return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
			}
		}
		a.server = &http.Server{
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("serving health and metrics", "addr", ln.Addr().String())
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app running", "capture", a.capture.Supported(), "speech", !a.muted, "bus", a.publisher != nil)
	<-ctx.Done()
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New(a.Checkers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Checkers returns the readiness checks for the configured subsystems.
func (a *App) Checkers() []health.Checker {
	var cs []health.Checker
	if !a.muted {
		cs = append(cs, health.Flag("voices", a.voicesLoaded.Load, "voice list not loaded"))
	}
	if a.breaker != nil {
		cs = append(cs, health.Flag("completion", func() bool {
			return a.breaker.State() != resilience.StateOpen
		}, "circuit breaker is open"))
	}
	if a.publisher != nil {
		cs = append(cs, health.Checker{Name: "bus", Check: a.publisher.Check})
	}
	if a.historyPg != nil {
		cs = append(cs, health.Checker{Name: "history", Check: a.historyPg.Ping})
	}
	return cs
}

type refresher interface {
	Refresh(ctx context.Context) error
}

// loadVoices fetches the voice list once and selects the preferred voice,
// falling back to the best-ranked one.
func (a *App) loadVoices(ctx context.Context) {
	if a.muted {
		return
	}
	if r, ok := a.engine.(refresher); ok {
		go func() {
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("failed to load voices", "err", err)
			}
		}()
	}

	lctx, cancel := context.WithTimeout(ctx, voiceLoadTimeout)
	defer cancel()
	voices, err := a.speaker.ListVoices(lctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("no voices available, responses will not be spoken", "err", err)
		}
		return
	}

	a.mu.Lock()
	a.voices = voices
	a.mu.Unlock()
	a.voicesLoaded.Store(true)
	slog.Info("voices loaded", "count", len(voices))
	a.selectVoice(a.cfg.Voice.Preferred)
}

// selectVoice resolves pref against the loaded voices and selects it, or
// the ranked head when pref is empty or unknown.
func (a *App) selectVoice(pref string) {
	voices := a.Voices()
	v, ok := voice.Find(voices, pref)
	if !ok {
		if pref != "" {
			slog.Warn("preferred voice not found, using default", "voice", pref)
		}
		v, ok = voice.Suggested(voices)
	}
	if !ok {
		return
	}
	slog.Info("voice selected", "id", v.ID, "name", v.Name, "provider", v.Provider)
	a.session.SelectVoice(v.ID)
}

// Reload applies the hot-reloadable parts of a config change. It has the
// signature of a config watcher callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AutoSpeakChanged {
		a.session.SetAutoSpeak(d.NewAutoSpeak)
	}
	if d.VoiceChanged && a.voicesLoaded.Load() {
		a.selectVoice(d.NewVoice)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown stops capture and playback, then runs the closers in order,
// respecting the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.capture.Stop()
		a.speaker.Stop()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// mutedEngine stands in when no speech output is configured. It has no
// voices, so the session never selects one and never speaks.
type mutedEngine struct{}

func (mutedEngine) Voices() []voice.Voice         { return nil }
func (mutedEngine) OnVoicesChanged(func()) func() { return func() {} }
func (mutedEngine) Speak(context.Context, voice.Utterance) error {
	return errors.New("app: speech output is not configured")
}

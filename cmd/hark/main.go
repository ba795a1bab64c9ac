// Command hark is the main entry point for the hark transcription service.
//
// It reads PCM (or Opus) audio from the configured capture source, runs it
// through the silence-gated session engine, and prints the final transcript of
// each utterance to stdout. Interim signals are logged at debug level.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/harkaudio/hark/internal/config"
	"github.com/harkaudio/hark/internal/health"
	"github.com/harkaudio/hark/internal/observe"
	"github.com/harkaudio/hark/internal/resilience"
	"github.com/harkaudio/hark/internal/session"
	"github.com/harkaudio/hark/pkg/audio"
	audiomock "github.com/harkaudio/hark/pkg/audio/mock"
	"github.com/harkaudio/hark/pkg/audio/opus"
	"github.com/harkaudio/hark/pkg/audio/stdin"
	"github.com/harkaudio/hark/pkg/recognizer"
	"github.com/harkaudio/hark/pkg/recognizer/deepgram"
	recognizermock "github.com/harkaudio/hark/pkg/recognizer/mock"
	"github.com/harkaudio/hark/pkg/recognizer/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hark: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hark: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel := new(slog.LevelVar)
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("hark starting",
		"config", *configPath,
		"capture", cfg.Capture.Input,
		"recognizer", cfg.Recognizer.Primary.Name,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "hark"})
	if err != nil {
		slog.Error("failed to initialise metrics provider", "err", err)
		return 1
	}
	defer func() {
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sdCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics instruments", "err", err)
		return 1
	}

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	source, err := buildCapture(cfg, reg)
	if err != nil {
		slog.Error("failed to build capture source", "err", err)
		return 1
	}
	backend, err := buildRecognizer(cfg, reg)
	if err != nil {
		slog.Error("failed to build recognizer", "err", err)
		return 1
	}

	engine := session.New(source, backend, session.WithMetrics(metrics))

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Capture and backend changes need a restart; log level and session
	// defaults apply to the next utterance.
	defaults := &sessionDefaults{cfg: sessionConfig(cfg)}
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		diff := config.Diff(old, new)
		if diff.LogLevelChanged {
			logLevel.Set(slogLevel(diff.NewLogLevel))
			slog.Info("log level changed", "level", diff.NewLogLevel)
		}
		if diff.SessionChanged {
			defaults.set(sessionConfig(new))
			slog.Info("session defaults changed; applied to next utterance")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gCtx := errgroup.WithContext(ctx)

	if addr := cfg.Server.MetricsAddr; addr != "" {
		checks := health.New(health.Checker{
			Name: "session_engine",
			Check: func(context.Context) error {
				if engine.Phase() == session.PhaseFailed {
					return engine.Err()
				}
				return nil
			},
		})
		g.Go(func() error { return serveMetrics(gCtx, addr, checks) })
	}
	g.Go(func() error { return transcribeLoop(gCtx, engine, defaults) })

	slog.Info("service ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Transcription loop ────────────────────────────────────────────────────────

// transcribeLoop runs back-to-back utterance sessions until ctx is cancelled.
// Each session ends on sustained silence (or backend completion); its final
// transcript goes to stdout.
func transcribeLoop(ctx context.Context, engine *session.Engine, defaults *sessionDefaults) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		signals, err := engine.Start(ctx, defaults.get())
		if err != nil {
			if errors.Is(err, session.ErrConfiguration) {
				return fmt.Errorf("start session: %w", err)
			}
			slog.Error("session start failed; retrying", "err", err)
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		drainSignals(ctx, engine, signals)

		if err := engine.Err(); err != nil {
			slog.Error("session ended with error", "err", err, "partial_text", engine.TranscribedText())
			continue
		}
		if text := engine.TranscribedText(); text != "" {
			fmt.Println(text)
		}
	}
}

// drainSignals consumes the session's output stream until it closes, stopping
// the session early when ctx is cancelled.
func drainSignals(ctx context.Context, engine *session.Engine, signals <-chan session.Signal) {
	for {
		select {
		case sig, ok := <-signals:
			if !ok {
				return
			}
			switch sig.Kind {
			case session.KindRMSLevel:
				slog.Debug("level", "rms", sig.Level)
			case session.KindTranscript:
				slog.Debug("hypothesis", "text", sig.Text)
			}
		case <-ctx.Done():
			engine.Stop()
			for range signals {
			}
			return
		}
	}
}

// sessionDefaults holds the session parameters applied to the next utterance,
// guarded for concurrent updates from the config watcher.
type sessionDefaults struct {
	mu  sync.Mutex
	cfg session.Config
}

func (d *sessionDefaults) get() session.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *sessionDefaults) set(cfg session.Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

func sessionConfig(cfg *config.Config) session.Config {
	s := cfg.Session
	return session.Config{
		Locale:           s.Locale,
		SilenceThreshold: s.SilenceThreshold,
		SilenceDuration:  s.SilenceDuration.Std(),
		ReportPartials:   s.ReportPartials,
		OnDeviceOnly:     s.OnDeviceOnly,
		Punctuation:      s.Punctuation,
		TaskHint:         s.TaskHint.Hint(),
		ContextualTerms:  s.ContextualTerms,
		CustomModel:      s.CustomModel,
	}
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires the capture-source and recognizer factories
// that ship with hark into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Capture ───────────────────────────────────────────────────────────────

	reg.RegisterCapture("stdin", func(cfg config.CaptureConfig) (audio.CaptureSource, error) {
		return stdin.New(
			stdin.WithFormat(cfg.SampleRate, cfg.Channels),
			stdin.WithFrameMs(cfg.FrameMs),
		), nil
	})

	reg.RegisterCapture("mock", func(cfg config.CaptureConfig) (audio.CaptureSource, error) {
		return &audiomock.Source{}, nil
	})

	// ── Recognizer ────────────────────────────────────────────────────────────

	reg.RegisterRecognizer("deepgram", func(entry config.BackendEntry) (recognizer.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterRecognizer("whisper", func(entry config.BackendEntry) (recognizer.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if secs := optInt(entry.Options, "partial_seconds"); secs > 0 {
			opts = append(opts, whisper.WithPartialSeconds(secs))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterRecognizer("whisper-native", func(entry config.BackendEntry) (recognizer.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if secs := optInt(entry.Options, "partial_seconds"); secs > 0 {
			opts = append(opts, whisper.WithNativePartialSeconds(secs))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterRecognizer("mock", func(entry config.BackendEntry) (recognizer.Provider, error) {
		return &recognizermock.Provider{}, nil
	})
}

// buildCapture instantiates the configured capture source, wrapping it in an
// Opus decoder when the input stream is Opus-encoded.
func buildCapture(cfg *config.Config, reg *config.Registry) (audio.CaptureSource, error) {
	source, err := reg.CreateCapture(cfg.Capture)
	if err != nil {
		return nil, fmt.Errorf("create capture source %q: %w", cfg.Capture.Input, err)
	}
	slog.Info("capture source created", "input", cfg.Capture.Input, "encoding", cfg.Capture.Encoding)

	if cfg.Capture.Encoding == config.EncodingOpus {
		source = opus.New(source,
			opus.WithSampleRate(cfg.Capture.SampleRate),
			opus.WithChannels(cfg.Capture.Channels),
			opus.WithFrameSizeMs(cfg.Capture.FrameMs),
		)
	}
	return source, nil
}

// buildRecognizer instantiates the primary backend and, when fallbacks are
// configured, wraps the chain in a circuit-breaking fallback group.
func buildRecognizer(cfg *config.Config, reg *config.Registry) (recognizer.Provider, error) {
	primary, err := reg.CreateRecognizer(cfg.Recognizer.Primary)
	if err != nil {
		return nil, fmt.Errorf("create recognizer %q: %w", cfg.Recognizer.Primary.Name, err)
	}
	slog.Info("recognizer created", "name", cfg.Recognizer.Primary.Name, "model", cfg.Recognizer.Primary.Model)

	if len(cfg.Recognizer.Fallbacks) == 0 {
		return primary, nil
	}

	group := resilience.NewRecognizerFallback(primary, cfg.Recognizer.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Recognizer.Breaker.FailureThreshold,
			ResetTimeout: cfg.Recognizer.Breaker.Cooldown.Std(),
		},
	})
	for _, entry := range cfg.Recognizer.Fallbacks {
		p, err := reg.CreateRecognizer(entry)
		if err != nil {
			return nil, fmt.Errorf("create fallback recognizer %q: %w", entry.Name, err)
		}
		group.AddFallback(entry.Name, p)
		slog.Info("fallback recognizer created", "name", entry.Name, "model", entry.Model)
	}
	return group, nil
}

// ── Metrics endpoint ──────────────────────────────────────────────────────────

func serveMetrics(ctx context.Context, addr string, checks *health.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	checks.Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("metrics endpoint listening", "addr", addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		sdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sdCtx)
		return ctx.Err()
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optString extracts a string value from a backend Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if v, ok := opts[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// optInt extracts an integer value from a backend Options map. YAML decodes
// integers as int.
func optInt(opts map[string]any, key string) int {
	if v, ok := opts[key]; ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}

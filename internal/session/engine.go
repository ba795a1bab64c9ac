// Package session implements the silence-gated streaming transcription
// session engine.
//
// An [Engine] owns at most one live session at a time. Starting a session
// wires the capture source into three consumers — the loudness meter, the
// end-of-speech detector, and the recognition backend — and returns a single
// merged stream of [Signal] values carrying both RMS readings and transcript
// hypothesis updates.
//
// # Lifecycle
//
// A session moves through Idle → Starting → Active → Finalizing → Ended,
// with Failed reachable from Starting, Active, and Finalizing. The session
// ends automatically when sustained silence is detected, or explicitly via
// [Engine.Stop] (graceful, waits for the final transcript) or
// [Engine.Cancel] (immediate, discards in-flight transcripts). Calling
// [Engine.Start] while a session is live cancels the previous session first
// — toggle semantics.
//
// # Concurrency
//
// All mutable per-session state (silence detection, backend handle, format
// normalisation) is confined to a single goroutine per session; the capture
// callback only performs a non-blocking handoff into that goroutine, so a
// slow consumer can never stall the capture path. Level readings are
// drop-tolerant and transcript updates are coalesced latest-wins when the
// consumer lags.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harkaudio/hark/internal/observe"
	"github.com/harkaudio/hark/internal/silence"
	"github.com/harkaudio/hark/internal/stream"
	"github.com/harkaudio/hark/pkg/audio"
	"github.com/harkaudio/hark/pkg/recognizer"
)

// ErrConfiguration is returned (wrapped) by [Engine.Start] when the supplied
// Config is invalid. No session is created.
var ErrConfiguration = errors.New("session: invalid configuration")

// ErrAuthorizationDenied is returned by [Engine.Start] when the authorization
// collaborator reports that capture is not permitted. Obtaining permission is
// the caller's concern; the engine only enforces the precondition.
var ErrAuthorizationDenied = errors.New("session: capture authorization denied")

// Config carries the immutable parameters of one session. Once a session
// starts its config is fixed for that session's lifetime.
type Config struct {
	// Locale is the BCP-47 language tag for recognition (e.g., "en-US").
	Locale string

	// SilenceThreshold is the normalised RMS loudness in [0, 1] below which
	// a frame counts as candidate silence.
	SilenceThreshold float64

	// SilenceDuration is the minimum sustained silence before the session
	// auto-stops. Must be non-negative.
	SilenceDuration time.Duration

	// ReportPartials requests interim hypothesis updates from the backend.
	ReportPartials bool

	// OnDeviceOnly forbids recognition backends that send audio off-machine.
	OnDeviceOnly bool

	// Punctuation requests automatic punctuation in transcripts.
	Punctuation bool

	// TaskHint selects a backend optimisation mode.
	TaskHint recognizer.TaskHint

	// ContextualTerms biases recognition vocabulary, in order of importance.
	ContextualTerms []string

	// CustomModel is an opaque reference to a custom language-model asset.
	// The engine's warm-up collaborator is awaited before it is used.
	CustomModel string
}

// validate checks cfg for out-of-range values.
func (c Config) validate() error {
	var errs []error
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("silence threshold %v outside [0, 1]", c.SilenceThreshold))
	}
	if c.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("silence duration %v is negative", c.SilenceDuration))
	}
	return errors.Join(errs...)
}

// Phase is the lifecycle state of the engine's current (or most recent)
// session.
type Phase int

const (
	// PhaseIdle: no backend handle, no capture. Initial state.
	PhaseIdle Phase = iota

	// PhaseStarting: awaiting warm-up, backend open, and capture start.
	PhaseStarting

	// PhaseActive: capture running, frames flowing to the meter, the
	// silence detector, and the backend.
	PhaseActive

	// PhaseFinalizing: capture stopped, awaiting backend completion.
	PhaseFinalizing

	// PhaseEnded: the previous session completed cleanly. The engine is
	// ready for a new Start.
	PhaseEnded

	// PhaseFailed: the previous session ended in error. The engine is
	// ready for a new Start.
	PhaseFailed
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseActive:
		return "active"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseEnded:
		return "ended"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Option is a functional option for configuring an Engine during construction.
type Option func(*Engine)

// WithWarmup registers an asynchronous preparation step (e.g., custom
// language-model compilation) that Start awaits before opening the backend.
func WithWarmup(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.warmup = fn }
}

// WithAuthorization registers the capture-permission precondition check.
// When it returns an error, Start fails with [ErrAuthorizationDenied].
func WithAuthorization(fn func(ctx context.Context) error) Option {
	return func(e *Engine) { e.authorize = fn }
}

// WithMetrics sets the metrics instance used by the engine. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source used for silence debouncing. Tests use
// this to drive the detector deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTargetFormat sets the mono format frames are normalised to before
// metering and backend feed. Defaults to 16 kHz mono.
func WithTargetFormat(f audio.Format) Option {
	return func(e *Engine) { e.target = f }
}

// defaultTarget is the normalisation target when none is configured:
// 16 kHz mono, the common denominator of recognition backends.
var defaultTarget = audio.Format{SampleRate: 16000, Channels: 1}

// Buffer depths for the per-session channels. Level readings are
// drop-tolerant so the buffers bound latency, not correctness.
const (
	frameBuf  = 64
	levelBuf  = 64
	scriptBuf = 16
)

// Engine coordinates one live capture-and-transcribe session at a time.
// All exported methods are safe for concurrent use.
type Engine struct {
	source  audio.CaptureSource
	backend recognizer.Provider

	warmup    func(ctx context.Context) error
	authorize func(ctx context.Context) error
	metrics   *observe.Metrics
	now       func() time.Time
	target    audio.Format

	// startMu serialises Start calls end to end. Start releases e.mu while
	// it waits on authorization, warm-up, and the backend open; without this
	// lock two concurrent Starts could both pass the toggle check and leak
	// an open backend handle.
	startMu sync.Mutex

	mu       sync.Mutex
	phase    Phase
	cur      *liveSession
	lastText string
	lastErr  error
}

// New creates an Engine that captures from source and transcribes through
// backend. Both collaborators are owned by the caller; the engine starts and
// stops them but never constructs or closes them.
func New(source audio.CaptureSource, backend recognizer.Provider, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		backend: backend,
		now:     time.Now,
		target:  defaultTarget,
		phase:   PhaseIdle,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Phase returns the lifecycle phase of the current or most recent session.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// TranscribedText returns the most recent transcript hypothesis. It is
// preserved across a mid-session failure — a failed session still yields its
// partial result — and reset when a new session starts.
func (e *Engine) TranscribedText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastText
}

// Err returns the terminal error of the most recent session, or nil. Reset
// when a new session starts.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Start begins a new session with cfg and returns the merged signal stream.
//
// If a session is already live, it is cancelled first and its events are
// discarded (toggle semantics). Start blocks through authorization, warm-up,
// backend open, and capture start; any failure leaves the engine in Failed
// with no capture running and no backend handle held.
//
// The returned stream closes when the session is fully over — after the
// final transcript on a graceful stop, promptly on cancel. The supplied ctx
// governs the startup steps only; use Stop or Cancel to end a running
// session.
func (e *Engine) Start(ctx context.Context, cfg Config) (<-chan Signal, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	// Toggle semantics: tear down the previous session before starting.
	e.mu.Lock()
	if prev := e.cur; prev != nil {
		e.mu.Unlock()
		prev.cancel()
		e.mu.Lock()
	}
	e.phase = PhaseStarting
	e.lastErr = nil
	e.lastText = ""
	e.mu.Unlock()

	fail := func(err error) (<-chan Signal, error) {
		e.mu.Lock()
		// A start-up failure leaves nothing to tear down; the engine is
		// immediately reusable from Failed.
		e.phase = PhaseFailed
		e.lastErr = err
		e.mu.Unlock()
		e.metrics.RecordSessionStart(ctx, "error")
		return nil, err
	}

	if e.authorize != nil {
		if err := e.authorize(ctx); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrAuthorizationDenied, err))
		}
	}
	if e.warmup != nil {
		if err := e.warmup(ctx); err != nil {
			return fail(fmt.Errorf("session: model warm-up: %w", err))
		}
	}

	handle, err := e.backend.Open(ctx, recognizer.Config{
		Locale:          cfg.Locale,
		SampleRate:      e.target.SampleRate,
		Channels:        e.target.Channels,
		ReportPartials:  cfg.ReportPartials,
		OnDeviceOnly:    cfg.OnDeviceOnly,
		Punctuation:     cfg.Punctuation,
		TaskHint:        cfg.TaskHint,
		ContextualTerms: cfg.ContextualTerms,
		CustomModel:     cfg.CustomModel,
	})
	if err != nil {
		return fail(fmt.Errorf("session: open backend: %w", err))
	}

	s := &liveSession{
		id:     uuid.NewString(),
		cfg:    cfg,
		engine: e,
		handle: handle,
		detector: silence.Detector{
			Threshold: cfg.SilenceThreshold,
			Duration:  cfg.SilenceDuration,
		},
		norm:        audio.Normalizer{Target: e.target},
		frames:      make(chan audio.Frame, frameBuf),
		levels:      make(chan Signal, levelBuf),
		scripts:     make(chan Signal, scriptBuf),
		ctrl:        make(chan endMode, 1),
		updatesDone: make(chan error, 1),
		abort:       make(chan struct{}),
		ended:       make(chan struct{}),
	}
	s.out = stream.Merge(s.levels, s.scripts)

	if err := e.source.Start(ctx, s.sink); err != nil {
		_ = handle.Cancel()
		return fail(fmt.Errorf("session: start capture: %w", err))
	}

	e.mu.Lock()
	e.cur = s
	e.phase = PhaseActive
	e.mu.Unlock()

	e.metrics.RecordSessionStart(ctx, "ok")
	e.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session started",
		"id", s.id,
		"locale", cfg.Locale,
		"silence_threshold", cfg.SilenceThreshold,
		"silence_duration", cfg.SilenceDuration,
	)

	go s.run()
	go s.pumpUpdates()

	return s.out, nil
}

// Stop gracefully ends the current session: capture stops, the backend is
// finalised, and Stop blocks until the final transcript has been delivered
// and the signal stream has closed. No-op when no session is live.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()
	if s != nil {
		s.end(endFinalize)
	}
}

// Cancel aborts the current session immediately: capture stops, the backend
// session is cancelled (never finalised), and in-flight transcripts are
// discarded. The engine is Idle when Cancel returns. No-op when no session
// is live.
func (e *Engine) Cancel() {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()
	if s != nil {
		s.cancel()
	}
}

// complete is called exactly once per session, from the session goroutine,
// to publish the terminal phase and release the engine slot.
func (e *Engine) complete(s *liveSession, phase Phase, err error) {
	e.mu.Lock()
	if e.cur == s {
		e.cur = nil
	}
	e.phase = phase
	if err != nil {
		e.lastErr = err
	}
	e.mu.Unlock()

	e.metrics.ActiveSessions.Add(context.Background(), -1)
	if err != nil {
		e.metrics.RecognizerErrors.Add(context.Background(), 1)
		slog.Warn("session ended with error", "id", s.id, "phase", phase, "err", err)
	} else {
		slog.Info("session ended", "id", s.id, "phase", phase)
	}
}

// setLastText records the most recent hypothesis, called from the update
// pump goroutine.
func (e *Engine) setLastText(text string) {
	e.mu.Lock()
	e.lastText = text
	e.mu.Unlock()
}

// setPhase publishes a mid-session phase transition.
func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

// endMode selects how a session's run loop tears the session down.
type endMode int

const (
	// endFinalize: graceful end — finalize the backend and await its final
	// transcript. Used by Stop and by the silence trigger.
	endFinalize endMode = iota

	// endCancel: abort — cancel the backend and discard in-flight
	// transcripts. Used by Cancel and by toggle restarts.
	endCancel
)

// liveSession is the state of one running session. The run goroutine is the
// single writer of the silence state and the only caller of handle.Feed and
// the lifecycle methods; other goroutines communicate with it through
// channels only.
type liveSession struct {
	id       string
	cfg      Config
	engine   *Engine
	handle   recognizer.Handle
	detector silence.Detector
	norm     audio.Normalizer

	sil silence.State

	frames  chan audio.Frame
	levels  chan Signal // primary merge input; closing it closes out
	scripts chan Signal // secondary merge input, fed by pumpUpdates
	out     <-chan Signal

	ctrl        chan endMode  // Stop/Cancel requests into the run loop
	updatesDone chan error    // pumpUpdates → run loop, terminal backend status
	abort       chan struct{} // closed by cancel; breaks out of the finalize wait
	ended       chan struct{} // closed when teardown is complete

	endOnce   sync.Once
	abortOnce sync.Once
}

// sink is the capture callback. It hands the frame to the run goroutine
// without blocking; when the session goroutine lags, the frame is dropped —
// a late level reading is worthless and the backend tolerates gaps far
// better than a stalled capture thread.
func (s *liveSession) sink(f audio.Frame) {
	select {
	case s.frames <- f:
	default:
	}
}

// end requests teardown in the given mode and blocks until the session is
// fully over. Safe to call from multiple goroutines; the first mode wins.
func (s *liveSession) end(mode endMode) {
	s.endOnce.Do(func() {
		s.ctrl <- mode
	})
	<-s.ended
}

// cancel aborts the session. Closing s.abort first covers the case where
// teardown is already underway (silence trigger or Stop consumed the end
// request): the run loop's finalize wait observes the abort and cancels the
// backend instead of blocking on its final transcript.
func (s *liveSession) cancel() {
	s.abortOnce.Do(func() {
		close(s.abort)
	})
	s.end(endCancel)
}

// run is the session's single-writer loop: it meters, detects silence, and
// feeds the backend until an end request or the silence trigger, then owns
// the teardown sequence. Closing s.levels — and therefore the merged output
// — is the last thing that happens, so the stream-closed event is the
// authoritative "session fully over" signal.
func (s *liveSession) run() {
	defer close(s.ended)
	defer close(s.levels)

	e := s.engine
	mode := endCancel
	running := true

	for running {
		select {
		case f := <-s.frames:
			if s.processFrame(f) {
				// Silence trigger: same graceful path as Stop.
				s.endOnce.Do(func() {}) // block later Stop/Cancel from re-arming ctrl
				mode = endFinalize
				running = false
			}

		case m := <-s.ctrl:
			mode = m
			running = false

		case err := <-s.updatesDone:
			// Backend terminated on its own while we were still capturing.
			// Stop capture as the corrective action and surface the error;
			// the merged stream stays open until the level side closes below.
			s.endOnce.Do(func() {})
			_ = e.source.Stop()
			if err != nil {
				e.complete(s, PhaseFailed, err)
			} else {
				e.complete(s, PhaseEnded, nil)
			}
			return
		}
	}

	// Capture stops before the backend handle is touched, so no callback
	// can fire into a released session.
	_ = e.source.Stop()
	e.setPhase(PhaseFinalizing)

	switch mode {
	case endFinalize:
		if err := s.handle.Finalize(); err != nil {
			// The handle is still live after a failed finalize; cancel it
			// so the update stream closes and pumpUpdates can exit.
			_ = s.handle.Cancel()
			e.complete(s, PhaseFailed, fmt.Errorf("session: finalize backend: %w", err))
			return
		}
		// Await the backend's final transcript (or failure). pumpUpdates
		// closes s.scripts before signalling, so the merger's closing sweep
		// below delivers the final update on the combined stream. A Cancel
		// arriving now must not be held hostage by a stalled backend, so the
		// wait also honours the abort signal.
		select {
		case err := <-s.updatesDone:
			if err != nil {
				e.complete(s, PhaseFailed, err)
			} else {
				e.complete(s, PhaseEnded, nil)
			}
		case <-s.abort:
			_ = s.handle.Cancel()
			e.complete(s, PhaseIdle, nil)
		}

	case endCancel:
		_ = s.handle.Cancel()
		e.complete(s, PhaseIdle, nil)
	}
}

// processFrame normalises one frame, emits its level reading, feeds the
// backend, and advances the silence detector. Returns true when the
// end-of-speech trigger fires.
func (s *liveSession) processFrame(f audio.Frame) bool {
	e := s.engine

	norm := s.norm.Normalize(f)
	if len(norm.Data) == 0 {
		return false
	}

	rms := audio.RMS(norm)
	now := e.now()

	// Level reading: non-blocking, drop-tolerant.
	select {
	case s.levels <- Signal{Kind: KindRMSLevel, Level: rms}:
	default:
	}

	if err := s.handle.Feed(norm.Data); err != nil && !errors.Is(err, recognizer.ErrSessionClosed) {
		slog.Debug("backend feed failed", "id", s.id, "err", err)
	}

	e.metrics.FramesProcessed.Add(context.Background(), 1)
	e.metrics.RMSLevel.Record(context.Background(), rms)

	if s.detector.Update(&s.sil, rms, now) {
		e.metrics.SilenceTriggerDelay.Record(context.Background(),
			now.Sub(s.sil.StartedAt).Seconds())
		slog.Info("silence trigger fired", "id", s.id, "rms", rms)
		return true
	}
	return false
}

// pumpUpdates forwards backend hypothesis updates onto the merged stream
// with latest-wins coalescing, then reports the backend's terminal status to
// the run loop. It closes s.scripts before signalling so the run loop's
// subsequent close of the level channel cannot outrun a final transcript.
func (s *liveSession) pumpUpdates() {
	e := s.engine
	for u := range s.handle.Updates() {
		if u.Text != "" {
			e.setLastText(u.Text)
		}
		e.metrics.RecordTranscriptUpdate(context.Background(), u.Final)
		s.sendLatest(Signal{Kind: KindTranscript, Text: u.Text})
	}
	close(s.scripts)
	s.updatesDone <- s.handle.Err()
}

// sendLatest pushes sig onto the transcript channel, evicting the oldest
// queued value when the consumer lags. The newest hypothesis supersedes any
// it revises, so dropping stale ones is safe.
func (s *liveSession) sendLatest(sig Signal) {
	for {
		select {
		case s.scripts <- sig:
			return
		default:
		}
		select {
		case <-s.scripts:
		default:
		}
	}
}

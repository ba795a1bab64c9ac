package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harkaudio/hark/pkg/audio"
	audiomock "github.com/harkaudio/hark/pkg/audio/mock"
	"github.com/harkaudio/hark/pkg/recognizer"
	recmock "github.com/harkaudio/hark/pkg/recognizer/mock"
)

const waitTimeout = 2 * time.Second

// fakeClock is a manually advanced time source for deterministic silence
// debouncing in tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// pcmFrame builds a 100 ms 16 kHz mono frame where every sample has the
// given int16 amplitude.
func pcmFrame(amplitude int16) audio.Frame {
	const samples = 1600
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		data[2*i] = byte(amplitude)
		data[2*i+1] = byte(amplitude >> 8)
	}
	return audio.Frame{Data: data, SampleRate: 16000, Channels: 1}
}

func loudFrame() audio.Frame   { return pcmFrame(16384) } // RMS 0.5
func silentFrame() audio.Frame { return pcmFrame(0) }     // RMS 0

// readSignal receives the next signal from out or fails the test.
func readSignal(t *testing.T, out <-chan Signal) Signal {
	t.Helper()
	select {
	case sig, ok := <-out:
		if !ok {
			t.Fatal("signal stream closed unexpectedly")
		}
		return sig
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for signal")
	}
	return Signal{}
}

// drain collects all remaining signals until the stream closes.
func drain(t *testing.T, out <-chan Signal) []Signal {
	t.Helper()
	var got []Signal
	deadline := time.After(waitTimeout)
	for {
		select {
		case sig, ok := <-out:
			if !ok {
				return got
			}
			got = append(got, sig)
		case <-deadline:
			t.Fatal("timed out waiting for signal stream to close")
		}
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func validConfig() Config {
	return Config{
		Locale:           "en-US",
		SilenceThreshold: 0.1,
		SilenceDuration:  300 * time.Millisecond,
		ReportPartials:   true,
	}
}

func TestStartValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.SilenceThreshold = 1.5 }},
		{"threshold negative", func(c *Config) { c.SilenceThreshold = -0.1 }},
		{"duration negative", func(c *Config) { c.SilenceDuration = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &audiomock.Source{}
			prov := &recmock.Provider{}
			e := New(src, prov)

			cfg := validConfig()
			tt.mutate(&cfg)

			if _, err := e.Start(context.Background(), cfg); !errors.Is(err, ErrConfiguration) {
				t.Fatalf("Start error = %v, want ErrConfiguration", err)
			}
			if len(prov.OpenCalls) != 0 {
				t.Errorf("backend opened %d times, want 0", len(prov.OpenCalls))
			}
			if src.StartCallCount != 0 {
				t.Errorf("capture started %d times, want 0", src.StartCallCount)
			}
			if got := e.Phase(); got != PhaseIdle {
				t.Errorf("phase = %v, want idle", got)
			}
		})
	}
}

func TestStartBackendUnavailable(t *testing.T) {
	src := &audiomock.Source{}
	prov := &recmock.Provider{OpenErr: recognizer.ErrBackendUnavailable}
	e := New(src, prov)

	_, err := e.Start(context.Background(), validConfig())
	if !errors.Is(err, recognizer.ErrBackendUnavailable) {
		t.Fatalf("Start error = %v, want ErrBackendUnavailable", err)
	}
	if src.StartCallCount != 0 {
		t.Errorf("capture started %d times, want 0", src.StartCallCount)
	}
	if got := e.Phase(); got != PhaseFailed {
		t.Errorf("phase = %v, want failed", got)
	}
	if !errors.Is(e.Err(), recognizer.ErrBackendUnavailable) {
		t.Errorf("Err() = %v, want ErrBackendUnavailable", e.Err())
	}
}

func TestStartCaptureFailure(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{
		StartErr: fmt.Errorf("audio: open device: %w", audio.ErrCaptureStart),
	}
	prov := &recmock.Provider{Handle: h}
	e := New(src, prov)

	_, err := e.Start(context.Background(), validConfig())
	if !errors.Is(err, audio.ErrCaptureStart) {
		t.Fatalf("Start error = %v, want ErrCaptureStart", err)
	}
	// The opened backend handle must not leak when capture never started.
	if h.CancelCallCount != 1 {
		t.Errorf("backend cancelled %d times, want 1", h.CancelCallCount)
	}
	if got := e.Phase(); got != PhaseFailed {
		t.Errorf("phase = %v, want failed", got)
	}
}

func TestStartAuthorizationDenied(t *testing.T) {
	src := &audiomock.Source{}
	prov := &recmock.Provider{}
	e := New(src, prov, WithAuthorization(func(context.Context) error {
		return errors.New("microphone access not granted")
	}))

	_, err := e.Start(context.Background(), validConfig())
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("Start error = %v, want ErrAuthorizationDenied", err)
	}
	if len(prov.OpenCalls) != 0 {
		t.Errorf("backend opened %d times, want 0", len(prov.OpenCalls))
	}
}

func TestStartWarmupFailure(t *testing.T) {
	src := &audiomock.Source{}
	prov := &recmock.Provider{}
	errModel := errors.New("custom model compilation failed")
	e := New(src, prov, WithWarmup(func(context.Context) error {
		return errModel
	}))

	_, err := e.Start(context.Background(), validConfig())
	if !errors.Is(err, errModel) {
		t.Fatalf("Start error = %v, want warm-up error", err)
	}
	if len(prov.OpenCalls) != 0 {
		t.Errorf("backend opened %d times, want 0", len(prov.OpenCalls))
	}
	if src.StartCallCount != 0 {
		t.Errorf("capture started %d times, want 0", src.StartCallCount)
	}
	if got := e.Phase(); got != PhaseFailed {
		t.Errorf("phase = %v, want failed", got)
	}
	if !errors.Is(e.Err(), errModel) {
		t.Errorf("Err() = %v, want warm-up error", e.Err())
	}
}

func TestStartPassesConfigToBackend(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	e := New(src, prov)

	cfg := validConfig()
	cfg.OnDeviceOnly = true
	cfg.Punctuation = true
	cfg.TaskHint = recognizer.TaskDictation
	cfg.ContextualTerms = []string{"glyph", "hark"}

	if _, err := e.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Cancel()

	if len(prov.OpenCalls) != 1 {
		t.Fatalf("backend opened %d times, want 1", len(prov.OpenCalls))
	}
	got := prov.OpenCalls[0].Cfg
	if got.Locale != "en-US" || !got.ReportPartials || !got.OnDeviceOnly ||
		!got.Punctuation || got.TaskHint != recognizer.TaskDictation {
		t.Errorf("backend config = %+v, want fields from session config", got)
	}
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("backend format = %d Hz %d ch, want 16000 Hz 1 ch", got.SampleRate, got.Channels)
	}
}

func TestSilenceTriggerFinalizesSession(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	clock := newFakeClock()
	e := New(src, prov, WithClock(clock.Now))

	out, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := e.Phase(); got != PhaseActive {
		t.Fatalf("phase = %v, want active", got)
	}

	// Speech, then sustained silence. Reading the level signal after each
	// push guarantees the frame was processed before the clock advances.
	src.Push(loudFrame())
	if sig := readSignal(t, out); sig.Kind != KindRMSLevel || sig.Level < 0.45 {
		t.Fatalf("signal = %+v, want loud RMS level", sig)
	}

	clock.Advance(100 * time.Millisecond)
	src.Push(silentFrame())
	if sig := readSignal(t, out); sig.Kind != KindRMSLevel || sig.Level != 0 {
		t.Fatalf("signal = %+v, want silent RMS level", sig)
	}

	// 100 ms of silence so far: below the 300 ms debounce.
	clock.Advance(100 * time.Millisecond)
	src.Push(silentFrame())
	readSignal(t, out)
	if h.Finalized() {
		t.Fatal("finalized before the silence debounce elapsed")
	}

	// 400 ms of sustained silence: the trigger fires.
	clock.Advance(300 * time.Millisecond)
	src.Push(silentFrame())
	readSignal(t, out)

	waitFor(t, "backend finalize", h.Finalized)
	waitFor(t, "capture stop", func() bool { return !src.Running() })

	h.Complete("hello world")

	var lastText string
	for _, sig := range drain(t, out) {
		if sig.Kind == KindTranscript {
			lastText = sig.Text
		}
	}
	if lastText != "hello world" {
		t.Errorf("final transcript = %q, want %q", lastText, "hello world")
	}
	if got := e.Phase(); got != PhaseEnded {
		t.Errorf("phase = %v, want ended", got)
	}
	if got := e.TranscribedText(); got != "hello world" {
		t.Errorf("TranscribedText() = %q, want %q", got, "hello world")
	}
	if err := e.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if len(h.FeedCalls) != 4 {
		t.Errorf("backend fed %d frames, want 4", len(h.FeedCalls))
	}
}

func TestStopDeliversFinalTranscript(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	e := New(src, prov)

	out, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.Push(loudFrame())
	readSignal(t, out)

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()

	// Stop must block until the backend flushes its final result.
	waitFor(t, "backend finalize", h.Finalized)
	select {
	case <-stopped:
		t.Fatal("Stop returned before the backend completed")
	default:
	}

	h.Complete("dictated text")

	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Stop did not return after backend completion")
	}

	var lastText string
	for _, sig := range drain(t, out) {
		if sig.Kind == KindTranscript {
			lastText = sig.Text
		}
	}
	if lastText != "dictated text" {
		t.Errorf("final transcript = %q, want %q", lastText, "dictated text")
	}
	if got := e.Phase(); got != PhaseEnded {
		t.Errorf("phase = %v, want ended", got)
	}
	if h.CancelCallCount != 0 {
		t.Errorf("backend cancelled %d times, want 0", h.CancelCallCount)
	}
}

func TestCancelDiscardsSession(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	e := New(src, prov)

	out, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.Emit(recognizer.Update{Text: "partial hypothesis"})
	if sig := readSignal(t, out); sig.Kind != KindTranscript || sig.Text != "partial hypothesis" {
		t.Fatalf("signal = %+v, want partial transcript", sig)
	}

	e.Cancel()

	if got := e.Phase(); got != PhaseIdle {
		t.Errorf("phase = %v, want idle", got)
	}
	if h.CancelCallCount != 1 {
		t.Errorf("backend cancelled %d times, want 1", h.CancelCallCount)
	}
	if h.FinalizeCallCount != 0 {
		t.Errorf("backend finalized %d times, want 0", h.FinalizeCallCount)
	}
	if src.Running() {
		t.Error("capture still running after cancel")
	}
	if err := e.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	drain(t, out)

	if src.Push(loudFrame()) {
		t.Error("source still delivering frames after cancel")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	e := New(src, prov)

	if _, err := e.Start(context.Background(), validConfig()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Cancel()
	e.Cancel()
	e.Stop()

	if h.CancelCallCount != 1 {
		t.Errorf("backend cancelled %d times, want 1", h.CancelCallCount)
	}
	if got := e.Phase(); got != PhaseIdle {
		t.Errorf("phase = %v, want idle", got)
	}
}

func TestCancelDuringFinalizeReturnsPromptly(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	clock := newFakeClock()
	e := New(src, prov, WithClock(clock.Now))

	out, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Drive the silence trigger so teardown is already underway.
	src.Push(loudFrame())
	readSignal(t, out)
	src.Push(silentFrame())
	readSignal(t, out)
	clock.Advance(400 * time.Millisecond)
	src.Push(silentFrame())
	readSignal(t, out)
	waitFor(t, "backend finalize", h.Finalized)

	// The backend never flushes its final transcript. Cancel must not wait
	// for it.
	done := make(chan struct{})
	go func() {
		e.Cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("Cancel blocked on a stalled backend")
	}

	if got := e.Phase(); got != PhaseIdle {
		t.Errorf("phase = %v, want idle", got)
	}
	if h.CancelCallCount != 1 {
		t.Errorf("backend cancelled %d times, want 1", h.CancelCallCount)
	}
	drain(t, out)
}

func TestConcurrentStartsDoNotLeakHandles(t *testing.T) {
	h1 := recmock.NewHandle()
	h2 := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h1}

	// The warm-up gate holds the first Start mid-flight while the second
	// arrives. Each Start picks the next handle so the two opens are
	// distinguishable.
	handles := []*recmock.Handle{h1, h2}
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var (
		wmu sync.Mutex
		n   int
	)
	e := New(src, prov, WithWarmup(func(context.Context) error {
		wmu.Lock()
		prov.Handle = handles[n]
		n++
		wmu.Unlock()
		entered <- struct{}{}
		<-release
		return nil
	}))

	errs := make(chan error, 2)
	for range 2 {
		go func() {
			_, err := e.Start(context.Background(), validConfig())
			errs <- err
		}()
	}

	// Exactly one Start may be inside the startup path at a time; the other
	// queues instead of racing through the toggle check.
	<-entered
	select {
	case <-entered:
		t.Fatal("both Starts entered warm-up concurrently")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	defer e.Cancel()

	if len(prov.OpenCalls) != 2 {
		t.Fatalf("backend opened %d times, want 2", len(prov.OpenCalls))
	}
	// The second Start toggles the first session away: its handle is
	// cancelled, not leaked, and the survivor stays live.
	if h1.CancelCallCount != 1 {
		t.Errorf("first handle cancelled %d times, want 1", h1.CancelCallCount)
	}
	if h2.CancelCallCount != 0 {
		t.Errorf("second handle cancelled %d times, want 0", h2.CancelCallCount)
	}
	if got := e.Phase(); got != PhaseActive {
		t.Errorf("phase = %v, want active", got)
	}
}

func TestRestartCancelsPreviousSession(t *testing.T) {
	h1 := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h1}
	e := New(src, prov)

	out1, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}

	h2 := recmock.NewHandle()
	prov.Handle = h2

	out2, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer e.Cancel()

	if h1.CancelCallCount != 1 {
		t.Errorf("first backend cancelled %d times, want 1", h1.CancelCallCount)
	}
	if h1.FinalizeCallCount != 0 {
		t.Errorf("first backend finalized %d times, want 0", h1.FinalizeCallCount)
	}
	drain(t, out1)

	if got := e.Phase(); got != PhaseActive {
		t.Errorf("phase = %v, want active", got)
	}
	if len(prov.OpenCalls) != 2 {
		t.Errorf("backend opened %d times, want 2", len(prov.OpenCalls))
	}

	// The new session is live on the fresh handle.
	h2.Emit(recognizer.Update{Text: "second session"})
	if sig := readSignal(t, out2); sig.Kind != KindTranscript || sig.Text != "second session" {
		t.Errorf("signal = %+v, want transcript from second session", sig)
	}
}

func TestBackendFailurePreservesTranscript(t *testing.T) {
	h := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	e := New(src, prov)

	out, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.Emit(recognizer.Update{Text: "hello"})
	if sig := readSignal(t, out); sig.Kind != KindTranscript || sig.Text != "hello" {
		t.Fatalf("signal = %+v, want transcript %q", sig, "hello")
	}

	errBoom := errors.New("recognition service went away")
	h.Fail(errBoom)

	waitFor(t, "failed phase", func() bool { return e.Phase() == PhaseFailed })

	if got := e.TranscribedText(); got != "hello" {
		t.Errorf("TranscribedText() = %q, want %q preserved across failure", got, "hello")
	}
	if !errors.Is(e.Err(), errBoom) {
		t.Errorf("Err() = %v, want %v", e.Err(), errBoom)
	}
	waitFor(t, "capture stop", func() bool { return !src.Running() })
	drain(t, out)
}

func TestFinalizeErrorCancelsBackend(t *testing.T) {
	h := recmock.NewHandle()
	h.FinalizeErr = errors.New("flush rejected")
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h}
	e := New(src, prov)

	out, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(waitTimeout):
		t.Fatal("Stop did not return after the failed finalize")
	}

	if got := e.Phase(); got != PhaseFailed {
		t.Errorf("phase = %v, want failed", got)
	}
	// The handle stays live after a failed finalize; cancelling it closes
	// the update stream so the pump goroutine can exit.
	if h.CancelCallCount != 1 {
		t.Errorf("backend cancelled %d times, want 1", h.CancelCallCount)
	}
	if !errors.Is(e.Err(), h.FinalizeErr) {
		t.Errorf("Err() = %v, want finalize error", e.Err())
	}
	drain(t, out)
}

func TestEngineReusableAfterFailure(t *testing.T) {
	h1 := recmock.NewHandle()
	src := &audiomock.Source{}
	prov := &recmock.Provider{Handle: h1}
	e := New(src, prov)

	out, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	h1.Fail(errors.New("transient backend failure"))
	waitFor(t, "failed phase", func() bool { return e.Phase() == PhaseFailed })
	drain(t, out)

	h2 := recmock.NewHandle()
	prov.Handle = h2

	out2, err := e.Start(context.Background(), validConfig())
	if err != nil {
		t.Fatalf("Start after failure: %v", err)
	}
	defer e.Cancel()

	if got := e.Phase(); got != PhaseActive {
		t.Errorf("phase = %v, want active", got)
	}
	if err := e.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after restart", err)
	}
	if got := e.TranscribedText(); got != "" {
		t.Errorf("TranscribedText() = %q, want reset on restart", got)
	}

	h2.Emit(recognizer.Update{Text: "fresh start"})
	if sig := readSignal(t, out2); sig.Kind != KindTranscript || sig.Text != "fresh start" {
		t.Errorf("signal = %+v, want transcript after restart", sig)
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseStarting, "starting"},
		{PhaseActive, "active"},
		{PhaseFinalizing, "finalizing"},
		{PhaseEnded, "ended"},
		{PhaseFailed, "failed"},
		{Phase(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

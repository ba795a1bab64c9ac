// Package mock provides test doubles for the recognizer package interfaces.
//
// Use Provider to verify that the caller opens sessions with the expected
// Config. Use Handle to script hypothesis updates and inspect the audio that
// was fed.
//
// Example:
//
//	h := mock.NewHandle()
//	p := &mock.Provider{Handle: h}
//	// ... engine opens a session through p, then:
//	h.Emit(recognizer.Update{Text: "hello"})
//	h.Complete("hello world")
package mock

import (
	"context"
	"sync"

	"github.com/harkaudio/hark/pkg/recognizer"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// Cfg is the Config passed to Open.
	Cfg recognizer.Config
}

// Provider is a mock implementation of recognizer.Provider.
type Provider struct {
	mu sync.Mutex

	// Handle is returned by Open. If nil, Open returns a fresh default Handle.
	Handle recognizer.Handle

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Handle, OpenErr.
func (p *Provider) Open(ctx context.Context, cfg recognizer.Config) (recognizer.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, Cfg: cfg})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Handle != nil {
		return p.Handle, nil
	}
	return NewHandle(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
}

// Ensure Provider implements recognizer.Provider at compile time.
var _ recognizer.Provider = (*Provider)(nil)

// FeedCall records a single invocation of Handle.Feed.
type FeedCall struct {
	// PCM is a copy of the audio bytes passed to Feed.
	PCM []byte
}

// Handle is a mock implementation of recognizer.Handle. Tests drive the
// update stream with Emit, Complete, and Fail; the engine under test
// consumes Updates like it would from a real backend.
type Handle struct {
	mu sync.Mutex

	// FeedErr, if non-nil, is returned by every Feed call.
	FeedErr error

	// FinalizeErr, if non-nil, is returned by Finalize.
	FinalizeErr error

	// CancelErr, if non-nil, is returned by Cancel.
	CancelErr error

	// --- Call records ---

	// FeedCalls records every call to Feed in order.
	FeedCalls []FeedCall

	// FinalizeCallCount is the number of times Finalize was called.
	FinalizeCallCount int

	// CancelCallCount is the number of times Cancel was called.
	CancelCallCount int

	updates chan recognizer.Update
	err     error
	closed  bool
}

// NewHandle creates a Handle with a buffered update stream.
func NewHandle() *Handle {
	return &Handle{updates: make(chan recognizer.Update, 16)}
}

// Feed records the call and returns FeedErr, or ErrSessionClosed after the
// stream has terminated.
func (h *Handle) Feed(pcm []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return recognizer.ErrSessionClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	h.FeedCalls = append(h.FeedCalls, FeedCall{PCM: cp})
	return h.FeedErr
}

// Finalize records the call. It does NOT emit a final update by itself —
// tests decide when (and whether) to call Complete, mirroring a backend
// that takes time to flush.
func (h *Handle) Finalize() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return recognizer.ErrSessionClosed
	}
	h.FinalizeCallCount++
	return h.FinalizeErr
}

// Cancel records the call and closes the update stream without a final update.
func (h *Handle) Cancel() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CancelCallCount++
	if h.closed {
		return h.CancelErr
	}
	h.closed = true
	close(h.updates)
	return h.CancelErr
}

// Updates returns the scripted update stream.
func (h *Handle) Updates() <-chan recognizer.Update { return h.updates }

// Err returns the terminal error set by Fail, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Emit pushes a non-final hypothesis update to the stream. It is a no-op
// after the stream has terminated.
func (h *Handle) Emit(u recognizer.Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.updates <- u
}

// Complete emits the final update carrying text and closes the stream,
// simulating a clean backend completion after Finalize.
func (h *Handle) Complete(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.updates <- recognizer.Update{Text: text, Final: true}
	h.closed = true
	close(h.updates)
}

// Fail records err as the terminal error and closes the stream, simulating
// a mid-session recognition failure.
func (h *Handle) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.err = err
	h.closed = true
	close(h.updates)
}

// Finalized reports whether Finalize has been called at least once. Tests
// poll this to learn when the caller has committed to a graceful end before
// scripting the final update with Complete.
func (h *Handle) Finalized() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.FinalizeCallCount > 0
}

// Closed reports whether the update stream has terminated.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Ensure Handle implements recognizer.Handle at compile time.
var _ recognizer.Handle = (*Handle)(nil)

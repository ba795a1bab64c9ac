// Package recognizer defines the Provider interface for streaming
// speech-recognition backends.
//
// A recognizer provider wraps a transcription service (a local whisper.cpp
// server, the CGO whisper bindings, or a remote streaming API) and exposes a
// uniform session contract. The central abstraction is [Handle]: once
// opened, a handle accepts raw PCM audio and asynchronously emits [Update]
// values, each carrying the best current hypothesis — later updates may
// revise earlier text, so consumers should treat the latest update as
// authoritative rather than concatenating.
//
// A handle terminates in one of three ways: Finalize (end-of-audio; the
// backend eventually emits a final update and closes its Updates channel),
// Cancel (abort without a final transcript), or a mid-session backend
// failure (Updates closes and [Handle.Err] reports the cause).
//
// Implementations must be safe for concurrent use. Audio input and update
// output are goroutine-safe by construction.
package recognizer

import (
	"context"
	"errors"
)

// ErrBackendUnavailable is returned (possibly wrapped) by [Provider.Open]
// when the requested locale, model, or capability set is not supported by
// the backend.
var ErrBackendUnavailable = errors.New("recognizer: backend unavailable")

// ErrSessionClosed is returned by [Handle] methods invoked after the session
// has terminated.
var ErrSessionClosed = errors.New("recognizer: session is closed")

// Handle represents an open streaming recognition session.
//
// Callers must end the session with Finalize or Cancel; failing to do so may
// leak goroutines and connections inside the provider implementation. All
// methods must be safe for concurrent use.
type Handle interface {
	// Feed delivers a chunk of raw 16-bit little-endian PCM audio for
	// transcription. Feed is fire-and-forget: the backend buffers internally
	// and the call never blocks the capture path for unbounded time. Calling
	// Feed after Finalize or Cancel returns [ErrSessionClosed].
	Feed(pcm []byte) error

	// Finalize signals end-of-audio. The backend eventually produces a final
	// [Update] (Final == true) and then closes the Updates channel. Finalize
	// is safe to call once; subsequent lifecycle calls are no-ops.
	Finalize() error

	// Cancel aborts the session without waiting for a final transcript.
	// Buffered audio is discarded and the Updates channel closes promptly.
	Cancel() error

	// Updates returns a read-only channel that emits hypothesis updates as
	// the backend produces them. The channel is closed when the session
	// terminates — after the final update following Finalize, immediately on
	// Cancel, or on backend failure.
	Updates() <-chan Update

	// Err returns the terminal error after the Updates channel has closed:
	// nil for clean completion or cancellation, or the recognition failure
	// that ended the session. Before termination it returns nil.
	Err() error
}

// Provider is the abstraction over any streaming recognition backend.
//
// Implementations must be safe for concurrent use; multiple sessions may be
// open simultaneously.
type Provider interface {
	// Open starts a new recognition session with the given configuration.
	// The returned Handle is ready to accept audio immediately.
	//
	// Returns an error wrapping [ErrBackendUnavailable] if the requested
	// locale or model is unsupported, or another error if the session cannot
	// be established (auth failure, ctx already cancelled, network error).
	Open(ctx context.Context, cfg Config) (Handle, error)
}

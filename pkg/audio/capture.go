// Package audio defines the frame types, loudness meter, format normaliser,
// and capture-source contract used by the hark session core.
//
// The central abstraction is [CaptureSource] — an input device (microphone,
// network stream, replayed file) that pushes [Frame] values into a sink
// callback until stopped. Implementations are provided by adapter packages
// (e.g., audio/opus) and by test doubles in audio/mock.
//
// This package lives under pkg/ because external code (third-party capture
// adapters) is expected to implement [CaptureSource].
package audio

import (
	"context"
	"errors"
)

// ErrCaptureStart is returned (possibly wrapped) by [CaptureSource.Start]
// when the underlying capture engine cannot be started.
var ErrCaptureStart = errors.New("audio: capture engine failed to start")

// FrameSink receives captured frames. It is invoked on the source's capture
// goroutine and must not block; expensive work belongs on a consumer
// goroutine fed through a buffered channel. The Frame (including its Data
// slice) must not be retained after the callback returns.
type FrameSink func(Frame)

// CaptureSource is the contract for an audio input device.
//
// A source delivers a continuous push sequence of frames to the sink
// registered via Start until Stop is called. Implementations must guarantee:
//
//   - Start returns an error wrapping [ErrCaptureStart] if the device cannot
//     be started; no frames are delivered in that case.
//   - Stop is idempotent and synchronous: once it returns, no further sink
//     invocations occur.
//   - Start after Stop begins a fresh delivery run on the same source, where
//     the implementation supports reuse.
type CaptureSource interface {
	// Start begins frame delivery to sink. The supplied ctx governs the
	// lifetime of the capture run; cancelling it is equivalent to Stop.
	Start(ctx context.Context, sink FrameSink) error

	// Stop halts frame delivery. Safe to call multiple times and before Start.
	Stop() error
}

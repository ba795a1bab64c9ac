// Package mock provides test doubles for the audio package interfaces.
//
// Use Source to drive a session engine with scripted frames. Tests push
// frames with [Source.Push]; delivery stops the moment Stop is called,
// matching the synchronous no-frames-after-stop guarantee of the real
// contract.
//
// Example:
//
//	src := &mock.Source{}
//	// ... hand src to the engine, then:
//	src.Push(audio.Frame{Data: pcm, SampleRate: 16000, Channels: 1})
package mock

import (
	"context"
	"sync"

	"github.com/harkaudio/hark/pkg/audio"
)

// Source is a mock implementation of audio.CaptureSource.
type Source struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned by Start and no frames are accepted.
	StartErr error

	// StopErr, if non-nil, is returned by Stop.
	StopErr error

	// StartCallCount is the number of times Start was called.
	StartCallCount int

	// StopCallCount is the number of times Stop was called.
	StopCallCount int

	sink    audio.FrameSink
	running bool
}

// Start records the call and registers sink for subsequent Push deliveries.
func (s *Source) Start(ctx context.Context, sink audio.FrameSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCallCount++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.sink = sink
	s.running = true
	return nil
}

// Stop records the call and halts delivery. Any Push after Stop returns is
// dropped — the mutex shared with Push makes the guarantee synchronous.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCallCount++
	s.running = false
	s.sink = nil
	return s.StopErr
}

// Push delivers frame to the registered sink. It reports whether the frame
// was delivered (false when the source is not running). The sink is invoked
// while the internal lock is held, so a Stop racing with Push observes the
// real contract: after Stop returns, no further sink invocations occur.
func (s *Source) Push(frame audio.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.sink == nil {
		return false
	}
	s.sink(frame)
	return true
}

// Running reports whether the source is currently delivering frames.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ensure Source implements audio.CaptureSource at compile time.
var _ audio.CaptureSource = (*Source)(nil)

// Package stdin provides a CaptureSource that reads raw PCM audio from an
// io.Reader — typically standard input fed by a recording tool, e.g.
//
//	arecord -f S16_LE -r 16000 -c 1 -t raw | hark
//
// The stream is sliced into fixed-duration frames and pushed to the sink on a
// dedicated reader goroutine.
package stdin

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harkaudio/hark/pkg/audio"
)

const (
	defaultSampleRate = 16000
	defaultChannels   = 1
	defaultFrameMs    = 100
)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithReader overrides the input stream. Defaults to os.Stdin.
func WithReader(r io.Reader) Option {
	return func(s *Source) { s.r = r }
}

// WithFormat sets the PCM stream parameters. The input must be 16-bit signed
// little-endian PCM at the given rate and channel count. Defaults to 16 kHz
// mono.
func WithFormat(sampleRate, channels int) Option {
	return func(s *Source) {
		s.sampleRate = sampleRate
		s.channels = channels
	}
}

// WithFrameMs sets the frame duration in milliseconds. Defaults to 100.
func WithFrameMs(ms int) Option {
	return func(s *Source) { s.frameMs = ms }
}

// Source reads 16-bit little-endian PCM from a byte stream and delivers it in
// fixed-size frames. The zero duration between frames is whatever the reader
// imposes: a live pipe paces delivery in real time, a file replays as fast as
// it can be read.
type Source struct {
	r          io.Reader
	sampleRate int
	channels   int
	frameMs    int

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Compile-time assertion that Source implements audio.CaptureSource.
var _ audio.CaptureSource = (*Source)(nil)

// New creates a Source reading from os.Stdin unless WithReader overrides it.
func New(opts ...Option) *Source {
	s := &Source{
		r:          os.Stdin,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		frameMs:    defaultFrameMs,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins reading frames and delivering them to sink. Only one capture
// run may be active at a time.
func (s *Source) Start(ctx context.Context, sink audio.FrameSink) error {
	if s.sampleRate <= 0 || s.channels <= 0 || s.frameMs <= 0 {
		return fmt.Errorf("stdin: invalid format %d Hz / %d ch / %d ms: %w",
			s.sampleRate, s.channels, s.frameMs, audio.ErrCaptureStart)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("stdin: capture already running: %w", audio.ErrCaptureStart)
	}
	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	s.cancel = cancel
	s.stopped = stopped
	s.mu.Unlock()

	frameBytes := s.sampleRate * s.channels * 2 * s.frameMs / 1000
	go s.readLoop(runCtx, sink, frameBytes, stopped)
	return nil
}

// Stop halts frame delivery and waits for the reader goroutine to exit. When
// the reader goroutine is blocked mid-read, the underlying stream is closed
// (if it supports closing) to unblock it. Safe to call multiple times and
// before Start.
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.stopped = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-stopped:
	default:
		if c, ok := s.r.(io.Closer); ok {
			_ = c.Close()
		}
		<-stopped
	}
	return nil
}

func (s *Source) readLoop(ctx context.Context, sink audio.FrameSink, frameBytes int, stopped chan struct{}) {
	defer close(stopped)

	buf := make([]byte, frameBytes)
	var elapsed time.Duration
	for {
		if ctx.Err() != nil {
			return
		}

		// ReadFull blocks on a live pipe; cancellation takes effect at the
		// next frame boundary. A closed stdin ends the run cleanly.
		n, err := io.ReadFull(s.r, buf)
		if n > 0 && ctx.Err() == nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			f := audio.Frame{
				Data:       data,
				SampleRate: s.sampleRate,
				Channels:   s.channels,
				Timestamp:  elapsed,
			}
			elapsed += f.Duration()
			sink(f)
		}
		if err != nil {
			// EOF, a short final frame, or a broken pipe all end the run the
			// same way; the session core notices the silence and finalizes.
			return
		}
	}
}

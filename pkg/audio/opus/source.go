// Package opus provides a CaptureSource decorator that decodes Opus packets
// into PCM frames. It wraps an inner source whose Frame.Data carries raw
// Opus packets (one packet per frame) — typical for network capture paths —
// and presents the decoded int16 PCM stream to the session core.
package opus

import (
	"context"
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/harkaudio/hark/pkg/audio"
)

// Typical Opus capture parameters: 48 kHz at 20 ms frame size.
const (
	defaultSampleRate  = 48000
	defaultChannels    = 1
	defaultFrameSizeMs = 20
)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithSampleRate sets the decode sample rate in Hz. Must match the rate the
// packets were encoded at. Defaults to 48000.
func WithSampleRate(rate int) Option {
	return func(s *Source) { s.sampleRate = rate }
}

// WithChannels sets the decoded channel count. Defaults to 1 (mono).
func WithChannels(channels int) Option {
	return func(s *Source) { s.channels = channels }
}

// WithFrameSizeMs sets the Opus frame duration in milliseconds. Defaults to 20.
func WithFrameSizeMs(ms int) Option {
	return func(s *Source) { s.frameSizeMs = ms }
}

// Source decodes Opus packets delivered by an inner [audio.CaptureSource]
// into PCM frames. A single decoder instance is kept for the lifetime of a
// capture run so that Opus inter-frame prediction state is maintained.
type Source struct {
	inner       audio.CaptureSource
	sampleRate  int
	channels    int
	frameSizeMs int

	mu  sync.Mutex
	dec *gopus.Decoder
}

// Compile-time assertion that Source implements audio.CaptureSource.
var _ audio.CaptureSource = (*Source)(nil)

// New creates a decoding Source wrapping inner. inner must deliver one Opus
// packet per frame in Frame.Data.
func New(inner audio.CaptureSource, opts ...Option) *Source {
	s := &Source{
		inner:       inner,
		sampleRate:  defaultSampleRate,
		channels:    defaultChannels,
		frameSizeMs: defaultFrameSizeMs,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start creates a fresh decoder and begins delivery. Packets that fail to
// decode are dropped; the stream continues with the next packet.
func (s *Source) Start(ctx context.Context, sink audio.FrameSink) error {
	dec, err := gopus.NewDecoder(s.sampleRate, s.channels)
	if err != nil {
		return fmt.Errorf("opus: create decoder: %v: %w", err, audio.ErrCaptureStart)
	}
	s.mu.Lock()
	s.dec = dec
	s.mu.Unlock()

	frameSize := s.sampleRate * s.frameSizeMs / 1000
	return s.inner.Start(ctx, func(frame audio.Frame) {
		if len(frame.Data) == 0 {
			return
		}
		s.mu.Lock()
		d := s.dec
		s.mu.Unlock()
		if d == nil {
			return
		}
		pcm, err := d.Decode(frame.Data, frameSize, false)
		if err != nil {
			return
		}
		sink(audio.Frame{
			Data:       int16sToBytes(pcm),
			SampleRate: s.sampleRate,
			Channels:   s.channels,
			Timestamp:  frame.Timestamp,
		})
	})
}

// Stop halts the inner source and releases the decoder.
func (s *Source) Stop() error {
	err := s.inner.Stop()
	s.mu.Lock()
	s.dec = nil
	s.mu.Unlock()
	return err
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		b[i*2] = byte(v)
		b[i*2+1] = byte(v >> 8)
	}
	return b
}

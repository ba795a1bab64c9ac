package audio

import "time"

// Frame represents a single frame of audio data flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from an input
// source, normalised by the format converter, metered for loudness, and fed
// to the recognition backend. A Frame is owned transiently by the pipeline:
// it must never be retained past the sink callback that delivers it.
type Frame struct {
	// Data is raw 16-bit signed little-endian PCM. Sample rate and channel
	// count are described by the fields below.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for device capture, 16000 for recognition).
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame, or zero when the
// format fields are malformed.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Normalizer converts Frames to a target mono format before they reach the
// loudness meter and the recognition backend. It logs a warning on the first
// format mismatch and validates PCM data alignment. Create one per session;
// not designed for shared use across goroutines.
type Normalizer struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Normalize converts a frame to the target format. If the source format
// already matches the target, the frame is returned unchanged (zero
// allocation). Conversion order: downmix to mono first, then resample.
// A frame with an odd byte count is malformed and comes back with nil Data.
func (n *Normalizer) Normalize(frame Frame) Frame {
	// Odd byte count cannot be int16 PCM.
	if len(frame.Data)%2 != 0 {
		n.warnedCorrupt.Do(func() {
			slog.Warn("audio normalizer: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", frame.Channels,
			)
		})
		return Frame{SampleRate: n.Target.SampleRate, Channels: n.Target.Channels, Timestamp: frame.Timestamp}
	}

	// Fast path: source matches target.
	if frame.SampleRate == n.Target.SampleRate && frame.Channels == n.Target.Channels {
		return frame
	}

	n.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: normalising",
			"fromRate", frame.SampleRate, "fromChannels", frame.Channels,
			"toRate", n.Target.SampleRate, "toChannels", n.Target.Channels,
		)
	})

	pcm := frame.Data

	// Step 1: downmix to mono (avoids resampling every channel).
	if frame.Channels > 1 {
		pcm = DownmixMono(pcm, frame.Channels)
	}

	// Step 2: resample.
	if frame.SampleRate != n.Target.SampleRate {
		pcm = ResampleMono16(pcm, frame.SampleRate, n.Target.SampleRate)
	}

	return Frame{
		Data:       pcm,
		SampleRate: n.Target.SampleRate,
		Channels:   1,
		Timestamp:  frame.Timestamp,
	}
}

// DownmixMono averages all channels of interleaved int16 PCM into a mono
// signal. Uses int32 arithmetic to prevent overflow and clamps to the int16
// range. channels must be ≥ 1; input with channels == 1 is returned unchanged.
func DownmixMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[idx : idx+2])))
		}
		avg := sum / int32(channels)
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(avg)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2:]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(srcIdx+1)*2:]))
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}
	return out
}

// Float32Samples converts 16-bit signed little-endian mono PCM to float32
// samples normalised to the range [-1.0, 1.0]. Any trailing odd byte is
// silently ignored.
func Float32Samples(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(s) / 32768.0
	}
	return samples
}

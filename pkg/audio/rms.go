package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square loudness of a frame, normalised to
// [0, 1] against the int16 full-scale range. It is a pure function of the
// frame's sample data and has no failure mode: an empty frame, a frame with
// an odd byte count, or a frame with malformed format fields yields 0.0.
//
// All channels contribute equally; for interleaved multi-channel PCM this is
// the RMS over every interleaved sample.
func RMS(frame Frame) float64 {
	if len(frame.Data) < 2 || len(frame.Data)%2 != 0 {
		return 0.0
	}
	n := len(frame.Data) / 2
	var sum float64
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(frame.Data[i*2 : i*2+2]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

package whisper

import (
	"encoding/binary"
	"strings"

	"github.com/harkaudio/hark/pkg/audio"
)

// bitsPerSample is fixed at 16 for the 16-bit signed little-endian PCM audio
// that whisper.cpp expects.
const bitsPerSample = 16

// languageSubtag reduces a BCP-47 tag to the primary language subtag that
// whisper.cpp understands ("en-US" becomes "en"). Empty input yields the
// default language.
func languageSubtag(locale string) string {
	if locale == "" {
		return defaultLanguage
	}
	if i := strings.IndexByte(locale, '-'); i > 0 {
		return strings.ToLower(locale[:i])
	}
	return strings.ToLower(locale)
}

// encodeWAV wraps raw 16-bit signed little-endian PCM data in a standard
// RIFF/WAV container, suitable for direct inclusion in a multipart form
// upload.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))   // num channels
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign)) // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// float32Mono converts interleaved 16-bit PCM to the mono float32 samples
// whisper.cpp inference consumes.
func float32Mono(pcm []byte, channels int) []float32 {
	if channels > 1 {
		pcm = audio.DownmixMono(pcm, channels)
	}
	return audio.Float32Samples(pcm)
}

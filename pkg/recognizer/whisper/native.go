// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/harkaudio/hark/pkg/recognizer"
)

// Compile-time assertion that NativeProvider satisfies recognizer.Provider.
var _ recognizer.Provider = (*NativeProvider)(nil)

// NativeProvider implements recognizer.Provider using the whisper.cpp Go
// bindings (CGO), eliminating HTTP overhead entirely. The model is loaded
// once at startup and shared across all sessions. Recognition never leaves
// the machine, so on-device-only sessions are always accepted.
type NativeProvider struct {
	model          whisperlib.Model
	partialSeconds int
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativePartialSeconds sets how many seconds of new audio accumulate
// between interim re-inference passes. Defaults to 3.
func WithNativePartialSeconds(s int) NativeOption {
	return func(p *NativeProvider) {
		if s > 0 {
			p.partialSeconds = s
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The model is loaded once and shared across all
// concurrent sessions. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:          model,
		partialSeconds: defaultPartialSeconds,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model. Must be called when the provider is no
// longer needed.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Open starts a new recognition session. Each inference pass creates its own
// whisper.cpp context from the shared model, so multiple sessions can run
// concurrently without interference.
func (p *NativeProvider) Open(ctx context.Context, cfg recognizer.Config) (recognizer.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}

	lang := languageSubtag(cfg.Locale)
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}
	ch := cfg.Channels
	if ch <= 0 {
		ch = 1
	}

	infer := func(_ context.Context, pcm []byte) (string, error) {
		return p.infer(pcm, ch, lang)
	}

	s := newSession(infer, cfg.ReportPartials, p.partialSeconds*sr*ch*2)
	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// infer converts the buffered PCM audio to float32, runs whisper.cpp
// inference using a fresh context, and returns the concatenated text.
func (p *NativeProvider) infer(pcm []byte, channels int, language string) (string, error) {
	samples := float32Mono(pcm, channels)

	// Contexts are not thread-safe; the model is. One context per pass.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

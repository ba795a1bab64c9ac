// Package whisper provides whisper.cpp-backed recognition backends.
//
// Two providers are available:
//
//   - [Provider] talks to a running whisper-server binary over its REST API
//     (POST /inference). The server is expected to run on the same machine,
//     so sessions with Config.OnDeviceOnly are accepted.
//   - [NativeProvider] uses the whisper.cpp CGO bindings directly,
//     eliminating HTTP overhead entirely.
//
// Whisper is a batch (non-streaming) transcription engine, so neither
// provider can emit true low-latency partials. When interim results are
// requested, the session periodically re-runs inference over everything heard
// so far and emits the result as the best current hypothesis; the closing
// inference on Finalize yields the authoritative final text.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/harkaudio/hark/pkg/recognizer"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// defaultPartialSeconds is how much new audio accumulates between
	// interim re-inference passes when partials are requested.
	defaultPartialSeconds = 3
)

// Compile-time assertion that Provider implements recognizer.Provider.
var _ recognizer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with — this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithPartialSeconds sets how many seconds of new audio accumulate between
// interim re-inference passes. Defaults to 3.
func WithPartialSeconds(s int) Option {
	return func(p *Provider) {
		if s > 0 {
			p.partialSeconds = s
		}
	}
}

// Provider implements recognizer.Provider backed by a local whisper.cpp HTTP
// server. Multiple sessions may be open simultaneously; each session
// maintains its own audio buffer and goroutine.
type Provider struct {
	serverURL      string
	model          string
	partialSeconds int
	httpClient     *http.Client
}

// New creates a new Provider that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:      serverURL,
		partialSeconds: defaultPartialSeconds,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open starts a new recognition session. The returned handle is ready to
// accept audio immediately; no network connection is established until the
// first inference pass.
func (p *Provider) Open(ctx context.Context, cfg recognizer.Config) (recognizer.Handle, error) {
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

	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, pcm, sr, ch, lang)
	}

	s := newSession(infer, cfg.ReportPartials, p.partialSeconds*sr*ch*2)
	s.wg.Add(1)
	go s.run(ctx)

	return s, nil
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data. It returns the transcribed text.
func (p *Provider) infer(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error) {
	wav := encodeWAV(pcm, sampleRate, channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}

	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	endpoint := p.serverURL + "/inference"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	return result.Text, nil
}

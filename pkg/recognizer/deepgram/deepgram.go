// Package deepgram provides a Deepgram-backed recognition backend using the
// Deepgram streaming WebSocket API. It implements the recognizer.Provider
// interface.
//
// Deepgram is a remote service: sessions opened with Config.OnDeviceOnly are
// refused with recognizer.ErrBackendUnavailable.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/harkaudio/hark/pkg/recognizer"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithEndpoint overrides the streaming endpoint URL. Used for tests and
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements recognizer.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: defaultEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open starts a streaming recognition session with Deepgram.
func (p *Provider) Open(ctx context.Context, cfg recognizer.Config) (recognizer.Handle, error) {
	if cfg.OnDeviceOnly {
		return nil, fmt.Errorf("deepgram: audio leaves the device: %w", recognizer.ErrBackendUnavailable)
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %v: %w", err, recognizer.ErrBackendUnavailable)
	}

	h := &handle{
		conn:    conn,
		updates: make(chan recognizer.Update, 64),
		audio:   make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	h.wg.Add(2)
	go h.readLoop(ctx)
	go h.writeLoop(ctx)

	return h, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg recognizer.Config) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Locale
	if lang == "" {
		lang = defaultLanguage
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", strconv.FormatBool(cfg.Punctuation))
	q.Set("interim_results", strconv.FormatBool(cfg.ReportPartials))
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "linear16")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	// Deepgram keyword format: word:boost (e.g., "Eldrinax:5"). Earlier
	// contextual terms carry more importance, so they get higher boosts.
	for i, term := range cfg.ContextualTerms {
		boost := len(cfg.ContextualTerms) - i
		q.Add("keywords", fmt.Sprintf("%s:%d", term, boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- handle ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// handle is a live Deepgram streaming session. It implements recognizer.Handle.
type handle struct {
	conn    *websocket.Conn
	updates chan recognizer.Update
	audio   chan []byte

	done       chan struct{}
	closeOnce  sync.Once
	cancelOnce sync.Once
	wg         sync.WaitGroup

	mu        sync.Mutex
	err       error
	cancelled bool
}

// Feed queues a PCM audio chunk for delivery to Deepgram.
func (h *handle) Feed(pcm []byte) error {
	select {
	case <-h.done:
		return fmt.Errorf("deepgram: %w", recognizer.ErrSessionClosed)
	default:
	}
	select {
	case h.audio <- pcm:
		return nil
	case <-h.done:
		return fmt.Errorf("deepgram: %w", recognizer.ErrSessionClosed)
	}
}

// Finalize stops accepting audio and asks Deepgram to flush the stream. The
// CloseStream message is sent by the write loop only after every queued audio
// chunk, so the tail of the utterance is never discarded. The final transcript
// arrives on Updates before the channel closes.
func (h *handle) Finalize() error {
	h.closeOnce.Do(func() {
		close(h.done)
	})
	return nil
}

// Cancel aborts the session immediately, discarding pending audio and any
// in-flight results. It force-closes the connection even when a Finalize is
// already in flight, so a cancelled session never waits on the server.
func (h *handle) Cancel() error {
	h.cancelOnce.Do(func() {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		h.closeOnce.Do(func() { close(h.done) })
		h.conn.Close(websocket.StatusNormalClosure, "session cancelled")
	})
	return nil
}

// Updates returns the hypothesis update stream.
func (h *handle) Updates() <-chan recognizer.Update { return h.updates }

// Err returns the terminal session error, or nil for a clean completion.
// Valid only after Updates has closed.
func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (h *handle) writeLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case chunk := <-h.audio:
			if err := h.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-h.done:
			// Flush the queue first: audio must reach the server before
			// CloseStream or the last chunks would be dropped untranscribed.
			for {
				select {
				case chunk := <-h.audio:
					_ = h.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					h.mu.Lock()
					cancelled := h.cancelled
					h.mu.Unlock()
					if !cancelled {
						_ = h.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
					}
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards Results events
// as hypothesis updates. It owns the updates channel and the terminal error.
func (h *handle) readLoop(ctx context.Context) {
	defer h.wg.Done()
	defer close(h.updates)

	for {
		_, msg, err := h.conn.Read(ctx)
		if err != nil {
			h.recordTermination(err)
			return
		}

		u, ok := parseResponse(msg)
		if !ok {
			continue
		}

		select {
		case h.updates <- u:
		case <-h.done:
			// Consumer is finalizing; keep delivering so the final result
			// is not lost, but never block forever on a full buffer.
			select {
			case h.updates <- u:
			default:
			}
		}
	}
}

// recordTermination classifies the read error that ended the session. A close
// we initiated (cancel) or a normal server close after CloseStream is clean.
func (h *handle) recordTermination(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancelled {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return
	}
	select {
	case <-h.done:
		// Finalize path: the server dropping the socket after flushing is
		// a common way Deepgram ends a stream.
		return
	default:
	}
	h.err = fmt.Errorf("deepgram: stream: %w", err)
	h.conn.Close(websocket.StatusInternalError, "read failed")
}

// parseResponse parses a raw Deepgram WebSocket message into an update.
// Returns (zero, false) for messages that should be ignored.
func parseResponse(data []byte) (recognizer.Update, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return recognizer.Update{}, false
	}
	if resp.Type != "Results" {
		return recognizer.Update{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return recognizer.Update{}, false
	}

	return recognizer.Update{
		Text:  resp.Channel.Alternatives[0].Transcript,
		Final: resp.IsFinal,
	}, true
}

// Compile-time interface assertions.
var (
	_ recognizer.Provider = (*Provider)(nil)
	_ recognizer.Handle   = (*handle)(nil)
)

package whisper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harkaudio/hark/pkg/recognizer"
)

// finalInferTimeout bounds the closing inference so Finalize cannot hang a
// session teardown indefinitely.
const finalInferTimeout = 30 * time.Second

// inferFunc runs batch transcription over a complete PCM buffer and returns
// the recognised text. Both the HTTP and the native backend plug in here.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// session is a live whisper transcription session shared by both backends.
// Whisper is a batch engine, so the session accumulates fed PCM and runs
// inference over the whole utterance: periodically for interim hypotheses
// (when requested) and once more on Finalize for the authoritative result.
// All buffer state is confined to the run goroutine.
type session struct {
	infer          inferFunc
	reportPartials bool
	partialBytes   int // re-infer cadence, in buffered bytes

	audio    chan []byte
	updates  chan recognizer.Update
	finalize chan struct{}
	done     chan struct{}

	endOnce sync.Once
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	err    error
}

func newSession(infer inferFunc, reportPartials bool, partialBytes int) *session {
	return &session{
		infer:          infer,
		reportPartials: reportPartials,
		partialBytes:   partialBytes,
		audio:          make(chan []byte, 256),
		updates:        make(chan recognizer.Update, 64),
		finalize:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Feed queues a chunk of raw 16-bit little-endian signed PCM audio.
func (s *session) Feed(pcm []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("whisper: %w", recognizer.ErrSessionClosed)
	}
	select {
	case s.audio <- pcm:
		return nil
	case <-s.done:
		return fmt.Errorf("whisper: %w", recognizer.ErrSessionClosed)
	}
}

// Finalize runs a last inference over the accumulated utterance. The final
// update arrives on Updates before the channel closes.
func (s *session) Finalize() error {
	s.end(s.finalize)
	return nil
}

// Cancel discards the accumulated audio without a closing inference.
func (s *session) Cancel() error {
	s.end(s.done)
	return nil
}

// end closes ch exactly once across Finalize and Cancel; the first caller
// decides how the session terminates.
func (s *session) end(ch chan struct{}) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(ch)
	})
}

// Updates returns the hypothesis update stream.
func (s *session) Updates() <-chan recognizer.Update { return s.updates }

// Err returns the terminal session error, or nil for a clean completion.
// Valid only after Updates has closed.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// run is the session's only goroutine: it buffers audio, emits interim
// hypotheses on cadence, and performs the closing inference.
func (s *session) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.updates)

	var (
		buffer       []byte
		sincePartial int
	)

	for {
		select {
		case <-ctx.Done():
			// Treated like a cancel: the caller abandoned the session.
			return

		case <-s.done:
			return

		case <-s.finalize:
			// Audio accepted by Feed before Finalize may still sit in the
			// queue; fold it in so the closing inference hears everything.
			for {
				select {
				case chunk := <-s.audio:
					buffer = append(buffer, chunk...)
					continue
				default:
				}
				break
			}
			s.finish(buffer)
			return

		case chunk := <-s.audio:
			buffer = append(buffer, chunk...)
			sincePartial += len(chunk)

			if s.reportPartials && s.partialBytes > 0 && sincePartial >= s.partialBytes {
				sincePartial = 0
				// Interim hypothesis over everything heard so far. Errors
				// here are not terminal; the final inference decides.
				text, err := s.infer(ctx, buffer)
				if err == nil && text != "" {
					s.emit(recognizer.Update{Text: text})
				}
			}
		}
	}
}

// finish runs the closing inference with its own timeout, independent of the
// session context which may already be cancelled.
func (s *session) finish(buffer []byte) {
	if len(buffer) == 0 {
		return
	}

	fc, cancel := context.WithTimeout(context.Background(), finalInferTimeout)
	defer cancel()

	text, err := s.infer(fc, buffer)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		return
	}
	if text != "" {
		s.emit(recognizer.Update{Text: text, Final: true})
	}
}

// emit pushes an update without blocking; when the consumer lags the oldest
// queued hypothesis is evicted, since the newest one supersedes it.
func (s *session) emit(u recognizer.Update) {
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// Compile-time assertion that session satisfies recognizer.Handle.
var _ recognizer.Handle = (*session)(nil)

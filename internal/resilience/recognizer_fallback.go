package resilience

import (
	"context"

	"github.com/harkaudio/hark/pkg/recognizer"
)

// RecognizerFallback implements [recognizer.Provider] with automatic failover
// across multiple recognition backends. Each backend has its own circuit
// breaker, so a remote service that keeps refusing sessions is bypassed in
// favour of the configured fallbacks (typically a local model) until its
// breaker cools down.
//
// Failover happens at session open only: once a backend has accepted a
// session, the session lives and dies with that backend.
type RecognizerFallback struct {
	group *FallbackGroup[recognizer.Provider]
}

// Compile-time interface assertion.
var _ recognizer.Provider = (*RecognizerFallback)(nil)

// NewRecognizerFallback creates a [RecognizerFallback] with primary as the
// preferred backend.
func NewRecognizerFallback(primary recognizer.Provider, primaryName string, cfg FallbackConfig) *RecognizerFallback {
	return &RecognizerFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognition backend as a fallback.
func (f *RecognizerFallback) AddFallback(name string, provider recognizer.Provider) {
	f.group.AddFallback(name, provider)
}

// Open starts a recognition session against the first healthy backend. If the
// primary refuses the session, subsequent fallbacks are tried in order.
func (f *RecognizerFallback) Open(ctx context.Context, cfg recognizer.Config) (recognizer.Handle, error) {
	return ExecuteWithResult(f.group, func(p recognizer.Provider) (recognizer.Handle, error) {
		return p.Open(ctx, cfg)
	})
}

package session

// SignalKind discriminates the variants of [Signal].
type SignalKind int

const (
	// KindRMSLevel carries a loudness reading in Signal.Level.
	KindRMSLevel SignalKind = iota

	// KindTranscript carries a hypothesis update in Signal.Text.
	KindTranscript
)

// String returns the human-readable name of the kind.
func (k SignalKind) String() string {
	switch k {
	case KindRMSLevel:
		return "rms"
	case KindTranscript:
		return "transcript"
	default:
		return "unknown"
	}
}

// Signal is one event on a session's output stream: either a normalised
// loudness reading or a transcript hypothesis update. Events from the same
// source arrive in emission order; no ordering is guaranteed between the two
// sources beyond best-effort interleaving.
type Signal struct {
	// Kind selects which payload field is valid.
	Kind SignalKind

	// Level is the normalised RMS loudness in [0, 1]. Valid when Kind is
	// KindRMSLevel.
	Level float64

	// Text is the best current transcript hypothesis. Valid when Kind is
	// KindTranscript. Later values may revise earlier text.
	Text string
}

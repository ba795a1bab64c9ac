package recognizer

// Update represents a hypothesis update from a recognition backend. Each
// update carries the backend's best current transcript for the session so
// far; the text is not guaranteed to grow monotonically by suffix — later
// updates may revise earlier words.
type Update struct {
	// Text is the best current transcript hypothesis.
	Text string

	// Final indicates this is the authoritative end-of-session transcript
	// produced in response to Finalize. At most one final update is emitted
	// per session, always last.
	Final bool
}

// TaskHint tells the backend what kind of speech to optimise for.
type TaskHint int

const (
	// TaskUnspecified applies no task-specific optimisation.
	TaskUnspecified TaskHint = iota

	// TaskDictation optimises for long-form free dictation.
	TaskDictation

	// TaskSearch optimises for short search-query utterances.
	TaskSearch

	// TaskConfirmation optimises for yes/no and short command phrases.
	TaskConfirmation
)

// String returns the human-readable name of the hint.
func (t TaskHint) String() string {
	switch t {
	case TaskDictation:
		return "dictation"
	case TaskSearch:
		return "search"
	case TaskConfirmation:
		return "confirmation"
	default:
		return "unspecified"
	}
}

// Config describes the audio format and recognition hints for a new session.
// All fields must be compatible with what the underlying backend supports;
// see each provider's documentation for valid ranges.
type Config struct {
	// Locale is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the backend use its default.
	Locale string

	// SampleRate is the PCM sample rate in Hz of the audio passed to Feed.
	SampleRate int

	// Channels is the channel count of the audio passed to Feed. Most
	// backends require 1 (mono).
	Channels int

	// ReportPartials requests interim hypothesis updates before the final
	// transcript. Backends that cannot produce partials ignore this.
	ReportPartials bool

	// OnDeviceOnly forbids sending audio off the machine. Remote backends
	// must reject the session with ErrBackendUnavailable when set.
	OnDeviceOnly bool

	// Punctuation requests automatic punctuation in the transcript.
	Punctuation bool

	// TaskHint selects a backend optimisation mode.
	TaskHint TaskHint

	// ContextualTerms biases recognition vocabulary towards the listed
	// strings (names, jargon), in order of importance. Backends without a
	// vocabulary-bias API ignore this.
	ContextualTerms []string

	// CustomModel is an opaque reference (path or URI) to a custom language
	// model asset. Any preparation the asset needs is the caller's concern;
	// by the time Open is called the reference must be ready for use.
	CustomModel string
}

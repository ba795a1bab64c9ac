// Package config provides the configuration schema, loader, and backend
// registry for the hark transcription service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harkaudio/hark/pkg/recognizer"
)

// Duration is a time.Duration that unmarshals from YAML strings such as
// "750ms" or "30s". Plain integers are accepted as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("config: invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String formats d like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the hark service.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Encoding selects how captured input bytes are interpreted.
type Encoding string

const (
	// EncodingPCM treats input as raw 16-bit signed little-endian PCM.
	EncodingPCM Encoding = "pcm"

	// EncodingOpus treats input as a stream of Opus packets that are
	// decoded to PCM before metering and recognition.
	EncodingOpus Encoding = "opus"
)

// IsValid reports whether e is a recognised encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingPCM || e == EncodingOpus
}

// TaskHint selects a recognition optimisation mode.
type TaskHint string

const (
	TaskUnspecified  TaskHint = "unspecified"
	TaskDictation    TaskHint = "dictation"
	TaskSearch       TaskHint = "search"
	TaskConfirmation TaskHint = "confirmation"
)

// IsValid reports whether t is a recognised task hint.
func (t TaskHint) IsValid() bool {
	switch t {
	case TaskUnspecified, TaskDictation, TaskSearch, TaskConfirmation:
		return true
	}
	return false
}

// Hint converts t to the recognizer package's task-hint enum.
func (t TaskHint) Hint() recognizer.TaskHint {
	switch t {
	case TaskDictation:
		return recognizer.TaskDictation
	case TaskSearch:
		return recognizer.TaskSearch
	case TaskConfirmation:
		return recognizer.TaskConfirmation
	default:
		return recognizer.TaskUnspecified
	}
}

// Config is the root configuration structure for hark.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Capture    CaptureConfig    `yaml:"capture"`
	Recognizer RecognizerConfig `yaml:"recognizer"`
	Session    SessionConfig    `yaml:"session"`
}

// ServerConfig holds observability and logging settings for the service.
type ServerConfig struct {
	// MetricsAddr is the TCP address the Prometheus /metrics endpoint
	// listens on (e.g., ":9090"). Empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// CaptureConfig describes the audio input.
type CaptureConfig struct {
	// Input selects the registered capture source (e.g., "stdin").
	Input string `yaml:"input"`

	// Encoding of the input bytes.
	Encoding Encoding `yaml:"encoding"`

	// SampleRate of the input in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels of the input: 1 for mono, 2 for interleaved stereo.
	Channels int `yaml:"channels"`

	// FrameMs is the duration of one captured frame in milliseconds.
	FrameMs int `yaml:"frame_ms"`
}

// RecognizerConfig declares the recognition backend chain. Primary is tried
// first; on repeated failure the circuit breaker trips and the fallbacks take
// over in order.
type RecognizerConfig struct {
	Primary   BackendEntry   `yaml:"primary"`
	Fallbacks []BackendEntry `yaml:"fallbacks"`
	Breaker   BreakerConfig  `yaml:"breaker"`
}

// BackendEntry is the common configuration block shared by all recognition
// backends. The Name field is used to look up the constructor in the [Registry].
type BackendEntry struct {
	// Name selects the registered backend implementation
	// (e.g., "deepgram", "whisper", "whisper-native").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default endpoint.
	// Leave empty to use the backend's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the backend (e.g., "nova-2",
	// or a model file path for native whisper).
	Model string `yaml:"model"`

	// Options holds backend-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// BreakerConfig tunes the per-backend circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Zero uses the built-in default.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long a tripped breaker stays open before a probe is
	// allowed through. Zero uses the built-in default.
	Cooldown Duration `yaml:"cooldown"`
}

// SessionConfig holds the default session parameters applied to every
// transcription session the service starts.
type SessionConfig struct {
	// Locale is the BCP-47 language tag for recognition (e.g., "en-US").
	Locale string `yaml:"locale"`

	// SilenceThreshold is the normalised RMS loudness in [0, 1] below which
	// a frame counts as candidate silence.
	SilenceThreshold float64 `yaml:"silence_threshold"`

	// SilenceDuration is the sustained silence that ends a session.
	SilenceDuration Duration `yaml:"silence_duration"`

	// ReportPartials requests interim hypothesis updates.
	ReportPartials bool `yaml:"report_partials"`

	// OnDeviceOnly forbids backends that send audio off-machine.
	OnDeviceOnly bool `yaml:"on_device_only"`

	// Punctuation requests automatic punctuation in transcripts.
	Punctuation bool `yaml:"punctuation"`

	// TaskHint selects a backend optimisation mode.
	TaskHint TaskHint `yaml:"task_hint"`

	// ContextualTerms biases recognition vocabulary, in order of importance.
	ContextualTerms []string `yaml:"contextual_terms"`

	// CustomModel is an opaque reference to a custom language-model asset.
	CustomModel string `yaml:"custom_model"`
}

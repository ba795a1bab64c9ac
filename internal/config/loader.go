package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known names per registry kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"recognizer": {"deepgram", "whisper", "whisper-native", "mock"},
	"capture":    {"stdin", "mock"},
}

// Default capture and session values applied by [LoadFromReader] for fields
// left unset.
const (
	defaultSampleRate      = 16000
	defaultChannels        = 1
	defaultFrameMs         = 100
	defaultLocale          = "en-US"
	defaultThreshold       = 0.015
	defaultSilenceDuration = Duration(time.Second)
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills unset fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Capture.Input == "" {
		cfg.Capture.Input = "stdin"
	}
	if cfg.Capture.Encoding == "" {
		cfg.Capture.Encoding = EncodingPCM
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = defaultSampleRate
	}
	if cfg.Capture.Channels == 0 {
		cfg.Capture.Channels = defaultChannels
	}
	if cfg.Capture.FrameMs == 0 {
		cfg.Capture.FrameMs = defaultFrameMs
	}
	if cfg.Session.Locale == "" {
		cfg.Session.Locale = defaultLocale
	}
	if cfg.Session.SilenceThreshold == 0 {
		cfg.Session.SilenceThreshold = defaultThreshold
	}
	if cfg.Session.SilenceDuration == 0 {
		cfg.Session.SilenceDuration = defaultSilenceDuration
	}
	if cfg.Session.TaskHint == "" {
		cfg.Session.TaskHint = TaskUnspecified
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Capture
	validateName("capture", cfg.Capture.Input)
	if !cfg.Capture.Encoding.IsValid() {
		errs = append(errs, fmt.Errorf("capture.encoding %q is invalid; valid values: pcm, opus", cfg.Capture.Encoding))
	}
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must be positive", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 2]", cfg.Capture.Channels))
	}
	if cfg.Capture.FrameMs < 0 || cfg.Capture.FrameMs > 1000 {
		errs = append(errs, fmt.Errorf("capture.frame_ms %d is out of range [1, 1000]", cfg.Capture.FrameMs))
	}

	// Recognizer chain
	if cfg.Recognizer.Primary.Name == "" {
		errs = append(errs, errors.New("recognizer.primary.name is required"))
	}
	validateName("recognizer", cfg.Recognizer.Primary.Name)
	for i, fb := range cfg.Recognizer.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("recognizer.fallbacks[%d].name is required", i))
		}
		validateName("recognizer", fb.Name)
	}
	if cfg.Recognizer.Breaker.FailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("recognizer.breaker.failure_threshold %d must not be negative", cfg.Recognizer.Breaker.FailureThreshold))
	}
	if cfg.Recognizer.Breaker.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("recognizer.breaker.cooldown %v must not be negative", cfg.Recognizer.Breaker.Cooldown))
	}

	// Session defaults
	if cfg.Session.SilenceThreshold < 0 || cfg.Session.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.silence_threshold %v is out of range [0, 1]", cfg.Session.SilenceThreshold))
	}
	if cfg.Session.SilenceDuration < 0 {
		errs = append(errs, fmt.Errorf("session.silence_duration %v must not be negative", cfg.Session.SilenceDuration))
	}
	if cfg.Session.TaskHint != "" && !cfg.Session.TaskHint.IsValid() {
		errs = append(errs, fmt.Errorf("session.task_hint %q is invalid; valid values: unspecified, dictation, search, confirmation", cfg.Session.TaskHint))
	}

	// On-device constraint vs. remote backends — a mismatch is not fatal
	// here because the backend itself enforces it at open time, but it is
	// almost certainly a misconfiguration worth flagging early.
	if cfg.Session.OnDeviceOnly {
		for _, entry := range backendChain(cfg) {
			if entry.Name == "deepgram" || entry.Name == "whisper" {
				slog.Warn("session.on_device_only is set but a remote backend is configured; it will be rejected at session start",
					"backend", entry.Name,
				)
			}
		}
	}

	return errors.Join(errs...)
}

// backendChain returns the primary entry followed by the fallbacks.
func backendChain(cfg *Config) []BackendEntry {
	chain := make([]BackendEntry, 0, 1+len(cfg.Recognizer.Fallbacks))
	chain = append(chain, cfg.Recognizer.Primary)
	chain = append(chain, cfg.Recognizer.Fallbacks...)
	return chain
}

// validateName logs a warning if name is non-empty and not found in
// the [ValidBackendNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidBackendNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name — may be a typo or third-party implementation",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

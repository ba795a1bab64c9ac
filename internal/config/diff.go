package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: session defaults
// apply to the next session, and the log level applies immediately. Capture
// and recognizer changes require a restart and are not tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any session default changed. The new values
	// take effect the next time a session starts.
	SessionChanged bool
}

// HasChanges reports whether the diff contains any hot-reloadable change.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !sessionEqual(old.Session, new.Session) {
		d.SessionChanged = true
	}

	return d
}

// sessionEqual compares two session configs field by field; needed because
// SessionConfig contains a slice and is not directly comparable.
func sessionEqual(a, b SessionConfig) bool {
	return a.Locale == b.Locale &&
		a.SilenceThreshold == b.SilenceThreshold &&
		a.SilenceDuration == b.SilenceDuration &&
		a.ReportPartials == b.ReportPartials &&
		a.OnDeviceOnly == b.OnDeviceOnly &&
		a.Punctuation == b.Punctuation &&
		a.TaskHint == b.TaskHint &&
		a.CustomModel == b.CustomModel &&
		slices.Equal(a.ContextualTerms, b.ContextualTerms)
}

package config_test

import (
	"testing"
	"time"

	"github.com/harkaudio/hark/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Session: config.SessionConfig{
			Locale:           "en-US",
			SilenceThreshold: 0.02,
			SilenceDuration:  config.Duration(time.Second),
			ContextualTerms:  []string{"hark"},
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	d := config.Diff(old, new)
	if d.HasChanges() {
		t.Errorf("Diff of identical configs = %+v, want no changes", d)
	}
}

func TestDiff_LogLevelChange(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("LogLevelChanged = false, want true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if d.SessionChanged {
		t.Error("SessionChanged = true, want false")
	}
}

func TestDiff_SessionChanges(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"threshold", func(c *config.Config) { c.Session.SilenceThreshold = 0.05 }},
		{"duration", func(c *config.Config) { c.Session.SilenceDuration = config.Duration(2 * time.Second) }},
		{"locale", func(c *config.Config) { c.Session.Locale = "de-DE" }},
		{"partials", func(c *config.Config) { c.Session.ReportPartials = true }},
		{"contextual terms", func(c *config.Config) { c.Session.ContextualTerms = []string{"hark", "glyph"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !d.SessionChanged {
				t.Error("SessionChanged = false, want true")
			}
			if d.LogLevelChanged {
				t.Error("LogLevelChanged = true, want false")
			}
		})
	}
}

func TestDiff_CaptureChangeIsNotTracked(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Capture.SampleRate = 48000

	if d := config.Diff(old, new); d.HasChanges() {
		t.Errorf("Diff = %+v, want capture changes ignored", d)
	}
}

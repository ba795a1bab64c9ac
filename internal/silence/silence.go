// Package silence implements the end-of-speech edge trigger that gates a
// dictation session: a single-threshold, single-debounce hysteresis detector
// over a stream of loudness readings.
//
// The detector fires exactly once per session, on the update where the
// loudness has stayed below the threshold for the configured duration. It
// never re-arms — a fresh session gets a fresh [State].
package silence

import "time"

// State is the per-session mutable detection state. It is owned exclusively
// by the session engine for the duration of one session and must not be
// shared across goroutines.
type State struct {
	// IsSilent is true while the most recent reading was below threshold.
	IsSilent bool

	// StartedAt is the time the current below-threshold run began. Only
	// meaningful while IsSilent is true.
	StartedAt time.Time

	// Fired is true once the detector has triggered. Monotonic: it never
	// resets within a session.
	Fired bool
}

// Detector holds the tuning knobs of the end-of-speech trigger. The zero
// value never fires (Threshold 0 classifies nothing as silent).
type Detector struct {
	// Threshold is the normalised RMS loudness in [0, 1] below which a
	// reading counts as candidate silence.
	Threshold float64

	// Duration is the minimum time loudness must stay below Threshold
	// before the trigger fires.
	Duration time.Duration
}

// Update advances the detector with one loudness reading taken at now.
// It returns true exactly once per session: on the call where the sustained
// silence condition first becomes true. After firing, Update always returns
// false regardless of input.
//
// A reading at or above the threshold clears the silent flag, so a later
// below-threshold run restarts the debounce timer from scratch.
func (d Detector) Update(s *State, rms float64, now time.Time) bool {
	if rms < d.Threshold {
		if !s.IsSilent {
			s.IsSilent = true
			s.StartedAt = now
		} else if !s.Fired && now.Sub(s.StartedAt) >= d.Duration {
			s.Fired = true
			return true
		}
		return false
	}
	s.IsSilent = false
	return false
}

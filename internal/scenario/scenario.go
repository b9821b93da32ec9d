// Package scenario defines the cue/scenario data carried through a render
// job. Cues are opaque beyond timing and a few coarse complexity hints;
// style, animation, and emotion are free-form attribute bags passed
// verbatim to the renderer.
package scenario

import "errors"

// ErrInvalidCue is returned when a cue's timing is malformed.
var ErrInvalidCue = errors.New("scenario: cue end must be greater than start")

// Cue is a single timed subtitle event.
type Cue struct {
	// Start is the cue's start time in seconds, inclusive.
	Start float64
	// End is the cue's end time in seconds, exclusive. Must be > Start.
	End float64
	// Text is the subtitle text, used only for a coarse complexity hint
	// (its length) — its semantic content is opaque to the core.
	Text string
	// Style carries free-form style attributes (e.g. font family), opaque
	// beyond the CJK-font complexity hint.
	Style map[string]any
	// Animation carries free-form animation attributes, opaque beyond the
	// "type" complexity hint.
	Animation map[string]any
	// Emotion is a free-form label; only "neutral" (or empty) is treated
	// specially for complexity scoring.
	Emotion string
}

// Validate checks the cue's timing invariant.
func (c Cue) Validate() error {
	if c.End <= c.Start {
		return ErrInvalidCue
	}
	return nil
}

// Overlaps returns true if the cue's [Start, End) window overlaps
// [windowStart, windowEnd).
func (c Cue) Overlaps(windowStart, windowEnd float64) bool {
	return c.End > windowStart && c.Start < windowEnd
}

// ActiveAt returns true if the cue is active at time t (half-open window).
func (c Cue) ActiveAt(t float64) bool {
	return c.Start <= t && t < c.End
}

// Scenario is the ordered list of cues for a job, plus any top-level
// rendering metadata a caller supplied. The core treats Extra as opaque.
type Scenario struct {
	Cues  []Cue
	Extra map[string]any
}

// Duration returns the scenario's implied duration: the maximum cue end
// time, or 0 if there are no cues. Callers apply the job-level default
// (30s) and minimum (1s) themselves, since those are job-level policy,
// not a property of the scenario.
func (s Scenario) Duration() float64 {
	var maxEnd float64
	for _, c := range s.Cues {
		if c.End > maxEnd {
			maxEnd = c.End
		}
	}
	return maxEnd
}

// Validate checks every cue's timing invariant.
func (s Scenario) Validate() error {
	for _, c := range s.Cues {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Package vad implements a stateful energy-based voice-activity detector.
//
// The detector consumes PCM frames in arrival order and reports edges:
// speech start when the normalised RMS energy rises strictly above the
// configured threshold, and speech end after the energy has stayed at or
// below the threshold for a full silence window.
//
// The detector never mutates conversation state itself. It reports what the
// caller should do (emit an edge, arm or cancel the silence timer); the
// session's event loop owns the timer and feeds [Detector.SilenceElapsed]
// back in when it fires. A Detector is not safe for concurrent use; each
// session owns exactly one and drives it from its own event loop.
package vad

import (
	"fmt"
	"time"

	"github.com/voluble-ai/voluble/pkg/audio"
)

const (
	// DefaultThreshold is the normalised RMS energy above which a frame is
	// classified as speech. Energy exactly equal to the threshold counts as
	// silence.
	DefaultThreshold = 0.01

	// DefaultSilenceWindow is how long energy must stay at or below the
	// threshold before an active speech region is considered ended.
	DefaultSilenceWindow = time.Second
)

// Result reports what a processed frame implies for the caller.
type Result struct {
	// SpeechStarted is true when this frame opened a new speech region.
	SpeechStarted bool

	// ArmSilence is true when the caller should arm the silence timer for
	// the detector's window. Fires at most once per silence run.
	ArmSilence bool

	// CancelSilence is true when a previously armed silence timer should be
	// cancelled because speech resumed.
	CancelSilence bool
}

// Detector is the per-session energy detector.
type Detector struct {
	threshold float64
	window    time.Duration

	speaking     bool
	silenceArmed bool
	lastEnergy   float64
}

// New creates a Detector. Non-positive threshold or window fall back to the
// defaults.
func New(threshold float64, window time.Duration) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if window <= 0 {
		window = DefaultSilenceWindow
	}
	return &Detector{threshold: threshold, window: window}
}

// Window returns the configured silence window, for the caller to use as its
// timer duration.
func (d *Detector) Window() time.Duration { return d.window }

// Speaking reports whether the detector is currently inside a speech region.
func (d *Detector) Speaking() bool { return d.speaking }

// Process analyses one PCM frame. Empty frames are ignored without altering
// state. Frames whose length is not a multiple of 2 are rejected with an
// error wrapping [audio.ErrOddLength].
func (d *Detector) Process(frame []byte) (Result, error) {
	if len(frame) == 0 {
		return Result{}, nil
	}
	energy, err := audio.RMSEnergy(frame)
	if err != nil {
		return Result{}, fmt.Errorf("vad: %w", err)
	}
	d.lastEnergy = energy

	// Equality is below-threshold: only strictly greater energy is speech.
	if energy > d.threshold {
		var r Result
		if d.silenceArmed {
			d.silenceArmed = false
			r.CancelSilence = true
		}
		if !d.speaking {
			d.speaking = true
			r.SpeechStarted = true
		}
		return r, nil
	}

	if d.speaking && !d.silenceArmed {
		d.silenceArmed = true
		return Result{ArmSilence: true}, nil
	}
	return Result{}, nil
}

// SilenceElapsed is called by the owner when the armed silence timer fires.
// It returns true when the speech region has ended (the last observed frame
// was still at or below the threshold), false when the timer was stale.
func (d *Detector) SilenceElapsed() bool {
	if !d.speaking || !d.silenceArmed {
		return false
	}
	if d.lastEnergy > d.threshold {
		// Speech resumed after the timer was armed; stale fire.
		d.silenceArmed = false
		return false
	}
	d.speaking = false
	d.silenceArmed = false
	return true
}

// Reset clears all detection state. Used when a speech region is abandoned,
// for example after an interrupt, so stale energy history does not leak into
// the next utterance.
func (d *Detector) Reset() {
	d.speaking = false
	d.silenceArmed = false
	d.lastEnergy = 0
}

// Package vad implements energy-based voice activity detection with an
// adaptive noise floor, debounce on speech onset, and hang time on release.
package vad

import (
	"time"

	"github.com/project-unisonOS/unison-io-speech/internal/audio"
)

// State is the detector's two-state machine.
type State string

const (
	StateSilence State = "silence"
	StateSpeech  State = "speech"
)

// Transition reports a state change produced by one frame. At most one
// transition is emitted per frame.
type Transition string

const (
	TransitionNone        Transition = ""
	TransitionSpeechStart Transition = "speech_start"
	TransitionSpeechEnd   Transition = "speech_end"
)

// Config tunes the detector. Zero values take the defaults below.
type Config struct {
	// BaseThreshold is the minimum energy considered speech.
	BaseThreshold float64
	// FloorMargin scales the adaptive noise floor; speech is declared above
	// max(BaseThreshold, floor*FloorMargin).
	FloorMargin float64
	// FloorAlpha is the EMA coefficient for floor adaptation.
	FloorAlpha float64
	// DebounceFrames is how many consecutive above-threshold frames are
	// required before speech_start.
	DebounceFrames int
	// HangTime is the continuous silence required before speech_end.
	HangTime time.Duration
	// FloorHoldoff excludes frames from floor adaptation for this long after
	// a transition, so trailing speech energy does not poison the floor.
	FloorHoldoff time.Duration
	// FrameDuration converts the time-based settings into frame counts.
	FrameDuration time.Duration
}

const (
	defaultBaseThreshold = 0.01
	defaultFloorMargin   = 2.0
	defaultFloorAlpha    = 0.05
	defaultDebounce      = 2
	defaultHangTime      = 700 * time.Millisecond
	defaultFloorHoldoff  = 300 * time.Millisecond
	defaultFrameDuration = 30 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.BaseThreshold <= 0 {
		c.BaseThreshold = defaultBaseThreshold
	}
	if c.FloorMargin <= 0 {
		c.FloorMargin = defaultFloorMargin
	}
	if c.FloorAlpha <= 0 || c.FloorAlpha >= 1 {
		c.FloorAlpha = defaultFloorAlpha
	}
	if c.DebounceFrames <= 0 {
		c.DebounceFrames = defaultDebounce
	}
	if c.HangTime <= 0 {
		c.HangTime = defaultHangTime
	}
	if c.FloorHoldoff < 0 {
		c.FloorHoldoff = defaultFloorHoldoff
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = defaultFrameDuration
	}
	return c
}

// Result is returned for every frame so energy is observable even without a
// transition.
type Result struct {
	State      State
	Transition Transition
	Energy     float64
}

// Detector classifies fixed-duration frames. It is not safe for concurrent
// use; each session owns exactly one instance.
type Detector struct {
	cfg Config

	hangFrames    int
	holdoffFrames int

	state       State
	speechRun   int
	silenceRun  int
	holdoffLeft int
	floor       float64
	hasFloor    bool
}

func New(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		cfg:           cfg,
		hangFrames:    int(cfg.HangTime / cfg.FrameDuration),
		holdoffFrames: int(cfg.FloorHoldoff / cfg.FrameDuration),
		state:         StateSilence,
	}
	if d.hangFrames < 1 {
		d.hangFrames = 1
	}
	return d
}

// ProcessFrame classifies one frame, updating the rolling state. Synchronous
// and non-blocking; depends only on prior frames fed to this detector.
func (d *Detector) ProcessFrame(f audio.Frame) Result {
	energy := audio.RMSEnergy(f.PCM)

	// A sequence gap is a hard boundary: never carry Speech across it. The
	// frame itself still seeds the post-gap state below, but the forced
	// speech_end is the single transition this frame may emit.
	if f.Discontinuity && d.state == StateSpeech {
		d.state = StateSilence
		d.speechRun = 0
		d.silenceRun = 0
		d.holdoffLeft = d.holdoffFrames
		d.seedAfterBoundary(energy)
		return Result{State: StateSilence, Transition: TransitionSpeechEnd, Energy: energy}
	}
	if f.Discontinuity {
		d.speechRun = 0
		d.silenceRun = 0
	}

	isSpeech := energy > d.Threshold()
	d.adaptFloor(energy, isSpeech)

	transition := TransitionNone
	switch d.state {
	case StateSilence:
		if isSpeech {
			d.speechRun++
			if d.speechRun >= d.cfg.DebounceFrames {
				d.state = StateSpeech
				d.speechRun = 0
				d.silenceRun = 0
				d.holdoffLeft = d.holdoffFrames
				transition = TransitionSpeechStart
			}
		} else {
			d.speechRun = 0
		}
	case StateSpeech:
		if isSpeech {
			d.silenceRun = 0
		} else {
			d.silenceRun++
			if d.silenceRun >= d.hangFrames {
				d.state = StateSilence
				d.speechRun = 0
				d.silenceRun = 0
				d.holdoffLeft = d.holdoffFrames
				transition = TransitionSpeechEnd
			}
		}
	}

	return Result{State: d.state, Transition: transition, Energy: energy}
}

// Threshold reports the current effective speech threshold.
func (d *Detector) Threshold() float64 {
	t := d.cfg.BaseThreshold
	if d.hasFloor {
		if adaptive := d.floor * d.cfg.FloorMargin; adaptive > t {
			t = adaptive
		}
	}
	return t
}

// State reports the current machine state.
func (d *Detector) State() State { return d.state }

// Reset returns the detector to initial silence, dropping the learned floor.
func (d *Detector) Reset() {
	d.state = StateSilence
	d.speechRun = 0
	d.silenceRun = 0
	d.holdoffLeft = 0
	d.floor = 0
	d.hasFloor = false
}

// adaptFloor folds non-speech frames into the ambient noise estimate, except
// during the holdoff window after a transition.
func (d *Detector) adaptFloor(energy float64, isSpeech bool) {
	if d.holdoffLeft > 0 {
		d.holdoffLeft--
		return
	}
	if isSpeech {
		return
	}
	if !d.hasFloor {
		d.floor = energy
		d.hasFloor = true
		return
	}
	d.floor = d.floor + d.cfg.FloorAlpha*(energy-d.floor)
}

// seedAfterBoundary lets a loud post-gap frame count toward the next
// debounce window without emitting a second transition for this frame.
func (d *Detector) seedAfterBoundary(energy float64) {
	if energy > d.Threshold() {
		d.speechRun = 1
	}
}

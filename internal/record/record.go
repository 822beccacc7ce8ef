// Package record drives keyframe capture: while a pass is active it mutes
// the recorded targets so playback cannot fight incoming values, writes at
// most one key per target per frame, and on end restores exactly the state
// it changed.
package record

import (
	"errors"
	"log"
	"sync"
)

// Animator is the animation surface the controller drives. The rig
// implements it; host integrations provide their own.
type Animator interface {
	// CurrentFrame returns the playhead position keys are written at.
	CurrentFrame() int

	// Playing reports whether playback is running.
	Playing() bool

	// StartPlayback and StopPlayback toggle playback. The controller
	// starts playback for a pass only when it is not already running, and
	// stops only what it started.
	StartPlayback()
	StopPlayback()

	// IsMuted reports whether curve evaluation is suppressed for the
	// path. Mute and Unmute flip that flag; both may fail on paths the
	// document does not know.
	IsMuted(path string) bool
	Mute(path string) error
	Unmute(path string) error

	// SetKey writes a keyframe at the frame, replacing an existing key on
	// the same frame.
	SetKey(path string, frame int, value float64) error
}

// ErrActive reports a Begin while a recording pass is already running.
var ErrActive = errors.New("recording already active")

// Stats are cumulative counters across all recording passes.
type Stats struct {
	KeysWritten int64 `json:"keysWritten"`
	KeyErrors   int64 `json:"keyErrors"`
}

// Controller owns one recording pass at a time.
type Controller struct {
	mu   sync.Mutex
	anim Animator

	active          bool
	muted           []string
	startedPlayback bool
	lastKeyedFrame  map[string]int
	passKeys        int64
	stats           Stats
}

func NewController(anim Animator) *Controller {
	return &Controller{anim: anim}
}

// Begin starts a recording pass over the given targets. Targets already
// muted are left alone and stay muted after End; targets the document
// rejects are skipped. Playback is started if it was not running.
func (c *Controller) Begin(targets []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return ErrActive
	}

	c.muted = c.muted[:0]
	for _, target := range targets {
		if c.anim.IsMuted(target) {
			continue
		}
		if err := c.anim.Mute(target); err != nil {
			log.Printf("record: mute %s: %v", target, err)
			continue
		}
		c.muted = append(c.muted, target)
	}

	if !c.anim.Playing() {
		c.anim.StartPlayback()
		c.startedPlayback = true
	}

	c.lastKeyedFrame = make(map[string]int)
	c.passKeys = 0
	c.active = true
	log.Printf("record: pass started, muted %d of %d targets", len(c.muted), len(targets))
	return nil
}

// KeyWrite records one value for a target at the current frame. Repeated
// writes within the same frame are dropped; a failed write is counted and
// retried on the next frame.
func (c *Controller) KeyWrite(target string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}

	frame := c.anim.CurrentFrame()
	if last, ok := c.lastKeyedFrame[target]; ok && last == frame {
		return
	}
	if err := c.anim.SetKey(target, frame, value); err != nil {
		c.stats.KeyErrors++
		return
	}
	c.lastKeyedFrame[target] = frame
	c.passKeys++
	c.stats.KeysWritten++
}

// End finishes the pass: unmutes exactly the targets Begin muted and stops
// playback only if Begin started it. Idempotent.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}

	for _, target := range c.muted {
		if err := c.anim.Unmute(target); err != nil {
			log.Printf("record: unmute %s: %v", target, err)
		}
	}
	unmuted := len(c.muted)
	c.muted = nil

	if c.startedPlayback {
		c.anim.StopPlayback()
		c.startedPlayback = false
	}

	c.active = false
	c.lastKeyedFrame = nil
	log.Printf("record: pass ended, unmuted %d targets, %d keys written", unmuted, c.passKeys)
}

// Active reports whether a pass is running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// PassKeys returns the number of keys written in the current pass.
func (c *Controller) PassKeys() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.passKeys
}

// Stats returns cumulative counters across all passes.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

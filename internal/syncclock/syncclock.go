// Package syncclock implements the A/V sync clock of spec §4.D: a
// monotonic PTS reference shared by the audio and video fetchers so
// frames from both streams can be timestamped against one timeline.
//
// The three modes and the 100ms tolerance constant are ported from the
// teacher's codec_detector style of small, single-purpose state holders
// guarded by one mutex, generalized from "detect once, cache" to
// "advance, read, reconcile."
package syncclock

import (
	"sync"
	"time"
)

// Mode selects how Current derives its reference PTS.
type Mode int

const (
	// ModeNone disables reconciliation: Current always returns the last
	// value passed to UpdateAudio, and Reconcile never snaps.
	ModeNone Mode = iota
	// ModeAudioMaster treats the audio stream as the timeline: UpdateAudio
	// sets the reference directly.
	ModeAudioMaster
	// ModeSystemMaster derives the reference from monotonic wall time
	// since Start; both streams may be nudged toward it.
	ModeSystemMaster
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeAudioMaster:
		return "audio-master"
	case ModeSystemMaster:
		return "system-master"
	default:
		return "unknown"
	}
}

// Tolerance is the maximum allowed drift (spec §4.D) before a PTS is
// snapped to the clock's current reference.
const Tolerance = 100 * time.Millisecond

// Clock is the shared A/V sync reference. Zero value is not usable; use
// New.
type Clock struct {
	mode Mode

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	audioPTS  uint32
	hasAudio  bool
	rate      uint32 // PTS units per second, for system-master reconciliation against audioPTS's domain
}

// New creates a Clock in the given mode. rate is the PTS tick rate (e.g.
// sample rate for an audio-driven timeline); Reconcile uses it to convert
// Tolerance into PTS units, and ModeSystemMaster also uses it to convert
// elapsed wall time into PTS units. A rate of 0 defaults to 1000
// (millisecond PTS units).
func New(mode Mode, rate uint32) *Clock {
	if rate == 0 {
		rate = 1000
	}
	return &Clock{mode: mode, rate: rate}
}

// Mode returns the configured mode.
func (c *Clock) Mode() Mode { return c.mode }

// Start marks the clock's epoch. Safe to call once per run; subsequent
// calls before Stop are no-ops.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.startedAt = time.Now()
	c.hasAudio = false
	c.audioPTS = 0
}

// Stop marks the clock idle. Current continues to report the last
// reference value; Start begins a fresh epoch.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// Running reports whether Start has been called without a matching Stop.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// UpdateAudio reports the current audio PTS. In ModeAudioMaster and
// ModeNone this becomes the value Current returns; in ModeSystemMaster
// Current returns it only while the clock is stopped.
func (c *Clock) UpdateAudio(pts uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioPTS = pts
	c.hasAudio = true
}

// Current returns the clock's reference PTS:
//   - ModeNone / ModeAudioMaster: the last value passed to UpdateAudio.
//   - ModeSystemMaster: monotonic PTS-rate ticks elapsed since Start.
func (c *Clock) Current() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked()
}

func (c *Clock) currentLocked() uint32 {
	switch c.mode {
	case ModeSystemMaster:
		if !c.running {
			return c.audioPTS
		}
		elapsed := time.Since(c.startedAt)
		return uint32(elapsed.Seconds() * float64(c.rate))
	default:
		return c.audioPTS
	}
}

// Reconcile compares pts against the clock's current reference and
// returns the PTS to actually use along with whether it was snapped. In
// ModeNone it always passes pts through unchanged. In ModeAudioMaster and
// ModeSystemMaster, drift beyond Tolerance (converted to PTS units via
// rate) causes a snap to the reference, per spec §4.D/§4.E.
func (c *Clock) Reconcile(pts uint32) (out uint32, snapped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeNone {
		return pts, false
	}
	ref := c.currentLocked()
	tolUnits := uint32(Tolerance.Seconds() * float64(c.rate))
	var drift uint32
	if pts > ref {
		drift = pts - ref
	} else {
		drift = ref - pts
	}
	if drift > tolUnits {
		return ref, true
	}
	return pts, false
}

// ShouldDropVideo implements the system-master "future frame" rule from
// spec §4.E step 4: an encoded video frame whose PTS is ahead of the
// clock is dropped (released back to its source) rather than snapped.
func (c *Clock) ShouldDropVideo(pts uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode != ModeSystemMaster {
		return false
	}
	ref := c.currentLocked()
	return pts > ref
}

package timectrl

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/weathermap/core"
)

// ErrInvalidSpeed is returned for a non-positive playback speed.
var ErrInvalidSpeed = errors.New("playback speed must be positive")

// Player auto-advances a Timeline. After each forward step it re-arms the
// scheduler's Playback slot at one second divided by the speed, until
// stopped. It is driven from the loop that consumes the scheduler's events
// and is not safe for concurrent use.
type Player struct {
	timeline *Timeline
	updater  Updater
	sched    *Scheduler

	speed   float64
	playing bool
}

// NewPlayer binds a timeline, the updater frames are applied to, and the
// scheduler that paces playback. Speed starts at 1.
func NewPlayer(tl *Timeline, u Updater, sched *Scheduler) *Player {
	return &Player{timeline: tl, updater: u, sched: sched, speed: 1}
}

// Speed returns the playback multiplier.
func (p *Player) Speed() float64 { return p.speed }

// SetSpeed changes the multiplier; a pending step is re-armed at the new
// interval.
func (p *Player) SetSpeed(speed float64) error {
	if speed <= 0 {
		return ErrInvalidSpeed
	}
	p.speed = speed
	if p.playing {
		p.sched.Schedule(Playback, p.Interval())
	}
	return nil
}

// Interval is the delay between automatic steps.
func (p *Player) Interval() time.Duration {
	return time.Duration(float64(time.Second) / p.speed)
}

// Playing reports whether auto-play is on.
func (p *Player) Playing() bool { return p.playing }

// Play starts auto-play.
func (p *Player) Play() {
	if p.playing {
		return
	}
	p.playing = true
	p.sched.Schedule(Playback, p.Interval())
}

// Stop halts auto-play and invalidates the pending step.
func (p *Player) Stop() {
	p.playing = false
	p.sched.Cancel(Playback)
}

// Toggle flips between playing and stopped.
func (p *Player) Toggle() {
	if p.playing {
		p.Stop()
		return
	}
	p.Play()
}

// Handle consumes a scheduler event. It steps forward and re-arms when ev is
// a current Playback event while playing; otherwise it reports false.
func (p *Player) Handle(ctx context.Context, ev Event) (core.UpdateResult, bool) {
	if ev.Kind != Playback || !p.playing || !p.sched.Valid(ev) {
		return core.UpdateResult{}, false
	}
	res := p.timeline.Step(ctx, p.updater, 1)
	p.sched.Schedule(Playback, p.Interval())
	return res, true
}

// Step moves manually; auto-play keeps its cadence from this frame.
func (p *Player) Step(ctx context.Context, delta int) core.UpdateResult {
	res := p.timeline.Step(ctx, p.updater, delta)
	if p.playing {
		p.sched.Schedule(Playback, p.Interval())
	}
	return res
}

// Timeline returns the bound timeline.
func (p *Player) Timeline() *Timeline { return p.timeline }

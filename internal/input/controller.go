// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package input

import (
	"log"
	"sync"
	"time"

	"github.com/relabs-tech/gps_remote/internal/gps"
)

const (
	// DiscreteStep is the per-tick move of a held pad button, in degrees.
	DiscreteStep     = 0.0005
	DiscreteInterval = 200 * time.Millisecond
	// ContinuousStep is scaled by the stick deflection on every tick.
	ContinuousStep     = 0.001
	ContinuousInterval = 150 * time.Millisecond
)

// Scheduler runs fn every interval until cancel is called. cancel must be
// safe to call more than once.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// TickerScheduler is the time.Ticker backed Scheduler.
type TickerScheduler struct{}

func (TickerScheduler) Every(interval time.Duration, fn func()) func() {
	ticker := time.NewTicker(interval)
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() { once.Do(func() { close(stop) }) }
}

// Emitter receives every new position; router.Router.Send in production.
// It is called with the controller locked and must not call back into it.
type Emitter func(gps.Position) error

// Config configures a Controller.
type Config struct {
	Name      string // log prefix
	Step      float64
	Interval  time.Duration
	Start     gps.Position
	Scheduler Scheduler
	Now       func() time.Time
	// Ready gates the start of emission (e.g. transport connected). nil
	// means always ready.
	Ready func() bool
}

// Status is a snapshot of a Controller.
type Status struct {
	Active    bool         `json:"active"`
	Position  gps.Position `json:"position"`
	Emitted   uint64       `json:"emitted"`
	StoppedAt time.Time    `json:"stopped_at"`
	LastError string       `json:"last_error,omitempty"`
}

// Controller turns a Source into a paced stream of positions.
//
// Idle -> Active when the source becomes active: the first position is
// emitted immediately and the scheduler is started. Every tick samples the
// current vector and moves the position by vector * Step (clamped, rounded to
// 6 decimals). Active -> Idle when the source returns to rest, or on
// EmergencyStop, which cancels the timer whatever the source reports.
type Controller struct {
	src  Source
	emit Emitter
	cfg  Config

	mu        sync.Mutex
	pos       gps.Position
	active    bool
	closed    bool
	cancel    func()
	gen       uint64 // bumped on every start/stop; stale ticks compare against it
	emitted   uint64
	lastTS    int64
	stoppedAt time.Time
	lastErr   error
}

// NewController creates an idle controller positioned at cfg.Start.
func NewController(src Source, emit Emitter, cfg Config) *Controller {
	if cfg.Scheduler == nil {
		cfg.Scheduler = TickerScheduler{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DiscreteInterval
	}
	if cfg.Name == "" {
		cfg.Name = "input"
	}
	return &Controller{src: src, emit: emit, cfg: cfg, pos: cfg.Start.Rounded()}
}

// Source returns the input this controller samples.
func (c *Controller) Source() Source {
	return c.src
}

// Update re-evaluates the source after an input event (press, release,
// drag). It starts or stops emission as needed.
func (c *Controller) Update() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	active := c.src.Active()
	switch {
	case active && !c.active:
		if c.cfg.Ready != nil && !c.cfg.Ready() {
			log.Printf("%s: transport not ready, ignoring input", c.cfg.Name)
			return
		}
		c.active = true
		c.gen++
		gen := c.gen
		c.stepLocked()
		c.cancel = c.cfg.Scheduler.Every(c.cfg.Interval, func() { c.tick(gen) })
		log.Printf("%s: started", c.cfg.Name)
	case !active && c.active:
		c.stopLocked("released")
	}
}

func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.active {
		return
	}
	if !c.src.Active() {
		c.stopLocked("released")
		return
	}
	c.stepLocked()
}

func (c *Controller) stepLocked() {
	v := c.src.Sample()
	if v.IsZero() {
		// opposing buttons held
		return
	}

	next := c.pos.Offset(v.Y*c.cfg.Step, v.X*c.cfg.Step)
	next.TimestampMillis = c.timestampLocked()
	c.pos = next
	c.emitted++

	if err := c.emit(next); err != nil {
		c.lastErr = err
		log.Printf("%s: emit %v failed: %v", c.cfg.Name, next, err)
	}
}

// timestampLocked returns the current time in ms, forced strictly increasing.
func (c *Controller) timestampLocked() int64 {
	ts := c.cfg.Now().UnixMilli()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return ts
}

func (c *Controller) stopLocked(reason string) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	wasActive := c.active
	c.active = false
	c.stoppedAt = c.cfg.Now()
	if wasActive {
		log.Printf("%s: stopped (%s) at %v after %d commands", c.cfg.Name, reason, c.pos, c.emitted)
	} else {
		log.Printf("%s: stop (%s)", c.cfg.Name, reason)
	}
}

// EmergencyStop releases the source and cancels the emission timer even if
// no release was observed.
func (c *Controller) EmergencyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.src.Reset()
	c.stopLocked("emergency stop")
}

// Close stops emission for good; later input events are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.src.Reset()
	c.stopLocked("closed")
}

// Position returns the current remote-simulated position.
func (c *Controller) Position() gps.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pos
}

// SetPosition moves the controller to p without emitting. It is used to hand
// the position over between controllers sharing one remote.
func (c *Controller) SetPosition(p gps.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = p.Rounded()
	if p.TimestampMillis > c.lastTS {
		c.lastTS = p.TimestampMillis
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Active:    c.active,
		Position:  c.pos,
		Emitted:   c.emitted,
		StoppedAt: c.stoppedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

package input

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Vector is a normalized control input. X maps to longitude (right is
// positive), Y maps to latitude (up/forward is positive).
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vector) IsZero() bool {
	return v.X == 0 && v.Y == 0
}

func (v Vector) Magnitude() float64 {
	return math.Hypot(v.X, v.Y)
}

// Clamp limits v to the unit disk, keeping its direction. Non-finite input
// collapses to zero.
func (v Vector) Clamp() Vector {
	if math.IsNaN(v.X) || math.IsNaN(v.Y) || math.IsInf(v.X, 0) || math.IsInf(v.Y, 0) {
		return Vector{}
	}
	if m := v.Magnitude(); m > 1 {
		return Vector{X: v.X / m, Y: v.Y / m}
	}
	return v
}

// Source is a control input that can be sampled on every emission tick.
// Pad and Stick are the two implementations.
type Source interface {
	// Sample returns the current input vector.
	Sample() Vector
	// Active reports whether the input is held away from rest.
	Active() bool
	// Reset forces the input back to rest.
	Reset()
}

// Direction is one of the four discrete pad buttons.
type Direction int

const (
	Up Direction = iota
	Down
	Left
	Right
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// ParseDirection accepts up/forward, down/back, left and right, any case.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up", "forward":
		return Up, nil
	case "down", "back", "backward":
		return Down, nil
	case "left":
		return Left, nil
	case "right":
		return Right, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Pad is a four-button directional input with press/hold semantics: each
// button contributes a unit step for as long as it is held.
type Pad struct {
	mu      sync.Mutex
	pressed [4]bool
}

func NewPad() *Pad {
	return &Pad{}
}

func (p *Pad) Press(d Direction) {
	p.set(d, true)
}

func (p *Pad) Release(d Direction) {
	p.set(d, false)
}

func (p *Pad) set(d Direction, down bool) {
	if d < Up || d > Right {
		return
	}
	p.mu.Lock()
	p.pressed[d] = down
	p.mu.Unlock()
}

func (p *Pad) Sample() Vector {
	p.mu.Lock()
	defer p.mu.Unlock()
	var v Vector
	if p.pressed[Up] {
		v.Y++
	}
	if p.pressed[Down] {
		v.Y--
	}
	if p.pressed[Right] {
		v.X++
	}
	if p.pressed[Left] {
		v.X--
	}
	return v
}

func (p *Pad) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pressed[Up] || p.pressed[Down] || p.pressed[Left] || p.pressed[Right]
}

func (p *Pad) Reset() {
	p.mu.Lock()
	p.pressed = [4]bool{}
	p.mu.Unlock()
}

// Stick is an analog joystick: a drag vector clamped to the unit disk.
type Stick struct {
	mu sync.Mutex
	v  Vector
}

func NewStick() *Stick {
	return &Stick{}
}

// Move sets the stick deflection; magnitudes above 1 are clamped.
func (s *Stick) Move(x, y float64) {
	v := Vector{X: x, Y: y}.Clamp()
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

// Release returns the stick to the center.
func (s *Stick) Release() {
	s.Reset()
}

func (s *Stick) Sample() Vector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

func (s *Stick) Active() bool {
	return !s.Sample().IsZero()
}

func (s *Stick) Reset() {
	s.mu.Lock()
	s.v = Vector{}
	s.mu.Unlock()
}

// StickFromPixels converts a screen drag offset from the stick's center into
// a Vector. Screen y grows downwards, so it is inverted. Offsets beyond
// maxDisplacement are pinned to the rim.
func StickFromPixels(dx, dy, maxDisplacement float64) Vector {
	if maxDisplacement <= 0 {
		return Vector{}
	}
	return Vector{X: dx / maxDisplacement, Y: -dy / maxDisplacement}.Clamp()
}

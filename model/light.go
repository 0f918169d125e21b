package model

// LightState is the state of a single traffic light.
type LightState int

const (
	// Red is the default state; the road must wait.
	Red LightState = iota
	// Green grants the road the right of way.
	Green
)

func (s LightState) String() string {
	switch s {
	case Green:
		return "GREEN"
	default:
		return "RED"
	}
}

// TrafficLight is a two-state device. It is not safe for concurrent use; the
// owning Intersection mutates it only while holding its lock.
type TrafficLight struct {
	state LightState
}

// SetGreen switches the light to GREEN.
func (l *TrafficLight) SetGreen() { l.state = Green }

// SetRed switches the light to RED.
func (l *TrafficLight) SetRed() { l.state = Red }

// IsGreen reports whether the light is GREEN.
func (l *TrafficLight) IsGreen() bool { return l.state == Green }

// State returns the current light state.
func (l *TrafficLight) State() LightState { return l.state }

package shutter

import (
	"math"
	"time"
)

const (
	ShutterOpenState    = "open"
	ShutterClosedState  = "closed"
	ShutterOpeningState = "opening"
	ShutterClosingState = "closing"
)

const (
	FullOpenPosition  = 100
	FullClosePosition = 0
)

type MotionState int

const (
	Stopped MotionState = iota
	Opening
	Closing
)

func (m MotionState) String() string {
	switch m {
	case Opening:
		return "OPENING"
	case Closing:
		return "CLOSING"
	}
	return "STOPPED"
}

// Config is the travel time calibration of one shutter.
type Config struct {
	ID            string
	FullOpenTime  time.Duration
	FullCloseTime time.Duration
}

// TravelTime returns the full stroke duration for the given direction.
func (c Config) TravelTime(m MotionState) time.Duration {
	if m == Opening {
		return c.FullOpenTime
	}
	return c.FullCloseTime
}

// State is a snapshot of a shutter's estimated position. 0 is closed, 100 open.
type State struct {
	Position float64
	Motion   MotionState
}

func (s State) Moving() bool {
	return s.Motion != Stopped
}

// HAState returns the Home Assistant cover state.
func (s State) HAState() string {
	switch s.Motion {
	case Opening:
		return ShutterOpeningState
	case Closing:
		return ShutterClosingState
	}
	if s.Position > FullClosePosition {
		return ShutterOpenState
	}
	return ShutterClosedState
}

// HAPosition returns the position rounded to a whole percent.
func (s State) HAPosition() int {
	p := int(math.Round(s.Position))
	if p < FullClosePosition {
		return FullClosePosition
	}
	if p > FullOpenPosition {
		return FullOpenPosition
	}
	return p
}

// Publisher receives every state change. Implementations must not block.
type Publisher interface {
	PublishState(id string, state string, position int)
}

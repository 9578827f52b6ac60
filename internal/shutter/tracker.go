package shutter

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jkaflik/enocean2mqtt/internal/metrics"
	"github.com/sirupsen/logrus"
)

// snapMargin is how close to an end stop a stopped shutter gets snapped to it.
const snapMargin = 1.0

type motion struct {
	position      float64
	state         MotionState
	startedAt     time.Time
	startPosition float64
	target        *float64
	travelTime    time.Duration
}

// Tracker estimates shutter positions from motor run time. The radio
// actuators report no absolute position, only that they started or stopped.
//
// Tracker is not safe for concurrent use; it is owned by a single goroutine.
type Tracker struct {
	shutters map[string]*motion
	configs  map[string]Config

	store     Store
	publisher Publisher
	now       func() time.Time
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

func NewTracker(store Store, publisher Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		shutters:  map[string]*motion{},
		configs:   map[string]Config{},
		store:     store,
		publisher: publisher,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) Register(cfg Config) {
	t.configs[cfg.ID] = cfg
	if _, ok := t.shutters[cfg.ID]; !ok {
		t.shutters[cfg.ID] = &motion{}
	}
}

// Load seeds registered shutters with their persisted positions.
func (t *Tracker) Load() {
	positions, err := t.store.Load()
	if err != nil {
		logrus.Errorf("positions load failed, starting from 0: %s", err)
		return
	}

	for id, pos := range positions {
		m, ok := t.shutters[id]
		if !ok {
			continue
		}
		m.position = clamp(pos)
		logrus.Infof("%s: restored position %.1f%%", id, m.position)
	}
}

// Save persists every shutter's current position. Failures are only logged.
func (t *Tracker) Save() {
	positions := make(map[string]float64, len(t.shutters))
	for id, m := range t.shutters {
		positions[id] = m.position
	}

	if err := t.store.Save(positions); err != nil {
		logrus.Errorf("positions save failed: %s", err)
	}
}

// State interpolates the shutter's position up to now and returns a snapshot.
func (t *Tracker) State(id string) (State, bool) {
	m, ok := t.shutters[id]
	if !ok {
		return State{}, false
	}
	t.interpolate(m)

	return State{Position: m.position, Motion: m.state}, true
}

// Target returns the target of a partial move in flight.
func (t *Tracker) Target(id string) (float64, bool) {
	m, ok := t.shutters[id]
	if !ok || m.target == nil {
		return 0, false
	}
	return *m.target, true
}

// Moving returns the ids of all moving shutters, sorted.
func (t *Tracker) Moving() []string {
	var ids []string
	for id, m := range t.shutters {
		if m.state != Stopped {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// StartMoving records that a shutter started moving. A nil target means
// the shutter runs to its end stop.
func (t *Tracker) StartMoving(id string, direction MotionState, target *float64) {
	m, ok := t.shutters[id]
	if !ok || direction == Stopped {
		logrus.Warnf("%s: unknown shutter or invalid direction %s", id, direction)
		return
	}

	t.interpolate(m)

	m.state = direction
	m.startedAt = t.now()
	m.startPosition = m.position
	m.travelTime = t.configs[id].TravelTime(direction)
	m.target = nil
	if target != nil {
		v := *target
		m.target = &v
	}

	logrus.Infof("%s: %s from %.1f%% (target %s)", id, direction, m.position, formatTarget(m.target))
	t.notify(id, m)
}

// Stop records that a shutter stopped and persists its position.
func (t *Tracker) Stop(id string) {
	m, ok := t.shutters[id]
	if !ok {
		return
	}

	t.interpolate(m)
	m.state = Stopped
	m.target = nil

	if m.position < FullClosePosition+snapMargin {
		m.position = FullClosePosition
	} else if m.position > FullOpenPosition-snapMargin {
		m.position = FullOpenPosition
	}

	logrus.Infof("%s: stopped at %.1f%%", id, m.position)
	t.Save()
	t.notify(id, m)
}

// CheckTargets advances every moving shutter. Shutters that ran into an end
// stop are stopped locally, the actuator already stopped on its own. The ids
// of shutters that reached their target are returned; the caller has to
// send the actuator a STOP and then call Stop.
func (t *Tracker) CheckTargets() []string {
	var reached []string

	ids := t.Moving()
	for _, id := range ids {
		m := t.shutters[id]
		t.interpolate(m)

		if (m.state == Closing && m.position <= FullClosePosition) ||
			(m.state == Opening && m.position >= FullOpenPosition) {
			logrus.Infof("%s: end stop reached", id)
			m.state = Stopped
			m.target = nil
			t.Save()
			t.notify(id, m)
			continue
		}

		if m.target == nil {
			continue
		}

		target := *m.target
		if (m.state == Opening && m.position >= target) ||
			(m.state == Closing && m.position <= target) {
			logrus.Infof("%s: target %.0f%% reached", id, target)
			m.position = target
			m.startPosition = target
			m.startedAt = t.now()
			m.target = nil
			reached = append(reached, id)
		}
	}

	return reached
}

// Publish sends the shutter's current state to the publisher.
func (t *Tracker) Publish(id string) {
	m, ok := t.shutters[id]
	if !ok {
		return
	}
	t.interpolate(m)
	t.notify(id, m)
}

func (t *Tracker) interpolate(m *motion) {
	if m.state == Stopped {
		return
	}

	delta := 100.0
	if m.travelTime > 0 {
		elapsed := t.now().Sub(m.startedAt)
		delta = elapsed.Seconds() / m.travelTime.Seconds() * 100
	}

	if m.state == Opening {
		m.position = clamp(m.startPosition + delta)
	} else {
		m.position = clamp(m.startPosition - delta)
	}
}

func (t *Tracker) notify(id string, m *motion) {
	metrics.Position.WithLabelValues(id).Set(m.position)

	if t.publisher == nil {
		return
	}
	s := State{Position: m.position, Motion: m.state}
	t.publisher.PublishState(id, s.HAState(), s.HAPosition())
}

func clamp(p float64) float64 {
	return math.Max(FullClosePosition, math.Min(FullOpenPosition, p))
}

func formatTarget(target *float64) string {
	if target == nil {
		return "end"
	}
	return fmt.Sprintf("%.0f%%", *target)
}

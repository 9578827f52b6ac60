package shutter

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) set(seconds float64) {
	c.t = time.Unix(0, 0).Add(time.Duration(seconds * float64(time.Second)))
}

type memoryStore struct {
	positions map[string]float64
	saves     int
	err       error
}

func (s *memoryStore) Load() (map[string]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]float64{}
	for k, v := range s.positions {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) Save(positions map[string]float64) error {
	s.saves++
	if s.err != nil {
		return s.err
	}
	s.positions = positions
	return nil
}

type update struct {
	id       string
	state    string
	position int
}

type recorder struct {
	updates []update
}

func (r *recorder) PublishState(id string, state string, position int) {
	r.updates = append(r.updates, update{id, state, position})
}

func (r *recorder) last() update {
	return r.updates[len(r.updates)-1]
}

func newTestTracker(t *testing.T) (*Tracker, *fakeClock, *memoryStore, *recorder) {
	t.Helper()

	clock := &fakeClock{}
	clock.set(1000)
	store := &memoryStore{}
	rec := &recorder{}

	tracker := NewTracker(store, rec, WithClock(clock.now))
	tracker.Register(Config{ID: "test1", FullOpenTime: 18 * time.Second, FullCloseTime: 20 * time.Second})

	return tracker, clock, store, rec
}

func target(v float64) *float64 {
	return &v
}

func TestTrackerInitialState(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)

	state, ok := tracker.State("test1")
	require.True(t, ok)
	assert.Equal(t, 0.0, state.Position)
	assert.Equal(t, Stopped, state.Motion)

	_, ok = tracker.State("nonexistent")
	assert.False(t, ok)
}

func TestTrackerInterpolation(t *testing.T) {
	t.Run("opening for half the open time is about 50", func(t *testing.T) {
		tracker, clock, _, _ := newTestTracker(t)

		tracker.StartMoving("test1", Opening, nil)
		clock.set(1009)

		state, _ := tracker.State("test1")
		assert.Equal(t, Opening, state.Motion)
		assert.InDelta(t, 50, state.Position, 1)
	})

	t.Run("closing for half the close time is about 50", func(t *testing.T) {
		tracker, clock, store, _ := newTestTracker(t)
		store.positions = map[string]float64{"test1": 100}
		tracker.Load()

		tracker.StartMoving("test1", Closing, nil)
		clock.set(1010)

		state, _ := tracker.State("test1")
		assert.Equal(t, Closing, state.Motion)
		assert.InDelta(t, 50, state.Position, 1)
	})

	t.Run("overshoot never escapes the bounds", func(t *testing.T) {
		tracker, clock, _, _ := newTestTracker(t)

		tracker.StartMoving("test1", Opening, nil)
		clock.set(5000)
		state, _ := tracker.State("test1")
		assert.Equal(t, 100.0, state.Position)

		tracker.StartMoving("test1", Closing, nil)
		clock.set(9000)
		state, _ = tracker.State("test1")
		assert.Equal(t, 0.0, state.Position)
	})

	t.Run("direction change keeps travelled distance", func(t *testing.T) {
		tracker, clock, _, _ := newTestTracker(t)

		tracker.StartMoving("test1", Opening, nil)
		clock.set(1009)
		tracker.StartMoving("test1", Closing, nil)
		clock.set(1014)

		state, _ := tracker.State("test1")
		assert.InDelta(t, 25, state.Position, 0.01)
	})
}

func TestTrackerStop(t *testing.T) {
	t.Run("start then stop without elapsed time leaves position unchanged", func(t *testing.T) {
		tracker, _, store, _ := newTestTracker(t)
		store.positions = map[string]float64{"test1": 37.5}
		tracker.Load()

		tracker.StartMoving("test1", Opening, nil)
		tracker.Stop("test1")

		state, _ := tracker.State("test1")
		assert.Equal(t, 37.5, state.Position)
		assert.Equal(t, Stopped, state.Motion)
	})

	t.Run("snaps near end stops", func(t *testing.T) {
		tracker, clock, _, _ := newTestTracker(t)

		tracker.StartMoving("test1", Opening, nil)
		clock.set(1000 + 18*0.995)
		tracker.Stop("test1")

		state, _ := tracker.State("test1")
		assert.Equal(t, 100.0, state.Position)
	})

	t.Run("persists and notifies", func(t *testing.T) {
		tracker, clock, store, rec := newTestTracker(t)

		tracker.StartMoving("test1", Opening, target(60))
		assert.Equal(t, update{"test1", ShutterOpeningState, 0}, rec.last())

		clock.set(1009)
		tracker.Stop("test1")

		assert.Equal(t, 1, store.saves)
		assert.InDelta(t, 50, store.positions["test1"], 0.01)
		assert.Equal(t, update{"test1", ShutterOpenState, 50}, rec.last())

		_, ok := tracker.Target("test1")
		assert.False(t, ok)
	})
}

func TestTrackerCheckTargets(t *testing.T) {
	t.Run("scenario from 0 to 50", func(t *testing.T) {
		tracker, clock, _, _ := newTestTracker(t)

		tracker.StartMoving("test1", Opening, target(50))
		clock.set(1009)

		assert.Equal(t, []string{"test1"}, tracker.CheckTargets())
	})

	t.Run("never before the target is crossed", func(t *testing.T) {
		tracker, clock, _, _ := newTestTracker(t)

		tracker.StartMoving("test1", Opening, target(50))
		clock.set(1008.9)
		assert.Empty(t, tracker.CheckTargets())

		clock.set(1009.1)
		assert.Equal(t, []string{"test1"}, tracker.CheckTargets())

		state, _ := tracker.State("test1")
		assert.Equal(t, 50.0, state.Position)
	})

	t.Run("reported exactly once", func(t *testing.T) {
		tracker, clock, _, _ := newTestTracker(t)

		tracker.StartMoving("test1", Opening, target(50))
		clock.set(1010)
		assert.Len(t, tracker.CheckTargets(), 1)
		assert.Empty(t, tracker.CheckTargets())

		tracker.Stop("test1")
		state, _ := tracker.State("test1")
		assert.Equal(t, 50.0, state.Position)
	})

	t.Run("closing target", func(t *testing.T) {
		tracker, clock, store, _ := newTestTracker(t)
		store.positions = map[string]float64{"test1": 80}
		tracker.Load()

		tracker.StartMoving("test1", Closing, target(30))
		clock.set(1009.9)
		assert.Empty(t, tracker.CheckTargets())
		clock.set(1010.1)
		assert.Equal(t, []string{"test1"}, tracker.CheckTargets())
	})

	t.Run("end stop stops locally", func(t *testing.T) {
		tracker, clock, store, rec := newTestTracker(t)

		tracker.StartMoving("test1", Opening, nil)
		clock.set(1020)

		assert.Empty(t, tracker.CheckTargets())
		state, _ := tracker.State("test1")
		assert.Equal(t, Stopped, state.Motion)
		assert.Equal(t, 100.0, state.Position)
		assert.Equal(t, 1, store.saves)
		assert.Equal(t, update{"test1", ShutterOpenState, 100}, rec.last())
		assert.Empty(t, tracker.Moving())
	})
}

func TestTrackerPersistence(t *testing.T) {
	t.Run("save then load round-trip", func(t *testing.T) {
		store := &FileStore{Path: filepath.Join(t.TempDir(), "positions.json")}

		first := NewTracker(store, nil)
		first.Register(Config{ID: "s1", FullOpenTime: time.Second, FullCloseTime: time.Second})
		first.shutters["s1"].position = 42.5
		first.Save()

		second := NewTracker(store, nil)
		second.Register(Config{ID: "s1", FullOpenTime: time.Second, FullCloseTime: time.Second})
		second.Load()

		state, _ := second.State("s1")
		assert.Equal(t, 42.5, state.Position)
	})

	t.Run("missing file defaults to 0", func(t *testing.T) {
		store := &FileStore{Path: filepath.Join(t.TempDir(), "missing.json")}
		tracker := NewTracker(store, nil)
		tracker.Register(Config{ID: "s1", FullOpenTime: time.Second, FullCloseTime: time.Second})
		tracker.Load()

		state, _ := tracker.State("s1")
		assert.Equal(t, 0.0, state.Position)
	})

	t.Run("store errors are not fatal", func(t *testing.T) {
		tracker, _, store, _ := newTestTracker(t)
		store.err = errors.New("disk full")

		tracker.Load()
		tracker.StartMoving("test1", Opening, nil)
		tracker.Stop("test1")

		state, _ := tracker.State("test1")
		assert.Equal(t, Stopped, state.Motion)
	})
}

func TestStateView(t *testing.T) {
	assert.Equal(t, ShutterOpeningState, State{Position: 10, Motion: Opening}.HAState())
	assert.Equal(t, ShutterClosingState, State{Position: 10, Motion: Closing}.HAState())
	assert.Equal(t, ShutterOpenState, State{Position: 0.2}.HAState())
	assert.Equal(t, ShutterClosedState, State{Position: 0}.HAState())

	assert.Equal(t, 43, State{Position: 42.5}.HAPosition())
	assert.Equal(t, 42, State{Position: 42.4}.HAPosition())
	assert.Equal(t, 100, State{Position: 100}.HAPosition())
}

package controller

import (
	"math"
	"strings"
	"time"

	"github.com/jkaflik/enocean2mqtt/internal/enocean"
	"github.com/jkaflik/enocean2mqtt/internal/metrics"
	"github.com/jkaflik/enocean2mqtt/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	CommandOpen  = "OPEN"
	CommandClose = "CLOSE"
	CommandStop  = "STOP"
)

const (
	DefaultAckTimeout = 5 * time.Second
	DefaultDeadZone   = 2.0
)

// Radio sends telegrams through the gateway.
type Radio interface {
	BaseID() enocean.Address
	Send(p enocean.Packet) error
}

// pendingCommand is a move command not yet confirmed by the actuator.
type pendingCommand struct {
	command string
	sentAt  time.Time
	retried bool
}

// Controller maps MQTT commands and radio status telegrams onto the
// actuators and the position tracker. It is not safe for concurrent use,
// Loop serializes all calls.
type Controller struct {
	registry *Registry
	radio    Radio
	tracker  *shutter.Tracker
	pending  map[string]*pendingCommand

	now        func() time.Time
	ackTimeout time.Duration
	deadZone   float64
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithAckTimeout sets how long a move command waits for the actuator's confirmation.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}

// WithDeadZone sets the smallest position change SetPosition acts on.
func WithDeadZone(points float64) Option {
	return func(c *Controller) {
		if points >= 0 {
			c.deadZone = points
		}
	}
}

func New(registry *Registry, radio Radio, tracker *shutter.Tracker, opts ...Option) *Controller {
	c := &Controller{
		registry:   registry,
		radio:      radio,
		tracker:    tracker,
		pending:    map[string]*pendingCommand{},
		now:        time.Now,
		ackTimeout: DefaultAckTimeout,
		deadZone:   DefaultDeadZone,
	}
	for _, opt := range opts {
		opt(c)
	}

	for _, d := range registry.Shutters() {
		tracker.Register(d.Tracker)
	}

	return c
}

// Command handles OPEN, CLOSE and STOP for a shutter.
func (c *Controller) Command(key string, command string) error {
	d, ok := c.registry.Shutter(key)
	if !ok {
		return errors.Errorf("%s: unknown shutter", key)
	}

	command = strings.ToUpper(strings.TrimSpace(command))
	switch command {
	case CommandOpen, CommandClose:
		err := c.move(d, command)
		c.pending[key] = &pendingCommand{command: command, sentAt: c.now()}
		return err
	case CommandStop:
		delete(c.pending, key)
		return c.stop(d)
	}

	return errors.Errorf("%s: unsupported command %q", d.Name, command)
}

func (c *Controller) move(d *Device, command string) error {
	logrus.Infof("%s: %s", d.Name, strings.ToLower(command))

	motion, dir := shutter.Opening, enocean.DirectionUp
	if command == CommandClose {
		motion, dir = shutter.Closing, enocean.DirectionDown
	}

	err := c.send(d, command, dir, d.Tracker.TravelTime(motion).Seconds())
	c.tracker.StartMoving(d.Key, motion, nil)
	return err
}

func (c *Controller) stop(d *Device) error {
	logrus.Infof("%s: stop", d.Name)

	err := c.send(d, CommandStop, enocean.DirectionStop, 0)
	c.tracker.Stop(d.Key)
	return err
}

// SetPosition drives a shutter to target percent (0 closed, 100 open).
func (c *Controller) SetPosition(key string, target int) error {
	d, ok := c.registry.Shutter(key)
	if !ok {
		return errors.Errorf("%s: unknown shutter", key)
	}

	if target < shutter.FullClosePosition {
		target = shutter.FullClosePosition
	}
	if target > shutter.FullOpenPosition {
		target = shutter.FullOpenPosition
	}

	state, _ := c.tracker.State(key)
	delta := float64(target) - state.Position
	if math.Abs(delta) < c.deadZone {
		logrus.Debugf("%s: already at %.1f%%, target %d%% ignored", d.Name, state.Position, target)
		return nil
	}

	motion, dir := shutter.Opening, enocean.DirectionUp
	if delta < 0 {
		motion, dir = shutter.Closing, enocean.DirectionDown
	}

	// The partial move supersedes an unconfirmed OPEN/CLOSE, whose retry
	// would drive to the end stop.
	delete(c.pending, key)

	seconds := math.Abs(delta) / 100 * d.Tracker.TravelTime(motion).Seconds()
	logrus.Infof("%s: set position to %d%% (%s for %.1fs)", d.Name, target, motion, seconds)

	err := c.send(d, "SET_POSITION", dir, seconds)
	goal := float64(target)
	c.tracker.StartMoving(key, motion, &goal)
	return err
}

// TeachIn pairs the shutter's virtual sender with the actuator. The actuator
// has to be in learn mode.
func (c *Controller) TeachIn(key string) error {
	d, ok := c.registry.Shutter(key)
	if !ok {
		return errors.Errorf("%s: unknown shutter", key)
	}

	sender := c.sender(d)
	logrus.Infof("%s: teach-in to %s (sender %s, offset %d)", d.Name, d.Address, sender, d.Offset)

	metrics.CommandsSent.WithLabelValues("TEACH_IN").Inc()
	if err := c.radio.Send(enocean.EncodeTeachIn(d.Address, sender)); err != nil {
		return errors.Wrapf(err, "%s: teach-in", d.Name)
	}
	return nil
}

func (c *Controller) sender(d *Device) enocean.Address {
	return c.radio.BaseID().WithOffset(d.Offset)
}

func (c *Controller) send(d *Device, command string, dir enocean.Direction, seconds float64) error {
	if d.Invert {
		dir = dir.Invert()
	}

	sender := c.sender(d)
	logrus.Debugf("%s: sending %s to %s from %s (%.1fs)", d.Name, dir, d.Address, sender, seconds)

	metrics.CommandsSent.WithLabelValues(command).Inc()
	if err := c.radio.Send(enocean.EncodeCommand(d.Address, sender, dir, seconds)); err != nil {
		logrus.Errorf("%s: %s send failed: %s", d.Name, command, err)
		return errors.Wrapf(err, "%s: %s", d.Name, command)
	}
	return nil
}

// HandleTelegram applies a radio status telegram from an actuator or a wall button.
func (c *Controller) HandleTelegram(t enocean.Telegram) {
	if d, ok := c.registry.ShutterByAddress(t.Sender); ok {
		event, ok := enocean.DecodeStatus(t, true)
		if !ok {
			logrus.Debugf("%s: telegram without status ignored", d.Name)
			return
		}
		metrics.TelegramsReceived.WithLabelValues("actuator").Inc()
		c.applyActuatorStatus(d, event)
		return
	}

	if targets, ok := c.registry.ButtonTargets(t.Sender); ok {
		event, ok := enocean.DecodeStatus(t, false)
		if !ok {
			return
		}
		metrics.TelegramsReceived.WithLabelValues("button").Inc()
		c.applyButton(event, targets)
		return
	}

	metrics.TelegramsReceived.WithLabelValues("unknown").Inc()
	logrus.Debugf("ignoring telegram from unknown device %s", t.Sender)
}

func (c *Controller) applyActuatorStatus(d *Device, event enocean.StatusEvent) {
	if event.EndPosition {
		logrus.Debugf("%s: end-position notification ignored", d.Name)
		return
	}

	if event.Stopped {
		delete(c.pending, d.Key)
		c.tracker.Stop(d.Key)
		return
	}

	if p, ok := c.pending[d.Key]; ok {
		logrus.Debugf("%s: %s acknowledged", d.Name, p.command)
		delete(c.pending, d.Key)
	}

	dir := event.Direction
	if d.Invert {
		dir = dir.Invert()
	}

	var motion shutter.MotionState
	switch dir {
	case enocean.DirectionUp:
		motion = shutter.Opening
	case enocean.DirectionDown:
		motion = shutter.Closing
	default:
		return
	}

	var target *float64
	if v, ok := c.tracker.Target(d.Key); ok {
		target = &v
	}
	c.tracker.StartMoving(d.Key, motion, target)
}

// applyButton implements the rocker toggle: a press starts stopped shutters,
// stops shutters already moving that way and reverses the others. Releases
// are ignored, the actuator runs until stopped.
func (c *Controller) applyButton(event enocean.StatusEvent, targets []string) {
	if event.Stopped {
		return
	}

	var command string
	var pressed shutter.MotionState
	switch event.Direction {
	case enocean.DirectionUp:
		command, pressed = CommandOpen, shutter.Opening
	case enocean.DirectionDown:
		command, pressed = CommandClose, shutter.Closing
	default:
		return
	}

	logrus.Debugf("button %s pressed %s", event.Sender, event.Direction)

	for _, key := range targets {
		state, ok := c.tracker.State(key)
		if !ok {
			continue
		}

		cmd := command
		if state.Motion == pressed {
			cmd = CommandStop
		}
		if err := c.Command(key, cmd); err != nil {
			logrus.Error(err)
		}
	}
}

// Tick retries unacknowledged commands, stops shutters that reached their
// target and publishes the position of moving shutters.
func (c *Controller) Tick() {
	c.retryPending()

	for _, key := range c.tracker.CheckTargets() {
		d, ok := c.registry.Shutter(key)
		if !ok {
			continue
		}
		if err := c.send(d, CommandStop, enocean.DirectionStop, 0); err != nil {
			logrus.Error(err)
		}
		c.tracker.Stop(key)
	}

	for _, key := range c.tracker.Moving() {
		c.tracker.Publish(key)
	}
}

func (c *Controller) retryPending() {
	now := c.now()

	for key, p := range c.pending {
		if now.Sub(p.sentAt) < c.ackTimeout {
			continue
		}

		d, ok := c.registry.Shutter(key)
		if !ok {
			delete(c.pending, key)
			continue
		}

		if p.retried {
			logrus.Warnf("%s: no response to %s after retry, giving up", d.Name, p.command)
			metrics.CommandGiveUps.Inc()
			delete(c.pending, key)
			continue
		}

		logrus.Warnf("%s: no response to %s after %s, retrying", d.Name, p.command, c.ackTimeout)
		metrics.CommandRetries.Inc()
		if err := c.move(d, p.command); err != nil {
			logrus.Error(err)
		}
		c.pending[key] = &pendingCommand{command: p.command, sentAt: c.now(), retried: true}
	}
}

// Pending reports whether a move command awaits confirmation.
func (c *Controller) Pending(key string) bool {
	_, ok := c.pending[key]
	return ok
}

// PublishAll publishes the current state of every shutter.
func (c *Controller) PublishAll() {
	for _, d := range c.registry.Shutters() {
		c.tracker.Publish(d.Key)
	}
}

// Save persists all positions.
func (c *Controller) Save() {
	c.tracker.Save()
}

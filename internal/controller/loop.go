package controller

import (
	"context"
	"time"

	"github.com/jkaflik/enocean2mqtt/internal/enocean"
	"github.com/sirupsen/logrus"
)

const DefaultTickInterval = 500 * time.Millisecond

// Loop is the single goroutine owning the Controller. MQTT callbacks and
// the radio receive loop hand their work to it through channels.
type Loop struct {
	controller *Controller
	telegrams  <-chan enocean.Telegram
	interval   time.Duration

	requests chan request
	done     chan struct{}
}

type request struct {
	name string
	fn   func()
}

func NewLoop(c *Controller, telegrams <-chan enocean.Telegram, interval time.Duration) *Loop {
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	return &Loop{
		controller: c,
		telegrams:  telegrams,
		interval:   interval,
		requests:   make(chan request, 16),
		done:       make(chan struct{}),
	}
}

// Run publishes every shutter's state, then processes events until ctx is
// done and persists positions.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.controller.PublishAll()

	telegrams := l.telegrams
	for {
		// Cancellation wins over queued work.
		select {
		case <-ctx.Done():
			l.stop()
			return
		default:
		}

		select {
		case <-ctx.Done():
			l.stop()
			return
		case r := <-l.requests:
			r.fn()
		case t, ok := <-telegrams:
			if !ok {
				logrus.Warn("radio telegram stream closed")
				telegrams = nil
				continue
			}
			l.controller.HandleTelegram(t)
		case <-ticker.C:
			l.controller.Tick()
		}
	}
}

func (l *Loop) stop() {
	close(l.done)

	for {
		select {
		case r := <-l.requests:
			logrus.Warnf("%s: dropped, controller stopped", r.name)
		default:
			l.controller.Save()
			logrus.Info("controller stopped, positions saved")
			return
		}
	}
}

func (l *Loop) enqueue(name string, fn func() error) {
	select {
	case <-l.done:
		logrus.Warnf("%s: dropped, controller stopped", name)
		return
	default:
	}

	select {
	case l.requests <- request{name: name, fn: func() {
		if err := fn(); err != nil {
			logrus.Error(err)
		}
	}}:
	case <-l.done:
		logrus.Warnf("%s: dropped, controller stopped", name)
	}
}

func (l *Loop) Command(key string, command string) {
	l.enqueue(key, func() error { return l.controller.Command(key, command) })
}

func (l *Loop) SetPosition(key string, position int) {
	l.enqueue(key, func() error { return l.controller.SetPosition(key, position) })
}

func (l *Loop) TeachIn(key string) {
	l.enqueue(key, func() error { return l.controller.TeachIn(key) })
}

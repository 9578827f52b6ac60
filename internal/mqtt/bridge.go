package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	mqttOpenCmd  = "OPEN"
	mqttCloseCmd = "CLOSE"
	mqttStopCmd  = "STOP"

	availableOnline  = "online"
	availableOffline = "offline"
)

// Handler receives shutter commands. Implementations must return quickly,
// they are called from paho's callback goroutines.
type Handler interface {
	Command(key string, command string)
	SetPosition(key string, position int)
	TeachIn(key string)
}

// Bridge connects one shutter to its MQTT topics.
type Bridge struct {
	mqtt    paho.Client
	handler Handler

	Key  string
	Name string
	// Metadata is published retained to MetadataTopic on every connect.
	Metadata interface{}

	StateTopic        string
	PositionTopic     string
	MetadataTopic     string
	AvailabilityTopic string

	CommandTopic     string
	SetPositionTopic string
	TeachInTopic     string
}

func NewBridge(client paho.Client, baseTopic string, key string, name string, handler Handler) *Bridge {
	prefix := fmt.Sprintf("%s/cover/%s", baseTopic, key)

	return &Bridge{
		mqtt:    client,
		handler: handler,

		Key:  key,
		Name: name,

		StateTopic:        prefix + "/state",
		PositionTopic:     prefix + "/position",
		MetadataTopic:     prefix + "/metadata",
		AvailabilityTopic: AvailabilityTopic(baseTopic),

		CommandTopic:     prefix + "/set",
		SetPositionTopic: prefix + "/set_position",
		TeachInTopic:     prefix + "/teach_in",
	}
}

// AvailabilityTopic is the gateway-wide online/offline topic, also used as
// the MQTT last will.
func AvailabilityTopic(baseTopic string) string {
	return baseTopic + "/available"
}

// SetAvailability publishes the retained online/offline flag and waits for it.
func SetAvailability(client paho.Client, baseTopic string, online bool) error {
	payload := availableOffline
	if online {
		payload = availableOnline
	}

	if token := client.Publish(AvailabilityTopic(baseTopic), 1, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "MQTT availability publish failed")
	}

	return nil
}

func (b *Bridge) SetMetadata(value interface{}) error {
	if value == nil {
		return nil
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "%s: metadata encode failed", b.Name)
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.Name)
	}

	return nil
}

func (b *Bridge) Subscribe(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if !b.mqtt.IsConnectionOpen() {
			return
		}
		if token := b.mqtt.Unsubscribe(b.CommandTopic, b.SetPositionTopic, b.TeachInTopic); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.Name, token.Error())
		}
	}()

	if token := b.mqtt.Subscribe(b.CommandTopic, 0, b.onCommandHandler()); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT command topic subscription failed", b.Name)
	}
	logrus.Infof("%s: MQTT command topic subscribed", b.Name)

	if token := b.mqtt.Subscribe(b.SetPositionTopic, 0, b.onSetPositionHandler()); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT set position topic subscription failed", b.Name)
	}
	logrus.Infof("%s: MQTT set position topic subscribed", b.Name)

	if token := b.mqtt.Subscribe(b.TeachInTopic, 0, b.onTeachInHandler()); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT teach-in topic subscription failed", b.Name)
	}
	logrus.Debugf("%s: MQTT teach-in topic subscribed", b.Name)

	return nil
}

// PublishState publishes retained state and position. It does not wait for
// the broker, the caller is the controller loop.
func (b *Bridge) PublishState(state string, position int) {
	stateToken := b.mqtt.Publish(b.StateTopic, 0, true, state)
	positionToken := b.mqtt.Publish(b.PositionTopic, 0, true, strconv.Itoa(position))

	go func() {
		if stateToken.Wait() && stateToken.Error() != nil {
			logrus.Errorf("%s: MQTT state publish failed: %s", b.Name, stateToken.Error())
		}
		if positionToken.Wait() && positionToken.Error() != nil {
			logrus.Errorf("%s: MQTT position publish failed: %s", b.Name, positionToken.Error())
		}
	}()
}

func (b *Bridge) onCommandHandler() paho.MessageHandler {
	return func(c paho.Client, msg paho.Message) {
		cmd := strings.ToUpper(strings.TrimSpace(string(msg.Payload())))
		switch cmd {
		case mqttOpenCmd, mqttCloseCmd, mqttStopCmd:
			logrus.Debugf("%s: MQTT %s command received", b.Name, cmd)
			b.handler.Command(b.Key, cmd)
		default:
			logrus.Errorf("%s: MQTT unsupported %q command received", b.Name, cmd)
		}
	}
}

func (b *Bridge) onSetPositionHandler() paho.MessageHandler {
	return func(c paho.Client, msg paho.Message) {
		pos, err := ParsePosition(msg.Payload())
		if err != nil {
			logrus.Errorf("%s: %s", b.Name, err)
			return
		}
		b.handler.SetPosition(b.Key, pos)
	}
}

func (b *Bridge) onTeachInHandler() paho.MessageHandler {
	return func(c paho.Client, msg paho.Message) {
		logrus.Infof("%s: MQTT teach-in requested", b.Name)
		b.handler.TeachIn(b.Key)
	}
}

// ParsePosition reads a set_position payload. Fractions are truncated and
// the result is clamped to 0-100.
func ParsePosition(payload []byte) (int, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
	if err != nil || math.IsNaN(v) {
		return 0, errors.Errorf("invalid position %q", payload)
	}

	v = math.Trunc(v)
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}

	return int(v), nil
}

// Publisher routes tracker notifications to the bridge of the shutter.
// Bridges are added before the controller loop starts.
type Publisher struct {
	bridges map[string]*Bridge
}

func NewPublisher(bridges ...*Bridge) *Publisher {
	p := &Publisher{bridges: map[string]*Bridge{}}
	for _, b := range bridges {
		p.Add(b)
	}
	return p
}

func (p *Publisher) Add(b *Bridge) {
	p.bridges[b.Key] = b
}

func (p *Publisher) PublishState(id string, state string, position int) {
	b, ok := p.bridges[id]
	if !ok {
		logrus.Debugf("%s: no MQTT bridge, state not published", id)
		return
	}
	b.PublishState(state, position)
}

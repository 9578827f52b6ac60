package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	paho.Token
	err error
}

func (t *fakeToken) Wait() bool { return true }
func (t *fakeToken) WaitTimeout(_ time.Duration) bool { return true }
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic    string
	retained bool
	payload  string
}

type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	published    []published
	handlers     map[string]paho.MessageHandler
	unsubscribed []string
	err          error
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: map[string]paho.MessageHandler{}}
}

func (c *fakeClient) IsConnectionOpen() bool { return true }

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s string
	switch p := payload.(type) {
	case string:
		s = p
	case []byte:
		s = string(p)
	}
	c.published = append(c.published, published{topic: topic, retained: retained, payload: s})
	return &fakeToken{err: c.err}
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return &fakeToken{err: c.err}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribed = append(c.unsubscribed, topics...)
	return &fakeToken{}
}

func (c *fakeClient) deliver(topic string, payload string) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	h(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) last(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.published) - 1; i >= 0; i-- {
		if c.published[i].topic == topic {
			return c.published[i], true
		}
	}
	return published{}, false
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool { return false }
func (m *fakeMessage) Qos() byte { return 0 }
func (m *fakeMessage) Retained() bool { return false }
func (m *fakeMessage) Topic() string { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte { return m.payload }
func (m *fakeMessage) Ack() {}

type call struct {
	method string
	key    string
	arg    interface{}
}

type recordingHandler struct {
	calls []call
}

func (h *recordingHandler) Command(key string, command string) {
	h.calls = append(h.calls, call{"Command", key, command})
}

func (h *recordingHandler) SetPosition(key string, position int) {
	h.calls = append(h.calls, call{"SetPosition", key, position})
}

func (h *recordingHandler) TeachIn(key string) {
	h.calls = append(h.calls, call{"TeachIn", key, nil})
}

func TestNewBridgeTopics(t *testing.T) {
	b := NewBridge(newFakeClient(), "enocean", "05123401", "living", &recordingHandler{})

	assert.Equal(t, "enocean/cover/05123401/state", b.StateTopic)
	assert.Equal(t, "enocean/cover/05123401/position", b.PositionTopic)
	assert.Equal(t, "enocean/cover/05123401/metadata", b.MetadataTopic)
	assert.Equal(t, "enocean/cover/05123401/set", b.CommandTopic)
	assert.Equal(t, "enocean/cover/05123401/set_position", b.SetPositionTopic)
	assert.Equal(t, "enocean/cover/05123401/teach_in", b.TeachInTopic)
	assert.Equal(t, "enocean/available", b.AvailabilityTopic)
}

func TestSubscribe(t *testing.T) {
	client := newFakeClient()
	handler := &recordingHandler{}
	b := NewBridge(client, "enocean", "05123401", "living", handler)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Subscribe(ctx))

	client.deliver(b.CommandTopic, "open")
	client.deliver(b.CommandTopic, " STOP ")
	client.deliver(b.CommandTopic, "TILT")
	client.deliver(b.SetPositionTopic, "42.9")
	client.deliver(b.SetPositionTopic, "-5")
	client.deliver(b.SetPositionTopic, "half")
	client.deliver(b.TeachInTopic, "")

	assert.Equal(t, []call{
		{"Command", "05123401", "OPEN"},
		{"Command", "05123401", "STOP"},
		{"SetPosition", "05123401", 42},
		{"SetPosition", "05123401", 0},
		{"TeachIn", "05123401", nil},
	}, handler.calls)

	cancel()
	assert.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.unsubscribed) == 3
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribeError(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("not connected")
	b := NewBridge(client, "enocean", "05123401", "living", &recordingHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := b.Subscribe(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "living")
}

func TestParsePosition(t *testing.T) {
	tests := []struct {
		payload string
		want    int
		wantErr bool
	}{
		{payload: "0", want: 0},
		{payload: "100", want: 100},
		{payload: "55.7", want: 55},
		{payload: " 12 ", want: 12},
		{payload: "250", want: 100},
		{payload: "-1", want: 0},
		{payload: "", wantErr: true},
		{payload: "open", wantErr: true},
		{payload: "NaN", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParsePosition([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPublisher(t *testing.T) {
	client := newFakeClient()
	living := NewBridge(client, "enocean", "05123401", "living", &recordingHandler{})
	p := NewPublisher(living)

	p.PublishState("05123401", "opening", 37)
	p.PublishState("deadbeef", "open", 100)

	state, ok := client.last(living.StateTopic)
	require.True(t, ok)
	assert.Equal(t, published{topic: living.StateTopic, retained: true, payload: "opening"}, state)

	position, ok := client.last(living.PositionTopic)
	require.True(t, ok)
	assert.Equal(t, "37", position.payload)
	assert.True(t, position.retained)

	client.mu.Lock()
	assert.Len(t, client.published, 2)
	client.mu.Unlock()
}

func TestSetMetadata(t *testing.T) {
	client := newFakeClient()
	b := NewBridge(client, "enocean", "05123401", "living", &recordingHandler{})

	require.NoError(t, b.SetMetadata(map[string]interface{}{"azimuth": 253}))
	msg, ok := client.last(b.MetadataTopic)
	require.True(t, ok)
	assert.JSONEq(t, `{"azimuth":253}`, msg.payload)
	assert.True(t, msg.retained)

	client.err = errors.New("broker gone")
	assert.Error(t, b.SetMetadata(map[string]string{"a": "b"}))
}

func TestSetAvailability(t *testing.T) {
	client := newFakeClient()

	require.NoError(t, SetAvailability(client, "enocean", true))
	msg, _ := client.last("enocean/available")
	assert.Equal(t, "online", msg.payload)
	assert.True(t, msg.retained)

	require.NoError(t, SetAvailability(client, "enocean", false))
	msg, _ = client.last("enocean/available")
	assert.Equal(t, "offline", msg.payload)
}

func TestPublishHAAutoDiscovery(t *testing.T) {
	client := newFakeClient()
	b := NewBridge(client, "enocean", "05123401", "living", &recordingHandler{})

	require.NoError(t, PublishHAAutoDiscovery(client, "homeassistant", b))

	msg, ok := client.last("homeassistant/cover/05123401/config")
	require.True(t, ok)
	assert.True(t, msg.retained)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &got))
	assert.Equal(t, "enocean/available", got["avty_t"])
	assert.Equal(t, "enocean/cover/05123401/set", got["cmd_t"])
	assert.Equal(t, "enocean/cover/05123401/set_position", got["set_pos_t"])
	assert.Equal(t, "OPEN", got["pl_open"])
	assert.Equal(t, "closing", got["stat_closing"])
	assert.Equal(t, float64(100), got["pos_open"])
	assert.Equal(t, "shutter", got["device_class"])
	assert.Equal(t, "living", got["name"])
	assert.NotContains(t, got, "opt")
}

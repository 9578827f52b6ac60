package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/enocean2mqtt/internal/shutter"
	"github.com/pkg/errors"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic   string `json:"avty_t,omitempty"`
	PayloadAvailable    string `json:"pl_avail,omitempty"`
	PayloadNotAvailable string `json:"pl_not_avail,omitempty"`
	UniqueID            string `json:"uniq_id,omitempty"`
	Name                string `json:"name,omitempty"`
	DeviceClass         string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic       string `json:"stat_t"`
	CommandTopic     string `json:"cmd_t"`
	PositionTopic    string `json:"pos_t"`
	SetPositionTopic string `json:"set_pos_t"`
	PositionOpen     int    `json:"pos_open"`
	PositionClosed   int    `json:"pos_clsd"`
	PayloadOpen      string `json:"pl_open"`
	PayloadStop      string `json:"pl_stop"`
	PayloadClose     string `json:"pl_cls"`
	StateOpen        string `json:"stat_open"`
	StateOpening     string `json:"stat_opening"`
	StateClosed      string `json:"stat_clsd"`
	StateClosing     string `json:"stat_closing"`
}

func NewHACoverFromMQTTBridge(bridge *Bridge) haCover {
	return haCover{
		haEntity: haEntity{
			AvailabilityTopic:   bridge.AvailabilityTopic,
			PayloadAvailable:    availableOnline,
			PayloadNotAvailable: availableOffline,
			UniqueID:            "enocean2mqtt_" + bridge.Key,
			Name:                bridge.Name,
			DeviceClass:         "shutter",

			Device: haDevice{
				Identifiers:  []string{"enocean2mqtt_" + bridge.Key},
				Manufacturer: "Eltako",
				Model:        "FSB61NP-230V",
				Name:         bridge.Name,
				SWVersion:    "enocean2mqtt",
			},
		},
		StateTopic:       bridge.StateTopic,
		CommandTopic:     bridge.CommandTopic,
		PositionTopic:    bridge.PositionTopic,
		SetPositionTopic: bridge.SetPositionTopic,
		PositionOpen:     shutter.FullOpenPosition,
		PositionClosed:   shutter.FullClosePosition,
		PayloadOpen:      mqttOpenCmd,
		PayloadStop:      mqttStopCmd,
		PayloadClose:     mqttCloseCmd,
		StateOpen:        shutter.ShutterOpenState,
		StateOpening:     shutter.ShutterOpeningState,
		StateClosed:      shutter.ShutterClosedState,
		StateClosing:     shutter.ShutterClosingState,
	}
}

func haDiscoveryTopic(prefix string, key string) string {
	return fmt.Sprintf("%s/cover/%s/config", prefix, key)
}

func PublishHAAutoDiscovery(client paho.Client, homeAssistantDiscoveryTopicPrefix string, bridge *Bridge) error {
	topic := haDiscoveryTopic(homeAssistantDiscoveryTopicPrefix, bridge.Key)

	payload, err := json.Marshal(NewHACoverFromMQTTBridge(bridge))
	if err != nil {
		return errors.Wrapf(err, "%s: HA discovery encode failed", bridge.Name)
	}

	if token := client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: HA discovery publish failed", bridge.Name)
	}

	return nil
}

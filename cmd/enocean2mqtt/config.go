package main

import (
	"io"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/enocean2mqtt/internal/controller"
	"github.com/jkaflik/enocean2mqtt/internal/mqtt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v2"
)

type cfgLogFile struct {
	Path       string `yaml:"path" env:"PATH"`
	MaxSize    int    `yaml:"max_size" default:"10" env:"MAX_SIZE"` // megabytes
	MaxBackups int    `yaml:"max_backups" default:"3" env:"MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" default:"28" env:"MAX_AGE"` // days
	Compress   bool   `yaml:"compress" env:"COMPRESS"`
}

type cfgEnOcean struct {
	Port     string `yaml:"port" default:"/dev/ttyUSB0" env:"PORT"`
	BaudRate int    `yaml:"baud_rate" default:"57600" env:"BAUD_RATE"`
}

type cfgMQTT struct {
	ClientID  string `yaml:"client_id" default:"enocean2mqtt" env:"CLIENT_ID"`
	Broker    string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username  string `yaml:"username" env:"USERNAME"`
	Password  string `yaml:"password" env:"PASSWORD"`
	BaseTopic string `yaml:"base_topic" default:"enocean" env:"BASE_TOPIC"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type cfgControl struct {
	TickInterval time.Duration `yaml:"tick_interval" default:"500ms" env:"TICK_INTERVAL"`
	AckTimeout   time.Duration `yaml:"ack_timeout" default:"5s" env:"ACK_TIMEOUT"`
	DeadZone     float64       `yaml:"dead_zone" default:"2" env:"DEAD_ZONE"`
}

type cfgMetrics struct {
	Listen string `yaml:"listen" env:"LISTEN"`
}

type cfgShutter struct {
	Name            string                 `yaml:"name"`
	ID              string                 `yaml:"id"`
	FullOpenTime    travelTime             `yaml:"full_open_time"`
	FullCloseTime   travelTime             `yaml:"full_close_time"`
	SenderOffset    *uint32                `yaml:"sender_offset"`
	InvertDirection bool                   `yaml:"invert_direction"`
	Metadata        map[string]interface{} `yaml:"metadata"`
}

// travelTime is a shutter travel time given in seconds (18, 20.5) or as a
// duration string ("18s").
type travelTime time.Duration

func (t *travelTime) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var seconds float64
	if err := unmarshal(&seconds); err == nil {
		if seconds < 0 {
			return errors.Errorf("negative travel time %v", seconds)
		}
		*t = travelTime(seconds * float64(time.Second))
		return nil
	}

	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "travel time %q", s)
	}
	if d < 0 {
		return errors.Errorf("negative travel time %s", s)
	}

	*t = travelTime(d)
	return nil
}

type cfgButton struct {
	Name     string   `yaml:"name"`
	ID       string   `yaml:"id"`
	Shutters []string `yaml:"shutters"`
}

var Cfg struct {
	LogLevel string     `yaml:"log_level" default:"info" env:"LOG_LEVEL"`
	LogFile  cfgLogFile `yaml:"log_file" env:"LOG_FILE"`

	EnOcean cfgEnOcean `yaml:"enocean" env:"ENOCEAN"`
	MQTT    cfgMQTT    `yaml:"mqtt" env:"MQTT"`
	HASS    cfgHASS    `yaml:"hass" env:"HASS"`

	PositionFile string     `yaml:"position_file" default:"positions.json" env:"POSITION_FILE"`
	Control      cfgControl `yaml:"control" env:"CONTROL"`
	Metrics      cfgMetrics `yaml:"metrics" env:"METRICS"`

	Shutters []cfgShutter `yaml:"shutters"`
	Buttons  []cfgButton  `yaml:"buttons"`
}

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "E2M",
	SkipFiles: true,
	SkipFlags: true,
})

func loadConfigFromYamlFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "config %s", filename)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&Cfg); err != nil {
		return errors.Wrapf(err, "config %s", filename)
	}

	if len(Cfg.Shutters) == 0 {
		return errors.Errorf("config %s: no shutters defined", filename)
	}

	return nil
}

func setupLoggingFromConfig() error {
	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	if Cfg.LogFile.Path != "" {
		logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   Cfg.LogFile.Path,
			MaxSize:    Cfg.LogFile.MaxSize,
			MaxBackups: Cfg.LogFile.MaxBackups,
			MaxAge:     Cfg.LogFile.MaxAge,
			Compress:   Cfg.LogFile.Compress,
		}))
	}

	return nil
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(Cfg.MQTT.ClientID).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetAutoReconnect(true).
		SetBinaryWill(mqtt.AvailabilityTopic(Cfg.MQTT.BaseTopic), []byte("offline"), 1, true)
}

func shutterSpecsFromConfig() []controller.ShutterSpec {
	specs := make([]controller.ShutterSpec, 0, len(Cfg.Shutters))
	for _, cfg := range Cfg.Shutters {
		specs = append(specs, controller.ShutterSpec{
			Name:            cfg.Name,
			ID:              cfg.ID,
			FullOpenTime:    time.Duration(cfg.FullOpenTime),
			FullCloseTime:   time.Duration(cfg.FullCloseTime),
			SenderOffset:    cfg.SenderOffset,
			InvertDirection: cfg.InvertDirection,
		})
	}
	return specs
}

func buttonSpecsFromConfig() []controller.ButtonSpec {
	specs := make([]controller.ButtonSpec, 0, len(Cfg.Buttons))
	for _, cfg := range Cfg.Buttons {
		specs = append(specs, controller.ButtonSpec{
			Name:     cfg.Name,
			ID:       cfg.ID,
			Shutters: cfg.Shutters,
		})
	}
	return specs
}

// bridgesFromConfig creates one bridge per registered shutter, keyed like the
// controller so MQTT commands and tracker updates meet on the same key.
// Registry keeps configuration order.
func bridgesFromConfig(client paho.Client, registry *controller.Registry, handler mqtt.Handler) []*mqtt.Bridge {
	var bridges []*mqtt.Bridge
	for i, d := range registry.Shutters() {
		b := mqtt.NewBridge(client, Cfg.MQTT.BaseTopic, d.Key, d.Name, handler)
		if md := Cfg.Shutters[i].Metadata; md != nil {
			b.Metadata = md
		}
		bridges = append(bridges, b)
	}
	return bridges
}

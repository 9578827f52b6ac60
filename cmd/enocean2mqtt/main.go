package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/enocean2mqtt/internal/controller"
	"github.com/jkaflik/enocean2mqtt/internal/enocean"
	"github.com/jkaflik/enocean2mqtt/internal/metrics"
	"github.com/jkaflik/enocean2mqtt/internal/mqtt"
	"github.com/jkaflik/enocean2mqtt/internal/shutter"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	if err := loadConfigFromYamlFile(*configPath); err != nil {
		logrus.Fatal(err)
	}
	if err := setupLoggingFromConfig(); err != nil {
		logrus.Fatal(err)
	}

	registry, err := controller.NewRegistry(shutterSpecsFromConfig(), buttonSpecsFromConfig())
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gateway, err := enocean.Open(Cfg.EnOcean.Port, Cfg.EnOcean.BaudRate)
	if err != nil {
		logrus.Fatal(err)
	}
	if err := gateway.Start(ctx); err != nil {
		logrus.Fatal(err)
	}

	publisher := mqtt.NewPublisher()
	tracker := shutter.NewTracker(&shutter.FileStore{Path: Cfg.PositionFile}, publisher)
	ctrl := controller.New(registry, gateway, tracker,
		controller.WithAckTimeout(Cfg.Control.AckTimeout),
		controller.WithDeadZone(Cfg.Control.DeadZone),
	)
	tracker.Load()
	loop := controller.NewLoop(ctrl, gateway.Telegrams(), Cfg.Control.TickInterval)

	var bridges []*mqtt.Bridge
	opts := pahoOptsFromConfig()
	opts.OnConnect = func(m paho.Client) {
		logrus.Info("MQTT broker connected")
		subscribe(ctx, m, bridges)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(opts)
	bridges = bridgesFromConfig(m, registry, loop)
	for _, b := range bridges {
		publisher.Add(b)
	}

	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}

	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()

	if Cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, Cfg.Metrics.Listen); err != nil {
				logrus.Error(err)
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	oscall := <-c
	logrus.Infof("system call: %+v", oscall)
	cancel()

	<-loopDone

	if err := mqtt.SetAvailability(m, Cfg.MQTT.BaseTopic, false); err != nil {
		logrus.Error(err)
	}
	m.Disconnect(250)

	if err := gateway.Close(); err != nil {
		logrus.Error(err)
	}
	logrus.Info("bye")
}

func subscribe(ctx context.Context, m paho.Client, bridges []*mqtt.Bridge) {
	for _, bridge := range bridges {
		if Cfg.HASS.Enabled {
			if err := mqtt.PublishHAAutoDiscovery(m, Cfg.HASS.TopicPrefix, bridge); err != nil {
				logrus.Error(err)
			}
		}

		if err := bridge.SetMetadata(bridge.Metadata); err != nil {
			logrus.Error(err)
		}

		if err := bridge.Subscribe(ctx); err != nil {
			logrus.Error(err)
		}
	}

	if err := mqtt.SetAvailability(m, Cfg.MQTT.BaseTopic, true); err != nil {
		logrus.Error(err)
	}
}

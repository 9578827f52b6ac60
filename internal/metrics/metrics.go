package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	TelegramsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enocean2mqtt_telegrams_received_total",
		Help: "Status telegrams received, by sender role.",
	}, []string{"role"})

	CommandsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enocean2mqtt_commands_sent_total",
		Help: "Telegrams sent to actuators, by command.",
	}, []string{"command"})

	CommandRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enocean2mqtt_command_retries_total",
		Help: "Move commands resent after the acknowledgement timeout.",
	})

	CommandGiveUps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enocean2mqtt_command_give_ups_total",
		Help: "Move commands dropped after an unanswered retry.",
	})

	Position = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enocean2mqtt_shutter_position_percent",
		Help: "Estimated shutter position (0 closed, 100 open).",
	}, []string{"shutter"})
)

func init() {
	prometheus.MustRegister(TelegramsReceived, CommandsSent, CommandRetries, CommandGiveUps, Position)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("metrics: shutdown failed: %s", err)
		}
	}()

	logrus.Infof("metrics: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrapf(err, "metrics: listen on %s", addr)
	}

	return nil
}

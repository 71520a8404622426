// Command nodesim publishes simulated gateway traffic to an MQTT broker so
// the hub can be exercised without hardware.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/illmade-knight/sensorhub/pkg/transport"
	"github.com/illmade-knight/sensorhub/services/nodesim/sim"
)

func main() {
	d := sim.DefaultConfig()
	broker := pflag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	baseTopic := pflag.String("base-topic", d.BaseTopic, "Topic prefix nodes publish under")
	cmdTopic := pflag.String("command-topic", d.CommandTopic, "Topic the hub publishes commands on")
	nodes := pflag.Int("nodes", d.Nodes, "Number of simulated nodes")
	interval := pflag.Duration("interval", d.Interval, "Publish interval per node")
	nullRate := pflag.Float64("null-rate", 0, "Probability of a null sensor value")
	duration := pflag.Duration("duration", 0, "Stop after this long (0 runs until signalled)")
	hubURL := pflag.String("hub-url", "", "Register the nodes with this hub before publishing")
	logLevel := pflag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pflag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := d
	cfg.BaseTopic = *baseTopic
	cfg.CommandTopic = *cmdTopic
	cfg.Nodes = *nodes
	cfg.Interval = *interval
	cfg.NullRate = *nullRate

	tcfg := transport.DefaultConfig()
	tcfg.BrokerURL = *broker
	tcfg.ClientIDPrefix = "nodesim-"
	mqttTransport := transport.NewManager(tcfg, log.Logger)

	simulator, err := sim.New(cfg, mqttTransport, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid simulator configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if *hubURL != "" {
		client := &http.Client{Timeout: 10 * time.Second}
		if err := simulator.RegisterAll(ctx, client, *hubURL); err != nil {
			log.Warn().Err(err).Msg("Some nodes could not be registered")
		}
	}

	if err := mqttTransport.Start(ctx, simulator); err != nil {
		log.Fatal().Err(err).Msg("Failed to start MQTT transport")
	}
	defer mqttTransport.Stop()

	simulator.Run(ctx)
}

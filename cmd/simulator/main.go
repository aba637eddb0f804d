// cmd/simulator/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"windtwin-gateway/internal/alerting"
	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/ingest"
	"windtwin-gateway/internal/logging"
	"windtwin-gateway/internal/producer"
	"windtwin-gateway/internal/twin"
)

func main() {
	// --- Configuration ---
	flags := pflag.NewFlagSet("simulator", pflag.ExitOnError)
	configPath := flags.String("config", ".", "Directory containing config.yaml")
	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	flags.String("simulator.dataset_file", "./data.csv", "Telemetry dataset CSV")
	flags.String("simulator.devices_file", "./DeviceIds.csv", "Device id list")
	flags.String("simulator.transport", "http", "Device transport: http or nats")
	flags.String("simulator.alert_device", "T102", "Device toggled by an empty input line")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "simulator")
	if err := cfg.ValidateSimulator(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	sim := cfg.Simulator

	// --- Dataset ---
	frames, err := data.LoadDatasetFile(sim.DatasetFile, logging.Component(logger, "dataset"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot load telemetry dataset")
	}
	fleet, err := data.LoadDeviceIDsFile(sim.DevicesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot load device list")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// --- Initialize Components ---
	var (
		alertReader producer.AlertReader
		twinPatcher alerting.TwinPatcher
	)
	if cfg.Twin.Enabled() {
		client, err := twin.NewClient(cfg.Twin, nil, logging.Component(logger, "twin"))
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid twin configuration")
		}
		alertReader, twinPatcher = client, client
	} else {
		logger.Warn().Msg("No twin store configured; alerts clear locally")
	}

	var sender producer.Sender
	switch sim.Transport {
	case "nats":
		nc, err := ingest.Connect(cfg.NATS.URL, "windtwin-simulator", logging.Component(logger, "nats"))
		if err != nil {
			logger.Fatal().Err(err).Msg("NATS transport unavailable")
		}
		defer nc.Close()
		sender = ingest.NewNATSSender(nc, cfg.NATS.SubjectPrefix)

		// Inbound listener: log what reaches the device channel.
		inbound := logging.Component(logger, "inbound")
		g.Go(func() error {
			return ingest.Listen(ctx, nc, cfg.NATS.SubjectPrefix, func(subject string, body []byte) {
				var ev data.IngestionEvent
				if err := json.Unmarshal(body, &ev); err != nil {
					inbound.Warn().Err(err).Str("subject", subject).Msg("Undecodable inbound message")
					return
				}
				inbound.Debug().Str("subject", subject).Str("event_type", ev.EventType).Msg("Inbound message")
			}, inbound)
		})
	default:
		sender = producer.NewHTTPSender(sim.IngestURL, sim.APIKey, sim.SendTimeout)
	}

	state := producer.NewState(fleet)
	p, err := producer.New(frames, state, sender, alertReader, producer.Options{
		TickInterval:    sim.TickInterval,
		EventsPerSecond: sim.MaxEventsPerSecond,
		Burst:           sim.Burst,
		Concurrency:     sim.SendConcurrency,
		SendTimeout:     sim.SendTimeout,
	}, logging.Component(logger, "producer"))
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot start device stream")
	}
	trigger := alerting.NewTrigger(state, twinPatcher, sender, sim.AlertDevice, logging.Component(logger, "trigger"))

	// --- Run ---
	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error { return trigger.Listen(ctx, os.Stdin) })

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Simulator stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Simulator stopped")
}

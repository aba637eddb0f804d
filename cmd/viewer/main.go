// cmd/viewer/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"windtwin-gateway/internal/anomaly"
	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/consumer"
	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/logging"
)

const statusInterval = 30 * time.Second

func main() {
	// --- Configuration ---
	flags := pflag.NewFlagSet("viewer", pflag.ExitOnError)
	configPath := flags.String("config", ".", "Directory containing config.yaml")
	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	flags.String("viewer.hub_url", "ws://localhost:8081/ws", "Hub websocket URL")
	flags.String("viewer.negotiate_url", "", "Negotiate endpoint; overrides hub_url when set")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "viewer: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "viewer")
	if err := cfg.ValidateViewer(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	ids, err := data.LoadDeviceIDsFile(cfg.Viewer.DevicesFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cannot load device list")
	}

	// --- Initialize Components ---
	entities := logging.Component(logger, "entities")
	rec := consumer.NewReconciler(ids, logging.Component(logger, "reconciler"),
		consumer.WithDetector(anomaly.NewDetector(cfg.Anomaly.Rules, logging.Component(logger, "anomaly"))),
		consumer.WithUpdateHandler(func(e consumer.LiveEntity) {
			ev := entities.Debug().Str("turbine", e.DeviceID).Float64("power", e.Telemetry.Power).Int("code", e.Telemetry.Code)
			if len(e.OutOfRange) > 0 {
				ev = entities.Warn().Str("turbine", e.DeviceID).Strs("out_of_range", e.OutOfRange)
			}
			ev.Msg("Turbine updated")
		}),
		consumer.WithAlertHandler(func(e consumer.LiveEntity) {
			entities.Info().Str("turbine", e.DeviceID).Bool("alert", e.Alert).Msg("Alert changed")
		}),
	)

	v := cfg.Viewer
	conn := consumer.NewConnection(consumer.ConnectionConfig{
		HubURL:       v.HubURL,
		NegotiateURL: v.NegotiateURL,
		Username:     v.Username,
		Password:     v.Password,
		Reconnect:    v.Reconnect,
	}, rec, logging.Component(logger, "connection"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// --- Run ---
	g.Go(func() error { return rec.Run(ctx) })
	g.Go(func() error { return conn.Run(ctx) })
	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Stop()
				return nil
			case <-ticker.C:
				all, err := rec.Snapshot(ctx)
				if err != nil {
					continue
				}
				alerts := 0
				for _, e := range all {
					if e.Alert {
						alerts++
					}
				}
				logger.Info().Int("turbines", len(all)).Int("alerts", alerts).Int("connects", conn.Connects()).Msg("Status")
			}
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Viewer stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Viewer stopped")
}

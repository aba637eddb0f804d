// cmd/relay/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"windtwin-gateway/internal/alerting"
	"windtwin-gateway/internal/api"
	"windtwin-gateway/internal/auth"
	"windtwin-gateway/internal/config"
	"windtwin-gateway/internal/data"
	"windtwin-gateway/internal/ingest"
	"windtwin-gateway/internal/logging"
	"windtwin-gateway/internal/router"
	"windtwin-gateway/internal/storage"
	"windtwin-gateway/internal/twin"
	"windtwin-gateway/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// --- Configuration ---
	flags := pflag.NewFlagSet("relay", pflag.ExitOnError)
	configPath := flags.String("config", ".", "Directory containing config.yaml")
	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	flags.Int("server.data_port", 8080, "Ingestion and metrics port")
	flags.Int("server.ui_port", 8081, "Viewer port (negotiate, hub, twin API)")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, "relay")
	if err := cfg.ValidateRelay(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}
	logger.Info().Str("config_file", cfg.FileUsed).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	am := auth.NewAuthManager(cfg.Auth)
	if !am.RequiresAPIKey() {
		logger.Warn().Msg("No ingest API keys configured; /api/events is open")
	}

	var (
		twinSvc  api.TwinService
		twinRead alerting.AlertSource
	)
	if cfg.Twin.Enabled() {
		client, err := twin.NewClient(cfg.Twin, nil, logging.Component(logger, "twin"))
		if err != nil {
			logger.Fatal().Err(err).Msg("Invalid twin configuration")
		}
		twinSvc, twinRead = client, client
	}

	var resync *alerting.Resyncer
	hub := websocket.NewHub(logging.Component(logger, "hub"), websocket.WithOnRegister(func(*websocket.Client) {
		if resync != nil {
			resync.Request()
		}
	}))
	var storeOpts []storage.StoreOption
	fleet, err := data.LoadDeviceIDsFile(cfg.Relay.DevicesFile)
	if err != nil {
		logger.Warn().Err(err).Msg("Device list unavailable, snapshot store open to any device and twin resync disabled")
		fleet = nil
	} else {
		storeOpts = append(storeOpts, storage.WithFleet(fleet))
	}
	store := storage.NewMemoryStore(storeOpts...)
	apiHandler := api.NewAPIHandler(
		router.New(logging.Component(logger, "router")),
		store, hub, twinSvc, am, cfg.Relay.PublicHubURL,
		logging.Component(logger, "api"),
	)

	if twinRead != nil && fleet != nil {
		resync = alerting.NewResyncer(twinRead, fleet, apiHandler, cfg.Relay.ResyncInterval, logging.Component(logger, "resync"))
	}

	g, ctx := errgroup.WithContext(ctx)

	// --- Start WebSocket Hub ---
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	if resync != nil {
		g.Go(func() error { return resync.Run(ctx) })
	}

	if cfg.Relay.NATSIngest {
		nc, err := ingest.Connect(cfg.NATS.URL, "windtwin-relay", logging.Component(logger, "nats"))
		if err != nil {
			logger.Fatal().Err(err).Msg("NATS ingest unavailable")
		}
		defer nc.Close()
		g.Go(func() error {
			return ingest.Listen(ctx, nc, cfg.NATS.SubjectPrefix, func(_ string, body []byte) {
				apiHandler.IngestRaw(body, "nats")
			}, logging.Component(logger, "nats"))
		})
	}

	// --- Setup HTTP Servers ---
	dataServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.DataPort),
		Handler:           api.SetupDataRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	uiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.UIPort),
		Handler:           api.SetupUIRouter(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	for name, srv := range map[string]*http.Server{"data": dataServer, "ui": uiServer} {
		g.Go(func() error {
			logger.Info().Str("server", name).Str("addr", srv.Addr).Msg("Starting HTTP server")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}

	// --- Graceful Shutdown ---
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("Shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(dataServer.Shutdown(shutdownCtx), uiServer.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Relay stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Servers gracefully stopped.")
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/api"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/network"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/radio"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/registry"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/storage"
)

func main() {
	configPath := flag.String("config", "config/gateway-controller.yml", "configuration file path")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("loading configuration failed")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if *validateOnly {
		log.Info().Msg("configuration is valid")
		return
	}

	if _, ok := cfg.SystemKey(); !ok {
		log.Warn().Msg("no system key configured; pairing is disabled until one is set")
	}

	log.Info().
		Str("name", cfg.Server.Name).
		Str("version", cfg.Server.Version).
		Str("controller", cfg.Controller.Address).
		Msg("gateway controller starting")

	reg := registry.New(cfg.Controller.RegistryFile, log.Logger)
	if err := reg.Load(); err != nil {
		log.Fatal().Err(err).Msg("loading device registry failed")
	}

	var store storage.Store
	if cfg.Database.Enabled {
		pg, err := storage.NewPostgresStore(cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("opening history store failed")
		}
		defer pg.Close()
		store = pg
	}

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to NATS failed")
	}
	defer nc.Close()

	transport, err := radio.NewNATSTransport(nc, cfg.Radio, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("opening radio transport failed")
	}
	defer transport.Close()

	proc := network.NewProcessor(cfg, reg, transport, store, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		errCh <- proc.Run(ctx)
	}()

	if cfg.API.Enabled {
		server := api.NewRESTServer(cfg, proc, store, log.Logger)
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
			errCh <- server.ListenAndServe(addr)
		}()
		defer server.Shutdown(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("component failed")
		}
	}

	cancel()
	if err := reg.Save(); err != nil {
		log.Error().Err(err).Msg("final registry save failed")
	}
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/iohc-gateway/iohc-gateway-pro/internal/config"
	"github.com/iohc-gateway/iohc-gateway-pro/internal/gateway"
)

func main() {
	configPath := flag.String("config", "config/gateway-controller.yml", "configuration file path")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("loading configuration failed")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("udp_bind", cfg.Radio.UDPBind).
		Str("nats", cfg.NATS.URL).
		Msg("radio bridge starting")

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects))
	if err != nil {
		log.Fatal().Err(err).Msg("connecting to NATS failed")
	}
	defer nc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge := gateway.NewUDPRadioBridge(cfg.Radio, nc, log.Logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- bridge.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("bridge failed")
		}
	}
}

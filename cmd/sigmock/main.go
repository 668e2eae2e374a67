// Command sigmock runs the mock Signal server as a standalone process: load
// config, mint the façade, bind its listener, and serve until interrupted.
// Unlike the teacher's cmd/mautrix-signal/main.go, nothing here is coupled
// to mxmain.BridgeMain — sigmock has no Matrix side and no bridge lifecycle,
// just the façade's own Listen/Close pair.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/offsoc/Mock-Signal-Server/internal/config"
	"github.com/offsoc/Mock-Signal-Server/internal/facade"
)

func main() {
	configPath := flag.String("config", "", "path to sigmock config YAML (uses built-in defaults if omitted)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("failed to load config")
		}
		cfg = loaded
	}

	log := newLogger(cfg.Logging)

	trustRoot, err := config.LoadTrustRoot(cfg.Certs.TrustRootPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Certs.TrustRootPath).Msg("failed to load trust root")
	}
	zkParams, err := config.LoadZKParams(cfg.Certs.ZKParamsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Certs.ZKParamsPath).Msg("failed to load zk params")
	}

	srv, err := facade.New(cfg, trustRoot, zkParams, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct server")
	}

	host, port := splitListenAddress(cfg.Listen.Address)
	if err := srv.Listen(port, host); err != nil {
		log.Fatal().Err(err).Str("address", cfg.Listen.Address).Msg("failed to listen")
	}
	log.Info().Str("address", srv.Address()).Msg("sigmock listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info().Msg("shutting down")
	if err := srv.Close(); err != nil {
		log.Err(err).Msg("error during shutdown")
	}
}

// newLogger builds the console/JSON zerolog writer the Logging config
// section names, mirroring the level/pretty/time-format knobs the teacher's
// own bridge config exposes.
func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	var writer = os.Stderr
	logCtx := zerolog.New(writer).Level(level).With().Timestamp()
	if cfg.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: cfg.TimeFormat}).Level(level).With().Timestamp().Logger()
	}
	return logCtx.Logger()
}

// splitListenAddress turns "host:port" into its parts, defaulting host to
// all-interfaces and port to 0 (ephemeral) on a malformed or empty address.
func splitListenAddress(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

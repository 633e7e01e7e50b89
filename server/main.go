// The relay binary serves the signaling endpoint the driver and follower
// register on, and the clips written by the disk upload backend.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/haneulee/HEAD-plaza/internal/config"
	"github.com/haneulee/HEAD-plaza/internal/logging"
	"github.com/haneulee/HEAD-plaza/pkg/relay"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listenAddr, logLevel string
	var logDev bool

	flagSet := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to config.toml")
	flagSet.StringVar(&listenAddr, "listen", "", "listen address (overrides listen_addr)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides log_level)")
	flagSet.BoolVar(&logDev, "log-dev", false, "human readable logs")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	cfg.LogDev = cfg.LogDev || logDev
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	srv := relay.NewServer(relay.Config{
		Path:   cfg.RelayPath,
		Logger: log,
	})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if cfg.UploadBackend == config.UploadDisk {
		mux.Handle("/clips/", http.StripPrefix("/clips/", http.FileServer(http.Dir(cfg.UploadDir))))
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return errors.WithStack(err)
	}
	log.Info("Relay listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("endpoint", cfg.RelayPath))

	ctx, cancel := signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("http", parallel.Continue, func(ctx context.Context) error {
			if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return nil
		})
		spawn("shutdown", parallel.Continue, func(ctx context.Context) error {
			<-ctx.Done()
			log.Info("Relay shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.WithStack(httpServer.Shutdown(shutdownCtx))
		})
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

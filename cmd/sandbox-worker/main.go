package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("sandbox-worker", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.Server.Port, "port", cfg.Server.Port, "server port")
	flagSet.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "server host")
	flagSet.StringVar(&cfg.Transport.Codec, "codec", cfg.Transport.Codec, "wire encoding: json or cbor")
	flagSet.StringVar(&cfg.Permissions.Profile, "permissions", cfg.Permissions.Profile, "permission profile file (yaml, toml or json)")
	flagSet.DurationVar(&cfg.Sandbox.ExecTimeout, "exec-timeout", cfg.Sandbox.ExecTimeout, "maximum run time of one evaluation")
	flagSet.BoolVar(&cfg.Logging.Development, "dev", cfg.Logging.Development, "development logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logger, err := logging.New(logging.ConfigFor(cfg.Logging.Level, cfg.Logging.Development))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully", zap.Stringer("signal", sig))
		return srv.Close()
	case err := <-errChan:
		srv.Close()
		return err
	}
}

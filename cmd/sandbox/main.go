package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/GriffinCanCode/sandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox/internal/sandbox"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		code     string
		file     string
		remote   string
		timeout  time.Duration
		wireName string
		execute  bool
		dev      bool
	)

	cfg := config.LoadOrDefault()

	flagSet := pflag.NewFlagSet("sandbox", pflag.ContinueOnError)
	flagSet.StringVarP(&code, "eval", "e", "", "code to evaluate")
	flagSet.StringVarP(&file, "file", "f", "", "file to evaluate, - for stdin")
	flagSet.StringVar(&remote, "remote", "", "sandbox-worker endpoint, e.g. ws://localhost:8700/sandbox")
	flagSet.DurationVar(&timeout, "timeout", cfg.Sandbox.RequestTimeout, "request timeout")
	flagSet.StringVar(&wireName, "codec", cfg.Transport.Codec, "wire encoding: json or cbor")
	flagSet.BoolVar(&execute, "execute", false, "run for effects only and print nothing")
	flagSet.BoolVar(&dev, "dev", false, "development logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	source, err := readSource(code, file, flagSet.Args())
	if err != nil {
		return err
	}

	cfg.Sandbox.RequestTimeout = timeout
	cfg.Transport.Codec = wireName
	opts, err := sandbox.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}

	logger := logging.Nop()
	if dev {
		logger = logging.NewDevelopment()
	}
	defer logger.Sync()
	opts = append(opts, sandbox.WithLogger(logger.Logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var sb *sandbox.Sandbox
	if remote != "" {
		if err := waitHealthy(ctx, remote, timeout); err != nil {
			return err
		}
		sb, err = sandbox.Dial(ctx, remote, opts...)
	} else {
		sb, err = sandbox.New(opts...)
	}
	if err != nil {
		return err
	}
	defer sb.Destroy()

	if execute {
		return sb.Execute(ctx, source)
	}
	result, err := sb.Eval(ctx, source)
	if err != nil {
		return err
	}
	return printResult(os.Stdout, result)
}

func readSource(code, file string, args []string) (string, error) {
	switch {
	case code != "" && file != "":
		return "", errors.New("--eval and --file are mutually exclusive")
	case code != "":
		return code, nil
	case file == "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	case file != "":
		data, err := os.ReadFile(file)
		return string(data), err
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		return string(data), err
	}
	return "", errors.New("nothing to evaluate: pass --eval or --file")
}

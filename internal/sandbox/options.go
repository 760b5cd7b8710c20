package sandbox

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/sandbox/internal/codec"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/config"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sandbox/internal/protocol"
	"github.com/GriffinCanCode/sandbox/internal/rpc"
	"github.com/GriffinCanCode/sandbox/internal/transport"
	"github.com/GriffinCanCode/sandbox/internal/worker"
)

// Option configures a Sandbox
type Option func(*options)

type options struct {
	hostPerms   *protocol.Permissions
	workerPerms *protocol.Permissions
	timeout     time.Duration
	format      codec.Format
	runtime     worker.Config
	wsOptions   []transport.Option
	logger      *zap.Logger
	metrics     *monitoring.Metrics
	tracer      *tracing.Tracer
}

func defaultOptions() options {
	return options{
		hostPerms:   protocol.HostDefaults(),
		workerPerms: protocol.WorkerDefaults(),
		timeout:     rpc.DefaultTimeout,
		format:      codec.JSON,
		runtime:     worker.DefaultConfig(),
	}
}

// WithHostPermissions replaces the host's permission set
func WithHostPermissions(p *protocol.Permissions) Option {
	return func(o *options) {
		o.hostPerms = p
	}
}

// WithWorkerPermissions replaces the in-process worker's permission set
func WithWorkerPermissions(p *protocol.Permissions) Option {
	return func(o *options) {
		o.workerPerms = p
	}
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithFormat selects the wire encoding. Both peers must agree.
func WithFormat(f codec.Format) Option {
	return func(o *options) {
		o.format = f
	}
}

// WithRuntime sets the in-process worker's runtime limits
func WithRuntime(c worker.Config) Option {
	return func(o *options) {
		o.runtime = c
	}
}

// WithTransportOptions configures the WebSocket used by Dial
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) {
		o.wsOptions = append(o.wsOptions, opts...)
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records sandbox, channel and transport metrics
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer records spans for the sandbox's requests, and for the
// in-process worker's as well
func WithTracer(t *tracing.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// OptionsFromConfig translates configuration into sandbox options
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	hostPerms, err := cfg.HostPermissions()
	if err != nil {
		return nil, fmt.Errorf("host permissions: %w", err)
	}
	workerPerms, err := cfg.WorkerPermissions()
	if err != nil {
		return nil, fmt.Errorf("worker permissions: %w", err)
	}
	format, err := codec.ParseFormat(cfg.Transport.Codec)
	if err != nil {
		return nil, err
	}

	wsOpts := []transport.Option{
		transport.WithCompression(cfg.Transport.CompressThreshold),
		transport.WithMaxMessageSize(cfg.Transport.MaxMessageSize),
	}
	if cfg.RateLimit.Enabled {
		wsOpts = append(wsOpts, transport.WithRateLimit(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst))
	}

	return []Option{
		WithHostPermissions(hostPerms),
		WithWorkerPermissions(workerPerms),
		WithTimeout(cfg.Sandbox.RequestTimeout),
		WithFormat(format),
		WithRuntime(RuntimeConfig(cfg.Sandbox)),
		WithTransportOptions(wsOpts...),
	}, nil
}

// RuntimeConfig converts sandbox configuration into worker limits
func RuntimeConfig(c config.SandboxConfig) worker.Config {
	return worker.Config{
		ExecTimeout:  c.ExecTimeout,
		MaxCallStack: c.MaxCallStack,
		Console:      c.Console,
	}
}

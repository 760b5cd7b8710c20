package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/sandbox/internal/protocol"
)

// Config holds all application configuration.
type Config struct {
	Sandbox     SandboxConfig
	Permissions PermissionConfig
	Server      ServerConfig
	Transport   TransportConfig
	Logging     LogConfig
	RateLimit   RateLimitConfig
}

// SandboxConfig holds worker and request limits.
type SandboxConfig struct {
	RequestTimeout time.Duration `envconfig:"SANDBOX_TIMEOUT" default:"30s"`
	ExecTimeout    time.Duration `envconfig:"SANDBOX_EXEC_TIMEOUT" default:"10s"`
	MaxCallStack   int           `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	Console        bool          `envconfig:"SANDBOX_CONSOLE" default:"true"`
}

// PermissionConfig overrides the default permission sets. Explicit
// lists win over the profile file, which wins over the defaults.
type PermissionConfig struct {
	Host    []string `envconfig:"SANDBOX_HOST_PERMISSIONS"`
	Worker  []string `envconfig:"SANDBOX_WORKER_PERMISSIONS"`
	Profile string   `envconfig:"SANDBOX_PERMISSION_PROFILE"`
}

// ServerConfig holds worker server configuration.
type ServerConfig struct {
	Port           string   `envconfig:"PORT" default:"8700"`
	Host           string   `envconfig:"HOST" default:"0.0.0.0"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`
}

// TransportConfig holds wire settings shared by both peers.
type TransportConfig struct {
	Codec             string `envconfig:"SANDBOX_CODEC" default:"json"`
	CompressThreshold int    `envconfig:"SANDBOX_COMPRESS_THRESHOLD" default:"4096"`
	MaxMessageSize    int    `envconfig:"SANDBOX_MAX_MESSAGE_SIZE" default:"8388608"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds inbound message rate limiting configuration.
type RateLimitConfig struct {
	MessagesPerSecond int  `envconfig:"RATE_LIMIT_MPS" default:"1000"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"2000"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Sandbox: SandboxConfig{
			RequestTimeout: 30 * time.Second,
			ExecTimeout:    10 * time.Second,
			MaxCallStack:   1024,
			Console:        true,
		},
		Server: ServerConfig{
			Port:           "8700",
			Host:           "0.0.0.0",
			AllowedOrigins: []string{"*"},
		},
		Transport: TransportConfig{
			Codec:             "json",
			CompressThreshold: 4096,
			MaxMessageSize:    8 * 1024 * 1024,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 1000,
			Burst:             2000,
			Enabled:           true,
		},
	}
}

// Addr returns the listen address of the worker server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// HostPermissions resolves the permission set granted to the host peer.
func (c *Config) HostPermissions() (*protocol.Permissions, error) {
	return c.resolve(c.Permissions.Host, func(p *Profile) []string { return p.Host }, protocol.HostDefaults)
}

// WorkerPermissions resolves the permission set granted to the worker peer.
func (c *Config) WorkerPermissions() (*protocol.Permissions, error) {
	return c.resolve(c.Permissions.Worker, func(p *Profile) []string { return p.Worker }, protocol.WorkerDefaults)
}

func (c *Config) resolve(explicit []string, fromProfile func(*Profile) []string, defaults func() *protocol.Permissions) (*protocol.Permissions, error) {
	tokens := explicit
	if len(tokens) == 0 && c.Permissions.Profile != "" {
		profile, err := LoadProfile(c.Permissions.Profile)
		if err != nil {
			return nil, err
		}
		tokens = fromProfile(profile)
	}
	if len(tokens) == 0 {
		return defaults(), nil
	}

	granted, err := protocol.ParsePermissions(tokens)
	if err != nil {
		return nil, fmt.Errorf("invalid permission configuration: %w", err)
	}
	return protocol.NewPermissions(granted...)
}

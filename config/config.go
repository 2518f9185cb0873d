package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. AMF_SERVER_LISTEN.
const EnvPrefix = "AMF_"

// Config is the gateway configuration. Values come from Default, then an
// optional TOML file, then AMF_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `toml:"log" envPrefix:"LOG_"`
	RateLimit RateLimitConfig `toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Registry  RegistryConfig  `toml:"registry" envPrefix:"REGISTRY_"`
	Metrics   MetricsConfig   `toml:"metrics" envPrefix:"METRICS_"`
	Tracing   TracingConfig   `toml:"tracing" envPrefix:"TRACING_"`
}

type ServerConfig struct {
	Listen          string   `toml:"listen" env:"LISTEN"`
	ChannelPath     string   `toml:"channel_path" env:"CHANNEL_PATH"`
	ChannelName     string   `toml:"channel_name" env:"CHANNEL_NAME"`
	HealthPath      string   `toml:"health_path" env:"HEALTH_PATH"`
	MaxBodyBytes    int64    `toml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	ReadTimeout     Duration `toml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Dir     string `toml:"dir" env:"DIR"`
	File    string `toml:"file" env:"FILE"`
	Level   string `toml:"level" env:"LEVEL"`
	Console bool   `toml:"console" env:"CONSOLE"`
	// lumberjack rotation
	MaxSizeMB  int `toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int `toml:"max_backups" env:"MAX_BACKUPS"`
	MaxAgeDays int `toml:"max_age_days" env:"MAX_AGE_DAYS"`
}

type RateLimitConfig struct {
	Enabled bool    `toml:"enabled" env:"ENABLED"`
	RPS     float64 `toml:"rps" env:"RPS"`
	Burst   int     `toml:"burst" env:"BURST"`
}

// RegistryConfig controls service announcement. With no endpoints the
// gateway uses an in-process static registry.
type RegistryConfig struct {
	Endpoints   []string `toml:"endpoints" env:"ENDPOINTS" envSeparator:","`
	Prefix      string   `toml:"prefix" env:"PREFIX"`
	Advertise   string   `toml:"advertise" env:"ADVERTISE"`
	TTL         int64    `toml:"ttl" env:"TTL"`
	DialTimeout Duration `toml:"dial_timeout" env:"DIAL_TIMEOUT"`
	Weight      int      `toml:"weight" env:"WEIGHT"`
	Version     string   `toml:"version" env:"VERSION"`
	Balancer    string   `toml:"balancer" env:"BALANCER"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" env:"ENABLED"`
	Path    string `toml:"path" env:"PATH"`
}

type TracingConfig struct {
	Enabled     bool   `toml:"enabled" env:"ENABLED"`
	Endpoint    string `toml:"endpoint" env:"ENDPOINT"`
	ServiceName string `toml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ChannelPath:     "/amf",
			ChannelName:     "amf",
			HealthPath:      "/healthz",
			MaxBodyBytes:    16 << 20,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{
			File:       "amf-gateway.log",
			Level:      "info",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		RateLimit: RateLimitConfig{RPS: 1000, Burst: 100},
		Registry: RegistryConfig{
			TTL:         10,
			DialTimeout: Duration(5 * time.Second),
			Weight:      1,
			Balancer:    "round_robin",
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Tracing: TracingConfig{ServiceName: "amf-gateway"},
	}
}

// Load reads the TOML file at path when path is not empty, applies AMF_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		dec := toml.NewDecoder(bytes.NewReader(b)).DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if !strings.HasPrefix(c.Server.ChannelPath, "/") {
		errs = append(errs, fmt.Errorf("server.channel_path %q must start with /", c.Server.ChannelPath))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1) {
		errs = append(errs, errors.New("rate_limit needs rps > 0 and burst >= 1"))
	}
	if len(c.Registry.Endpoints) > 0 {
		if c.Registry.Advertise == "" {
			errs = append(errs, errors.New("registry.advertise is required with etcd endpoints"))
		}
		if c.Registry.TTL <= 0 {
			errs = append(errs, errors.New("registry.ttl must be positive"))
		}
	}
	switch c.Registry.Balancer {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		errs = append(errs, fmt.Errorf("registry.balancer %q is not supported", c.Registry.Balancer))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// Duration is a time.Duration written as a string ("15s") in TOML and env.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

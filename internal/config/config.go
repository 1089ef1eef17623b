// Package config loads agent configuration from defaults, an optional
// YAML file, and environment variables, in that order of precedence.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxmoxConfig holds the Proxmox VE cluster connection settings.
// Host, TokenID and TokenSecret are required and have no default;
// they are expected to come from the environment, never the config
// file, to keep credentials out of a file that might be checked in.
type ProxmoxConfig struct {
	Host        string `json:"-" yaml:"-"`
	TokenID     string `json:"-" yaml:"-"`
	TokenSecret string `json:"-" yaml:"-"`
	InsecureSSL bool   `json:"insecure_ssl" yaml:"insecure_ssl"`
	FallbackVM  string `json:"fallback_vm" yaml:"fallback_vm"`
}

// DaemonConfig holds the HTTP request surface's bind settings.
type DaemonConfig struct {
	Bind string `json:"bind" yaml:"bind"`
	Port int    `json:"port" yaml:"port"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`       // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`       // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// RemoteLogConfig configures the optional batched remote log forwarder.
// Forwarding is disabled unless UploadURL is set.
type RemoteLogConfig struct {
	UploadURL           string        `json:"upload_url" yaml:"upload_url"`
	AuthorizationSecret string        `json:"-" yaml:"-"`
	MaxPendingBytes     int           `json:"max_pending_bytes" yaml:"max_pending_bytes"`
	MaxUploadBytes      int           `json:"max_upload_bytes" yaml:"max_upload_bytes"`
	UploadDelay         time.Duration `json:"upload_delay" yaml:"upload_delay"`
}

// RateLimitConfig configures the optional Redis-backed rate limiter on
// the request surface. Disabled unless RedisAddr is set.
type RateLimitConfig struct {
	RedisAddr         string  `json:"redis_addr" yaml:"redis_addr"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// Config is the agent's full resolved configuration.
type Config struct {
	Proxmox    ProxmoxConfig    `json:"proxmox" yaml:"proxmox"`
	Daemon     DaemonConfig     `json:"daemon" yaml:"daemon"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	RemoteLog  RemoteLogConfig  `json:"remote_log" yaml:"remote_log"`
	RateLimit  RateLimitConfig  `json:"rate_limit" yaml:"rate_limit"`
}

// DefaultConfig returns the agent's hardcoded defaults, before any
// config file or environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "risky-proxmox-agent",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "rpa",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		RemoteLog: RemoteLogConfig{
			MaxPendingBytes: 4 << 20,
			MaxUploadBytes:  256 << 10,
			UploadDelay:     5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			BurstSize:         20,
		},
	}
}

// LoadFromFile overrides cfg's fields with values present in the YAML
// file at path. Missing fields are left untouched. Secrets are never
// read from this file — see ProxmoxConfig and RemoteLogConfig.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// LoadFromEnv overrides cfg's fields with environment variables. The
// three Proxmox credential variables are required by spec and have no
// default; callers should validate Host/TokenID/TokenSecret are set
// after calling this.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("PVE_HOST"); v != "" {
		c.Proxmox.Host = v
	}
	if v := os.Getenv("PVE_TOKEN_ID"); v != "" {
		c.Proxmox.TokenID = v
	}
	if v := os.Getenv("PVE_TOKEN_SECRET"); v != "" {
		c.Proxmox.TokenSecret = v
	}
	if v, ok := os.LookupEnv("PVE_INSECURE_SSL"); ok {
		c.Proxmox.InsecureSSL = parseBool(v, c.Proxmox.InsecureSSL)
	}
	if v := os.Getenv("PVE_FALLBACK_VM"); v != "" {
		c.Proxmox.FallbackVM = v
	}

	if v := os.Getenv("RPA_BIND"); v != "" {
		c.Daemon.Bind = v
	}
	if v := os.Getenv("RPA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Daemon.Port = port
		}
	}
	if v := os.Getenv("RPA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RPA_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v, ok := os.LookupEnv("RPA_TRACING_ENABLED"); ok {
		c.Tracing.Enabled = parseBool(v, c.Tracing.Enabled)
	}
	if v := os.Getenv("RPA_TRACING_ENDPOINT"); v != "" {
		c.Tracing.Endpoint = v
	}
	if v, ok := os.LookupEnv("RPA_METRICS_ENABLED"); ok {
		c.Metrics.Enabled = parseBool(v, c.Metrics.Enabled)
	}
	if v := os.Getenv("RPA_REMOTE_LOG_URL"); v != "" {
		c.RemoteLog.UploadURL = v
	}
	if v := os.Getenv("RPA_REMOTE_LOG_SECRET"); v != "" {
		c.RemoteLog.AuthorizationSecret = v
	}
	if v := os.Getenv("RPA_RATELIMIT_REDIS_ADDR"); v != "" {
		c.RateLimit.RedisAddr = v
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}

// Package config holds the typed options record the broker core accepts at
// construction, plus the file/env loading glue that is external to the core
// (spec: configuration loading from files/env is a collaborator, not part
// of the broker core itself).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ListenerConfig holds TCP listener settings.
type ListenerConfig struct {
	Port           int       `yaml:"port"`
	MaxConnections int       `yaml:"max_connections"`
	MaxMessageSize int       `yaml:"max_message_size"`
	TLS            TLSConfig `yaml:"tls"`
}

// TLSConfig holds optional transport encryption settings.
type TLSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CertPath     string `yaml:"cert_path"`
	CertPassword string `yaml:"cert_password"`
}

// AuthConfig holds the single-token authenticator settings.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// QueueDefaultsConfig holds the defaults applied to auto-created queues.
type QueueDefaultsConfig struct {
	DeliveryMode      string        `yaml:"delivery_mode"`
	MaxSize           int           `yaml:"max_size"`
	AutoCreate        bool          `yaml:"auto_create"`
	MessageTTL        time.Duration `yaml:"message_ttl"`
	DLQEnabled        bool          `yaml:"dlq_enabled"`
	MaxRetryAttempts  int           `yaml:"max_retry_attempts"`
	OverflowStrategy  string        `yaml:"overflow_strategy"`
}

// RateLimitConfig holds the two independent in-memory limiters.
type RateLimitConfig struct {
	Enabled                      bool `yaml:"enabled"`
	MaxConnectionsPerIPPerWindow int  `yaml:"max_connections_per_ip_per_window"`
	ConnectionWindowSeconds      int  `yaml:"connection_window_seconds"`
	MaxMessagesPerClientPerSecond int `yaml:"max_messages_per_client_per_second"`
}

// TimingConfig holds the timeouts and backoff bounds spec.md §6 names.
type TimingConfig struct {
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
}

// DLQConfig holds dead-letter ring buffer settings.
type DLQConfig struct {
	Capacity int `yaml:"capacity"`
}

// ObservabilityConfig holds logging and tracing ambient settings.
type ObservabilityConfig struct {
	LogLevel      string  `yaml:"log_level"`
	LogFormat     string  `yaml:"log_format"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	TracingExporter string `yaml:"tracing_exporter"`
	TracingEndpoint string `yaml:"tracing_endpoint"`
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// Options is the typed options record the broker core is constructed with.
type Options struct {
	Listener      ListenerConfig      `yaml:"listener"`
	Auth          AuthConfig          `yaml:"auth"`
	QueueDefaults QueueDefaultsConfig `yaml:"queue_defaults"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Timing        TimingConfig        `yaml:"timing"`
	DLQ           DLQConfig           `yaml:"dlq"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// DefaultOptions returns an Options with the defaults named throughout
// spec.md §6.
func DefaultOptions() *Options {
	return &Options{
		Listener: ListenerConfig{
			Port:           8080,
			MaxConnections: 10000,
			MaxMessageSize: 1 << 20, // 1 MiB
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		QueueDefaults: QueueDefaultsConfig{
			DeliveryMode:     "round_robin",
			MaxSize:          10000,
			AutoCreate:       true,
			MessageTTL:       0,
			DLQEnabled:       true,
			MaxRetryAttempts: 3,
			OverflowStrategy: "drop_oldest",
		},
		RateLimit: RateLimitConfig{
			Enabled:                       false,
			MaxConnectionsPerIPPerWindow:  100,
			ConnectionWindowSeconds:       60,
			MaxMessagesPerClientPerSecond: 1000,
		},
		Timing: TimingConfig{
			KeepAliveInterval: 30 * time.Second,
			HandshakeTimeout:  5 * time.Second,
			AckTimeout:        30 * time.Second,
			ShutdownGrace:     30 * time.Second,
			InitialBackoff:    1 * time.Second,
			MaxBackoff:        5 * time.Minute,
		},
		DLQ: DLQConfig{
			Capacity: 10000,
		},
		Observability: ObservabilityConfig{
			LogLevel:         "info",
			LogFormat:        "text",
			TracingEnabled:   false,
			TracingExporter:  "otlp-http",
			TracingEndpoint:  "localhost:4318",
			MetricsNamespace: "broker",
		},
	}
}

// LoadFromFile loads Options from a YAML file, starting from defaults so
// unspecified fields keep their sensible values.
func LoadFromFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return opts, nil
}

// LoadFromEnv applies BROKER_* environment variable overrides to opts.
func LoadFromEnv(opts *Options) {
	if v := os.Getenv("BROKER_LISTENER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Listener.Port = n
		}
	}
	if v := os.Getenv("BROKER_LISTENER_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Listener.MaxConnections = n
		}
	}
	if v := os.Getenv("BROKER_LISTENER_MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Listener.MaxMessageSize = n
		}
	}
	if v := os.Getenv("BROKER_TLS_ENABLED"); v != "" {
		opts.Listener.TLS.Enabled = parseBool(v)
	}
	if v := os.Getenv("BROKER_TLS_CERT_PATH"); v != "" {
		opts.Listener.TLS.CertPath = v
	}
	if v := os.Getenv("BROKER_TLS_CERT_PASSWORD"); v != "" {
		opts.Listener.TLS.CertPassword = v
	}

	if v := os.Getenv("BROKER_AUTH_ENABLED"); v != "" {
		opts.Auth.Enabled = parseBool(v)
	}
	if v := os.Getenv("BROKER_AUTH_TOKEN"); v != "" {
		opts.Auth.Token = v
		opts.Auth.Enabled = true
	}

	if v := os.Getenv("BROKER_QUEUE_DELIVERY_MODE"); v != "" {
		opts.QueueDefaults.DeliveryMode = v
	}
	if v := os.Getenv("BROKER_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.QueueDefaults.MaxSize = n
		}
	}
	if v := os.Getenv("BROKER_QUEUE_AUTO_CREATE"); v != "" {
		opts.QueueDefaults.AutoCreate = parseBool(v)
	}
	if v := os.Getenv("BROKER_QUEUE_MESSAGE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.QueueDefaults.MessageTTL = d
		}
	}
	if v := os.Getenv("BROKER_QUEUE_DLQ_ENABLED"); v != "" {
		opts.QueueDefaults.DLQEnabled = parseBool(v)
	}
	if v := os.Getenv("BROKER_QUEUE_MAX_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.QueueDefaults.MaxRetryAttempts = n
		}
	}
	if v := os.Getenv("BROKER_QUEUE_OVERFLOW_STRATEGY"); v != "" {
		opts.QueueDefaults.OverflowStrategy = v
	}

	if v := os.Getenv("BROKER_RATE_LIMIT_ENABLED"); v != "" {
		opts.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("BROKER_RATE_LIMIT_MAX_CONNECTIONS_PER_IP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.RateLimit.MaxConnectionsPerIPPerWindow = n
		}
	}
	if v := os.Getenv("BROKER_RATE_LIMIT_CONNECTION_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.RateLimit.ConnectionWindowSeconds = n
		}
	}
	if v := os.Getenv("BROKER_RATE_LIMIT_MAX_MESSAGES_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.RateLimit.MaxMessagesPerClientPerSecond = n
		}
	}

	if v := os.Getenv("BROKER_KEEPALIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.Timing.KeepAliveInterval = d
		}
	}
	if v := os.Getenv("BROKER_HANDSHAKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.Timing.HandshakeTimeout = d
		}
	}
	if v := os.Getenv("BROKER_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.Timing.AckTimeout = d
		}
	}
	if v := os.Getenv("BROKER_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.Timing.ShutdownGrace = d
		}
	}
	if v := os.Getenv("BROKER_INITIAL_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.Timing.InitialBackoff = d
		}
	}
	if v := os.Getenv("BROKER_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			opts.Timing.MaxBackoff = d
		}
	}

	if v := os.Getenv("BROKER_DLQ_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.DLQ.Capacity = n
		}
	}

	if v := os.Getenv("BROKER_LOG_LEVEL"); v != "" {
		opts.Observability.LogLevel = v
	}
	if v := os.Getenv("BROKER_LOG_FORMAT"); v != "" {
		opts.Observability.LogFormat = v
	}
	if v := os.Getenv("BROKER_TRACING_ENABLED"); v != "" {
		opts.Observability.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("BROKER_TRACING_ENDPOINT"); v != "" {
		opts.Observability.TracingEndpoint = v
	}
	if v := os.Getenv("BROKER_METRICS_NAMESPACE"); v != "" {
		opts.Observability.MetricsNamespace = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}

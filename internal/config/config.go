// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
	"github.com/blueberrycongee/llmux-balancer/strategies"
)

// Config represents the complete balancer configuration.
type Config struct {
	Redis   RedisConfig   `yaml:"redis"`
	Store   StoreConfig   `yaml:"store"`
	QoS     QoSConfig     `yaml:"qos"`
	Routes  []RouteConfig `yaml:"routes"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// RedisConfig enables shared state. An empty Addr keeps all state in memory.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig controls the metric time series.
type StoreConfig struct {
	KeyPrefix string        `yaml:"key_prefix"`
	Retention time.Duration `yaml:"retention"`
}

// QoSConfig controls the QoS wait loop after selection and the priority
// queue used by queued routing.
type QoSConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryCountdown time.Duration `yaml:"retry_countdown"`
	MaxPriority    int           `yaml:"max_priority"`  // Highest accepted request priority
	QueueWorkers   int           `yaml:"queue_workers"` // Concurrent selections per route queue
}

// RouteConfig binds one logical route to a strategy.
type RouteConfig struct {
	Name       string             `yaml:"name"`
	Strategy   string             `yaml:"strategy"` // shuffle, round-robin, least-busy, lowest-latency, weighted
	Metric     string             `yaml:"metric"`   // ttft, latency (least-busy only)
	Percentile *float64           `yaml:"percentile"`
	Window     time.Duration      `yaml:"window"`
	Weights    map[string]float64 `yaml:"weights"`
	Seed       *int64             `yaml:"seed"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`     // stdout, otlp, none
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC endpoint (e.g., "localhost:4317")
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			KeyPrefix: "llmux:lb:ts",
			Retention: 120 * time.Second,
		},
		QoS: QoSConfig{
			MaxRetries:     3,
			RetryCountdown: time.Second,
			MaxPriority:    4,
			QueueWorkers:   1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "stdout",
			Endpoint:    "localhost:4317",
			Insecure:    true,
			ServiceName: "llmux-balancer",
			SampleRate:  1.0,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors. Strategy names are resolved
// against the built-in registry here so that a bad name fails at load time.
func (c *Config) Validate() error {
	return c.ValidateWith(strategies.DefaultRegistry())
}

// ValidateWith checks the configuration against a custom strategy registry.
func (c *Config) ValidateWith(registry *strategies.Registry) error {
	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}

	seen := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if r.Name == "" {
			return fmt.Errorf("routes[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("routes[%d]: duplicate route %q", i, r.Name)
		}
		seen[r.Name] = true

		if !registry.IsRegistered(balancer.Name(r.Strategy)) {
			return fmt.Errorf("routes[%d] %q: %w", i, r.Name, balancer.UnknownStrategyError(balancer.Name(r.Strategy)))
		}
		if r.Metric != "" {
			t, err := metric.ParseType(r.Metric)
			if err != nil {
				return fmt.Errorf("routes[%d] %q: %w", i, r.Name, err)
			}
			if t != metric.TypeTTFT && t != metric.TypeLatency {
				return fmt.Errorf("routes[%d] %q: metric %q cannot drive selection", i, r.Name, t)
			}
		}
		if r.Percentile != nil && (math.IsNaN(*r.Percentile) || *r.Percentile < 0 || *r.Percentile > 1) {
			return fmt.Errorf("routes[%d] %q: percentile must be within [0, 1]", i, r.Name)
		}
		if r.Window < 0 {
			return fmt.Errorf("routes[%d] %q: window cannot be negative", i, r.Name)
		}
		for id, w := range r.Weights {
			if w < 0 {
				return fmt.Errorf("routes[%d] %q: weight for %q cannot be negative", i, r.Name, id)
			}
		}
	}

	if c.Store.Retention < 0 {
		return fmt.Errorf("store.retention cannot be negative")
	}
	if c.QoS.MaxRetries < 0 {
		return fmt.Errorf("qos.max_retries cannot be negative")
	}
	if c.QoS.RetryCountdown < 0 {
		return fmt.Errorf("qos.retry_countdown cannot be negative")
	}
	if c.QoS.MaxPriority < 0 {
		return fmt.Errorf("qos.max_priority cannot be negative")
	}
	if c.QoS.QueueWorkers <= 0 {
		return fmt.Errorf("qos.queue_workers must be positive")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "none":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("tracing.endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("unknown tracing exporter: %q", c.Tracing.Exporter)
	}

	return nil
}

// Bindings converts the configured routes into strategy bindings. base
// supplies the shared collaborators (series reader, cursor store, logger).
func (c *Config) Bindings(base strategies.Deps) []strategies.Binding {
	bindings := make([]strategies.Binding, 0, len(c.Routes))
	for _, r := range c.Routes {
		deps := base
		deps.Route = r.Name
		deps.Params = strategies.Params{
			Metric:     metric.Type(r.Metric),
			Percentile: r.Percentile,
			Window:     r.Window,
		}
		if len(r.Weights) > 0 {
			deps.Params.Weights = make(map[balancer.CandidateID]float64, len(r.Weights))
			for id, w := range r.Weights {
				deps.Params.Weights[balancer.CandidateID(id)] = w
			}
		}
		deps.Rand = nil
		if r.Seed != nil {
			deps.Rand = rand.New(rand.NewSource(*r.Seed))
		}
		bindings = append(bindings, strategies.Binding{
			Route:    r.Name,
			Strategy: balancer.Name(r.Strategy),
			Deps:     deps,
		})
	}
	return bindings
}

// SlogLevel maps the configured level onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package config

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
	"github.com/blueberrycongee/llmux-balancer/strategies"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Store.Retention != 120*time.Second {
		t.Errorf("default retention = %v, want 120s", cfg.Store.Retention)
	}
	if cfg.Store.KeyPrefix != "llmux:lb:ts" {
		t.Errorf("default key prefix = %q", cfg.Store.KeyPrefix)
	}
	if cfg.QoS.RetryCountdown != time.Second {
		t.Errorf("default retry countdown = %v, want 1s", cfg.QoS.RetryCountdown)
	}
	if cfg.QoS.MaxPriority != 4 || cfg.QoS.QueueWorkers != 1 {
		t.Errorf("default queue = priority %d workers %d, want 4 and 1", cfg.QoS.MaxPriority, cfg.QoS.QueueWorkers)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled by default")
	}
	if cfg.Tracing.Endpoint != "localhost:4317" || !cfg.Tracing.Insecure {
		t.Errorf("default otlp endpoint = %q insecure %v", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	}
}

func TestParse(t *testing.T) {
	t.Setenv("TEST_REDIS_ADDR", "localhost:6380")

	cfg, err := Parse([]byte(`
redis:
  addr: ${TEST_REDIS_ADDR}
routes:
  - name: chat
    strategy: least-busy
    metric: latency
    percentile: 0.5
    window: 30s
  - name: canary
    strategy: weighted
    weights:
      stable: 9
      canary: 1
    seed: 7
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Redis.Addr != "localhost:6380" {
		t.Errorf("redis addr = %q, want expanded env value", cfg.Redis.Addr)
	}
	if len(cfg.Routes) != 2 {
		t.Fatalf("routes = %d, want 2", len(cfg.Routes))
	}
	chat := cfg.Routes[0]
	if chat.Percentile == nil || *chat.Percentile != 0.5 {
		t.Errorf("percentile = %v, want 0.5", chat.Percentile)
	}
	if chat.Window != 30*time.Second {
		t.Errorf("window = %v, want 30s", chat.Window)
	}
	if cfg.Routes[1].Weights["stable"] != 9 {
		t.Errorf("weights = %v", cfg.Routes[1].Weights)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("defaults should survive parsing, got level %q", cfg.Logging.Level)
	}
}

func TestConfigValidation(t *testing.T) {
	pct := func(v float64) *float64 { return &v }

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{
			name:    "no routes",
			mutate:  func(c *Config) { c.Routes = nil },
			wantErr: "at least one route",
		},
		{
			name:    "missing route name",
			mutate:  func(c *Config) { c.Routes[0].Name = "" },
			wantErr: "name is required",
		},
		{
			name: "duplicate route",
			mutate: func(c *Config) {
				c.Routes = append(c.Routes, RouteConfig{Name: "chat", Strategy: "shuffle"})
			},
			wantErr: "duplicate route",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Routes[0].Strategy = "fastest" },
			wantErr: "unknown load balancing strategy",
		},
		{
			name:    "unsupported metric",
			mutate:  func(c *Config) { c.Routes[0].Metric = "inflight" },
			wantErr: "cannot drive selection",
		},
		{
			name:    "unknown metric",
			mutate:  func(c *Config) { c.Routes[0].Metric = "throughput" },
			wantErr: "unknown metric type",
		},
		{
			name:    "percentile out of range",
			mutate:  func(c *Config) { c.Routes[0].Percentile = pct(1.2) },
			wantErr: "percentile",
		},
		{
			name:    "percentile NaN",
			mutate:  func(c *Config) { c.Routes[0].Percentile = pct(math.NaN()) },
			wantErr: "percentile",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Routes[0].Weights = map[string]float64{"a": -1} },
			wantErr: "cannot be negative",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.QoS.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "bad sample rate",
			mutate:  func(c *Config) { c.Tracing.SampleRate = 2 },
			wantErr: "sample_rate",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "unknown tracing exporter",
		},
		{
			name: "otlp exporter",
			mutate: func(c *Config) {
				c.Tracing.Exporter = "otlp"
				c.Tracing.Endpoint = "collector:4317"
			},
		},
		{
			name: "otlp exporter without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Exporter = "otlp"
				c.Tracing.Endpoint = ""
			},
			wantErr: "tracing.endpoint",
		},
		{
			name:    "negative max priority",
			mutate:  func(c *Config) { c.QoS.MaxPriority = -1 },
			wantErr: "max_priority",
		},
		{
			name:    "no queue workers",
			mutate:  func(c *Config) { c.QoS.QueueWorkers = 0 },
			wantErr: "queue_workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Routes = []RouteConfig{{Name: "chat", Strategy: "least-busy"}}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUnknownStrategyWrapsSentinel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routes = []RouteConfig{{Name: "chat", Strategy: "nope"}}
	if err := cfg.Validate(); !errors.Is(err, balancer.ErrUnknownStrategy) {
		t.Fatalf("Validate() error = %v, want ErrUnknownStrategy", err)
	}
}

func TestBindings(t *testing.T) {
	seed := int64(3)
	cfg := DefaultConfig()
	cfg.Routes = []RouteConfig{
		{Name: "chat", Strategy: "least-busy", Metric: "latency", Window: time.Minute},
		{Name: "canary", Strategy: "weighted", Weights: map[string]float64{"a": 2}, Seed: &seed},
	}

	bindings := cfg.Bindings(strategies.Deps{Route: "ignored"})
	if len(bindings) != 2 {
		t.Fatalf("bindings = %d, want 2", len(bindings))
	}

	chat := bindings[0]
	if chat.Route != "chat" || chat.Deps.Route != "chat" || chat.Strategy != balancer.NameLeastBusy {
		t.Errorf("chat binding = %+v", chat)
	}
	if chat.Deps.Params.Metric != metric.TypeLatency || chat.Deps.Params.Window != time.Minute {
		t.Errorf("chat params = %+v", chat.Deps.Params)
	}
	if chat.Deps.Rand != nil {
		t.Error("unseeded route should not get a shared rand")
	}

	canary := bindings[1]
	if canary.Deps.Params.Weights["a"] != 2 {
		t.Errorf("canary weights = %v", canary.Deps.Params.Weights)
	}
	if canary.Deps.Rand == nil {
		t.Error("seeded route should get its own rand")
	}

	routes := strategies.NewRoutes(nil)
	err := routes.Replace(cfg.Bindings(strategies.Deps{Series: stubSeries{}}))
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if got := routes.Names(); len(got) != 2 {
		t.Errorf("bound routes = %v", got)
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (LoggingConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(os.DevNull + "/missing.yaml"); err == nil {
		t.Fatal("LoadFromFile() should fail for a missing file")
	}
}

type stubSeries struct{}

func (stubSeries) Range(context.Context, metric.Type, string, time.Time) ([]float64, error) {
	return nil, nil
}

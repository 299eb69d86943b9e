// Package metricstore keeps short retention time series of request metrics.
// Stores act as the metric sink of the dispatch path and as the series reader
// consulted by latency aware strategies.
package metricstore

import (
	"time"

	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
	"github.com/blueberrycongee/llmux-balancer/strategies"
)

// DefaultRetention is how long samples are kept.
const DefaultRetention = 120 * time.Second

// DefaultKeyPrefix prefixes every series key in Redis.
const DefaultKeyPrefix = "llmux:lb:ts"

// seriesTypes are the metric types stored as time series.
var seriesTypes = []metric.Type{metric.TypeTTFT, metric.TypeLatency}

// Store is both a metric sink and a series reader.
type Store interface {
	metric.Sink
	strategies.SeriesReader
}

// KeyFunc derives the series key of a metric. Strategies read series by
// candidate identifier, so the key must match the candidate a metric belongs to.
type KeyFunc func(m metric.Metric) string

// ByProviderURL keys series by the metric's provider URL.
func ByProviderURL(m metric.Metric) string {
	return m.ProviderURL()
}

type config struct {
	prefix    string
	retention time.Duration
	keyFn     KeyFunc
	now       func() time.Time
}

func defaultConfig() config {
	return config{
		prefix:    DefaultKeyPrefix,
		retention: DefaultRetention,
		keyFn:     ByProviderURL,
		now:       time.Now,
	}
}

// Option configures a store.
type Option func(*config)

// WithKeyPrefix sets the Redis key prefix (default: "llmux:lb:ts").
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithRetention sets how long samples are kept (default: 120s).
func WithRetention(retention time.Duration) Option {
	return func(c *config) {
		if retention > 0 {
			c.retention = retention
		}
	}
}

// WithKeyFunc sets how metrics are mapped to series keys (default: provider URL).
func WithKeyFunc(fn KeyFunc) Option {
	return func(c *config) {
		if fn != nil {
			c.keyFn = fn
		}
	}
}

// WithClock overrides time.Now for retention trimming.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

func applyOptions(opts []Option) config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// samplesOf lists the series samples carried by m.
func samplesOf(m metric.Metric) []typedSample {
	out := make([]typedSample, 0, len(seriesTypes))
	for _, t := range seriesTypes {
		if v, ok := m.Value(t); ok {
			out = append(out, typedSample{typ: t, value: v})
		}
	}
	return out
}

type typedSample struct {
	typ   metric.Type
	value float64
}

// Package metric defines the immutable per-request performance record emitted
// by the dispatch path once a selected provider has served a request.
package metric

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Type names a performance measurement that strategies and QoS policies can consult.
type Type string

const (
	// TypeTTFT is the time to first token, in microseconds.
	TypeTTFT Type = "ttft"

	// TypeLatency is the end-to-end request latency, in milliseconds.
	TypeLatency Type = "latency"

	// TypeInflight is the number of concurrent requests on a provider.
	TypeInflight Type = "inflight"

	// TypePerformance is a custom performance indicator.
	TypePerformance Type = "performance"
)

// ParseType validates a metric type name.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeTTFT, TypeLatency, TypeInflight, TypePerformance:
		return t, nil
	default:
		return "", fmt.Errorf("unknown metric type: %q", s)
	}
}

// Metric is a completed request's timing and provenance. The zero value is
// an empty record; use New to build one. Metric values are never mutated
// after construction and are safe to share between goroutines.
type Metric struct {
	timestamp   time.Time
	ttftUS      int64
	hasTTFT     bool
	latencyMS   int64
	hasLatency  bool
	modelName   string
	providerURL string
}

// Option customizes a Metric under construction.
type Option func(*Metric)

// WithTimeToFirstToken sets the time to first token. Negative values leave the field absent.
func WithTimeToFirstToken(d time.Duration) Option {
	return func(m *Metric) {
		if d < 0 {
			return
		}
		m.ttftUS = d.Microseconds()
		m.hasTTFT = true
	}
}

// WithLatency sets the end-to-end latency. Negative values leave the field absent.
func WithLatency(d time.Duration) Option {
	return func(m *Metric) {
		if d < 0 {
			return
		}
		m.latencyMS = d.Milliseconds()
		m.hasLatency = true
	}
}

// WithTimestamp overrides the completion time, e.g. with an upstream reported timestamp.
// A zero time keeps the default.
func WithTimestamp(t time.Time) Option {
	return func(m *Metric) {
		if !t.IsZero() {
			m.timestamp = t
		}
	}
}

// New builds a Metric stamped with the current time.
func New(modelName, providerURL string, opts ...Option) Metric {
	m := Metric{
		timestamp:   time.Now(),
		modelName:   modelName,
		providerURL: providerURL,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Timestamp returns the request completion time.
func (m Metric) Timestamp() time.Time { return m.timestamp }

// ModelName returns the model name, empty if unknown.
func (m Metric) ModelName() string { return m.modelName }

// ProviderURL returns the originating provider URL, empty if unknown.
func (m Metric) ProviderURL() string { return m.providerURL }

// TimeToFirstTokenUS returns the time to first token in microseconds.
// ok is false for non-streaming responses.
func (m Metric) TimeToFirstTokenUS() (us int64, ok bool) { return m.ttftUS, m.hasTTFT }

// LatencyMS returns the end-to-end latency in milliseconds.
func (m Metric) LatencyMS() (ms int64, ok bool) { return m.latencyMS, m.hasLatency }

// TimeToFirstToken returns the time to first token as a duration.
func (m Metric) TimeToFirstToken() (time.Duration, bool) {
	return time.Duration(m.ttftUS) * time.Microsecond, m.hasTTFT
}

// Latency returns the end-to-end latency as a duration.
func (m Metric) Latency() (time.Duration, bool) {
	return time.Duration(m.latencyMS) * time.Millisecond, m.hasLatency
}

// Value returns the sample value for t in the unit stored by time series:
// microseconds for TypeTTFT and milliseconds for TypeLatency.
func (m Metric) Value(t Type) (float64, bool) {
	switch t {
	case TypeTTFT:
		return float64(m.ttftUS), m.hasTTFT
	case TypeLatency:
		return float64(m.latencyMS), m.hasLatency
	default:
		return 0, false
	}
}

type wireMetric struct {
	Timestamp          time.Time `json:"timestamp"`
	TimeToFirstTokenUS *int64    `json:"time_to_first_token_us"`
	LatencyMS          *int64    `json:"latency_ms"`
	ModelName          string    `json:"model_name"`
	ProviderURL        string    `json:"provider_url"`
}

// MarshalJSON encodes absent optional fields as null.
func (m Metric) MarshalJSON() ([]byte, error) {
	w := wireMetric{
		Timestamp:   m.timestamp,
		ModelName:   m.modelName,
		ProviderURL: m.providerURL,
	}
	if m.hasTTFT {
		v := m.ttftUS
		w.TimeToFirstTokenUS = &v
	}
	if m.hasLatency {
		v := m.latencyMS
		w.LatencyMS = &v
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a record produced by MarshalJSON. It exists for sinks
// that read records back; application code builds metrics with New.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var w wireMetric
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Metric{
		timestamp:   w.Timestamp,
		modelName:   w.ModelName,
		providerURL: w.ProviderURL,
	}
	if w.TimeToFirstTokenUS != nil {
		m.ttftUS, m.hasTTFT = *w.TimeToFirstTokenUS, true
	}
	if w.LatencyMS != nil {
		m.latencyMS, m.hasLatency = *w.LatencyMS, true
	}
	return nil
}

package metricstore

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

type seriesKey struct {
	typ metric.Type
	key string
}

type sample struct {
	at    time.Time
	value float64
}

// MemoryStore keeps series in local memory.
//
// Characteristics:
//   - Local-only: samples are not shared across balancer instances
//   - No persistence: samples are lost on restart
type MemoryStore struct {
	mu     sync.RWMutex
	series map[seriesKey][]sample
	cfg    config
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		series: make(map[seriesKey][]sample),
		cfg:    applyOptions(opts),
	}
}

// Append adds the ttft and latency samples of m. Metrics without a key are ignored.
func (s *MemoryStore) Append(_ context.Context, m metric.Metric) error {
	key := s.cfg.keyFn(m)
	if key == "" {
		return nil
	}
	cutoff := s.cfg.now().Add(-s.cfg.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ts := range samplesOf(m) {
		sk := seriesKey{typ: ts.typ, key: key}
		samples := trimBefore(s.series[sk], cutoff)
		s.series[sk] = append(samples, sample{at: m.Timestamp(), value: ts.value})
	}
	return nil
}

// Range returns the samples of type t for key recorded at or after since,
// limited to the retention window.
func (s *MemoryStore) Range(ctx context.Context, t metric.Type, key string, since time.Time) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cutoff := s.cfg.now().Add(-s.cfg.retention); since.Before(cutoff) {
		since = cutoff
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.series[seriesKey{typ: t, key: key}]
	values := make([]float64, 0, len(samples))
	for _, smp := range samples {
		if !smp.at.Before(since) {
			values = append(values, smp.value)
		}
	}
	return values, nil
}

// Reset drops every sample.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[seriesKey][]sample)
}

// trimBefore drops leading samples older than cutoff. Samples are appended
// in arrival order, which is close to but not strictly timestamp order.
func trimBefore(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0], samples[i:]...)
}

package qos

import (
	"context"
	"fmt"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

// Limit caps one metric of a provider. A nil *Limit means no QoS policy.
type Limit struct {
	Metric metric.Type
	Value  float64
}

// Policy checks provider limits against live gauges.
type Policy struct {
	gauge Gauge
}

// NewPolicy creates a policy reading in-flight counts from gauge.
func NewPolicy(gauge Gauge) *Policy {
	return &Policy{gauge: gauge}
}

// Allow reports whether id can take one more request under limit.
// Only in-flight limits are enforced; other metrics always allow.
func (p *Policy) Allow(ctx context.Context, id balancer.CandidateID, limit *Limit) (bool, error) {
	if limit == nil || p == nil || p.gauge == nil {
		return true, nil
	}
	switch limit.Metric {
	case metric.TypeInflight:
		inflight, err := p.gauge.Get(ctx, id)
		if err != nil {
			return false, fmt.Errorf("read inflight gauge for %q: %w", id, err)
		}
		return float64(inflight) <= limit.Value, nil
	default:
		return true, nil
	}
}

package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/blueberrycongee/llmux-balancer/internal/metrics"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

// Dispatch tracks one request sent to a chosen provider, from Start to Finish.
type Dispatch struct {
	balancer *Balancer
	decision Decision
	started  time.Time
	once     sync.Once
	result   metric.Metric
}

// Start marks the request as in flight on the decision's provider.
func (b *Balancer) Start(ctx context.Context, d Decision) *Dispatch {
	if b.gauge != nil {
		if _, err := b.gauge.Inc(ctx, d.Provider.ID); err != nil {
			b.logger.Warn("failed to increment inflight gauge",
				"candidate", d.Provider.ID,
				"error", err,
			)
		}
	}
	metrics.InflightRequests.WithLabelValues(d.Route, metrics.CandidateLabel(d.Provider.ID)).Inc()
	return &Dispatch{balancer: b, decision: d, started: time.Now()}
}

// Decision returns the decision being dispatched.
func (d *Dispatch) Decision() Decision {
	return d.decision
}

// Finish ends the in-flight request and records its Metric. Latency defaults
// to the time elapsed since Start; opts may override it or add the time to
// first token. Only the first call has an effect; later calls return the
// same Metric.
func (d *Dispatch) Finish(ctx context.Context, opts ...metric.Option) metric.Metric {
	d.once.Do(func() {
		b := d.balancer
		p := d.decision.Provider
		if b.gauge != nil {
			if _, err := b.gauge.Dec(ctx, p.ID); err != nil {
				b.logger.Warn("failed to decrement inflight gauge",
					"candidate", p.ID,
					"error", err,
				)
			}
		}
		metrics.InflightRequests.WithLabelValues(d.decision.Route, metrics.CandidateLabel(p.ID)).Dec()

		all := make([]metric.Option, 0, len(opts)+1)
		all = append(all, metric.WithLatency(time.Since(d.started)))
		all = append(all, opts...)
		d.result = b.recorder.Record(ctx, p.Model, p.URL, all...)
		metrics.ObserveMetric(d.result)
	})
	return d.result
}

package metrics

import (
	"context"
	"errors"
	"strings"

	"github.com/blueberrycongee/llmux-balancer/internal/observability"
	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
	"github.com/blueberrycongee/llmux-balancer/strategies"
)

const maxLabelLen = 64

// SanitizeLabel maps arbitrary values to a bounded, printable label value.
func SanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(value), maxLabelLen))
	for _, r := range value {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' || r == '/' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

// URLLabel is SanitizeLabel for values that may be provider URLs. User info
// and credential query parameters are masked before sanitizing.
func URLLabel(value string) string {
	return SanitizeLabel(observability.RedactURL(strings.TrimSpace(value)))
}

// CandidateLabel is the label value of a candidate identifier.
func CandidateLabel(id balancer.CandidateID) string {
	return URLLabel(string(id))
}

// ErrorReason classifies a selection error for the reason label.
func ErrorReason(err error) string {
	switch {
	case errors.Is(err, balancer.ErrInvalidCandidateSet):
		return "invalid_candidate_set"
	case errors.Is(err, balancer.ErrUnknownStrategy):
		return "unknown_strategy"
	case errors.Is(err, strategies.ErrUnknownRoute):
		return "unknown_route"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "other"
	}
}

// ObserveMetric records the request metric m in the latency histograms.
func ObserveMetric(m metric.Metric) {
	model := SanitizeLabel(m.ModelName())
	url := URLLabel(m.ProviderURL())
	if d, ok := m.Latency(); ok {
		RecordedLatency.WithLabelValues(model, url).Observe(d.Seconds())
	}
	if d, ok := m.TimeToFirstToken(); ok {
		RecordedTTFT.WithLabelValues(model, url).Observe(d.Seconds())
	}
}

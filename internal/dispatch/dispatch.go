// Package dispatch wires route strategies, QoS policies and metric recording
// into the selection step of the request path.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/llmux-balancer/internal/metrics"
	"github.com/blueberrycongee/llmux-balancer/internal/observability"
	"github.com/blueberrycongee/llmux-balancer/internal/qos"
	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
	"github.com/blueberrycongee/llmux-balancer/strategies"
)

// TracerName is the instrumentation name of dispatch spans.
const TracerName = "github.com/blueberrycongee/llmux-balancer/dispatch"

// ErrModelTooBusy is returned when the selected provider stays over its QoS
// limit for every retry.
var ErrModelTooBusy = errors.New("model is too busy")

// Provider is one eligible backend of a route.
type Provider struct {
	ID    balancer.CandidateID
	URL   string
	Model string

	// QoS caps the provider; nil disables the check.
	QoS *qos.Limit
}

// Decision is the provider chosen for one request.
type Decision struct {
	Route     string
	Provider  Provider
	Selection balancer.Selection
	// Attempts is the number of QoS checks performed before the provider was accepted.
	Attempts int
}

// Balancer picks providers for routes.
type Balancer struct {
	routes         *strategies.Routes
	policy         *qos.Policy
	gauge          qos.Gauge
	recorder       *metric.Recorder
	logger         *slog.Logger
	tracer         trace.Tracer
	maxRetries     int
	retryCountdown time.Duration

	maxPriority  int
	queueWorkers int
	queuesMu     sync.Mutex
	queues       map[string]*routeQueue
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithQoS enables QoS checks against gauge. The gauge is also updated by Start and Finish.
func WithQoS(gauge qos.Gauge) Option {
	return func(b *Balancer) {
		b.gauge = gauge
		b.policy = qos.NewPolicy(gauge)
	}
}

// WithRetry sets how many QoS checks are made and how long to wait between them.
func WithRetry(maxRetries int, countdown time.Duration) Option {
	return func(b *Balancer) {
		b.maxRetries = maxRetries
		b.retryCountdown = countdown
	}
}

// WithQueuing sets the highest priority accepted by RouteQueued and how many
// queued selections of one route run at a time.
func WithQueuing(maxPriority, workers int) Option {
	return func(b *Balancer) {
		if maxPriority >= 0 {
			b.maxPriority = maxPriority
		}
		if workers > 0 {
			b.queueWorkers = workers
		}
	}
}

// WithRecorder sets the recorder used by Finish.
func WithRecorder(r *metric.Recorder) Option {
	return func(b *Balancer) {
		b.recorder = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Balancer) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTracerProvider sets the tracer provider for selection spans (default: global).
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(b *Balancer) {
		if tp != nil {
			b.tracer = tp.Tracer(TracerName)
		}
	}
}

// New creates a Balancer selecting through routes.
func New(routes *strategies.Routes, opts ...Option) *Balancer {
	b := &Balancer{
		routes:         routes,
		logger:         slog.Default(),
		tracer:         otel.Tracer(TracerName),
		maxRetries:     1,
		retryCountdown: time.Second,
		maxPriority:    DefaultMaxPriority,
		queueWorkers:   1,
		queues:         make(map[string]*routeQueue),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.recorder == nil {
		b.recorder = metric.NewRecorder(nil)
	}
	return b
}

// Route selects a provider for route. A single provider is returned without
// consulting the strategy. The chosen provider must then pass its QoS limit,
// which is re-checked up to the configured number of retries.
func (b *Balancer) Route(ctx context.Context, route string, providers []Provider) (Decision, error) {
	sel, err := b.selectProvider(ctx, route, providers)
	if err != nil {
		return Decision{}, err
	}

	chosen := b.mustFind(route, providers, sel)
	attempts, err := b.awaitQoS(ctx, route, chosen)
	if err != nil {
		return Decision{}, err
	}
	return Decision{Route: route, Provider: chosen, Selection: sel, Attempts: attempts}, nil
}

func (b *Balancer) selectProvider(ctx context.Context, route string, providers []Provider) (balancer.Selection, error) {
	ctx, span := b.tracer.Start(ctx, "balancer.select", trace.WithAttributes(
		attribute.String("lb.route", route),
		attribute.Int("lb.candidates", len(providers)),
	))
	defer span.End()

	strategyName := string(b.strategyName(route))
	span.SetAttributes(attribute.String("lb.strategy", strategyName))

	var (
		sel balancer.Selection
		err error
	)
	start := time.Now()
	switch len(providers) {
	case 0:
		err = balancer.ErrInvalidCandidateSet
	case 1:
		sel = balancer.Selection{Candidate: providers[0].ID}
	default:
		candidates := make([]balancer.CandidateID, len(providers))
		for i, p := range providers {
			candidates[i] = p.ID
		}
		sel, err = b.routes.Select(ctx, route, candidates)
	}
	metrics.SelectionDuration.WithLabelValues(strategyName).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.SelectionErrors.WithLabelValues(route, strategyName, metrics.ErrorReason(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return balancer.Selection{}, err
	}

	metrics.Selections.WithLabelValues(route, strategyName, metrics.CandidateLabel(sel.Candidate)).Inc()
	span.SetAttributes(attribute.String("lb.candidate", observability.RedactURL(string(sel.Candidate))))
	b.logger.Debug("selected candidate",
		"route", route,
		"strategy", strategyName,
		"candidate", sel.Candidate,
	)
	return sel, nil
}

// mustFind returns the provider the strategy selected. A candidate outside
// providers is a strategy bug and panics.
func (b *Balancer) mustFind(route string, providers []Provider, sel balancer.Selection) Provider {
	chosen, ok := findProvider(providers, sel.Candidate)
	if !ok {
		ids := make([]balancer.CandidateID, len(providers))
		for i, p := range providers {
			ids[i] = p.ID
		}
		panic(&balancer.ContractViolationError{Strategy: b.strategyName(route), Returned: sel.Candidate, Candidates: ids})
	}
	return chosen
}

// allow makes one QoS check of p. Gauge failures let the request through.
func (b *Balancer) allow(ctx context.Context, route string, p Provider) bool {
	if b.policy == nil || p.QoS == nil {
		return true
	}
	allowed, err := b.policy.Allow(ctx, p.ID, p.QoS)
	if err != nil {
		b.logger.Error("qos check failed, forwarding request",
			"route", route,
			"candidate", p.ID,
			"error", err,
		)
		return true
	}
	if !allowed {
		metrics.QoSRejections.WithLabelValues(route, metrics.CandidateLabel(p.ID)).Inc()
	}
	return allowed
}

func (b *Balancer) awaitQoS(ctx context.Context, route string, p Provider) (int, error) {
	if b.policy == nil || p.QoS == nil {
		return 0, nil
	}
	checks := max(b.maxRetries, 1)
	for attempt := 1; ; attempt++ {
		if b.allow(ctx, route, p) {
			return attempt, nil
		}
		if attempt >= checks {
			return attempt, fmt.Errorf("%w after %s", ErrModelTooBusy, time.Duration(checks-1)*b.retryCountdown)
		}
		if err := sleepContext(ctx, b.retryCountdown); err != nil {
			return attempt, err
		}
	}
}

func (b *Balancer) strategyName(route string) balancer.Name {
	if s, ok := b.routes.Get(route); ok {
		return s.Name()
	}
	return "none"
}

func findProvider(providers []Provider, id balancer.CandidateID) (Provider, bool) {
	for _, p := range providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}

// Strategy returns the strategy bound to route.
func (b *Balancer) Strategy(route string) (balancer.Strategy, bool) {
	return b.routes.Get(route)
}

package metric

import (
	"context"
	"errors"
	"log/slog"
)

// Sink receives one Metric per completed request. Implementations must be
// safe for concurrent use.
type Sink interface {
	Append(ctx context.Context, m Metric) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, m Metric) error

// Append calls f(ctx, m).
func (f SinkFunc) Append(ctx context.Context, m Metric) error {
	return f(ctx, m)
}

// MultiSink fans a metric out to every sink and joins their errors.
type MultiSink []Sink

// Append delivers m to all sinks, even when some of them fail.
func (ms MultiSink) Append(ctx context.Context, m Metric) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder builds metrics at request completion and hands them to a sink.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	onError func(error)
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorHook registers a callback invoked for every sink failure.
func WithErrorHook(fn func(error)) RecorderOption {
	return func(r *Recorder) {
		r.onError = fn
	}
}

// NewRecorder creates a recorder writing to sink. A nil sink only builds records.
func NewRecorder(sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:   sink,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record builds a Metric and appends it to the sink. It never fails: sink
// errors are logged and reported through the error hook, and the record is
// returned to the caller regardless.
func (r *Recorder) Record(ctx context.Context, modelName, providerURL string, opts ...Option) Metric {
	m := New(modelName, providerURL, opts...)
	if r == nil || r.sink == nil {
		return m
	}
	if err := r.sink.Append(ctx, m); err != nil {
		r.logger.Error("failed to deliver request metric",
			"model", modelName,
			"provider_url", providerURL,
			"error", err,
		)
		if r.onError != nil {
			r.onError(err)
		}
	}
	return m
}

package strategies

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

// DefaultPercentile is the score percentile used by least-busy selection.
const DefaultPercentile = 0.95

// DefaultWindow is how far back least-busy selection looks for samples.
const DefaultWindow = 120 * time.Second

// maxParallelReads bounds concurrent series reads per selection.
const maxParallelReads = 8

// SeriesReader returns the samples of one metric type recorded for a key
// since a point in time.
type SeriesReader interface {
	Range(ctx context.Context, t metric.Type, key string, since time.Time) ([]float64, error)
}

// LeastBusyConfig configures a LeastBusy strategy.
type LeastBusyConfig struct {
	// Metric is the series consulted for each candidate (default: ttft).
	Metric metric.Type

	// Percentile of the window samples used as the candidate score.
	// Zero scores candidates by their minimum sample.
	Percentile float64

	// Window is the look-back period (default: 120s).
	Window time.Duration
}

// LeastBusy scores each candidate by a percentile of its recent samples and
// picks the lowest score. Candidates without samples score +Inf, so a
// candidate with data always wins over one without. Ties are broken
// uniformly at random.
type LeastBusy struct {
	name   balancer.Name
	reader SeriesReader
	cfg    LeastBusyConfig
	opts   options
	rng    *lockedRand
}

// NewLeastBusy creates a least-busy strategy reading from reader.
func NewLeastBusy(reader SeriesReader, cfg LeastBusyConfig, opts ...Option) (*LeastBusy, error) {
	if reader == nil {
		return nil, fmt.Errorf("least-busy strategy requires a series reader")
	}
	if cfg.Metric == "" {
		cfg.Metric = metric.TypeTTFT
	}
	if cfg.Metric != metric.TypeTTFT && cfg.Metric != metric.TypeLatency {
		return nil, fmt.Errorf("least-busy strategy does not support metric %q", cfg.Metric)
	}
	if math.IsNaN(cfg.Percentile) || cfg.Percentile < 0 || cfg.Percentile > 1 {
		return nil, fmt.Errorf("percentile must be within [0, 1], got %v", cfg.Percentile)
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	o := applyOptions(opts)
	return &LeastBusy{
		name:   balancer.NameLeastBusy,
		reader: reader,
		cfg:    cfg,
		opts:   o,
		rng:    newLockedRand(o.rng),
	}, nil
}

// NewLowestLatency creates a strategy picking the candidate with the minimum
// observed latency within window. The series is keyed by provider URL, so
// candidate identifiers are expected to be provider URLs.
func NewLowestLatency(reader SeriesReader, window time.Duration, opts ...Option) (*LeastBusy, error) {
	s, err := NewLeastBusy(reader, LeastBusyConfig{Metric: metric.TypeLatency, Window: window}, opts...)
	if err != nil {
		return nil, err
	}
	s.name = balancer.NameLowestLatency
	return s, nil
}

// Name returns the registered name of the strategy.
func (s *LeastBusy) Name() balancer.Name {
	return s.name
}

// Select picks the least busy candidate.
func (s *LeastBusy) Select(candidates []balancer.CandidateID) (balancer.Selection, error) {
	return s.SelectContext(context.Background(), candidates)
}

// SelectContext picks the least busy candidate. Aux is the winning score as
// a float64 (math.Inf(1) when no candidate has samples).
func (s *LeastBusy) SelectContext(ctx context.Context, candidates []balancer.CandidateID) (balancer.Selection, error) {
	if len(candidates) == 0 {
		return balancer.Selection{}, balancer.ErrInvalidCandidateSet
	}

	scores, err := s.scores(ctx, candidates)
	if err != nil {
		return balancer.Selection{}, err
	}

	best := math.Inf(1)
	for _, score := range scores {
		if score < best {
			best = score
		}
	}
	ties := make([]int, 0, len(candidates))
	for i, score := range scores {
		if score == best {
			ties = append(ties, i)
		}
	}
	chosen := ties[s.rng.Intn(len(ties))]
	return balancer.Selection{Candidate: candidates[chosen], Aux: best}, nil
}

func (s *LeastBusy) scores(ctx context.Context, candidates []balancer.CandidateID) ([]float64, error) {
	since := s.opts.now().Add(-s.cfg.Window)
	scores := make([]float64, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for i, c := range candidates {
		g.Go(func() error {
			values, err := s.reader.Range(gctx, s.cfg.Metric, string(c), since)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				s.opts.logger.Error("failed to read metric series",
					"metric", s.cfg.Metric,
					"candidate", c,
					"error", err,
				)
				values = nil
			}
			scores[i] = Percentile(values, s.cfg.Percentile)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return scores, nil
}

// Percentile returns the value v such that a fraction p of values are <= v,
// using index ceil(p*n)-1 of the sorted values. p == 0 returns the minimum.
// An empty input returns +Inf.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.Inf(1)
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

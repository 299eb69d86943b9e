package metricstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

// RedisStore keeps series in Redis sorted sets so that every balancer
// instance scores candidates on the same samples. Each series is a sorted set
// at "<prefix>:<type>:<key>" scored by the sample's unix millisecond timestamp.
type RedisStore struct {
	client redis.UniversalClient
	cfg    config
}

// redisSample is the sorted set member. ID keeps members with equal values
// and timestamps distinct.
type redisSample struct {
	ID    string  `json:"id"`
	Value float64 `json:"v"`
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{
		client: client,
		cfg:    applyOptions(opts),
	}
}

func (s *RedisStore) seriesKey(t metric.Type, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.cfg.prefix, t, key)
}

// Append adds the ttft and latency samples of m and trims expired samples.
// Metrics without a key are ignored.
func (s *RedisStore) Append(ctx context.Context, m metric.Metric) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	key := s.cfg.keyFn(m)
	if key == "" {
		return nil
	}
	samples := samplesOf(m)
	if len(samples) == 0 {
		return nil
	}

	score := float64(m.Timestamp().UnixMilli())
	cutoff := strconv.FormatInt(s.cfg.now().Add(-s.cfg.retention).UnixMilli(), 10)

	pipe := s.client.TxPipeline()
	for _, ts := range samples {
		member, err := json.Marshal(redisSample{ID: uuid.NewString(), Value: ts.value})
		if err != nil {
			return fmt.Errorf("encode sample: %w", err)
		}
		fullKey := s.seriesKey(ts.typ, key)
		pipe.ZAdd(ctx, fullKey, redis.Z{Score: score, Member: string(member)})
		pipe.ZRemRangeByScore(ctx, fullKey, "-inf", "("+cutoff)
		pipe.PExpire(ctx, fullKey, s.cfg.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append metric series: %w", err)
	}
	return nil
}

// Range returns the samples of type t for key recorded at or after since,
// limited to the retention window.
func (s *RedisStore) Range(ctx context.Context, t metric.Type, key string, since time.Time) ([]float64, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if cutoff := s.cfg.now().Add(-s.cfg.retention); since.Before(cutoff) {
		since = cutoff
	}

	members, err := s.client.ZRangeByScore(ctx, s.seriesKey(t, key), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read metric series: %w", err)
	}

	values := make([]float64, 0, len(members))
	for _, member := range members {
		var smp redisSample
		if err := json.Unmarshal([]byte(member), &smp); err != nil {
			continue
		}
		values = append(values, smp.Value)
	}
	return values, nil
}

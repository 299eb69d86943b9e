// Package qos decides whether a selected provider may take one more request,
// based on live gauges such as the number of in-flight requests.
package qos

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

// DefaultGaugePrefix prefixes gauge keys in Redis.
const DefaultGaugePrefix = "llmux:lb:gauge"

// gaugeTTL bounds how long an orphaned gauge survives a crashed instance.
const gaugeTTL = 10 * time.Minute

// Gauge tracks the number of in-flight requests per candidate.
type Gauge interface {
	Inc(ctx context.Context, id balancer.CandidateID) (int64, error)
	Dec(ctx context.Context, id balancer.CandidateID) (int64, error)
	Get(ctx context.Context, id balancer.CandidateID) (int64, error)
}

// MemoryGauge keeps in-flight counts in process.
type MemoryGauge struct {
	mu     sync.Mutex
	counts map[balancer.CandidateID]int64
}

// NewMemoryGauge creates an in-memory gauge.
func NewMemoryGauge() *MemoryGauge {
	return &MemoryGauge{counts: make(map[balancer.CandidateID]int64)}
}

// Inc increments the in-flight count of id.
func (g *MemoryGauge) Inc(_ context.Context, id balancer.CandidateID) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[id]++
	return g.counts[id], nil
}

// Dec decrements the in-flight count of id, never below zero.
func (g *MemoryGauge) Dec(_ context.Context, id balancer.CandidateID) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.counts[id] > 0 {
		g.counts[id]--
	}
	return g.counts[id], nil
}

// Get returns the in-flight count of id.
func (g *MemoryGauge) Get(_ context.Context, id balancer.CandidateID) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[id], nil
}

// decrementScript decrements a gauge without letting it go negative.
var decrementScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  v = redis.call('DECR', KEYS[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// RedisGauge keeps in-flight counts in Redis, shared by balancer instances.
type RedisGauge struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisGauge creates a Redis-backed gauge. An empty prefix uses DefaultGaugePrefix.
func NewRedisGauge(client redis.UniversalClient, prefix string) *RedisGauge {
	if prefix == "" {
		prefix = DefaultGaugePrefix
	}
	return &RedisGauge{client: client, prefix: prefix}
}

func (g *RedisGauge) key(id balancer.CandidateID) string {
	return fmt.Sprintf("%s:%s:%s", g.prefix, metric.TypeInflight, id)
}

// Inc increments the in-flight count of id.
func (g *RedisGauge) Inc(ctx context.Context, id balancer.CandidateID) (int64, error) {
	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, g.key(id))
	pipe.PExpire(ctx, g.key(id), gaugeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Dec decrements the in-flight count of id, never below zero.
func (g *RedisGauge) Dec(ctx context.Context, id balancer.CandidateID) (int64, error) {
	return decrementScript.Run(ctx, g.client, []string{g.key(id)}, gaugeTTL.Milliseconds()).Int64()
}

// Get returns the in-flight count of id. A missing gauge reads as zero.
func (g *RedisGauge) Get(ctx context.Context, id balancer.CandidateID) (int64, error) {
	raw, err := g.client.Get(ctx, g.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

package qos

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
)

func gaugeCases(t *testing.T, fn func(t *testing.T, g Gauge)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryGauge())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		fn(t, NewRedisGauge(client, ""))
	})
}

func TestGauge_IncDecGet(t *testing.T) {
	gaugeCases(t, func(t *testing.T, g Gauge) {
		ctx := context.Background()

		v, err := g.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Zero(t, v)

		v, err = g.Inc(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		v, err = g.Inc(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		v, err = g.Dec(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		v, err = g.Get(ctx, "p2")
		require.NoError(t, err)
		assert.Zero(t, v)
	})
}

func TestGauge_DecNeverNegative(t *testing.T) {
	gaugeCases(t, func(t *testing.T, g Gauge) {
		ctx := context.Background()
		v, err := g.Dec(ctx, "p1")
		require.NoError(t, err)
		assert.Zero(t, v)

		v, err = g.Get(ctx, "p1")
		require.NoError(t, err)
		assert.Zero(t, v)
	})
}

func TestRedisGauge_KeyAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	g := NewRedisGauge(client, "test")

	_, err := g.Inc(context.Background(), "p1")
	require.NoError(t, err)
	require.True(t, mr.Exists("test:inflight:p1"))
	assert.Equal(t, gaugeTTL, mr.TTL("test:inflight:p1"))
}

// brokenGauge fails every read.
type brokenGauge struct{ *MemoryGauge }

func (brokenGauge) Get(context.Context, balancer.CandidateID) (int64, error) {
	return 0, errors.New("gauge down")
}

func TestPolicy_Allow(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGauge()
	p := NewPolicy(g)
	limit := &Limit{Metric: metric.TypeInflight, Value: 1}

	ok, err := p.Allow(ctx, "p1", nil)
	require.NoError(t, err)
	assert.True(t, ok, "nil limit always allows")

	ok, err = p.Allow(ctx, "p1", limit)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _ = g.Inc(ctx, "p1")
	ok, err = p.Allow(ctx, "p1", limit)
	require.NoError(t, err)
	assert.True(t, ok, "at the limit is allowed")

	_, _ = g.Inc(ctx, "p1")
	ok, err = p.Allow(ctx, "p1", limit)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Allow(ctx, "p1", &Limit{Metric: metric.TypeLatency, Value: 0})
	require.NoError(t, err)
	assert.True(t, ok, "only inflight limits are enforced")
}

func TestPolicy_GaugeErrorIsReturned(t *testing.T) {
	p := NewPolicy(brokenGauge{MemoryGauge: NewMemoryGauge()})
	_, err := p.Allow(context.Background(), "p1", &Limit{Metric: metric.TypeInflight, Value: 1})
	require.Error(t, err)
}

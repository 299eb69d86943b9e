package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmux-balancer/internal/config"
	"github.com/blueberrycongee/llmux-balancer/internal/dispatch"
	"github.com/blueberrycongee/llmux-balancer/internal/metrics"
	"github.com/blueberrycongee/llmux-balancer/internal/metricstore"
	"github.com/blueberrycongee/llmux-balancer/internal/qos"
	"github.com/blueberrycongee/llmux-balancer/pkg/metric"
	"github.com/blueberrycongee/llmux-balancer/strategies"
)

// runtime holds the collaborators built from one configuration.
type runtime struct {
	redis    redis.UniversalClient
	series   metricstore.Store
	cursors  strategies.CursorStore
	gauge    qos.Gauge
	routes   *strategies.Routes
	balancer *dispatch.Balancer
	logger   *slog.Logger
}

// newRuntime connects shared stores and binds every configured route.
// With no Redis address, all state is kept in process.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{logger: logger}

	storeOpts := []metricstore.Option{
		metricstore.WithKeyPrefix(cfg.Store.KeyPrefix),
		metricstore.WithRetention(cfg.Store.Retention),
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		rt.redis = client
		rt.series = metricstore.NewRedisStore(client, storeOpts...)
		rt.cursors = strategies.NewRedisCursorStore(client)
		rt.gauge = qos.NewRedisGauge(client, "")
		logger.Info("using redis for shared balancer state", "addr", cfg.Redis.Addr)
	} else {
		rt.series = metricstore.NewMemoryStore(storeOpts...)
		rt.cursors = strategies.NewMemoryCursorStore()
		rt.gauge = qos.NewMemoryGauge()
		logger.Info("using in-memory balancer state")
	}

	rt.routes = strategies.NewRoutes(strategies.DefaultRegistry())
	if err := rt.rebind(cfg); err != nil {
		_ = rt.Close()
		return nil, err
	}

	recorder := metric.NewRecorder(rt.series,
		metric.WithLogger(logger),
		metric.WithErrorHook(func(error) { metrics.SinkErrors.Inc() }),
	)
	rt.balancer = dispatch.New(rt.routes,
		dispatch.WithQoS(rt.gauge),
		dispatch.WithRetry(cfg.QoS.MaxRetries, cfg.QoS.RetryCountdown),
		dispatch.WithQueuing(cfg.QoS.MaxPriority, cfg.QoS.QueueWorkers),
		dispatch.WithRecorder(recorder),
		dispatch.WithLogger(logger),
	)
	return rt, nil
}

// rebind replaces the route table with the routes of cfg. On error the
// previous bindings stay active.
func (rt *runtime) rebind(cfg *config.Config) error {
	base := strategies.Deps{
		Series:  rt.series,
		Cursors: rt.cursors,
		Logger:  rt.logger,
	}
	if err := rt.routes.Replace(cfg.Bindings(base)); err != nil {
		return fmt.Errorf("bind routes: %w", err)
	}
	rt.logger.Info("routes bound", "routes", rt.routes.Names())
	return nil
}

// Close releases the Redis connection, if any.
func (rt *runtime) Close() error {
	if rt.redis != nil {
		return rt.redis.Close()
	}
	return nil
}

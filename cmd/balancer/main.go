// Package main is the entry point of the balancer process. It binds the
// configured routes, keeps them in sync with the configuration file and
// exposes Prometheus metrics. With -route it instead runs a dry selection
// and prints the resulting distribution.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/blueberrycongee/llmux-balancer/internal/config"
	"github.com/blueberrycongee/llmux-balancer/internal/dispatch"
	"github.com/blueberrycongee/llmux-balancer/internal/observability"
	"github.com/blueberrycongee/llmux-balancer/pkg/balancer"
)

func main() {
	configPath := flag.String("config", "config/balancer.yaml", "path to configuration file")
	route := flag.String("route", "", "run a dry selection on this route and exit")
	candidates := flag.String("candidates", "", "comma separated candidate IDs for -route")
	rounds := flag.Int("n", 1000, "number of dry selections for -route")
	priority := flag.Int("priority", -1, "queue dry selections at this priority (negative: unqueued)")
	flag.Parse()

	boot := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfgManager, err := config.NewManager(*configPath, boot)
	if err != nil {
		boot.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Logging.SlogLevel(),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := initTracing(ctx, cfg.Tracing, os.Stderr)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = observability.Shutdown(context.Background(), tp) }()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build balancer", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if *route != "" {
		if err := dryRun(ctx, os.Stdout, rt.balancer, *route, splitCandidates(*candidates), *rounds, *priority); err != nil {
			logger.Error("dry run failed", "error", err)
			os.Exit(1)
		}
		return
	}

	cfgManager.OnChange(rt.rebind)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	var server *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
		server = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
				cancel()
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down balancer...")
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}
	_ = cfgManager.Close()
	logger.Info("balancer stopped")
}

func initTracing(ctx context.Context, cfg config.TracingConfig, out io.Writer) (*sdktrace.TracerProvider, error) {
	tcfg := observability.TracingConfig{
		Enabled:     cfg.Enabled && cfg.Exporter != "none",
		Exporter:    cfg.Exporter,
		Endpoint:    cfg.Endpoint,
		ServiceName: cfg.ServiceName,
		SampleRate:  cfg.SampleRate,
		Insecure:    cfg.Insecure,
	}
	if !tcfg.Enabled {
		return nil, nil
	}
	exporter, err := observability.NewExporter(ctx, tcfg, out)
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", cfg.Exporter, err)
	}
	return observability.InitTracing(tcfg, sdktrace.NewBatchSpanProcessor(exporter)), nil
}

func splitCandidates(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// dryRunReport is printed by dryRun.
type dryRunReport struct {
	Route    string         `json:"route"`
	Strategy balancer.Name  `json:"strategy"`
	Rounds   int            `json:"rounds"`
	Counts   map[string]int `json:"counts"`
	Order    []string       `json:"order"`
}

// dryRun selects n times on route and writes the pick counts as JSON.
func dryRun(ctx context.Context, w io.Writer, b *dispatch.Balancer, route string, ids []string, n, priority int) error {
	providers := providersFor(ids...)
	report := dryRunReport{Route: route, Rounds: n, Counts: make(map[string]int, len(ids))}
	for i := 0; i < n; i++ {
		var (
			d   dispatch.Decision
			err error
		)
		if priority >= 0 {
			d, err = b.RouteQueued(ctx, route, providers, priority)
		} else {
			d, err = b.Route(ctx, route, providers)
		}
		if err != nil {
			return err
		}
		report.Counts[string(d.Provider.ID)]++
	}
	if s, ok := b.Strategy(route); ok {
		report.Strategy = s.Name()
	}
	for id := range report.Counts {
		report.Order = append(report.Order, id)
	}
	sort.Strings(report.Order)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func providersFor(urls ...string) []dispatch.Provider {
	providers := make([]dispatch.Provider, len(urls))
	for i, u := range urls {
		providers[i] = dispatch.Provider{ID: balancer.CandidateID(u), URL: u}
	}
	return providers
}

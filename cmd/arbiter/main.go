package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/intersection-arbiter/core"
	"github.com/signalsfoundry/intersection-arbiter/internal/logging"
	"github.com/signalsfoundry/intersection-arbiter/internal/observability"
	"github.com/signalsfoundry/intersection-arbiter/internal/report"
	"github.com/signalsfoundry/intersection-arbiter/timectrl"
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, log := logging.WithRunLogger(ctx, logging.NewFromEnv())

	shutdownTracing, err := observability.InitTracing(ctx, cfg.tracingConfig(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	if err := run(ctx, cfg, os.Stdout, prometheus.DefaultRegisterer); err != nil {
		log.Error(ctx, "arbitration failed", logging.Err(err))
		observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
		os.Exit(1)
	}
}

// run wires one intersection from cfg and drives it to completion. It logs
// through the logger carried by ctx.
func run(ctx context.Context, cfg config, stdout io.Writer, reg prometheus.Registerer) error {
	log := logging.LoggerFromContext(ctx)
	if log == nil {
		log = logging.Noop()
	}

	collector, err := observability.NewIntersectionCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(ctx, cfg.metricsAddr, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	mode := cfg.clockMode()
	in := core.NewIntersection(
		core.WithClock(timectrl.NewTimeController(time.Now().UTC(), mode)),
		core.WithGreenInterval(cfg.green),
		core.WithLogger(log),
		core.WithMetricsRecorder(collector),
	)

	gen, err := cfg.generator()
	if err != nil {
		return err
	}
	if err := in.GenerateTraffic(gen); err != nil {
		return err
	}

	// Status blocks go to stdout; the structured copy only shows at debug.
	sink := report.Fanout{report.NewConsole(stdout), report.NewDebugLog(log)}
	if cfg.quiet {
		sink = report.Fanout{report.NewLog(log)}
	}
	in.Subscribe(sink.Publish)

	initial := in.Snapshot()
	sink.Publish(initial)
	log.Info(ctx, "starting simulation",
		logging.String("mode", mode.String()),
		logging.String("green", cfg.green.String()),
		logging.Int("total_demand", initial.TotalDemand()),
	)

	if err := in.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info(ctx, "simulation interrupted")
			return nil
		}
		return err
	}
	log.Info(ctx, "simulation complete")
	return nil
}

func serveMetrics(ctx context.Context, addr string, collector *observability.IntersectionCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/rpcflow/internal/bus"
	"github.com/lsm/rpcflow/internal/cachedio"
	"github.com/lsm/rpcflow/internal/config"
	"github.com/lsm/rpcflow/internal/dlq"
	itracing "github.com/lsm/rpcflow/internal/interceptor/tracing"
	"github.com/lsm/rpcflow/internal/kafka"
	"github.com/lsm/rpcflow/internal/observability"
	"github.com/lsm/rpcflow/internal/tracing"
	httptransport "github.com/lsm/rpcflow/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rt, err := config.LoadRuntime(os.Getenv(config.EnvConfig), os.Getenv)
	if err != nil {
		return fmt.Errorf("load runtime config: %w", err)
	}

	logger := observability.NewLogger("rpcflow", observability.GetLogLevel(rt.Logging.Level))
	slog.SetDefault(logger)

	loader := config.NewLoader(rt.Endpoints, logger)
	defs, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load endpoints: %w", err)
	}
	if len(defs) == 0 {
		return fmt.Errorf("no endpoint definitions found in %s", rt.Endpoints)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("rpcflow"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	var publisher dlq.Publisher = &dlq.NoopPublisher{}
	if rt.Kafka.Enabled() {
		kp, err := kafka.NewPublisher(&rt.Kafka)
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		publisher = kp
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("dlq publisher close error", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cacheCfg := rt.CacheSettings()
	b := bus.New(
		bus.WithLogger(logger),
		bus.WithMetrics(metrics),
		bus.WithTracer(tracer),
		bus.WithCache(cacheCfg, cachedio.WithSpillObserver(metrics), cachedio.WithLogger(logger)),
	)
	b.AddIn(itracing.NewStart(tracer))

	asm := newAssembly(b, rt, publisher, metrics, tracer, logger)
	defer func() {
		if err := asm.Close(); err != nil {
			logger.Error("endpoint resources close error", "error", err)
		}
	}()

	eps, err := asm.build(ctx, defs)
	if err != nil {
		return err
	}

	server, err := httptransport.NewServer(b, httptransport.Config{
		ListenAddr:     rt.Server.ListenAddr,
		Threshold:      int(rt.Server.ResponseThreshold),
		SuspendTimeout: rt.Server.SuspendTimeout,
	}, logger)
	if err != nil {
		return err
	}
	for _, ep := range eps {
		v, _ := ep.Property(pathKey)
		path, _ := v.(string)
		server.Mount(ep, path)
	}
	loader.OnChange(asm.reload)

	health := observability.NewHealthServer()
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	health.Register(mux)
	metricsServer := &http.Server{Addr: rt.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("metrics server starting", "addr", rt.Server.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return loader.Watch(gctx.Done())
	})
	g.Go(func() error {
		select {
		case <-server.Ready():
			health.SetReady(true)
		case <-gctx.Done():
		}
		<-gctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("rpcflow started", "endpoints", len(eps), "addr", rt.Server.ListenAddr)
	err = g.Wait()
	logger.Info("shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

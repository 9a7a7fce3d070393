// Command server starts the job execution plane's HTTP API and scheduler.
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

	"github.com/redis/go-redis/v9"

	"github.com/givehub/crm-relay/internal/adapter/cache"
	"github.com/givehub/crm-relay/internal/adapter/crm"
	"github.com/givehub/crm-relay/internal/adapter/httpserver"
	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/adapter/queue/redisq"
	"github.com/givehub/crm-relay/internal/adapter/repo/postgres"
	"github.com/givehub/crm-relay/internal/app"
	"github.com/givehub/crm-relay/internal/config"
	"github.com/givehub/crm-relay/internal/scheduler"
	"github.com/givehub/crm-relay/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	broker := redisq.NewWithClient(rdb)

	jobRepo := postgres.NewJobRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	writer := app.NewBatchWriter(jobRepo, cfg.BatchSize, cfg.BatchTimeout)
	writerCtx, stopWriter := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		writer.Run(writerCtx)
		close(writerDone)
	}()

	tokens := crm.NewTokenClient(cfg.CRMBaseURL, cfg.CRMClientID, cfg.CRMTimeout)
	sched := scheduler.New(broker, jobRepo, auditRepo, tokens, scheduler.NewStateStore(rdb), scheduler.Options{
		QueueName:      cfg.QueueName,
		PledgeEndpoint: cfg.PledgeEndpoint,
		OneoffEndpoint: cfg.OneoffEndpoint,
		ClientID:       cfg.CRMClientID,
	})
	if err := sched.Start(ctx); err != nil {
		slog.Error("scheduler start failed", slog.Any("error", err))
		os.Exit(1)
	}

	queues := []string{cfg.QueueName, "email", "notifications"}
	monitor := app.NewMonitor(broker, queues, app.Thresholds{
		QueueDepthWarn:   cfg.QueueDepthWarn,
		ErrorRateCrit:    cfg.ErrorRateCrit,
		ProcessingMSWarn: cfg.ProcessingMSWarn,
		MemoryFracWarn:   cfg.MemoryFracWarn,
		JobsPerSecInfo:   cfg.JobsPerSecInfo,
	}, cfg.MonitorSample, cfg.MonitorSnapshot, writer.Backlog)
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	go monitor.Run(monitorCtx)

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, broker)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Broker:     broker,
		Queues:     queues,
		Jobs:       jobRepo,
		Audit:      usecase.NewAuditService(auditRepo),
		Export:     usecase.NewExportService(auditRepo),
		Handoff:    usecase.NewHandoffService(auditRepo),
		Cron:       sched,
		Monitor:    monitor,
		Writer:     writer,
		Cache:      cache.New(rdb, cfg.CacheTTL),
		DBCheck:    dbCheck,
		RedisCheck: redisCheck,
	}
	handler := httpserver.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Stop producing first, then flush pending job updates, then close the
	// outer surfaces.
	sched.Stop()
	stopMonitor()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	if err := writer.ForceFlush(flushCtx); err != nil {
		slog.Error("final flush failed", slog.Any("error", err))
	}
	cancelFlush()
	stopWriter()
	<-writerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	if err := broker.Close(); err != nil {
		slog.Error("broker close failed", slog.Any("error", err))
	}
}

// Command worker runs the queue worker pools for the salesforce, email and
// notifications queues.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/givehub/crm-relay/internal/adapter/crm"
	"github.com/givehub/crm-relay/internal/adapter/errorlog"
	"github.com/givehub/crm-relay/internal/adapter/observability"
	"github.com/givehub/crm-relay/internal/adapter/queue/redisq"
	"github.com/givehub/crm-relay/internal/adapter/repo/postgres"
	"github.com/givehub/crm-relay/internal/app"
	"github.com/givehub/crm-relay/internal/config"
	"github.com/givehub/crm-relay/internal/domain"
	"github.com/givehub/crm-relay/internal/usecase"
)

// adapt translates the usecase's tagged outcome into the broker's retry
// contract: non-retryable categories discard the item instead of consuming
// further attempts.
func adapt(exec func(ctx domain.Context, item *domain.QueuedItem) (json.RawMessage, error)) redisq.Handler {
	return func(ctx context.Context, item *domain.QueuedItem) (json.RawMessage, error) {
		out, err := exec(ctx, item)
		if err == nil {
			return out, nil
		}
		var perr *usecase.ProcessError
		if errors.As(err, &perr) && !perr.Retryable {
			return nil, redisq.Terminal(string(perr.Category), perr)
		}
		return nil, err
	}
}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	broker := redisq.NewWithClient(redis.NewClient(redisOpts))

	jobRepo := postgres.NewJobRepo(pool)
	auditRepo := postgres.NewAuditRepo(pool)

	writer := app.NewBatchWriter(jobRepo, cfg.BatchSize, cfg.BatchTimeout)
	writerCtx, stopWriter := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		writer.Run(writerCtx)
		close(writerDone)
	}()

	settings := app.NewCachedSettings(app.StaticSettings{EnableAuditLog: true}, cfg.SettingsRefreshTTL)
	errLog := errorlog.New(pool, cfg.AppEnv)
	crmClient := crm.New(cfg.CRMBaseURL, cfg.CRMTimeout)

	processSvc := usecase.NewProcessService(crmClient, auditRepo, writer, settings, errLog, cfg.AppEnv)
	internalSvc := usecase.NewInternalService(auditRepo, writer, settings)

	salesforce := redisq.NewWorker(broker, cfg.QueueName, redisq.WorkerOptions{
		Concurrency: cfg.SalesforceConcurrency,
		Lease:       cfg.WorkerLease,
	})
	salesforce.Handle(domain.CronTypePledge, adapt(processSvc.Execute))
	salesforce.Handle(domain.CronTypeOneoff, adapt(processSvc.Execute))

	email := redisq.NewWorker(broker, "email", redisq.WorkerOptions{
		Concurrency: cfg.EmailConcurrency,
		Lease:       cfg.WorkerLease,
	})
	email.Handle("email", adapt(internalSvc.Execute))

	notifications := redisq.NewWorker(broker, "notifications", redisq.WorkerOptions{
		Concurrency: cfg.NotificationsConcurrency,
		Lease:       cfg.WorkerLease,
	})
	notifications.Handle(domain.CronTypeRecurring, adapt(internalSvc.Execute))
	notifications.Handle(domain.CronTypeHourly, adapt(internalSvc.Execute))

	workers := []*redisq.Worker{salesforce, email, notifications}
	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			slog.Error("worker start failed", slog.Any("error", err))
			os.Exit(1)
		}
	}

	sweeper := app.NewStallSweeper(broker, []string{cfg.QueueName, "email", "notifications"}, cfg.StallSweepInterval)
	go sweeper.Run(ctx)

	// The worker has no API surface, so its collectors get their own
	// scrape listener.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("metrics listener starting", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", slog.Any("error", err))
		}
	}()

	slog.Info("workers started",
		slog.Int("salesforce_concurrency", cfg.SalesforceConcurrency),
		slog.Int("email_concurrency", cfg.EmailConcurrency),
		slog.Int("notifications_concurrency", cfg.NotificationsConcurrency))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	// Drain: stop reserving, let in-flight items finish, then flush pending
	// job updates before the broker goes away.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), cfg.WorkerDrainGrace)
	for _, w := range workers {
		if err := w.Drain(drainCtx); err != nil {
			slog.Warn("worker drain incomplete", slog.Any("error", err))
		}
	}
	cancelDrain()
	cancel()

	flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
	if err := writer.ForceFlush(flushCtx); err != nil {
		slog.Error("final flush failed", slog.Any("error", err))
	}
	cancelFlush()
	stopWriter()
	<-writerDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = metricsSrv.Shutdown(shutdownCtx)
	cancelShutdown()

	if err := broker.Close(); err != nil {
		slog.Error("broker close failed", slog.Any("error", err))
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"fintrack/internal/config"
	"fintrack/internal/database"
	"fintrack/internal/events"
	"fintrack/internal/logger"
	"fintrack/internal/metrics"
	"fintrack/internal/services"
)

// The worker runs the recurring catch-up once on startup and then on every
// RECURRING_INTERVAL tick until it receives SIGINT or SIGTERM.
func main() {
	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := run(); err != nil {
		logger.Get().Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	log := logger.Named("worker")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	dbManager, err := database.NewManager(database.NewConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create database manager: %w", err)
	}
	defer dbManager.Close()

	publisher, err := events.New(events.Options{
		Driver:       cfg.EventsDriver,
		KafkaBrokers: cfg.KafkaBrokers,
		KafkaTopic:   cfg.KafkaTopic,
		AMQPURL:      cfg.AMQPURL,
		AMQPExchange: cfg.AMQPExchange,
	})
	if err != nil {
		return fmt.Errorf("failed to create event publisher: %w", err)
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	db := dbManager.DB()
	accountService := services.NewAccountService(db)
	processor := services.NewRecurringProcessor(
		services.NewRecurringTemplateService(db, accountService),
		services.NewLedgerService(db, accountService),
		services.WithWorkers(cfg.RecurringWorkers),
		services.WithPublisher(publisher),
		services.WithMetrics(metrics.NewRecurring(registry)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.WorkerMetricsPort != "off" {
		srv := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.Handler(registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorw("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Infow("recurring worker started",
		"interval", cfg.RecurringInterval.String(),
		"workers", cfg.RecurringWorkers,
		"events_driver", cfg.EventsDriver,
	)

	runOnce(ctx, log, processor, time.Now())

	ticker := time.NewTicker(cfg.RecurringInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, recurring worker stopping")
			return nil
		case now := <-ticker.C:
			runOnce(ctx, log, processor, now)
		}
	}
}

func runOnce(ctx context.Context, log *zap.SugaredLogger, processor services.RecurringProcessorer, now time.Time) {
	result, err := processor.ProcessDue(ctx, now.UTC())
	if err != nil {
		log.Errorw("recurring processing failed", "error", err)
		return
	}
	if result.TemplatesFailed > 0 {
		log.Warnw("recurring processing finished with failures",
			"entries_created", result.ProcessedCount,
			"templates_failed", result.TemplatesFailed,
		)
	}
}

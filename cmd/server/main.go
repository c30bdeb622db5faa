// Command server runs the payment reconciliation engine: it wires the
// state machine, linking engine, orchestrator and retry queue together and
// processes queued payment jobs until stopped.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/recon/engine/internal/application/reconciliation"
	"github.com/recon/engine/internal/domain/payment"
	"github.com/recon/engine/internal/domain/shared"
	"github.com/recon/engine/internal/infrastructure/audit"
	"github.com/recon/engine/internal/infrastructure/cache"
	"github.com/recon/engine/internal/infrastructure/config"
	"github.com/recon/engine/internal/infrastructure/event"
	"github.com/recon/engine/internal/infrastructure/ledger"
	"github.com/recon/engine/internal/infrastructure/logger"
	"github.com/recon/engine/internal/infrastructure/notification"
	"github.com/recon/engine/internal/infrastructure/persistence"
	"github.com/recon/engine/internal/infrastructure/queue"
	"github.com/recon/engine/internal/infrastructure/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting reconciliation engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
	)

	ctx := context.Background()

	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	gormLogger := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLogger)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Database close failed", zap.Error(err))
		}
	}()

	// idempotency state is shared across instances when Redis is available
	var idempotencyStore shared.IdempotencyStore
	if cfg.Redis.Enabled {
		redisStore, err := cache.NewRedisIdempotencyStore(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		idempotencyStore = redisStore
	} else {
		idempotencyStore = cache.NewInMemoryIdempotencyStore()
	}
	defer func() {
		_ = idempotencyStore.Close()
	}()

	eventBus := event.NewInMemoryEventBus(log)
	if err := eventBus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}
	defer func() {
		if err := eventBus.Stop(context.Background()); err != nil {
			log.Error("Event bus stop failed", zap.Error(err))
		}
	}()

	store := persistence.NewGormPaymentStore(db.DB)
	ledgerAdapter := ledger.NewGormLedger(db.DB)
	auditSink := audit.NewGormSink(db.DB, log)
	notifySink := notification.NewLogSink(log)

	machine := payment.NewMachine(payment.MachineConfig{
		VoidWindow:           cfg.Engine.VoidWindow,
		MaxRetries:           cfg.Engine.MaxRetries,
		OverpaymentThreshold: decimal.NewFromFloat(cfg.Engine.OverpaymentThreshold),
	})
	linkingEngine := payment.NewLinkingEngine(payment.LinkingPolicy{
		AutoLinkThreshold:     cfg.Linking.AutoLinkThreshold,
		ManualReviewThreshold: cfg.Linking.ManualReviewThreshold,
	})

	linker := reconciliation.NewLinkingService(store, linkingEngine, eventBus, auditSink, log)
	runner := reconciliation.NewSagaRunner(&reconciliation.ExponentialDelay{
		Base:       cfg.Queue.BaseDelay,
		Multiplier: cfg.Queue.BackoffMultiplier,
	}, log)
	orchestrator := reconciliation.NewOrchestrator(
		reconciliation.OrchestratorConfig{
			MaxAttempts:   cfg.Queue.MaxAttempts,
			DebitAccount:  cfg.Ledger.DebitAccount,
			CreditAccount: cfg.Ledger.CreditAccount,
		},
		store, machine, linker, ledgerAdapter, notifySink, auditSink,
		eventBus, idempotencyStore, runner, log,
	)

	retryQueue := queue.NewRetryQueue(queue.Config{
		TickInterval:      cfg.Queue.TickInterval,
		BatchSize:         cfg.Queue.BatchSize,
		MaxConcurrentJobs: cfg.Queue.MaxConcurrentJobs,
		JobTimeout:        cfg.Queue.JobTimeout,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BaseDelay:         cfg.Queue.BaseDelay,
		BackoffMultiplier: cfg.Queue.BackoffMultiplier,
		Retention:         cfg.Queue.Retention,
	}, orchestrator, log)

	if cfg.Queue.Enabled {
		if err := retryQueue.Start(ctx); err != nil {
			log.Fatal("Failed to start retry queue", zap.Error(err))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := retryQueue.Stop(stopCtx); err != nil {
				log.Error("Retry queue stop failed", zap.Error(err))
			}
		}()
	}

	// enqueue pending payments that were left behind by a previous run
	if pending, err := store.FindPaymentsByState(ctx, payment.StatePending, cfg.Queue.BatchSize); err != nil {
		log.Warn("Failed to query pending payments", zap.Error(err))
	} else {
		for i := range pending {
			if _, err := retryQueue.Enqueue(pending[i].ID, 5); err != nil {
				log.Warn("Failed to enqueue pending payment",
					zap.String("payment_id", pending[i].ID.String()),
					zap.Error(err),
				)
			}
		}
		if len(pending) > 0 {
			log.Info("Re-enqueued pending payments", zap.Int("count", len(pending)))
		}
	}

	log.Info("Reconciliation engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down reconciliation engine...")
}

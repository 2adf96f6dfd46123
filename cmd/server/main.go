package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-deal-desk/internal/client"
	"github.com/pesio-ai/be-deal-desk/internal/config"
	"github.com/pesio-ai/be-deal-desk/internal/database"
	"github.com/pesio-ai/be-deal-desk/internal/guardrail"
	"github.com/pesio-ai/be-deal-desk/internal/lock"
	"github.com/pesio-ai/be-deal-desk/internal/logger"
	"github.com/pesio-ai/be-deal-desk/internal/outbox"
	"github.com/pesio-ai/be-deal-desk/internal/repository"
	"github.com/pesio-ai/be-deal-desk/internal/repository/memory"
	"github.com/pesio-ai/be-deal-desk/internal/service"
	"github.com/pesio-ai/be-deal-desk/internal/stage"
)

// app holds the services an API layer mounts on top of the worker.
type app struct {
	deals     *service.DealService
	approvals *service.ApprovalService
	payments  *service.PaymentService
	policies  *guardrail.Store
	scheduler *outbox.Scheduler
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Str("store", cfg.Store.Driver).
		Str("channel", cfg.Outbox.Channel).
		Msg("Starting Deal Desk worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Worker failed")
	}
	log.Info().Msg("Worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	// Initialize store
	var (
		store repository.Store
		db    *database.DB
	)
	switch cfg.Store.Driver {
	case config.StoreMemory:
		store = memory.NewStore()
		log.Warn().Msg("Using in-memory store; data is lost on exit")
	default:
		var err error
		db, err = database.New(ctx, database.Config{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			Database:    cfg.Database.Database,
			SSLMode:     cfg.Database.SSLMode,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		store = repository.NewPostgresStore(db)
		log.Info().Msg("Database connection established")
	}

	// Initialize payment lock
	var locker lock.Locker = lock.Noop{}
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable; payments proceed unlocked until it recovers")
		} else {
			log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connection established")
		}
		cancel()
		locker = lock.NewRedisLocker(rdb, "dealdesk:")
	}

	// Load pricing policy
	var source guardrail.Source = guardrail.FileSource{Path: cfg.Policy.Path}
	if cfg.Policy.Path == "" {
		source = repository.NewPolicyRepository(db)
	}
	policies, err := guardrail.NewStore(ctx, source, log)
	if err != nil {
		return fmt.Errorf("load pricing policy: %w", err)
	}

	// Initialize outbox delivery
	dispatcher := outbox.NewDispatcher(store, outbox.Config{
		Channel:     cfg.Outbox.Channel,
		BatchSize:   cfg.Outbox.BatchSize,
		MaxAttempts: cfg.Outbox.MaxAttempts,
		BackoffStep: cfg.Outbox.BackoffStep,
	}, log)

	handler, err := client.NewHandler(cfg, log)
	if err != nil {
		return fmt.Errorf("create %s channel: %w", cfg.Outbox.Channel, err)
	}
	defer func() {
		if err := handler.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close outbox channel")
		}
	}()

	scheduler, err := outbox.NewScheduler(dispatcher, handler, cfg.Outbox.Schedule, log)
	if err != nil {
		return err
	}

	// Initialize services
	machine := stage.NewMachine()
	a := &app{
		deals:     service.NewDealService(store, guardrail.NewEngine(policies), machine, dispatcher, log),
		approvals: service.NewApprovalService(store, dispatcher, log),
		payments: service.NewPaymentService(store, locker, machine, dispatcher, service.PaymentConfig{
			LockTTL:          cfg.Payment.LockTTL,
			JoinTimeout:      cfg.Payment.JoinTimeout,
			JoinPollInterval: cfg.Payment.JoinPollInterval,
		}, log),
		policies:  policies,
		scheduler: scheduler,
	}

	return a.serve(ctx, cfg.ShutdownTimeout, log)
}

// serve runs the outbox scheduler and the policy reload loop until ctx is
// cancelled, then drains in-flight dispatches.
func (a *app) serve(ctx context.Context, shutdownTimeout time.Duration, log *logger.Logger) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Failures are logged by the scheduler and retried on the next tick.
		_, _ = a.scheduler.RunOnce(ctx)
		a.scheduler.Start()

		<-ctx.Done()
		log.Info().Msg("Shutting down worker...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.scheduler.Stop(shutdownCtx)
	})

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				log.Info().Msg("SIGHUP received; reloading pricing policy")
				_, _ = a.policies.Reload(ctx)
			}
		}
	})

	return g.Wait()
}

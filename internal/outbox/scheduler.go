package outbox

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/pesio-ai/be-deal-desk/internal/logger"
)

// Scheduler runs resurrection and dispatch on a cron schedule. A run still in
// progress when the next one fires is skipped.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *Dispatcher
	handler    Handler
	log        *logger.Logger
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewScheduler creates a scheduler firing on spec, for example "@every 10s".
func NewScheduler(dispatcher *Dispatcher, handler Handler, spec string, log *logger.Logger) (*Scheduler, error) {
	log = log.Component("outbox-scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.PrintfLogger(&log.Logger)),
			cron.SkipIfStillRunning(cron.PrintfLogger(&log.Logger)),
		)),
		dispatcher: dispatcher,
		handler:    handler,
		log:        log,
		baseCtx:    ctx,
		cancel:     cancel,
	}

	if _, err := s.cron.AddFunc(spec, func() { _, _ = s.RunOnce(s.baseCtx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid outbox schedule %q: %w", spec, err)
	}
	return s, nil
}

// RunOnce requeues retryable failures and then dispatches pending events.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if _, err := s.dispatcher.ResurrectFailed(ctx); err != nil {
		s.log.Error().Err(err).Msg("Failed to requeue outbox events")
		return 0, err
	}
	n, err := s.dispatcher.DispatchPending(ctx, s.handler)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to dispatch outbox events")
	}
	return n, err
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.log.Info().Msg("Outbox scheduler started")
	s.cron.Start()
}

// Stop cancels a running job and waits for it until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info().Msg("Outbox scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

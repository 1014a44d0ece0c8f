package worker

import (
	"context"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// CommandWorker consumes custody commands and applies them to orders
type CommandWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewCommandWorker creates a new command worker
func NewCommandWorker(consumer *broker.Consumer, handler *service.CommandHandler) *CommandWorker {
	eventHandler := broker.NewEventHandler()
	handler.Register(eventHandler)

	return &CommandWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.ComponentLogger("command-worker"),
	}
}

// Start starts the worker
func (w *CommandWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting command worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *CommandWorker) Stop() error {
	w.logger.Info("Stopping command worker")
	return w.consumer.Close()
}

// Locker is a cluster-wide mutex with owner tokens
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// LegExpirer rejects legs whose acceptance window has elapsed
type LegExpirer interface {
	ExpireStaleLegs(ctx context.Context, timeout time.Duration, limit int) (int, error)
}

const (
	sweepLockKey   = "leg-timeout-sweep"
	sweepBatchSize = 100
)

// LegTimeoutWorker periodically expires PENDING legs. Only the instance
// holding the sweep lock runs a given pass.
type LegTimeoutWorker struct {
	expirer  LegExpirer
	locker   Locker
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewLegTimeoutWorker creates a new timeout worker. A nil locker runs every
// pass locally.
func NewLegTimeoutWorker(expirer LegExpirer, locker Locker, timeout, interval time.Duration) *LegTimeoutWorker {
	return &LegTimeoutWorker{
		expirer:  expirer,
		locker:   locker,
		timeout:  timeout,
		interval: interval,
		logger:   util.ComponentLogger("leg-timeout"),
	}
}

// Start runs sweeps until ctx is cancelled
func (w *LegTimeoutWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting leg timeout worker",
		zap.Duration("timeout", w.timeout),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Leg timeout worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one expiry pass and reports how many legs it expired
func (w *LegTimeoutWorker) Sweep(ctx context.Context) int {
	if w.locker != nil {
		owner, ok, err := w.locker.AcquireLock(ctx, sweepLockKey, w.interval)
		if err != nil {
			w.logger.Warn("Failed to acquire sweep lock", zap.Error(err))
			return 0
		}
		if !ok {
			return 0
		}
		defer func() {
			if err := w.locker.ReleaseLock(context.Background(), sweepLockKey, owner); err != nil {
				w.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	total := 0
	for {
		n, err := w.expirer.ExpireStaleLegs(ctx, w.timeout, sweepBatchSize)
		total += n
		if err != nil {
			w.logger.Error("Leg expiry pass failed", zap.Error(err))
			break
		}
		if n < sweepBatchSize {
			break
		}
	}
	if total > 0 {
		w.logger.Info("Expired stale legs", zap.Int("count", total))
	}
	return total
}

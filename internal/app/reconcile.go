/**
 * @description
 * Cron job that finishes lockouts whose Disabled status write did not land.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// LockoutReconciler periodically re-applies pending lockouts.
type LockoutReconciler struct {
	cron     *cron.Cron
	ledger   *AttemptLedger
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewLockoutReconciler creates a reconciler running on schedule (cron spec or @every).
func NewLockoutReconciler(ledger *AttemptLedger, schedule string, logger *slog.Logger) *LockoutReconciler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &LockoutReconciler{
		cron:     c,
		ledger:   ledger,
		schedule: schedule,
		timeout:  30 * time.Second,
		logger:   logger,
	}
}

// Start registers the job and starts the scheduler.
func (r *LockoutReconciler) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.RunOnce); err != nil {
		r.logger.Error("failed to schedule lockout reconcile job", "error", err)
		return err
	}
	r.logger.Info("scheduled lockout reconcile job", "schedule", r.schedule)
	r.cron.Start()
	return nil
}

// RunOnce performs a single reconcile pass.
func (r *LockoutReconciler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	disabled, err := r.ledger.Reconcile(ctx)
	if err != nil {
		r.logger.Warn("lockout reconcile incomplete", "disabled", disabled, "pending", len(r.ledger.PendingLockouts()), "error", err)
		return
	}
	if disabled > 0 {
		r.logger.Info("lockout reconcile applied", "disabled", disabled)
	}
}

// Stop gracefully stops the cron scheduler.
func (r *LockoutReconciler) Stop() context.Context {
	return r.cron.Stop()
}

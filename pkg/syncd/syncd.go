package syncd

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"forumdb/pkg/board"
	"forumdb/pkg/logger"
)

// Start runs the periodic synchronization driver if enabled. Each tick
// pulls unseen board messages into every subscription. Returns a cancel
// func that stops the scheduler.
func Start(ctx context.Context, mgr *board.Manager, enabled bool, cronExpr string) (context.CancelFunc, error) {
	if !enabled {
		logger.Info("sync_scheduler_disabled")
		return func() {}, nil
	}

	// default: every minute
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("sync_invalid_cron", "cron", cronExpr)
		return nil, fmt.Errorf("invalid sync cron expression: %s", cronExpr)
	}

	logger.Info("sync_scheduler_enabled", "cron", cronExpr)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, mgr, cronExpr)
	return cancel, nil
}

// runScheduler computes the next tick with gronx and sleeps until then.
func runScheduler(ctx context.Context, mgr *board.Manager, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("sync_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				logger.Info("sync_scheduler_stopping")
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			runOnce(mgr)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				logger.Info("sync_scheduler_stopping")
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			runOnce(mgr)
		case <-ctx.Done():
			logger.Info("sync_scheduler_stopping")
			return
		}
	}
}

func runOnce(mgr *board.Manager) {
	start := time.Now()
	if err := mgr.SynchronizeAll(); err != nil {
		logger.Error("sync_run_error", "error", err)
		return
	}
	logger.Debug("sync_run_done", "elapsed", time.Since(start).String())
}

// Package retention runs the scheduled purge of old confirmed messages
// from the log. Cron scheduling uses gronx for full cron syntax.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/store"
)

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig, s *store.Store) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	period, err := time.ParseDuration(cfg.Period)
	if err != nil || period <= 0 {
		return nil, fmt.Errorf("invalid retention period: %q", cfg.Period)
	}

	// default daily @02:00
	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", cfg.Period, "dry_run", cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, s, cronExpr, period)
	return cancel, nil
}

// RunOnce performs a single purge pass; exposed so admin triggers and
// tests can invoke retention on demand.
func RunOnce(cfg config.RetentionConfig, s *store.Store, period time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-period).UnixNano()
	removed, err := s.PurgeOlderThan(cutoff, cfg.BatchSize, cfg.DryRun)
	if err != nil {
		return removed, err
	}
	logger.Info("retention_run_complete", "removed", removed, "dry_run", cfg.DryRun)
	return removed, nil
}

// runScheduler computes the next cron tick with gronx and sleeps until it,
// which yields sharp scheduling and supports full cron syntax.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, s *store.Store, cronExpr string, period time.Duration) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-time.After(wait):
			if _, err := RunOnce(cfg, s, period); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

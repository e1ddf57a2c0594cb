// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// RetentionConfig defines the retention policy for audit logs.
type RetentionConfig struct {
	RetainAlerts  time.Duration // How long to keep Failed and Warning records
	RetainRoutine time.Duration // How long to keep Success and Info records
	PurgeInterval time.Duration // How often to run the purge cycle
}

// DefaultRetentionConfig returns the default retention configuration.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetainAlerts:  365 * 24 * time.Hour,
		RetainRoutine: 90 * 24 * time.Hour,
		PurgeInterval: 24 * time.Hour,
	}
}

// Purger deletes old audit entries.
type Purger interface {
	PurgeOlderThan(ctx context.Context, statuses []Status, cutoff time.Time) (int64, error)
}

// RetentionWorker runs periodic retention maintenance on audit logs.
type RetentionWorker struct {
	cfg    RetentionConfig
	purger Purger
	logger *slog.Logger
	clock  func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionWorker creates a new retention worker.
func NewRetentionWorker(cfg RetentionConfig, purger Purger) *RetentionWorker {
	return &RetentionWorker{
		cfg:    cfg,
		purger: purger,
		logger: slog.Default(),
		clock:  time.Now,
	}
}

// RunOnce executes a single retention cycle. Both purges are attempted
// even if the first fails; errors are combined.
func (w *RetentionWorker) RunOnce(ctx context.Context) error {
	now := w.clock()
	var errs []error

	routine, err := w.purger.PurgeOlderThan(ctx, []Status{StatusSuccess, StatusInfo}, now.Add(-w.cfg.RetainRoutine))
	if err != nil {
		w.logger.Error("purge routine audit entries failed", "error", err)
		errs = append(errs, err)
	} else if routine > 0 {
		w.logger.Info("purged routine audit entries", "count", routine)
	}

	alerts, err := w.purger.PurgeOlderThan(ctx, []Status{StatusFailed, StatusWarning}, now.Add(-w.cfg.RetainAlerts))
	if err != nil {
		w.logger.Error("purge alert audit entries failed", "error", err)
		errs = append(errs, err)
	} else if alerts > 0 {
		w.logger.Info("purged alert audit entries", "count", alerts)
	}

	return errors.Join(errs...)
}

// Start begins periodic retention maintenance.
func (w *RetentionWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop stops the retention worker and waits for completion.
func (w *RetentionWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *RetentionWorker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PurgeInterval)
	defer ticker.Stop()

	// Run once immediately
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("retention cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("retention cycle failed", "error", err)
			}
		}
	}
}

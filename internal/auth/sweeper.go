// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
)

// DefaultSweepInterval is how often expired OTP challenges and reset
// tokens are removed.
const DefaultSweepInterval = 15 * time.Minute

// Sweeper periodically removes dead OTP challenges, issuance ledger rows
// and reset tokens. Sweeps only touch rows that can no longer validate, so
// they are safe alongside live traffic.
type Sweeper struct {
	otp      *OTPIssuer
	resets   *ResetTokenIssuer
	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper. A non-positive interval selects
// DefaultSweepInterval.
func NewSweeper(otp *OTPIssuer, resets *ResetTokenIssuer, interval time.Duration, opts ...Option) (*Sweeper, error) {
	if otp == nil {
		return nil, oops.Errorf("otp issuer is required")
	}
	if resets == nil {
		return nil, oops.Errorf("reset token issuer is required")
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	o := buildOptions(opts)
	return &Sweeper{otp: otp, resets: resets, interval: interval, logger: o.logger}, nil
}

// RunOnce executes one sweep. Both cleanups run even if the first fails.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	var errs []error

	otps, err := s.otp.CleanupExpired(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if otps > 0 {
		s.logger.Info("removed expired otp challenges", "count", otps)
	}

	resets, err := s.resets.CleanupExpired(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if resets > 0 {
		s.logger.Info("removed expired reset tokens", "count", resets)
	}

	return errors.Join(errs...)
}

// Start begins periodic sweeping until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/pkg/errutil"
)

// ForgotPasswordRequest carries the forgot-password form.
type ForgotPasswordRequest struct {
	Email        string
	CaptchaToken string
}

// ForgotPassword mails a reset link when the email belongs to an account.
// Unknown emails succeed silently so callers cannot enumerate accounts;
// show MsgResetRequested in both cases.
func (s *Service) ForgotPassword(ctx context.Context, req ForgotPasswordRequest, client ClientContext) error {
	email := NormalizeEmail(req.Email)
	if err := ValidateEmail(email); err != nil {
		return err
	}
	if err := s.checkBot(ctx, req.CaptchaToken, BotActionForgotPassword, email, client); err != nil {
		return err
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.logger.Info("reset requested for unknown email", "email", RedactEmail(email))
			return nil
		}
		return oops.Code("RESET_LOOKUP_FAILED").
			In(string(KindPersistence)).
			Wrap(err)
	}

	token, err := s.resets.Issue(ctx, account, client.IPAddress)
	if err != nil {
		return err
	}

	if err := s.mailer.SendResetLink(ctx, email, s.resetLink(token)); err != nil {
		errutil.LogError(s.logger, "reset email failed", err)
		return errorOf(KindDelivery, "RESET_DELIVERY_FAILED").
			With("account_id", account.ID.String()).
			Public(MsgDeliveryFailed).
			Wrap(err)
	}

	s.record(ctx, client, account, email, audit.ActionPasswordResetRequested, audit.StatusInfo, "", nil)
	return nil
}

// ResetPassword sets a new password using an emailed reset token. The
// token is consumed in the same transaction as the account and history
// writes: two concurrent submissions cannot both succeed, and a failed
// write leaves the token usable. The account is signed out everywhere and
// any lockout is lifted.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string, client ClientContext) error {
	record, err := s.resets.Validate(ctx, token)
	if err != nil {
		if KindOf(err) == KindNotFoundOrExpired {
			s.record(ctx, client, nil, "", audit.ActionPasswordResetFailed, audit.StatusFailed, "invalid or expired token", nil)
		}
		return err
	}

	if err := ValidatePasswordStrength(newPassword); err != nil {
		return err
	}

	account, err := s.accounts.GetByID(ctx, record.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return invalidResetToken()
		}
		return oops.Code("RESET_LOOKUP_FAILED").
			In(string(KindPersistence)).
			With("account_id", record.AccountID.String()).
			Wrap(err)
	}

	if err := s.checkPolicy(ctx, account, newPassword); err != nil {
		s.record(ctx, client, account, account.Email, audit.ActionPasswordResetFailed, audit.StatusFailed,
			PublicMessage(err), nil)
		return err
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return oops.Code("RESET_HASH_FAILED").In(string(KindInternal)).Wrap(err)
	}

	now := s.clock()
	var saved *Account
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		consumed, err := s.resets.MarkUsed(ctx, token)
		if err != nil {
			return err
		}
		if !consumed {
			return invalidResetToken()
		}

		saved, err = s.writePassword(ctx, account, hash, func(a *Account) {
			a.SessionTokenHash = nil
			a.RecordSuccess(now)
		})
		return err
	})
	if err != nil {
		return err
	}

	s.record(ctx, client, saved, saved.Email, audit.ActionPasswordReset, audit.StatusSuccess, "", nil)
	return nil
}

// ChangePasswordRequest carries the change-password form.
type ChangePasswordRequest struct {
	CurrentPassword string
	NewPassword     string
}

// ChangePassword replaces the password of a signed-in account. The
// calling browser keeps its session.
func (s *Service) ChangePassword(ctx context.Context, account *Account, req ChangePasswordRequest, client ClientContext) (*Account, error) {
	if account == nil {
		return nil, errorOf(KindUnauthenticated, "SESSION_REQUIRED").
			Public(MsgSessionInvalid).
			Errorf("password change requires a session")
	}

	if !s.hasher.Verify(req.CurrentPassword, account.PasswordHash) {
		s.record(ctx, client, account, account.Email, audit.ActionPasswordChange, audit.StatusFailed,
			"current password mismatch", nil)
		return nil, errorOf(KindValidation, "PASSWORD_CURRENT_MISMATCH").
			With("account_id", account.ID.String()).
			Public(MsgCurrentPassword).
			Errorf("current password is incorrect")
	}

	if err := ValidatePasswordStrength(req.NewPassword); err != nil {
		return nil, err
	}

	if err := s.checkPolicy(ctx, account, req.NewPassword); err != nil {
		s.record(ctx, client, account, account.Email, audit.ActionPasswordChange, audit.StatusFailed,
			PublicMessage(err), nil)
		return nil, err
	}

	hash, err := s.hasher.Hash(req.NewPassword)
	if err != nil {
		return nil, oops.Code("PASSWORD_HASH_FAILED").In(string(KindInternal)).Wrap(err)
	}

	var saved *Account
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		var err error
		saved, err = s.writePassword(ctx, account, hash, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, client, saved, saved.Email, audit.ActionPasswordChange, audit.StatusSuccess, "", nil)
	return saved, nil
}

// writePassword stores hash as the account's password, restarts its expiry
// and appends it to the history. also, when set, makes further changes in
// the same account write. Run it inside a transaction so the account and
// history rows land together.
func (s *Service) writePassword(ctx context.Context, account *Account, hash string, also func(*Account)) (*Account, error) {
	saved, err := mutateAccount(ctx, s.accounts, account, func(a *Account) {
		a.PasswordHash = hash
		s.policy.SetExpiry(a)
		if also != nil {
			also(a)
		}
	})
	if err != nil {
		return nil, oops.Code("PASSWORD_PERSIST_FAILED").
			In(string(KindPersistence)).
			With("account_id", account.ID.String()).
			Wrap(err)
	}
	if err := s.policy.AddToHistory(ctx, saved, hash); err != nil {
		return nil, err
	}
	return saved, nil
}

// checkPolicy turns a policy decision into an error.
func (s *Service) checkPolicy(ctx context.Context, account *Account, candidate string) error {
	decision, err := s.policy.ValidatePolicy(ctx, account, candidate)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return decision.rejection()
	}
	return nil
}

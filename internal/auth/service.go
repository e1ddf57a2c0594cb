// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/pkg/errutil"
)

// ServiceDeps are the collaborators of Service. Audit and Tx are optional;
// without Tx the multi-row password writes are not atomic.
type ServiceDeps struct {
	Accounts AccountRepository
	Tx       Transactor
	Hasher   PasswordHasher
	Sessions *SessionManager
	Policy   *PolicyEngine
	OTP      *OTPIssuer
	Resets   *ResetTokenIssuer
	Bots     BotDetector
	Mailer   Mailer
	Sealer   Sealer
	Audit    AuditSink

	// ResetLink renders the URL mailed for a reset token.
	ResetLink func(token string) string
}

// Service composes the account flows: login, registration and password
// management.
type Service struct {
	accounts  AccountRepository
	tx        Transactor
	hasher    PasswordHasher
	sessions  *SessionManager
	policy    *PolicyEngine
	otp       *OTPIssuer
	resets    *ResetTokenIssuer
	bots      BotDetector
	mailer    Mailer
	sealer    Sealer
	audit     AuditSink
	resetLink func(string) string

	// dummyHash is verified when an email is unknown so that response time
	// does not reveal whether an account exists.
	dummyHash string

	clock   func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

// NewService creates a Service. Returns an error if a required dependency is nil.
func NewService(deps ServiceDeps, opts ...Option) (*Service, error) {
	switch {
	case deps.Accounts == nil:
		return nil, oops.Errorf("accounts repository is required")
	case deps.Hasher == nil:
		return nil, oops.Errorf("password hasher is required")
	case deps.Sessions == nil:
		return nil, oops.Errorf("session manager is required")
	case deps.Policy == nil:
		return nil, oops.Errorf("policy engine is required")
	case deps.OTP == nil:
		return nil, oops.Errorf("otp issuer is required")
	case deps.Resets == nil:
		return nil, oops.Errorf("reset token issuer is required")
	case deps.Bots == nil:
		return nil, oops.Errorf("bot detector is required")
	case deps.Mailer == nil:
		return nil, oops.Errorf("mailer is required")
	case deps.Sealer == nil:
		return nil, oops.Errorf("sealer is required")
	case deps.ResetLink == nil:
		return nil, oops.Errorf("reset link builder is required")
	}

	dummy, err := deps.Hasher.Hash("keystead-timing-equaliser")
	if err != nil {
		return nil, oops.Code("AUTH_INIT_FAILED").With("operation", "hash dummy password").Wrap(err)
	}

	sink := deps.Audit
	if sink == nil {
		sink = discardAudit{}
	}
	var tx Transactor = inline{}
	if deps.Tx != nil {
		tx = deps.Tx
	}

	o := buildOptions(opts)
	return &Service{
		accounts:  deps.Accounts,
		tx:        tx,
		hasher:    deps.Hasher,
		sessions:  deps.Sessions,
		policy:    deps.Policy,
		otp:       deps.OTP,
		resets:    deps.Resets,
		bots:      deps.Bots,
		mailer:    deps.Mailer,
		sealer:    deps.Sealer,
		audit:     sink,
		resetLink: deps.ResetLink,
		dummyHash: dummy,
		clock:     o.clock,
		logger:    o.logger,
		metrics:   o.metrics,
	}, nil
}

// LoginRequest carries login form input.
type LoginRequest struct {
	Email        string
	Password     string
	CaptchaToken string
}

// LoginResult describes a successful login.
type LoginResult struct {
	Account *Account
	// PasswordExpired is set when the password must be changed before
	// anything else is allowed.
	PasswordExpired bool
	// DisplacedOther is set when another browser held the session and
	// will fail its next check.
	DisplacedOther bool
}

func invalidCredentials() error {
	return errorOf(KindUnauthenticated, "AUTH_INVALID_CREDENTIALS").
		Public(MsgInvalidCredentials).
		Errorf("invalid email or password")
}

// Login authenticates an account and makes the calling browser its only
// live session. Unknown emails and wrong passwords are indistinguishable
// to the caller.
func (s *Service) Login(ctx context.Context, req LoginRequest, client ClientContext) (*LoginResult, error) {
	email := NormalizeEmail(req.Email)

	if err := s.checkBot(ctx, req.CaptchaToken, BotActionLogin, email, client); err != nil {
		s.metrics.ObserveLogin("bot")
		return nil, err
	}

	account, lookupErr := s.accounts.GetByEmail(ctx, email)
	if lookupErr != nil && !errors.Is(lookupErr, ErrNotFound) {
		s.metrics.ObserveLogin("error")
		return nil, oops.Code("AUTH_LOGIN_FAILED").
			In(string(KindPersistence)).
			With("operation", "get account by email").
			Wrap(lookupErr)
	}

	// Always verify, against a throwaway hash when the account is unknown.
	targetHash := s.dummyHash
	if account != nil {
		targetHash = account.PasswordHash
	}
	valid := s.hasher.Verify(req.Password, targetHash)

	if account == nil {
		s.record(ctx, client, nil, email, audit.ActionLoginFailed, audit.StatusFailed, "unknown email", nil)
		s.metrics.ObserveLogin("invalid")
		return nil, invalidCredentials()
	}

	now := s.clock()
	if !valid {
		s.recordLoginFailure(ctx, account, client, now)
		s.metrics.ObserveLogin("invalid")
		return nil, invalidCredentials()
	}

	// Lockout is checked after verification to keep timing uniform.
	if account.IsLockedAt(now) {
		remaining := LockoutRemaining(account.LockedUntil, now)
		s.record(ctx, client, account, email, audit.ActionLoginFailed, audit.StatusFailed,
			"account locked", map[string]any{"locked_until": account.LockedUntil})
		s.metrics.ObserveLogin("locked")
		return nil, errorOf(KindLocked, "AUTH_ACCOUNT_LOCKED").
			With("account_id", account.ID.String()).
			With(retryAfterKey, remaining).
			Public(MsgAccountLocked).
			Errorf("account is temporarily locked")
	}

	token, hash, err := GenerateSessionToken()
	if err != nil {
		s.metrics.ObserveLogin("error")
		return nil, err
	}
	displaced := s.sessions.DetectConcurrentLogin(account, token)
	previousIP := account.LastLoginIP

	saved, _, err := s.sessions.createSessionWithToken(ctx, account, client, token, hash, func(a *Account) {
		a.RecordSuccess(now)
	})
	if err != nil {
		s.metrics.ObserveLogin("error")
		return nil, err
	}

	if displaced {
		s.record(ctx, client, saved, email, audit.ActionMultipleLoginDetected, audit.StatusWarning,
			"previous session will be signed out on its next request",
			map[string]any{"previous_ip": previousIP})
	}
	s.record(ctx, client, saved, email, audit.ActionLogin, audit.StatusSuccess, "", nil)
	s.metrics.ObserveLogin("success")

	return &LoginResult{
		Account:         saved,
		PasswordExpired: s.policy.IsExpired(saved),
		DisplacedOther:  displaced,
	}, nil
}

// recordLoginFailure counts a wrong password. Accounts already locked do
// not extend their lockout. Persistence problems are logged only, since
// the caller gets the same answer either way.
func (s *Service) recordLoginFailure(ctx context.Context, account *Account, client ClientContext, now time.Time) {
	if account.IsLockedAt(now) {
		s.record(ctx, client, account, account.Email, audit.ActionLoginFailed, audit.StatusFailed,
			"invalid password while locked", nil)
		return
	}

	saved, err := mutateAccount(ctx, s.accounts, account, func(a *Account) {
		a.RecordFailure(now)
	})
	if err != nil {
		errutil.LogError(s.logger, "failed to record login failure", err)
		saved = account
	}

	s.record(ctx, client, saved, saved.Email, audit.ActionLoginFailed, audit.StatusFailed,
		"invalid password", map[string]any{"failed_attempts": saved.FailedAttempts})
	if saved.IsLockedAt(now) {
		s.record(ctx, client, saved, saved.Email, audit.ActionAccountLocked, audit.StatusWarning,
			"too many failed login attempts", map[string]any{"locked_until": saved.LockedUntil})
	}
}

// Logout ends the browser's session. The account's session token is only
// cleared when this browser still owns it; a displaced browser just drops
// its own slot.
func (s *Service) Logout(ctx context.Context, client ClientContext) error {
	account, err := s.accountFromSlot(ctx, client)
	if err != nil {
		return err
	}

	if account != nil {
		switch s.sessions.Check(account, client) {
		case SessionActive, SessionIdle:
			if _, err := s.sessions.InvalidateSession(ctx, account); err != nil {
				return err
			}
			s.record(ctx, client, account, account.Email, audit.ActionLogout, audit.StatusInfo, "", nil)
		}
	}

	return s.clearSlot(ctx, client)
}

// SessionCheck is the outcome of CheckSession.
type SessionCheck struct {
	State   SessionState
	Account *Account
	// PasswordExpired is only meaningful for active sessions.
	PasswordExpired bool
}

// CheckSession validates the browser's session. Active sessions get their
// activity refreshed. Displaced browsers lose their slot; idle sessions
// also release the account's token.
func (s *Service) CheckSession(ctx context.Context, client ClientContext) (SessionCheck, error) {
	account, err := s.accountFromSlot(ctx, client)
	if err != nil {
		return SessionCheck{}, err
	}
	if account == nil {
		return SessionCheck{State: SessionMissing}, nil
	}

	state := s.sessions.Check(account, client)
	switch state {
	case SessionActive:
		saved, err := s.sessions.UpdateActivity(ctx, account)
		if err != nil {
			return SessionCheck{}, err
		}
		return SessionCheck{State: state, Account: saved, PasswordExpired: s.policy.IsExpired(saved)}, nil

	case SessionIdle:
		if _, err := s.sessions.InvalidateSession(ctx, account); err != nil {
			errutil.LogError(s.logger, "failed to release idle session", err)
		}
		s.record(ctx, client, account, account.Email, audit.ActionSessionExpired, audit.StatusInfo,
			"session idle timeout", nil)

	case SessionDisplaced:
		s.logger.Info("displaced session rejected", "account_id", account.ID.String())
	}

	if err := s.clearSlot(ctx, client); err != nil {
		return SessionCheck{}, err
	}
	return SessionCheck{State: state}, nil
}

// accountFromSlot loads the account named by the browser's slot. Returns
// nil without error when the slot is empty or names no account.
func (s *Service) accountFromSlot(ctx context.Context, client ClientContext) (*Account, error) {
	id, ok := accountIDFromSlot(client.Slot)
	if !ok {
		return nil, nil
	}
	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, oops.Code("SESSION_LOOKUP_FAILED").
			In(string(KindPersistence)).
			With("account_id", id.String()).
			Wrap(err)
	}
	return account, nil
}

func (s *Service) clearSlot(ctx context.Context, client ClientContext) error {
	if client.Slot == nil {
		return nil
	}
	client.Slot.Clear()
	if err := client.Slot.Commit(ctx); err != nil {
		return oops.Code("SESSION_SLOT_COMMIT_FAILED").
			In(string(KindInternal)).
			Wrap(err)
	}
	return nil
}

// checkBot gates a flow on the bot detector.
func (s *Service) checkBot(ctx context.Context, token, action, email string, client ClientContext) error {
	verdict, err := s.bots.Verify(ctx, token, action, client.IPAddress)
	if err != nil {
		errutil.LogError(s.logger, "bot detector unavailable", err)
		return errorOf(KindDelivery, "BOT_CHECK_UNAVAILABLE").
			With("action", action).
			Public(MsgBotCheckFailed).
			Wrap(err)
	}
	if !verdict.Valid {
		s.record(ctx, client, nil, email, audit.ActionBotCheckFailed, audit.StatusFailed, verdict.Message,
			map[string]any{"action": action, "score": verdict.Score})
		return errorOf(KindValidation, "BOT_CHECK_FAILED").
			With("action", action).
			With("score", verdict.Score).
			Public(MsgBotCheckFailed).
			Errorf("bot check failed: %s", verdict.Message)
	}
	return nil
}

// record sends an audit entry. account may be nil for anonymous actors.
func (s *Service) record(
	ctx context.Context,
	client ClientContext,
	account *Account,
	email string,
	action audit.Action,
	status audit.Status,
	description string,
	extra map[string]any,
) {
	entry := audit.Entry{
		ActorEmail:  email,
		Action:      action,
		Status:      status,
		Description: description,
		IPAddress:   client.IPAddress,
		UserAgent:   client.UserAgent,
		Extra:       extra,
		Timestamp:   s.clock(),
	}
	if account != nil {
		entry.ActorID = account.ID.String()
	}
	s.audit.Record(ctx, entry)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/pkg/errutil"
)

// RegistrationRequest carries sign-up form input. Uploaded files are
// handled outside this package.
type RegistrationRequest struct {
	Email        string
	Password     string
	Profile      Profile
	CaptchaToken string
}

// BeginResult tells the caller where the pending registration stands.
type BeginResult struct {
	Email     string
	ExpiresIn time.Duration
}

// errCodeConsumed aborts a verification whose code another request used first.
var errCodeConsumed = errors.New("verification code already consumed")

// pendingRegistration is sealed into the OTP challenge. The password is
// stored already hashed.
type pendingRegistration struct {
	Email        string  `json:"email"`
	PasswordHash string  `json:"password_hash"`
	Profile      Profile `json:"profile"`
}

func registrationFailed(code string) error {
	return errorOf(KindValidation, code).
		Public(MsgRegistrationFailed).
		Errorf("registration rejected")
}

// BeginRegistration validates the form, issues an OTP for the email and
// mails it. No account exists until VerifyRegistration succeeds.
func (s *Service) BeginRegistration(ctx context.Context, req RegistrationRequest, client ClientContext) (*BeginResult, error) {
	email := NormalizeEmail(req.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if err := validateProfile(req.Profile); err != nil {
		return nil, err
	}
	if err := ValidatePasswordStrength(req.Password); err != nil {
		return nil, err
	}

	if err := s.checkBot(ctx, req.CaptchaToken, BotActionRegister, email, client); err != nil {
		return nil, err
	}

	if err := s.ensureEmailFree(ctx, email, client); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, oops.Code("REGISTER_HASH_FAILED").In(string(KindInternal)).Wrap(err)
	}

	sealed, err := s.sealPending(pendingRegistration{Email: email, PasswordHash: hash, Profile: req.Profile})
	if err != nil {
		return nil, err
	}

	if err := s.issueAndSendOTP(ctx, email, sealed, req.Profile.DisplayName(), client); err != nil {
		return nil, err
	}

	s.record(ctx, client, nil, email, audit.ActionOTPSent, audit.StatusInfo, "", nil)
	return &BeginResult{Email: email, ExpiresIn: OTPExpiry}, nil
}

// VerifyRegistration checks the code, creates the account and logs the
// browser in.
func (s *Service) VerifyRegistration(ctx context.Context, email, code string, client ClientContext) (*Account, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)

	challenge, err := s.otp.Validate(ctx, email, code)
	if err != nil {
		if KindOf(err) == KindNotFoundOrExpired {
			s.record(ctx, client, nil, email, audit.ActionOTPVerificationFailed, audit.StatusFailed, "", nil)
		}
		return nil, err
	}

	// The email may have been registered since the code was issued.
	if err := s.ensureEmailFree(ctx, email, client); err != nil {
		return nil, err
	}

	pending, err := s.openPending(challenge.Payload)
	if err != nil {
		return nil, err
	}

	profile, err := s.sealProfile(pending.Profile)
	if err != nil {
		return nil, err
	}

	account, err := NewAccount(email, pending.PasswordHash, profile, s.clock())
	if err != nil {
		return nil, err
	}
	s.policy.SetExpiry(account)

	// The code is consumed together with the account and its first history
	// entry, so a failed write leaves the code usable.
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		consumed, err := s.otp.MarkUsed(ctx, challenge.ID)
		if err != nil {
			return err
		}
		if !consumed {
			return errCodeConsumed
		}

		if err := s.accounts.Create(ctx, account); err != nil {
			if errors.Is(err, ErrEmailTaken) {
				return err
			}
			return oops.Code("REGISTER_CREATE_FAILED").
				In(string(KindPersistence)).
				Wrap(err)
		}

		// The registration password counts as history so the first change
		// cannot reuse it.
		return s.policy.AddToHistory(ctx, account, account.PasswordHash)
	})
	switch {
	case errors.Is(err, errCodeConsumed):
		s.record(ctx, client, nil, email, audit.ActionOTPVerificationFailed, audit.StatusFailed, "code already used", nil)
		return nil, invalidOTP()
	case errors.Is(err, ErrEmailTaken):
		s.record(ctx, client, nil, email, audit.ActionDuplicateRegistration, audit.StatusWarning, "lost creation race", nil)
		return nil, registrationFailed("REGISTER_EMAIL_TAKEN")
	case err != nil:
		return nil, err
	}

	saved, _, err := s.sessions.CreateSession(ctx, account, client)
	if err != nil {
		return nil, err
	}

	s.record(ctx, client, saved, email, audit.ActionRegister, audit.StatusSuccess, "OTP verified and registered", nil)

	if err := s.mailer.SendWelcome(ctx, email, pending.Profile.DisplayName()); err != nil {
		errutil.LogError(s.logger, "welcome email failed", err)
	}
	return saved, nil
}

// ResendOTP issues a fresh code for the newest pending registration of
// email, reusing its sealed payload.
func (s *Service) ResendOTP(ctx context.Context, email string, client ClientContext) (*BeginResult, error) {
	email = NormalizeEmail(email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	latest, err := s.otp.Latest(ctx, email)
	if err != nil {
		if KindOf(err) == KindNotFoundOrExpired {
			return nil, errorOf(KindNotFoundOrExpired, "OTP_NO_PENDING_REGISTRATION").
				Public(MsgRegistrationGone).
				Wrap(err)
		}
		return nil, err
	}

	if err := s.ensureEmailFree(ctx, email, client); err != nil {
		return nil, err
	}

	pending, err := s.openPending(latest.Payload)
	if err != nil {
		return nil, err
	}

	if err := s.issueAndSendOTP(ctx, email, latest.Payload, pending.Profile.DisplayName(), client); err != nil {
		return nil, err
	}

	s.record(ctx, client, nil, email, audit.ActionOTPResent, audit.StatusInfo, "", nil)
	return &BeginResult{Email: email, ExpiresIn: OTPExpiry}, nil
}

func (s *Service) issueAndSendOTP(ctx context.Context, email string, sealed []byte, name string, client ClientContext) error {
	code, err := s.otp.Issue(ctx, email, sealed, client.IPAddress)
	if err != nil {
		return err
	}
	if err := s.mailer.SendOTP(ctx, email, code, name); err != nil {
		errutil.LogError(s.logger, "otp email failed", err)
		return errorOf(KindDelivery, "OTP_DELIVERY_FAILED").
			Public(MsgDeliveryFailed).
			Wrap(err)
	}
	return nil
}

// ensureEmailFree fails when an account already uses email.
func (s *Service) ensureEmailFree(ctx context.Context, email string, client ClientContext) error {
	_, err := s.accounts.GetByEmail(ctx, email)
	if err == nil {
		s.record(ctx, client, nil, email, audit.ActionDuplicateRegistration, audit.StatusWarning, "", nil)
		return registrationFailed("REGISTER_EMAIL_TAKEN")
	}
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return oops.Code("REGISTER_LOOKUP_FAILED").
		In(string(KindPersistence)).
		Wrap(err)
}

func (s *Service) sealPending(p pendingRegistration) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, oops.Code("REGISTER_ENCODE_FAILED").In(string(KindInternal)).Wrap(err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return nil, oops.Code("REGISTER_SEAL_FAILED").In(string(KindInternal)).Wrap(err)
	}
	return sealed, nil
}

func (s *Service) openPending(sealed []byte) (*pendingRegistration, error) {
	plain, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, oops.Code("REGISTER_OPEN_FAILED").In(string(KindInternal)).Wrap(err)
	}
	var p pendingRegistration
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, oops.Code("REGISTER_DECODE_FAILED").In(string(KindInternal)).Wrap(err)
	}
	return &p, nil
}

func (s *Service) sealProfile(p Profile) ([]byte, error) {
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, oops.Code("PROFILE_ENCODE_FAILED").In(string(KindInternal)).Wrap(err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return nil, oops.Code("PROFILE_SEAL_FAILED").In(string(KindInternal)).Wrap(err)
	}
	return sealed, nil
}

// OpenProfile decrypts an account's profile.
func (s *Service) OpenProfile(account *Account) (Profile, error) {
	var p Profile
	if len(account.SealedProfile) == 0 {
		return p, nil
	}
	plain, err := s.sealer.Open(account.SealedProfile)
	if err != nil {
		return p, oops.Code("PROFILE_OPEN_FAILED").In(string(KindInternal)).Wrap(err)
	}
	if err := json.Unmarshal(plain, &p); err != nil {
		return p, oops.Code("PROFILE_DECODE_FAILED").In(string(KindInternal)).Wrap(err)
	}
	return p, nil
}

func validateProfile(p Profile) error {
	var missing []string
	if strings.TrimSpace(p.FirstName) == "" {
		missing = append(missing, "first name")
	}
	if strings.TrimSpace(p.LastName) == "" {
		missing = append(missing, "last name")
	}
	if len(missing) > 0 {
		return errorOf(KindValidation, "PROFILE_INCOMPLETE").
			With("missing", missing).
			Public("Please provide your " + strings.Join(missing, " and ") + ".").
			Errorf("profile incomplete")
	}
	if p.DateOfBirth != "" {
		if _, err := time.Parse(time.DateOnly, p.DateOfBirth); err != nil {
			return errorOf(KindValidation, "PROFILE_INVALID_DOB").
				Public("Date of birth must be in YYYY-MM-DD format.").
				Wrap(err)
		}
	}
	return nil
}

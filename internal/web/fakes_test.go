// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/auth"
)

// fakeService answers with the configured results. A browser counts as
// signed in when its slot carries auth.SlotAccountID.
type fakeService struct {
	account *auth.Account
	expired bool

	loginErr  error
	beginErr  error
	forgotErr error
	changeErr error

	mu       sync.Mutex
	lastIP   string
	lastUA   string
	changeBy *auth.Account
}

func (f *fakeService) seen(client auth.ClientContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIP = client.IPAddress
	f.lastUA = client.UserAgent
}

func (f *fakeService) Login(ctx context.Context, _ auth.LoginRequest, client auth.ClientContext) (*auth.LoginResult, error) {
	f.seen(client)
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	client.Slot.Set(auth.SlotAccountID, f.account.ID.String())
	if err := client.Slot.Commit(ctx); err != nil {
		return nil, err
	}
	return &auth.LoginResult{Account: f.account, PasswordExpired: f.expired}, nil
}

func (f *fakeService) Logout(ctx context.Context, client auth.ClientContext) error {
	client.Slot.Clear()
	return client.Slot.Commit(ctx)
}

func (f *fakeService) CheckSession(ctx context.Context, client auth.ClientContext) (auth.SessionCheck, error) {
	f.seen(client)
	if _, ok := client.Slot.Get(auth.SlotAccountID); !ok {
		return auth.SessionCheck{State: auth.SessionMissing}, nil
	}
	if v, _ := client.Slot.Get("displaced"); v == "yes" {
		client.Slot.Clear()
		if err := client.Slot.Commit(ctx); err != nil {
			return auth.SessionCheck{}, err
		}
		return auth.SessionCheck{State: auth.SessionDisplaced}, nil
	}
	return auth.SessionCheck{State: auth.SessionActive, Account: f.account, PasswordExpired: f.expired}, nil
}

func (f *fakeService) BeginRegistration(_ context.Context, req auth.RegistrationRequest, _ auth.ClientContext) (*auth.BeginResult, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return &auth.BeginResult{Email: auth.NormalizeEmail(req.Email), ExpiresIn: auth.OTPExpiry}, nil
}

func (f *fakeService) VerifyRegistration(_ context.Context, email, code string, _ auth.ClientContext) (*auth.Account, error) {
	if code != "123456" {
		return nil, oops.Code("OTP_INVALID").In(string(auth.KindNotFoundOrExpired)).Public(auth.MsgInvalidCode).Errorf("bad code")
	}
	return &auth.Account{ID: f.account.ID, Email: email}, nil
}

func (f *fakeService) ResendOTP(_ context.Context, email string, _ auth.ClientContext) (*auth.BeginResult, error) {
	return &auth.BeginResult{Email: email, ExpiresIn: auth.OTPExpiry}, nil
}

func (f *fakeService) ForgotPassword(context.Context, auth.ForgotPasswordRequest, auth.ClientContext) error {
	return f.forgotErr
}

func (f *fakeService) ResetPassword(_ context.Context, token, _ string, _ auth.ClientContext) error {
	if token != "good" {
		return oops.Code("RESET_TOKEN_INVALID").In(string(auth.KindNotFoundOrExpired)).Public(auth.MsgInvalidResetLink).Errorf("bad token")
	}
	return nil
}

func (f *fakeService) ChangePassword(_ context.Context, account *auth.Account, _ auth.ChangePasswordRequest, _ auth.ClientContext) (*auth.Account, error) {
	f.mu.Lock()
	f.changeBy = account
	f.mu.Unlock()
	if f.changeErr != nil {
		return nil, f.changeErr
	}
	expires := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	return &auth.Account{ID: account.ID, Email: account.Email, PasswordExpiresAt: &expires}, nil
}

func (f *fakeService) OpenProfile(*auth.Account) (auth.Profile, error) {
	return auth.Profile{FirstName: "Alice", LastName: "Tan"}, nil
}

// fakeActivity returns canned entries and records the requested limit.
type fakeActivity struct {
	entries []audit.Entry
	err     error
	limit   int
	account ulid.ULID
}

func (f *fakeActivity) ListByAccount(_ context.Context, id ulid.ULID, limit int) ([]audit.Entry, error) {
	f.account = id
	f.limit = limit
	return f.entries, f.err
}

// recInstrumenter records the routes it wrapped.
type recInstrumenter struct {
	mu     sync.Mutex
	routes []string
}

func (r *recInstrumenter) Instrument(route string, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.routes = append(r.routes, route)
		r.mu.Unlock()
		h.ServeHTTP(w, req)
	})
}

var _ AccountService = (*auth.Service)(nil)

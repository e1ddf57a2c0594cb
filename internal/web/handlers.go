// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package web

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/auth"
)

// Activity page size.
const (
	defaultActivityLimit = 20
	maxActivityLimit     = 100
)

type loginRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token"`
}

type loginResponse struct {
	AccountID       string `json:"account_id"`
	Email           string `json:"email"`
	PasswordExpired bool   `json:"password_expired"`
	DisplacedOther  bool   `json:"displaced_other"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.svc.Login(r.Context(), auth.LoginRequest{
		Email:        req.Email,
		Password:     req.Password,
		CaptchaToken: req.CaptchaToken,
	}, clientFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		AccountID:       res.Account.ID.String(),
		Email:           res.Account.Email,
		PasswordExpired: res.PasswordExpired,
		DisplacedOther:  res.DisplacedOther,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Logout(r.Context(), clientFrom(r.Context())); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionResponse struct {
	Valid           bool   `json:"valid"`
	Reason          string `json:"reason,omitempty"`
	PasswordExpired bool   `json:"password_expired,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	check, err := s.svc.CheckSession(r.Context(), clientFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if check.State != auth.SessionActive {
		writeJSON(w, http.StatusOK, sessionResponse{Reason: string(check.State)})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Valid: true, PasswordExpired: check.PasswordExpired})
}

type registerRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	CaptchaToken string `json:"captcha_token"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Gender       string `json:"gender"`
	NRIC         string `json:"nric"`
	DateOfBirth  string `json:"date_of_birth"`
	WhoAmI       string `json:"who_am_i"`
}

type pendingResponse struct {
	Email            string `json:"email"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

func pending(res *auth.BeginResult) pendingResponse {
	return pendingResponse{Email: res.Email, ExpiresInSeconds: int(res.ExpiresIn / time.Second)}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.svc.BeginRegistration(r.Context(), auth.RegistrationRequest{
		Email:        req.Email,
		Password:     req.Password,
		CaptchaToken: req.CaptchaToken,
		Profile: auth.Profile{
			FirstName:   req.FirstName,
			LastName:    req.LastName,
			Gender:      req.Gender,
			NRIC:        req.NRIC,
			DateOfBirth: req.DateOfBirth,
			WhoAmI:      req.WhoAmI,
		},
	}, clientFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pending(res))
}

type verifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type accountResponse struct {
	AccountID         string        `json:"account_id"`
	Email             string        `json:"email"`
	PasswordExpiresAt *time.Time    `json:"password_expires_at,omitempty"`
	Profile           *auth.Profile `json:"profile,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	account, err := s.svc.VerifyRegistration(r.Context(), req.Email, req.Code, clientFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{
		AccountID:         account.ID.String(),
		Email:             account.Email,
		PasswordExpiresAt: account.PasswordExpiresAt,
	})
}

type emailRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token,omitempty"`
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.svc.ResendOTP(r.Context(), req.Email, clientFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, pending(res))
}

type messageResponse struct {
	Message string `json:"message"`
}

func (s *Server) handleForgot(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	err := s.svc.ForgotPassword(r.Context(), auth.ForgotPasswordRequest{
		Email:        req.Email,
		CaptchaToken: req.CaptchaToken,
	}, clientFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: auth.MsgResetRequested})
}

type resetRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := s.svc.ResetPassword(r.Context(), req.Token, req.NewPassword, clientFrom(r.Context())); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{Message: "Your password has been reset. Please log in."})
}

type changeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleChange(w http.ResponseWriter, r *http.Request) {
	var req changeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	saved, err := s.svc.ChangePassword(r.Context(), accountFrom(r.Context()), auth.ChangePasswordRequest{
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
	}, clientFrom(r.Context()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		AccountID:         saved.ID.String(),
		Email:             saved.Email,
		PasswordExpiresAt: saved.PasswordExpiresAt,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	profile, err := s.svc.OpenProfile(account)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{
		AccountID:         account.ID.String(),
		Email:             account.Email,
		PasswordExpiresAt: account.PasswordExpiresAt,
		Profile:           &profile,
	})
}

type activityResponse struct {
	Entries []audit.Entry `json:"entries"`
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, s.logger, badRequest(fmt.Errorf("invalid limit %q", raw)))
			return
		}
		limit = min(n, maxActivityLimit)
	}

	account := accountFrom(r.Context())
	entries, err := s.activity.ListByAccount(r.Context(), account.ID, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, activityResponse{Entries: entries})
}

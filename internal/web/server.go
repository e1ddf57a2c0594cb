// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

// Package web serves the Keystead JSON API. Browser sessions live in a
// signed cookie; every non-public route is gated on a session check.
package web

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/audit"
	"github.com/keystead/keystead/internal/auth"
)

// AccountService is the part of *auth.Service the API drives.
type AccountService interface {
	Login(ctx context.Context, req auth.LoginRequest, client auth.ClientContext) (*auth.LoginResult, error)
	Logout(ctx context.Context, client auth.ClientContext) error
	CheckSession(ctx context.Context, client auth.ClientContext) (auth.SessionCheck, error)
	BeginRegistration(ctx context.Context, req auth.RegistrationRequest, client auth.ClientContext) (*auth.BeginResult, error)
	VerifyRegistration(ctx context.Context, email, code string, client auth.ClientContext) (*auth.Account, error)
	ResendOTP(ctx context.Context, email string, client auth.ClientContext) (*auth.BeginResult, error)
	ForgotPassword(ctx context.Context, req auth.ForgotPasswordRequest, client auth.ClientContext) error
	ResetPassword(ctx context.Context, token, newPassword string, client auth.ClientContext) error
	ChangePassword(ctx context.Context, account *auth.Account, req auth.ChangePasswordRequest, client auth.ClientContext) (*auth.Account, error)
	OpenProfile(account *auth.Account) (auth.Profile, error)
}

// ActivityReader lists an account's audit trail.
type ActivityReader interface {
	ListByAccount(ctx context.Context, accountID ulid.ULID, limit int) ([]audit.Entry, error)
}

// Instrumenter wraps route handlers with request metrics.
type Instrumenter interface {
	Instrument(route string, h http.Handler) http.Handler
}

// Config configures the API server.
type Config struct {
	Addr       string
	Service    AccountService
	Activity   ActivityReader
	Cookies    *CookieCodec
	Metrics    Instrumenter
	Logger     *slog.Logger
	TrustProxy bool
}

// Server is the JSON API server.
type Server struct {
	addr           string
	svc            AccountService
	activity       ActivityReader
	cookies        *CookieCodec
	metrics        Instrumenter
	logger         *slog.Logger
	trustProxy     bool
	public         pathMatcher
	expiredAllowed pathMatcher

	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer validates cfg and builds a server.
func NewServer(cfg Config) (*Server, error) {
	switch {
	case cfg.Service == nil:
		return nil, oops.Errorf("account service is required")
	case cfg.Activity == nil:
		return nil, oops.Errorf("activity reader is required")
	case cfg.Cookies == nil:
		return nil, oops.Errorf("cookie codec is required")
	}

	public, err := compilePaths(PublicPaths)
	if err != nil {
		return nil, oops.Code("WEB_PATTERN_INVALID").Wrap(err)
	}
	expiredAllowed, err := compilePaths(ExpiredPasswordPaths)
	if err != nil {
		return nil, oops.Code("WEB_PATTERN_INVALID").Wrap(err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:           cfg.Addr,
		svc:            cfg.Service,
		activity:       cfg.Activity,
		cookies:        cfg.Cookies,
		metrics:        cfg.Metrics,
		logger:         logger,
		trustProxy:     cfg.TrustProxy,
		public:         public,
		expiredAllowed: expiredAllowed,
	}, nil
}

// Handler returns the complete API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/login", s.handleLogin)
	s.route(mux, "POST /api/logout", s.handleLogout)
	s.route(mux, "GET /api/session", s.handleSession)
	s.route(mux, "POST /api/register", s.handleRegister)
	s.route(mux, "POST /api/register/verify", s.handleVerify)
	s.route(mux, "POST /api/register/resend", s.handleResend)
	s.route(mux, "POST /api/password/forgot", s.handleForgot)
	s.route(mux, "POST /api/password/reset", s.handleReset)
	s.route(mux, "POST /api/password/change", s.handleChange)
	s.route(mux, "GET /api/me", s.handleMe)
	s.route(mux, "GET /api/activity", s.handleActivity)
	return s.withClient(s.requireSession(mux))
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.metrics != nil {
		handler = s.metrics.Instrument(pattern, handler)
	}
	mux.Handle(pattern, handler)
}

// Start begins serving the API. The returned channel receives a serve
// error, if any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_api_server").Wrap(err)
		}
	}
	s.logger.Info("api server stopped")
	return nil
}

// Addr returns the listening address, or "" when not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

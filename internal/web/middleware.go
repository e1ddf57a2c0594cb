// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package web

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/gobwas/glob"

	"github.com/keystead/keystead/internal/auth"
)

// PublicPaths are reachable without a session. /api/session and
// /api/logout inspect the session themselves.
var PublicPaths = []string{
	"/api/login",
	"/api/logout",
	"/api/session",
	"/api/register",
	"/api/register/*",
	"/api/password/forgot",
	"/api/password/reset",
}

// ExpiredPasswordPaths stay reachable while the password is expired.
var ExpiredPasswordPaths = []string{
	"/api/password/change",
	"/api/logout",
	"/api/session",
}

// MsgPasswordExpired is returned while an expired password blocks a route.
const MsgPasswordExpired = "Your password has expired. Please change it to continue."

type ctxKey int

const (
	clientKey ctxKey = iota
	accountKey
)

// pathMatcher matches request paths against glob patterns with '/' as
// the separator.
type pathMatcher []glob.Glob

func compilePaths(patterns []string) (pathMatcher, error) {
	m := make(pathMatcher, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, err //nolint:wrapcheck // wrapped by caller with the pattern
		}
		m = append(m, g)
	}
	return m, nil
}

func (m pathMatcher) Match(path string) bool {
	for _, g := range m {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// clientFrom returns the ClientContext built by withClient.
func clientFrom(ctx context.Context) auth.ClientContext {
	client, _ := ctx.Value(clientKey).(auth.ClientContext)
	return client
}

// accountFrom returns the account of a validated session.
func accountFrom(ctx context.Context) *auth.Account {
	account, _ := ctx.Value(accountKey).(*auth.Account)
	return account
}

// withClient attaches the session slot, client IP and user agent to the
// request context.
func (s *Server) withClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &trackingWriter{ResponseWriter: w}
		client := auth.ClientContext{
			Slot:      s.cookies.slot(tw, r),
			IPAddress: s.clientIP(r),
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(tw, r.WithContext(context.WithValue(r.Context(), clientKey, client)))
	})
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requireSession validates the session on every non-public path. Active
// sessions have their activity refreshed by the check; an expired password
// confines the browser to ExpiredPasswordPaths.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.public.Match(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		check, err := s.svc.CheckSession(r.Context(), clientFrom(r.Context()))
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		if check.State != auth.SessionActive {
			writeJSON(w, http.StatusUnauthorized, errorBody{
				Error:   string(check.State),
				Message: sessionMessage(check.State),
			})
			return
		}
		if check.PasswordExpired && !s.expiredAllowed.Match(r.URL.Path) {
			writeJSON(w, http.StatusForbidden, errorBody{
				Error:   "password_expired",
				Message: MsgPasswordExpired,
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, check.Account)))
	})
}

func sessionMessage(state auth.SessionState) string {
	if state == auth.SessionMissing {
		return "Please log in."
	}
	return auth.MsgSessionInvalid
}

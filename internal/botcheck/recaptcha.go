// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

// Package botcheck verifies reCAPTCHA v3 tokens.
package botcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/keystead/keystead/internal/auth"
)

// Call budget for one verification.
const (
	verifyRetries   = 2
	verifyBaseDelay = 200 * time.Millisecond
	verifyTimeout   = 5 * time.Second
	maxResponseSize = 64 << 10
)

// Config configures the reCAPTCHA verifier.
type Config struct {
	SecretKey string
	MinScore  float64
	VerifyURL string
	// Client defaults to an http.Client with a short timeout.
	Client *http.Client
}

// siteverifyResponse is the JSON answer of the siteverify endpoint.
type siteverifyResponse struct {
	Success     bool     `json:"success"`
	Score       float64  `json:"score"`
	Action      string   `json:"action"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
}

// Recaptcha checks tokens against Google's siteverify endpoint.
type Recaptcha struct {
	secret    string
	minScore  float64
	verifyURL string
	client    *http.Client
	logger    *slog.Logger
	baseDelay time.Duration
}

// NewRecaptcha creates a verifier. A nil logger falls back to slog.Default().
func NewRecaptcha(cfg Config, logger *slog.Logger) (*Recaptcha, error) {
	if cfg.SecretKey == "" {
		return nil, oops.Code("BOTCHECK_CONFIG_INVALID").Errorf("recaptcha secret is required")
	}
	if _, err := url.ParseRequestURI(cfg.VerifyURL); err != nil {
		return nil, oops.Code("BOTCHECK_CONFIG_INVALID").With("verify_url", cfg.VerifyURL).Wrap(err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: verifyTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recaptcha{
		secret:    cfg.SecretKey,
		minScore:  cfg.MinScore,
		verifyURL: cfg.VerifyURL,
		client:    client,
		logger:    logger,
		baseDelay: verifyBaseDelay,
	}, nil
}

// Verify checks token for action. A missing token, a failed check, an
// action mismatch or a score below the minimum yields an invalid verdict.
// Only transport failures return an error.
func (r *Recaptcha) Verify(ctx context.Context, token, action, ip string) (auth.BotVerdict, error) {
	if strings.TrimSpace(token) == "" {
		return auth.BotVerdict{Message: "missing captcha token"}, nil
	}

	resp, err := r.call(ctx, token, ip)
	if err != nil {
		return auth.BotVerdict{}, err
	}

	switch {
	case !resp.Success:
		return auth.BotVerdict{Message: "captcha rejected: " + strings.Join(resp.ErrorCodes, ",")}, nil
	case resp.Action != action:
		return auth.BotVerdict{
			Score:   resp.Score,
			Message: fmt.Sprintf("captcha action %q does not match %q", resp.Action, action),
		}, nil
	case resp.Score < r.minScore:
		return auth.BotVerdict{
			Score:   resp.Score,
			Message: fmt.Sprintf("captcha score %.2f below %.2f", resp.Score, r.minScore),
		}, nil
	}
	return auth.BotVerdict{Valid: true, Score: resp.Score}, nil
}

func (r *Recaptcha) call(ctx context.Context, token, ip string) (*siteverifyResponse, error) {
	form := url.Values{"secret": {r.secret}, "response": {token}}
	if ip != "" {
		form.Set("remoteip", ip)
	}

	var out siteverifyResponse
	backoff := retry.WithMaxRetries(verifyRetries, retry.NewExponential(r.baseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.verifyURL, strings.NewReader(form.Encode()))
		if err != nil {
			return oops.Code("BOTCHECK_REQUEST_FAILED").Wrap(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		res, err := r.client.Do(req)
		if err != nil {
			r.logger.Warn("recaptcha call failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		defer func() { _ = res.Body.Close() }()

		if res.StatusCode >= http.StatusInternalServerError {
			r.logger.Warn("recaptcha unavailable, retrying", "status", res.StatusCode)
			return retry.RetryableError(fmt.Errorf("siteverify status %d", res.StatusCode))
		}
		if res.StatusCode != http.StatusOK {
			return oops.Code("BOTCHECK_BAD_STATUS").With("status", res.StatusCode).Errorf("siteverify status %d", res.StatusCode)
		}
		if err := json.NewDecoder(io.LimitReader(res.Body, maxResponseSize)).Decode(&out); err != nil {
			return oops.Code("BOTCHECK_BAD_RESPONSE").Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, oops.Code("BOTCHECK_UNAVAILABLE").Wrap(err)
	}
	return &out, nil
}

// AlwaysAllow accepts every request. It backs recaptcha.disabled for
// local development and tests.
type AlwaysAllow struct{}

// Verify returns a valid verdict with a perfect score.
func (AlwaysAllow) Verify(context.Context, string, string, string) (auth.BotVerdict, error) {
	return auth.BotVerdict{Valid: true, Score: 1}, nil
}

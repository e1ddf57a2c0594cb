// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package web

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/samber/oops"

	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/pkg/errutil"
)

const maxBodyBytes = 64 << 10

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// MsgBadRequest is shown when a request body cannot be decoded.
const MsgBadRequest = "The request could not be read."

// statusFor maps an error kind to an HTTP status.
func statusFor(kind auth.Kind) int {
	switch kind {
	case auth.KindValidation:
		return http.StatusBadRequest
	case auth.KindUnauthenticated, auth.KindNotFoundOrExpired:
		return http.StatusUnauthorized
	case auth.KindConcurrencyConflict:
		return http.StatusConflict
	case auth.KindLocked:
		return http.StatusLocked
	case auth.KindRateLimited:
		return http.StatusTooManyRequests
	case auth.KindDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	//nolint:errcheck // client may have gone away
	json.NewEncoder(w).Encode(body)
}

// writeError renders err. Server-side failures are logged and reported
// by kind only, so internal codes never reach the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := auth.KindOf(err)
	status := statusFor(kind)

	code := string(kind)
	if status < http.StatusInternalServerError || kind == auth.KindDelivery {
		if oopsErr, ok := oops.AsOops(err); ok {
			if c, ok := oopsErr.Code().(string); ok && c != "" {
				code = c
			}
		}
	}
	if status >= http.StatusInternalServerError {
		errutil.LogError(logger, "request failed", err)
	}

	if wait, ok := auth.RetryAfter(err); ok {
		seconds := max(int(math.Ceil(wait.Seconds())), 1)
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeJSON(w, status, errorBody{Error: code, Message: auth.PublicMessage(err)})
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return badRequest(errors.New("trailing data after JSON object"))
	}
	return nil
}

func badRequest(err error) error {
	return oops.Code("REQUEST_INVALID").
		In(string(auth.KindValidation)).
		Public(MsgBadRequest).
		Wrap(err)
}

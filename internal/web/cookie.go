// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package web

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// CookieName is the name of the session slot cookie.
const CookieName = "keystead_session"

const minCookieKeyBytes = 32

// CookieCodec signs and verifies session slot cookies with HMAC-SHA256.
type CookieCodec struct {
	key    []byte
	secure bool
}

// NewCookieCodec creates a codec. key must hold at least 32 bytes.
// secure marks cookies HTTPS-only.
func NewCookieCodec(key []byte, secure bool) (*CookieCodec, error) {
	if len(key) < minCookieKeyBytes {
		return nil, oops.Code("COOKIE_KEY_TOO_SHORT").
			With("key_len", len(key)).
			Errorf("cookie key must be at least %d bytes", minCookieKeyBytes)
	}
	return &CookieCodec{key: key, secure: secure}, nil
}

func (c *CookieCodec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// encode renders values as "payload.signature".
func (c *CookieCodec) encode(values map[string]string) (string, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return "", oops.Code("COOKIE_ENCODE_FAILED").Wrap(err)
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	return payload + "." + c.sign(payload), nil
}

// decode returns the values of a cookie, or false when the cookie is
// malformed or its signature does not match.
func (c *CookieCodec) decode(value string) (map[string]string, bool) {
	payload, sig, found := strings.Cut(value, ".")
	if !found || !hmac.Equal([]byte(sig), []byte(c.sign(payload))) {
		return nil, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, false
	}
	var values map[string]string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, false
	}
	return values, true
}

// slot loads the session slot carried by r. A missing or tampered cookie
// yields an empty slot.
func (c *CookieCodec) slot(w *trackingWriter, r *http.Request) *CookieSlot {
	values := map[string]string{}
	if cookie, err := r.Cookie(CookieName); err == nil {
		if decoded, ok := c.decode(cookie.Value); ok {
			values = decoded
		}
	}
	return &CookieSlot{codec: c, w: w, values: values}
}

// CookieSlot is an auth.SessionSlot stored in a signed, HttpOnly,
// SameSite=Strict cookie. Changes are buffered until Commit.
type CookieSlot struct {
	codec  *CookieCodec
	w      *trackingWriter
	values map[string]string
	dirty  bool
}

// Get returns the value stored under key.
func (s *CookieSlot) Get(key string) (string, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key.
func (s *CookieSlot) Set(key, value string) {
	s.values[key] = value
	s.dirty = true
}

// Clear removes every value.
func (s *CookieSlot) Clear() {
	s.values = map[string]string{}
	s.dirty = true
}

// Values returns a copy of the slot contents.
func (s *CookieSlot) Values() map[string]string {
	return maps.Clone(s.values)
}

// Commit writes the Set-Cookie header. It fails once the response headers
// have been sent.
func (s *CookieSlot) Commit(_ context.Context) error {
	if !s.dirty {
		return nil
	}
	if s.w.started {
		return oops.Code("COOKIE_COMMIT_TOO_LATE").Errorf("response already started")
	}

	cookie := &http.Cookie{
		Name:     CookieName,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.codec.secure,
		SameSite: http.SameSiteStrictMode,
	}
	if len(s.values) == 0 {
		cookie.MaxAge = -1
	} else {
		value, err := s.codec.encode(s.values)
		if err != nil {
			return err
		}
		cookie.Value = value
	}

	dropSetCookie(s.w.Header(), CookieName)
	http.SetCookie(s.w, cookie)
	s.dirty = false
	return nil
}

// dropSetCookie removes earlier Set-Cookie headers for name so the last
// commit of a request is the only one sent.
func dropSetCookie(h http.Header, name string) {
	var kept []string
	for _, v := range h.Values("Set-Cookie") {
		if !strings.HasPrefix(v, name+"=") {
			kept = append(kept, v)
		}
	}
	h.Del("Set-Cookie")
	for _, v := range kept {
		h.Add("Set-Cookie", v)
	}
}

// trackingWriter records whether the response has started.
type trackingWriter struct {
	http.ResponseWriter
	started bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.started = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.started = true
	//nolint:wrapcheck // ResponseWriter passthrough
	return t.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

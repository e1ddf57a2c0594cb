// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

// Package config loads Keystead configuration from a YAML file, command
// line flags and environment overrides, in that order of precedence.
package config

import (
	"encoding/base64"
	"net/url"
	"time"

	"github.com/samber/oops"
)

// Config is the complete configuration document.
type Config struct {
	HTTP      HTTPConfig      `koanf:"http" json:"http,omitempty"`
	Database  DatabaseConfig  `koanf:"database" json:"database,omitempty"`
	Metrics   MetricsConfig   `koanf:"metrics" json:"metrics,omitempty"`
	Log       LogConfig       `koanf:"log" json:"log,omitempty"`
	SMTP      SMTPConfig      `koanf:"smtp" json:"smtp,omitempty"`
	Recaptcha RecaptchaConfig `koanf:"recaptcha" json:"recaptcha,omitempty"`
	Crypto    CryptoConfig    `koanf:"crypto" json:"crypto,omitempty"`
	Sweep     SweepConfig     `koanf:"sweep" json:"sweep,omitempty"`
	Audit     AuditConfig     `koanf:"audit" json:"audit,omitempty"`
}

// HTTPConfig configures the JSON API listener and its session cookie.
type HTTPConfig struct {
	Addr         string `koanf:"addr" json:"addr,omitempty" jsonschema:"description=listen address of the JSON API"`
	BaseURL      string `koanf:"base_url" json:"base_url,omitempty" jsonschema:"description=public URL used to build password reset links"`
	CookieSecure bool   `koanf:"cookie_secure" json:"cookie_secure,omitempty"`
	TrustProxy   bool   `koanf:"trust_proxy" json:"trust_proxy,omitempty" jsonschema:"description=take the client IP from X-Forwarded-For"`
	SessionKey   string `koanf:"session_key" json:"session_key,omitempty" jsonschema:"description=base64 HMAC key for the session cookie (32+ bytes)"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL      string `koanf:"url" json:"url,omitempty"`
	MaxConns int32  `koanf:"max_conns" json:"max_conns,omitempty" jsonschema:"minimum=0"`
}

// MetricsConfig configures the metrics and health listener. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Format string `koanf:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// SMTPConfig configures outbound mail. DevMode logs mail instead of sending it.
type SMTPConfig struct {
	Host     string `koanf:"host" json:"host,omitempty"`
	Port     int    `koanf:"port" json:"port,omitempty" jsonschema:"minimum=0,maximum=65535"`
	Username string `koanf:"username" json:"username,omitempty"`
	Password string `koanf:"password" json:"password,omitempty"`
	From     string `koanf:"from" json:"from,omitempty"`
	DevMode  bool   `koanf:"dev_mode" json:"dev_mode,omitempty"`
}

// RecaptchaConfig configures bot detection.
type RecaptchaConfig struct {
	SecretKey string  `koanf:"secret_key" json:"secret_key,omitempty"`
	SiteKey   string  `koanf:"site_key" json:"site_key,omitempty"`
	MinScore  float64 `koanf:"min_score" json:"min_score,omitempty" jsonschema:"minimum=0,maximum=1"`
	VerifyURL string  `koanf:"verify_url" json:"verify_url,omitempty"`
	Disabled  bool    `koanf:"disabled" json:"disabled,omitempty"`
}

// CryptoConfig holds the field encryption key.
type CryptoConfig struct {
	FieldKey string `koanf:"field_key" json:"field_key,omitempty" jsonschema:"description=base64 XChaCha20-Poly1305 key (32 bytes)"`
}

// SweepConfig configures the expired token sweeper.
type SweepConfig struct {
	Interval time.Duration `koanf:"interval" json:"interval,omitempty" jsonschema:"type=string,description=Go duration such as 15m"`
}

// AuditConfig configures audit log retention.
type AuditConfig struct {
	RetainAlerts  time.Duration `koanf:"retain_alerts" json:"retain_alerts,omitempty" jsonschema:"type=string"`
	RetainRoutine time.Duration `koanf:"retain_routine" json:"retain_routine,omitempty" jsonschema:"type=string"`
	PurgeInterval time.Duration `koanf:"purge_interval" json:"purge_interval,omitempty" jsonschema:"type=string"`
}

// Defaults for zero values.
const (
	DefaultHTTPAddr      = ":8080"
	DefaultBaseURL       = "http://localhost:8080"
	DefaultMetricsAddr   = "127.0.0.1:9100"
	DefaultLogFormat     = "json"
	DefaultLogLevel      = "info"
	DefaultSMTPPort      = 587
	DefaultMinScore      = 0.5
	DefaultVerifyURL     = "https://www.google.com/recaptcha/api/siteverify"
	DefaultSweepInterval = 15 * time.Minute
	DefaultRetainAlerts  = 365 * 24 * time.Hour
	DefaultRetainRoutine = 90 * 24 * time.Hour
	DefaultPurgeInterval = 24 * time.Hour

	minSessionKeyBytes = 32
	fieldKeyBytes      = 32
)

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	setDefault(&c.HTTP.Addr, DefaultHTTPAddr)
	setDefault(&c.HTTP.BaseURL, DefaultBaseURL)
	setDefault(&c.Log.Format, DefaultLogFormat)
	setDefault(&c.Log.Level, DefaultLogLevel)
	setDefault(&c.SMTP.Port, DefaultSMTPPort)
	setDefault(&c.Recaptcha.MinScore, DefaultMinScore)
	setDefault(&c.Recaptcha.VerifyURL, DefaultVerifyURL)
	setDefault(&c.Sweep.Interval, DefaultSweepInterval)
	setDefault(&c.Audit.RetainAlerts, DefaultRetainAlerts)
	setDefault(&c.Audit.RetainRoutine, DefaultRetainRoutine)
	setDefault(&c.Audit.PurgeInterval, DefaultPurgeInterval)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

func invalid(key, format string, args ...any) error {
	return oops.Code("CONFIG_INVALID").With("key", key).Errorf(format, args...)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return invalid("database.url", "database url is required")
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if u, err := url.Parse(c.HTTP.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("http.base_url", "base url must be an absolute URL, got %q", c.HTTP.BaseURL)
	}
	sessionKey, err := c.HTTP.SessionKeyBytes()
	if err != nil {
		return err
	}
	if len(sessionKey) < minSessionKeyBytes {
		return invalid("http.session_key", "session key must be at least %d bytes", minSessionKeyBytes)
	}
	fieldKey, err := c.Crypto.FieldKeyBytes()
	if err != nil {
		return err
	}
	if len(fieldKey) != fieldKeyBytes {
		return invalid("crypto.field_key", "field key must be exactly %d bytes", fieldKeyBytes)
	}
	if !c.SMTP.DevMode {
		if c.SMTP.Host == "" {
			return invalid("smtp.host", "smtp host is required unless smtp.dev_mode is set")
		}
		if c.SMTP.From == "" {
			return invalid("smtp.from", "smtp from address is required unless smtp.dev_mode is set")
		}
	}
	if !c.Recaptcha.Disabled && c.Recaptcha.SecretKey == "" {
		return invalid("recaptcha.secret_key", "recaptcha secret is required unless recaptcha.disabled is set")
	}
	if c.Recaptcha.MinScore < 0 || c.Recaptcha.MinScore > 1 {
		return invalid("recaptcha.min_score", "min score must be within [0, 1], got %v", c.Recaptcha.MinScore)
	}
	if c.Sweep.Interval < time.Second {
		return invalid("sweep.interval", "sweep interval must be at least 1s, got %s", c.Sweep.Interval)
	}
	return nil
}

// SessionKeyBytes decodes the base64 session cookie key.
func (h HTTPConfig) SessionKeyBytes() ([]byte, error) {
	return decodeKey("http.session_key", h.SessionKey)
}

// FieldKeyBytes decodes the base64 field encryption key.
func (c CryptoConfig) FieldKeyBytes() ([]byte, error) {
	return decodeKey("crypto.field_key", c.FieldKey)
}

func decodeKey(key, value string) ([]byte, error) {
	if value == "" {
		return nil, invalid(key, "%s is required", key)
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("key", key).Wrapf(err, "%s is not valid base64", key)
	}
	return raw, nil
}

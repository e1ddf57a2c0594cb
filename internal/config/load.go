// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/keystead/keystead/internal/xdg"
)

// DefaultFileName is looked up in the XDG config directory when no
// explicit path is given.
const DefaultFileName = "keystead.yaml"

// flagKeys maps command line flags onto configuration keys. Flags not
// listed here are ignored by the loader.
var flagKeys = map[string]string{
	"listen":       "http.addr",
	"base-url":     "http.base_url",
	"database-url": "database.url",
	"metrics-addr": "metrics.addr",
	"log-format":   "log.format",
	"log-level":    "log.level",
	"smtp-dev":     "smtp.dev_mode",
	"sweep-every":  "sweep.interval",
}

// envKeys maps environment variables onto configuration keys. Later
// entries win, so KEYSTEAD_DATABASE_URL beats DATABASE_URL.
var envKeys = []struct{ env, key string }{
	{"DATABASE_URL", "database.url"},
	{"KEYSTEAD_DATABASE_URL", "database.url"},
	{"KEYSTEAD_HTTP_SESSION_KEY", "http.session_key"},
	{"KEYSTEAD_SMTP_PASSWORD", "smtp.password"},
	{"KEYSTEAD_RECAPTCHA_SECRET_KEY", "recaptcha.secret_key"},
	{"KEYSTEAD_CRYPTO_FIELD_KEY", "crypto.field_key"},
}

// RegisterFlags adds the flags the loader understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("listen", "", "JSON API listen address (default "+DefaultHTTPAddr+")")
	fs.String("base-url", "", "public base URL used in emailed links")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("metrics-addr", "", "metrics/health listen address (default "+DefaultMetricsAddr+")")
	fs.String("log-format", "", "log format: json or text")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.Bool("smtp-dev", false, "log emails instead of sending them")
	fs.Duration("sweep-every", 0, "interval between expired token sweeps")
}

// Load reads configuration from path (or the XDG default when path is
// empty), then changed flags, then environment overrides. Defaults are
// applied but the result is not validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	return load(path, flags, os.LookupEnv)
}

func load(path string, flags *pflag.FlagSet, lookupEnv func(string) (string, bool)) (*Config, error) {
	k := koanf.New(".")

	path, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := ValidateFile(path); err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	for _, e := range envKeys {
		if v, ok := lookupEnv(e.env); ok && v != "" {
			if err := k.Set(e.key, v); err != nil {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("env", e.env).Wrap(err)
			}
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// resolvePath returns path unchanged when set, otherwise the XDG default
// if that file exists, otherwise "".
func resolvePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", nil //nolint:nilerr // no home directory means no default file
	}
	candidate := filepath.Join(dir, DefaultFileName)
	if _, err := os.Stat(candidate); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", oops.Code("CONFIG_LOAD_FAILED").With("path", candidate).Wrap(err)
	}
	return candidate, nil
}

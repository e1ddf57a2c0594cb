// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystead/keystead/pkg/errutil"
)

func TestPoolConfig(t *testing.T) {
	t.Run("requires url", func(t *testing.T) {
		_, err := poolConfig(PoolConfig{})
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "DB_URL_MISSING")
	})

	t.Run("rejects malformed url", func(t *testing.T) {
		_, err := poolConfig(PoolConfig{URL: "postgres://db:notaport/keystead"})
		require.Error(t, err)
		errutil.AssertErrorCode(t, err, "DB_URL_INVALID")
	})

	t.Run("applies overrides", func(t *testing.T) {
		pc, err := poolConfig(PoolConfig{
			URL:             "postgres://keystead:secret@db:5432/keystead",
			MaxConns:        7,
			MaxConnLifetime: time.Minute,
		})
		require.NoError(t, err)
		assert.Equal(t, int32(7), pc.MaxConns)
		assert.Equal(t, time.Minute, pc.MaxConnLifetime)
		assert.Equal(t, "db", pc.ConnConfig.Host)
	})
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

func TestReadinessCheck(t *testing.T) {
	assert.True(t, ReadinessCheck(stubPinger{}, time.Second)())
	assert.False(t, ReadinessCheck(stubPinger{err: errors.New("down")}, time.Second)())
}

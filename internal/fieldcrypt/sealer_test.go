// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package fieldcrypt

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/pkg/errutil"
)

var _ auth.Sealer = (*Sealer)(nil)

func newSealer(t *testing.T, fill byte) *Sealer {
	t.Helper()
	s, err := New(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return s
}

func TestNew_RejectsBadKey(t *testing.T) {
	_, err := New([]byte("short"))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "FIELDCRYPT_BAD_KEY")
}

func TestSealer_SealOpen(t *testing.T) {
	s := newSealer(t, 7)
	plaintext := []byte(`{"nric":"S1234567D"}`)

	sealed, err := s.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "S1234567D")
	assert.Equal(t, version, sealed[0])

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	again, err := s.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh nonce per seal")
}

func TestSealer_EmptyPlaintext(t *testing.T) {
	s := newSealer(t, 7)
	sealed, err := s.Seal(nil)
	require.NoError(t, err)
	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestSealer_Open_Rejects(t *testing.T) {
	s := newSealer(t, 7)
	sealed, err := s.Seal([]byte("secret"))
	require.NoError(t, err)

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff

	badVersion := bytes.Clone(sealed)
	badVersion[0] = 9

	tests := []struct {
		name   string
		sealer *Sealer
		input  []byte
		code   string
	}{
		{"truncated", s, sealed[:10], "FIELDCRYPT_TRUNCATED"},
		{"unknown version", s, badVersion, "FIELDCRYPT_UNKNOWN_VERSION"},
		{"tampered", s, tampered, "FIELDCRYPT_OPEN_FAILED"},
		{"other key", newSealer(t, 8), sealed, "FIELDCRYPT_OPEN_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.sealer.Open(tt.input)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, tt.code)
		})
	}
}

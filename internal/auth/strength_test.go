// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keystead Contributors

package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystead/keystead/internal/auth"
	"github.com/keystead/keystead/pkg/errutil"
)

func TestValidatePasswordStrength(t *testing.T) {
	t.Run("accepts strong password", func(t *testing.T) {
		assert.NoError(t, auth.ValidatePasswordStrength("Tr0ub4dor&Horse!"))
	})

	tests := []struct {
		name     string
		password string
		missing  string
	}{
		{"too short", "Ab1!xyz", "at least 12 characters"},
		{"no upper", "lowercase-only-123", "an uppercase letter"},
		{"no lower", "UPPERCASE-ONLY-123", "a lowercase letter"},
		{"no digit", "NoDigitsAtAll-here", "a number"},
		{"no special", "NoSpecials12345abc", "a special character"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := auth.ValidatePasswordStrength(tt.password)
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "PASSWORD_TOO_WEAK")
			assert.Equal(t, auth.KindValidation, auth.KindOf(err))
			assert.Contains(t, auth.PublicMessage(err), tt.missing)
		})
	}

	t.Run("lists every unmet rule", func(t *testing.T) {
		err := auth.ValidatePasswordStrength("abc")
		require.Error(t, err)
		msg := auth.PublicMessage(err)
		assert.Contains(t, msg, "at least 12 characters")
		assert.Contains(t, msg, "an uppercase letter")
		assert.Contains(t, msg, "a number")
		assert.Contains(t, msg, "a special character")
	})

	t.Run("rejects low entropy password that passes composition", func(t *testing.T) {
		err := auth.ValidatePasswordStrength("Aaaaaaaaaaa1!")
		require.Error(t, err)
		assert.Equal(t, auth.KindValidation, auth.KindOf(err))
	})
}

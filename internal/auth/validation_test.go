package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name     string
		password string
		failed   []Requirement
	}{
		{"valid", "Str0ng!Password", nil},
		{"too short", "Sh0rt!pw", []Requirement{RequireMinLength}},
		{"no upper", "str0ng!password", []Requirement{RequireUppercase}},
		{"no lower", "STR0NG!PASSWORD", []Requirement{RequireLowercase}},
		{"no digit", "Strong!Password", []Requirement{RequireDigit}},
		{"no special", "Str0ngPassword1", []Requirement{RequireSpecial}},
		{"empty", "", []Requirement{RequireMinLength, RequireUppercase, RequireLowercase, RequireDigit, RequireSpecial}},
		{"too long", "Aa1!" + strings.Repeat("x", MaxPasswordLength), []Requirement{RequireMaxLength}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.password, 12)
			if tt.failed == nil {
				require.NoError(t, err)
				return
			}
			var cerr *ComplexityError
			require.True(t, errors.As(err, &cerr))
			require.Equal(t, tt.failed, cerr.Failed)
		})
	}
}

func TestValidatePasswordCountsRunes(t *testing.T) {
	// 12 characters, more than 12 bytes
	require.NoError(t, ValidatePassword("Ünïcødé!Pw12", 12))
}

func TestValidatePasswordChange(t *testing.T) {
	require.NoError(t, ValidatePasswordChange("Str0ng!Password", "Str0ng!Password", 12))

	err := ValidatePasswordChange("Str0ng!Password", "Str0ng!Passwore", 12)
	var cerr *ComplexityError
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, []Requirement{RequireMatch}, cerr.Failed)

	err = ValidatePasswordChange("weak", "other", 12)
	require.True(t, errors.As(err, &cerr))
	require.True(t, cerr.Has(RequireMinLength))
	require.True(t, cerr.Has(RequireMatch))
}

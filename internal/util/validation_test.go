package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhoneValidation(t *testing.T) {
	tests := []struct {
		raw   string
		want  string
		valid bool
	}{
		{"92328", "92328", false},
		{"923288055104", "923288055104", true},
		{"+92 328-805-5104", "923288055104", true},
		{"(555) 123", "555123", false},
		{"", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			digits := NormalizePhone(tc.raw)
			assert.Equal(t, tc.want, digits)
			assert.Equal(t, tc.valid, IsValidPhone(digits))
		})
	}
}

func TestPairingCodeFormat(t *testing.T) {
	t.Run("normalizes case and whitespace", func(t *testing.T) {
		assert.Equal(t, "ABCD-EFGH-JKLM-NPQR", NormalizePairingCode("  abcd-efgh-jklm-npqr \n"))
	})

	t.Run("accepts full uppercase alphanumeric grammar", func(t *testing.T) {
		assert.True(t, IsValidPairingCodeFormat("A0B1-C2D3-E4F5-0000"))
	})

	t.Run("rejects malformed codes", func(t *testing.T) {
		for _, code := range []string{"", "ABCD-EFGH", "ABCD-EFGH-JKLM-NPQ", "abcd-efgh-jklm-npqr", "ABCD_EFGH_JKLM_NPQR", "ABCD-EFGH-JKLM-NPQR-"} {
			assert.False(t, IsValidPairingCodeFormat(code), code)
		}
	})
}

func TestIsValidEnum(t *testing.T) {
	assert.True(t, IsValidEnum("", []string{"a"}))
	assert.True(t, IsValidEnum("a", []string{"a", "b"}))
	assert.False(t, IsValidEnum("c", []string{"a", "b"}))
}

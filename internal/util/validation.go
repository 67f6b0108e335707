package util

import (
	"regexp"
	"strings"
)

const MinPhoneDigits = 10

var (
	pairingCodeRegex = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)
	nonDigitRegex    = regexp.MustCompile(`\D`)
)

// NormalizePhone strips every non-digit character.
func NormalizePhone(raw string) string {
	return nonDigitRegex.ReplaceAllString(raw, "")
}

func IsValidPhone(digits string) bool {
	return len(digits) >= MinPhoneDigits && NormalizePhone(digits) == digits
}

func NormalizePairingCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// IsValidPairingCodeFormat checks the grammar only; it says nothing about
// whether a session owns the code.
func IsValidPairingCodeFormat(code string) bool {
	return pairingCodeRegex.MatchString(code)
}

func IsValidEnum(value string, validValues []string) bool {
	if value == "" {
		return true
	}
	for _, v := range validValues {
		if value == v {
			return true
		}
	}
	return false
}

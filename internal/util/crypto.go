package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	// PairingCodeChars omits O, I, 0 and 1 so codes survive being read aloud.
	PairingCodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	SessionIDLength      = 32
	pairingCodeGroups    = 4
	pairingCodeGroupSize = 4
)

// NewSecureID returns exactly length lowercase hex characters read from
// crypto/rand. There is no fallback source: a read failure is returned.
func NewSecureID(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("secure id length must be positive, got %d", length)
	}
	buf := make([]byte, (length+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf)[:length], nil
}

func NewSessionID() (string, error) {
	return NewSecureID(SessionIDLength)
}

// NewPairingCode returns a code shaped XXXX-XXXX-XXXX-XXXX with every group
// drawn independently and uniformly from PairingCodeChars.
func NewPairingCode() (string, error) {
	groups := make([]string, pairingCodeGroups)
	for i := range groups {
		group, err := randomChars(PairingCodeChars, pairingCodeGroupSize)
		if err != nil {
			return "", err
		}
		groups[i] = group
	}
	return strings.Join(groups, "-"), nil
}

func randomChars(alphabet string, n int) (string, error) {
	n64 := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, n64)
		if err != nil {
			return "", fmt.Errorf("read random index: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// CheckEntropy verifies the secure random source is readable. Callers treat a
// failure as fatal at startup.
func CheckEntropy() error {
	_, err := NewSecureID(SessionIDLength)
	return err
}

func MaskCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:4] + "-****"
}

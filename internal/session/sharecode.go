package session

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	// shareCodeAlphabet leaves out 0, O, 1, I and L. Its size divides 256 so
	// mapping random bytes onto it is unbiased.
	shareCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	shareCodeLength   = 6
)

// NewShareCode mints a random invitation code such as "XK7M2P".
func NewShareCode() (string, error) {
	b := make([]byte, shareCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate share code: %w", err)
	}

	for i := range b {
		b[i] = shareCodeAlphabet[int(b[i])%len(shareCodeAlphabet)]
	}
	return string(b), nil
}

// NormalizeShareCode makes codes typed by participants comparable.
func NormalizeShareCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

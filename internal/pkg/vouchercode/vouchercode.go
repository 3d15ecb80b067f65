package vouchercode

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet for voucher codes. Visually ambiguous characters (0/O, 1/I) are
// excluded so codes survive being read from a printout or told over the phone.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultLength is the code length used for generated voucher batches.
const DefaultLength = 10

// Generate creates a cryptographically secure random voucher code.
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length: %d", length)
	}

	// 32 symbols divide 256 evenly, so a plain modulo introduces no bias.
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read secure random bytes: %w", err)
	}

	code := make([]byte, length)
	for i, b := range buf {
		code[i] = alphabet[int(b)%len(alphabet)]
	}

	return string(code), nil
}

// Normalize upper-cases a user-entered code and strips whitespace and
// separator dashes, so "abcd-efgh-jk" matches a stored "ABCDEFGHJK".
func Normalize(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return code
}

// IsWellFormed reports whether every character of a normalized code is part
// of the generation alphabet.
func IsWellFormed(code string) bool {
	if code == "" {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(alphabet, code[i]) == -1 {
			return false
		}
	}
	return true
}

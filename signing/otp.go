package signing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// generateCode returns a fresh numeric OTP. Codes are never reused: each
// resend draws a new one and overwrites the stored hash.
func generateCode() (string, error) {
	var b strings.Builder
	for i := 0; i < otpLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("signing: draw otp digit: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// maskPhone hides all but the last two digits, keeping any leading +CC hint.
func maskPhone(phone string) string {
	if len(phone) < 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}

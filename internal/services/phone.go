package services

import (
	"fmt"
	"strings"
)

// NormalizePhone strips everything but digits and rewrites a leading
// "0" to the "254" country prefix. "+254712345678" and "0712345678"
// both normalize to "254712345678".
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") {
		digits = "254" + digits[1:]
	}
	return digits
}

// ValidatePushPhone checks the 12-digit 254XXXXXXXXX shape the STK push
// API requires.
func ValidatePushPhone(phone string) error {
	if len(phone) != 12 || !strings.HasPrefix(phone, "254") {
		return fmt.Errorf("invalid phone number format, use 2547XXXXXXXX")
	}
	return nil
}

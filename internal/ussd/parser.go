package ussd

import (
	"strings"
)

// GatewaySuffix extracts the short-code suffix from a dialed USSD code.
// "*519*65#" → "65". The gateway prefixes every INPUT string with this
// token.
func GatewaySuffix(ussdCode string) string {
	cleaned := strings.TrimSuffix(strings.TrimPrefix(ussdCode, "*"), "#")
	if cleaned == "" {
		return ""
	}
	parts := strings.Split(cleaned, "*")
	return parts[len(parts)-1]
}

// ParseInput decodes the gateway's concatenated INPUT string into the
// ordered user keystrokes.
//
// The gateway sends either the suffix form ("65", "65*1*25000") or the
// legacy full-code form ("*519*65#", "*519*65*1*25000#"). In the suffix
// form the first token is the gateway suffix; in the legacy form the
// first two tokens are the gateway code. Tokens are not validated here;
// the menu walker rejects anything that is not a usable selection.
func ParseInput(input, gatewaySuffix string) []string {
	cleaned := strings.TrimSuffix(strings.TrimPrefix(input, "*"), "#")
	if cleaned == "" {
		return nil
	}
	parts := strings.Split(cleaned, "*")

	if parts[0] == gatewaySuffix {
		return parts[1:]
	}
	if len(parts) > 2 {
		return parts[2:]
	}
	return nil
}

// IsNumeric reports whether the keystroke is all digits, matching the
// menu selections and ID numbers the walker accepts.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

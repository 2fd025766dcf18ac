package payments

import (
	"fmt"
	"strings"
)

// NormalizePhone returns the 12 digit 254XXXXXXXXX form of a Kenyan mobile number.
// Accepted inputs: 0XXXXXXXXX, +254XXXXXXXXX, 254XXXXXXXXX.
func NormalizePhone(in string) (string, error) {
	p := strings.TrimSpace(in)
	switch {
	case strings.HasPrefix(p, "+254"):
		p = p[1:]
	case strings.HasPrefix(p, "0"):
		p = "254" + p[1:]
	}
	if len(p) != 12 || !strings.HasPrefix(p, "254") || !digitsOnly(p) {
		return "", fmt.Errorf("%w: phone number must be in the format 254XXXXXXXXX", ErrValidation)
	}
	return p, nil
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

package util

import (
	"net/mail"
	"strings"
)

// NormalizeEmail trims and lower-cases the address part of raw input.
// It returns "" if raw is not a parseable address.
func NormalizeEmail(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		return ""
	}

	return strings.ToLower(addr.Address)
}

package utils

import (
	"regexp"
	"strings"
)

// DefaultCountryCode is assumed for numbers without an international prefix
const DefaultCountryCode = "966"

var (
	e164Pattern    = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	e164Parts      = regexp.MustCompile(`^(\+)(\d{1,3})(\d{3})(\d+)$`)
	nonDialPattern = regexp.MustCompile(`[^\d+]`)
)

// MaskPhoneNumber masks a phone number for logging
// Example: +966501234567 -> +966501••4567
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	phone = strings.TrimSpace(phone)

	if m := e164Parts.FindStringSubmatch(phone); len(m) == 5 && len(m[4]) >= 4 {
		rest := m[4]
		return "+" + m[2] + m[3] + strings.Repeat("•", len(rest)-4) + rest[len(rest)-4:]
	}

	// mask all but the last 4 characters
	if len(phone) > 4 {
		return strings.Repeat("•", len(phone)-4) + phone[len(phone)-4:]
	}
	return strings.Repeat("•", len(phone))
}

// ValidateE164 validates E.164 phone number format
func ValidateE164(phone string) bool {
	return e164Pattern.MatchString(phone)
}

// NormalizePhone converts a dialled number to E.164. Local Saudi numbers
// (05xxxxxxxx) and bare national numbers get the +966 prefix.
func NormalizePhone(phone string) string {
	cleaned := nonDialPattern.ReplaceAllString(phone, "")
	if cleaned == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(cleaned, "+"):
		return cleaned
	case strings.HasPrefix(cleaned, "00"):
		return "+" + cleaned[2:]
	case strings.HasPrefix(cleaned, DefaultCountryCode):
		return "+" + cleaned
	case strings.HasPrefix(cleaned, "0"):
		return "+" + DefaultCountryCode + cleaned[1:]
	default:
		return "+" + DefaultCountryCode + cleaned
	}
}

// Package phone canonicalizes free-form phone strings into the E.164 form
// used as the dedup key and outbound address for every vendor.
package phone

import (
	"regexp"
	"strings"

	"leadcast/internal/domain"
)

const DefaultCountryCode = "250"

var e164 = regexp.MustCompile(`^\+\d{7,15}$`)

// subscriberDigits is the national significant number length for country
// codes we know about. Countries missing here skip the bare-subscriber rule.
var subscriberDigits = map[string]int{
	"250": 9,  // Rwanda
	"254": 9,  // Kenya
	"255": 9,  // Tanzania
	"256": 9,  // Uganda
	"257": 8,  // Burundi
	"243": 9,  // DR Congo
	"1":   10, // NANP
}

// Normalize returns the E.164 form of raw, or "" with ok=false when raw
// cannot be turned into a plausible number. countryCode defaults to
// DefaultCountryCode when empty.
func Normalize(raw, countryCode string) (string, bool) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	raw = strings.TrimSpace(raw)
	plus := strings.HasPrefix(raw, "+")
	digits := digitsOnly(raw)
	if digits == "" {
		return "", false
	}

	var out string
	switch {
	case plus:
		out = "+" + digits
	case strings.HasPrefix(digits, "00"):
		// international dialing prefix
		out = "+" + digits[2:]
	case strings.HasPrefix(digits, "0"):
		out = "+" + countryCode + digits[1:]
	case strings.HasPrefix(digits, countryCode):
		out = "+" + digits
	case subscriberDigits[countryCode] > 0 && len(digits) == subscriberDigits[countryCode]:
		out = "+" + countryCode + digits
	default:
		out = "+" + digits
	}

	if !e164.MatchString(out) {
		return "", false
	}
	return out, true
}

// NormalizeContacts normalizes every business phone, drops entries without a
// valid number and keeps only the first entry per normalized number.
func NormalizeContacts(in []domain.Business, countryCode string) []domain.Business {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.Business, 0, len(in))
	for _, b := range in {
		p, ok := Normalize(b.Phone, countryCode)
		if !ok {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		b.Phone = p
		out = append(out, b)
	}
	return out
}

// Digits strips the leading "+" for use in wa.me links and provider
// addresses that want bare digits.
func Digits(normalized string) string {
	return strings.TrimPrefix(normalized, "+")
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Package phone turns operator-entered phone strings into dialable numbers.
//
// The default Heuristic is not an E.164 validator. It fills in a missing
// country code and area code using two length rules tuned for Brazilian
// mobile numbers, and leaves every other shape untouched.
package phone

import (
	"regexp"
	"strings"
)

const (
	DefaultCountryCode = "55"
	DefaultAreaCode    = "11"
)

// Normalizer converts a raw phone string into the canonical form used in
// compose deep links.
type Normalizer interface {
	Normalize(raw string) string
}

// Heuristic is the length-based Normalizer.
type Heuristic struct {
	CountryCode string
	AreaCode    string
}

// NewHeuristic returns a Heuristic; empty arguments fall back to the defaults.
func NewHeuristic(countryCode, areaCode string) Heuristic {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	if areaCode == "" {
		areaCode = DefaultAreaCode
	}
	return Heuristic{CountryCode: countryCode, AreaCode: areaCode}
}

// Normalize strips non-digits, then:
//   - 11 digits starting with the area code: prefix the country code
//   - exactly 10 digits: prefix country code + area code
//   - anything else: returned as digits only
func (h Heuristic) Normalize(raw string) string {
	cc, area := h.CountryCode, h.AreaCode
	if cc == "" {
		cc = DefaultCountryCode
	}
	if area == "" {
		area = DefaultAreaCode
	}

	digits := Digits(raw)
	switch {
	case len(digits) == 11 && strings.HasPrefix(digits, area):
		return cc + digits
	case len(digits) == 10:
		return cc + area + digits
	default:
		return digits
	}
}

// Normalize applies the default Heuristic.
func Normalize(raw string) string {
	return NewHeuristic("", "").Normalize(raw)
}

// Digits returns only the ASCII digits of s.
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

var validChars = regexp.MustCompile(`^[\d\s+\-()]+$`)

// ValidChars reports whether raw contains only digits, whitespace, '+', '-'
// and parentheses.
func ValidChars(raw string) bool {
	return validChars.MatchString(raw)
}

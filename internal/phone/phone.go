// Package phone normalizes phone numbers to canonical international form and
// expands the Mexican mobile-prefix ambiguity the gateway introduces.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidNumber = errors.New("phone: invalid number")

	canonical = regexp.MustCompile(`^\+[1-9]\d{9,14}$`)
	stripped  = strings.NewReplacer(" ", "", "-", "", ".", "", "(", "", ")", "")
)

// Normalize returns the canonical form of raw: a leading + followed by 10-15
// digits, with channel prefixes and separators removed.
func Normalize(raw string) (string, error) {
	n := strings.TrimSpace(raw)
	n = strings.TrimPrefix(n, "whatsapp:")
	n = stripped.Replace(n)

	if !canonical.MatchString(n) {
		return "", ErrInvalidNumber
	}
	return n, nil
}

// SearchVariants returns every textual form number may be stored under.
// Mexican numbers arrive from the gateway as either +52XXXXXXXXXX or
// +521XXXXXXXXXX (legacy mobile prefix); both refer to the same line, so
// lookups must try both. The input is always the first element.
func SearchVariants(number string) []string {
	variants := []string{number}

	switch {
	case strings.HasPrefix(number, "+521") && len(number) == 14:
		variants = append(variants, "+52"+number[4:])
	case strings.HasPrefix(number, "+52") && len(number) == 13:
		variants = append(variants, "+521"+number[3:])
	}
	return variants
}

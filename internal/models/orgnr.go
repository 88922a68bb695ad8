package models

import (
	"fmt"
	"strings"
)

// OrgNumber is a Swedish organisation number in canonical 10-digit form.
type OrgNumber string

// ParseOrgNumber normalizes an organisation number to its canonical form.
// Separators (dash, space, dot) are stripped, and a leading "16" country
// prefix on 12-digit input is removed. Returns an error if the result is
// not exactly 10 digits.
func ParseOrgNumber(raw string) (OrgNumber, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	// 12-digit form with "16" country prefix (e.g. from SCB exports)
	if len(cleaned) == 12 && strings.HasPrefix(cleaned, "16") {
		cleaned = cleaned[2:]
	}

	if len(cleaned) != 10 {
		return "", fmt.Errorf("invalid organisation number %q: expected 10 digits, got %d", raw, len(cleaned))
	}

	return OrgNumber(cleaned), nil
}

// String returns the canonical digit string.
func (o OrgNumber) String() string {
	return string(o)
}

// Prefix2 returns the first two digits, used for sharding raw-document
// storage paths.
func (o OrgNumber) Prefix2() string {
	if len(o) < 2 {
		return "00"
	}
	return string(o[:2])
}

// Valid reports whether the number is in canonical form.
func (o OrgNumber) Valid() bool {
	if len(o) != 10 {
		return false
	}
	for _, r := range o {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

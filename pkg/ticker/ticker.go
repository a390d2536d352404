// Package ticker validates and normalizes exchange ticker symbols.
package ticker

import (
	"regexp"
	"strings"

	apperrors "stock_trader/pkg/errors"
)

// Length is the canonical ticker width on the venue.
const Length = 6

var digitsOnly = regexp.MustCompile(`^[0-9]{1,6}$`)

// Normalize returns the canonical 6-digit form of a ticker. Numeric input
// shorter than 6 digits is zero-padded on the left, so "660" becomes
// "000660". Anything non-numeric or longer than 6 digits is rejected.
func Normalize(input string) (string, error) {
	s := strings.TrimSpace(input)
	if !digitsOnly.MatchString(s) {
		return "", apperrors.ErrInvalidArgument
	}
	if len(s) < Length {
		s = strings.Repeat("0", Length-len(s)) + s
	}
	return s, nil
}

// IsValid reports whether the input normalizes to a well-formed ticker.
func IsValid(input string) bool {
	_, err := Normalize(input)
	return err == nil
}

// Package phonenum validates and normalizes the phoneNumber field (spec.md
// §3) before it ever reaches the modem client, using libphonenumber rather
// than a hand-rolled regex.
package phonenum

import (
	"errors"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalid is returned when a phone number cannot be parsed or validated.
var ErrInvalid = errors.New("invalid phone number")

// Normalize parses and validates input, returning its E.164 form. A leading
// '+' is required since the gateway has no default region to assume.
func Normalize(input string) (string, error) {
	plusCount := 0
	for _, r := range input {
		switch {
		case r == '+':
			plusCount++
		case r >= '0' && r <= '9', r == ' ', r == '-', r == '(', r == ')', r == '.':
			// ok
		default:
			return "", ErrInvalid
		}
	}
	if plusCount != 1 {
		return "", ErrInvalid
	}

	num, err := phonenumbers.Parse(input, "")
	if err != nil {
		return "", ErrInvalid
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", ErrInvalid
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

package field

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

// Region holds the phone numbering plan leads are normalized against.
type Region struct {
	// CountryCode is the international calling code without "+" (e.g. "60").
	CountryCode string
	// TrunkPrefix is the local dialing prefix dropped during normalization (e.g. "0").
	TrunkPrefix string
}

// DefaultRegion is Malaysia, the deployment's home numbering plan.
var DefaultRegion = Region{CountryCode: "60", TrunkPrefix: "0"}

// ErrUnparseablePhone is returned when a raw value cannot be normalized to the
// region's international format.
var ErrUnparseablePhone = errors.New("phone number is not parseable")

var nonDigits = regexp.MustCompile(`[^0-9]`)

const (
	minSubscriberDigits = 8
	maxSubscriberDigits = 10
)

// NormalizePhone converts a raw phone string to the single international form
// +<countrycode><subscriber>. Pure and idempotent:
// normalize(normalize(x)) == normalize(x) for every accepted x.
//
// Algorithm: strip non-digits; a leading country code gets "+" prefixed; a
// leading trunk prefix is dropped and replaced by "+<countrycode>"; a bare
// subscriber number of plausible length gets "+<countrycode>" prefixed;
// anything else is rejected.
func (r Region) NormalizePhone(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")
	if digits == "" {
		return "", ErrUnparseablePhone
	}

	var subscriber string
	switch {
	case strings.HasPrefix(digits, r.CountryCode) &&
		plausibleSubscriber(digits[len(r.CountryCode):]):
		subscriber = digits[len(r.CountryCode):]
	case r.TrunkPrefix != "" && strings.HasPrefix(digits, r.TrunkPrefix):
		subscriber = digits[len(r.TrunkPrefix):]
	case plausibleSubscriber(digits):
		subscriber = digits
	default:
		return "", ErrUnparseablePhone
	}

	if !plausibleSubscriber(subscriber) {
		return "", ErrUnparseablePhone
	}
	return "+" + r.CountryCode + subscriber, nil
}

// Pattern returns the numbering-plan regexp a normalized number must match.
func (r Region) Pattern() *regexp.Regexp {
	return regexp.MustCompile(`^\+` + r.CountryCode + `[1-9][0-9]{` +
		strconv.Itoa(minSubscriberDigits-1) + `,` + strconv.Itoa(maxSubscriberDigits-1) + `}$`)
}

func plausibleSubscriber(s string) bool {
	return len(s) >= minSubscriberDigits && len(s) <= maxSubscriberDigits && s[0] != '0'
}

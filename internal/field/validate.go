package field

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxStringLen is the length strings are truncated to before acceptance.
	MaxStringLen = 1000
	// hardRejectLen is the threshold above which a string is rejected outright
	// instead of silently truncated.
	hardRejectLen = 4000
	// MaxEmailLen bounds accepted email addresses.
	MaxEmailLen = 255
	// MaxURLLen bounds accepted URLs.
	MaxURLLen = 2048
	// NumberBound bounds accepted numeric magnitudes.
	NumberBound = 1e12
	// MinYear and MaxYear bound accepted dates.
	MinYear = 1900
	MaxYear = 2100
)

var (
	htmlTagRe     = regexp.MustCompile(`<[^>]*>`)
	eventAttrRe   = regexp.MustCompile(`(?i)\bon[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
	emailRe       = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	boolTokens    = map[string]bool{"true": true, "1": true, "yes": true, "false": false, "0": false, "no": false}
	dateLayouts   = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02", "02/01/2006"}
	scriptTokenRe = regexp.MustCompile(`(?i)<\s*script|javascript\s*:`)
)

// Validator cleanses and bounds-checks inbound values against their semantic
// type. The zero Validator is not usable; construct with NewValidator.
type Validator struct {
	region Region
}

// NewValidator returns a Validator normalizing phones against region.
func NewValidator(region Region) *Validator {
	if region.CountryCode == "" {
		region = DefaultRegion
	}
	return &Validator{region: region}
}

// Region returns the validator's phone region.
func (v *Validator) Region() Region { return v.region }

// Validate cleanses raw according to typ and returns the sanitized Value.
// The returned error is always a *ValidationError naming key, so the whole
// submission can be rejected with a field-scoped reason.
func (v *Validator) Validate(key string, raw any, typ Type) (Value, error) {
	switch typ {
	case TypeEmail:
		return v.validateEmail(key, raw)
	case TypePhone:
		return v.validatePhone(key, raw)
	case TypeURL:
		return v.validateURL(key, raw)
	case TypeNumber:
		return v.validateNumber(key, raw)
	case TypeDate:
		return v.validateDate(key, raw)
	case TypeBoolean:
		return v.validateBool(key, raw)
	default:
		return v.validateString(key, raw)
	}
}

// SanitizeString trims raw, strips HTML tags and inline event-handler
// attributes, and truncates to MaxStringLen. Returns an error when the value
// is too long to truncate safely or still carries script content after
// stripping: dangerous values are rejected, never silently truncated.
func (v *Validator) SanitizeString(key, raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) > hardRejectLen {
		return "", invalid(key, "value exceeds maximum length")
	}
	if scriptTokenRe.MatchString(s) {
		return "", invalid(key, "value contains disallowed script content")
	}
	s = eventAttrRe.ReplaceAllString(s, "")
	s = htmlTagRe.ReplaceAllString(s, "")
	// Stripping nested tags can reassemble a script token (<scr<b>ipt>), so
	// check again on the stripped value.
	if scriptTokenRe.MatchString(s) {
		return "", invalid(key, "value contains disallowed script content")
	}
	if len(s) > MaxStringLen {
		// Back up to a rune boundary so the cut never splits a multibyte
		// character and produces invalid UTF-8.
		cut := MaxStringLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return strings.TrimSpace(s), nil
}

func (v *Validator) validateString(key string, raw any) (Value, error) {
	s, err := v.SanitizeString(key, asString(raw))
	if err != nil {
		return Value{}, err
	}
	return StringValue(s), nil
}

func (v *Validator) validateEmail(key string, raw any) (Value, error) {
	s := strings.ToLower(strings.TrimSpace(asString(raw)))
	if len(s) > MaxEmailLen {
		return Value{}, invalid(key, "email exceeds maximum length")
	}
	if strings.ContainsAny(s, "<>\"' ") {
		return Value{}, invalid(key, "email contains disallowed characters")
	}
	if !emailRe.MatchString(s) {
		return Value{}, invalid(key, "email has invalid format")
	}
	return StringValue(s), nil
}

func (v *Validator) validatePhone(key string, raw any) (Value, error) {
	normalized, err := v.region.NormalizePhone(asString(raw))
	if err != nil {
		return Value{}, invalid(key, "phone number is not valid for the region")
	}
	if !v.region.Pattern().MatchString(normalized) {
		return Value{}, invalid(key, "phone number is not valid for the region")
	}
	return StringValue(normalized), nil
}

func (v *Validator) validateURL(key string, raw any) (Value, error) {
	s := strings.TrimSpace(asString(raw))
	if len(s) > MaxURLLen {
		return Value{}, invalid(key, "url exceeds maximum length")
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return Value{}, invalid(key, "url must be absolute")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return StringValue(u.String()), nil
	default:
		// javascript:, data:, file: and anything exotic.
		return Value{}, invalid(key, "url scheme must be http or https")
	}
}

func (v *Validator) validateNumber(key string, raw any) (Value, error) {
	var f float64
	switch n := raw.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return Value{}, invalid(key, "value is not a number")
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return Value{}, invalid(key, "value is not a number")
		}
		f = parsed
	default:
		return Value{}, invalid(key, "value is not a number")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > NumberBound {
		return Value{}, invalid(key, "number is out of range")
	}
	return NumberValue(f), nil
}

func (v *Validator) validateDate(key string, raw any) (Value, error) {
	var parsed time.Time
	switch d := raw.(type) {
	case time.Time:
		parsed = d
	case string:
		s := strings.TrimSpace(d)
		var err error
		for _, layout := range dateLayouts {
			if parsed, err = time.Parse(layout, s); err == nil {
				break
			}
		}
		if err != nil {
			return Value{}, invalid(key, "value is not a recognizable date")
		}
	default:
		return Value{}, invalid(key, "value is not a recognizable date")
	}
	if y := parsed.Year(); y < MinYear || y > MaxYear {
		return Value{}, invalid(key, fmt.Sprintf("date year must be between %d and %d", MinYear, MaxYear))
	}
	return TimeValue(parsed), nil
}

func (v *Validator) validateBool(key string, raw any) (Value, error) {
	switch b := raw.(type) {
	case bool:
		return BoolValue(b), nil
	case string:
		if coerced, ok := boolTokens[strings.ToLower(strings.TrimSpace(b))]; ok {
			return BoolValue(coerced), nil
		}
	case float64:
		if b == 0 || b == 1 {
			return BoolValue(b == 1), nil
		}
	}
	return Value{}, invalid(key, "value is not a boolean")
}

func asString(raw any) string {
	switch s := raw.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(raw)
	}
}

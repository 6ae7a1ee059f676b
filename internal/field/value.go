// Package field implements type-aware sanitization and validation for inbound
// lead values. Validation produces tagged Values so downstream code never
// re-parses raw strings.
package field

import (
	"fmt"
	"time"
)

// Type is the semantic type of a lead field, declared in the property catalog
// or inferred on first sighting.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeDate    Type = "date"
	TypeEmail   Type = "email"
	TypePhone   Type = "phone"
	TypeURL     Type = "url"
)

// Valid reports whether t is a known semantic type.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeDate, TypeEmail, TypePhone, TypeURL:
		return true
	}
	return false
}

// Kind discriminates the runtime representation held by a Value.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindTime
)

// Value is a validated, sanitized field value. Exactly one representation is
// set, per Kind.
type Value struct {
	kind Kind
	s    string
	f    float64
	b    bool
	t    time.Time
}

// StringValue wraps an already-sanitized string.
func StringValue(s string) Value { return Value{kind: KindString, s: s} }

// NumberValue wraps a bounded float.
func NumberValue(f float64) Value { return Value{kind: KindNumber, f: f} }

// BoolValue wraps a coerced boolean.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// TimeValue wraps a normalized UTC instant.
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }

// Kind returns the representation discriminator.
func (v Value) Kind() Kind { return v.kind }

// String returns the string representation; only meaningful for KindString.
func (v Value) String() string { return v.s }

// Number returns the numeric representation; only meaningful for KindNumber.
func (v Value) Number() float64 { return v.f }

// Bool returns the boolean representation; only meaningful for KindBool.
func (v Value) Bool() bool { return v.b }

// Time returns the time representation; only meaningful for KindTime.
func (v Value) Time() time.Time { return v.t }

// Interface returns the value in a form suitable for JSON serialization:
// string, float64, bool, or an RFC3339 UTC string for dates.
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		return v.f
	case KindBool:
		return v.b
	case KindTime:
		return v.t.Format(time.RFC3339)
	default:
		return v.s
	}
}

// ValidationError names the offending field and the reason a submission was
// rejected. It is safe to return to untrusted callers.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

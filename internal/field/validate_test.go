package field

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestValidate_StringStripsMarkup(t *testing.T) {
	v := NewValidator(DefaultRegion)

	got, err := v.Validate("notes", `Hello <b>world</b>`, TypeString)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.String() != "Hello world" {
		t.Errorf("got %q, want %q", got.String(), "Hello world")
	}

	got, err = v.Validate("notes", `<div onclick="steal()">ok</div>`, TypeString)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.String() != "ok" {
		t.Errorf("got %q, want %q", got.String(), "ok")
	}
}

func TestValidate_StringRejectsScript(t *testing.T) {
	v := NewValidator(DefaultRegion)
	for _, in := range []string{
		`<script>alert(1)</script>`,
		`hello < script >alert(1)`,
		`click javascript:alert(1)`,
	} {
		_, err := v.Validate("notes", in, TypeString)
		var ve *ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("Validate(%q) = %v, want ValidationError", in, err)
			continue
		}
		if ve.Field != "notes" {
			t.Errorf("Field = %q, want notes", ve.Field)
		}
	}
}

func TestValidate_StringTruncationAndHardReject(t *testing.T) {
	v := NewValidator(DefaultRegion)

	long := strings.Repeat("a", 1500)
	got, err := v.Validate("notes", long, TypeString)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(got.String()) != MaxStringLen {
		t.Errorf("len = %d, want %d", len(got.String()), MaxStringLen)
	}

	// A multibyte rune straddling the cut must be dropped whole, not split
	// into a dangling lead byte.
	multi := strings.Repeat("a", MaxStringLen-1) + "é" + strings.Repeat("b", 500)
	got, err = v.Validate("notes", multi, TypeString)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !utf8.ValidString(got.String()) {
		t.Errorf("truncated value is not valid UTF-8: tail %q", got.String()[MaxStringLen-8:])
	}
	if want := strings.Repeat("a", MaxStringLen-1); got.String() != want {
		t.Errorf("len = %d, want %d (straddling rune dropped)", len(got.String()), len(want))
	}

	if _, err := v.Validate("notes", strings.Repeat("a", 5000), TypeString); err == nil {
		t.Error("values above the hard threshold must be rejected, not truncated")
	}
}

func TestValidate_Email(t *testing.T) {
	v := NewValidator(DefaultRegion)

	got, err := v.Validate("email", "  A@Example.COM ", TypeEmail)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.String() != "a@example.com" {
		t.Errorf("got %q, want a@example.com", got.String())
	}

	for _, in := range []string{"not-an-email", "<b>a@b.com</b>", "a b@c.com", strings.Repeat("a", 250) + "@example.com"} {
		if _, err := v.Validate("email", in, TypeEmail); err == nil {
			t.Errorf("Validate(%q) should fail", in)
		}
	}
}

func TestValidate_URL(t *testing.T) {
	v := NewValidator(DefaultRegion)

	got, err := v.Validate("website", "https://clinic.example.com/page", TypeURL)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.String() != "https://clinic.example.com/page" {
		t.Errorf("got %q", got.String())
	}

	for _, in := range []string{
		"javascript:alert(1)",
		"data:text/html;base64,xx",
		"file:///etc/passwd",
		"/relative/path",
		"https://" + strings.Repeat("a", 2100) + ".com",
	} {
		if _, err := v.Validate("website", in, TypeURL); err == nil {
			t.Errorf("Validate(%q) should fail", in)
		}
	}
}

func TestValidate_Number(t *testing.T) {
	v := NewValidator(DefaultRegion)

	got, err := v.Validate("price", "1250.50", TypeNumber)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.Number() != 1250.5 {
		t.Errorf("got %v, want 1250.5", got.Number())
	}

	if _, err := v.Validate("price", 2e12, TypeNumber); err == nil {
		t.Error("out-of-range number should fail")
	}
	if _, err := v.Validate("price", "NaN", TypeNumber); err == nil {
		t.Error("NaN should fail")
	}
	if _, err := v.Validate("price", "abc", TypeNumber); err == nil {
		t.Error("non-numeric string should fail")
	}
}

func TestValidate_Date(t *testing.T) {
	v := NewValidator(DefaultRegion)

	got, err := v.Validate("visit_date", "2026-03-15", TypeDate)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !got.Time().Equal(want) {
		t.Errorf("got %v, want %v", got.Time(), want)
	}
	if got.Interface() != "2026-03-15T00:00:00Z" {
		t.Errorf("Interface = %v, want RFC3339 string", got.Interface())
	}

	for _, in := range []any{"1899-12-31", "2101-01-01", "not a date", 42.0} {
		if _, err := v.Validate("visit_date", in, TypeDate); err == nil {
			t.Errorf("Validate(%v) should fail", in)
		}
	}
}

func TestValidate_Boolean(t *testing.T) {
	v := NewValidator(DefaultRegion)

	cases := map[any]bool{
		true: true, "yes": true, "1": true, "TRUE": true,
		false: false, "no": false, "0": false, "False": false,
	}
	for in, want := range cases {
		got, err := v.Validate("consent", in, TypeBoolean)
		if err != nil {
			t.Errorf("Validate(%v): %v", in, err)
			continue
		}
		if got.Bool() != want {
			t.Errorf("Validate(%v) = %v, want %v", in, got.Bool(), want)
		}
	}

	if _, err := v.Validate("consent", "maybe", TypeBoolean); err == nil {
		t.Error("non-boolean token should fail")
	}
}

func TestValidate_Phone(t *testing.T) {
	v := NewValidator(DefaultRegion)

	got, err := v.Validate("phone", "012-345 6789", TypePhone)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.String() != "+60123456789" {
		t.Errorf("got %q, want +60123456789", got.String())
	}

	if _, err := v.Validate("phone", "12", TypePhone); err == nil {
		t.Error("implausible phone should fail")
	}
}

package crm

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRecordID(t *testing.T) {
	valid := []string{
		"00Q5f000001AbCd",    // 15 chars
		"00Q5f000001AbCdEAK", // 18 chars
	}
	for _, id := range valid {
		if err := ValidateRecordID(id); err != nil {
			t.Errorf("ValidateRecordID(%q) = %v, want nil", id, err)
		}
	}

	invalid := []string{
		"",
		"00Q5f000001AbC",      // 14 chars
		"00Q5f000001AbCdEA",   // 17 chars
		"00Q5f000001AbCdEAK1", // 19 chars
		"00Q5f000001AbC'--",
		"00Q5f00000 1AbCd",
		"../../etc/passwd",
	}
	for _, id := range invalid {
		if err := ValidateRecordID(id); !errors.Is(err, ErrInvalidRecordID) {
			t.Errorf("ValidateRecordID(%q) = %v, want ErrInvalidRecordID", id, err)
		}
	}
}

func TestSanitizeFieldValue(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain value", "plain value"},
		{`O'Brien`, `O\'Brien`},
		{`say "hi"`, `say \"hi\"`},
		{`back\slash`, `back\\slash`},
		{"line1\nline2", `line1\nline2`},
		{"a\rb\tc", `a\rb\tc`},
		{"ctrl\x00\x01chars\x7f", "ctrlchars"},
		{"unicode Ω stays", "unicode Ω stays"},
	}
	for _, c := range cases {
		if got := SanitizeFieldValue(c.in); got != c.want {
			t.Errorf("SanitizeFieldValue(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSanitizeFieldMap(t *testing.T) {
	in := map[string]any{
		"name":  `O'Brien`,
		"count": 42,
		"flag":  true,
	}
	out := SanitizeFieldMap(in)

	if out["name"] != `O\'Brien` {
		t.Errorf("name = %q, want escaped", out["name"])
	}
	if out["count"] != 42 || out["flag"] != true {
		t.Error("non-string values must pass through untouched")
	}
	if in["name"] != `O'Brien` {
		t.Error("input map must not be mutated")
	}
}

func TestQueryBuilder(t *testing.T) {
	soql, err := NewQuery("Lead").
		Select("Id", "Email").
		WhereEquals("Email", "jane@acme.io").
		Limit(1).
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	want := "SELECT Id, Email FROM Lead WHERE Email = 'jane@acme.io' LIMIT 1"
	if soql != want {
		t.Errorf("Build() = %q, want %q", soql, want)
	}
}

func TestQueryBuilder_EscapesValues(t *testing.T) {
	soql, err := NewQuery("Lead").
		Select("Id").
		WhereEquals("Email", `x' OR Name != '`).
		Build()
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if strings.Contains(soql, `x' OR`) {
		t.Errorf("quote survived escaping: %q", soql)
	}
	if !strings.Contains(soql, `x\' OR`) {
		t.Errorf("expected escaped quote in %q", soql)
	}
}

func TestQueryBuilder_RejectsBadIdentifiers(t *testing.T) {
	if _, err := NewQuery("Lead; DROP TABLE").Select("Id").Build(); !errors.Is(err, ErrInvalidFieldName) {
		t.Errorf("bad object: got %v, want ErrInvalidFieldName", err)
	}
	if _, err := NewQuery("Lead").Select("Id, Email").Build(); !errors.Is(err, ErrInvalidFieldName) {
		t.Errorf("bad field: got %v, want ErrInvalidFieldName", err)
	}
	if _, err := NewQuery("Lead").Select("Id").WhereEquals("Email = 'x' OR", "v").Build(); !errors.Is(err, ErrInvalidFieldName) {
		t.Errorf("bad condition field: got %v, want ErrInvalidFieldName", err)
	}
	if _, err := NewQuery("Lead").Build(); !errors.Is(err, ErrInvalidFieldName) {
		t.Errorf("no fields: got %v, want ErrInvalidFieldName", err)
	}
}

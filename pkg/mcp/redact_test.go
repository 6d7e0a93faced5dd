package mcp_test

import (
	"encoding/json"
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groundline/groundline/pkg/mcp"
)

func TestRedactParams_SensitiveFieldsTruncate(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactTruncate, 4)
	in := map[string]any{
		"email":     "jane.doe@acme.io",
		"firstName": "Jane",
		"lastName":  "Doe",
		"company":   "Acme",
		"score":     85,
	}

	out := r.RedactParams(in)

	assert.Equal(t, "***e.io", out["email"])
	assert.Equal(t, "***", out["firstName"], "values shorter than keepLast collapse entirely")
	assert.Equal(t, "***", out["lastName"])
	assert.Equal(t, "Acme", out["company"])
	assert.Equal(t, 85, out["score"])

	// The input map must stay intact: the executor still needs real values.
	assert.Equal(t, "jane.doe@acme.io", in["email"])
}

func TestRedactParams_TruncateKeepsWholeRunes(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactTruncate, 4)

	out := r.RedactParams(map[string]any{
		"lastName":  "Öström",
		"firstName": "José-María",
	})

	assert.Equal(t, "***tröm", out["lastName"])
	assert.Equal(t, "***aría", out["firstName"])
	for k, v := range out {
		assert.True(t, utf8.ValidString(v.(string)), "field %s is not valid UTF-8: %q", k, v)
	}
}

func TestRedactParams_FieldNameVariants(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactMask, 0)
	out := r.RedactParams(map[string]any{
		"FIRST_NAME": "Jane",
		"last-name":  "Doe",
		"Postal Code": "94107",
		"dateOfBirth": "1990-01-01",
	})
	for k, v := range out {
		assert.Equal(t, "***", v, "field %s should be masked", k)
	}
}

func TestRedactParams_HashStrategy(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactHash, 0)
	out := r.RedactParams(map[string]any{"email": "jane@acme.io"})
	hashed, ok := out["email"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(hashed, "sha256:"), "got %q", hashed)

	// Same input, same digest: hashes stay joinable across rows.
	again := r.RedactParams(map[string]any{"email": "jane@acme.io"})
	assert.Equal(t, hashed, again["email"])
}

func TestRedactParams_ContentScrubbing(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactTruncate, 4)
	out := r.RedactParams(map[string]any{
		"description": "please contact jane.doe@acme.io or call 14155551234",
		"nested":      map[string]any{"note": "backup email bob@corp.example.com"},
		"tags":        []string{"ref 12345678901"},
	})

	desc := out["description"].(string)
	assert.NotContains(t, desc, "jane.doe@acme.io")
	assert.Contains(t, desc, "j***@acme.io")
	assert.NotContains(t, desc, "14155551234")
	assert.Contains(t, desc, "***1234")

	nested := out["nested"].(map[string]any)
	assert.Contains(t, nested["note"], "b***@corp.example.com")

	tags := out["tags"].([]any)
	assert.Equal(t, "ref ***8901", tags[0])
}

func TestRedactParams_LongNumbersMasked(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactTruncate, 4)
	out := r.RedactParams(map[string]any{
		"phoneNumeric": float64(14155551234),
		"amount":       99.5,
	})
	assert.Equal(t, "***1234", out["phoneNumeric"])
	assert.Equal(t, 99.5, out["amount"], "ordinary numbers pass through")
}

func TestRedactJSON(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactTruncate, 4)

	raw := json.RawMessage(`{"email":"jane@acme.io","data":{"note":"ping bob@x.io"},"success":true}`)
	out := r.RedactJSON(raw)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, "***e.io", decoded["email"])
	assert.Equal(t, true, decoded["success"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "ping b***@x.io", data["note"])
}

func TestRedactJSON_InvalidJSONScrubbedAsText(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactTruncate, 4)
	out := r.RedactJSON(json.RawMessage(`not json, mail jane@acme.io`))

	var s string
	require.NoError(t, json.Unmarshal(out, &s))
	assert.NotContains(t, s, "jane@acme.io")
	assert.Contains(t, s, "j***@acme.io")
}

func TestRedactJSON_Empty(t *testing.T) {
	r := mcp.NewRedactor(mcp.RedactTruncate, 4)
	assert.Nil(t, r.RedactJSON(nil))
}

var (
	rawEmail  = regexp.MustCompile(`[a-zA-Z0-9._%+-]{2,}@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	rawDigits = regexp.MustCompile(`\d{10,}`)
)

func TestRedactParams_NeverLeaksProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	localGen := gen.RegexMatch(`[a-z][a-z0-9.]{1,12}`)
	domainGen := gen.RegexMatch(`[a-z]{2,10}\.(io|com|net)`)

	properties.Property("embedded emails never survive redaction", prop.ForAll(
		func(local, domain, prefix string) bool {
			r := mcp.NewRedactor(mcp.RedactTruncate, 4)
			text := prefix + " " + local + "@" + domain
			out := r.RedactParams(map[string]any{"note": text})
			note, ok := out["note"].(string)
			if !ok {
				return false
			}
			for _, m := range rawEmail.FindAllString(note, -1) {
				// The only surviving at-signs are the scrubbed <x>***@ form.
				if !strings.Contains(m, "***@") {
					return false
				}
			}
			return true
		},
		localGen, domainGen, gen.AlphaString(),
	))

	properties.Property("digit runs of 10+ never survive redaction", prop.ForAll(
		func(n int64, prefix string) bool {
			r := mcp.NewRedactor(mcp.RedactTruncate, 4)
			digits := "1" + strings.Repeat("5", 9) + "9"
			text := prefix + digits
			out := r.RedactParams(map[string]any{"note": text, "n": n})
			note := out["note"].(string)
			return !rawDigits.MatchString(note)
		},
		gen.Int64(), gen.AlphaString(),
	))

	properties.TestingRun(t)
}

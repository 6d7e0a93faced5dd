package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RedactionStrategy selects how a sensitive field value is rewritten.
type RedactionStrategy string

const (
	RedactMask     RedactionStrategy = "mask"
	RedactHash     RedactionStrategy = "hash"
	RedactTruncate RedactionStrategy = "truncate"
)

// sensitiveFields is matched against normalised key names: lowercased with
// underscores, hyphens and whitespace stripped, so FIRST_NAME, first-name
// and firstName all hit.
var sensitiveFields = map[string]struct{}{
	"email":       {},
	"firstname":   {},
	"lastname":    {},
	"phone":       {},
	"mobile":      {},
	"address":     {},
	"city":        {},
	"state":       {},
	"postalcode":  {},
	"zipcode":     {},
	"ssn":         {},
	"taxid":       {},
	"dateofbirth": {},
	"dob":         {},
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	digitRun     = regexp.MustCompile(`\d{10,}`)
)

// Redactor rewrites PII before anything is persisted to the audit trail.
// Sensitive field names are redacted by strategy; every remaining string is
// scrubbed by content so emails and long digit runs cannot leak through
// free-text fields either.
type Redactor struct {
	strategy RedactionStrategy
	keepLast int
}

// NewRedactor builds a redactor. An empty strategy means truncate, keeping
// the last four characters.
func NewRedactor(strategy RedactionStrategy, keepLast int) *Redactor {
	if strategy == "" {
		strategy = RedactTruncate
	}
	if keepLast <= 0 {
		keepLast = 4
	}
	return &Redactor{strategy: strategy, keepLast: keepLast}
}

// RedactParams returns a deep redacted copy. The input is never mutated:
// the executor still needs the real values.
func (r *Redactor) RedactParams(params map[string]any) map[string]any {
	out, _ := r.value("", params).(map[string]any)
	return out
}

// RedactJSON redacts an already serialised document. Invalid JSON is
// scrubbed as plain text and re-encoded as a JSON string.
func (r *Redactor) RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		scrubbed, _ := json.Marshal(scrubContent(string(raw)))
		return scrubbed
	}
	out, err := json.Marshal(r.value("", v))
	if err != nil {
		return json.RawMessage(`"<redaction failed>"`)
	}
	return out
}

func (r *Redactor) value(key string, v any) any {
	if key != "" {
		if _, sensitive := sensitiveFields[normalizeKey(key)]; sensitive {
			return r.redactSensitive(v)
		}
	}
	switch t := v.(type) {
	case string:
		return scrubContent(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = r.value(k, val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.value("", val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scrubContent(val)
		}
		return out
	case float64:
		return scrubNumber(t)
	case int:
		return scrubNumber(float64(t))
	case int64:
		return scrubNumber(float64(t))
	default:
		return v
	}
}

func (r *Redactor) redactSensitive(v any) any {
	s := coerceScalar(v)
	if s == "" {
		return ""
	}
	switch r.strategy {
	case RedactMask:
		return "***"
	case RedactHash:
		sum := sha256.Sum256([]byte(s))
		return "sha256:" + hex.EncodeToString(sum[:8])
	default: // truncate
		// Rune-wise so the kept suffix never splits a multi-byte sequence.
		runes := []rune(s)
		if len(runes) <= r.keepLast {
			return "***"
		}
		return "***" + string(runes[len(runes)-r.keepLast:])
	}
}

// scrubContent rewrites emails and ≥10-digit runs inside arbitrary text.
// The replacement forms cannot re-match either pattern.
func scrubContent(s string) string {
	s = emailPattern.ReplaceAllStringFunc(s, func(m string) string {
		at := strings.Index(m, "@")
		if at <= 0 {
			return "***"
		}
		return m[:1] + "***@" + m[at+1:]
	})
	s = digitRun.ReplaceAllStringFunc(s, func(m string) string {
		return "***" + m[len(m)-4:]
	})
	return s
}

// scrubNumber keeps ordinary numbers but masks anything long enough to be
// a phone number or account number once serialised.
func scrubNumber(f float64) any {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if digitRun.MatchString(s) {
		return "***" + s[len(s)-4:]
	}
	return f
}

func coerceScalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func normalizeKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch r {
		case '_', '-', ' ', '\t':
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

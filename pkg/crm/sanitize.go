package crm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrInvalidRecordID means the value is not a well-formed CRM record id.
	ErrInvalidRecordID = errors.New("crm: invalid record id")
	// ErrInvalidFieldName means a query referenced a field outside the safe
	// identifier grammar.
	ErrInvalidFieldName = errors.New("crm: invalid field name")
)

var (
	recordIDPattern  = regexp.MustCompile(`^[A-Za-z0-9]{15}$|^[A-Za-z0-9]{18}$`)
	fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ValidateRecordID accepts 15- or 18-character alphanumeric CRM ids.
func ValidateRecordID(id string) error {
	if !recordIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidRecordID, id)
	}
	return nil
}

// SanitizeFieldValue escapes a value before it is embedded in a vendor
// payload: backslashes and quotes are escaped, control characters become
// their escape sequences or are dropped.
func SanitizeFieldValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x7f {
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeFieldMap returns a copy of fields with every string value escaped.
func SanitizeFieldMap(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = SanitizeFieldValue(s)
			continue
		}
		out[k] = v
	}
	return out
}

// QueryBuilder assembles SOQL-shaped search queries. Field and object names
// must match the identifier grammar; values are escaped, so the produced
// query contains no caller-controlled syntax.
type QueryBuilder struct {
	object     string
	fields     []string
	conditions []string
	limit      int
	err        error
}

// NewQuery starts a query against the named object.
func NewQuery(object string) *QueryBuilder {
	qb := &QueryBuilder{object: object}
	if !fieldNamePattern.MatchString(object) {
		qb.err = fmt.Errorf("%w: object %q", ErrInvalidFieldName, object)
	}
	return qb
}

// Select adds result fields.
func (qb *QueryBuilder) Select(fields ...string) *QueryBuilder {
	for _, f := range fields {
		if !fieldNamePattern.MatchString(f) {
			qb.err = fmt.Errorf("%w: %q", ErrInvalidFieldName, f)
			return qb
		}
		qb.fields = append(qb.fields, f)
	}
	return qb
}

// WhereEquals adds an equality condition on a string value.
func (qb *QueryBuilder) WhereEquals(field, value string) *QueryBuilder {
	if !fieldNamePattern.MatchString(field) {
		qb.err = fmt.Errorf("%w: %q", ErrInvalidFieldName, field)
		return qb
	}
	qb.conditions = append(qb.conditions, fmt.Sprintf("%s = '%s'", field, SanitizeFieldValue(value)))
	return qb
}

// Limit caps the result count.
func (qb *QueryBuilder) Limit(n int) *QueryBuilder {
	qb.limit = n
	return qb
}

// Build renders the query or reports the first construction error.
func (qb *QueryBuilder) Build() (string, error) {
	if qb.err != nil {
		return "", qb.err
	}
	if len(qb.fields) == 0 {
		return "", fmt.Errorf("%w: query selects no fields", ErrInvalidFieldName)
	}
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(qb.fields, ", "))
	b.WriteString(" FROM ")
	b.WriteString(qb.object)
	if len(qb.conditions) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(qb.conditions, " AND "))
	}
	if qb.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", qb.limit)
	}
	return b.String(), nil
}

package lead

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// EvidenceSource identifies the system of record an evidence item cites.
type EvidenceSource string

const (
	SourceSalesforce EvidenceSource = "SALESFORCE"
	SourceMarketo    EvidenceSource = "MARKETO"
	SourceProduct    EvidenceSource = "PRODUCT"
	SourceEnrichment EvidenceSource = "ENRICHMENT"
	SourceComputed   EvidenceSource = "COMPUTED"
)

// authorizedSources is the closed set of sources the grounding validator
// accepts. Anything else rejects the whole analysis.
var authorizedSources = map[EvidenceSource]struct{}{
	SourceSalesforce: {},
	SourceMarketo:    {},
	SourceProduct:    {},
	SourceEnrichment: {},
	SourceComputed:   {},
}

// Authorized reports whether s belongs to the closed source set.
func (s EvidenceSource) Authorized() bool {
	_, ok := authorizedSources[s]
	return ok
}

// ClaimType classifies what kind of statement an evidence item supports.
type ClaimType string

const (
	ClaimFirmographic ClaimType = "FIRMOGRAPHIC"
	ClaimBehavior     ClaimType = "BEHAVIOR"
	ClaimPipeline     ClaimType = "PIPELINE"
	ClaimScore        ClaimType = "SCORE"
)

// Evidence is a single citation produced by the AI provider: which source
// it consulted, the field path within that source, and the value it claims
// to have read there.
type Evidence struct {
	Source    EvidenceSource `json:"source"`
	FieldPath string         `json:"field_path"`
	Value     Value          `json:"value"`
	ClaimType ClaimType      `json:"claim_type"`
}

// FieldName returns the last dot-separated segment of the field path, the
// key used to look the claim up in enrichment data.
func (e Evidence) FieldName() string {
	if i := strings.LastIndex(e.FieldPath, "."); i >= 0 {
		return e.FieldPath[i+1:]
	}
	return e.FieldPath
}

// Value is an opaque evidence payload, a scalar or list as emitted by the
// AI provider. It round-trips through JSON untouched and is only ever
// inspected through CoerceString.
type Value struct {
	raw any
}

// NewValue wraps a decoded JSON value.
func NewValue(v any) Value { return Value{raw: v} }

// IsZero reports whether the value was never set.
func (v Value) IsZero() bool { return v.raw == nil }

// Raw exposes the decoded payload for callers that persist it verbatim.
func (v Value) Raw() any { return v.raw }

// MarshalJSON emits the wrapped payload unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.raw)
}

// UnmarshalJSON stores the decoded payload without interpreting it.
func (v *Value) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v.raw = raw
	return nil
}

// CoerceString renders the payload for substring comparison. Scalars become
// their literal text, lists join their elements with ", ", and objects fall
// back to compact JSON. Numbers drop insignificant fraction digits so 500
// and 500.0 compare equal.
func (v Value) CoerceString() string {
	return coerceString(v.raw)
}

func coerceString(raw any) string {
	switch t := raw.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case []any:
		parts := make([]string, len(t))
		for i, el := range t {
			parts[i] = coerceString(el)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case map[string]any:
		// Deterministic rendering for the rare object-valued claim.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString("=")
			b.WriteString(coerceString(t[k]))
		}
		return b.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

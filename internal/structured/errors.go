package structured

import (
	"fmt"
	"strings"
)

// FieldError is a single schema violation at a specific field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ParseError reports that model output could not be parsed or did not match
// the declared schema. It is distinguishable from transport failures so the
// runner can decide whether a repair reprompt is worthwhile.
type ParseError struct {
	Reason string       `json:"reason"` // "no_json", "invalid_json", "schema_violation"
	Fields []FieldError `json:"fields,omitempty"`
}

func (e *ParseError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("parse error: %s", e.Reason)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "parse error: %s:", e.Reason)
	for _, f := range e.Fields {
		fmt.Fprintf(&sb, " %s (%s);", f.Field, f.Message)
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// FailingKeys returns the names of the violating fields.
func (e *ParseError) FailingKeys() []string {
	keys := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		keys = append(keys, f.Field)
	}
	return keys
}

// Package structured extracts and validates JSON payloads from model text.
// Models wrap JSON in prose and code fences even when told not to; extraction
// tolerates both, and malformed output gets one mechanical repair pass before
// it is reported as a parse error.
package structured

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/xeipuuv/gojsonschema"
)

// Parse extracts the first balanced JSON value from text and validates it
// against the given JSON Schema document. A nil error means payload conforms.
// schema may be empty, in which case only well-formedness is checked.
func Parse(text, schema string) (json.RawMessage, *ParseError) {
	payload, perr := Extract(text)
	if perr != nil {
		return nil, perr
	}
	if schema != "" {
		if perr := Validate(payload, schema); perr != nil {
			return nil, perr
		}
	}
	return payload, nil
}

// Extract returns the first balanced JSON object or array found in text.
// Surrounding prose and markdown fences are tolerated. If the candidate is
// malformed it is run through jsonrepair before giving up.
func Extract(text string) (json.RawMessage, *ParseError) {
	candidate := firstBalanced(stripFences(text))
	if candidate == "" {
		// No balanced region at all; let jsonrepair try the raw text (it
		// recovers truncated output and single-quoted keys).
		repaired, err := jsonrepair.JSONRepair(strings.TrimSpace(text))
		if err != nil {
			return nil, &ParseError{Reason: "no_json"}
		}
		candidate = firstBalanced(repaired)
		if candidate == "" {
			return nil, &ParseError{Reason: "no_json"}
		}
	}

	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil || !json.Valid([]byte(repaired)) {
		return nil, &ParseError{Reason: "invalid_json"}
	}
	return json.RawMessage(repaired), nil
}

// Validate checks payload against a JSON Schema document and reports the
// failing keys.
func Validate(payload json.RawMessage, schema string) *ParseError {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return &ParseError{Reason: "invalid_json", Fields: []FieldError{{Field: "(root)", Message: err.Error()}}}
	}
	if result.Valid() {
		return nil
	}

	perr := &ParseError{Reason: "schema_violation", Fields: make([]FieldError, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		perr.Fields = append(perr.Fields, FieldError{Field: field, Message: desc.Description()})
	}
	return perr
}

// stripFences removes a leading markdown code fence and its closer.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		firstLine := text[:idx]
		if len(firstLine) < 20 && !strings.ContainsAny(firstLine, " {[") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// firstBalanced returns the first balanced {...} or [...] region of text,
// respecting string literals and escapes. Empty when none closes.
func firstBalanced(text string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			open = text[i]
			if open == '{' {
				close = '}'
			} else {
				close = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

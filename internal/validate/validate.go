// Package validate checks raw model output against the field specs of a
// document type. The two failure classes are distinct types because the
// retry engine treats them differently: a SyntaxError is retried, a
// SemanticError escalates.
package validate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/intakehq/docintake/internal/models"
)

// SyntaxError means the output was not the single JSON object the model
// was asked for.
type SyntaxError struct {
	Reason string
	Detail string
}

func (e *SyntaxError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("syntax error: %s", e.Reason)
	}
	return fmt.Sprintf("syntax error: %s: %s", e.Reason, e.Detail)
}

// SemanticError means well-formed JSON that violates the field specs.
type SemanticError struct {
	Violations []string
}

func (e *SemanticError) Error() string {
	return fmt.Sprintf("semantic error: %s", strings.Join(e.Violations, "; "))
}

// refusalPhrases mark outputs where the model declined instead of
// answering. They count as syntax failures: the output is not the
// requested JSON.
var refusalPhrases = []string{
	"i cannot",
	"i can't",
	"i'm sorry",
	"i am sorry",
	"i am unable to",
	"i'm unable to",
	"as an ai",
}

// Parse validates raw model output and returns the decoded payload plus
// quality warnings. Warnings never fail a document; they ride along for
// reviewers.
func Parse(raw []byte, fields []models.FieldSpec) (map[string]any, []string, error) {
	text := StripFences(string(raw))
	if text == "" {
		return nil, nil, &SyntaxError{Reason: "empty output"}
	}
	if isRefusal(text) {
		return nil, nil, &SyntaxError{Reason: "model refused"}
	}

	var payload map[string]any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, nil, &SyntaxError{Reason: "not a JSON object", Detail: err.Error()}
	}
	if dec.More() {
		return nil, nil, &SyntaxError{Reason: "trailing content after JSON object"}
	}

	payload = normalizeNumbers(payload)

	var violations []string
	var warnings []string
	known := make(map[string]bool, len(fields))
	for _, spec := range fields {
		known[spec.Name] = true
		value, present := payload[spec.Name]
		if !present || value == nil {
			if spec.Required {
				violations = append(violations, fmt.Sprintf("missing required field %q", spec.Name))
			}
			continue
		}
		if v := checkType(spec, value); v != "" {
			violations = append(violations, v)
			continue
		}
		if w := softCheck(spec, value); w != "" {
			warnings = append(warnings, w)
		}
	}

	var extras []string
	for name := range payload {
		if !known[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		warnings = append(warnings, fmt.Sprintf("unexpected field %q", name))
	}

	if len(violations) > 0 {
		return nil, nil, &SemanticError{Violations: violations}
	}
	return payload, warnings, nil
}

func checkType(spec models.FieldSpec, value any) string {
	switch spec.Type {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("field %q must be a string, got %T", spec.Name, value)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Sprintf("field %q must be a number, got %T", spec.Name, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean, got %T", spec.Name, value)
		}
	case "date":
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("field %q must be a date string, got %T", spec.Name, value)
		}
		if _, ok := parseDate(s); !ok {
			return fmt.Sprintf("field %q is not a parseable date: %q", spec.Name, s)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("field %q must be an array, got %T", spec.Name, value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("field %q must be an object, got %T", spec.Name, value)
		}
	}
	return ""
}

// softCheck flags values that pass the type checks but look wrong enough
// to deserve a reviewer's glance. Soft rules never fail a document.
func softCheck(spec models.FieldSpec, value any) string {
	switch spec.Type {
	case "number":
		if n := value.(float64); n < 0 {
			return fmt.Sprintf("field %q is negative: %v", spec.Name, n)
		}
	case "date":
		ts, _ := parseDate(value.(string))
		if y := ts.Year(); y < 1900 || y > 2100 {
			return fmt.Sprintf("field %q has an implausible year: %d", spec.Name, y)
		}
	}
	return ""
}

func parseDate(s string) (time.Time, bool) {
	if ts, err := time.Parse("2006-01-02", s); err == nil {
		return ts, true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, true
	}
	return time.Time{}, false
}

// normalizeNumbers converts json.Number values to float64 so payload
// consumers and the type checks see one numeric representation.
func normalizeNumbers(payload map[string]any) map[string]any {
	for k, v := range payload {
		payload[k] = normalizeValue(v)
	}
	return payload
}

func normalizeValue(v any) any {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	case map[string]any:
		return normalizeNumbers(n)
	case []any:
		for i, e := range n {
			n[i] = normalizeValue(e)
		}
		return n
	default:
		return v
	}
}

// StripFences removes a surrounding markdown code fence from model output.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isRefusal(s string) bool {
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		return false
	}
	lower := strings.ToLower(s)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

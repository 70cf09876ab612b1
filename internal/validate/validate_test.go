package validate

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intakehq/docintake/internal/models"
)

var invoiceFields = []models.FieldSpec{
	{Name: "total", Type: "number", Required: true},
	{Name: "vendor", Type: "string", Required: true},
	{Name: "issued", Type: "date", Required: false},
	{Name: "paid", Type: "boolean", Required: false},
}

func TestParseValidPayload(t *testing.T) {
	raw := []byte(`{"total": 99.5, "vendor": "acme", "issued": "2026-02-10", "paid": false}`)

	payload, warnings, err := Parse(raw, invoiceFields)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Equal(t, 99.5, payload["total"])
	require.Equal(t, "acme", payload["vendor"])
}

func TestParseStripsMarkdownFences(t *testing.T) {
	raw := []byte("```json\n{\"total\": 10, \"vendor\": \"acme\"}\n```")

	payload, _, err := Parse(raw, invoiceFields)
	require.NoError(t, err)
	require.Equal(t, 10.0, payload["total"])
}

func TestParseSyntaxErrors(t *testing.T) {
	cases := map[string]string{
		"empty":     "",
		"truncated": `{"total": 99.5, "vendor":`,
		"array":     `[{"total": 1}]`,
		"prose":     "The total appears to be 99.50 for vendor acme.",
		"refusal":   "I'm sorry, I cannot extract data from this document.",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Parse([]byte(raw), invoiceFields)
			var syntaxErr *SyntaxError
			require.ErrorAs(t, err, &syntaxErr, "raw: %q", raw)
		})
	}
}

func TestParseSemanticErrors(t *testing.T) {
	cases := map[string]string{
		"missing required": `{"vendor": "acme"}`,
		"null required":    `{"total": null, "vendor": "acme"}`,
		"wrong type":       `{"total": "ninety-nine", "vendor": "acme"}`,
		"bad date":         `{"total": 1, "vendor": "acme", "issued": "02/10/2026"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Parse([]byte(raw), invoiceFields)
			var semErr *SemanticError
			require.ErrorAs(t, err, &semErr, "raw: %q", raw)
			require.NotEmpty(t, semErr.Violations)
		})
	}
}

func TestParseAcceptsRFC3339Dates(t *testing.T) {
	raw := []byte(`{"total": 1, "vendor": "acme", "issued": "2026-02-10T15:04:05Z"}`)
	_, _, err := Parse(raw, invoiceFields)
	require.NoError(t, err)
}

func TestParseWarnsOnUnexpectedFields(t *testing.T) {
	raw := []byte(`{"total": 1, "vendor": "acme", "zebra": true, "alpha": 1}`)

	payload, warnings, err := Parse(raw, invoiceFields)
	require.NoError(t, err)
	require.Equal(t, []string{`unexpected field "alpha"`, `unexpected field "zebra"`}, warnings)
	require.Contains(t, payload, "zebra", "unexpected fields are kept, reviewers decide")
}

func TestParseWarnsOnSoftRuleViolations(t *testing.T) {
	raw := []byte(`{"total": -12.5, "vendor": "acme", "issued": "1899-12-31"}`)

	payload, warnings, err := Parse(raw, invoiceFields)
	require.NoError(t, err, "soft rules never fail a document")
	require.Equal(t, []string{
		`field "total" is negative: -12.5`,
		`field "issued" has an implausible year: 1899`,
	}, warnings)
	require.Equal(t, -12.5, payload["total"])
}

func TestErrorClassesAreDistinct(t *testing.T) {
	_, _, synErr := Parse([]byte("not json"), invoiceFields)
	_, _, semErr := Parse([]byte(`{"vendor": "acme"}`), invoiceFields)

	var syntax *SyntaxError
	var semantic *SemanticError
	require.True(t, errors.As(synErr, &syntax))
	require.False(t, errors.As(synErr, &semantic))
	require.True(t, errors.As(semErr, &semantic))
	require.False(t, errors.As(semErr, &syntax))
}

func TestStripFences(t *testing.T) {
	require.Equal(t, `{"a":1}`, StripFences("```json\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences("```\n{\"a\":1}\n```"))
	require.Equal(t, `{"a":1}`, StripFences(`{"a":1}`))
	require.Equal(t, "", StripFences("   \n"))
}

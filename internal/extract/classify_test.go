package extract

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/intakehq/docintake/internal/validate"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"syntax", &validate.SyntaxError{Reason: "not a JSON object"}, ErrorTypeSyntax},
		{"semantic", &validate.SemanticError{Violations: []string{"missing total"}}, ErrorTypeSemantic},
		{"wrapped syntax", fmt.Errorf("call failed: %w", &validate.SyntaxError{Reason: "empty"}), ErrorTypeSyntax},
		{"http 429", &googleapi.Error{Code: 429}, ErrorTypeRateLimit},
		{"http 500", &googleapi.Error{Code: 500}, ErrorTypeServer},
		{"http 503", &googleapi.Error{Code: 503}, ErrorTypeServer},
		{"http 400", &googleapi.Error{Code: 400}, ErrorTypeUnknown},
		{"wrapped googleapi", fmt.Errorf("gemini: %w", &googleapi.Error{Code: 429}), ErrorTypeRateLimit},
		{"grpc resource exhausted", grpcstatus.Error(codes.ResourceExhausted, "quota"), ErrorTypeRateLimit},
		{"grpc unavailable", grpcstatus.Error(codes.Unavailable, "down"), ErrorTypeServer},
		{"grpc internal", grpcstatus.Error(codes.Internal, "oops"), ErrorTypeServer},
		{"plain error", errors.New("weird"), ErrorTypeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

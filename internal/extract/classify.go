package extract

import (
	"errors"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/intakehq/docintake/internal/validate"
)

// Error types of the extraction taxonomy. Each type maps to one row of
// the retry decision table.
const (
	ErrorTypeSyntax    = "syntax_error"
	ErrorTypeSemantic  = "semantic_error"
	ErrorTypeRateLimit = "http_429"
	ErrorTypeServer    = "http_5xx"
	ErrorTypeUnknown   = "unknown"
)

// Classify maps an extraction failure onto the taxonomy. Anything it
// cannot place is ErrorTypeUnknown, which the engine sends straight to
// human review rather than guessing at a retry.
func Classify(err error) string {
	var syntaxErr *validate.SyntaxError
	if errors.As(err, &syntaxErr) {
		return ErrorTypeSyntax
	}
	var semanticErr *validate.SemanticError
	if errors.As(err, &semanticErr) {
		return ErrorTypeSemantic
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 429:
			return ErrorTypeRateLimit
		case gerr.Code >= 500 && gerr.Code < 600:
			return ErrorTypeServer
		}
		return ErrorTypeUnknown
	}

	switch grpcstatus.Code(err) {
	case codes.ResourceExhausted:
		return ErrorTypeRateLimit
	case codes.Unavailable, codes.Internal, codes.Aborted, codes.DeadlineExceeded:
		return ErrorTypeServer
	}
	return ErrorTypeUnknown
}

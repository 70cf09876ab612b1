package extract

// Reasons for attaching page images to a model call, in priority order.
const (
	AttachReasonPriorFailure  = "prior_validation_failure"
	AttachReasonFragileType   = "fragile_document_type"
	AttachReasonRetryAttempt  = "retry_attempt"
	AttachReasonLowConfidence = "low_ocr_confidence"
)

// AttachInput is the signal set the image-attachment heuristic works from.
type AttachInput struct {
	// PriorValidationFailure is true when any attempt, in this run or an
	// earlier one, failed syntax or semantic validation.
	PriorValidationFailure bool

	// FragileType marks document types configured as layout-sensitive.
	FragileType bool

	// CallIndex is the number of model calls already made this run.
	CallIndex int

	// MinConfidence is the lowest OCR block confidence of the document.
	MinConfidence float64

	// Threshold is the confidence floor below which text alone is not
	// trusted.
	Threshold float64
}

// DecideAttach reports whether page images should ride along with the
// model call and which signal triggered it. A prior validation failure is
// the strongest evidence the text alone is misleading, so it takes
// precedence over the static type hint; a retry implies the first call's
// input was insufficient; low OCR confidence is the weakest signal.
func DecideAttach(in AttachInput) (bool, string) {
	switch {
	case in.PriorValidationFailure:
		return true, AttachReasonPriorFailure
	case in.FragileType:
		return true, AttachReasonFragileType
	case in.CallIndex > 0:
		return true, AttachReasonRetryAttempt
	case in.MinConfidence < in.Threshold:
		return true, AttachReasonLowConfidence
	}
	return false, ""
}

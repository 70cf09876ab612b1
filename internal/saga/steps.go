package saga

import (
	"context"
	"time"

	"github.com/intakehq/docintake/internal/blob"
	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/store"
)

// Step names of the persistence saga.
const (
	StepMarkPending  = "mark-pending"
	StepCopyBlob     = "copy-blob"
	StepDeleteSource = "delete-source"
	StepMarkComplete = "mark-complete"
)

// PersistInput describes one extraction result to persist: stage the
// validated payload on the record, archive the source blob, then flip the
// record to COMPLETED.
type PersistInput struct {
	DocumentID     string
	Payload        map[string]any
	SourceURI      string
	DestinationURI string
}

// PersistSteps builds the standard four-step persistence saga.
//
// The order is deliberate: the payload is staged first so a crash between
// blob moves leaves a record that says PENDING with data attached, which a
// takeover can reconcile; the source is deleted only after the archive
// copy exists; and COMPLETED is written last, after every side effect it
// claims is in place.
func PersistSteps(st store.Store, bl blob.Store, now func() time.Time, in PersistInput) []Step {
	if now == nil {
		now = time.Now
	}
	return []Step{
		{
			Name: StepMarkPending,
			Execute: func(ctx context.Context) error {
				return st.Update(ctx, in.DocumentID, []store.Field{
					{Path: "status", Value: models.StatusPending},
					{Path: "extractedData", Value: in.Payload},
				})
			},
			// The unwind marks the record FAILED rather than restoring
			// its previous status: a record whose payload was staged and
			// then withdrawn is no longer in any pre-saga state.
			Compensate: func(ctx context.Context) error {
				return st.Update(ctx, in.DocumentID, []store.Field{
					{Path: "status", Value: models.StatusFailed},
					{Path: "extractedData", Value: map[string]any(nil)},
				})
			},
		},
		{
			Name: StepCopyBlob,
			Execute: func(ctx context.Context) error {
				return bl.Copy(ctx, in.SourceURI, in.DestinationURI)
			},
			Compensate: func(ctx context.Context) error {
				return bl.Delete(ctx, in.DestinationURI)
			},
		},
		{
			Name: StepDeleteSource,
			Execute: func(ctx context.Context) error {
				return bl.Delete(ctx, in.SourceURI)
			},
			Compensate: func(ctx context.Context) error {
				return bl.Copy(ctx, in.DestinationURI, in.SourceURI)
			},
		},
		{
			Name: StepMarkComplete,
			Execute: func(ctx context.Context) error {
				return st.Update(ctx, in.DocumentID, []store.Field{
					{Path: "status", Value: models.StatusCompleted},
					{Path: "destinationUri", Value: in.DestinationURI},
					{Path: "processedAt", Value: now().UTC()},
				})
			},
		},
	}
}

// Package review applies human corrections to extracted data under
// optimistic concurrency. The version token is the record's updatedAt: a
// reviewer echoes the value they read, and the write only lands if the
// record has not moved since.
package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/intakehq/docintake/internal/models"
	"github.com/intakehq/docintake/internal/store"
)

// versionTolerance absorbs the precision lost when updatedAt round-trips
// through JSON. Anything further apart is a real concurrent modification.
const versionTolerance = time.Millisecond

// ErrInvalid marks a correction the caller built wrong, as opposed to one
// the store rejected.
var ErrInvalid = errors.New("invalid correction")

// UpdateOutcome classifies an Apply call.
type UpdateOutcome int

const (
	UpdateApplied UpdateOutcome = iota
	UpdateConflict
	UpdateNotFound
)

// UpdateResult reports what happened. Expected and Actual are set on
// conflict so the client can re-fetch and re-apply; Document carries the
// post-update state on success.
type UpdateResult struct {
	Outcome  UpdateOutcome
	Expected time.Time
	Actual   time.Time
	Document *models.Document
}

// Updater applies reviewer corrections.
type Updater struct {
	store store.Store
}

func NewUpdater(st store.Store) *Updater {
	return &Updater{store: st}
}

// Apply writes changes to the record's extracted data if expectedVersion
// still matches updatedAt within tolerance. The version check, the field
// writes and the correction audit entry share one transaction: a conflict
// leaves no trace, and an applied correction is always fully recorded.
func (u *Updater) Apply(ctx context.Context, id string, changes map[string]any, expectedVersion time.Time, reviewer string) (*UpdateResult, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: no changes provided", ErrInvalid)
	}
	names := make([]string, 0, len(changes))
	for name := range changes {
		if name == "" || strings.Contains(name, ".") {
			return nil, fmt.Errorf("%w: bad field name %q", ErrInvalid, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	res := &UpdateResult{}
	err := u.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		*res = UpdateResult{}

		doc, err := tx.Get(id)
		if errors.Is(err, store.ErrNotFound) {
			res.Outcome = UpdateNotFound
			return nil
		}
		if err != nil {
			return err
		}

		if !versionMatches(expectedVersion, doc.UpdatedAt) {
			res.Outcome = UpdateConflict
			res.Expected = expectedVersion
			res.Actual = doc.UpdatedAt
			return nil
		}

		fields := make([]store.Field, 0, len(names))
		entry := &models.Correction{DocumentID: id, Reviewer: reviewer}
		for _, name := range names {
			fields = append(fields, store.Field{Path: "extractedData." + name, Value: changes[name]})
			entry.Changes = append(entry.Changes, models.FieldChange{
				Field:  name,
				Before: doc.ExtractedData[name],
				After:  changes[name],
			})
		}
		if err := tx.Update(id, fields); err != nil {
			return err
		}
		if err := tx.AppendCorrection(entry); err != nil {
			return err
		}
		res.Outcome = UpdateApplied
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply correction to %s: %w", id, err)
	}

	if res.Outcome == UpdateApplied {
		doc, err := u.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read back document %s: %w", id, err)
		}
		res.Document = doc
	}
	return res, nil
}

func versionMatches(expected, actual time.Time) bool {
	d := expected.Sub(actual)
	if d < 0 {
		d = -d
	}
	return d <= versionTolerance
}

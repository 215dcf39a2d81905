/*
returns.go - Return snapshots and resubmission change detection

PURPOSE:
  When a reviewer returns an application, the content being sent back
  is frozen into an immutable ReturnEntry. Resubmission from returned
  is only allowed when the current content actually differs from that
  frozen copy — otherwise the reviewer would receive the identical
  application again.

CHANGE DETECTION:
  Data is compared structurally (order-insensitive for object keys).
  Attachments are compared as a fileName → fileURL set: a changed
  count, a changed file set, or a changed URL for an existing name all
  count as a change, independent of the data comparison.

SEE ALSO:
  - compare.go: CloneData, StructuralEqual, SameAttachmentSet
  - statemachine.go: Calls SnapshotForReturn inside the return write
*/
package benefit

import (
	"fmt"
	"time"
)

// SnapshotForReturn builds the immutable return-history entry for an
// application about to be returned. Data and attachments are deep
// copies; later edits to the live record never reach the snapshot.
func SnapshotForReturn(app *Application, actor Actor, reason string, at time.Time) (*ReturnEntry, error) {
	dataCopy, err := CloneData(app.Data)
	if err != nil {
		return nil, fmt.Errorf("snapshot data: %w", err)
	}

	var attCopy []Attachment
	if len(app.Attachments) > 0 {
		attCopy = make([]Attachment, len(app.Attachments))
		copy(attCopy, app.Attachments)
	}

	var submission *time.Time
	if app.SubmissionDate != nil {
		d := *app.SubmissionDate
		submission = &d
	}

	return &ReturnEntry{
		ReturnedAt:          at,
		ReturnedBy:          actor.ID,
		Reason:              reason,
		DataSnapshot:        dataCopy,
		AttachmentsSnapshot: attCopy,
		SubmissionDate:      submission,
	}, nil
}

// HasChanges reports whether a returned application's current content
// differs from the most recent return snapshot. Always false outside
// the returned status. Deterministic: calling it twice without
// intervening edits yields the same result, and reverting an edit to
// byte-identical content yields false again.
func HasChanges(app *Application) bool {
	if app.Status != StatusReturned {
		return false
	}
	last := app.LatestReturn()
	if last == nil {
		return false
	}

	if !SameAttachmentSet(app.Attachments, last.AttachmentsSnapshot) {
		return true
	}
	return !StructuralEqual(anyMap(app.Data), anyMap(last.DataSnapshot))
}

// anyMap normalizes a nil map and an empty map to the same value so
// "no data" compares equal regardless of representation.
func anyMap(m map[string]any) any {
	if len(m) == 0 {
		return map[string]any{}
	}
	return m
}

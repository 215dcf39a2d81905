/*
store.go - Persistence interfaces for applications and employees

PURPOSE:
  Defines the boundary between the domain logic and the database.
  Implementations must provide ATOMIC transition writes: a status
  change, its history append, and any snapshot/comment land in one
  store transaction or not at all. There is no compensating rollback
  in the domain layer.

KEY INTERFACES:
  ApplicationStore: Document CRUD + atomic transition commit
  EmployeeStore:    Profile reads by identification + atomic reflection
                    commit (profile fields + change-history append)

OPTIMISTIC CONCURRENCY:
  CommitTransition and CommitReflection carry the version the caller
  read. Implementations compare-and-swap on it and return
  ErrStaleState on mismatch. Two concurrent approvals race on this
  check; exactly one wins.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite
  - benefit/storetest (in package tests): In-memory fakes

SEE ALSO:
  - statemachine.go: Builds TransitionWrite values
  - reflection: Builds ReflectionWrite values
*/
package benefit

import (
	"context"
	"time"
)

// TransitionWrite is the atomic unit a transition commits: the new
// status pair, appended audit entries, and any field updates that
// accompany the transition. Implementations write all of it in a
// single transaction, guarded by ExpectedVersion.
type TransitionWrite struct {
	ApplicationID   ApplicationID
	ExpectedVersion int64

	NewStatus         Status
	NewExternalStatus ExternalStatus

	// Optional accompanying field updates.
	SetSubmissionDate *time.Time

	AppendHistory []HistoryEntry
	AppendComment *Comment
	AppendReturn  *ReturnEntry
}

// ApplicationStore persists application documents.
type ApplicationStore interface {
	// Create inserts a new application (draft).
	Create(ctx context.Context, app *Application) error

	// Get loads an application by ID. Returns ErrApplicationNotFound
	// when missing.
	Get(ctx context.Context, id ApplicationID) (*Application, error)

	// ListByOrganization returns applications for an organization,
	// optionally filtered by status ("" = all), newest first.
	ListByOrganization(ctx context.Context, orgID OrganizationID, status Status) ([]*Application, error)

	// UpdateDraft replaces data/attachments/deadline of an editable
	// application, CAS-guarded by version.
	UpdateDraft(ctx context.Context, id ApplicationID, version int64, data map[string]any, attachments []Attachment, deadline *time.Time) error

	// CommitTransition applies a transition write atomically. Returns
	// ErrStaleState if the version no longer matches.
	CommitTransition(ctx context.Context, w TransitionWrite) error

	// Delete removes an application. Only the state machine calls this,
	// and only for drafts.
	Delete(ctx context.Context, id ApplicationID) error
}

// ReflectionWrite is the atomic unit a reflection commits: the changed
// profile fields plus the change-history append, in one transaction.
type ReflectionWrite struct {
	EmployeeID      EmployeeID
	ExpectedVersion int64

	// Only fields present in Changes are written; the store maps
	// FieldChange.Field names onto profile columns.
	Profile *EmployeeProfile
	Change  ProfileChange
}

// EmployeeStore persists employee insurance profiles. The method
// names carry the Employee prefix so one store can implement both
// this and ApplicationStore.
type EmployeeStore interface {
	// GetEmployee loads a profile by ID. Returns ErrEmployeeNotFound
	// when missing.
	GetEmployee(ctx context.Context, id EmployeeID) (*EmployeeProfile, error)

	// FindByIdentification locates an employee within an organization
	// by insurance number, personal number, or basic-pension number —
	// first match wins, in that priority order. Returns
	// ErrEmployeeNotFound when nothing matches.
	FindByIdentification(ctx context.Context, orgID OrganizationID, ident EmployeeIdentification) (*EmployeeProfile, error)

	// Save inserts or administratively updates a profile.
	Save(ctx context.Context, p *EmployeeProfile) error

	// CommitReflection applies a reflection write atomically. Returns
	// ErrStaleState if the version no longer matches.
	CommitReflection(ctx context.Context, w ReflectionWrite) error
}

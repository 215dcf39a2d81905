/*
Package benefit provides the core application lifecycle engine.

PURPOSE:
  This package contains the domain types and state machine for employee
  benefit/insurance applications. An application moves draft → submission
  → approval/return/rejection; approved applications feed the reflection
  engine, returned applications carry an immutable snapshot of what was
  sent back.

KEY CONCEPTS IN THIS FILE (types.go):
  - Application: The application document with its full audit trail
  - HistoryEntry: Append-only record of every lifecycle action
  - ReturnEntry: Immutable snapshot taken when a reviewer returns
  - Actor: Explicit caller identity (no ambient current-user lookup)

DESIGN PRINCIPLES:
  1. Append-only audit: History, Comments and ReturnHistory only grow
  2. Explicit identity: Every operation receives an Actor parameter
  3. Derived coupling: ExternalStatus is only written together with the
     Status it implies, never independently
  4. Optimistic concurrency: Version guards every transition write

SEE ALSO:
  - statemachine.go: Transition guards and execution
  - returns.go: Snapshotting and resubmission change detection
  - store.go: Persistence interfaces
*/
package benefit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ApplicationID string
type OrganizationID string
type EmployeeID string

// NewApplicationID generates a prefixed unique application ID.
func NewApplicationID() ApplicationID {
	return ApplicationID("app_" + uuid.New().String())
}

// NewEmployeeID generates a prefixed unique employee ID.
func NewEmployeeID() EmployeeID {
	return EmployeeID("emp_" + uuid.New().String())
}

// =============================================================================
// ACTORS - Explicit caller identity
// =============================================================================

type Role string

const (
	RoleEmployee Role = "employee"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor identifies who is performing an operation. The engine never
// consults ambient state; callers thread this through every operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// =============================================================================
// APPLICATION - The central document
// =============================================================================

type Category string

const (
	CategoryInternal Category = "internal"
	CategoryExternal Category = "external"
)

type Status string

const (
	StatusDraft              Status = "draft"
	StatusCreated            Status = "created"
	StatusPending            Status = "pending"
	StatusPendingReceived    Status = "pending_received"
	StatusPendingNotReceived Status = "pending_not_received"
	StatusApproved           Status = "approved"
	StatusRejected           Status = "rejected"
	StatusReturned           Status = "returned"
	StatusWithdrawn          Status = "withdrawn"
)

// ExternalStatus is the secondary axis for external applications.
// It is never set independently: the state machine writes it together
// with the Status it forces (sent → pending_not_received,
// received → pending_received, error → status unchanged).
type ExternalStatus string

const (
	ExternalUnset    ExternalStatus = ""
	ExternalSent     ExternalStatus = "sent"
	ExternalReceived ExternalStatus = "received"
	ExternalError    ExternalStatus = "error"
)

// ApplicationType references the kind of application (dependent change,
// reward change, ...). Only a fixed allow-list triggers reflection;
// see reflection.EligibleTypes.
type ApplicationType string

const (
	TypeDependentChange ApplicationType = "dependent_change"
	TypeAddressChange   ApplicationType = "address_change"
	TypeNameChange      ApplicationType = "name_change"
	TypeRewardBase      ApplicationType = "reward_base"
	TypeRewardChange    ApplicationType = "reward_change"
)

// Attachment is a file reference carried by an application.
type Attachment struct {
	FileName string `json:"file_name"`
	FileURL  string `json:"file_url"`
}

// Application is the benefit application document.
//
// Data must contain only plain serializable values (maps, slices,
// strings, numbers, bools) — the snapshot clone contract depends on it.
type Application struct {
	ID             ApplicationID
	OrganizationID OrganizationID

	// Empty means the organization itself is the submitter.
	EmployeeID EmployeeID

	Category Category
	Type     ApplicationType
	TypeName string

	Status         Status
	ExternalStatus ExternalStatus

	Data        map[string]any
	Attachments []Attachment

	Deadline       *time.Time
	SubmissionDate *time.Time

	History       []HistoryEntry
	Comments      []Comment
	ReturnHistory []ReturnEntry

	RelatedInternalIDs []ApplicationID
	RelatedExternalIDs []ApplicationID

	// Version is the optimistic concurrency token. Every committed
	// transition increments it; a stale caller loses the CAS.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SubmittedByOrganization reports whether the organization itself is
// the submitter (no employee attached).
func (a *Application) SubmittedByOrganization() bool { return a.EmployeeID == "" }

// IsOwner reports whether the actor is the submitting employee.
func (a *Application) IsOwner(actor Actor) bool {
	return a.EmployeeID != "" && string(a.EmployeeID) == actor.ID
}

// ConsistentExternalStatus checks the invariant that ExternalStatus is
// defined only for external applications and that a sent/received
// status carries the Status it forces.
func (a *Application) ConsistentExternalStatus() bool {
	if a.Category != CategoryExternal {
		return a.ExternalStatus == ExternalUnset
	}
	switch a.ExternalStatus {
	case ExternalSent:
		return a.Status == StatusPendingNotReceived
	case ExternalReceived:
		return a.Status == StatusPendingReceived
	default:
		return true
	}
}

// LatestReturn returns the most recent return-history entry, or nil.
func (a *Application) LatestReturn() *ReturnEntry {
	if len(a.ReturnHistory) == 0 {
		return nil
	}
	return &a.ReturnHistory[len(a.ReturnHistory)-1]
}

// ApproveEntry returns the most recent approve history entry, or nil.
func (a *Application) ApproveEntry() *HistoryEntry {
	for i := len(a.History) - 1; i >= 0; i-- {
		if a.History[i].Action == ActionApprove {
			return &a.History[i]
		}
	}
	return nil
}

// =============================================================================
// HISTORY - Append-only audit trail
// =============================================================================

type Action string

const (
	ActionSubmit       Action = "submit"
	ActionApprove      Action = "approve"
	ActionReject       Action = "reject"
	ActionReturn       Action = "return"
	ActionWithdraw     Action = "withdraw"
	ActionStatusChange Action = "status_change"
)

type HistoryEntry struct {
	UserID    string
	Action    Action
	Comment   string
	CreatedAt time.Time
}

type CommentType string

const (
	CommentPlain           CommentType = "plain"
	CommentRejectionReason CommentType = "rejection_reason"
)

type Comment struct {
	UserID    string
	Type      CommentType
	Body      string
	CreatedAt time.Time
}

// =============================================================================
// RETURN HISTORY - Snapshot taken when a reviewer returns
// =============================================================================

// ReturnEntry captures the application content as it existed
// immediately before a return transition. Created exactly once per
// return event; never mutated afterwards.
type ReturnEntry struct {
	ReturnedAt time.Time
	ReturnedBy string
	Reason     string

	// Deep copies, not references. Later edits to the live Data must
	// not alter these.
	DataSnapshot        map[string]any
	AttachmentsSnapshot []Attachment

	// The pre-return submission date, preserved for the audit trail.
	// Resubmission stamps a fresh date; this records when the returned
	// content was originally submitted.
	SubmissionDate *time.Time
}

// =============================================================================
// EMPLOYEE PROFILE - The authoritative insurance record
// =============================================================================

// EmployeeIdentification carries the identifiers used to match
// applications to employees, in lookup priority order.
type EmployeeIdentification struct {
	InsuranceNumber    string
	PersonalNumber     string
	BasicPensionNumber string
}

// EmployeeProfile is the subset of the employee record the reflection
// engine reads and writes.
type EmployeeProfile struct {
	ID             EmployeeID
	OrganizationID OrganizationID
	Name           string
	Address        string
	Dependents     []string

	Identification EmployeeIdentification

	AverageReward      *decimal.Decimal
	Grade              *int
	PensionGrade       *int
	StandardReward     *decimal.Decimal
	GradeEffectiveDate *time.Time

	// OtherCompanies lists other-employer affiliations. Non-empty means
	// grade/standard-reward must be entered manually, never reflected.
	OtherCompanies []string

	ChangeHistory []ProfileChange

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MultiEmployer reports whether the employee has other-company
// affiliations.
func (p *EmployeeProfile) MultiEmployer() bool { return len(p.OtherCompanies) > 0 }

// HasReflection reports whether a change-history entry for the given
// application already exists (reflection idempotency check).
func (p *EmployeeProfile) HasReflection(id ApplicationID) bool {
	for _, c := range p.ChangeHistory {
		if c.ApplicationID == id {
			return true
		}
	}
	return false
}

// ProfileChange is one append-only change-history record.
type ProfileChange struct {
	ApplicationID   ApplicationID
	ApplicationName string
	ChangedAt       time.Time
	ChangedBy       string
	Changes         []FieldChange
}

// FieldChange records a single field transition. Before/After are the
// string renderings stored in the audit trail.
type FieldChange struct {
	Field  string
	Before string
	After  string
}

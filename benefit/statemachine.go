/*
statemachine.go - Application lifecycle transitions

PURPOSE:
  Validates and executes status transitions. Every transition follows
  the same shape:

  1. Load the application (with its version)
  2. Check the guard for (status, action, role, category)
  3. Build the atomic TransitionWrite (status + history + snapshot/comment)
  4. Commit it in one store transaction, CAS-guarded by version
  5. For approvals, invoke the reflection hook after the commit

  An invalid transition is rejected before any write. A persistence
  failure is surfaced and not retried; the record stays in its last
  committed state.

TRANSITIONS:
  submit:   draft/created (internal) or returned-with-changes → pending
  approve:  pending (internal) / pending_received (external) → approved
  return:   pending/pending_received → returned (snapshot first)
  reject:   pending/pending_received → rejected (no snapshot)
  withdraw: pending → withdrawn (submitting employee only)
  delete:   draft only (owner or admin); removal, not a status

EXTERNAL STATUS COUPLING:
  sent      forces status = pending_not_received
  received  forces status = pending_received
  error     leaves status unchanged
  The pair is always written together; the two fields are never
  independently settable.

CONCURRENCY:
  Two concurrent approvals race on the version CAS. The loser gets
  ErrStaleState; reflection runs at most once per committed approval.

SEE ALSO:
  - returns.go: Snapshotting and HasChanges
  - store.go: TransitionWrite contract
*/
package benefit

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Reflector is invoked after a committed approval. Implementations are
// idempotent per application.
type Reflector interface {
	AfterApprove(ctx context.Context, app *Application, approver Actor) error
}

// Service executes lifecycle transitions against the store.
type Service struct {
	Apps      ApplicationStore
	Reflector Reflector
	Logger    *slog.Logger

	// Now is swappable for tests. Defaults to time.Now.
	Now func() time.Time
}

// NewService wires a lifecycle service.
func NewService(apps ApplicationStore, reflector Reflector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Apps: apps, Reflector: reflector, Logger: logger, Now: time.Now}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// =============================================================================
// DRAFT LIFECYCLE
// =============================================================================

// CreateDraft creates a new application in draft status.
func (s *Service) CreateDraft(ctx context.Context, app *Application) (*Application, error) {
	if app.ID == "" {
		app.ID = NewApplicationID()
	}
	if app.Category == "" {
		app.Category = CategoryInternal
	}
	if app.Category != CategoryExternal && app.ExternalStatus != ExternalUnset {
		return nil, fmt.Errorf("external status on %s application", app.Category)
	}
	now := s.now()
	app.Status = StatusDraft
	app.Version = 1
	app.CreatedAt = now
	app.UpdatedAt = now

	if err := s.Apps.Create(ctx, app); err != nil {
		return nil, &PersistenceError{Op: "create draft", Err: err}
	}
	return app, nil
}

// CanEdit reports whether the actor may edit the application content.
// Editing is the precondition for HasChanges to ever become true after
// a return.
func CanEdit(app *Application, actor Actor) bool {
	switch app.Status {
	case StatusDraft, StatusCreated, StatusReturned:
	default:
		return false
	}
	return app.IsOwner(actor) || actor.IsAdmin()
}

// UpdateContent edits data/attachments/deadline of an editable
// application.
func (s *Service) UpdateContent(ctx context.Context, id ApplicationID, actor Actor, data map[string]any, attachments []Attachment, deadline *time.Time) (*Application, error) {
	app, err := s.Apps.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanEdit(app, actor) {
		return nil, fmt.Errorf("%w: status %s, actor %s", ErrNotEditable, app.Status, actor.ID)
	}

	// Round-trip enforces the plain-serializable-data precondition and
	// decouples the stored payload from caller-held references.
	cloned, err := CloneData(data)
	if err != nil {
		return nil, fmt.Errorf("data is not plain serializable: %w", err)
	}

	if err := s.Apps.UpdateDraft(ctx, id, app.Version, cloned, attachments, deadline); err != nil {
		return nil, err
	}
	return s.Apps.Get(ctx, id)
}

// Delete removes an application. Permitted only while draft, and only
// by the owner or an admin.
func (s *Service) Delete(ctx context.Context, id ApplicationID, actor Actor) error {
	app, err := s.Apps.Get(ctx, id)
	if err != nil {
		return err
	}
	if app.Status != StatusDraft {
		return s.guardErr(app, "delete", actor, "only drafts can be deleted")
	}
	if !app.IsOwner(actor) && !actor.IsAdmin() {
		return s.guardErr(app, "delete", actor, "only the owner or an admin can delete")
	}
	if err := s.Apps.Delete(ctx, id); err != nil {
		return &PersistenceError{Op: "delete draft", Err: err}
	}
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Transition validates and executes a lifecycle action.
func (s *Service) Transition(ctx context.Context, id ApplicationID, action Action, actor Actor, reason string) (*Application, error) {
	app, err := s.Apps.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var write *TransitionWrite
	switch action {
	case ActionSubmit:
		write, err = s.submitWrite(app, actor)
	case ActionApprove:
		write, err = s.approveWrite(app, actor)
	case ActionReturn:
		write, err = s.returnWrite(app, actor, reason)
	case ActionReject:
		write, err = s.rejectWrite(app, actor, reason)
	case ActionWithdraw:
		write, err = s.withdrawWrite(app, actor)
	default:
		err = s.guardErr(app, action, actor, "unknown action")
	}
	if err != nil {
		return nil, err
	}

	if err := s.Apps.CommitTransition(ctx, *write); err != nil {
		return nil, err
	}

	s.Logger.Info("application transition",
		"application_id", app.ID,
		"action", action,
		"from", app.Status,
		"to", write.NewStatus,
		"actor", actor.ID,
	)

	updated, err := s.Apps.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Reflection runs after the approval is committed. It is idempotent
	// per application, so a failure here is retryable via the manual
	// reflect endpoint without re-approving.
	if action == ActionApprove && s.Reflector != nil {
		if err := s.Reflector.AfterApprove(ctx, updated, actor); err != nil {
			return updated, err
		}
	}

	return updated, nil
}

func (s *Service) submitWrite(app *Application, actor Actor) (*TransitionWrite, error) {
	now := s.now()

	switch app.Status {
	case StatusDraft, StatusCreated:
		if app.Category != CategoryInternal {
			return nil, s.guardErr(app, ActionSubmit, actor, "external applications are dispatched, not submitted")
		}
		if !app.IsOwner(actor) && !(app.SubmittedByOrganization() && actor.IsAdmin()) {
			return nil, s.guardErr(app, ActionSubmit, actor, "only the submitter can submit")
		}
	case StatusReturned:
		// Resubmission: owner for internal, admin for external — and
		// only when the content actually changed since the return.
		switch app.Category {
		case CategoryInternal:
			if !app.IsOwner(actor) {
				return nil, s.guardErr(app, ActionSubmit, actor, "only the owner can resubmit")
			}
		case CategoryExternal:
			if !actor.IsAdmin() {
				return nil, s.guardErr(app, ActionSubmit, actor, "only an admin can resubmit an external application")
			}
		}
		if !HasChanges(app) {
			return nil, fmt.Errorf("%w: application %s", ErrNoChanges, app.ID)
		}
	default:
		return nil, s.guardErr(app, ActionSubmit, actor, "not submittable from this status")
	}

	return &TransitionWrite{
		ApplicationID:     app.ID,
		ExpectedVersion:   app.Version,
		NewStatus:         StatusPending,
		NewExternalStatus: app.ExternalStatus,
		SetSubmissionDate: &now,
		AppendHistory: []HistoryEntry{{
			UserID:    actor.ID,
			Action:    ActionSubmit,
			CreatedAt: now,
		}},
	}, nil
}

func (s *Service) approveWrite(app *Application, actor Actor) (*TransitionWrite, error) {
	if !actor.IsAdmin() {
		return nil, s.guardErr(app, ActionApprove, actor, "admin only")
	}
	switch {
	case app.Category == CategoryInternal && app.Status == StatusPending:
	case app.Category == CategoryExternal && app.Status == StatusPendingReceived:
		if app.ExternalStatus != ExternalReceived {
			return nil, s.guardErr(app, ActionApprove, actor, "external response not received")
		}
	default:
		return nil, s.guardErr(app, ActionApprove, actor, "not approvable from this status")
	}

	now := s.now()
	return &TransitionWrite{
		ApplicationID:     app.ID,
		ExpectedVersion:   app.Version,
		NewStatus:         StatusApproved,
		NewExternalStatus: app.ExternalStatus,
		AppendHistory: []HistoryEntry{{
			UserID:    actor.ID,
			Action:    ActionApprove,
			CreatedAt: now,
		}},
	}, nil
}

func (s *Service) returnWrite(app *Application, actor Actor, reason string) (*TransitionWrite, error) {
	if err := s.reviewGuard(app, ActionReturn, actor); err != nil {
		return nil, err
	}
	now := s.now()

	// Snapshot before the transition completes. The snapshot is a deep
	// copy; later edits to the live data must not reach it.
	snap, err := SnapshotForReturn(app, actor, reason, now)
	if err != nil {
		return nil, err
	}

	return &TransitionWrite{
		ApplicationID:     app.ID,
		ExpectedVersion:   app.Version,
		NewStatus:         StatusReturned,
		NewExternalStatus: app.ExternalStatus,
		AppendHistory: []HistoryEntry{{
			UserID:    actor.ID,
			Action:    ActionReturn,
			Comment:   reason,
			CreatedAt: now,
		}},
		AppendComment: &Comment{
			UserID:    actor.ID,
			Type:      CommentRejectionReason,
			Body:      reason,
			CreatedAt: now,
		},
		AppendReturn: snap,
	}, nil
}

func (s *Service) rejectWrite(app *Application, actor Actor, reason string) (*TransitionWrite, error) {
	if err := s.reviewGuard(app, ActionReject, actor); err != nil {
		return nil, err
	}
	now := s.now()
	return &TransitionWrite{
		ApplicationID:     app.ID,
		ExpectedVersion:   app.Version,
		NewStatus:         StatusRejected,
		NewExternalStatus: app.ExternalStatus,
		AppendHistory: []HistoryEntry{{
			UserID:    actor.ID,
			Action:    ActionReject,
			Comment:   reason,
			CreatedAt: now,
		}},
		AppendComment: &Comment{
			UserID:    actor.ID,
			Type:      CommentRejectionReason,
			Body:      reason,
			CreatedAt: now,
		},
	}, nil
}

// reviewGuard is the shared guard for return and reject: admin only,
// from pending (internal) or pending_received (external).
func (s *Service) reviewGuard(app *Application, action Action, actor Actor) error {
	if !actor.IsAdmin() {
		return s.guardErr(app, action, actor, "admin only")
	}
	switch app.Status {
	case StatusPending:
		return nil
	case StatusPendingReceived:
		if app.Category == CategoryExternal {
			return nil
		}
	}
	return s.guardErr(app, action, actor, "not reviewable from this status")
}

func (s *Service) withdrawWrite(app *Application, actor Actor) (*TransitionWrite, error) {
	if app.Status != StatusPending {
		return nil, s.guardErr(app, ActionWithdraw, actor, "only pending applications can be withdrawn")
	}
	if !app.IsOwner(actor) {
		return nil, s.guardErr(app, ActionWithdraw, actor, "only the submitting employee can withdraw")
	}
	now := s.now()
	return &TransitionWrite{
		ApplicationID:     app.ID,
		ExpectedVersion:   app.Version,
		NewStatus:         StatusWithdrawn,
		NewExternalStatus: app.ExternalStatus,
		AppendHistory: []HistoryEntry{{
			UserID:    actor.ID,
			Action:    ActionWithdraw,
			CreatedAt: now,
		}},
	}, nil
}

// =============================================================================
// EXTERNAL STATUS
// =============================================================================

// ApplyExternalStatus records the outcome of dispatching an external
// application. The coupled status is written in the same transaction:
// sent forces pending_not_received, received forces pending_received,
// error keeps the current status.
func (s *Service) ApplyExternalStatus(ctx context.Context, id ApplicationID, ext ExternalStatus, actor Actor) (*Application, error) {
	app, err := s.Apps.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Category != CategoryExternal {
		return nil, s.guardErr(app, ActionStatusChange, actor, "not an external application")
	}
	if !actor.IsAdmin() {
		return nil, s.guardErr(app, ActionStatusChange, actor, "admin only")
	}

	newStatus := app.Status
	switch ext {
	case ExternalSent:
		newStatus = StatusPendingNotReceived
	case ExternalReceived:
		newStatus = StatusPendingReceived
	case ExternalError:
		// Status unchanged.
	default:
		return nil, s.guardErr(app, ActionStatusChange, actor, fmt.Sprintf("invalid external status %q", ext))
	}

	now := s.now()
	write := TransitionWrite{
		ApplicationID:     app.ID,
		ExpectedVersion:   app.Version,
		NewStatus:         newStatus,
		NewExternalStatus: ext,
		AppendHistory: []HistoryEntry{{
			UserID:    actor.ID,
			Action:    ActionStatusChange,
			Comment:   string(ext),
			CreatedAt: now,
		}},
	}
	if err := s.Apps.CommitTransition(ctx, write); err != nil {
		return nil, err
	}
	return s.Apps.Get(ctx, id)
}

func (s *Service) guardErr(app *Application, action Action, actor Actor, detail string) error {
	return &GuardViolationError{
		ApplicationID: app.ID,
		Action:        action,
		Status:        app.Status,
		Category:      app.Category,
		Role:          actor.Role,
		Detail:        detail,
	}
}

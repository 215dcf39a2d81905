/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements benefit.ApplicationStore, benefit.EmployeeStore and
  ratetable.Store using SQLite. In production, the same patterns apply
  to PostgreSQL - only minor SQL dialect differences.

ATOMICITY:
  A lifecycle transition is a single database transaction: the status
  row update (CAS on version), the history append, and any comment or
  return snapshot commit together or not at all. Reflection writes
  follow the same rule for profile fields + change-history append.
  This is the unit of atomicity the domain layer relies on; there is
  no compensating rollback above this layer.

OPTIMISTIC CONCURRENCY:
  Status and profile updates run as
    UPDATE ... SET version = version + 1 WHERE id = ? AND version = ?
  and map an untouched row to benefit.ErrStaleState (after ruling out
  a missing record). Two concurrent approvals race here; one loses.

APPEND-ONLY TABLES:
  application_history, application_comments, application_returns and
  employee_changes have INSERT as their only write path. No UPDATE or
  DELETE statements exist for them, except cascading draft deletion.

KEY TABLES:
  applications:         Application documents (JSON payload columns)
  application_history:  Lifecycle audit trail
  application_comments: Reviewer/submitter comments
  application_returns:  Immutable return snapshots
  employees:            Insurance profiles + identification numbers
  employee_changes:     Profile change history
  rate_entries:         Time-versioned rate table rows

MONTH STORAGE:
  Rate windows are stored as 'YYYY-MM' strings so lexicographic SQL
  comparison matches month ordering. '' means open-ended.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/benefits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - benefit/store.go: Interface contracts
  - ratetable/types.go: Rate store contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/ratetable"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ benefit.ApplicationStore = (*Store)(nil)
	_ benefit.EmployeeStore    = (*Store)(nil)
	_ ratetable.Store          = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS applications (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		employee_id TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		app_type TEXT NOT NULL,
		type_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		external_status TEXT NOT NULL DEFAULT '',
		data_json TEXT NOT NULL DEFAULT '{}',
		attachments_json TEXT NOT NULL DEFAULT '[]',
		deadline TEXT,
		submission_date TEXT,
		related_internal_json TEXT NOT NULL DEFAULT '[]',
		related_external_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_applications_org_status
		ON applications(organization_id, status);
	CREATE INDEX IF NOT EXISTS idx_applications_employee
		ON applications(employee_id) WHERE employee_id != '';

	-- Append-only lifecycle audit trail
	CREATE TABLE IF NOT EXISTS application_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		application_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_application
		ON application_history(application_id);

	CREATE TABLE IF NOT EXISTS application_comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		application_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		comment_type TEXT NOT NULL DEFAULT 'plain',
		body TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_comments_application
		ON application_comments(application_id);

	-- Immutable return snapshots
	CREATE TABLE IF NOT EXISTS application_returns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		application_id TEXT NOT NULL,
		returned_at TEXT NOT NULL,
		returned_by TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		data_snapshot_json TEXT NOT NULL DEFAULT '{}',
		attachments_snapshot_json TEXT NOT NULL DEFAULT '[]',
		submission_date TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_returns_application
		ON application_returns(application_id);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		dependents_json TEXT NOT NULL DEFAULT '[]',
		insurance_number TEXT NOT NULL DEFAULT '',
		personal_number TEXT NOT NULL DEFAULT '',
		basic_pension_number TEXT NOT NULL DEFAULT '',
		average_reward TEXT,
		grade INTEGER,
		pension_grade INTEGER,
		standard_reward TEXT,
		grade_effective_date TEXT,
		other_companies_json TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_employees_org
		ON employees(organization_id);
	CREATE INDEX IF NOT EXISTS idx_employees_insurance
		ON employees(organization_id, insurance_number) WHERE insurance_number != '';
	CREATE INDEX IF NOT EXISTS idx_employees_personal
		ON employees(organization_id, personal_number) WHERE personal_number != '';
	CREATE INDEX IF NOT EXISTS idx_employees_pension
		ON employees(organization_id, basic_pension_number) WHERE basic_pension_number != '';

	-- Append-only profile change history
	CREATE TABLE IF NOT EXISTS employee_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		employee_id TEXT NOT NULL,
		application_id TEXT NOT NULL,
		application_name TEXT NOT NULL DEFAULT '',
		changed_at TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changes_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_changes_employee
		ON employee_changes(employee_id);
	CREATE INDEX IF NOT EXISTS idx_changes_application
		ON employee_changes(application_id);

	-- Rate table rows; effective months stored as 'YYYY-MM',
	-- '' = open-ended end
	CREATE TABLE IF NOT EXISTS rate_entries (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL DEFAULT '',
		grade INTEGER NOT NULL,
		pension_grade INTEGER,
		standard_reward TEXT NOT NULL,
		min_amount TEXT NOT NULL,
		max_amount TEXT NOT NULL,
		health_json TEXT NOT NULL DEFAULT '{}',
		health_care_json TEXT NOT NULL DEFAULT '{}',
		pension_json TEXT NOT NULL DEFAULT '{}',
		effective_from TEXT NOT NULL,
		effective_to TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_entries_org_window
		ON rate_entries(organization_id, effective_from, effective_to);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset clears all data. Used by the demo scenario loaders; never call
// this against a production database.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{
		"application_history", "application_comments", "application_returns",
		"applications", "employee_changes", "employees", "rate_entries",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// =============================================================================
// APPLICATION STORE (benefit.ApplicationStore interface)
// =============================================================================

// Create inserts a new application document.
func (s *Store) Create(ctx context.Context, app *benefit.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataJSON, err := json.Marshal(nonNilMap(app.Data))
	if err != nil {
		return fmt.Errorf("application data is not serializable: %w", err)
	}
	attachmentsJSON, _ := json.Marshal(nonNilAttachments(app.Attachments))
	relatedInternal, _ := json.Marshal(nonNilIDs(app.RelatedInternalIDs))
	relatedExternal, _ := json.Marshal(nonNilIDs(app.RelatedExternalIDs))

	query := `
		INSERT INTO applications
		(id, organization_id, employee_id, category, app_type, type_name, status,
		 external_status, data_json, attachments_json, deadline, submission_date,
		 related_internal_json, related_external_json, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		app.ID, app.OrganizationID, app.EmployeeID, app.Category, app.Type,
		app.TypeName, app.Status, app.ExternalStatus,
		string(dataJSON), string(attachmentsJSON),
		nullTime(app.Deadline), nullTime(app.SubmissionDate),
		string(relatedInternal), string(relatedExternal),
		app.Version,
		app.CreatedAt.UTC().Format(time.RFC3339),
		app.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert application: %w", err)
	}
	return nil
}

// Get loads an application together with its history, comments and
// return snapshots.
func (s *Store) Get(ctx context.Context, id benefit.ApplicationID) (*benefit.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, organization_id, employee_id, category, app_type, type_name,
		       status, external_status, data_json, attachments_json, deadline,
		       submission_date, related_internal_json, related_external_json,
		       version, created_at, updated_at
		FROM applications WHERE id = ?
	`

	app, err := scanApplication(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", benefit.ErrApplicationNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if app.History, err = s.loadHistory(ctx, id); err != nil {
		return nil, err
	}
	if app.Comments, err = s.loadComments(ctx, id); err != nil {
		return nil, err
	}
	if app.ReturnHistory, err = s.loadReturns(ctx, id); err != nil {
		return nil, err
	}
	return app, nil
}

// ListByOrganization returns an organization's applications, newest
// first, optionally filtered by status.
func (s *Store) ListByOrganization(ctx context.Context, orgID benefit.OrganizationID, status benefit.Status) ([]*benefit.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, organization_id, employee_id, category, app_type, type_name,
		       status, external_status, data_json, attachments_json, deadline,
		       submission_date, related_internal_json, related_external_json,
		       version, created_at, updated_at
		FROM applications
		WHERE organization_id = ?
	`
	args := []any{orgID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*benefit.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// ListOverdue returns the open applications whose deadline has passed,
// oldest deadline first. Terminal applications are never overdue.
func (s *Store) ListOverdue(ctx context.Context, now time.Time) ([]*benefit.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, organization_id, employee_id, category, app_type, type_name,
		       status, external_status, data_json, attachments_json, deadline,
		       submission_date, related_internal_json, related_external_json,
		       version, created_at, updated_at
		FROM applications
		WHERE deadline IS NOT NULL AND deadline < ?
		  AND status NOT IN (?, ?, ?)
		ORDER BY deadline ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query,
		now.UTC().Format(time.RFC3339),
		benefit.StatusApproved, benefit.StatusRejected, benefit.StatusWithdrawn,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []*benefit.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// UpdateDraft replaces the editable content of an application,
// CAS-guarded by version.
func (s *Store) UpdateDraft(ctx context.Context, id benefit.ApplicationID, version int64, data map[string]any, attachments []benefit.Attachment, deadline *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dataJSON, err := json.Marshal(nonNilMap(data))
	if err != nil {
		return fmt.Errorf("application data is not serializable: %w", err)
	}
	attachmentsJSON, _ := json.Marshal(nonNilAttachments(attachments))

	query := `
		UPDATE applications
		SET data_json = ?, attachments_json = ?, deadline = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(dataJSON), string(attachmentsJSON), nullTime(deadline),
		time.Now().UTC().Format(time.RFC3339), id, version,
	)
	if err != nil {
		return fmt.Errorf("failed to update application: %w", err)
	}
	return s.checkApplicationCAS(ctx, result, id, version)
}

// CommitTransition applies a transition write in a single database
// transaction: the CAS-guarded status update plus every append.
func (s *Store) CommitTransition(ctx context.Context, w benefit.TransitionWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)

	statusQuery := `
		UPDATE applications
		SET status = ?, external_status = ?, version = version + 1, updated_at = ?
	`
	args := []any{w.NewStatus, w.NewExternalStatus, now}
	if w.SetSubmissionDate != nil {
		statusQuery += ", submission_date = ?"
		args = append(args, w.SetSubmissionDate.UTC().Format(time.RFC3339))
	}
	statusQuery += " WHERE id = ? AND version = ?"
	args = append(args, w.ApplicationID, w.ExpectedVersion)

	result, err := tx.ExecContext(ctx, statusQuery, args...)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a stale version from a missing record.
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM applications WHERE id = ?", w.ApplicationID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", benefit.ErrApplicationNotFound, w.ApplicationID)
		}
		return &benefit.StaleStateError{ApplicationID: w.ApplicationID, ExpectedVersion: w.ExpectedVersion}
	}

	for _, h := range w.AppendHistory {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO application_history (application_id, user_id, action, comment, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			w.ApplicationID, h.UserID, h.Action, h.Comment,
			h.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("failed to append history: %w", err)
		}
	}

	if c := w.AppendComment; c != nil {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO application_comments (application_id, user_id, comment_type, body, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			w.ApplicationID, c.UserID, c.Type, c.Body,
			c.CreatedAt.UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("failed to append comment: %w", err)
		}
	}

	if r := w.AppendReturn; r != nil {
		dataJSON, err := json.Marshal(nonNilMap(r.DataSnapshot))
		if err != nil {
			return fmt.Errorf("return snapshot is not serializable: %w", err)
		}
		attachmentsJSON, _ := json.Marshal(nonNilAttachments(r.AttachmentsSnapshot))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO application_returns
			 (application_id, returned_at, returned_by, reason, data_snapshot_json,
			  attachments_snapshot_json, submission_date)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.ApplicationID, r.ReturnedAt.UTC().Format(time.RFC3339), r.ReturnedBy,
			r.Reason, string(dataJSON), string(attachmentsJSON),
			nullTime(r.SubmissionDate),
		); err != nil {
			return fmt.Errorf("failed to append return snapshot: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes an application and its sub-records. The state machine
// only calls this for drafts, which carry no audit trail worth keeping.
func (s *Store) Delete(ctx context.Context, id benefit.ApplicationID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM application_history WHERE application_id = ?",
		"DELETE FROM application_comments WHERE application_id = ?",
		"DELETE FROM application_returns WHERE application_id = ?",
		"DELETE FROM applications WHERE id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) checkApplicationCAS(ctx context.Context, result sql.Result, id benefit.ApplicationID, version int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM applications WHERE id = ?", id,
	).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", benefit.ErrApplicationNotFound, id)
	}
	return &benefit.StaleStateError{ApplicationID: id, ExpectedVersion: version}
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (*benefit.Application, error) {
	var (
		app                         benefit.Application
		dataJSON, attachmentsJSON   string
		relatedInternal, relatedExt string
		deadline, submission        sql.NullString
		createdAt, updatedAt        string
	)

	err := row.Scan(
		&app.ID, &app.OrganizationID, &app.EmployeeID, &app.Category, &app.Type,
		&app.TypeName, &app.Status, &app.ExternalStatus, &dataJSON, &attachmentsJSON,
		&deadline, &submission, &relatedInternal, &relatedExt,
		&app.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(dataJSON), &app.Data); err != nil {
		return nil, fmt.Errorf("corrupt application data for %s: %w", app.ID, err)
	}
	json.Unmarshal([]byte(attachmentsJSON), &app.Attachments)
	json.Unmarshal([]byte(relatedInternal), &app.RelatedInternalIDs)
	json.Unmarshal([]byte(relatedExt), &app.RelatedExternalIDs)
	app.Deadline = parseNullTime(deadline)
	app.SubmissionDate = parseNullTime(submission)
	app.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	app.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &app, nil
}

func (s *Store) loadHistory(ctx context.Context, id benefit.ApplicationID) ([]benefit.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, action, comment, created_at
		 FROM application_history WHERE application_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []benefit.HistoryEntry
	for rows.Next() {
		var h benefit.HistoryEntry
		var createdAt string
		if err := rows.Scan(&h.UserID, &h.Action, &h.Comment, &createdAt); err != nil {
			return nil, err
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, h)
	}
	return entries, rows.Err()
}

func (s *Store) loadComments(ctx context.Context, id benefit.ApplicationID) ([]benefit.Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, comment_type, body, created_at
		 FROM application_comments WHERE application_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []benefit.Comment
	for rows.Next() {
		var c benefit.Comment
		var createdAt string
		if err := rows.Scan(&c.UserID, &c.Type, &c.Body, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *Store) loadReturns(ctx context.Context, id benefit.ApplicationID) ([]benefit.ReturnEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT returned_at, returned_by, reason, data_snapshot_json,
		        attachments_snapshot_json, submission_date
		 FROM application_returns WHERE application_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []benefit.ReturnEntry
	for rows.Next() {
		var r benefit.ReturnEntry
		var returnedAt, dataJSON, attachmentsJSON string
		var submission sql.NullString
		if err := rows.Scan(&returnedAt, &r.ReturnedBy, &r.Reason, &dataJSON,
			&attachmentsJSON, &submission); err != nil {
			return nil, err
		}
		r.ReturnedAt, _ = time.Parse(time.RFC3339, returnedAt)
		json.Unmarshal([]byte(dataJSON), &r.DataSnapshot)
		json.Unmarshal([]byte(attachmentsJSON), &r.AttachmentsSnapshot)
		r.SubmissionDate = parseNullTime(submission)
		entries = append(entries, r)
	}
	return entries, rows.Err()
}

// =============================================================================
// EMPLOYEE STORE (benefit.EmployeeStore interface)
// =============================================================================

const employeeColumns = ` id, organization_id, name, address, dependents_json,
	insurance_number, personal_number, basic_pension_number,
	average_reward, grade, pension_grade, standard_reward,
	grade_effective_date, other_companies_json, version, created_at, updated_at `

// GetEmployee loads an employee profile with its change history.
func (s *Store) GetEmployee(ctx context.Context, id benefit.EmployeeID) (*benefit.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.getEmployee(ctx, id)
}

func (s *Store) getEmployee(ctx context.Context, id benefit.EmployeeID) (*benefit.EmployeeProfile, error) {
	p, err := scanEmployee(s.db.QueryRowContext(ctx,
		"SELECT"+employeeColumns+"FROM employees WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", benefit.ErrEmployeeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if p.ChangeHistory, err = s.loadEmployeeChanges(ctx, id); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByIdentification locates an employee within an organization by
// insurance number, personal number, or basic-pension number, trying
// each identifier in that priority order.
func (s *Store) FindByIdentification(ctx context.Context, orgID benefit.OrganizationID, ident benefit.EmployeeIdentification) (*benefit.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lookups := []struct {
		column string
		value  string
	}{
		{"insurance_number", ident.InsuranceNumber},
		{"personal_number", ident.PersonalNumber},
		{"basic_pension_number", ident.BasicPensionNumber},
	}

	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var id benefit.EmployeeID
		err := s.db.QueryRowContext(ctx,
			"SELECT id FROM employees WHERE organization_id = ? AND "+l.column+" = ? LIMIT 1",
			orgID, l.value).Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.getEmployee(ctx, id)
	}

	return nil, fmt.Errorf("%w: no identification matched in organization %s",
		benefit.ErrEmployeeNotFound, orgID)
}

// Save inserts or administratively updates a profile.
func (s *Store) Save(ctx context.Context, p *benefit.EmployeeProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = benefit.NewEmployeeID()
	}
	now := time.Now().UTC().Format(time.RFC3339)
	dependentsJSON, _ := json.Marshal(nonNilStrings(p.Dependents))
	othersJSON, _ := json.Marshal(nonNilStrings(p.OtherCompanies))

	query := `
		INSERT INTO employees
		(id, organization_id, name, address, dependents_json, insurance_number,
		 personal_number, basic_pension_number, average_reward, grade, pension_grade,
		 standard_reward, grade_effective_date, other_companies_json, version,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			dependents_json = excluded.dependents_json,
			insurance_number = excluded.insurance_number,
			personal_number = excluded.personal_number,
			basic_pension_number = excluded.basic_pension_number,
			average_reward = excluded.average_reward,
			grade = excluded.grade,
			pension_grade = excluded.pension_grade,
			standard_reward = excluded.standard_reward,
			grade_effective_date = excluded.grade_effective_date,
			other_companies_json = excluded.other_companies_json,
			version = employees.version + 1,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.OrganizationID, p.Name, p.Address, string(dependentsJSON),
		p.Identification.InsuranceNumber, p.Identification.PersonalNumber,
		p.Identification.BasicPensionNumber,
		nullDecimal(p.AverageReward), nullInt(p.Grade), nullInt(p.PensionGrade),
		nullDecimal(p.StandardReward), nullTime(p.GradeEffectiveDate),
		string(othersJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// CommitReflection applies a reflection write in a single database
// transaction: the CAS-guarded profile update plus the change-history
// append.
func (s *Store) CommitReflection(ctx context.Context, w benefit.ReflectionWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	p := w.Profile
	dependentsJSON, _ := json.Marshal(nonNilStrings(p.Dependents))

	result, err := tx.ExecContext(ctx, `
		UPDATE employees
		SET name = ?, address = ?, dependents_json = ?, average_reward = ?,
		    grade = ?, pension_grade = ?, standard_reward = ?,
		    grade_effective_date = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		p.Name, p.Address, string(dependentsJSON),
		nullDecimal(p.AverageReward), nullInt(p.Grade), nullInt(p.PensionGrade),
		nullDecimal(p.StandardReward), nullTime(p.GradeEffectiveDate),
		time.Now().UTC().Format(time.RFC3339),
		w.EmployeeID, w.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM employees WHERE id = ?", w.EmployeeID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", benefit.ErrEmployeeNotFound, w.EmployeeID)
		}
		return &benefit.StaleStateError{
			ApplicationID:   w.Change.ApplicationID,
			ExpectedVersion: w.ExpectedVersion,
		}
	}

	changesJSON, err := json.Marshal(w.Change.Changes)
	if err != nil {
		return fmt.Errorf("change set is not serializable: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO employee_changes
		(employee_id, application_id, application_name, changed_at, changed_by, changes_json)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.EmployeeID, w.Change.ApplicationID, w.Change.ApplicationName,
		w.Change.ChangedAt.UTC().Format(time.RFC3339), w.Change.ChangedBy,
		string(changesJSON),
	); err != nil {
		return fmt.Errorf("failed to append change history: %w", err)
	}

	return tx.Commit()
}

// ListEmployees returns an organization's profiles, sorted by name.
func (s *Store) ListEmployees(ctx context.Context, orgID benefit.OrganizationID) ([]*benefit.EmployeeProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT"+employeeColumns+"FROM employees WHERE organization_id = ? ORDER BY name, id", orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*benefit.EmployeeProfile
	for rows.Next() {
		p, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func scanEmployee(row rowScanner) (*benefit.EmployeeProfile, error) {
	var (
		p                          benefit.EmployeeProfile
		dependentsJSON, othersJSON string
		average, standard          sql.NullString
		grade, pensionGrade        sql.NullInt64
		gradeDate                  sql.NullString
		createdAt, updatedAt       string
	)

	err := row.Scan(
		&p.ID, &p.OrganizationID, &p.Name, &p.Address, &dependentsJSON,
		&p.Identification.InsuranceNumber, &p.Identification.PersonalNumber,
		&p.Identification.BasicPensionNumber,
		&average, &grade, &pensionGrade, &standard, &gradeDate, &othersJSON,
		&p.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(dependentsJSON), &p.Dependents)
	json.Unmarshal([]byte(othersJSON), &p.OtherCompanies)
	p.AverageReward = parseNullDecimal(average)
	p.StandardReward = parseNullDecimal(standard)
	p.Grade = parseNullInt(grade)
	p.PensionGrade = parseNullInt(pensionGrade)
	p.GradeEffectiveDate = parseNullTime(gradeDate)
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return &p, nil
}

func (s *Store) loadEmployeeChanges(ctx context.Context, id benefit.EmployeeID) ([]benefit.ProfileChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT application_id, application_name, changed_at, changed_by, changes_json
		 FROM employee_changes WHERE employee_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []benefit.ProfileChange
	for rows.Next() {
		var c benefit.ProfileChange
		var changedAt, changesJSON string
		if err := rows.Scan(&c.ApplicationID, &c.ApplicationName, &changedAt,
			&c.ChangedBy, &changesJSON); err != nil {
			return nil, err
		}
		c.ChangedAt, _ = time.Parse(time.RFC3339, changedAt)
		json.Unmarshal([]byte(changesJSON), &c.Changes)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// =============================================================================
// RATE STORE (ratetable.Store interface)
// =============================================================================

const rateColumns = ` id, organization_id, grade, pension_grade, standard_reward,
	min_amount, max_amount, health_json, health_care_json, pension_json,
	effective_from, effective_to `

// ActiveEntries returns the entries valid at the given month, sorted
// ascending by grade. An organization with no table of its own falls
// back to the shared table ('' organization).
func (s *Store) ActiveEntries(ctx context.Context, orgID benefit.OrganizationID, at ratetable.Month) ([]ratetable.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT` + rateColumns + `
		FROM rate_entries
		WHERE organization_id = ?
		  AND effective_from <= ?
		  AND (effective_to = '' OR effective_to >= ?)
		ORDER BY grade ASC, id ASC
	`

	month := at.String()
	entries, err := s.queryRateEntries(ctx, query, orgID, month, month)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 || orgID == "" {
		return entries, nil
	}
	return s.queryRateEntries(ctx, query, "", month, month)
}

// ListWindows returns the organization's distinct effective windows,
// ascending by start month.
func (s *Store) ListWindows(ctx context.Context, orgID benefit.OrganizationID) ([]ratetable.Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT effective_from, effective_to
		 FROM rate_entries WHERE organization_id = ? ORDER BY effective_from ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []ratetable.Window
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		w, err := parseWindow(from, to)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// InsertVersion inserts all grade rows of one version atomically.
func (s *Store) InsertVersion(ctx context.Context, orgID benefit.OrganizationID, entries []ratetable.Entry, window ratetable.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		healthJSON, _ := json.Marshal(e.Health)
		careJSON, _ := json.Marshal(e.HealthWithCare)
		pensionJSON, _ := json.Marshal(e.Pension)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_entries
			(id, organization_id, grade, pension_grade, standard_reward, min_amount,
			 max_amount, health_json, health_care_json, pension_json,
			 effective_from, effective_to, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, orgID, e.Grade, nullInt(e.PensionGrade),
			e.StandardReward.String(), e.MinAmount.String(), e.MaxAmount.String(),
			string(healthJSON), string(careJSON), string(pensionJSON),
			window.From.String(), window.To.String(), now,
		); err != nil {
			return fmt.Errorf("failed to insert rate entry: %w", err)
		}
	}
	return tx.Commit()
}

// SetWindow rewrites the window of the version starting at from.
func (s *Store) SetWindow(ctx context.Context, orgID benefit.OrganizationID, from ratetable.Month, updated ratetable.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE rate_entries
		SET effective_from = ?, effective_to = ?
		WHERE organization_id = ? AND effective_from = ?`,
		updated.From.String(), updated.To.String(), orgID, from.String(),
	)
	return err
}

// DeleteVersionsFrom removes every version starting on or after from.
func (s *Store) DeleteVersionsFrom(ctx context.Context, orgID benefit.OrganizationID, from ratetable.Month) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM rate_entries WHERE organization_id = ? AND effective_from >= ?",
		orgID, from.String(),
	)
	return err
}

// DeleteVersionAt removes only the version starting exactly at from.
func (s *Store) DeleteVersionAt(ctx context.Context, orgID benefit.OrganizationID, from ratetable.Month) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM rate_entries WHERE organization_id = ? AND effective_from = ?",
		orgID, from.String(),
	)
	return err
}

func (s *Store) queryRateEntries(ctx context.Context, query string, args ...any) ([]ratetable.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ratetable.Entry
	for rows.Next() {
		var (
			e                        ratetable.Entry
			pensionGrade             sql.NullInt64
			standard, minAmt, maxAmt string
			healthJSON, careJSON     string
			pensionJSON, from, to    string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Grade, &pensionGrade,
			&standard, &minAmt, &maxAmt, &healthJSON, &careJSON, &pensionJSON,
			&from, &to); err != nil {
			return nil, err
		}
		e.PensionGrade = parseNullInt(pensionGrade)
		e.StandardReward = mustDecimal(standard)
		e.MinAmount = mustDecimal(minAmt)
		e.MaxAmount = mustDecimal(maxAmt)
		json.Unmarshal([]byte(healthJSON), &e.Health)
		json.Unmarshal([]byte(careJSON), &e.HealthWithCare)
		json.Unmarshal([]byte(pensionJSON), &e.Pension)
		w, err := parseWindow(from, to)
		if err != nil {
			return nil, err
		}
		e.EffectiveFrom = w.From
		e.EffectiveTo = w.To
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func parseWindow(from, to string) (ratetable.Window, error) {
	f, err := ratetable.ParseMonth(from)
	if err != nil {
		return ratetable.Window{}, err
	}
	w := ratetable.Window{From: f}
	if to != "" {
		t, err := ratetable.ParseMonth(to)
		if err != nil {
			return ratetable.Window{}, err
		}
		w.To = t
	}
	return w, nil
}

// =============================================================================
// NULL / JSON HELPERS
// =============================================================================

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func parseNullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	i := int(n.Int64)
	return &i
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilAttachments(a []benefit.Attachment) []benefit.Attachment {
	if a == nil {
		return []benefit.Attachment{}
	}
	return a
}

func nonNilIDs(ids []benefit.ApplicationID) []benefit.ApplicationID {
	if ids == nil {
		return []benefit.ApplicationID{}
	}
	return ids
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

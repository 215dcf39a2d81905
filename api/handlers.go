/*
handlers.go - HTTP API handlers for the benefit application system

PURPOSE:
  Exposes the application lifecycle, rate tables and reflection engine
  via REST API. Handles HTTP request/response, JSON serialization, and
  delegates to domain logic.

ENDPOINTS:
  Applications:
    GET    /api/applications                      List (by organization)
    POST   /api/applications                      Create draft
    GET    /api/applications/{id}                 Get with history
    PUT    /api/applications/{id}                 Update editable content
    DELETE /api/applications/{id}                 Delete draft
    POST   /api/applications/{id}/transitions     Lifecycle action
    POST   /api/applications/{id}/external-status Office response
    GET    /api/applications/{id}/has-changes     Resubmission readiness
    POST   /api/applications/{id}/reflect         Re-run reflection

  Rate tables:
    GET    /api/rate-tables/active                Entries active at a month
    GET    /api/rate-tables/windows               Published windows
    POST   /api/rate-tables                       Publish a version

  Employees:
    GET    /api/employees                         List (by organization)
    POST   /api/employees                         Create/update profile
    GET    /api/employees/{id}                    Get with change history

REQUEST FLOW:
  1. Parse HTTP request (actor comes from the body/query, never ambient)
  2. Validate input
  3. Call domain logic (state machine, publisher, reflection engine)
  4. Serialize response
  5. Map domain errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Guard violations, no-changes resubmits, invalid input
  - 404: Application/employee not found
  - 409: Stale version (CAS loss), rate-table window conflicts
  - 500: Persistence failures

  A 409 from publishing carries the conflict case and the valid
  decisions so the client can retry with an explicit resolution.

SECURITY NOTE:
  Currently NO authentication. Callers assert their own actor identity;
  put this behind a gateway that validates it.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/ratetable"
	"github.com/warp/benefits-engine/reflection"
	"github.com/warp/benefits-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Applications *benefit.Service
	Publisher    *ratetable.Publisher
	Reflection   *reflection.Engine
	Logger       *slog.Logger

	// currentScenario tracks the loaded demo scenario, if any.
	currentScenario string
}

// NewHandler wires the domain services around the given store.
func NewHandler(store *sqlite.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	engine := reflection.NewEngine(store, store, logger)
	return &Handler{
		Store:        store,
		Applications: benefit.NewService(store, engine, logger),
		Publisher:    ratetable.NewPublisher(store, logger),
		Reflection:   engine,
		Logger:       logger,
	}
}

// =============================================================================
// APPLICATION HANDLERS
// =============================================================================

// ListApplications returns an organization's applications.
// GET /api/applications?organization_id=X&status=Y
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	orgID := benefit.OrganizationID(r.URL.Query().Get("organization_id"))
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required", nil)
		return
	}
	status := benefit.Status(r.URL.Query().Get("status"))

	apps, err := h.Store.ListByOrganization(r.Context(), orgID, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list applications", err)
		return
	}

	dtos := make([]ApplicationDTO, len(apps))
	for i, app := range apps {
		dtos[i] = toApplicationDTO(app)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetApplication returns a single application with its history.
// GET /api/applications/{id}
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id := benefit.ApplicationID(chi.URLParam(r, "id"))

	app, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(app))
}

// CreateApplication creates a new draft.
// POST /api/applications
func (h *Handler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	var req CreateApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required", nil)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required", nil)
		return
	}

	deadline, err := parseOptionalTime(req.Deadline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid deadline", err)
		return
	}

	app := &benefit.Application{
		OrganizationID: benefit.OrganizationID(req.OrganizationID),
		EmployeeID:     benefit.EmployeeID(req.EmployeeID),
		Category:       benefit.Category(req.Category),
		Type:           benefit.ApplicationType(req.Type),
		TypeName:       req.TypeName,
		Data:           req.Data,
		Attachments:    fromAttachmentDTOs(req.Attachments),
		Deadline:       deadline,
	}

	created, err := h.Applications.CreateDraft(r.Context(), app)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationDTO(created))
}

// UpdateApplication replaces the editable content of an application.
// PUT /api/applications/{id}
func (h *Handler) UpdateApplication(w http.ResponseWriter, r *http.Request) {
	id := benefit.ApplicationID(chi.URLParam(r, "id"))

	var req UpdateApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actor, err := actorFrom(req.ActorID, req.ActorRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	deadline, err := parseOptionalTime(req.Deadline)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid deadline", err)
		return
	}

	updated, err := h.Applications.UpdateContent(r.Context(), id, actor,
		req.Data, fromAttachmentDTOs(req.Attachments), deadline)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(updated))
}

// DeleteApplication deletes a draft.
// DELETE /api/applications/{id}?actor_id=X&actor_role=Y
func (h *Handler) DeleteApplication(w http.ResponseWriter, r *http.Request) {
	id := benefit.ApplicationID(chi.URLParam(r, "id"))
	actor, err := actorFrom(r.URL.Query().Get("actor_id"), r.URL.Query().Get("actor_role"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := h.Applications.Delete(r.Context(), id, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TransitionApplication invokes a lifecycle action.
// POST /api/applications/{id}/transitions
func (h *Handler) TransitionApplication(w http.ResponseWriter, r *http.Request) {
	id := benefit.ApplicationID(chi.URLParam(r, "id"))

	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actor, err := actorFrom(req.ActorID, req.ActorRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required", nil)
		return
	}

	app, err := h.Applications.Transition(r.Context(), id, benefit.Action(req.Action), actor, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(app))
}

// SetExternalStatus records the pension-office response on an external
// application.
// POST /api/applications/{id}/external-status
func (h *Handler) SetExternalStatus(w http.ResponseWriter, r *http.Request) {
	id := benefit.ApplicationID(chi.URLParam(r, "id"))

	var req ExternalStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actor, err := actorFrom(req.ActorID, req.ActorRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	app, err := h.Applications.ApplyExternalStatus(r.Context(), id,
		benefit.ExternalStatus(req.ExternalStatus), actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(app))
}

// GetHasChanges reports whether a returned application has been edited
// since its last return (the resubmission precondition).
// GET /api/applications/{id}/has-changes
func (h *Handler) GetHasChanges(w http.ResponseWriter, r *http.Request) {
	id := benefit.ApplicationID(chi.URLParam(r, "id"))

	app, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HasChangesDTO{
		ApplicationID: string(app.ID),
		HasChanges:    benefit.HasChanges(app),
	})
}

// ReflectApplication re-runs reflection for an approved application.
// Reflection is idempotent per application; already-reflected persons
// come back as such.
// POST /api/applications/{id}/reflect
func (h *Handler) ReflectApplication(w http.ResponseWriter, r *http.Request) {
	id := benefit.ApplicationID(chi.URLParam(r, "id"))

	var req ActorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	actor, err := actorFrom(req.ActorID, req.ActorRole)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	// Same guard as approval: only admins drive profile writes.
	if !actor.IsAdmin() {
		writeError(w, http.StatusForbidden, "Only admins can run reflection", nil)
		return
	}

	app, err := h.Store.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summary, err := h.Reflection.Reflect(r.Context(), app, actor)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// =============================================================================
// EMPLOYEE HANDLERS
// =============================================================================

// ListEmployees returns an organization's employee profiles.
// GET /api/employees?organization_id=X
func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	orgID := benefit.OrganizationID(r.URL.Query().Get("organization_id"))
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required", nil)
		return
	}

	profiles, err := h.Store.ListEmployees(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list employees", err)
		return
	}

	dtos := make([]EmployeeDTO, len(profiles))
	for i, p := range profiles {
		dtos[i] = toEmployeeDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetEmployeeProfile returns a single profile with its change history.
// GET /api/employees/{id}
func (h *Handler) GetEmployeeProfile(w http.ResponseWriter, r *http.Request) {
	id := benefit.EmployeeID(chi.URLParam(r, "id"))

	p, err := h.Store.GetEmployee(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(p))
}

// SaveEmployeeProfile creates or administratively updates a profile.
// POST /api/employees
func (h *Handler) SaveEmployeeProfile(w http.ResponseWriter, r *http.Request) {
	var req SaveEmployeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "organization_id is required", nil)
		return
	}

	p := &benefit.EmployeeProfile{
		ID:             benefit.EmployeeID(req.ID),
		OrganizationID: benefit.OrganizationID(req.OrganizationID),
		Name:           req.Name,
		Address:        req.Address,
		Dependents:     req.Dependents,
		Identification: benefit.EmployeeIdentification{
			InsuranceNumber:    req.InsuranceNumber,
			PersonalNumber:     req.PersonalNumber,
			BasicPensionNumber: req.BasicPensionNumber,
		},
		OtherCompanies: req.OtherCompanies,
	}
	if req.AverageReward != "" {
		avg, err := decimal.NewFromString(req.AverageReward)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid average_reward", err)
			return
		}
		p.AverageReward = &avg
	}

	if err := h.Store.Save(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save employee", err)
		return
	}

	saved, err := h.Store.GetEmployee(r.Context(), p.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(saved))
}

// =============================================================================
// RATE TABLE HANDLERS
// =============================================================================

// GetActiveRateTable returns the entries active at a given month.
// GET /api/rate-tables/active?organization_id=X&month=2024-04
func (h *Handler) GetActiveRateTable(w http.ResponseWriter, r *http.Request) {
	orgID := benefit.OrganizationID(r.URL.Query().Get("organization_id"))

	monthParam := r.URL.Query().Get("month")
	var month ratetable.Month
	if monthParam == "" {
		month = ratetable.MonthOf(time.Now())
	} else {
		var err error
		month, err = ratetable.ParseMonth(monthParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month (use YYYY-MM)", err)
			return
		}
	}

	entries, err := h.Store.ActiveEntries(r.Context(), orgID, month)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load rate table", err)
		return
	}

	dtos := make([]RateEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toRateEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListRateWindows returns the organization's published windows.
// GET /api/rate-tables/windows?organization_id=X
func (h *Handler) ListRateWindows(w http.ResponseWriter, r *http.Request) {
	orgID := benefit.OrganizationID(r.URL.Query().Get("organization_id"))

	windows, err := h.Store.ListWindows(r.Context(), orgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list windows", err)
		return
	}

	dtos := make([]WindowDTO, len(windows))
	for i, win := range windows {
		dtos[i] = toWindowDTO(win)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// PublishRateTable publishes a new rate-table version. A window
// conflict returns 409 with the conflict case and valid decisions;
// the client retries with a resolution.
// POST /api/rate-tables
func (h *Handler) PublishRateTable(w http.ResponseWriter, r *http.Request) {
	var req PublishRateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	window, err := parseWindowDTO(req.Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid window", err)
		return
	}

	entries := make([]ratetable.Entry, len(req.Entries))
	for i, dto := range req.Entries {
		entry, err := fromRateEntryDTO(dto, window)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid rate entry", err)
			return
		}
		entries[i] = entry
	}

	var resolution *ratetable.Resolution
	if req.Resolution != nil {
		res := ratetable.Resolution{Choice: ratetable.Decision(req.Resolution.Choice)}
		if req.Resolution.NewTo != "" {
			newTo, err := ratetable.ParseMonth(req.Resolution.NewTo)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid resolution new_to", err)
				return
			}
			res.NewTo = newTo
		}
		resolution = &res
	}

	orgID := benefit.OrganizationID(req.OrganizationID)
	if err := h.Publisher.Publish(r.Context(), orgID, entries, window, resolution); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWindowDTO(window))
}

func parseWindowDTO(dto WindowDTO) (ratetable.Window, error) {
	from, err := ratetable.ParseMonth(dto.From)
	if err != nil {
		return ratetable.Window{}, err
	}
	w := ratetable.Window{From: from}
	if dto.To != "" {
		to, err := ratetable.ParseMonth(dto.To)
		if err != nil {
			return ratetable.Window{}, err
		}
		w.To = to
	}
	return w, nil
}

// fromRateEntryDTO builds an entry, stamped with the version's shared
// window so it validates.
func fromRateEntryDTO(dto RateEntryDTO, window ratetable.Window) (ratetable.Entry, error) {
	e := ratetable.Entry{
		ID:            dto.ID,
		Grade:         dto.Grade,
		PensionGrade:  dto.PensionGrade,
		EffectiveFrom: window.From,
		EffectiveTo:   window.To,
	}
	var err error
	if e.StandardReward, err = decimal.NewFromString(dto.StandardReward); err != nil {
		return e, err
	}
	if e.MinAmount, err = decimal.NewFromString(dto.MinAmount); err != nil {
		return e, err
	}
	if dto.MaxAmount != "" {
		if e.MaxAmount, err = decimal.NewFromString(dto.MaxAmount); err != nil {
			return e, err
		}
	}
	if e.Health, err = fromRateTripleDTO(dto.Health); err != nil {
		return e, err
	}
	if e.HealthWithCare, err = fromRateTripleDTO(dto.HealthWithCare); err != nil {
		return e, err
	}
	if e.Pension, err = fromRateTripleDTO(dto.Pension); err != nil {
		return e, err
	}
	return e, nil
}

func fromRateTripleDTO(dto RateTripleDTO) (ratetable.RateTriple, error) {
	var t ratetable.RateTriple
	var err error
	if t.Rate, err = decimal.NewFromString(dto.Rate); err != nil {
		return t, err
	}
	if t.Total, err = decimal.NewFromString(dto.Total); err != nil {
		return t, err
	}
	if t.Half, err = decimal.NewFromString(dto.Half); err != nil {
		return t, err
	}
	return t, nil
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

func actorFrom(id, role string) (benefit.Actor, error) {
	if id == "" {
		return benefit.Actor{}, errors.New("actor_id is required")
	}
	switch benefit.Role(role) {
	case benefit.RoleEmployee, benefit.RoleAdmin, benefit.RoleSystem:
		return benefit.Actor{ID: id, Role: benefit.Role(role)}, nil
	default:
		return benefit.Actor{}, errors.New("actor_role must be employee, admin or system")
	}
}

// parseOptionalTime accepts RFC3339 or a plain date.
func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse("2006-01-02", s)
		if err != nil {
			return nil, err
		}
	}
	return &t, nil
}

// writeDomainError maps domain errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var conflict *ratetable.ConflictDecisionRequired
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:    "Rate table window conflicts with an existing version",
			Details:  err.Error(),
			Conflict: toConflictDTO(conflict),
		})
		return
	}

	switch {
	case benefit.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case benefit.IsRetryable(err):
		writeError(w, http.StatusConflict, "State changed concurrently, re-read and retry", err)
	case benefit.IsClientError(err):
		writeError(w, http.StatusBadRequest, "Request rejected", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

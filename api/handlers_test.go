/*
handlers_test.go - HTTP tests for the API surface

Tests for:
- Application lifecycle endpoints and domain-error mapping
- Rate table publishing with window-conflict 409 payloads
- Demo scenario loading
*/
package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/store/sqlite"
)

func newTestRouter(t *testing.T) (*Handler, http.Handler) {
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	h := NewHandler(store, nil)
	return h, NewRouter(h)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func createDraftRequest() CreateApplicationRequest {
	return CreateApplicationRequest{
		ActorID:        "emp-1",
		ActorRole:      "employee",
		OrganizationID: "org-1",
		EmployeeID:     "emp-1",
		Category:       "internal",
		Type:           "address_change",
		TypeName:       "Address change",
		Data:           map[string]any{"new_address": "1-2-3 Chiyoda"},
	}
}

// =============================================================================
// APPLICATION LIFECYCLE
// =============================================================================

func TestCreateAndGetApplication(t *testing.T) {
	// GIVEN: A fresh server
	_, router := newTestRouter(t)

	// WHEN: Creating a draft
	rec := doJSON(t, router, http.MethodPost, "/api/applications", createDraftRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created ApplicationDTO
	decodeInto(t, rec, &created)
	if created.Status != "draft" || created.Version != 1 {
		t.Errorf("Expected draft v1, got %s v%d", created.Status, created.Version)
	}

	// THEN: It can be fetched by ID
	rec = doJSON(t, router, http.MethodGet, "/api/applications/"+created.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var fetched ApplicationDTO
	decodeInto(t, rec, &fetched)
	if fetched.ID != created.ID {
		t.Errorf("Expected %s, got %s", created.ID, fetched.ID)
	}
	if fetched.Data["new_address"] != "1-2-3 Chiyoda" {
		t.Errorf("Data did not round-trip: %v", fetched.Data)
	}
}

func TestGetApplication_NotFound(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/applications/app_missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestTransition_GuardViolation_Returns400(t *testing.T) {
	// GIVEN: A draft application
	_, router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/applications", createDraftRequest())
	var created ApplicationDTO
	decodeInto(t, rec, &created)

	// WHEN: Approving it straight from draft
	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/transitions",
		TransitionRequest{ActorID: "admin-1", ActorRole: "admin", Action: "approve"})

	// THEN: The guard violation maps to 400
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestTransition_InvalidActorRole_Returns400(t *testing.T) {
	_, router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/applications", createDraftRequest())
	var created ApplicationDTO
	decodeInto(t, rec, &created)

	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/transitions",
		TransitionRequest{ActorID: "emp-1", ActorRole: "superuser", Action: "submit"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestSubmitThenReturn_HasChangesEndpoint(t *testing.T) {
	// GIVEN: A submitted application that the reviewer returned
	_, router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/applications", createDraftRequest())
	var created ApplicationDTO
	decodeInto(t, rec, &created)

	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/transitions",
		TransitionRequest{ActorID: "emp-1", ActorRole: "employee", Action: "submit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Submit failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/transitions",
		TransitionRequest{ActorID: "admin-1", ActorRole: "admin", Action: "return", Reason: "Incomplete"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Return failed: %d %s", rec.Code, rec.Body.String())
	}

	// THEN: Untouched content reports no changes
	rec = doJSON(t, router, http.MethodGet, "/api/applications/"+created.ID+"/has-changes", nil)
	var hc HasChangesDTO
	decodeInto(t, rec, &hc)
	if hc.HasChanges {
		t.Error("Expected no changes right after return")
	}

	// WHEN: The owner edits the content
	rec = doJSON(t, router, http.MethodPut, "/api/applications/"+created.ID,
		UpdateApplicationRequest{
			ActorID:   "emp-1",
			ActorRole: "employee",
			Data:      map[string]any{"new_address": "9-9-9 Meguro"},
		})
	if rec.Code != http.StatusOK {
		t.Fatalf("Update failed: %d %s", rec.Code, rec.Body.String())
	}

	// THEN: The endpoint reports changes
	rec = doJSON(t, router, http.MethodGet, "/api/applications/"+created.ID+"/has-changes", nil)
	decodeInto(t, rec, &hc)
	if !hc.HasChanges {
		t.Error("Expected changes after the edit")
	}
}

func TestDeleteApplication_RequiresActor(t *testing.T) {
	_, router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/applications", createDraftRequest())
	var created ApplicationDTO
	decodeInto(t, rec, &created)

	rec = doJSON(t, router, http.MethodDelete, "/api/applications/"+created.ID, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without actor params, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodDelete,
		"/api/applications/"+created.ID+"?actor_id=emp-1&actor_role=employee", nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReflectApplication_AdminOnly(t *testing.T) {
	// GIVEN: An approved application
	_, router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/applications", createDraftRequest())
	var created ApplicationDTO
	decodeInto(t, rec, &created)

	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/transitions",
		TransitionRequest{ActorID: "emp-1", ActorRole: "employee", Action: "submit"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Submit failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/transitions",
		TransitionRequest{ActorID: "admin-1", ActorRole: "admin", Action: "approve"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Approve failed: %d %s", rec.Code, rec.Body.String())
	}

	// WHEN: The owning employee tries to re-run reflection
	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/reflect",
		ActorRequest{ActorID: "emp-1", ActorRole: "employee"})

	// THEN: The endpoint refuses; profile writes are an admin action
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for employee, got %d: %s", rec.Code, rec.Body.String())
	}

	// An admin can re-run it
	rec = doJSON(t, router, http.MethodPost, "/api/applications/"+created.ID+"/reflect",
		ActorRequest{ActorID: "admin-1", ActorRole: "admin"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for admin, got %d: %s", rec.Code, rec.Body.String())
	}
	var summary ReflectionSummaryDTO
	decodeInto(t, rec, &summary)
	if summary.ApplicationID != created.ID {
		t.Errorf("Expected summary for %s, got %s", created.ID, summary.ApplicationID)
	}
}

func TestListOverdueApplications(t *testing.T) {
	// GIVEN: One application past its deadline, one without a deadline
	h, router := newTestRouter(t)

	overdue := createDraftRequest()
	overdue.Deadline = time.Now().AddDate(0, 0, -3).Format("2006-01-02")
	rec := doJSON(t, router, http.MethodPost, "/api/applications", overdue)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Create failed: %d", rec.Code)
	}
	doJSON(t, router, http.MethodPost, "/api/applications", createDraftRequest())

	// WHEN: Listing overdue applications
	rec = doJSON(t, router, http.MethodGet, "/api/applications/overdue", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var apps []ApplicationDTO
	decodeInto(t, rec, &apps)

	// THEN: Only the expired one shows up
	if len(apps) != 1 {
		t.Fatalf("Expected 1 overdue application, got %d", len(apps))
	}

	// And the monitor sweep counts it too.
	monitor := NewDeadlineMonitor(h.Store, nil)
	monitor.RunNow()
	if _, count := monitor.LastSweep(); count != 1 {
		t.Errorf("Expected sweep to find 1 overdue application, got %d", count)
	}
}

// =============================================================================
// RATE TABLES
// =============================================================================

func publishRequest(from, to string, resolution *ResolutionDTO) PublishRateTableRequest {
	return PublishRateTableRequest{
		OrganizationID: "org-1",
		Window:         WindowDTO{From: from, To: to},
		Entries: []RateEntryDTO{{
			Grade:          1,
			StandardReward: "58000",
			MinAmount:      "0",
			MaxAmount:      "63000",
			Health:         RateTripleDTO{Rate: "9.98", Total: "5788.4", Half: "2894.2"},
			HealthWithCare: RateTripleDTO{Rate: "11.58", Total: "6716.4", Half: "3358.2"},
			Pension:        RateTripleDTO{Rate: "18.3", Total: "10614", Half: "5307"},
		}},
		Resolution: resolution,
	}
}

func TestPublishRateTable_ThenConflict409(t *testing.T) {
	// GIVEN: A published version
	_, router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/rate-tables", publishRequest("2024-01", "2024-06", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// WHEN: Publishing an overlapping window without a resolution
	rec = doJSON(t, router, http.MethodPost, "/api/rate-tables", publishRequest("2024-04", "", nil))

	// THEN: 409 with the conflict case and the valid decisions
	if rec.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ErrorResponse
	decodeInto(t, rec, &resp)
	if resp.Conflict == nil {
		t.Fatal("Expected a conflict payload")
	}
	if resp.Conflict.Case != 1 {
		t.Errorf("Expected case 1, got %d", resp.Conflict.Case)
	}
	if resp.Conflict.Existing.From != "2024-01" || resp.Conflict.New.From != "2024-04" {
		t.Errorf("Unexpected conflict windows: %+v", resp.Conflict)
	}

	hasTruncate := false
	for _, opt := range resp.Conflict.Options {
		if opt == "truncate_existing" {
			hasTruncate = true
		}
	}
	if !hasTruncate {
		t.Errorf("Expected truncate_existing option, got %v", resp.Conflict.Options)
	}

	// WHEN: Retrying with the decision
	rec = doJSON(t, router, http.MethodPost, "/api/rate-tables",
		publishRequest("2024-04", "", &ResolutionDTO{Choice: "truncate_existing"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201 after resolution, got %d: %s", rec.Code, rec.Body.String())
	}

	// THEN: Both windows exist, the first truncated
	rec = doJSON(t, router, http.MethodGet, "/api/rate-tables/windows?organization_id=org-1", nil)
	var windows []WindowDTO
	decodeInto(t, rec, &windows)
	if len(windows) != 2 {
		t.Fatalf("Expected 2 windows, got %d", len(windows))
	}
	if windows[0].To != "2024-03" {
		t.Errorf("Expected first window truncated to 2024-03, got %q", windows[0].To)
	}
}

func TestGetActiveRateTable_ByMonth(t *testing.T) {
	_, router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodPost, "/api/rate-tables", publishRequest("2024-01", "2024-06", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Publish failed: %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/rate-tables/active?organization_id=org-1&month=2024-03", nil)
	var entries []RateEntryDTO
	decodeInto(t, rec, &entries)
	if len(entries) != 1 || entries[0].Grade != 1 {
		t.Errorf("Expected the grade-1 entry, got %+v", entries)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/rate-tables/active?organization_id=org-1&month=2024-07", nil)
	decodeInto(t, rec, &entries)
	if len(entries) != 0 {
		t.Errorf("Expected no entries outside the window, got %d", len(entries))
	}
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestLoadScenario_ReviewCycle(t *testing.T) {
	// GIVEN: A fresh server
	h, router := newTestRouter(t)

	// WHEN: Loading the review-cycle scenario
	rec := doJSON(t, router, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "review-cycle"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// THEN: The demo organization has its employees and applications
	ctx := context.Background()
	employees, err := h.Store.ListEmployees(ctx, demoOrg)
	if err != nil {
		t.Fatalf("Failed to list employees: %v", err)
	}
	if len(employees) != 3 {
		t.Errorf("Expected 3 employees, got %d", len(employees))
	}

	apps, err := h.Store.ListByOrganization(ctx, demoOrg, "")
	if err != nil {
		t.Fatalf("Failed to list applications: %v", err)
	}
	if len(apps) != 3 {
		t.Fatalf("Expected 3 applications, got %d", len(apps))
	}

	statuses := map[benefit.Status]int{}
	for _, app := range apps {
		statuses[app.Status]++
	}
	for _, want := range []benefit.Status{benefit.StatusPending, benefit.StatusReturned, benefit.StatusRejected} {
		if statuses[want] != 1 {
			t.Errorf("Expected one %s application, got %d (all: %v)", want, statuses[want], statuses)
		}
	}

	// And the current-scenario endpoint reports it.
	rec = doJSON(t, router, http.MethodGet, "/api/scenarios/current", nil)
	var current ScenarioDTO
	decodeInto(t, rec, &current)
	if current.ID != "review-cycle" {
		t.Errorf("Expected review-cycle, got %q", current.ID)
	}
}

func TestLoadScenario_RewardReflection_WritesProfiles(t *testing.T) {
	h, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "reward-reflection"})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Approval reflected grades onto both profiles.
	for i, id := range []benefit.EmployeeID{"emp-001", "emp-002"} {
		p, err := h.Store.GetEmployee(context.Background(), id)
		if err != nil {
			t.Fatalf("Failed to load employee %s: %v", id, err)
		}
		if p.AverageReward == nil || p.Grade == nil || p.StandardReward == nil {
			t.Errorf("Employee %d: expected reflected reward fields, got %+v", i, p)
			continue
		}
		if len(p.ChangeHistory) != 1 {
			t.Errorf("Employee %d: expected one change record, got %d", i, len(p.ChangeHistory))
		}
	}
}

func TestLoadScenario_Unknown(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/scenarios/load",
		map[string]string{"scenario_id": "time-travel"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestListScenarios(t *testing.T) {
	_, router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/scenarios", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var list []ScenarioDTO
	decodeInto(t, rec, &list)
	if len(list) != len(scenarios) {
		t.Errorf("Expected %d scenarios, got %d", len(scenarios), len(list))
	}
}

/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates employees, rate
	tables, and applications that demonstrate specific features.

AVAILABLE SCENARIOS:

	new-hire:          Employee with a draft address-change application
	review-cycle:      Pending, returned-and-edited, rejected applications
	reward-reflection: Approved reward application reflected onto profiles
	external-office:   External application through sent/received statuses

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Publish rate tables
 3. Create employee profiles
 4. Create applications and drive them through the state machine

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "review-cycle"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, h)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Shared JSON/error helpers
  - benefit/statemachine.go: The transitions the loaders drive
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/ratetable"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

var scenarios = []ScenarioDTO{
	{
		ID:          "new-hire",
		Name:        "New Hire",
		Description: "Employee profile with a draft address-change application",
		Category:    "applications",
	},
	{
		ID:          "review-cycle",
		Name:        "Review Cycle",
		Description: "Pending, returned-and-edited, and rejected applications",
		Category:    "applications",
	},
	{
		ID:          "reward-reflection",
		Name:        "Reward Reflection",
		Description: "Approved reward application reflected onto employee profiles",
		Category:    "reflection",
	},
	{
		ID:          "external-office",
		Name:        "External Office",
		Description: "External application tracked through sent/received office statuses",
		Category:    "applications",
	},
}

const demoOrg = benefit.OrganizationID("org-demo")

var (
	demoAdmin = benefit.Actor{ID: "admin-demo", Role: benefit.RoleAdmin}
)

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	if h.currentScenario == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}

	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}

	writeJSON(w, http.StatusOK, ScenarioDTO{
		ID:          h.currentScenario,
		Name:        h.currentScenario,
		Description: "Currently loaded scenario",
	})
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "new-hire":
		err = h.loadNewHireScenario(ctx)
	case "review-cycle":
		err = h.loadReviewCycleScenario(ctx)
	case "reward-reflection":
		err = h.loadRewardReflectionScenario(ctx)
	case "external-office":
		err = h.loadExternalOfficeScenario(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadNewHireScenario(ctx context.Context) error {
	if err := h.publishDemoRates(ctx); err != nil {
		return err
	}

	if err := h.saveDemoEmployee(ctx, "emp-001", "Alice Johnson", "INS-1001"); err != nil {
		return err
	}

	deadline := time.Now().AddDate(0, 0, 14)
	_, err := h.Applications.CreateDraft(ctx, &benefit.Application{
		OrganizationID: demoOrg,
		EmployeeID:     "emp-001",
		Category:       benefit.CategoryInternal,
		Type:           benefit.TypeAddressChange,
		TypeName:       "Address change",
		Data: map[string]any{
			"insurance_number": "INS-1001",
			"new_address":      "7-8-9 Shibuya, Tokyo",
		},
		Deadline: &deadline,
	})
	return err
}

func (h *Handler) loadReviewCycleScenario(ctx context.Context) error {
	if err := h.publishDemoRates(ctx); err != nil {
		return err
	}

	employees := []struct{ id, name, insurance string }{
		{"emp-001", "Alice Johnson", "INS-1001"},
		{"emp-002", "Bob Chen", "INS-1002"},
		{"emp-003", "Carol Diaz", "INS-1003"},
	}
	for _, e := range employees {
		if err := h.saveDemoEmployee(ctx, benefit.EmployeeID(e.id), e.name, e.insurance); err != nil {
			return err
		}
	}

	// Pending: submitted, waiting for review.
	if _, err := h.submitDemoApplication(ctx, "emp-001", benefit.TypeNameChange, "Name change",
		map[string]any{"insurance_number": "INS-1001", "new_name": "Alice Johnson-Lee"}); err != nil {
		return err
	}

	// Returned and then edited, so it is ready to resubmit.
	returned, err := h.submitDemoApplication(ctx, "emp-002", benefit.TypeDependentChange, "Dependent change",
		map[string]any{"insurance_number": "INS-1002", "dependents": []any{"Mia Chen"}})
	if err != nil {
		return err
	}
	if _, err := h.Applications.Transition(ctx, returned.ID, benefit.ActionReturn, demoAdmin,
		"Please attach the certificate of residence"); err != nil {
		return err
	}
	actor := benefit.Actor{ID: "emp-002", Role: benefit.RoleEmployee}
	if _, err := h.Applications.UpdateContent(ctx, returned.ID, actor,
		map[string]any{"insurance_number": "INS-1002", "dependents": []any{"Mia Chen", "Leo Chen"}},
		nil, nil); err != nil {
		return err
	}

	// Rejected: terminal with a rejection-reason comment.
	rejected, err := h.submitDemoApplication(ctx, "emp-003", benefit.TypeAddressChange, "Address change",
		map[string]any{"insurance_number": "INS-1003", "new_address": "PO Box 42"})
	if err != nil {
		return err
	}
	_, err = h.Applications.Transition(ctx, rejected.ID, benefit.ActionReject, demoAdmin,
		"A PO box is not a residential address")
	return err
}

func (h *Handler) loadRewardReflectionScenario(ctx context.Context) error {
	if err := h.publishDemoRates(ctx); err != nil {
		return err
	}

	if err := h.saveDemoEmployee(ctx, "emp-001", "Alice Johnson", "INS-1001"); err != nil {
		return err
	}
	if err := h.saveDemoEmployee(ctx, "emp-002", "Bob Chen", "INS-1002"); err != nil {
		return err
	}

	app, err := h.submitDemoApplication(ctx, "emp-001", benefit.TypeRewardChange, "Monthly reward change",
		map[string]any{
			"insured_persons": []any{
				map[string]any{"insurance_number": "INS-1001", "average_reward": 128000},
				map[string]any{"insurance_number": "INS-1002", "average_reward": 215000},
			},
		})
	if err != nil {
		return err
	}

	// Approval triggers reflection: averages, grades and standard
	// rewards land on both profiles.
	_, err = h.Applications.Transition(ctx, app.ID, benefit.ActionApprove, demoAdmin, "")
	return err
}

func (h *Handler) loadExternalOfficeScenario(ctx context.Context) error {
	if err := h.publishDemoRates(ctx); err != nil {
		return err
	}

	if err := h.saveDemoEmployee(ctx, "emp-001", "Alice Johnson", "INS-1001"); err != nil {
		return err
	}

	app, err := h.Applications.CreateDraft(ctx, &benefit.Application{
		OrganizationID: demoOrg,
		EmployeeID:     "emp-001",
		Category:       benefit.CategoryExternal,
		Type:           benefit.TypeRewardBase,
		TypeName:       "Standard reward base report",
		Data: map[string]any{
			"insured_persons": []any{
				map[string]any{"insurance_number": "INS-1001", "average_reward": 128000},
			},
		},
	})
	if err != nil {
		return err
	}

	// External applications are dispatched to the office by an admin;
	// the office response then arrives.
	if _, err := h.Applications.ApplyExternalStatus(ctx, app.ID, benefit.ExternalSent, demoAdmin); err != nil {
		return err
	}
	_, err = h.Applications.ApplyExternalStatus(ctx, app.ID, benefit.ExternalReceived, demoAdmin)
	return err
}

// =============================================================================
// SHARED FIXTURES
// =============================================================================

func (h *Handler) saveDemoEmployee(ctx context.Context, id benefit.EmployeeID, name, insurance string) error {
	return h.Store.Save(ctx, &benefit.EmployeeProfile{
		ID:             id,
		OrganizationID: demoOrg,
		Name:           name,
		Address:        "1-2-3 Chiyoda, Tokyo",
		Identification: benefit.EmployeeIdentification{InsuranceNumber: insurance},
	})
}

func (h *Handler) submitDemoApplication(ctx context.Context, employeeID benefit.EmployeeID, typ benefit.ApplicationType, typeName string, data map[string]any) (*benefit.Application, error) {
	app, err := h.Applications.CreateDraft(ctx, &benefit.Application{
		OrganizationID: demoOrg,
		EmployeeID:     employeeID,
		Category:       benefit.CategoryInternal,
		Type:           typ,
		TypeName:       typeName,
		Data:           data,
	})
	if err != nil {
		return nil, err
	}
	actor := benefit.Actor{ID: string(employeeID), Role: benefit.RoleEmployee}
	return h.Applications.Transition(ctx, app.ID, benefit.ActionSubmit, actor, "")
}

// publishDemoRates publishes an open-ended rate table for the demo
// organization, in the shape of the lower bands of the standard monthly
// reward grade table.
func (h *Handler) publishDemoRates(ctx context.Context) error {
	window := ratetable.Window{From: ratetable.MonthOf(time.Now().AddDate(0, -6, 0))}

	bands := []struct {
		grade    int
		pension  bool
		standard int64
		min, max int64
	}{
		{1, false, 58000, 0, 63000},
		{2, false, 68000, 63000, 73000},
		{3, false, 78000, 73000, 83000},
		{4, true, 88000, 83000, 93000},
		{5, true, 98000, 93000, 101000},
		{6, true, 104000, 101000, 107000},
		{7, true, 110000, 107000, 114000},
		{8, true, 118000, 114000, 122000},
		{9, true, 126000, 122000, 130000},
		{10, true, 134000, 130000, 138000},
		{11, true, 142000, 138000, 146000},
		{12, true, 150000, 146000, 155000},
		{13, true, 160000, 155000, 165000},
		{14, true, 170000, 165000, 175000},
		{15, true, 180000, 175000, 185000},
		{16, true, 190000, 185000, 195000},
		{17, true, 200000, 195000, 210000},
		{18, true, 220000, 210000, 230000},
		{19, true, 240000, 230000, 0},
	}

	healthRate := decimal.RequireFromString("9.98")
	careRate := decimal.RequireFromString("11.58")
	pensionRate := decimal.RequireFromString("18.3")

	entries := make([]ratetable.Entry, 0, len(bands))
	pensionGrade := 0
	for _, b := range bands {
		e := ratetable.Entry{
			Grade:          b.grade,
			StandardReward: decimal.NewFromInt(b.standard),
			MinAmount:      decimal.NewFromInt(b.min),
			MaxAmount:      decimal.NewFromInt(b.max),
			Health:         demoTriple(b.standard, healthRate),
			HealthWithCare: demoTriple(b.standard, careRate),
			EffectiveFrom:  window.From,
		}
		if b.pension {
			pensionGrade++
			pg := pensionGrade
			e.PensionGrade = &pg
			e.Pension = demoTriple(b.standard, pensionRate)
		}
		entries = append(entries, e)
	}

	return h.Publisher.Publish(ctx, demoOrg, entries, window, nil)
}

func demoTriple(standard int64, rate decimal.Decimal) ratetable.RateTriple {
	total := decimal.NewFromInt(standard).Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
	return ratetable.RateTriple{
		Rate:  rate,
		Total: total,
		Half:  total.Div(decimal.NewFromInt(2)).Round(2),
	}
}

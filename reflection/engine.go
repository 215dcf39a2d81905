/*
Package reflection writes approved-application data onto employee
insurance profiles.

PURPOSE:
  When an eligible external application is approved, its payload is
  reflected onto the authoritative employee record: a field-level diff
  is computed, the changed fields are written, and one change-history
  entry is appended — all in a single atomic store write per employee.

ELIGIBILITY:
  Only a fixed allow-list of application types reflects:
  dependent-change, address-change, name-change, reward-base,
  reward-change. Everything else approves without touching employees.

FAILURE SEMANTICS:
  A reward application can list multiple insured persons. An unmatched
  person or a missing rate entry is logged at warning level (naming the
  application and identifier) and SKIPPED; processing continues for the
  remaining persons. No skip is silent, none is fatal.

IDEMPOTENCY:
  Reflection is idempotent per application: an employee whose change
  history already carries the application ID is skipped with a no-op
  outcome, so the manual retry endpoint can re-run a partially failed
  reflection safely.

SEE ALSO:
  - benefit/statemachine.go: Invokes AfterApprove on approval
  - ratetable: Grade resolution for reward applications
*/
package reflection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/warp/benefits-engine/benefit"
	"github.com/warp/benefits-engine/ratetable"
)

// EligibleTypes is the allow-list of application types that reflect
// onto employee profiles.
var EligibleTypes = map[benefit.ApplicationType]bool{
	benefit.TypeDependentChange: true,
	benefit.TypeAddressChange:   true,
	benefit.TypeNameChange:      true,
	benefit.TypeRewardBase:      true,
	benefit.TypeRewardChange:    true,
}

// rewardTypes are the types that resolve grades through the rate table.
var rewardTypes = map[benefit.ApplicationType]bool{
	benefit.TypeRewardBase:   true,
	benefit.TypeRewardChange: true,
}

// =============================================================================
// SUMMARY - What a reflection run did
// =============================================================================

type Outcome string

const (
	OutcomeReflected        Outcome = "reflected"
	OutcomeNoChanges        Outcome = "no_changes"
	OutcomeAlreadyReflected Outcome = "already_reflected"
)

// PersonResult is the outcome for one insured person entry.
type PersonResult struct {
	EmployeeID benefit.EmployeeID
	Outcome    Outcome
	Changes    int
}

// Skip records a person entry that could not be processed.
type Skip struct {
	Identifier string
	Reason     string
}

// Summary reports what a reflection run did.
type Summary struct {
	ApplicationID benefit.ApplicationID
	Eligible      bool
	Persons       []PersonResult
	Skipped       []Skip
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine reflects approved applications onto employee profiles.
type Engine struct {
	Employees benefit.EmployeeStore
	Rates     ratetable.Store
	Logger    *slog.Logger

	// Now is swappable for tests. Defaults to time.Now.
	Now func() time.Time
}

func NewEngine(employees benefit.EmployeeStore, rates ratetable.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Employees: employees, Rates: rates, Logger: logger, Now: time.Now}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AfterApprove satisfies benefit.Reflector.
func (e *Engine) AfterApprove(ctx context.Context, app *benefit.Application, approver benefit.Actor) error {
	_, err := e.Reflect(ctx, app, approver)
	return err
}

// Reflect processes every insured person listed by the application.
// Returns the summary together with the first persistence error, if
// any; lookup misses never surface as errors.
func (e *Engine) Reflect(ctx context.Context, app *benefit.Application, approver benefit.Actor) (*Summary, error) {
	summary := &Summary{ApplicationID: app.ID}

	if app.Status != benefit.StatusApproved {
		return nil, fmt.Errorf("cannot reflect application %s in status %s", app.ID, app.Status)
	}
	if !EligibleTypes[app.Type] {
		return summary, nil
	}
	summary.Eligible = true

	// Reward target date: the approve history timestamp, falling back
	// to now.
	targetDate := e.now()
	if entry := app.ApproveEntry(); entry != nil {
		targetDate = entry.CreatedAt
	}

	for _, person := range insuredPersons(app.Data) {
		ident := identificationOf(person)
		profile, err := e.Employees.FindByIdentification(ctx, app.OrganizationID, ident)
		if err != nil {
			if benefit.IsNotFound(err) {
				e.skip(summary, app, identLabel(ident), "no matching employee")
				continue
			}
			return summary, err
		}

		if profile.HasReflection(app.ID) {
			summary.Persons = append(summary.Persons, PersonResult{
				EmployeeID: profile.ID,
				Outcome:    OutcomeAlreadyReflected,
			})
			continue
		}

		changes := e.diffFor(ctx, app, person, profile, targetDate, summary)
		if len(changes) == 0 {
			summary.Persons = append(summary.Persons, PersonResult{
				EmployeeID: profile.ID,
				Outcome:    OutcomeNoChanges,
			})
			continue
		}

		write := benefit.ReflectionWrite{
			EmployeeID:      profile.ID,
			ExpectedVersion: profile.Version,
			Profile:         profile,
			Change: benefit.ProfileChange{
				ApplicationID:   app.ID,
				ApplicationName: applicationName(app),
				ChangedAt:       e.now(),
				ChangedBy:       approver.ID,
				Changes:         changes,
			},
		}
		if err := e.Employees.CommitReflection(ctx, write); err != nil {
			return summary, err
		}

		summary.Persons = append(summary.Persons, PersonResult{
			EmployeeID: profile.ID,
			Outcome:    OutcomeReflected,
			Changes:    len(changes),
		})
	}

	return summary, nil
}

// diffFor mutates the profile with the application's values and
// returns the field-level diff of what actually changed.
func (e *Engine) diffFor(ctx context.Context, app *benefit.Application, person map[string]any, profile *benefit.EmployeeProfile, targetDate time.Time, summary *Summary) []benefit.FieldChange {
	var changes []benefit.FieldChange

	switch app.Type {
	case benefit.TypeNameChange:
		if v, ok := stringField(person, "new_name", "name"); ok && v != profile.Name {
			changes = append(changes, benefit.FieldChange{Field: "name", Before: profile.Name, After: v})
			profile.Name = v
		}

	case benefit.TypeAddressChange:
		if v, ok := stringField(person, "new_address", "address"); ok && v != profile.Address {
			changes = append(changes, benefit.FieldChange{Field: "address", Before: profile.Address, After: v})
			profile.Address = v
		}

	case benefit.TypeDependentChange:
		if deps, ok := stringsField(person, "dependents"); ok {
			before := strings.Join(profile.Dependents, ", ")
			after := strings.Join(deps, ", ")
			if before != after {
				changes = append(changes, benefit.FieldChange{Field: "dependents", Before: before, After: after})
				profile.Dependents = deps
			}
		}

	case benefit.TypeRewardBase, benefit.TypeRewardChange:
		changes = e.rewardDiff(ctx, app, person, profile, targetDate, summary)
	}

	return changes
}

// rewardDiff updates averageReward and, unless the employee is
// multi-employer, the grade/pensionGrade/standardReward resolved from
// the rate table active at the target date.
func (e *Engine) rewardDiff(ctx context.Context, app *benefit.Application, person map[string]any, profile *benefit.EmployeeProfile, targetDate time.Time, summary *Summary) []benefit.FieldChange {
	var changes []benefit.FieldChange

	average, ok := decimalField(person, "average_reward")
	if !ok {
		e.skip(summary, app, identLabel(profile.Identification), "no average reward in payload")
		return nil
	}

	if profile.AverageReward == nil || !profile.AverageReward.Equal(average) {
		changes = append(changes, benefit.FieldChange{
			Field:  "averageReward",
			Before: decimalString(profile.AverageReward),
			After:  average.String(),
		})
		profile.AverageReward = &average
	}

	// Multi-employer: grade and standard reward require manual entry,
	// never automatic reflection. Only the average is written.
	if profile.MultiEmployer() {
		e.Logger.Warn("multi-employer employee, skipping grade reflection",
			"application_id", app.ID, "employee_id", profile.ID)
		return changes
	}

	month := ratetable.MonthOf(targetDate)
	entries, err := e.Rates.ActiveEntries(ctx, app.OrganizationID, month)
	if err != nil || len(entries) == 0 {
		e.skip(summary, app, identLabel(profile.Identification),
			fmt.Sprintf("no active rate entries for %s", month))
		return changes
	}

	matched := ratetable.Resolve(average, entries)
	if matched == nil {
		e.skip(summary, app, identLabel(profile.Identification),
			fmt.Sprintf("no grade admits average %s", average))
		return changes
	}

	if profile.Grade == nil || *profile.Grade != matched.Grade {
		changes = append(changes, benefit.FieldChange{
			Field:  "grade",
			Before: intString(profile.Grade),
			After:  fmt.Sprintf("%d", matched.Grade),
		})
		g := matched.Grade
		profile.Grade = &g
	}

	pension := ratetable.ResolvePensionGrade(average, entries)
	if !sameIntPtr(profile.PensionGrade, pension) {
		changes = append(changes, benefit.FieldChange{
			Field:  "pensionGrade",
			Before: intString(profile.PensionGrade),
			After:  intString(pension),
		})
		profile.PensionGrade = pension
	}

	if profile.StandardReward == nil || !profile.StandardReward.Equal(matched.StandardReward) {
		changes = append(changes, benefit.FieldChange{
			Field:  "standardReward",
			Before: decimalString(profile.StandardReward),
			After:  matched.StandardReward.String(),
		})
		sr := matched.StandardReward
		profile.StandardReward = &sr
	}

	if profile.GradeEffectiveDate == nil || !profile.GradeEffectiveDate.Equal(targetDate) {
		changes = append(changes, benefit.FieldChange{
			Field:  "gradeAndStandardRewardEffectiveDate",
			Before: timeString(profile.GradeEffectiveDate),
			After:  targetDate.Format("2006-01-02"),
		})
		d := targetDate
		profile.GradeEffectiveDate = &d
	}

	return changes
}

func (e *Engine) skip(summary *Summary, app *benefit.Application, identifier, reason string) {
	summary.Skipped = append(summary.Skipped, Skip{Identifier: identifier, Reason: reason})
	e.Logger.Warn("reflection skipped person entry",
		"application_id", app.ID,
		"identifier", identifier,
		"reason", reason,
	)
}

func applicationName(app *benefit.Application) string {
	if app.TypeName != "" {
		return app.TypeName
	}
	return string(app.Type)
}

/*
Package ratetable resolves monetary averages to insurance grades.

PURPOSE:
  A rate table maps reward-amount ranges to health/pension insurance
  grades with their contribution rates. Tables are time-versioned: all
  grade rows of one version share a single effective window, and
  windows within an organization must never overlap — an overlap would
  make grade lookup for a month ambiguous.

KEY CONCEPTS:
  - Entry: One grade row (amount range, rates, effective window)
  - Window: The shared [from, to] month range of a table version
  - Resolver: Pure amount → grade/pension-grade/standard-reward lookup
  - Publisher: Publishes a version, surfacing window conflicts as
    explicit decisions instead of silently merging

DESIGN PRINCIPLES:
  1. Month granularity: A table is active for whole calendar months
  2. Precision: decimal.Decimal for every monetary value
  3. No silent resolution: Every overlap case requires a caller decision

SEE ALSO:
  - resolver.go: Grade lookup
  - publish.go: Conflict-resolution protocol
*/
package ratetable

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// ENTRY - One grade row of a rate-table version
// =============================================================================

// RateTriple is a contribution rate with its computed total and the
// half borne by each side.
type RateTriple struct {
	Rate  decimal.Decimal
	Total decimal.Decimal
	Half  decimal.Decimal
}

// Entry is a single grade row. MaxAmount of zero means the range is
// open-ended upward. PensionGrade is nil for health grades without a
// pension counterpart (typically the low/high extremes).
type Entry struct {
	ID string

	// Empty means shared across all organizations.
	OrganizationID benefit.OrganizationID

	Grade          int
	PensionGrade   *int
	StandardReward decimal.Decimal

	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal

	Health         RateTriple
	HealthWithCare RateTriple
	Pension        RateTriple

	EffectiveFrom Month
	EffectiveTo   Month
}

// NewEntryID generates a prefixed unique entry ID.
func NewEntryID() string { return "rt_" + uuid.New().String() }

// Window returns the entry's effective window.
func (e Entry) Window() Window {
	return Window{From: e.EffectiveFrom, To: e.EffectiveTo}
}

// OpenMax reports whether the entry has no upper amount bound.
func (e Entry) OpenMax() bool { return e.MaxAmount.IsZero() }

// ActiveFor reports whether the entry is valid for the target month:
// floor(effectiveFrom) <= floor(d) and (effectiveTo unset or
// floor(d) <= floor(effectiveTo)).
func (e Entry) ActiveFor(m Month) bool { return e.Window().Covers(m) }

// Validate checks a single entry is well-formed.
func (e Entry) Validate() error {
	if e.Grade <= 0 {
		return fmt.Errorf("entry requires a positive grade, got %d", e.Grade)
	}
	if e.MinAmount.IsNegative() {
		return fmt.Errorf("grade %d: negative min amount", e.Grade)
	}
	if !e.OpenMax() && e.MaxAmount.LessThan(e.MinAmount) {
		return fmt.Errorf("grade %d: max amount %s below min amount %s", e.Grade, e.MaxAmount, e.MinAmount)
	}
	return e.Window().Validate()
}

// =============================================================================
// STORE - Persistence for rate-table versions
// =============================================================================

// Store persists time-versioned rate entries. The conflict protocol in
// publish.go is the only writer; the store itself does not enforce
// window uniqueness.
type Store interface {
	// ActiveEntries returns the entries valid for an organization at
	// the given month, sorted ascending by grade. Organization-specific
	// entries win over shared ones.
	ActiveEntries(ctx context.Context, orgID benefit.OrganizationID, at Month) ([]Entry, error)

	// ListWindows returns the distinct effective windows of the
	// organization's own versions, ascending by From.
	ListWindows(ctx context.Context, orgID benefit.OrganizationID) ([]Window, error)

	// InsertVersion inserts all grade rows of one version, stamped with
	// the window.
	InsertVersion(ctx context.Context, orgID benefit.OrganizationID, entries []Entry, window Window) error

	// SetWindow rewrites the effective window of the version currently
	// starting at from.
	SetWindow(ctx context.Context, orgID benefit.OrganizationID, from Month, updated Window) error

	// DeleteVersionsFrom removes every version whose window starts on
	// or after from.
	DeleteVersionsFrom(ctx context.Context, orgID benefit.OrganizationID, from Month) error

	// DeleteVersionAt removes only the version whose window starts
	// exactly at from, leaving later versions intact.
	DeleteVersionAt(ctx context.Context, orgID benefit.OrganizationID, from Month) error
}

/*
publish.go - Temporal conflict-resolution protocol for table versions

PURPOSE:
  All grade rows of one version share a single effective window, and
  windows within an organization must never overlap. Publishing a new
  version therefore checks the candidate window against every
  published window (newest first) and, on any overlap, stops with a
  ConflictDecisionRequired error carrying the specific case. Nothing
  mutates until the caller supplies an explicit decision; declining
  always aborts. A decision resolves one collision at a time: after it
  is applied the candidate is re-checked against the remaining
  windows, and any further overlap surfaces as a fresh conflict.

CASES (existing = the conflicting published window, new = candidate):
  1. new.from inside existing (or existing open), new.from later:
     decision: truncate existing.to to the month before new.from
  2. new starts earlier, finite new.to reaches into existing:
     decisions: truncate new.to, or advance existing.from past new.to
  3. new starts earlier and is open-ended (fully subsumes existing):
     decisions: set a finite new.to, or delete every version starting
     on/after new.from and proceed
  4. same start month:
     decision: overwrite (delete the version sharing that start)
  5. no overlap: publish directly

SEE ALSO:
  - resolver.go: Why overlapping windows would be ambiguous
*/
package ratetable

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/warp/benefits-engine/benefit"
)

// =============================================================================
// CONFLICT CASES AND DECISIONS
// =============================================================================

type ConflictCase int

const (
	// ConflictNewStartsInside: candidate starts inside the existing
	// window (case 1).
	ConflictNewStartsInside ConflictCase = iota + 1
	// ConflictNewReachesInto: candidate starts earlier and its finite
	// end reaches into the existing window (case 2).
	ConflictNewReachesInto
	// ConflictNewSubsumes: candidate starts earlier and is open-ended
	// (case 3).
	ConflictNewSubsumes
	// ConflictSameStart: candidate shares the existing start month
	// (case 4).
	ConflictSameStart
)

// Decision is an explicit caller choice resolving a conflict case.
type Decision string

const (
	DecisionTruncateExisting Decision = "truncate_existing" // case 1
	DecisionTruncateNew      Decision = "truncate_new"      // case 2
	DecisionAdvanceExisting  Decision = "advance_existing"  // case 2
	DecisionSetNewEnd        Decision = "set_new_end"       // case 3, requires NewTo
	DecisionDeleteSubsumed   Decision = "delete_subsumed"   // case 3
	DecisionOverwrite        Decision = "overwrite"         // case 4
	DecisionAbort            Decision = "abort"             // any case
)

// Resolution carries the caller's decision. NewTo accompanies
// DecisionSetNewEnd.
type Resolution struct {
	Choice Decision
	NewTo  Month
}

// ConflictDecisionRequired is returned when the candidate window
// overlaps a published one and no (or no applicable) decision was
// supplied. The publish is aborted before the insert.
type ConflictDecisionRequired struct {
	Case     ConflictCase
	Existing Window
	New      Window
	Options  []Decision
}

func (e *ConflictDecisionRequired) Error() string {
	return fmt.Sprintf("rate table window %s conflicts with existing %s (case %d); decision required",
		e.New, e.Existing, e.Case)
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Publisher publishes rate-table versions with conflict checking.
type Publisher struct {
	Store  Store
	Logger *slog.Logger
}

func NewPublisher(store Store, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{Store: store, Logger: logger}
}

// Publish validates the version and window, detects conflicts against
// every published window of the organization, applies the supplied
// resolution (if any and applicable), and inserts the new version.
// With a nil resolution any conflict aborts with
// ConflictDecisionRequired. DecisionAbort always aborts silently from
// the store's perspective: no mutation is issued.
func (p *Publisher) Publish(ctx context.Context, orgID benefit.OrganizationID, entries []Entry, window Window, res *Resolution) error {
	if err := window.Validate(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("version requires at least one grade row")
	}
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if seen[e.Grade] {
			return fmt.Errorf("duplicate grade %d in version", e.Grade)
		}
		seen[e.Grade] = true
	}

	windows, err := p.Store.ListWindows(ctx, orgID)
	if err != nil {
		return err
	}

	conflict := firstConflict(windows, window)
	if conflict == nil {
		return p.insert(ctx, orgID, entries, window)
	}

	if res == nil || res.Choice == DecisionAbort {
		return conflict
	}
	return p.applyResolution(ctx, orgID, entries, window, conflict, *res)
}

// firstConflict checks the candidate against every published window,
// newest start first, and returns the first collision. A backdated
// candidate can slip past the latest window yet still land on an
// older, truncated one; every window must be inspected.
func firstConflict(windows []Window, candidate Window) *ConflictDecisionRequired {
	sorted := make([]Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].From.After(sorted[j].From)
	})
	for _, w := range sorted {
		if c := DetectConflict(w, candidate); c != nil {
			return c
		}
	}
	return nil
}

// DetectConflict classifies the overlap between the existing and the
// candidate window, or returns nil when they don't collide.
func DetectConflict(existing, new Window) *ConflictDecisionRequired {
	switch {
	case new.From.Equal(existing.From):
		return &ConflictDecisionRequired{
			Case:     ConflictSameStart,
			Existing: existing,
			New:      new,
			Options:  []Decision{DecisionOverwrite, DecisionAbort},
		}

	case new.From.After(existing.From):
		if existing.Open() || new.From.BeforeOrEqual(existing.To) {
			return &ConflictDecisionRequired{
				Case:     ConflictNewStartsInside,
				Existing: existing,
				New:      new,
				Options:  []Decision{DecisionTruncateExisting, DecisionAbort},
			}
		}
		return nil

	default: // new.From before existing.From
		if new.Open() {
			return &ConflictDecisionRequired{
				Case:     ConflictNewSubsumes,
				Existing: existing,
				New:      new,
				Options:  []Decision{DecisionSetNewEnd, DecisionDeleteSubsumed, DecisionAbort},
			}
		}
		if new.To.AfterOrEqual(existing.From) {
			return &ConflictDecisionRequired{
				Case:     ConflictNewReachesInto,
				Existing: existing,
				New:      new,
				Options:  []Decision{DecisionTruncateNew, DecisionAdvanceExisting, DecisionAbort},
			}
		}
		return nil
	}
}

func (p *Publisher) applyResolution(ctx context.Context, orgID benefit.OrganizationID, entries []Entry, window Window, conflict *ConflictDecisionRequired, res Resolution) error {
	if !decisionApplies(conflict, res.Choice) {
		return conflict
	}
	existing := conflict.Existing

	switch res.Choice {
	case DecisionTruncateExisting:
		truncated := Window{From: existing.From, To: window.From.Prev()}
		if err := p.Store.SetWindow(ctx, orgID, existing.From, truncated); err != nil {
			return err
		}
		p.Logger.Info("truncated existing rate table window",
			"organization_id", orgID, "window", truncated.String())

	case DecisionTruncateNew:
		window.To = existing.From.Prev()
		if window.To.Before(window.From) {
			return fmt.Errorf("truncating candidate window %s leaves it empty", window)
		}

	case DecisionAdvanceExisting:
		advanced := Window{From: window.To.Next(), To: existing.To}
		if !advanced.Open() && advanced.To.Before(advanced.From) {
			return fmt.Errorf("advancing existing window past %s leaves it empty", window.To)
		}
		if err := p.Store.SetWindow(ctx, orgID, existing.From, advanced); err != nil {
			return err
		}
		p.Logger.Info("advanced existing rate table window",
			"organization_id", orgID, "window", advanced.String())

	case DecisionSetNewEnd:
		if res.NewTo.IsZero() {
			return fmt.Errorf("%s requires an end month", DecisionSetNewEnd)
		}
		window.To = res.NewTo
		if err := window.Validate(); err != nil {
			return err
		}

	case DecisionDeleteSubsumed:
		if err := p.Store.DeleteVersionsFrom(ctx, orgID, window.From); err != nil {
			return err
		}
		p.Logger.Info("deleted subsumed rate table versions",
			"organization_id", orgID, "from", window.From.String())

	case DecisionOverwrite:
		if err := p.Store.DeleteVersionAt(ctx, orgID, existing.From); err != nil {
			return err
		}
		p.Logger.Info("overwrote rate table version",
			"organization_id", orgID, "start", existing.From.String())

	default:
		return conflict
	}

	// The decision resolved one collision, but the (possibly shortened)
	// candidate may still land on another window; re-classify rather
	// than proceeding blind.
	remaining, err := p.Store.ListWindows(ctx, orgID)
	if err != nil {
		return err
	}
	if c := firstConflict(remaining, window); c != nil {
		return c
	}

	return p.insert(ctx, orgID, entries, window)
}

func decisionApplies(conflict *ConflictDecisionRequired, choice Decision) bool {
	for _, opt := range conflict.Options {
		if opt == choice {
			return true
		}
	}
	return false
}

func (p *Publisher) insert(ctx context.Context, orgID benefit.OrganizationID, entries []Entry, window Window) error {
	stamped := make([]Entry, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = NewEntryID()
		}
		e.OrganizationID = orgID
		e.EffectiveFrom = window.From
		e.EffectiveTo = window.To
		stamped[i] = e
	}
	if err := p.Store.InsertVersion(ctx, orgID, stamped, window); err != nil {
		return err
	}
	p.Logger.Info("published rate table version",
		"organization_id", orgID, "window", window.String(), "grades", len(stamped))
	return nil
}

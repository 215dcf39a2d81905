package ratetable_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/benefits-engine/ratetable"
	"github.com/warp/benefits-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testOrg = "org-1"

func newPublisher(t *testing.T) (*ratetable.Publisher, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return ratetable.NewPublisher(store, nil), store
}

func month(year int, mon time.Month) ratetable.Month {
	return ratetable.NewMonth(year, mon)
}

func window(from, to ratetable.Month) ratetable.Window {
	return ratetable.Window{From: from, To: to}
}

func openWindow(from ratetable.Month) ratetable.Window {
	return ratetable.Window{From: from}
}

func rates(s string) ratetable.RateTriple {
	r := decimal.RequireFromString(s)
	total := r.Div(decimal.NewFromInt(100))
	return ratetable.RateTriple{Rate: r, Total: total, Half: total.Div(decimal.NewFromInt(2))}
}

// versionEntries builds one valid grade row per grade, stamped with the
// window the way the API layer stamps request entries before publishing.
func versionEntries(w ratetable.Window, grades ...int) []ratetable.Entry {
	entries := make([]ratetable.Entry, 0, len(grades))
	for _, g := range grades {
		entries = append(entries, ratetable.Entry{
			Grade:          g,
			StandardReward: decimal.NewFromInt(int64(g * 10000)),
			MinAmount:      decimal.NewFromInt(int64((g - 1) * 10000)),
			MaxAmount:      decimal.NewFromInt(int64(g * 10000)),
			Health:         rates("9.98"),
			HealthWithCare: rates("11.58"),
			Pension:        rates("18.3"),
			EffectiveFrom:  w.From,
			EffectiveTo:    w.To,
		})
	}
	return entries
}

func mustPublish(t *testing.T, pub *ratetable.Publisher, w ratetable.Window, grades ...int) {
	t.Helper()
	err := pub.Publish(context.Background(), testOrg, versionEntries(w, grades...), w, nil)
	require.NoError(t, err)
}

func listWindows(t *testing.T, store *sqlite.Store) []ratetable.Window {
	t.Helper()
	windows, err := store.ListWindows(context.Background(), testOrg)
	require.NoError(t, err)
	return windows
}

func activeGrades(t *testing.T, store *sqlite.Store, at ratetable.Month) []int {
	t.Helper()
	entries, err := store.ActiveEntries(context.Background(), testOrg, at)
	require.NoError(t, err)
	grades := make([]int, len(entries))
	for i, e := range entries {
		grades[i] = e.Grade
	}
	return grades
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestPublish_RequiresEffectiveFrom(t *testing.T) {
	pub, _ := newPublisher(t)

	w := ratetable.Window{}
	err := pub.Publish(context.Background(), testOrg, versionEntries(w, 1), w, nil)
	assert.Error(t, err)
}

func TestPublish_RequiresAtLeastOneGrade(t *testing.T) {
	pub, _ := newPublisher(t)

	err := pub.Publish(context.Background(), testOrg, nil, openWindow(month(2024, time.January)), nil)
	assert.Error(t, err)
}

func TestPublish_RejectsDuplicateGrade(t *testing.T) {
	pub, store := newPublisher(t)

	w := openWindow(month(2024, time.January))
	err := pub.Publish(context.Background(), testOrg, versionEntries(w, 1, 2, 2), w, nil)
	assert.Error(t, err)
	assert.Empty(t, listWindows(t, store))
}

func TestPublish_RejectsInvalidEntry(t *testing.T) {
	pub, _ := newPublisher(t)

	w := openWindow(month(2024, time.January))
	entries := versionEntries(w, 1)
	entries[0].Grade = 0
	err := pub.Publish(context.Background(), testOrg, entries, w, nil)
	assert.Error(t, err)
}

// =============================================================================
// NO CONFLICT
// =============================================================================

func TestPublish_FirstVersion_PublishesDirectly(t *testing.T) {
	pub, store := newPublisher(t)

	w := openWindow(month(2024, time.January))
	mustPublish(t, pub, w, 1, 2, 3)

	windows := listWindows(t, store)
	require.Len(t, windows, 1)
	assert.Equal(t, w, windows[0])
	assert.Equal(t, []int{1, 2, 3}, activeGrades(t, store, month(2030, time.December)))
}

func TestPublish_DisjointLaterWindow_PublishesDirectly(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.January), month(2024, time.March)), 1)

	mustPublish(t, pub, openWindow(month(2024, time.April)), 1, 2)

	assert.Len(t, listWindows(t, store), 2)
}

func TestPublish_StampsEntriesWithWindowAndOrganization(t *testing.T) {
	pub, store := newPublisher(t)

	w := window(month(2024, time.January), month(2024, time.June))
	mustPublish(t, pub, w, 1)

	entries, err := store.ActiveEntries(context.Background(), testOrg, month(2024, time.March))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, testOrg, string(entries[0].OrganizationID))
	assert.Equal(t, w, entries[0].Window())
}

// =============================================================================
// CASE 1 - NEW STARTS INSIDE EXISTING
// =============================================================================

func TestPublish_NewStartsInside_NoDecision_Aborts(t *testing.T) {
	pub, store := newPublisher(t)
	existing := window(month(2024, time.January), month(2024, time.June))
	mustPublish(t, pub, existing, 1)

	candidate := openWindow(month(2024, time.April))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate, nil)

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictNewStartsInside, conflict.Case)
	assert.Equal(t, existing, conflict.Existing)
	assert.Equal(t, candidate, conflict.New)
	assert.Contains(t, conflict.Options, ratetable.DecisionTruncateExisting)
	assert.Contains(t, conflict.Options, ratetable.DecisionAbort)

	// Nothing mutated.
	windows := listWindows(t, store)
	require.Len(t, windows, 1)
	assert.Equal(t, existing, windows[0])
}

func TestPublish_NewStartsInside_TruncateExisting(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.January), month(2024, time.June)), 1)

	candidate := openWindow(month(2024, time.April))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1, 2), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionTruncateExisting})
	require.NoError(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 2)
	assert.Equal(t, window(month(2024, time.January), month(2024, time.March)), windows[0])
	assert.Equal(t, candidate, windows[1])

	assert.Equal(t, []int{1}, activeGrades(t, store, month(2024, time.March)))
	assert.Equal(t, []int{1, 2}, activeGrades(t, store, month(2024, time.April)))
}

func TestPublish_NewStartsInsideOpenExisting_TruncateExisting(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, openWindow(month(2024, time.January)), 1)

	candidate := openWindow(month(2024, time.June))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionTruncateExisting})
	require.NoError(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 2)
	assert.Equal(t, window(month(2024, time.January), month(2024, time.May)), windows[0])
}

// =============================================================================
// CASE 2 - NEW REACHES INTO EXISTING
// =============================================================================

func TestPublish_NewReachesInto_NoDecision_Aborts(t *testing.T) {
	pub, _ := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.June), month(2024, time.December)), 1)

	candidate := window(month(2024, time.January), month(2024, time.August))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate, nil)

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictNewReachesInto, conflict.Case)
	assert.ElementsMatch(t, conflict.Options, []ratetable.Decision{
		ratetable.DecisionTruncateNew, ratetable.DecisionAdvanceExisting, ratetable.DecisionAbort,
	})
}

func TestPublish_NewReachesInto_TruncateNew(t *testing.T) {
	pub, store := newPublisher(t)
	existing := window(month(2024, time.June), month(2024, time.December))
	mustPublish(t, pub, existing, 1)

	candidate := window(month(2024, time.January), month(2024, time.August))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionTruncateNew})
	require.NoError(t, err)

	// Candidate shortened to end right before the existing start; the
	// existing window is untouched.
	windows := listWindows(t, store)
	require.Len(t, windows, 2)
	assert.Equal(t, window(month(2024, time.January), month(2024, time.May)), windows[0])
	assert.Equal(t, existing, windows[1])
}

func TestPublish_NewReachesInto_AdvanceExisting(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.June), month(2024, time.December)), 1)

	candidate := window(month(2024, time.January), month(2024, time.August))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1, 2), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionAdvanceExisting})
	require.NoError(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 2)
	assert.Equal(t, candidate, windows[0])
	assert.Equal(t, window(month(2024, time.September), month(2024, time.December)), windows[1])

	assert.Equal(t, []int{1, 2}, activeGrades(t, store, month(2024, time.August)))
	assert.Equal(t, []int{1}, activeGrades(t, store, month(2024, time.September)))
}

func TestPublish_AdvanceExisting_EmptyRemainder_Aborts(t *testing.T) {
	pub, store := newPublisher(t)
	existing := window(month(2024, time.June), month(2024, time.August))
	mustPublish(t, pub, existing, 1)

	// Advancing [2024-06, 2024-08] past 2024-08 leaves nothing.
	candidate := window(month(2024, time.April), month(2024, time.August))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionAdvanceExisting})
	assert.Error(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 1)
	assert.Equal(t, existing, windows[0])
}

// =============================================================================
// CASE 3 - NEW SUBSUMES EXISTING
// =============================================================================

func TestPublish_NewSubsumes_NoDecision_Aborts(t *testing.T) {
	pub, _ := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.June), month(2024, time.December)), 1)

	candidate := openWindow(month(2024, time.January))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate, nil)

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictNewSubsumes, conflict.Case)
	assert.ElementsMatch(t, conflict.Options, []ratetable.Decision{
		ratetable.DecisionSetNewEnd, ratetable.DecisionDeleteSubsumed, ratetable.DecisionAbort,
	})
}

func TestPublish_NewSubsumes_SetNewEnd(t *testing.T) {
	pub, store := newPublisher(t)
	existing := window(month(2024, time.June), month(2024, time.December))
	mustPublish(t, pub, existing, 1)

	candidate := openWindow(month(2024, time.January))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionSetNewEnd, NewTo: month(2024, time.May)})
	require.NoError(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 2)
	assert.Equal(t, window(month(2024, time.January), month(2024, time.May)), windows[0])
	assert.Equal(t, existing, windows[1])
}

func TestPublish_SetNewEnd_RequiresEndMonth(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.June), month(2024, time.December)), 1)

	candidate := openWindow(month(2024, time.January))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionSetNewEnd})
	assert.Error(t, err)
	assert.Len(t, listWindows(t, store), 1)
}

func TestPublish_SetNewEnd_StillOverlapping_Reclassifies(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.June), month(2024, time.December)), 1)

	// Shortening to 2024-07 still reaches into the existing window.
	candidate := openWindow(month(2024, time.January))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionSetNewEnd, NewTo: month(2024, time.July)})

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictNewReachesInto, conflict.Case)
	assert.Len(t, listWindows(t, store), 1)
}

func TestPublish_NewSubsumes_DeleteSubsumed(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.June), month(2024, time.December)), 1)

	candidate := openWindow(month(2024, time.January))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1, 2), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionDeleteSubsumed})
	require.NoError(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 1)
	assert.Equal(t, candidate, windows[0])
	assert.Equal(t, []int{1, 2}, activeGrades(t, store, month(2024, time.June)))
}

// =============================================================================
// CASE 4 - SAME START MONTH
// =============================================================================

func TestPublish_SameStart_NoDecision_Aborts(t *testing.T) {
	pub, _ := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.April), month(2024, time.December)), 1)

	candidate := openWindow(month(2024, time.April))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate, nil)

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictSameStart, conflict.Case)
	assert.Contains(t, conflict.Options, ratetable.DecisionOverwrite)
}

func TestPublish_SameStart_Overwrite(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.April), month(2024, time.December)), 1)

	candidate := openWindow(month(2024, time.April))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1, 2, 3), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionOverwrite})
	require.NoError(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 1)
	assert.Equal(t, candidate, windows[0])
	assert.Equal(t, []int{1, 2, 3}, activeGrades(t, store, month(2024, time.April)))
}

// =============================================================================
// DECISION APPLICABILITY
// =============================================================================

func TestPublish_AbortDecision_ReturnsConflict(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.January), month(2024, time.June)), 1)

	candidate := openWindow(month(2024, time.April))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionAbort})

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Len(t, listWindows(t, store), 1)
}

func TestPublish_InapplicableDecision_ReturnsConflict(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.January), month(2024, time.June)), 1)

	// Overwrite only applies to same-start conflicts; this is case 1.
	candidate := openWindow(month(2024, time.April))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionOverwrite})

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictNewStartsInside, conflict.Case)
	assert.Len(t, listWindows(t, store), 1)
}

// =============================================================================
// MULTI-WINDOW DETECTION
// =============================================================================

func TestPublish_BackdatedWindow_ConflictsWithTruncatedOlderVersion(t *testing.T) {
	pub, store := newPublisher(t)
	// GIVEN a truncated older version and an open current one.
	mustPublish(t, pub, window(month(2024, time.January), month(2024, time.March)), 1)
	mustPublish(t, pub, openWindow(month(2024, time.April)), 1)

	// WHEN a backdated candidate lands inside the older window. It is
	// disjoint from the latest window, so only a full scan catches it.
	candidate := window(month(2024, time.February), month(2024, time.March))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate, nil)

	// THEN the conflict surfaces against the older window and nothing
	// was inserted.
	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictNewStartsInside, conflict.Case)
	assert.Equal(t, window(month(2024, time.January), month(2024, time.March)), conflict.Existing)
	assert.Len(t, listWindows(t, store), 2)
	assert.Equal(t, []int{1}, activeGrades(t, store, month(2024, time.February)))
}

func TestPublish_ResolutionLeavesOverlapWithOlderWindow_Reclassifies(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.January), month(2024, time.March)), 1)
	mustPublish(t, pub, window(month(2024, time.June), month(2024, time.December)), 1)

	// Truncating the candidate resolves the collision with the later
	// window but leaves it overlapping the older one.
	candidate := window(month(2024, time.February), month(2024, time.August))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionTruncateNew})

	var conflict *ratetable.ConflictDecisionRequired
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, ratetable.ConflictNewStartsInside, conflict.Case)
	assert.Equal(t, window(month(2024, time.January), month(2024, time.March)), conflict.Existing)
	assert.Len(t, listWindows(t, store), 2)
}

func TestPublish_SameStartOlderWindow_OverwriteKeepsLaterVersion(t *testing.T) {
	pub, store := newPublisher(t)
	mustPublish(t, pub, window(month(2024, time.January), month(2024, time.March)), 1)
	mustPublish(t, pub, openWindow(month(2024, time.June)), 1)

	// Overwriting the older version must not touch the later one.
	candidate := window(month(2024, time.January), month(2024, time.March))
	err := pub.Publish(context.Background(), testOrg, versionEntries(candidate, 1, 2), candidate,
		&ratetable.Resolution{Choice: ratetable.DecisionOverwrite})
	require.NoError(t, err)

	windows := listWindows(t, store)
	require.Len(t, windows, 2)
	assert.Equal(t, candidate, windows[0])
	assert.Equal(t, openWindow(month(2024, time.June)), windows[1])
	assert.Equal(t, []int{1, 2}, activeGrades(t, store, month(2024, time.February)))
	assert.Equal(t, []int{1}, activeGrades(t, store, month(2024, time.July)))
}

// =============================================================================
// CONFLICT DETECTION
// =============================================================================

func TestDetectConflict_DisjointWindows_NoConflict(t *testing.T) {
	earlier := window(month(2024, time.January), month(2024, time.March))
	later := openWindow(month(2024, time.April))

	assert.Nil(t, ratetable.DetectConflict(earlier, later))
	assert.Nil(t, ratetable.DetectConflict(later, earlier))
}

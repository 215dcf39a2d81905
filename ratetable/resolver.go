/*
resolver.go - Amount to grade resolution

PURPOSE:
  Pure lookup functions mapping an average reward amount to a grade,
  pension grade and standard reward amount against a set of entries
  valid for the target month.

MATCH RULE:
  Entries are scanned ascending by grade. An entry matches when
  amount >= minAmount and (maxAmount open or amount <= maxAmount).
  When the amount sits exactly on a shared boundary (one entry's max
  equals the next entry's min), the higher entry's inclusive lower
  bound takes precedence: 63000 against [0,63000] and [63000,73000]
  resolves to the second grade.

SEE ALSO:
  - types.go: Entry and Window
  - publish.go: Keeps windows non-overlapping so lookup stays unambiguous
*/
package ratetable

import (
	"sort"

	"github.com/shopspring/decimal"
)

// FilterActive returns the entries valid for the target month, sorted
// ascending by grade.
func FilterActive(entries []Entry, at Month) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.ActiveFor(at) {
			out = append(out, e)
		}
	}
	sortByGrade(out)
	return out
}

// Resolve returns the entry matching the amount, or nil when the
// amount falls below every range.
func Resolve(amount decimal.Decimal, entries []Entry) *Entry {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sortByGrade(sorted)

	for i, e := range sorted {
		if !matches(amount, e) {
			continue
		}
		// Boundary tie-break: if the amount equals this entry's finite
		// max and a later entry starts exactly there, the later entry's
		// inclusive lower bound wins.
		if !e.OpenMax() && amount.Equal(e.MaxAmount) {
			for j := i + 1; j < len(sorted); j++ {
				if sorted[j].MinAmount.Equal(amount) && matches(amount, sorted[j]) {
					return &sorted[j]
				}
			}
		}
		return &sorted[i]
	}
	return nil
}

// ResolveGrade returns the matching health/care insurance grade, or
// nil when no range admits the amount.
func ResolveGrade(amount decimal.Decimal, entries []Entry) *int {
	e := Resolve(amount, entries)
	if e == nil {
		return nil
	}
	g := e.Grade
	return &g
}

// ResolvePensionGrade returns the pension grade from the first in-range
// entry (ascending by grade) whose pension grade is set. Health and
// pension grades are allowed to diverge: some health grades have no
// pension counterpart at the extremes.
func ResolvePensionGrade(amount decimal.Decimal, entries []Entry) *int {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sortByGrade(sorted)

	for i, e := range sorted {
		if e.PensionGrade == nil || !matches(amount, e) {
			continue
		}
		if !e.OpenMax() && amount.Equal(e.MaxAmount) {
			for j := i + 1; j < len(sorted); j++ {
				if sorted[j].PensionGrade != nil && sorted[j].MinAmount.Equal(amount) && matches(amount, sorted[j]) {
					pg := *sorted[j].PensionGrade
					return &pg
				}
			}
		}
		pg := *e.PensionGrade
		return &pg
	}
	return nil
}

// matches implements the range test: amount >= min and (max open or
// amount <= max).
func matches(amount decimal.Decimal, e Entry) bool {
	if amount.LessThan(e.MinAmount) {
		return false
	}
	return e.OpenMax() || amount.LessThanOrEqual(e.MaxAmount)
}

func sortByGrade(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Grade < entries[j].Grade
	})
}

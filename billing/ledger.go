/*
ledger.go - Per-client allowance accumulator

PURPOSE:
  AllowanceLedger is the single source of truth for a client's
  year-to-date allowance consumption and the only code path allowed to
  change it. It operates on the (AnnualAllowanceHours, YearlyUsedHours,
  LastResetYear) triple of a Client loaded inside a store transaction.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: YearlyUsedHours never drops below zero (Apply clamps)
  2. ADDITIVE: consumption is recorded as deltas, never recomputed from
     scratch, so the committed value is the sum of committed deltas
  3. RESET FIRST: ResetIfNewYear runs before anything reads YearlyUsedHours
  4. WHOLE MINUTES: the counter is snapped to the minute grid after every
     Apply, so it never drifts below the allowance by a rounding residue

CALENDAR YEAR:
  The reset boundary is the wall-clock calendar year of "now", not the
  client's signup anniversary. All clients roll over on January 1 in the
  configured timezone.

FAILURE SEMANTICS:
  The ledger never fails. Inputs are validated by SplitCalculator and
  the lifecycle before they get here.

SEE ALSO:
  - split.go: computes the delta passed to Apply
  - lifecycle.go: runs reset → split → apply inside one transaction
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllowanceLedger mutates a client's allowance counter.
// Obtain one with Client.Ledger().
type AllowanceLedger struct {
	client *Client
}

// ResetIfNewYear zeroes the counter when the ledger was never reset or was
// last reset in an earlier calendar year than now. Returns whether a reset
// happened. Calling it twice in the same year is a no-op the second time.
func (l *AllowanceLedger) ResetIfNewYear(now time.Time) bool {
	year := now.Year()
	if l.client.LastResetYear != nil && *l.client.LastResetYear >= year {
		return false
	}
	l.client.YearlyUsedHours = decimal.Zero
	l.client.LastResetYear = &year
	return true
}

// RemainingFreeHours returns max(0, allowance - used) in whole minutes.
func (l *AllowanceLedger) RemainingFreeHours() decimal.Decimal {
	remaining := SnapToMinute(l.client.AnnualAllowanceHours.Sub(l.client.YearlyUsedHours))
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// Apply adds delta hours to the counter, clamping at zero and snapping to
// whole minutes. A negative delta reverses an earlier contribution.
func (l *AllowanceLedger) Apply(delta decimal.Decimal) {
	used := SnapToMinute(l.client.YearlyUsedHours.Add(delta))
	if used.IsNegative() {
		used = decimal.Zero
	}
	l.client.YearlyUsedHours = used
}

// Used returns the current counter value.
func (l *AllowanceLedger) Used() decimal.Decimal {
	return l.client.YearlyUsedHours
}

// Year returns the calendar year the counter belongs to (0 if never reset).
func (l *AllowanceLedger) Year() int {
	if l.client.LastResetYear == nil {
		return 0
	}
	return *l.client.LastResetYear
}

/*
Package billing provides the time-tracking allowance and billing engine.

PURPOSE:
  Every unit of tracked work is split into hours covered by the client's
  prepaid annual allowance and hours billed as overage. The engine keeps a
  running "hours used this year" counter per client that stays consistent
  across concurrent settle/edit/delete operations and the yearly reset.

KEY CONCEPTS IN THIS FILE (types.go):
  - Client: the allowance owner (allowance, used hours, last reset year)
  - Task: the unit of work an entry is logged against; links entry → client
  - TimeEntry: a tracked span of work and its billing split
  - BillingStatus: PENDING → BILLED → PAID, or WRITTEN_OFF

DESIGN PRINCIPLES:
  1. Precision: hours and money use decimal.Decimal, never float64
  2. Single mutator: only AllowanceLedger changes a client's counter
  3. Recorded contribution: an entry stores the free hours it consumed, so a
     reversal removes exactly what was added

SEE ALSO:
  - ledger.go: AllowanceLedger
  - split.go: SplitCalculator
  - lifecycle.go: Settle / Edit / Delete orchestration
  - store.go: persistence interfaces
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type TaskID string
type EntryID string
type MovementID string

// =============================================================================
// HOURS AND MONEY
// =============================================================================

var minutesPerHour = decimal.NewFromInt(60)

// HoursFromMinutes converts a whole-minute duration into decimal hours.
func HoursFromMinutes(minutes int64) decimal.Decimal {
	return decimal.NewFromInt(minutes).Div(minutesPerHour)
}

// RoundMoney rounds a monetary amount to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// SnapToMinute rounds an hour quantity to the nearest whole minute.
// Sums of HoursFromMinutes values drift in the last digit (three 20-minute
// entries add up to 0.9999999999999999); snapping restores the exact total.
func SnapToMinute(h decimal.Decimal) decimal.Decimal {
	return HoursFromMinutes(h.Mul(minutesPerHour).Round(0).IntPart())
}

// MustParseDecimal parses s and panics on malformed input. For fixtures and
// constants only.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// CLIENT - Allowance owner
// =============================================================================

// Client is the owner of a prepaid annual hour allowance.
//
// YearlyUsedHours is not bounded by AnnualAllowanceHours: once the allowance
// is exhausted every further hour is billable, but the counter keeps growing
// so reporting stays accurate.
type Client struct {
	ID                   ClientID
	Name                 string
	AnnualAllowanceHours decimal.Decimal
	YearlyUsedHours      decimal.Decimal
	LastResetYear        *int // nil = never reset
	DefaultHourlyRate    decimal.Decimal

	// Version is bumped on every write and used for compare-and-set.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Ledger returns the allowance ledger view over this client's counter.
func (c *Client) Ledger() *AllowanceLedger {
	return &AllowanceLedger{client: c}
}

// =============================================================================
// TASK - Work item owned by a client
// =============================================================================

type Task struct {
	ID         TaskID
	ClientID   ClientID
	Title      string
	HourlyRate *decimal.Decimal // nil = fall back to client default
	CreatedAt  time.Time
}

// =============================================================================
// TIME ENTRY - Unit of tracked work
// =============================================================================

type BillingStatus string

const (
	StatusPending    BillingStatus = "PENDING"
	StatusBilled     BillingStatus = "BILLED"
	StatusPaid       BillingStatus = "PAID"
	StatusWrittenOff BillingStatus = "WRITTEN_OFF"
)

// ParseBillingStatus validates a status string.
func ParseBillingStatus(s string) (BillingStatus, error) {
	switch st := BillingStatus(s); st {
	case StatusPending, StatusBilled, StatusPaid, StatusWrittenOff:
		return st, nil
	}
	return "", &InvalidInputError{Field: "billing_status", Reason: "unknown status " + s}
}

// CanTransitionTo reports whether an invoicing workflow may move an entry
// from s to next.
func (s BillingStatus) CanTransitionTo(next BillingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusBilled || next == StatusWrittenOff
	case StatusBilled:
		return next == StatusPaid
	case StatusWrittenOff:
		return next == StatusPending
	}
	return false
}

// Invoiced reports whether the entry already left the pending pool.
func (s BillingStatus) Invoiced() bool {
	return s == StatusBilled || s == StatusPaid
}

// TimeEntry is a span of work logged against a task.
//
// A running entry has no EndTime and no DurationMinutes. Once settled, the
// split fields are populated and AllowanceHours holds exactly the delta that
// was applied to the client's ledger for LedgerYear.
type TimeEntry struct {
	ID          EntryID
	TaskID      TaskID
	ClientID    ClientID
	Description string

	StartTime       time.Time
	EndTime         *time.Time
	DurationMinutes *int64
	HourlyRate      decimal.Decimal

	AllowanceHours    decimal.Decimal
	BillableHours     decimal.Decimal
	IsWithinAllowance bool
	BillableAmount    decimal.Decimal
	DeveloperAmount   decimal.Decimal
	BillingStatus     BillingStatus
	LedgerYear        *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Running reports whether the entry has not been settled yet.
func (e *TimeEntry) Running() bool {
	return e.DurationMinutes == nil
}

// DurationHours returns the settled duration in hours (zero while running).
func (e *TimeEntry) DurationHours() decimal.Decimal {
	if e.DurationMinutes == nil {
		return decimal.Zero
	}
	return HoursFromMinutes(*e.DurationMinutes)
}

// applySplit copies a computed split onto the entry.
func (e *TimeEntry) applySplit(s Split, year int) {
	e.AllowanceHours = s.FreeHours
	e.BillableHours = s.BillableHours
	e.IsWithinAllowance = s.WithinAllowance
	e.BillableAmount = s.BillableAmount
	e.DeveloperAmount = s.DeveloperAmount
	e.LedgerYear = &year

	if e.BillingStatus.Invoiced() {
		return
	}
	if s.WithinAllowance {
		e.BillingStatus = StatusWrittenOff
	} else {
		e.BillingStatus = StatusPending
	}
}

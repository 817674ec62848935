/*
split.go - Allowance / billable split of a settled duration

PURPOSE:
  SplitCalculator decides how much of a duration is covered by the
  remaining allowance and how much is billable, and prices both sides.
  It is a pure function of its inputs.

ALGORITHM:
  free      = min(duration, remaining)
  billable  = max(0, duration - free)
  within    = billable == 0
  billed $  = billable * rate
  developer = per CompensationRule (see below)

  free is the delta AllowanceLedger.Apply must receive.

COMPENSATION RULE:
  How much the person who did the work is credited is a product decision,
  so it is a named setting rather than inline arithmetic:
  - CompensateFullDuration (default): duration * rate, independent of
    client billability. Allowance is a client-facing concept.
  - CompensateBillableShare: billable * rate * DeveloperShare.
*/
package billing

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// COMPENSATION RULE
// =============================================================================

type CompensationRule string

const (
	CompensateFullDuration  CompensationRule = "full_duration"
	CompensateBillableShare CompensationRule = "billable_share"
)

// DefaultDeveloperShare is the fraction of billable revenue credited to the
// developer under CompensateBillableShare.
var DefaultDeveloperShare = decimal.RequireFromString("0.7")

// ParseCompensationRule validates a rule name from configuration.
func ParseCompensationRule(s string) (CompensationRule, error) {
	switch r := CompensationRule(s); r {
	case CompensateFullDuration, CompensateBillableShare:
		return r, nil
	}
	return "", &InvalidInputError{Field: "compensation_rule", Reason: "unknown rule " + s}
}

// =============================================================================
// SPLIT CALCULATOR
// =============================================================================

// SplitInput is the state a split is computed from. RemainingHours must be
// read after the year reset and before this entry's consumption is applied.
type SplitInput struct {
	RemainingHours decimal.Decimal
	DurationHours  decimal.Decimal
	HourlyRate     decimal.Decimal
}

// Split is the result of a billing split.
type Split struct {
	FreeHours       decimal.Decimal
	BillableHours   decimal.Decimal
	WithinAllowance bool
	BillableAmount  decimal.Decimal
	DeveloperAmount decimal.Decimal
}

type SplitCalculator struct {
	Rule           CompensationRule
	DeveloperShare decimal.Decimal
}

// NewSplitCalculator returns a calculator with the default compensation rule.
func NewSplitCalculator() *SplitCalculator {
	return &SplitCalculator{Rule: CompensateFullDuration, DeveloperShare: DefaultDeveloperShare}
}

// Calculate computes the split. Negative durations, rates or remaining
// hours are rejected with an InvalidInputError.
func (c *SplitCalculator) Calculate(in SplitInput) (Split, error) {
	if in.DurationHours.IsNegative() {
		return Split{}, &InvalidInputError{Field: "duration", Reason: "must not be negative"}
	}
	if in.HourlyRate.IsNegative() {
		return Split{}, &InvalidInputError{Field: "hourly_rate", Reason: "must not be negative"}
	}
	if in.RemainingHours.IsNegative() {
		return Split{}, &InvalidInputError{Field: "remaining_hours", Reason: "must not be negative"}
	}

	free := decimal.Min(in.DurationHours, in.RemainingHours)
	billable := decimal.Max(decimal.Zero, in.DurationHours.Sub(free))

	split := Split{
		FreeHours:       free,
		BillableHours:   billable,
		WithinAllowance: billable.IsZero(),
		BillableAmount:  RoundMoney(billable.Mul(in.HourlyRate)),
	}

	switch c.Rule {
	case CompensateBillableShare:
		split.DeveloperAmount = RoundMoney(billable.Mul(in.HourlyRate).Mul(c.DeveloperShare))
	default:
		split.DeveloperAmount = RoundMoney(in.DurationHours.Mul(in.HourlyRate))
	}
	return split, nil
}

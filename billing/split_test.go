package billing_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/allowance-engine/billing"
)

func hours(s string) decimal.Decimal { return billing.MustParseDecimal(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, hours(want).Equal(got), append([]any{"want %s, got %s", want, got.String()}, msgAndArgs...)...)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestSplit_AllWithinAllowance(t *testing.T) {
	// GIVEN: 10h allowance, nothing used, 4h entry at $50
	calc := billing.NewSplitCalculator()

	split, err := calc.Calculate(billing.SplitInput{
		RemainingHours: hours("10"),
		DurationHours:  hours("4"),
		HourlyRate:     hours("50"),
	})

	// THEN: all 4h are free, nothing billable
	require.NoError(t, err)
	assertDecimal(t, "4", split.FreeHours)
	assertDecimal(t, "0", split.BillableHours)
	assertDecimal(t, "0", split.BillableAmount)
	assert.True(t, split.WithinAllowance)
}

func TestSplit_PartiallyBillable(t *testing.T) {
	// GIVEN: 10h allowance, 8h used → 2h remaining, 5h entry at $50
	calc := billing.NewSplitCalculator()

	split, err := calc.Calculate(billing.SplitInput{
		RemainingHours: hours("2"),
		DurationHours:  hours("5"),
		HourlyRate:     hours("50"),
	})

	require.NoError(t, err)
	assertDecimal(t, "2", split.FreeHours)
	assertDecimal(t, "3", split.BillableHours)
	assertDecimal(t, "150", split.BillableAmount)
	assert.False(t, split.WithinAllowance)
}

func TestSplit_AllowanceExhausted(t *testing.T) {
	calc := billing.NewSplitCalculator()

	split, err := calc.Calculate(billing.SplitInput{
		RemainingHours: hours("0"),
		DurationHours:  hours("2"),
		HourlyRate:     hours("50"),
	})

	require.NoError(t, err)
	assertDecimal(t, "0", split.FreeHours)
	assertDecimal(t, "2", split.BillableHours)
	assertDecimal(t, "100", split.BillableAmount)
}

// =============================================================================
// EDGE CASES
// =============================================================================

func TestSplit_ZeroDuration_WithinAllowance(t *testing.T) {
	calc := billing.NewSplitCalculator()

	split, err := calc.Calculate(billing.SplitInput{
		RemainingHours: hours("0"),
		DurationHours:  hours("0"),
		HourlyRate:     hours("80"),
	})

	require.NoError(t, err)
	assertDecimal(t, "0", split.FreeHours)
	assertDecimal(t, "0", split.BillableHours)
	assert.True(t, split.WithinAllowance)
}

func TestSplit_RejectsNegativeInputs(t *testing.T) {
	calc := billing.NewSplitCalculator()

	tests := []struct {
		name  string
		in    billing.SplitInput
		field string
	}{
		{"negative duration", billing.SplitInput{RemainingHours: hours("1"), DurationHours: hours("-1"), HourlyRate: hours("10")}, "duration"},
		{"negative rate", billing.SplitInput{RemainingHours: hours("1"), DurationHours: hours("1"), HourlyRate: hours("-10")}, "hourly_rate"},
		{"negative remaining", billing.SplitInput{RemainingHours: hours("-1"), DurationHours: hours("1"), HourlyRate: hours("10")}, "remaining_hours"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := calc.Calculate(tt.in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, billing.ErrInvalidInput))
			var inputErr *billing.InvalidInputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)
		})
	}
}

// =============================================================================
// PROPERTY: free + billable == duration, free == min(duration, remaining)
// =============================================================================

func TestSplit_FreePlusBillableEqualsDuration(t *testing.T) {
	calc := billing.NewSplitCalculator()
	values := []string{"0", "0.25", "1", "1.5", "2", "3.3333333333333333", "7.75", "10", "40"}

	for _, d := range values {
		for _, r := range values {
			split, err := calc.Calculate(billing.SplitInput{
				RemainingHours: hours(r),
				DurationHours:  hours(d),
				HourlyRate:     hours("95"),
			})
			require.NoError(t, err)
			assert.True(t, split.FreeHours.Add(split.BillableHours).Equal(hours(d)), "d=%s r=%s", d, r)
			assert.True(t, split.FreeHours.Equal(decimal.Min(hours(d), hours(r))), "d=%s r=%s", d, r)
			assert.Equal(t, split.BillableHours.IsZero(), split.WithinAllowance)
		}
	}
}

// =============================================================================
// COMPENSATION RULES
// =============================================================================

func TestSplit_DeveloperAmount_FullDuration(t *testing.T) {
	// GIVEN: default rule pays the full duration regardless of billability
	calc := billing.NewSplitCalculator()

	split, err := calc.Calculate(billing.SplitInput{
		RemainingHours: hours("2"),
		DurationHours:  hours("5"),
		HourlyRate:     hours("50"),
	})

	require.NoError(t, err)
	assertDecimal(t, "250", split.DeveloperAmount)
}

func TestSplit_DeveloperAmount_BillableShare(t *testing.T) {
	calc := &billing.SplitCalculator{
		Rule:           billing.CompensateBillableShare,
		DeveloperShare: billing.DefaultDeveloperShare,
	}

	split, err := calc.Calculate(billing.SplitInput{
		RemainingHours: hours("2"),
		DurationHours:  hours("5"),
		HourlyRate:     hours("50"),
	})

	// THEN: 3 billable hours * $50 * 0.7
	require.NoError(t, err)
	assertDecimal(t, "105", split.DeveloperAmount)
}

func TestParseCompensationRule(t *testing.T) {
	rule, err := billing.ParseCompensationRule("billable_share")
	require.NoError(t, err)
	assert.Equal(t, billing.CompensateBillableShare, rule)

	_, err = billing.ParseCompensationRule("hourly_bonus")
	assert.ErrorIs(t, err, billing.ErrInvalidInput)
}

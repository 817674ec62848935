package billing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/allowance-engine/billing"
)

func TestMustParseDecimal(t *testing.T) {
	assertDecimal(t, "12.5", billing.MustParseDecimal("12.5"))

	assert.Panics(t, func() { billing.MustParseDecimal("12,5") })
	assert.Panics(t, func() { billing.MustParseDecimal("") })
}

func TestSnapToMinute(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"whole hours", "2", "2"},
		{"rounding residue below", "0.9999999999999999", "1"},
		{"rounding residue above", "1.0000000000000001", "1"},
		{"half hour", "0.5", "0.5"},
		{"sub-minute rounds to nearest", "0.001", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDecimal(t, tt.want, billing.SnapToMinute(hours(tt.in)))
		})
	}
}

package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/finance-engine/ledger"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bound(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func step(from, to *decimal.Decimal, s string) ledger.AccumulationStep {
	return ledger.AccumulationStep{From: from, To: to, Step: dec(s)}
}

// =============================================================================
// EVALUATION
// =============================================================================

func TestEvaluateAccumulation_TieredSteps(t *testing.T) {
	// GIVEN: [0,100) rounds to 10, [100,∞) rounds to 50
	steps := []ledger.AccumulationStep{
		step(bound("0"), bound("100"), "10"),
		step(bound("100"), nil, "50"),
	}

	tests := []struct {
		amount string
		want   string
	}{
		{"37", "3"},
		{"40", "0"},
		{"120", "30"},
		{"100", "0"},
		{"99.99", "0.01"},
		{"0", "0"},
		{"-5", "0"}, // below every step
	}
	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got := ledger.EvaluateAccumulation(steps, dec(tt.amount))
			assert.True(t, dec(tt.want).Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestEvaluateAccumulation_FirstMatchWins(t *testing.T) {
	// GIVEN: Two overlapping steps, the broader one listed first
	// WHEN: 37 falls in both
	// THEN: The first step (25) is used: 50 - 37 = 13
	steps := []ledger.AccumulationStep{
		step(bound("0"), bound("200"), "25"),
		step(bound("0"), bound("100"), "10"),
	}
	got := ledger.EvaluateAccumulation(steps, dec("37"))
	assert.True(t, dec("13").Equal(got), "got %s", got)
}

func TestEvaluateAccumulation_UpperBoundExclusive(t *testing.T) {
	steps := []ledger.AccumulationStep{
		step(nil, bound("100"), "30"),
		step(bound("100"), nil, "7"),
	}
	// 100 is not in [-, 100), so the second step applies: 105 - 100 = 5
	got := ledger.EvaluateAccumulation(steps, dec("100"))
	assert.True(t, dec("5").Equal(got), "got %s", got)
}

func TestEvaluateAccumulation_NegativeAmountRoundsTowardPositive(t *testing.T) {
	// ceil(-3.7) * 10 = -30, and -30 - (-37) = 7
	steps := []ledger.AccumulationStep{step(nil, nil, "10")}
	got := ledger.EvaluateAccumulation(steps, dec("-37"))
	assert.True(t, dec("7").Equal(got), "got %s", got)
}

func TestEvaluateAccumulation_FractionalStep(t *testing.T) {
	steps := []ledger.AccumulationStep{step(nil, nil, "0.25")}
	got := ledger.EvaluateAccumulation(steps, dec("12.30"))
	assert.True(t, dec("0.20").Equal(got), "got %s", got)
}

func TestEvaluateAccumulation_NoSteps(t *testing.T) {
	assert.True(t, ledger.EvaluateAccumulation(nil, dec("37")).IsZero())
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name  string
		steps []ledger.AccumulationStep
		max   int
		ok    bool
	}{
		{"valid", []ledger.AccumulationStep{step(bound("0"), bound("100"), "10")}, 4, true},
		{"open bounds", []ledger.AccumulationStep{step(nil, nil, "1")}, 4, true},
		{"empty", nil, 4, false},
		{"zero step", []ledger.AccumulationStep{step(nil, nil, "0")}, 4, false},
		{"negative step", []ledger.AccumulationStep{step(nil, nil, "-1")}, 4, false},
		{"from equals to", []ledger.AccumulationStep{step(bound("5"), bound("5"), "1")}, 4, false},
		{"from above to", []ledger.AccumulationStep{step(bound("9"), bound("5"), "1")}, 4, false},
		{"too many", []ledger.AccumulationStep{step(nil, nil, "1"), step(nil, nil, "2")}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.ValidateSteps(tt.steps, tt.max)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ledger.ErrInvalidSteps)
			assert.True(t, ledger.IsClientError(err))
		})
	}
}

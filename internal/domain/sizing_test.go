package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizingPolicyQuantity(t *testing.T) {
	tests := []struct {
		name   string
		policy SizingPolicy
		stop   float64
		want   int
		err    bool
	}{
		{"fixed", SizingPolicy{FixedQuantity: 10}, 12, 10, false},
		{"fixed capped", SizingPolicy{FixedQuantity: 10, MaxQuantity: 4}, 12, 4, false},
		{"risk exact", SizingPolicy{MaxRiskAmount: 300, PointValue: 5, MaxQuantity: 60}, 12, 5, false},
		{"risk floors", SizingPolicy{MaxRiskAmount: 300, PointValue: 5, MaxQuantity: 60}, 14, 4, false},
		{"risk capped", SizingPolicy{MaxRiskAmount: 3000, PointValue: 5, MaxQuantity: 60}, 2, 60, false},
		{"fractional points", SizingPolicy{MaxRiskAmount: 0.3, PointValue: 1, MaxQuantity: 60}, 0.1, 3, false},
		{"below one contract", SizingPolicy{MaxRiskAmount: 50, PointValue: 5, MaxQuantity: 60}, 12, 0, true},
		{"zero stop", SizingPolicy{MaxRiskAmount: 300, PointValue: 5, MaxQuantity: 60}, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.policy.Quantity(tt.stop)
			if tt.err {
				require.ErrorIs(t, err, ErrInvalidSize)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitTargets(t *testing.T) {
	assert.Nil(t, SplitTargets(10, 0))
	assert.Equal(t, []int{10}, SplitTargets(10, 1))
	assert.Equal(t, []int{5, 5}, SplitTargets(10, 2))
	assert.Equal(t, []int{3, 4}, SplitTargets(7, 2))
	assert.Equal(t, []int{1}, SplitTargets(1, 2))
}

func TestRoundToTick(t *testing.T) {
	assert.Equal(t, 5012.25, RoundToTick(5012.3, 0.25))
	assert.Equal(t, 5012.5, RoundToTick(5012.38, 0.25))
	assert.Equal(t, 5000.0, RoundToTick(5000.1, 0.25))
	assert.Equal(t, 1.2345, RoundToTick(1.2345, 0))
}

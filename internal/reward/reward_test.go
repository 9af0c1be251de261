package reward

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chargehive/internal/models"
)

func TestCalculate(t *testing.T) {
	params := models.ProgramParams{
		RatePerUnit: 2,
		MinQuantity: 10,
	}

	cases := []struct {
		name     string
		quantity int64
		want     int64
	}{
		{name: "typical usage", quantity: 150, want: 300},
		{name: "zero usage", quantity: 0, want: 0},
		{name: "negative usage", quantity: -5, want: 0},
		{name: "below threshold", quantity: 9, want: 0},
		{name: "at threshold", quantity: 10, want: 20},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Calculate(tc.quantity, params)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCalculateZeroRate(t *testing.T) {
	got, err := Calculate(100, models.ProgramParams{RatePerUnit: 0})
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestCalculateOverflow(t *testing.T) {
	_, err := Calculate(math.MaxInt64/2+1, models.ProgramParams{RatePerUnit: 2})
	require.ErrorIs(t, err, ErrAmountOverflow)
}

func TestCalculateMonotonic(t *testing.T) {
	params := models.ProgramParams{RatePerUnit: 3, MinQuantity: 5}
	var prev int64
	for q := int64(0); q <= 100; q++ {
		got, err := Calculate(q, params)
		require.NoError(t, err)
		require.GreaterOrEqual(t, got, prev, "quantity %d", q)
		prev = got
	}
}

func TestPrice(t *testing.T) {
	params := models.ProgramParams{PricePerUnit: 7, MinQuantity: 100}

	// the minimum reward threshold does not apply to pricing
	got, err := Price(3, params)
	require.NoError(t, err)
	assert.Equal(t, int64(21), got)

	got, err = Price(0, params)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestPriceOverflow(t *testing.T) {
	_, err := Price(math.MaxInt64, models.ProgramParams{PricePerUnit: 2})
	require.ErrorIs(t, err, ErrAmountOverflow)
}

// Package reward computes token rewards and prices from metered usage.
// All arithmetic is integer: the ledger accepts only integral token amounts
// and any floating-point drift would be a real monetary discrepancy.
package reward

import (
	"errors"
	"math"

	"chargehive/internal/models"
)

// ErrAmountOverflow means the product does not fit the token amount range.
var ErrAmountOverflow = errors.New("reward: amount overflows int64")

// Calculate returns the reward in base token units for the metered quantity
// under the given program parameters. Quantities below MinQuantity earn
// nothing. The result is monotonic in quantity.
func Calculate(quantity int64, p models.ProgramParams) (int64, error) {
	if quantity <= 0 || quantity < p.MinQuantity {
		return 0, nil
	}
	if p.RatePerUnit <= 0 {
		return 0, nil
	}
	if quantity > math.MaxInt64/p.RatePerUnit {
		return 0, ErrAmountOverflow
	}
	return quantity * p.RatePerUnit, nil
}

// Price returns the usage price in the smallest currency unit. The minimum
// threshold does not apply: usage is billed even when it earns no reward.
func Price(quantity int64, p models.ProgramParams) (int64, error) {
	if quantity <= 0 || p.PricePerUnit <= 0 {
		return 0, nil
	}
	if quantity > math.MaxInt64/p.PricePerUnit {
		return 0, ErrAmountOverflow
	}
	return quantity * p.PricePerUnit, nil
}

package valuation

import (
	"github.com/truekit/truekit/internal/models"
)

// MaxAsymmetry bounds the acceptable value difference between two traded
// products, as a fraction of the more valuable one. Anything wider is
// treated as speculation and rejected.
const MaxAsymmetry = 0.20

// Evaluate decides whether two product values make an acceptable trade.
// It returns the credit delta (offered − requested) and, when the absolute
// delta exceeds MaxAsymmetry of the larger value, a *models.ValuationError
// carrying the computed threshold.
func Evaluate(offered, requested int) (int, error) {
	delta := offered - requested

	maxVal := offered
	if requested > maxVal {
		maxVal = requested
	}
	maxAllowed := float64(maxVal) * MaxAsymmetry

	if magnitude(delta) > maxAllowed {
		return delta, &models.ValuationError{Delta: delta, MaxAllowed: maxAllowed}
	}
	return delta, nil
}

func magnitude(n int) float64 {
	if n < 0 {
		n = -n
	}
	return float64(n)
}

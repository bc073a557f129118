package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the storage and service layers. Handlers map
// these to HTTP status codes with errors.Is.
var (
	// ErrNotFound reports a missing user, product, trade or chat.
	ErrNotFound = errors.New("not found")
	// ErrForbidden reports the wrong actor for an action, e.g. responding
	// to someone else's trade.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict reports a state collision: product no longer available,
	// duplicate email, concurrent settlement losing the race.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState reports a transition attempted on a trade that has
	// already left pending.
	ErrInvalidState = errors.New("invalid state")
	// ErrInsufficientCredits reports a donation exceeding the balance.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ValuationError rejects a trade proposal whose value asymmetry exceeds the
// allowed bound. MaxAllowed is surfaced so the proposer can bundle products
// and retry.
type ValuationError struct {
	Delta      int
	MaxAllowed float64
}

func (e *ValuationError) Error() string {
	return fmt.Sprintf("value difference too large: max allowed is %.0f credits, got %d; try bundling products", e.MaxAllowed, abs(e.Delta))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrForbidden  = errors.New("actor is not allowed to act on this order")

	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrStatusConflict     = errors.New("order status changed concurrently")
	ErrReservationExpired = errors.New("reservation already settled")

	// ErrPaymentReconciliationConflict: gateway reported paid for an order whose holds were
	// already released. Needs an administrator; never resolved by re-reserving.
	ErrPaymentReconciliationConflict = errors.New("payment received after reservation expired")

	ErrCheckoutFailed = errors.New("checkout failed for every seller")

	ErrRefundNotAllowed = errors.New("refund not allowed for this order")
	ErrRefundExists     = errors.New("a refund request is already pending for this order")
	ErrRefundResolved   = errors.New("refund request already resolved")
)

var ErrReasonRequired = fmt.Errorf("%w: rejecting a pending order requires a reason", ErrInvalidTransition)

// StockError carries the numbers behind an ErrInsufficientStock.
type StockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// TransitionError explains which role/state combination was refused.
type TransitionError struct {
	From Status
	To   Status
	Role Role
}

func (e *TransitionError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("invalid transition: order is already %s", e.From)
	}
	if CanTransition(e.From, e.To) {
		return fmt.Sprintf("invalid transition: role %s may not move an order from %s to %s", e.Role, e.From, e.To)
	}
	return fmt.Sprintf("invalid transition: %s -> %s is not allowed for any role", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

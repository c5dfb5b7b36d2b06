/*
errors.go - Centralized error kinds for the booking engine

PURPOSE:
  All error kinds in one place. Callers check kinds with errors.Is;
  structured error types carry context and Unwrap() to the sentinels.
  The API layer maps kinds to machine-checkable codes via ErrorCode.

ERROR CATEGORIES:
  1. Capacity errors     - Seat reservation/release violations
  2. Credit errors       - Punch card / points balance shortages
  3. Policy errors       - Time-window rejections (3h / 24h cutoffs)
  4. Gateway errors      - Payment provider failures (wrapped)
  5. Store errors        - Conflicts (retryable) and missing rows
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCapacityExceeded is returned when a seat reservation would push
	// a session past its capacity.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidRelease is returned when a seat release exceeds the
	// session's currently committed seats.
	ErrInvalidRelease = errors.New("invalid seat release")

	// ErrInsufficientCredit is returned when a punch card or points
	// debit exceeds the available balance.
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrTooLateToModify is returned when seat removal is attempted
	// inside the modification cutoff window.
	ErrTooLateToModify = errors.New("too late to modify booking")

	// ErrTooLateToCancel is returned when cancellation is attempted
	// inside the cancellation cutoff window.
	ErrTooLateToCancel = errors.New("too late to cancel")

	// ErrOriginalSeatsProtected is returned when seat removal targets
	// seats from the original booking rather than added seats.
	ErrOriginalSeatsProtected = errors.New("original booking seats cannot be removed")

	// ErrInsufficientRemovableSeats is returned when a removal request
	// exceeds the seats added via additional payments.
	ErrInsufficientRemovableSeats = errors.New("insufficient removable seats")

	// ErrCardNotUsable is returned when a punch card is expired, used
	// up, or restricted to other group types.
	ErrCardNotUsable = errors.New("punch card not usable")

	// ErrSpotUnavailable is returned when a guest spot transition races
	// with another actor or the spot is not in the required state.
	ErrSpotUnavailable = errors.New("spot unavailable")

	// ErrBookingNotActive is returned when a booking mutation loses a
	// status race (the booking was cancelled between read and write) or
	// targets an already-cancelled booking.
	ErrBookingNotActive = errors.New("booking is not active")

	// ErrGateway wraps any payment provider failure.
	ErrGateway = errors.New("payment gateway error")

	// ErrNotFound is returned when a referenced entity doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller may not act on the
	// target entity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrStoreConflict indicates benign contention at the store layer.
	// Transparently retried (bounded) by WithRetry.
	ErrStoreConflict = errors.New("store conflict")

	// ErrDuplicateIdempotencyKey is returned when a payment row with
	// the same idempotency reference already exists. Expected on retry.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityError provides details about a failed seat reservation.
type CapacityError struct {
	SessionID SessionID
	Capacity  int
	Committed int
	Requested int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session %s is full: %d/%d seats committed, %d requested",
		e.SessionID, e.Committed, e.Capacity, e.Requested)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// InsufficientCreditError provides details about a balance shortage on
// a punch card or points account.
type InsufficientCreditError struct {
	Instrument string // "punch_card" or "points"
	OwnerID    string
	Available  int
	Requested  int
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient %s credit for %s: available %d, requested %d",
		e.Instrument, e.OwnerID, e.Available, e.Requested)
}

func (e *InsufficientCreditError) Unwrap() error { return ErrInsufficientCredit }

// RemovableSeatsError details a rejected partial seat removal.
type RemovableSeatsError struct {
	BookingID BookingID
	Removable int
	Requested int
}

func (e *RemovableSeatsError) Error() string {
	return fmt.Sprintf("booking %s has only %d removable seats, %d requested",
		e.BookingID, e.Removable, e.Requested)
}

func (e *RemovableSeatsError) Unwrap() error { return ErrInsufficientRemovableSeats }

// GatewayError wraps a payment provider failure with the operation and
// the idempotency/charge reference in flight, so operators can
// reconcile against provider records.
type GatewayError struct {
	Op  string // "charge" or "refund"
	Ref string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failed (ref %s): %v", e.Op, e.Ref, e.Err)
}

func (e *GatewayError) Unwrap() error { return ErrGateway }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreConflict)
}

// IsClientError returns true if the error is due to the caller's
// request rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrInsufficientCredit) ||
		errors.Is(err, ErrTooLateToModify) ||
		errors.Is(err, ErrTooLateToCancel) ||
		errors.Is(err, ErrOriginalSeatsProtected) ||
		errors.Is(err, ErrInsufficientRemovableSeats) ||
		errors.Is(err, ErrCardNotUsable) ||
		errors.Is(err, ErrSpotUnavailable) ||
		errors.Is(err, ErrBookingNotActive) ||
		errors.Is(err, ErrInvalidRelease) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ErrorCode maps an engine error to the machine-checkable code exposed
// at the API boundary. Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrInsufficientCredit):
		return "insufficient_credit"
	case errors.Is(err, ErrTooLateToModify):
		return "too_late_to_modify"
	case errors.Is(err, ErrTooLateToCancel):
		return "too_late_to_cancel"
	case errors.Is(err, ErrOriginalSeatsProtected):
		return "original_seats_protected"
	case errors.Is(err, ErrInsufficientRemovableSeats):
		return "insufficient_removable_seats"
	case errors.Is(err, ErrCardNotUsable):
		return "card_not_usable"
	case errors.Is(err, ErrSpotUnavailable):
		return "spot_unavailable"
	case errors.Is(err, ErrBookingNotActive):
		return "booking_not_active"
	case errors.Is(err, ErrGateway):
		return "gateway_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRelease):
		return "invalid_release"
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		return "duplicate_request"
	default:
		return "internal"
	}
}

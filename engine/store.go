/*
store.go - Persistence interfaces with atomic mutation contracts

PURPOSE:
  Defines the contract between the engine and the relational store.
  The crucial property: every balance-changing operation is a SINGLE
  atomic read-modify-write at the store (a guarded UPDATE), never a
  client-side read-then-conditionally-write. Two concurrent requests
  against the same session or credit instrument cannot both observe
  pre-mutation state and both commit.

ATOMIC OPERATIONS:
  ReserveSeats:    committed_seats += n  iff committed_seats + n <= capacity
  ReleaseSeats:    committed_seats -= n  iff committed_seats >= n
  DebitPunchCard:  remaining -= n        iff remaining >= n   (+ audit row)
  CreditPunchCard: remaining += n                              (+ audit row)
  DebitPoints:     points -= n           iff points >= n       (+ ledger row)
  CreditPoints:    points += n                                 (+ ledger row)
  TransitionSpot:  status: from -> to    iff status == from
  TransitionBooking: status: from -> to  iff status == from
  AdjustBookingSpots: spots += delta     iff active and spots + delta >= 1

APPEND-ONLY TABLES:
  punch_card_usage, booking_payments, employee_points_history. No
  Update, no Delete. Corrections are new rows.

CONCURRENCY:
  Different sessions/instruments proceed fully in parallel; there is no
  global lock. Store-level conflicts surface as ErrStoreConflict and
  are retried by WithRetry.

IMPLEMENTATIONS:
  - store/sqlite: production implementation (also used in tests with
    ":memory:" databases)
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// SESSION STORE - Capacity tracker
// =============================================================================

type SessionStore interface {
	GetSession(ctx context.Context, id SessionID) (*Session, error)
	SaveSession(ctx context.Context, s Session) error

	// ReserveSeats atomically commits n more seats iff the session has
	// room. Fails with CapacityError / ErrNotFound.
	ReserveSeats(ctx context.Context, id SessionID, n int) error

	// ReleaseSeats atomically releases n committed seats. Fails with
	// ErrInvalidRelease if n exceeds currently committed seats.
	ReleaseSeats(ctx context.Context, id SessionID, n int) error

	// SessionsStartedBetween returns sessions with from < StartAt <= to,
	// used by the hosting-award sweep.
	SessionsStartedBetween(ctx context.Context, from, to time.Time) ([]Session, error)
}

// =============================================================================
// PUNCH CARD STORE - Credit instrument + append-only audit
// =============================================================================

type PunchCardStore interface {
	GetPunchCard(ctx context.Context, id CardID) (*PunchCard, error)
	SavePunchCard(ctx context.Context, c PunchCard) error
	PunchCardsByOwner(ctx context.Context, owner MemberID) ([]PunchCard, error)

	// DebitPunchCard atomically subtracts spots punches and appends a
	// usage entry, flipping status to "used" at zero. Fails with
	// InsufficientCreditError if remaining < spots. Returns the
	// remaining balance after the debit.
	DebitPunchCard(ctx context.Context, id CardID, spots int, sessionID SessionID, reason string) (int, error)

	// CreditPunchCard atomically adds punches and appends an adjustment
	// entry, flipping a "used" card back to "active". Returns the
	// remaining balance after the credit.
	CreditPunchCard(ctx context.Context, id CardID, amount int, reason string) (int, error)

	// PunchCardUsage returns the audit trail, oldest first.
	PunchCardUsage(ctx context.Context, id CardID) ([]UsageEntry, error)

	// ExpirePunchCards flips active cards whose expiry has passed to
	// "expired". Returns how many cards were expired.
	ExpirePunchCards(ctx context.Context, now time.Time) (int, error)
}

// =============================================================================
// BOOKING STORE
// =============================================================================

type BookingStore interface {
	GetBooking(ctx context.Context, id BookingID) (*Booking, error)
	SaveBooking(ctx context.Context, b Booking) error

	// TransitionBooking atomically moves a booking from one status to
	// another iff it is currently in the expected status. Fails with
	// ErrBookingNotActive on a status race, so two concurrent
	// cancellations cannot both win.
	TransitionBooking(ctx context.Context, id BookingID, from, to BookingStatus) error

	// AdjustBookingSpots atomically changes the seat count by delta iff
	// the booking is active and the result stays >= 1. Relative, so a
	// concurrent adjustment cannot be overwritten by a stale read.
	AdjustBookingSpots(ctx context.Context, id BookingID, delta int) error

	// ReassignBookingPayments moves payment rows to a new booking id
	// (admin move). Row contents are never modified.
	ReassignBookingPayments(ctx context.Context, from, to BookingID) error

	// AppendBookingPayment appends an immutable payment row. Fails with
	// ErrDuplicateIdempotencyKey if the gateway charge ref is already
	// recorded for a non-refund row.
	AppendBookingPayment(ctx context.Context, p BookingPayment) error

	// BookingPayments returns all payment rows for a booking, oldest
	// first.
	BookingPayments(ctx context.Context, id BookingID) ([]BookingPayment, error)

	// AdditionalSeatPayments returns additional_seats rows newest first.
	// This ordering is the LIFO refund contract.
	AdditionalSeatPayments(ctx context.Context, id BookingID) ([]BookingPayment, error)

	// RefundedSeatsForCharge sums seats already refunded against a
	// gateway charge reference, so a replay after a crash between
	// gateway refund and ledger commit does not reissue refunds.
	RefundedSeatsForCharge(ctx context.Context, chargeRef string) (int, error)
}

// =============================================================================
// GUEST SPOT STORE
// =============================================================================

type SpotStore interface {
	GetSpot(ctx context.Context, id SpotID) (*GuestSpot, error)
	SaveSpot(ctx context.Context, s GuestSpot) error
	SpotsBySession(ctx context.Context, id SessionID) ([]GuestSpot, error)

	// TransitionSpot atomically moves a spot from one status to another
	// iff it is currently in the expected status, recording the actor
	// or guest where relevant. Fails with ErrSpotUnavailable on a
	// status race.
	TransitionSpot(ctx context.Context, id SpotID, from, to SpotStatus, bookedBy EmployeeID, guestName, guestEmail string) error

	// SpotsToAutoRelease returns reserved gusmester spots whose session
	// starts within the cutoff window (now <= start <= now+window).
	SpotsToAutoRelease(ctx context.Context, now, until time.Time) ([]GuestSpot, error)
}

// =============================================================================
// EMPLOYEE STORE - Points ledger
// =============================================================================

type EmployeeStore interface {
	GetEmployee(ctx context.Context, id EmployeeID) (*Employee, error)
	SaveEmployee(ctx context.Context, e Employee) error

	// DebitPoints atomically subtracts points and appends a signed
	// ledger row. Fails with InsufficientCreditError if the balance
	// would go negative.
	DebitPoints(ctx context.Context, id EmployeeID, amount int, reason string, sessionID SessionID) error

	// CreditPoints atomically adds points and appends a ledger row.
	CreditPoints(ctx context.Context, id EmployeeID, amount int, reason string, sessionID SessionID) error

	// PointsHistory returns the ledger rows, newest first.
	PointsHistory(ctx context.Context, id EmployeeID) ([]PointsEntry, error)

	// HasPointsEntry checks for an existing row with the given reason
	// and session. Used to make sweep awards idempotent.
	HasPointsEntry(ctx context.Context, id EmployeeID, sessionID SessionID, reason string) (bool, error)

	// HostsOfSpotsForSession returns the distinct host employee ids
	// across a session's spots.
	HostsOfSpotsForSession(ctx context.Context, id SessionID) ([]EmployeeID, error)
}

// =============================================================================
// STORE - Everything, plus transactions
// =============================================================================

type Store interface {
	SessionStore
	PunchCardStore
	BookingStore
	SpotStore
	EmployeeStore

	// WithTx executes fn within a store transaction. If fn returns an
	// error the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RETRY - Bounded retry for benign store contention
// =============================================================================

const maxConflictRetries = 3

// WithRetry runs fn, retrying up to maxConflictRetries times when it
// fails with ErrStoreConflict. Conflicts indicate contention, not
// caller error, so they are never surfaced on a successful retry.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		if err = fn(); !IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

/*
policy.go - Cancellation time-window policy

PURPOSE:
  Pure verdict functions over (now, sessionStartAt). Two cutoffs govern
  everything the engine time-gates:

    3h  - below this, no member cancellation or seat removal at all
    24h - below this, cancellation is allowed but earns no compensation
          (deliberate late-cancellation penalty)

TWO POLICIES, NOT ONE:
  Member-initiated cancellation follows the cutoffs strictly. The admin
  policy always permits cancellation and compensates by default (an
  operator override), with an explicit flag to skip compensation. These
  are distinct business policies and are kept as distinct types rather
  than unified.

SEE ALSO:
  - booking/: applies MemberCancelPolicy and AdminCancelPolicy
  - gusmester/: reuses the cutoffs for the points economy
*/
package engine

import "time"

// =============================================================================
// CUTOFFS
// =============================================================================

const (
	// CancelCutoff is the hard floor for member-initiated cancellation
	// and seat removal, and the guest-spot point-earning threshold.
	CancelCutoff = 3 * time.Hour

	// CompensationCutoff is the advance notice required for a cancelled
	// booking to earn compensation (punch-back or a new card).
	CompensationCutoff = 24 * time.Hour

	// GusmesterCancelCutoff is the window inside which a booked
	// gusmester spot can no longer be cancelled.
	GusmesterCancelCutoff = 24 * time.Hour
)

// DefaultPointCost is the points price of one spot for staff: what a
// gusmester spot costs to book, what a points-paid seat costs, and
// what an early guest-spot release earns.
const DefaultPointCost = 150

// HoursUntil returns the fractional hours from now until start.
// Negative once the session has begun.
func HoursUntil(now, startAt time.Time) float64 {
	return startAt.Sub(now).Hours()
}

// =============================================================================
// VERDICTS
// =============================================================================

type CancellationVerdict string

const (
	CannotCancel           CancellationVerdict = "cannot_cancel"
	CancelNoCompensation   CancellationVerdict = "cancel_no_compensation"
	CancelWithCompensation CancellationVerdict = "cancel_with_compensation"
)

// MemberCancelPolicy decides member-initiated cancellation.
type MemberCancelPolicy struct{}

func (MemberCancelPolicy) Decide(now, startAt time.Time) CancellationVerdict {
	until := startAt.Sub(now)
	switch {
	case until < CancelCutoff:
		return CannotCancel
	case until < CompensationCutoff:
		return CancelNoCompensation
	default:
		return CancelWithCompensation
	}
}

// AdminCancelPolicy decides administrator-initiated cancellation:
// always permitted, compensated regardless of timing unless the
// operator explicitly skips compensation.
type AdminCancelPolicy struct {
	SkipCompensation bool
}

func (p AdminCancelPolicy) Decide(now, startAt time.Time) CancellationVerdict {
	if p.SkipCompensation {
		return CancelNoCompensation
	}
	return CancelWithCompensation
}

// CanModifySeats reports whether partial seat removal is still allowed.
func CanModifySeats(now, startAt time.Time) bool {
	return startAt.Sub(now) >= CancelCutoff
}

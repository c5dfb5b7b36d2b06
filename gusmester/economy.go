/*
Package gusmester runs the staff spot economy: a parallel credit
system where hosting staff hold reserved spots on their sessions and
points move when those spots are claimed or given up.

SPOT LIFECYCLES:
  gusmester_spot: reserved for the host; any OTHER staff member may
    spend points to claim it. Unclaimed spots auto-release to the
    public pool at the 3h-before-start boundary via the sweep, with no
    point transfer.
  guest_spot: the host books it for themself or a named guest, or
    releases it manually. Releasing with >= 3h notice earns the host
    the spot's point value; later releases earn nothing.

POINTS:
  Balances live on the employee row, mutated through the same guarded
  store updates as every other credit instrument, with an append-only
  history. Hosting a session that actually started earns a one-time
  award, deduplicated against the history by (employee, session,
  reason).

SEE ALSO:
  - engine/policy.go: The 3h release threshold and 24h cancel window
  - api/scheduler.go: Drives Sweep on a ticker
*/
package gusmester

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/saunastudio/booking-engine/engine"
)

// Reasons recorded on points history rows. The hosting award reason
// doubles as the sweep's dedupe key, so it must stay stable.
const (
	ReasonSpotBooking   = "gusmester spot booking"
	ReasonSpotCancelled = "gusmester spot cancelled"
	ReasonGuestRelease  = "guest spot released early"
	ReasonHostingAward  = "hosting award"
)

// HostingAward is what a host earns for a session that ran.
const HostingAward = engine.DefaultPointCost

// hostingAwardLookback bounds how far back a sweep scans for sessions
// whose hosts are still owed an award. The HasPointsEntry dedupe makes
// overlapping scans safe, so the window is wide enough to cover sweeps
// that missed their schedule.
const hostingAwardLookback = 24 * time.Hour

// Economy is the staff spot and points orchestrator.
type Economy struct {
	store engine.Store
	clock engine.Clock
}

func NewEconomy(store engine.Store, clock engine.Clock) *Economy {
	return &Economy{store: store, clock: clock}
}

// =============================================================================
// SPOT SETUP
// =============================================================================

// ReserveHostSpots creates the host's pair of spots on a session: one
// gusmester spot other staff can claim, one guest spot for the host's
// own invitee.
func (e *Economy) ReserveHostSpots(ctx context.Context, sessionID engine.SessionID, host engine.EmployeeID) ([]engine.GuestSpot, error) {
	if _, err := e.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	now := e.clock.Now()
	spots := []engine.GuestSpot{
		{
			ID:             engine.SpotID("spot-" + uuid.NewString()),
			SessionID:      sessionID,
			Kind:           engine.SpotGusmester,
			Status:         engine.SpotReservedForHost,
			PointCost:      engine.DefaultPointCost,
			HostEmployeeID: host,
			CreatedAt:      now,
		},
		{
			ID:             engine.SpotID("spot-" + uuid.NewString()),
			SessionID:      sessionID,
			Kind:           engine.SpotGuest,
			Status:         engine.SpotReservedForHost,
			PointCost:      engine.DefaultPointCost,
			HostEmployeeID: host,
			CreatedAt:      now,
		},
	}
	for _, spot := range spots {
		if err := e.store.SaveSpot(ctx, spot); err != nil {
			return nil, err
		}
	}
	log.Printf("[Gusmester] reserved host spots on session %s for %s", sessionID, host)
	return spots, nil
}

// =============================================================================
// GUSMESTER SPOT
// =============================================================================

// BookSpot lets a staff member (not the host) claim a gusmester spot
// by spending its point cost. The status transition and the points
// debit commit together.
func (e *Economy) BookSpot(ctx context.Context, spotID engine.SpotID, caller engine.Caller) error {
	if !caller.IsStaff() {
		return fmt.Errorf("gusmester spots are staff-only: %w", engine.ErrUnauthorized)
	}
	spot, err := e.store.GetSpot(ctx, spotID)
	if err != nil {
		return err
	}
	if spot.Kind != engine.SpotGusmester {
		return fmt.Errorf("spot %s is a %s, not a gusmester spot", spotID, spot.Kind)
	}
	if spot.HostEmployeeID == caller.EmployeeID {
		return fmt.Errorf("hosts cannot book their own gusmester spot: %w", engine.ErrUnauthorized)
	}
	sess, err := e.store.GetSession(ctx, spot.SessionID)
	if err != nil {
		return err
	}
	if !sess.StartAt.After(e.clock.Now()) {
		return fmt.Errorf("session %s already started: %w", sess.ID, engine.ErrSpotUnavailable)
	}

	err = e.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.TransitionSpot(ctx, spotID,
			engine.SpotReservedForHost, engine.SpotBookedByGusmester,
			caller.EmployeeID, "", ""); err != nil {
			return err
		}
		return tx.DebitPoints(ctx, caller.EmployeeID, spot.PointCost,
			ReasonSpotBooking, spot.SessionID)
	})
	if err != nil {
		return err
	}
	log.Printf("[Gusmester] %s booked spot %s for %d points", caller.EmployeeID, spotID, spot.PointCost)
	return nil
}

// CancelSpotBooking gives a booked gusmester spot back to the host and
// refunds the points. Disallowed inside 24h of the session start.
func (e *Economy) CancelSpotBooking(ctx context.Context, spotID engine.SpotID, caller engine.Caller) error {
	spot, err := e.store.GetSpot(ctx, spotID)
	if err != nil {
		return err
	}
	if spot.Status != engine.SpotBookedByGusmester {
		return fmt.Errorf("spot %s is %s, nothing to cancel: %w", spotID, spot.Status, engine.ErrSpotUnavailable)
	}
	if spot.BookedByID != caller.EmployeeID && !caller.IsAdmin() {
		return fmt.Errorf("spot %s is booked by someone else: %w", spotID, engine.ErrUnauthorized)
	}
	sess, err := e.store.GetSession(ctx, spot.SessionID)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	if sess.StartAt.Sub(now) < engine.GusmesterCancelCutoff {
		return fmt.Errorf("spot bookings lock %s before start: %w",
			engine.GusmesterCancelCutoff, engine.ErrTooLateToCancel)
	}

	err = e.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.TransitionSpot(ctx, spotID,
			engine.SpotBookedByGusmester, engine.SpotReservedForHost, "", "", ""); err != nil {
			return err
		}
		return tx.CreditPoints(ctx, spot.BookedByID, spot.PointCost,
			ReasonSpotCancelled, spot.SessionID)
	})
	if err != nil {
		return err
	}
	log.Printf("[Gusmester] %s cancelled spot %s, %d points refunded",
		spot.BookedByID, spotID, spot.PointCost)
	return nil
}

// =============================================================================
// GUEST SPOT
// =============================================================================

// BookGuest books the host's guest spot for a named guest, or for the
// host themself when no guest is named.
func (e *Economy) BookGuest(ctx context.Context, spotID engine.SpotID, caller engine.Caller, guestName, guestEmail string) error {
	spot, err := e.loadHostSpot(ctx, spotID, caller)
	if err != nil {
		return err
	}
	sess, err := e.store.GetSession(ctx, spot.SessionID)
	if err != nil {
		return err
	}
	if !sess.StartAt.After(e.clock.Now()) {
		return fmt.Errorf("session %s already started: %w", sess.ID, engine.ErrSpotUnavailable)
	}

	if err := e.store.TransitionSpot(ctx, spotID,
		engine.SpotReservedForHost, engine.SpotBookedByHost,
		caller.EmployeeID, guestName, guestEmail); err != nil {
		return err
	}
	if guestName == "" {
		log.Printf("[Gusmester] host %s took guest spot %s", caller.EmployeeID, spotID)
	} else {
		log.Printf("[Gusmester] host %s booked guest spot %s for %s", caller.EmployeeID, spotID, guestName)
	}
	return nil
}

// ReleaseGuestSpot returns the host's guest spot to the public pool.
// Releasing with at least 3h notice earns the host the spot's point
// value; a later release still frees the spot but earns nothing.
func (e *Economy) ReleaseGuestSpot(ctx context.Context, spotID engine.SpotID, caller engine.Caller) (pointsEarned int, err error) {
	spot, err := e.loadHostSpot(ctx, spotID, caller)
	if err != nil {
		return 0, err
	}
	sess, err := e.store.GetSession(ctx, spot.SessionID)
	if err != nil {
		return 0, err
	}
	now := e.clock.Now()
	if !sess.StartAt.After(now) {
		return 0, fmt.Errorf("session %s already started: %w", sess.ID, engine.ErrSpotUnavailable)
	}
	earnsPoints := sess.StartAt.Sub(now) >= engine.CancelCutoff

	err = e.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.TransitionSpot(ctx, spotID,
			engine.SpotReservedForHost, engine.SpotReleasedToPublic, "", "", ""); err != nil {
			return err
		}
		if !earnsPoints {
			return nil
		}
		return tx.CreditPoints(ctx, spot.HostEmployeeID, spot.PointCost,
			ReasonGuestRelease, spot.SessionID)
	})
	if err != nil {
		return 0, err
	}
	if earnsPoints {
		log.Printf("[Gusmester] host %s released spot %s, earned %d points",
			spot.HostEmployeeID, spotID, spot.PointCost)
		return spot.PointCost, nil
	}
	log.Printf("[Gusmester] host %s released spot %s late, no points", spot.HostEmployeeID, spotID)
	return 0, nil
}

func (e *Economy) loadHostSpot(ctx context.Context, spotID engine.SpotID, caller engine.Caller) (*engine.GuestSpot, error) {
	spot, err := e.store.GetSpot(ctx, spotID)
	if err != nil {
		return nil, err
	}
	if spot.Kind != engine.SpotGuest {
		return nil, fmt.Errorf("spot %s is a %s, not a guest spot", spotID, spot.Kind)
	}
	if spot.HostEmployeeID != caller.EmployeeID && !caller.IsAdmin() {
		return nil, fmt.Errorf("spot %s belongs to another host: %w", spotID, engine.ErrUnauthorized)
	}
	return spot, nil
}

// =============================================================================
// SWEEP
// =============================================================================

// SweepReport summarizes one scheduled sweep pass.
type SweepReport struct {
	SpotsReleased int
	AwardsGranted int
}

// Sweep runs the two scheduled jobs of the economy:
//
//  1. Auto-release: unclaimed gusmester spots on sessions starting
//     within the next 3h go to the public pool, no points to anyone.
//  2. Hosting award: hosts of sessions that started within the last
//     hour earn a one-time award, deduplicated against the points
//     history so repeated sweeps never double-award.
func (e *Economy) Sweep(ctx context.Context) (*SweepReport, error) {
	now := e.clock.Now()
	report := &SweepReport{}

	spots, err := e.store.SpotsToAutoRelease(ctx, now, now.Add(engine.CancelCutoff))
	if err != nil {
		return nil, err
	}
	for _, spot := range spots {
		err := e.store.TransitionSpot(ctx, spot.ID,
			engine.SpotReservedForHost, engine.SpotReleasedToPublic, "", "", "")
		if err != nil {
			// A concurrent claim winning the race is fine; skip it.
			if engine.IsClientError(err) {
				continue
			}
			return report, err
		}
		report.SpotsReleased++
	}

	started, err := e.store.SessionsStartedBetween(ctx, now.Add(-hostingAwardLookback), now)
	if err != nil {
		return report, err
	}
	for _, sess := range started {
		hosts, err := e.store.HostsOfSpotsForSession(ctx, sess.ID)
		if err != nil {
			return report, err
		}
		for _, host := range hosts {
			granted, err := e.store.HasPointsEntry(ctx, host, sess.ID, ReasonHostingAward)
			if err != nil {
				return report, err
			}
			if granted {
				continue
			}
			if err := e.store.CreditPoints(ctx, host, HostingAward, ReasonHostingAward, sess.ID); err != nil {
				return report, err
			}
			report.AwardsGranted++
		}
	}

	if report.SpotsReleased > 0 || report.AwardsGranted > 0 {
		log.Printf("[Gusmester] sweep: released %d spots, granted %d hosting awards",
			report.SpotsReleased, report.AwardsGranted)
	}
	return report, nil
}

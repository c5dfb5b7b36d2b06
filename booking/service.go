/*
Package booking orchestrates seat mutations: creating bookings, adding
and removing seats, and cancellation for members and administrators.

PURPOSE:
  Every operation here is a sequence over the same four collaborators:
  the capacity tracker (session seat counts), the credit ledger (punch
  cards and points), the payment gateway, and the cancellation policy.
  The orchestration order is fixed:

    1. policy check (pure, no I/O)
    2. seat reservation/release (atomic at the store)
    3. money movement (gateway call OUTSIDE any store transaction)
    4. ledger commit recording the gateway reference

FAILURE MODEL:
  A gateway call that fails after seats were reserved releases the
  seats again (compensation, not rollback). A refund that succeeded at
  the gateway is committed to the ledger immediately, one row per
  refund, before the next refund is attempted - a crash mid-sequence
  leaves already-issued refunds recorded, and RefundedSeatsForCharge
  prevents reissuing them on replay. Multi-refund removals report
  exactly which refunds landed even when a later one fails.

SEE ALSO:
  - engine/policy.go: The 3h/24h cutoffs and verdicts
  - credit/ledger.go: Punch card spend/restore/mint
  - gateway/gateway.go: Charge and refund surface
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/saunastudio/booking-engine/credit"
	"github.com/saunastudio/booking-engine/engine"
	"github.com/saunastudio/booking-engine/gateway"
)

// Service is the seat mutation orchestrator.
type Service struct {
	store  engine.Store
	gw     gateway.Gateway
	credit *credit.Ledger
	clock  engine.Clock
	policy engine.MemberCancelPolicy
}

func NewService(store engine.Store, gw gateway.Gateway, ledger *credit.Ledger, clock engine.Clock) *Service {
	return &Service{store: store, gw: gw, credit: ledger, clock: clock}
}

// =============================================================================
// CREATE
// =============================================================================

// CreateRequest describes a new reservation. IdempotencyRef is
// client-generated; the gateway dedupes card charges on it, so a
// retried request cannot double-charge.
type CreateRequest struct {
	SessionID      engine.SessionID
	Caller         engine.Caller
	Spots          int
	PaymentMethod  engine.PaymentMethod
	PunchCardID    engine.CardID // required for punch_card payment
	IdempotencyRef string        // required for card payment
}

// CreateBooking reserves seats, settles payment, and commits the
// booking with its initial payment row.
func (s *Service) CreateBooking(ctx context.Context, req CreateRequest) (*engine.Booking, error) {
	if req.Spots < 1 {
		return nil, fmt.Errorf("spots must be at least 1, got %d", req.Spots)
	}
	sess, err := s.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !sess.StartAt.After(now) {
		return nil, fmt.Errorf("session %s already started: %w", sess.ID, engine.ErrTooLateToModify)
	}
	if req.PaymentMethod == engine.PayPoints {
		if !req.Caller.IsStaff() {
			return nil, fmt.Errorf("points payment is staff-only: %w", engine.ErrUnauthorized)
		}
		if req.Caller.EmployeeID == "" {
			return nil, fmt.Errorf("points payment requires an employee id: %w", engine.ErrUnauthorized)
		}
	}

	// Seats first. Everything after this point must release them on
	// failure.
	if err := engine.WithRetry(ctx, func() error {
		return s.store.ReserveSeats(ctx, req.SessionID, req.Spots)
	}); err != nil {
		return nil, err
	}

	bookingID := engine.BookingID("bk-" + uuid.NewString())
	amount, chargeRef, payErr := s.settlePayment(ctx, req, sess, bookingID)
	if payErr != nil {
		s.releaseSeatsBestEffort(ctx, req.SessionID, req.Spots)
		return nil, payErr
	}

	booking := engine.Booking{
		ID:            bookingID,
		SessionID:     req.SessionID,
		OwnerID:       req.Caller.MemberID,
		Spots:         req.Spots,
		Status:        engine.BookingActive,
		PaymentMethod: req.PaymentMethod,
		PaymentAmount: amount,
		PunchCardID:   req.PunchCardID,
		CreatedAt:     now,
	}
	if req.PaymentMethod != engine.PayPunchCard {
		booking.PunchCardID = ""
	}
	if req.PaymentMethod == engine.PayPoints {
		// Points refunds must credit the paying employee account, which
		// is not derivable from the member id.
		booking.EmployeeID = req.Caller.EmployeeID
	}

	err = s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.SaveBooking(ctx, booking); err != nil {
			return err
		}
		return tx.AppendBookingPayment(ctx, engine.BookingPayment{
			ID:               engine.PaymentID("pay-" + uuid.NewString()),
			BookingID:        bookingID,
			Type:             engine.PaymentInitial,
			SeatsCount:       req.Spots,
			Amount:           amount,
			GatewayChargeRef: chargeRef,
			CreatedAt:        now,
		})
	})
	if err != nil {
		if errors.Is(err, engine.ErrDuplicateIdempotencyKey) {
			// Benign replay: the original booking already holds these
			// seats and the gateway deduped the charge. Give back the
			// seats this retry reserved or capacity leaks on every retry.
			s.releaseSeatsBestEffort(ctx, req.SessionID, req.Spots)
			return nil, err
		}
		// The charge (if any) stands at the gateway; the idempotency
		// ref lets a replay reconcile rather than re-charge.
		log.Printf("[Booking] commit failed for %s after payment settled (charge %s): %v",
			bookingID, chargeRef, err)
		return nil, err
	}

	log.Printf("[Booking] created %s: session %s, %d spots, %s, %s kr",
		bookingID, req.SessionID, req.Spots, req.PaymentMethod, amount)
	return &booking, nil
}

// settlePayment moves money (or credit) for a new booking and returns
// the booked amount plus the gateway charge ref for card payments.
func (s *Service) settlePayment(ctx context.Context, req CreateRequest, sess *engine.Session, bookingID engine.BookingID) (engine.Money, string, error) {
	switch req.PaymentMethod {
	case engine.PayPunchCard:
		if req.PunchCardID == "" {
			return engine.ZeroMoney(), "", fmt.Errorf("punch card payment requires a card id")
		}
		if _, err := s.credit.Spend(ctx, req.PunchCardID, req.Caller.MemberID, sess, req.Spots); err != nil {
			return engine.ZeroMoney(), "", err
		}
		return engine.ZeroMoney(), "", nil

	case engine.PayCard:
		if req.IdempotencyRef == "" {
			return engine.ZeroMoney(), "", fmt.Errorf("card payment requires an idempotency reference")
		}
		amount := sess.SeatPrice.MulInt(req.Spots)
		chargeRef, err := s.gw.Charge(ctx, amount, req.IdempotencyRef, map[string]string{
			"booking_id": string(bookingID),
			"session_id": string(sess.ID),
		})
		if err != nil {
			return engine.ZeroMoney(), "", err
		}
		return amount, chargeRef, nil

	case engine.PayPoints:
		cost := req.Spots * engine.DefaultPointCost
		err := s.store.DebitPoints(ctx, req.Caller.EmployeeID, cost,
			"points booking", sess.ID)
		if err != nil {
			return engine.ZeroMoney(), "", err
		}
		return engine.ZeroMoney(), "", nil

	default:
		return engine.ZeroMoney(), "", fmt.Errorf("unknown payment method %q", req.PaymentMethod)
	}
}

// =============================================================================
// ADD SEATS
// =============================================================================

// AddSeats grows a card-paid booking. The added seats get their own
// gateway authorization recorded as an additional_seats payment row;
// the original charge is never modified.
func (s *Service) AddSeats(ctx context.Context, bookingID engine.BookingID, caller engine.Caller, n int, idempotencyRef string) (*engine.Booking, error) {
	if n < 1 {
		return nil, fmt.Errorf("seats to add must be at least 1, got %d", n)
	}
	b, sess, err := s.loadActiveBooking(ctx, bookingID, caller)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !engine.CanModifySeats(now, sess.StartAt) {
		return nil, fmt.Errorf("session starts in %.1fh: %w",
			engine.HoursUntil(now, sess.StartAt), engine.ErrTooLateToModify)
	}
	if b.PaymentMethod != engine.PayCard {
		return nil, fmt.Errorf("seats can only be added to card-paid bookings, this one paid by %s", b.PaymentMethod)
	}
	if idempotencyRef == "" {
		return nil, fmt.Errorf("adding seats requires an idempotency reference")
	}

	if err := engine.WithRetry(ctx, func() error {
		return s.store.ReserveSeats(ctx, b.SessionID, n)
	}); err != nil {
		return nil, err
	}

	amount := sess.SeatPrice.MulInt(n)
	chargeRef, err := s.gw.Charge(ctx, amount, idempotencyRef, map[string]string{
		"booking_id": string(bookingID),
		"session_id": string(sess.ID),
	})
	if err != nil {
		s.releaseSeatsBestEffort(ctx, b.SessionID, n)
		return nil, err
	}

	newSpots := b.Spots + n
	err = s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.AppendBookingPayment(ctx, engine.BookingPayment{
			ID:               engine.PaymentID("pay-" + uuid.NewString()),
			BookingID:        bookingID,
			Type:             engine.PaymentAdditionalSeats,
			SeatsCount:       n,
			Amount:           amount,
			GatewayChargeRef: chargeRef,
			CreatedAt:        now,
		}); err != nil {
			return err
		}
		return tx.AdjustBookingSpots(ctx, bookingID, n)
	})
	if err != nil {
		if errors.Is(err, engine.ErrDuplicateIdempotencyKey) {
			// Replayed idempotency ref: the earlier call already holds
			// the seats, so release the ones this retry reserved.
			s.releaseSeatsBestEffort(ctx, b.SessionID, n)
			return nil, err
		}
		log.Printf("[Booking] add-seats commit failed for %s (charge %s): %v", bookingID, chargeRef, err)
		return nil, err
	}

	b.Spots = newSpots
	log.Printf("[Booking] %s grew by %d seats to %d (%s kr, charge %s)",
		bookingID, n, newSpots, amount, chargeRef)
	return b, nil
}

// =============================================================================
// REMOVE SEATS (LIFO partial removal)
// =============================================================================

// IssuedRefund records one gateway refund that actually landed.
type IssuedRefund struct {
	PaymentID engine.PaymentID
	ChargeRef string
	RefundRef string
	Seats     int
	Amount    engine.Money
}

// RefundReport is returned from RemoveSeats even on partial failure,
// so the caller knows exactly which refunds went out.
type RefundReport struct {
	SeatsRemoved int
	Refunds      []IssuedRefund
}

// RemoveSeats removes n seats from a booking by refunding the newest
// additional_seats payments first. Original-booking seats are never
// removable this way; use CancelBooking for those.
func (s *Service) RemoveSeats(ctx context.Context, bookingID engine.BookingID, caller engine.Caller, n int) (*RefundReport, error) {
	if n < 1 {
		return nil, fmt.Errorf("seats to remove must be at least 1, got %d", n)
	}
	b, sess, err := s.loadActiveBooking(ctx, bookingID, caller)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if !engine.CanModifySeats(now, sess.StartAt) {
		return nil, fmt.Errorf("session starts in %.1fh: %w",
			engine.HoursUntil(now, sess.StartAt), engine.ErrTooLateToModify)
	}

	additions, err := s.store.AdditionalSeatPayments(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if len(additions) == 0 {
		return nil, fmt.Errorf("booking %s has no added seats: %w", bookingID, engine.ErrOriginalSeatsProtected)
	}

	// All-or-nothing precheck before any money moves: count seats still
	// refundable per payment, net of refunds already issued against its
	// charge (a crashed earlier removal may have left some).
	type slot struct {
		payment   engine.BookingPayment
		removable int
	}
	var (
		slots     []slot
		removable int
	)
	for _, p := range additions {
		refunded, err := s.store.RefundedSeatsForCharge(ctx, p.GatewayChargeRef)
		if err != nil {
			return nil, err
		}
		left := p.SeatsCount - refunded
		if left > 0 {
			slots = append(slots, slot{payment: p, removable: left})
			removable += left
		}
	}
	if removable < n {
		return nil, &engine.RemovableSeatsError{
			BookingID: bookingID,
			Removable: removable,
			Requested: n,
		}
	}

	// Walk newest-first, refunding proportionally. Each successful
	// refund is committed immediately; a later gateway failure must not
	// lose the record of refunds already issued.
	report := &RefundReport{}
	remaining := n
	for _, sl := range slots {
		if remaining == 0 {
			break
		}
		take := min(remaining, sl.removable)
		refundAmount := sl.payment.Amount.DivInt(sl.payment.SeatsCount).MulInt(take).Round()

		refundRef, err := s.gw.Refund(ctx, sl.payment.GatewayChargeRef, refundAmount, map[string]string{
			"booking_id": string(bookingID),
			"seats":      fmt.Sprintf("%d", take),
		})
		if err != nil {
			log.Printf("[Booking] refund failed for %s after %d of %d seats refunded: %v",
				bookingID, report.SeatsRemoved, n, err)
			s.commitRemoval(ctx, b, report)
			return report, err
		}

		issued := IssuedRefund{
			PaymentID: sl.payment.ID,
			ChargeRef: sl.payment.GatewayChargeRef,
			RefundRef: refundRef,
			Seats:     take,
			Amount:    refundAmount,
		}
		if err := s.store.AppendBookingPayment(ctx, engine.BookingPayment{
			ID:               engine.PaymentID("pay-" + uuid.NewString()),
			BookingID:        bookingID,
			Type:             engine.PaymentRefund,
			SeatsCount:       take,
			Amount:           refundAmount,
			GatewayChargeRef: sl.payment.GatewayChargeRef,
			GatewayRefundRef: refundRef,
			CreatedAt:        s.clock.Now(),
		}); err != nil {
			// Refund went out but the row did not land. Report it; a
			// replay will see it via RefundedSeatsForCharge once the
			// store recovers.
			report.Refunds = append(report.Refunds, issued)
			report.SeatsRemoved += take
			s.commitRemoval(ctx, b, report)
			return report, err
		}
		report.Refunds = append(report.Refunds, issued)
		report.SeatsRemoved += take
		remaining -= take
	}

	if err := s.commitRemoval(ctx, b, report); err != nil {
		return report, err
	}
	log.Printf("[Booking] removed %d seats from %s across %d refunds",
		report.SeatsRemoved, bookingID, len(report.Refunds))
	return report, nil
}

// commitRemoval shrinks the booking and releases capacity for the
// seats whose refunds actually landed.
func (s *Service) commitRemoval(ctx context.Context, b *engine.Booking, report *RefundReport) error {
	if report.SeatsRemoved == 0 {
		return nil
	}
	return s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.AdjustBookingSpots(ctx, b.ID, -report.SeatsRemoved); err != nil {
			return err
		}
		return tx.ReleaseSeats(ctx, b.SessionID, report.SeatsRemoved)
	})
}

// =============================================================================
// CANCELLATION
// =============================================================================

// CancelResult reports what compensation (if any) a cancellation earned.
type CancelResult struct {
	Verdict         engine.CancellationVerdict
	RestoredPunches int               // punches credited back to the paying card
	RestoredPoints  int               // points credited back for points bookings
	MintedCard      *engine.PunchCard // new card for compensated card payments
}

// CancelBooking cancels a member's booking under the member policy:
// rejected inside 3h, no compensation inside 24h, compensated beyond.
func (s *Service) CancelBooking(ctx context.Context, bookingID engine.BookingID, caller engine.Caller, reason string) (*CancelResult, error) {
	b, sess, err := s.loadActiveBooking(ctx, bookingID, caller)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	verdict := s.policy.Decide(now, sess.StartAt)
	if verdict == engine.CannotCancel {
		return nil, fmt.Errorf("session starts in %.1fh: %w",
			engine.HoursUntil(now, sess.StartAt), engine.ErrTooLateToCancel)
	}
	return s.cancel(ctx, b, sess, verdict, reason)
}

// AdminCancelBooking cancels any booking as an operator override:
// always permitted, compensated regardless of timing unless skipped.
func (s *Service) AdminCancelBooking(ctx context.Context, bookingID engine.BookingID, caller engine.Caller, skipCompensation bool, reason string) (*CancelResult, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("admin cancellation requires admin role: %w", engine.ErrUnauthorized)
	}
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != engine.BookingActive {
		return nil, fmt.Errorf("booking %s is already %s: %w", bookingID, b.Status, engine.ErrBookingNotActive)
	}
	sess, err := s.store.GetSession(ctx, b.SessionID)
	if err != nil {
		return nil, err
	}
	verdict := engine.AdminCancelPolicy{SkipCompensation: skipCompensation}.Decide(s.clock.Now(), sess.StartAt)
	return s.cancel(ctx, b, sess, verdict, reason)
}

// cancel applies an already-decided verdict in one store transaction.
// The status compare-and-set goes first: a concurrent cancellation
// that already won makes this one fail before any compensation is
// committed, so punches, points and seats can never be credited twice.
func (s *Service) cancel(ctx context.Context, b *engine.Booking, sess *engine.Session, verdict engine.CancellationVerdict, reason string) (*CancelResult, error) {
	result := &CancelResult{Verdict: verdict}

	err := s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.TransitionBooking(ctx, b.ID, engine.BookingActive, engine.BookingCancelled); err != nil {
			return err
		}
		if err := tx.ReleaseSeats(ctx, b.SessionID, b.Spots); err != nil {
			return err
		}
		if verdict != engine.CancelWithCompensation {
			return nil
		}

		ledger := s.credit.WithStore(tx)
		switch b.PaymentMethod {
		case engine.PayPunchCard:
			// Punches go back to the card that paid.
			if _, err := ledger.Restore(ctx, b.PunchCardID, b.Spots,
				fmt.Sprintf("booking %s cancelled: %s", b.ID, reason)); err != nil {
				return err
			}
			result.RestoredPunches = b.Spots

		case engine.PayCard:
			// Card payments compensate with a fresh punch card worth the
			// cancelled seats, usable on equivalent sessions.
			card, err := ledger.Mint(ctx, b.OwnerID, b.Spots, b.PaymentAmount, sess.GroupType)
			if err != nil {
				return err
			}
			result.MintedCard = card

		case engine.PayPoints:
			points := b.Spots * engine.DefaultPointCost
			if err := tx.CreditPoints(ctx, b.EmployeeID, points,
				fmt.Sprintf("points booking %s cancelled", b.ID), b.SessionID); err != nil {
				return err
			}
			result.RestoredPoints = points
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Booking] cancelled %s (%s): %s", b.ID, verdict, reason)
	return result, nil
}

// =============================================================================
// ADMIN MOVE
// =============================================================================

// AdminMoveBooking moves a booking to another session of the same
// group type: seats shift, the payment trail follows, no money moves.
func (s *Service) AdminMoveBooking(ctx context.Context, bookingID engine.BookingID, targetSessionID engine.SessionID, caller engine.Caller) (*engine.Booking, error) {
	if !caller.IsAdmin() {
		return nil, fmt.Errorf("moving a booking requires admin role: %w", engine.ErrUnauthorized)
	}
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != engine.BookingActive {
		return nil, fmt.Errorf("booking %s is already %s: %w", bookingID, b.Status, engine.ErrBookingNotActive)
	}
	source, err := s.store.GetSession(ctx, b.SessionID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetSession(ctx, targetSessionID)
	if err != nil {
		return nil, err
	}
	if target.GroupType != source.GroupType {
		return nil, fmt.Errorf("cannot move %s booking to %s session %s",
			source.GroupType, target.GroupType, targetSessionID)
	}
	if !target.StartAt.After(s.clock.Now()) {
		return nil, fmt.Errorf("target session %s already started: %w", targetSessionID, engine.ErrTooLateToModify)
	}

	if err := engine.WithRetry(ctx, func() error {
		return s.store.ReserveSeats(ctx, targetSessionID, b.Spots)
	}); err != nil {
		return nil, err
	}

	moved := engine.Booking{
		ID:            engine.BookingID("bk-" + uuid.NewString()),
		SessionID:     targetSessionID,
		OwnerID:       b.OwnerID,
		Spots:         b.Spots,
		Status:        engine.BookingActive,
		PaymentMethod: b.PaymentMethod,
		PaymentAmount: b.PaymentAmount,
		PunchCardID:   b.PunchCardID,
		EmployeeID:    b.EmployeeID,
		CreatedAt:     s.clock.Now(),
	}
	err = s.store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.SaveBooking(ctx, moved); err != nil {
			return err
		}
		if err := tx.ReassignBookingPayments(ctx, b.ID, moved.ID); err != nil {
			return err
		}
		if err := tx.TransitionBooking(ctx, b.ID, engine.BookingActive, engine.BookingCancelled); err != nil {
			return err
		}
		return tx.ReleaseSeats(ctx, b.SessionID, b.Spots)
	})
	if err != nil {
		s.releaseSeatsBestEffort(ctx, targetSessionID, b.Spots)
		return nil, err
	}

	log.Printf("[Booking] moved %s to session %s as %s", bookingID, targetSessionID, moved.ID)
	return &moved, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// loadActiveBooking fetches a booking with its session and checks the
// caller may act on it (owner or admin).
func (s *Service) loadActiveBooking(ctx context.Context, id engine.BookingID, caller engine.Caller) (*engine.Booking, *engine.Session, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if b.OwnerID != caller.MemberID && !caller.IsAdmin() {
		return nil, nil, fmt.Errorf("booking %s belongs to another member: %w", id, engine.ErrUnauthorized)
	}
	if b.Status != engine.BookingActive {
		return nil, nil, fmt.Errorf("booking %s is already %s: %w", id, b.Status, engine.ErrBookingNotActive)
	}
	sess, err := s.store.GetSession(ctx, b.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return b, sess, nil
}

func (s *Service) releaseSeatsBestEffort(ctx context.Context, id engine.SessionID, n int) {
	if err := engine.WithRetry(ctx, func() error {
		return s.store.ReleaseSeats(ctx, id, n)
	}); err != nil {
		log.Printf("[Booking] failed to release %d seats on session %s after payment failure: %v", n, id, err)
	}
}

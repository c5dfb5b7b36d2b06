/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types
  decouple the engine's domain model from the external API contract.

RESULT ENVELOPE:
  Mutating endpoints return a structured result rather than bare
  domain objects: a success flag, a human-readable message, and a
  machine-checkable error code. Clients branch on the code, humans
  read the message.

CALLER IDENTITY:
  Authentication is an external collaborator. Requests carry the
  already-authenticated caller (member id, employee id, role) in the
  body; this layer trusts it.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/errors.go: ErrorCode mapping
*/
package api

import (
	"time"

	"github.com/saunastudio/booking-engine/booking"
	"github.com/saunastudio/booking-engine/engine"
)

// =============================================================================
// CALLER
// =============================================================================

// CallerDTO is the authenticated identity attached to every mutating
// request.
type CallerDTO struct {
	MemberID   string `json:"memberId"`
	EmployeeID string `json:"employeeId,omitempty"`
	Role       string `json:"role"`
}

func (c CallerDTO) toCaller() engine.Caller {
	return engine.Caller{
		MemberID:   engine.MemberID(c.MemberID),
		EmployeeID: engine.EmployeeID(c.EmployeeID),
		Role:       engine.Role(c.Role),
	}
}

// =============================================================================
// REQUESTS
// =============================================================================

type CreateBookingRequest struct {
	Caller         CallerDTO `json:"caller"`
	SessionID      string    `json:"sessionId"`
	Spots          int       `json:"spots"`
	PaymentMethod  string    `json:"paymentMethod"`
	PunchCardID    string    `json:"punchCardId,omitempty"`
	IdempotencyRef string    `json:"idempotencyRef,omitempty"`
}

type SeatChangeRequest struct {
	Caller         CallerDTO `json:"caller"`
	Seats          int       `json:"seats"`
	IdempotencyRef string    `json:"idempotencyRef,omitempty"`
}

type CancelBookingRequest struct {
	Caller CallerDTO `json:"caller"`
	Reason string    `json:"reason"`
}

type AdminCancelRequest struct {
	Caller           CallerDTO `json:"caller"`
	Reason           string    `json:"reason"`
	SkipCompensation bool      `json:"skipCompensation"`
}

type AdminMoveRequest struct {
	Caller          CallerDTO `json:"caller"`
	TargetSessionID string    `json:"targetSessionId"`
}

type SpotActionRequest struct {
	Caller CallerDTO `json:"caller"`
}

type BookGuestRequest struct {
	Caller     CallerDTO `json:"caller"`
	GuestName  string    `json:"guestName,omitempty"`
	GuestEmail string    `json:"guestEmail,omitempty"`
}

type ReserveHostSpotsRequest struct {
	Caller         CallerDTO `json:"caller"`
	HostEmployeeID string    `json:"hostEmployeeId"`
}

type CreateSessionRequest struct {
	Caller              CallerDTO `json:"caller"`
	Name                string    `json:"name"`
	GroupType           string    `json:"groupType"`
	StartAt             time.Time `json:"startAt"`
	DurationMinutes     int       `json:"durationMinutes"`
	Capacity            int       `json:"capacity"`
	MinimumParticipants int       `json:"minimumParticipants"`
	SeatPrice           float64   `json:"seatPrice"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ResultDTO is the envelope every mutating endpoint returns.
type ResultDTO struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"` // machine-checkable error kind
	Data    any    `json:"data,omitempty"`
}

type BookingDTO struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	OwnerID       string    `json:"ownerId"`
	Spots         int       `json:"spots"`
	Status        string    `json:"status"`
	PaymentMethod string    `json:"paymentMethod"`
	PaymentAmount float64   `json:"paymentAmount"`
	PunchCardID   string    `json:"punchCardId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toBookingDTO(b *engine.Booking) BookingDTO {
	return BookingDTO{
		ID:            string(b.ID),
		SessionID:     string(b.SessionID),
		OwnerID:       string(b.OwnerID),
		Spots:         b.Spots,
		Status:        string(b.Status),
		PaymentMethod: string(b.PaymentMethod),
		PaymentAmount: b.PaymentAmount.Float64(),
		PunchCardID:   string(b.PunchCardID),
		CreatedAt:     b.CreatedAt,
	}
}

type SessionDTO struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	GroupType           string    `json:"groupType"`
	StartAt             time.Time `json:"startAt"`
	DurationMinutes     int       `json:"durationMinutes"`
	Capacity            int       `json:"capacity"`
	CommittedSeats      int       `json:"committedSeats"`
	SpotsLeft           int       `json:"spotsLeft"`
	MinimumParticipants int       `json:"minimumParticipants"`
	SeatPrice           float64   `json:"seatPrice"`
}

func toSessionDTO(s *engine.Session) SessionDTO {
	return SessionDTO{
		ID:                  string(s.ID),
		Name:                s.Name,
		GroupType:           s.GroupType,
		StartAt:             s.StartAt,
		DurationMinutes:     s.DurationMinutes,
		Capacity:            s.Capacity,
		CommittedSeats:      s.CommittedSeats,
		SpotsLeft:           s.SpotsLeft(),
		MinimumParticipants: s.MinimumParticipants,
		SeatPrice:           s.SeatPrice.Float64(),
	}
}

type PunchCardDTO struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"ownerId"`
	TotalPunches     int       `json:"totalPunches"`
	RemainingPunches int       `json:"remainingPunches"`
	Price            float64   `json:"price"`
	ExpiryDate       time.Time `json:"expiryDate,omitempty"`
	Status           string    `json:"status"`
	ValidGroupTypes  []string  `json:"validGroupTypes,omitempty"`
}

func toPunchCardDTO(c *engine.PunchCard) PunchCardDTO {
	return PunchCardDTO{
		ID:               string(c.ID),
		OwnerID:          string(c.OwnerID),
		TotalPunches:     c.TotalPunches,
		RemainingPunches: c.RemainingPunches,
		Price:            c.Price.Float64(),
		ExpiryDate:       c.ExpiryDate,
		Status:           string(c.Status),
		ValidGroupTypes:  c.ValidGroupTypes,
	}
}

type UsageEntryDTO struct {
	Kind           string    `json:"kind"`
	SessionID      string    `json:"sessionId,omitempty"`
	SpotsUsed      int       `json:"spotsUsed,omitempty"`
	Amount         int       `json:"amount,omitempty"`
	Direction      string    `json:"direction,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RemainingAfter int       `json:"remainingAfter"`
	CreatedAt      time.Time `json:"createdAt"`
}

type SpotDTO struct {
	ID             string `json:"id"`
	SessionID      string `json:"sessionId"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	PointCost      int    `json:"pointCost"`
	HostEmployeeID string `json:"hostEmployeeId"`
	BookedByID     string `json:"bookedById,omitempty"`
	GuestName      string `json:"guestName,omitempty"`
}

func toSpotDTO(s *engine.GuestSpot) SpotDTO {
	return SpotDTO{
		ID:             string(s.ID),
		SessionID:      string(s.SessionID),
		Kind:           string(s.Kind),
		Status:         string(s.Status),
		PointCost:      s.PointCost,
		HostEmployeeID: string(s.HostEmployeeID),
		BookedByID:     string(s.BookedByID),
		GuestName:      s.GuestName,
	}
}

type PointsBalanceDTO struct {
	EmployeeID string           `json:"employeeId"`
	Points     int              `json:"points"`
	History    []PointsEntryDTO `json:"history"`
}

type PointsEntryDTO struct {
	Amount           int       `json:"amount"`
	Reason           string    `json:"reason"`
	RelatedSessionID string    `json:"relatedSessionId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

type RefundReportDTO struct {
	SeatsRemoved int               `json:"seatsRemoved"`
	Refunds      []IssuedRefundDTO `json:"refunds"`
}

type IssuedRefundDTO struct {
	PaymentID string  `json:"paymentId"`
	ChargeRef string  `json:"chargeRef"`
	RefundRef string  `json:"refundRef"`
	Seats     int     `json:"seats"`
	Amount    float64 `json:"amount"`
}

func toRefundReportDTO(r *booking.RefundReport) RefundReportDTO {
	dto := RefundReportDTO{SeatsRemoved: r.SeatsRemoved, Refunds: []IssuedRefundDTO{}}
	for _, ref := range r.Refunds {
		dto.Refunds = append(dto.Refunds, IssuedRefundDTO{
			PaymentID: string(ref.PaymentID),
			ChargeRef: ref.ChargeRef,
			RefundRef: ref.RefundRef,
			Seats:     ref.Seats,
			Amount:    ref.Amount.Float64(),
		})
	}
	return dto
}

type CancelResultDTO struct {
	Verdict         string        `json:"verdict"`
	RestoredPunches int           `json:"restoredPunches,omitempty"`
	RestoredPoints  int           `json:"restoredPoints,omitempty"`
	MintedCard      *PunchCardDTO `json:"mintedCard,omitempty"`
}

func toCancelResultDTO(r *booking.CancelResult) CancelResultDTO {
	dto := CancelResultDTO{
		Verdict:         string(r.Verdict),
		RestoredPunches: r.RestoredPunches,
		RestoredPoints:  r.RestoredPoints,
	}
	if r.MintedCard != nil {
		card := toPunchCardDTO(r.MintedCard)
		dto.MintedCard = &card
	}
	return dto
}

type SweepReportDTO struct {
	SpotsReleased int `json:"spotsReleased"`
	AwardsGranted int `json:"awardsGranted"`
	CardsExpired  int `json:"cardsExpired"`
}

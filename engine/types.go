/*
Package engine provides the core booking and credit ledger engine.

PURPOSE:
  This package contains the domain types and shared machinery for the
  sauna studio booking platform: scheduled sessions with finite seats,
  prepaid punch cards, staff gusmester points, and the booking/payment
  records that tie them together.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: A DKK amount backed by decimal.Decimal
  - Session: A scheduled event with a fixed seat capacity
  - PunchCard + UsageEntry: A prepaid credit instrument with audit trail
  - Booking + BookingPayment: A reservation and its money movements
  - GuestSpot + PointsEntry: The staff spot economy

DESIGN PRINCIPLES:
  1. Immutability: Payment rows and audit entries are never rewritten
  2. Precision: Uses decimal.Decimal to avoid floating-point errors
  3. Type Safety: Strong typing for IDs prevents mixing entity kinds
  4. Explicit identity: Caller identity/role is passed into operations,
     never read from ambient state

SEE ALSO:
  - errors.go: Error kinds surfaced by the engine
  - policy.go: Cancellation time-window policy
  - store.go: Persistence interfaces with atomic mutation contracts
*/
package engine

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - DKK amount
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(value float64) Money      { return Money{Value: decimal.NewFromFloat(value)} }
func NewMoneyFromInt(value int) Money   { return Money{Value: decimal.NewFromInt(int64(value))} }
func ZeroMoney() Money                  { return Money{Value: decimal.Zero} }

func MustParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return ZeroMoney()
	}
	return Money{Value: d}
}

func (m Money) Add(o Money) Money            { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money            { return Money{Value: m.Value.Sub(o.Value)} }
func (m Money) MulInt(n int) Money           { return Money{Value: m.Value.Mul(decimal.NewFromInt(int64(n)))} }
func (m Money) DivInt(n int) Money           { return Money{Value: m.Value.Div(decimal.NewFromInt(int64(n)))} }
func (m Money) Round() Money                 { return Money{Value: m.Value.Round(2)} }
func (m Money) IsZero() bool                 { return m.Value.IsZero() }
func (m Money) IsNegative() bool             { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool           { return m.Value.Equal(o.Value) }
func (m Money) GreaterThan(o Money) bool     { return m.Value.GreaterThan(o.Value) }
func (m Money) String() string               { return m.Value.StringFixed(2) }
func (m Money) Float64() float64             { f, _ := m.Value.Float64(); return f }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type SessionID string
type BookingID string
type MemberID string
type EmployeeID string
type CardID string
type SpotID string
type PaymentID string

// =============================================================================
// CALLER - Explicit identity passed into every operation
// =============================================================================

type Role string

const (
	RoleMember Role = "member"
	RoleStaff  Role = "staff"
	RoleAdmin  Role = "admin"
)

// Caller identifies who is performing an operation. Supplied by the
// identity provider at the API boundary; the engine never reads
// identity from ambient state.
type Caller struct {
	MemberID   MemberID
	EmployeeID EmployeeID
	Role       Role
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }
func (c Caller) IsStaff() bool { return c.Role == RoleStaff || c.Role == RoleAdmin }

// =============================================================================
// SESSION - Scheduled event with finite seats
// =============================================================================

// Session is a scheduled sauna session.
//
// INVARIANT: 0 <= CommittedSeats <= Capacity. CommittedSeats is mutated
// only through Store.ReserveSeats/ReleaseSeats, never assigned directly.
type Session struct {
	ID                  SessionID
	Name                string
	GroupType           string
	StartAt             time.Time
	DurationMinutes     int
	Capacity            int
	CommittedSeats      int
	MinimumParticipants int
	SeatPrice           Money
	CreatedAt           time.Time
}

func (s *Session) SpotsLeft() int { return s.Capacity - s.CommittedSeats }

// =============================================================================
// PUNCH CARD - Prepaid credit instrument
// =============================================================================

type PunchCardStatus string

const (
	CardActive  PunchCardStatus = "active"
	CardUsed    PunchCardStatus = "used"
	CardExpired PunchCardStatus = "expired"
)

// PunchCard is a prepaid credit instrument owned by a member.
//
// INVARIANT: 0 <= RemainingPunches. Remaining may exceed TotalPunches
// after compensation credits; a single Debit can never push it below 0.
// Status is "used" exactly when RemainingPunches == 0 (unless expired).
type PunchCard struct {
	ID               CardID
	OwnerID          MemberID
	TotalPunches     int
	RemainingPunches int
	Price            Money
	ExpiryDate       time.Time
	Status           PunchCardStatus
	ValidGroupTypes  []string // empty = valid for all group types
	CreatedAt        time.Time
}

// UsableFor reports whether the card can pay for a session of the given
// group type at the given time.
func (c *PunchCard) UsableFor(groupType string, now time.Time) bool {
	if c.Status != CardActive {
		return false
	}
	if !c.ExpiryDate.IsZero() && now.After(c.ExpiryDate) {
		return false
	}
	if len(c.ValidGroupTypes) == 0 {
		return true
	}
	for _, gt := range c.ValidGroupTypes {
		if gt == groupType {
			return true
		}
	}
	return false
}

// =============================================================================
// PUNCH CARD USAGE - Append-only audit rows
// =============================================================================

type UsageKind string

const (
	UsageConsumption UsageKind = "usage"      // punches spent on a session
	UsageAdjustment  UsageKind = "adjustment" // credit/manual correction
)

type AdjustDirection string

const (
	AdjustAdd      AdjustDirection = "add"
	AdjustSubtract AdjustDirection = "subtract"
)

// UsageEntry records a single punch card balance change. Immutable once
// written; never deleted.
type UsageEntry struct {
	ID             string
	CardID         CardID
	Kind           UsageKind
	SessionID      SessionID // set for usage entries
	SpotsUsed      int       // set for usage entries
	Amount         int       // set for adjustment entries
	Direction      AdjustDirection
	Reason         string
	RemainingAfter int
	CreatedAt      time.Time
}

// =============================================================================
// BOOKING - A member's seat reservation
// =============================================================================

type BookingStatus string

const (
	BookingActive    BookingStatus = "active"
	BookingCancelled BookingStatus = "cancelled"
)

type PaymentMethod string

const (
	PayCard      PaymentMethod = "card"
	PayPunchCard PaymentMethod = "punch_card"
	PayPoints    PaymentMethod = "points"
)

// Booking is a member's reservation on a session. Spots may be reduced
// but never below 1; full removal goes through cancellation. Bookings
// are cancelled logically, never physically deleted, because payment
// rows reference them.
type Booking struct {
	ID            BookingID
	SessionID     SessionID
	OwnerID       MemberID
	Spots         int
	Status        BookingStatus
	PaymentMethod PaymentMethod
	PaymentAmount Money
	PunchCardID   CardID     // set when PaymentMethod == PayPunchCard
	EmployeeID    EmployeeID // set when PaymentMethod == PayPoints; points refunds credit this account
	CreatedAt     time.Time
}

// =============================================================================
// BOOKING PAYMENT - One row per money movement
// =============================================================================

type PaymentType string

const (
	PaymentInitial         PaymentType = "initial"
	PaymentAdditionalSeats PaymentType = "additional_seats"
	PaymentRefund          PaymentType = "refund"
)

// BookingPayment records one money movement tied to a booking.
// Immutable. CreatedAt ordering is the contract LIFO refund selection
// depends on (see booking package).
type BookingPayment struct {
	ID               PaymentID
	BookingID        BookingID
	Type             PaymentType
	SeatsCount       int
	Amount           Money
	GatewayChargeRef string // charge this row created, or refunded against
	GatewayRefundRef string // set for refund rows
	CreatedAt        time.Time
}

// =============================================================================
// GUEST SPOT - Staff-reservable slot
// =============================================================================

type SpotKind string

const (
	SpotGusmester SpotKind = "gusmester_spot"
	SpotGuest     SpotKind = "guest_spot"
)

type SpotStatus string

const (
	SpotReservedForHost  SpotStatus = "reserved_for_host"
	SpotBookedByHost     SpotStatus = "booked_by_host"
	SpotBookedByGusmester SpotStatus = "booked_by_gusmester"
	SpotReleasedToPublic SpotStatus = "released_to_public"
)

// GuestSpot is a staff-reservable slot on a hosted session.
// gusmester_spot auto-releases to the public pool 3h before start;
// guest_spot only releases when the host releases it.
type GuestSpot struct {
	ID             SpotID
	SessionID      SessionID
	Kind           SpotKind
	Status         SpotStatus
	PointCost      int
	HostEmployeeID EmployeeID
	BookedByID     EmployeeID // staff member holding a gusmester booking
	GuestName      string
	GuestEmail     string
	CreatedAt      time.Time
}

// =============================================================================
// EMPLOYEE POINTS - Staff credit ledger
// =============================================================================

// Employee is a staff member with a points balance. The balance column
// is kept consistent with the running sum of PointsEntry rows inside
// the same store transaction.
type Employee struct {
	ID     EmployeeID
	Name   string
	Email  string
	Points int
}

// PointsEntry is an append-only ledger row for a staff point balance
// change. Amount is signed.
type PointsEntry struct {
	ID               string
	EmployeeID       EmployeeID
	Amount           int
	Reason           string
	RelatedSessionID SessionID
	CreatedAt        time.Time
}

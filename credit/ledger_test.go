package credit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saunastudio/booking-engine/engine"
	"github.com/saunastudio/booking-engine/store/sqlite"
)

func newTestLedger(t *testing.T) (*Ledger, *sqlite.Store, *engine.FixedClock) {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := engine.NewFixedClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	return NewLedger(s, clock), s, clock
}

func seedSession(t *testing.T, s *sqlite.Store, groupType string) *engine.Session {
	t.Helper()
	sess := engine.Session{
		ID:        "sess-1",
		Name:      "Evening Sauna",
		GroupType: groupType,
		StartAt:   time.Date(2025, 6, 3, 18, 0, 0, 0, time.UTC),
		Capacity:  12,
		SeatPrice: engine.NewMoneyFromInt(250),
	}
	require.NoError(t, s.SaveSession(context.Background(), sess))
	return &sess
}

func seedCard(t *testing.T, s *sqlite.Store, remaining int, expiry time.Time, groupTypes []string) engine.PunchCard {
	t.Helper()
	card := engine.PunchCard{
		ID:               "card-1",
		OwnerID:          "member-1",
		TotalPunches:     10,
		RemainingPunches: remaining,
		Price:            engine.NewMoneyFromInt(1500),
		ExpiryDate:       expiry,
		Status:           engine.CardActive,
		ValidGroupTypes:  groupTypes,
	}
	require.NoError(t, s.SavePunchCard(context.Background(), card))
	return card
}

func TestSpend_DebitsAndAudits(t *testing.T) {
	// GIVEN a member with a valid 10-punch card
	ledger, s, clock := newTestLedger(t)
	ctx := context.Background()
	sess := seedSession(t, s, "public_sauna")
	card := seedCard(t, s, 10, clock.Now().Add(30*24*time.Hour), nil)

	// WHEN spending 3 punches on a booking
	remaining, err := ledger.Spend(ctx, card.ID, "member-1", sess, 3)

	// THEN the balance and audit trail reflect the spend
	require.NoError(t, err)
	assert.Equal(t, 7, remaining)
	usage, err := ledger.History(ctx, card.ID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, engine.UsageConsumption, usage[0].Kind)
	assert.Equal(t, sess.ID, usage[0].SessionID)
}

func TestSpend_RejectsWrongOwner(t *testing.T) {
	ledger, s, clock := newTestLedger(t)
	sess := seedSession(t, s, "public_sauna")
	card := seedCard(t, s, 10, clock.Now().Add(30*24*time.Hour), nil)

	_, err := ledger.Spend(context.Background(), card.ID, "member-2", sess, 1)

	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestSpend_RejectsWrongGroupType(t *testing.T) {
	// GIVEN a card restricted to women_only sessions
	ledger, s, clock := newTestLedger(t)
	sess := seedSession(t, s, "public_sauna")
	card := seedCard(t, s, 10, clock.Now().Add(30*24*time.Hour), []string{"women_only"})

	// WHEN spending on a public session
	_, err := ledger.Spend(context.Background(), card.ID, "member-1", sess, 1)

	// THEN the card is rejected without touching the balance
	require.ErrorIs(t, err, engine.ErrCardNotUsable)
	got, gerr := s.GetPunchCard(context.Background(), card.ID)
	require.NoError(t, gerr)
	assert.Equal(t, 10, got.RemainingPunches)
}

func TestSpend_RejectsExpiredCard(t *testing.T) {
	ledger, s, clock := newTestLedger(t)
	sess := seedSession(t, s, "public_sauna")
	card := seedCard(t, s, 10, clock.Now().Add(-time.Hour), nil)

	_, err := ledger.Spend(context.Background(), card.ID, "member-1", sess, 1)

	assert.ErrorIs(t, err, engine.ErrCardNotUsable)
}

func TestRestore_RoundTrip(t *testing.T) {
	// GIVEN a card debited down to 7 punches
	ledger, s, clock := newTestLedger(t)
	ctx := context.Background()
	sess := seedSession(t, s, "public_sauna")
	card := seedCard(t, s, 10, clock.Now().Add(30*24*time.Hour), nil)
	_, err := ledger.Spend(ctx, card.ID, "member-1", sess, 3)
	require.NoError(t, err)

	// WHEN the booking is cancelled with compensation
	remaining, err := ledger.Restore(ctx, card.ID, 3, "booking cancelled")

	// THEN the punches come back and both movements stay in the trail
	require.NoError(t, err)
	assert.Equal(t, 10, remaining)
	usage, err := ledger.History(ctx, card.ID)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, engine.UsageAdjustment, usage[1].Kind)
	assert.Equal(t, 3, usage[1].Amount)
}

func TestMint_CompensationCard(t *testing.T) {
	// GIVEN a card-paid booking worth 750 DKK for 3 seats
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	// WHEN minting the compensation card
	card, err := ledger.Mint(ctx, "member-1", 3, engine.NewMoneyFromInt(750), "public_sauna")

	// THEN the card carries one punch per seat, priced at the paid
	// amount, valid a year out
	require.NoError(t, err)
	assert.Equal(t, 3, card.TotalPunches)
	assert.Equal(t, 3, card.RemainingPunches)
	assert.True(t, card.Price.Equal(engine.NewMoneyFromInt(750)))
	assert.Equal(t, engine.CardActive, card.Status)
	assert.Equal(t, clock.Now().Add(DefaultValidity), card.ExpiryDate)
	assert.Equal(t, []string{"public_sauna"}, card.ValidGroupTypes)

	// AND it is immediately spendable
	cards, err := ledger.CardsFor(ctx, "member-1")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, card.ID, cards[0].ID)
}

func TestExpireStale(t *testing.T) {
	// GIVEN a card expiring tomorrow
	ledger, s, clock := newTestLedger(t)
	ctx := context.Background()
	card := seedCard(t, s, 5, clock.Now().Add(24*time.Hour), nil)

	// WHEN the sweep runs two days later
	clock.Advance(48 * time.Hour)
	n, err := ledger.ExpireStale(ctx)

	// THEN the card is expired and unusable
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err := s.GetPunchCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.CardExpired, got.Status)
}

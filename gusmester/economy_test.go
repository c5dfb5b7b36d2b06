package gusmester

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saunastudio/booking-engine/engine"
	"github.com/saunastudio/booking-engine/store/sqlite"
)

type fixture struct {
	eco   *Economy
	store *sqlite.Store
	clock *engine.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	clock := engine.NewFixedClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	return &fixture{eco: NewEconomy(s, clock), store: s, clock: clock}
}

func (f *fixture) seedSession(t *testing.T, id engine.SessionID, startsIn time.Duration) engine.Session {
	t.Helper()
	sess := engine.Session{
		ID:        id,
		Name:      "Hosted Sauna",
		GroupType: "public_sauna",
		StartAt:   f.clock.Now().Add(startsIn),
		Capacity:  12,
		SeatPrice: engine.NewMoneyFromInt(250),
	}
	require.NoError(t, f.store.SaveSession(context.Background(), sess))
	return sess
}

func (f *fixture) seedEmployee(t *testing.T, id engine.EmployeeID, points int) {
	t.Helper()
	require.NoError(t, f.store.SaveEmployee(context.Background(), engine.Employee{
		ID: id, Name: string(id), Points: points,
	}))
}

// seedSpots reserves the host pair on a session and returns
// (gusmesterSpot, guestSpot).
func (f *fixture) seedSpots(t *testing.T, sessionID engine.SessionID, host engine.EmployeeID) (engine.GuestSpot, engine.GuestSpot) {
	t.Helper()
	spots, err := f.eco.ReserveHostSpots(context.Background(), sessionID, host)
	require.NoError(t, err)
	require.Len(t, spots, 2)
	return spots[0], spots[1]
}

var (
	host  = engine.Caller{MemberID: "emp-host", EmployeeID: "emp-host", Role: engine.RoleStaff}
	staff = engine.Caller{MemberID: "emp-2", EmployeeID: "emp-2", Role: engine.RoleStaff}
)

// =============================================================================
// GUSMESTER SPOT
// =============================================================================

func TestBookSpot_DebitsPointsAndClaims(t *testing.T) {
	// GIVEN a host spot pair and a staff member with 200 points
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 48*time.Hour)
	f.seedEmployee(t, host.EmployeeID, 0)
	f.seedEmployee(t, staff.EmployeeID, 200)
	gusSpot, _ := f.seedSpots(t, "sess-1", host.EmployeeID)

	// WHEN the staff member books the gusmester spot
	err := f.eco.BookSpot(ctx, gusSpot.ID, staff)

	// THEN the spot is claimed and 150 points are spent
	require.NoError(t, err)
	spot, err := f.store.GetSpot(ctx, gusSpot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SpotBookedByGusmester, spot.Status)
	assert.Equal(t, staff.EmployeeID, spot.BookedByID)
	emp, err := f.store.GetEmployee(ctx, staff.EmployeeID)
	require.NoError(t, err)
	assert.Equal(t, 50, emp.Points)
}

func TestBookSpot_InsufficientPointsLeavesSpotFree(t *testing.T) {
	// GIVEN a staff member with only 100 points
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 48*time.Hour)
	f.seedEmployee(t, staff.EmployeeID, 100)
	gusSpot, _ := f.seedSpots(t, "sess-1", host.EmployeeID)

	// WHEN booking the 150-point spot
	err := f.eco.BookSpot(ctx, gusSpot.ID, staff)

	// THEN the whole transaction rolls back: no claim, no debit
	require.ErrorIs(t, err, engine.ErrInsufficientCredit)
	spot, gerr := f.store.GetSpot(ctx, gusSpot.ID)
	require.NoError(t, gerr)
	assert.Equal(t, engine.SpotReservedForHost, spot.Status)
	emp, gerr := f.store.GetEmployee(ctx, staff.EmployeeID)
	require.NoError(t, gerr)
	assert.Equal(t, 100, emp.Points)
}

func TestBookSpot_HostCannotBookOwnSpot(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1", 48*time.Hour)
	f.seedEmployee(t, host.EmployeeID, 500)
	gusSpot, _ := f.seedSpots(t, "sess-1", host.EmployeeID)

	err := f.eco.BookSpot(context.Background(), gusSpot.ID, host)

	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestBookSpot_NonStaffRejected(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1", 48*time.Hour)
	gusSpot, _ := f.seedSpots(t, "sess-1", host.EmployeeID)
	member := engine.Caller{MemberID: "member-1", Role: engine.RoleMember}

	err := f.eco.BookSpot(context.Background(), gusSpot.ID, member)

	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestCancelSpotBooking_RefundsOutside24h(t *testing.T) {
	// GIVEN a booked gusmester spot 48h before start
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 48*time.Hour)
	f.seedEmployee(t, staff.EmployeeID, 200)
	gusSpot, _ := f.seedSpots(t, "sess-1", host.EmployeeID)
	require.NoError(t, f.eco.BookSpot(ctx, gusSpot.ID, staff))

	// WHEN cancelling with 48h notice
	err := f.eco.CancelSpotBooking(ctx, gusSpot.ID, staff)

	// THEN the spot returns to the host and the points come back
	require.NoError(t, err)
	spot, err := f.store.GetSpot(ctx, gusSpot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SpotReservedForHost, spot.Status)
	emp, err := f.store.GetEmployee(ctx, staff.EmployeeID)
	require.NoError(t, err)
	assert.Equal(t, 200, emp.Points)
}

func TestCancelSpotBooking_LockedInside24h(t *testing.T) {
	// GIVEN a booked spot on a session 48h out
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 48*time.Hour)
	f.seedEmployee(t, staff.EmployeeID, 200)
	gusSpot, _ := f.seedSpots(t, "sess-1", host.EmployeeID)
	require.NoError(t, f.eco.BookSpot(ctx, gusSpot.ID, staff))

	// WHEN time moves to 12h before start and the booking is cancelled
	f.clock.Advance(36 * time.Hour)
	err := f.eco.CancelSpotBooking(ctx, gusSpot.ID, staff)

	// THEN the lock window rejects it, points stay spent
	require.ErrorIs(t, err, engine.ErrTooLateToCancel)
	emp, gerr := f.store.GetEmployee(ctx, staff.EmployeeID)
	require.NoError(t, gerr)
	assert.Equal(t, 50, emp.Points)
}

// =============================================================================
// GUEST SPOT
// =============================================================================

func TestBookGuest_NamedGuest(t *testing.T) {
	// GIVEN the host's guest spot
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 48*time.Hour)
	_, guestSpot := f.seedSpots(t, "sess-1", host.EmployeeID)

	// WHEN the host invites a guest
	err := f.eco.BookGuest(ctx, guestSpot.ID, host, "Mette Frederiksen", "mette@example.com")

	// THEN the spot is booked by the host with the guest recorded
	require.NoError(t, err)
	spot, err := f.store.GetSpot(ctx, guestSpot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SpotBookedByHost, spot.Status)
	assert.Equal(t, "Mette Frederiksen", spot.GuestName)
}

func TestBookGuest_OnlyHostMayBook(t *testing.T) {
	f := newFixture(t)
	f.seedSession(t, "sess-1", 48*time.Hour)
	_, guestSpot := f.seedSpots(t, "sess-1", host.EmployeeID)

	err := f.eco.BookGuest(context.Background(), guestSpot.ID, staff, "Someone", "")

	assert.ErrorIs(t, err, engine.ErrUnauthorized)
}

func TestReleaseGuestSpot_EarlyEarnsPoints(t *testing.T) {
	// GIVEN a guest spot on a session 5h out
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 5*time.Hour)
	f.seedEmployee(t, host.EmployeeID, 0)
	_, guestSpot := f.seedSpots(t, "sess-1", host.EmployeeID)

	// WHEN the host releases it
	earned, err := f.eco.ReleaseGuestSpot(ctx, guestSpot.ID, host)

	// THEN the spot goes public and the host earns 150 points
	require.NoError(t, err)
	assert.Equal(t, 150, earned)
	spot, err := f.store.GetSpot(ctx, guestSpot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SpotReleasedToPublic, spot.Status)
	emp, err := f.store.GetEmployee(ctx, host.EmployeeID)
	require.NoError(t, err)
	assert.Equal(t, 150, emp.Points)
}

func TestReleaseGuestSpot_LateEarnsNothing(t *testing.T) {
	// GIVEN a guest spot on a session only 1h out
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", time.Hour)
	f.seedEmployee(t, host.EmployeeID, 0)
	_, guestSpot := f.seedSpots(t, "sess-1", host.EmployeeID)

	// WHEN the host releases it
	earned, err := f.eco.ReleaseGuestSpot(ctx, guestSpot.ID, host)

	// THEN the spot still goes public but no points are earned
	require.NoError(t, err)
	assert.Equal(t, 0, earned)
	spot, err := f.store.GetSpot(ctx, guestSpot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SpotReleasedToPublic, spot.Status)
	emp, err := f.store.GetEmployee(ctx, host.EmployeeID)
	require.NoError(t, err)
	assert.Equal(t, 0, emp.Points)
}

func TestReleaseGuestSpot_Terminal(t *testing.T) {
	// GIVEN an already-released guest spot
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 5*time.Hour)
	f.seedEmployee(t, host.EmployeeID, 0)
	_, guestSpot := f.seedSpots(t, "sess-1", host.EmployeeID)
	_, err := f.eco.ReleaseGuestSpot(ctx, guestSpot.ID, host)
	require.NoError(t, err)

	// WHEN releasing again
	_, err = f.eco.ReleaseGuestSpot(ctx, guestSpot.ID, host)

	// THEN the terminal state rejects it and no double award happens
	require.ErrorIs(t, err, engine.ErrSpotUnavailable)
	emp, gerr := f.store.GetEmployee(ctx, host.EmployeeID)
	require.NoError(t, gerr)
	assert.Equal(t, 150, emp.Points)
}

// =============================================================================
// SWEEP
// =============================================================================

func TestSweep_AutoReleasesUnclaimedSpots(t *testing.T) {
	// GIVEN unclaimed gusmester spots on sessions 2h and 8h out
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-soon", 2*time.Hour)
	f.seedSession(t, "sess-later", 8*time.Hour)
	soonSpot, _ := f.seedSpots(t, "sess-soon", host.EmployeeID)
	laterSpot, _ := f.seedSpots(t, "sess-later", host.EmployeeID)

	// WHEN the sweep runs
	report, err := f.eco.Sweep(ctx)

	// THEN only the spot inside the 3h boundary is released, with no
	// point transfer
	require.NoError(t, err)
	assert.Equal(t, 1, report.SpotsReleased)
	got, err := f.store.GetSpot(ctx, soonSpot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SpotReleasedToPublic, got.Status)
	got, err = f.store.GetSpot(ctx, laterSpot.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.SpotReservedForHost, got.Status)
}

func TestSweep_HostingAwardOncePerSession(t *testing.T) {
	// GIVEN a hosted session that started 30 minutes ago
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 30*time.Minute)
	f.seedEmployee(t, host.EmployeeID, 0)
	f.seedSpots(t, "sess-1", host.EmployeeID)
	f.clock.Advance(time.Hour)

	// WHEN the sweep runs twice
	report, err := f.eco.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.AwardsGranted)
	report, err = f.eco.Sweep(ctx)
	require.NoError(t, err)

	// THEN the award is granted exactly once
	assert.Equal(t, 0, report.AwardsGranted)
	emp, err := f.store.GetEmployee(ctx, host.EmployeeID)
	require.NoError(t, err)
	assert.Equal(t, 150, emp.Points)
	history, err := f.store.PointsHistory(ctx, host.EmployeeID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSweep_AwardsHostsForSessionsHoursBack(t *testing.T) {
	// GIVEN a hosted session whose start the sweep missed by 6 hours
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 30*time.Minute)
	f.seedEmployee(t, host.EmployeeID, 0)
	f.seedSpots(t, "sess-1", host.EmployeeID)
	f.clock.Advance(6 * time.Hour)

	// WHEN the next sweep finally runs
	report, err := f.eco.Sweep(ctx)
	require.NoError(t, err)

	// THEN the hosting award is still granted
	assert.Equal(t, 1, report.AwardsGranted)
	emp, err := f.store.GetEmployee(ctx, host.EmployeeID)
	require.NoError(t, err)
	assert.Equal(t, 150, emp.Points)
}

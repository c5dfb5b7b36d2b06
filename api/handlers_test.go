/*
handlers_test.go - HTTP-level tests for the booking API

Tests the full request path: JSON decode, service call, outcome
translation into the result envelope.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saunastudio/booking-engine/booking"
	"github.com/saunastudio/booking-engine/credit"
	"github.com/saunastudio/booking-engine/engine"
	"github.com/saunastudio/booking-engine/gateway"
	"github.com/saunastudio/booking-engine/gusmester"
	"github.com/saunastudio/booking-engine/store/sqlite"
)

type fixture struct {
	router http.Handler
	store  *sqlite.Store
	gw     *gateway.Fake
	clock  *engine.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := engine.NewFixedClock(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	gw := gateway.NewFake()
	ledger := credit.NewLedger(s, clock)
	economy := gusmester.NewEconomy(s, clock)
	svc := booking.NewService(s, gw, ledger, clock)
	h := NewHandler(s, svc, ledger, economy, clock)
	return &fixture{router: NewRouter(h), store: s, gw: gw, clock: clock}
}

func (f *fixture) seedSession(t *testing.T, id engine.SessionID, capacity int, startsIn time.Duration) {
	t.Helper()
	sess := engine.Session{
		ID:        id,
		Name:      "Evening Sauna",
		GroupType: "public_sauna",
		StartAt:   f.clock.Now().Add(startsIn),
		Capacity:  capacity,
		SeatPrice: engine.NewMoneyFromInt(250),
	}
	require.NoError(t, f.store.SaveSession(context.Background(), sess))
}

// do issues a request against the router and decodes the JSON body.
func (f *fixture) do(t *testing.T, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

var memberDTO = CallerDTO{MemberID: "member-1", Role: "member"}
var adminDTO = CallerDTO{MemberID: "admin-1", EmployeeID: "emp-admin", Role: "admin"}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestCreateBooking_HTTP(t *testing.T) {
	// GIVEN a session with open seats
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)

	// WHEN posting a card booking for 2 seats
	var result ResultDTO
	rec := f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 2,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &result)

	// THEN 201 with the booking in the envelope
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, result.Success)

	data, err := json.Marshal(result.Data)
	require.NoError(t, err)
	var dto BookingDTO
	require.NoError(t, json.Unmarshal(data, &dto))
	assert.Equal(t, 2, dto.Spots)
	assert.Equal(t, "active", dto.Status)
	assert.InDelta(t, 500.0, dto.PaymentAmount, 0.001)
}

func TestCreateBooking_FullSession_HTTP(t *testing.T) {
	// GIVEN a fully committed session
	f := newFixture(t)
	f.seedSession(t, "sess-1", 2, 48*time.Hour)
	require.NoError(t, f.store.ReserveSeats(context.Background(), "sess-1", 2))

	// WHEN posting a booking
	var result ResultDTO
	rec := f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 1,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &result)

	// THEN a structured failure with a machine-checkable code
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.False(t, result.Success)
	assert.Equal(t, "capacity_exceeded", result.Code)
	assert.Equal(t, 0, f.gw.ChargeCount())
}

func TestCreateBooking_DuplicateIdempotencyRef_HTTP(t *testing.T) {
	// GIVEN a booking created with idempotency ref req-1
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	req := CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 1,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}
	rec := f.do(t, http.MethodPost, "/api/bookings", req, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN replaying the same request
	var result ResultDTO
	rec = f.do(t, http.MethodPost, "/api/bookings", req, &result)

	// THEN 409 and no second charge
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_request", result.Code)
	assert.Equal(t, 1, f.gw.ChargeCount())
}

func TestCancelBooking_HTTP(t *testing.T) {
	// GIVEN an active card booking 48h before start
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	var created ResultDTO
	f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 2,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &created)
	data, _ := json.Marshal(created.Data)
	var dto BookingDTO
	require.NoError(t, json.Unmarshal(data, &dto))

	// WHEN the owner cancels
	var result ResultDTO
	rec := f.do(t, http.MethodPost, "/api/bookings/"+dto.ID+"/cancel", CancelBookingRequest{
		Caller: memberDTO, Reason: "change of plans",
	}, &result)

	// THEN the verdict and minted compensation card are in the envelope
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, result.Success)

	data, err := json.Marshal(result.Data)
	require.NoError(t, err)
	var cancel CancelResultDTO
	require.NoError(t, json.Unmarshal(data, &cancel))
	assert.Equal(t, "cancel_with_compensation", cancel.Verdict)
	require.NotNil(t, cancel.MintedCard)
	assert.Equal(t, 2, cancel.MintedCard.RemainingPunches)
}

func TestCancelBooking_WrongCaller_HTTP(t *testing.T) {
	// GIVEN member-1's booking
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	var created ResultDTO
	f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 1,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &created)
	data, _ := json.Marshal(created.Data)
	var dto BookingDTO
	require.NoError(t, json.Unmarshal(data, &dto))

	// WHEN another member tries to cancel it
	var result ResultDTO
	rec := f.do(t, http.MethodPost, "/api/bookings/"+dto.ID+"/cancel", CancelBookingRequest{
		Caller: CallerDTO{MemberID: "member-2", Role: "member"},
	}, &result)

	// THEN 403
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "unauthorized", result.Code)
}

func TestRemoveSeats_HTTP(t *testing.T) {
	// GIVEN a booking grown from 2 to 4 seats via add-seats
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	var created ResultDTO
	f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 2,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &created)
	data, _ := json.Marshal(created.Data)
	var dto BookingDTO
	require.NoError(t, json.Unmarshal(data, &dto))

	rec := f.do(t, http.MethodPost, "/api/bookings/"+dto.ID+"/add-seats", SeatChangeRequest{
		Caller: memberDTO, Seats: 2, IdempotencyRef: "req-2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// WHEN removing one seat
	var result ResultDTO
	rec = f.do(t, http.MethodPost, "/api/bookings/"+dto.ID+"/remove-seats", SeatChangeRequest{
		Caller: memberDTO, Seats: 1,
	}, &result)

	// THEN the refund report lists one issued refund of 250 kr
	assert.Equal(t, http.StatusOK, rec.Code)
	data, err := json.Marshal(result.Data)
	require.NoError(t, err)
	var report RefundReportDTO
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, 1, report.SeatsRemoved)
	require.Len(t, report.Refunds, 1)
	assert.InDelta(t, 250.0, report.Refunds[0].Amount, 0.001)
}

func TestRemoveSeats_OriginalProtected_HTTP(t *testing.T) {
	// GIVEN a booking with no added seats
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	var created ResultDTO
	f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 2,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &created)
	data, _ := json.Marshal(created.Data)
	var dto BookingDTO
	require.NoError(t, json.Unmarshal(data, &dto))

	// WHEN removing a seat
	var result ResultDTO
	rec := f.do(t, http.MethodPost, "/api/bookings/"+dto.ID+"/remove-seats", SeatChangeRequest{
		Caller: memberDTO, Seats: 1,
	}, &result)

	// THEN the protection error surfaces with its code
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "original_seats_protected", result.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestAdminMoveBooking_HTTP(t *testing.T) {
	// GIVEN a booking on sess-1 and a same-group target sess-2
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	f.seedSession(t, "sess-2", 12, 72*time.Hour)
	var created ResultDTO
	f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 2,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &created)
	data, _ := json.Marshal(created.Data)
	var dto BookingDTO
	require.NoError(t, json.Unmarshal(data, &dto))

	// WHEN an admin moves it
	var result ResultDTO
	rec := f.do(t, http.MethodPost, "/api/admin/bookings/"+dto.ID+"/move", AdminMoveRequest{
		Caller: adminDTO, TargetSessionID: "sess-2",
	}, &result)

	// THEN the new booking sits on sess-2 and seats shifted
	assert.Equal(t, http.StatusOK, rec.Code)
	data, err := json.Marshal(result.Data)
	require.NoError(t, err)
	var moved BookingDTO
	require.NoError(t, json.Unmarshal(data, &moved))
	assert.Equal(t, "sess-2", moved.SessionID)

	ctx := context.Background()
	s1, err := f.store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	s2, err := f.store.GetSession(ctx, "sess-2")
	require.NoError(t, err)
	assert.Equal(t, 0, s1.CommittedSeats)
	assert.Equal(t, 2, s2.CommittedSeats)
}

func TestAdminMoveBooking_RequiresAdmin_HTTP(t *testing.T) {
	// GIVEN a member's booking
	f := newFixture(t)
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	f.seedSession(t, "sess-2", 12, 72*time.Hour)
	var created ResultDTO
	f.do(t, http.MethodPost, "/api/bookings", CreateBookingRequest{
		Caller: memberDTO, SessionID: "sess-1", Spots: 1,
		PaymentMethod: "card", IdempotencyRef: "req-1",
	}, &created)
	data, _ := json.Marshal(created.Data)
	var dto BookingDTO
	require.NoError(t, json.Unmarshal(data, &dto))

	// WHEN the member calls the admin move endpoint
	rec := f.do(t, http.MethodPost, "/api/admin/bookings/"+dto.ID+"/move", AdminMoveRequest{
		Caller: memberDTO, TargetSessionID: "sess-2",
	}, nil)

	// THEN 403
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// GUSMESTER SPOTS
// =============================================================================

func TestSpotLifecycle_HTTP(t *testing.T) {
	// GIVEN a hosted session with reserved spots and a staff member
	// with enough points
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 12, 48*time.Hour)
	require.NoError(t, f.store.SaveEmployee(ctx, engine.Employee{ID: "emp-2", Name: "Gus", Points: 200}))

	var reserved ResultDTO
	rec := f.do(t, http.MethodPost, "/api/admin/sessions/sess-1/host-spots", ReserveHostSpotsRequest{
		Caller: adminDTO, HostEmployeeID: "emp-host",
	}, &reserved)
	require.Equal(t, http.StatusCreated, rec.Code)

	data, err := json.Marshal(reserved.Data)
	require.NoError(t, err)
	var spots []SpotDTO
	require.NoError(t, json.Unmarshal(data, &spots))
	require.Len(t, spots, 2)

	var gusmesterSpot string
	for _, sp := range spots {
		if sp.Kind == "gusmester_spot" {
			gusmesterSpot = sp.ID
		}
	}
	require.NotEmpty(t, gusmesterSpot)

	// WHEN another staff member books the gusmester spot
	staff := CallerDTO{MemberID: "member-9", EmployeeID: "emp-2", Role: "staff"}
	var result ResultDTO
	rec = f.do(t, http.MethodPost, "/api/gusmester/spots/"+gusmesterSpot+"/book", SpotActionRequest{Caller: staff}, &result)

	// THEN the booking succeeds and 150 points are debited
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, result.Success)

	emp, err := f.store.GetEmployee(ctx, "emp-2")
	require.NoError(t, err)
	assert.Equal(t, 50, emp.Points)

	// AND a second booking attempt hits the status guard
	rec = f.do(t, http.MethodPost, "/api/gusmester/spots/"+gusmesterSpot+"/book", SpotActionRequest{Caller: staff}, &result)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "spot_unavailable", result.Code)
}

func TestGetPointsBalance_HTTP(t *testing.T) {
	// GIVEN an employee with ledger history
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SaveEmployee(ctx, engine.Employee{ID: "emp-2", Name: "Gus", Points: 300}))
	require.NoError(t, f.store.CreditPoints(ctx, "emp-2", 150, "hosting award", "sess-1"))

	// WHEN fetching the balance
	var dto PointsBalanceDTO
	rec := f.do(t, http.MethodGet, "/api/employees/emp-2/points", nil, &dto)

	// THEN balance and history are returned
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 450, dto.Points)
	require.Len(t, dto.History, 1)
	assert.Equal(t, 150, dto.History[0].Amount)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func TestRunSweep_HTTP(t *testing.T) {
	// GIVEN an unclaimed gusmester spot 2h before its session
	f := newFixture(t)
	ctx := context.Background()
	f.seedSession(t, "sess-1", 12, 2*time.Hour)
	var reserved ResultDTO
	rec := f.do(t, http.MethodPost, "/api/admin/sessions/sess-1/host-spots", ReserveHostSpotsRequest{
		Caller: adminDTO, HostEmployeeID: "emp-host",
	}, &reserved)
	require.Equal(t, http.StatusCreated, rec.Code)

	// WHEN the sweep runs
	var report SweepReportDTO
	rec = f.do(t, http.MethodPost, "/api/sweep", nil, &report)

	// THEN the spot is released to the public pool
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, report.SpotsReleased)

	spots, err := f.store.SpotsBySession(ctx, "sess-1")
	require.NoError(t, err)
	released := 0
	for _, sp := range spots {
		if sp.Kind == engine.SpotGusmester && sp.Status == engine.SpotReleasedToPublic {
			released++
		}
	}
	assert.Equal(t, 1, released)
}

func TestHealth_HTTP(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

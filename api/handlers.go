/*
handlers.go - HTTP handlers for the booking engine API

PURPOSE:
  Implements the REST endpoints. Handlers decode requests, call the
  booking/credit/gusmester services, and translate engine outcomes
  into the structured result envelope.

ERROR TRANSLATION:
  Engine errors carry a machine-checkable code (engine.ErrorCode).
  Client errors map to 4xx with the code in the envelope; everything
  else is a 500 with the detail logged, not leaked.

SEE ALSO:
  - dto.go: Request/response types
  - server.go: Route registration
*/
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saunastudio/booking-engine/booking"
	"github.com/saunastudio/booking-engine/credit"
	"github.com/saunastudio/booking-engine/engine"
	"github.com/saunastudio/booking-engine/gusmester"
)

// =============================================================================
// HANDLER
// =============================================================================

type Handler struct {
	Store     engine.Store
	Bookings  *booking.Service
	Credit    *credit.Ledger
	Gusmester *gusmester.Economy
	Clock     engine.Clock
}

func NewHandler(store engine.Store, bookings *booking.Service, ledger *credit.Ledger, economy *gusmester.Economy, clock engine.Clock) *Handler {
	return &Handler{
		Store:     store,
		Bookings:  bookings,
		Credit:    ledger,
		Gusmester: economy,
		Clock:     clock,
	}
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Code = engine.ErrorCode(err)
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeOutcome translates a service result into the envelope. Client
// errors surface their code and message; internal errors are logged
// and returned as an opaque 500.
func writeOutcome(w http.ResponseWriter, data any, err error, successMsg string) {
	if err == nil {
		writeJSON(w, http.StatusOK, ResultDTO{Success: true, Message: successMsg, Data: data})
		return
	}
	if engine.IsClientError(err) || engine.IsNotFound(err) ||
		errors.Is(err, engine.ErrUnauthorized) || errors.Is(err, engine.ErrGateway) {
		writeJSON(w, httpStatusFor(err), ResultDTO{
			Success: false,
			Message: err.Error(),
			Code:    engine.ErrorCode(err),
		})
		return
	}
	log.Printf("[API] Internal error: %v", err)
	writeJSON(w, http.StatusInternalServerError, ResultDTO{
		Success: false,
		Message: "internal error",
		Code:    engine.ErrorCode(err),
	})
}

func httpStatusFor(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrDuplicateIdempotencyKey),
		errors.Is(err, engine.ErrSpotUnavailable),
		errors.Is(err, engine.ErrStoreConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrGateway):
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// =============================================================================
// SESSIONS
// =============================================================================

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := engine.SessionID(chi.URLParam(r, "id"))

	sess, err := h.Store.GetSession(r.Context(), id)
	if err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Session not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get session", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionDTO(sess))
}

func (h *Handler) GetSessionSpots(w http.ResponseWriter, r *http.Request) {
	id := engine.SessionID(chi.URLParam(r, "id"))

	spots, err := h.Store.SpotsBySession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list spots", err)
		return
	}
	dtos := make([]SpotDTO, 0, len(spots))
	for i := range spots {
		dtos = append(dtos, toSpotDTO(&spots[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Caller.toCaller().IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin role required", engine.ErrUnauthorized)
		return
	}
	if req.Capacity < 1 {
		writeError(w, http.StatusBadRequest, "Capacity must be at least 1", nil)
		return
	}

	sess := engine.Session{
		ID:                  engine.SessionID("sess-" + uuid.NewString()),
		Name:                req.Name,
		GroupType:           req.GroupType,
		StartAt:             req.StartAt.UTC(),
		DurationMinutes:     req.DurationMinutes,
		Capacity:            req.Capacity,
		MinimumParticipants: req.MinimumParticipants,
		SeatPrice:           engine.NewMoney(req.SeatPrice),
		CreatedAt:           h.Clock.Now(),
	}
	if err := h.Store.SaveSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionDTO(&sess))
}

// =============================================================================
// BOOKINGS
// =============================================================================

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req CreateBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := h.Bookings.CreateBooking(r.Context(), booking.CreateRequest{
		SessionID:      engine.SessionID(req.SessionID),
		Caller:         req.Caller.toCaller(),
		Spots:          req.Spots,
		PaymentMethod:  engine.PaymentMethod(req.PaymentMethod),
		PunchCardID:    engine.CardID(req.PunchCardID),
		IdempotencyRef: req.IdempotencyRef,
	})
	if err != nil {
		writeOutcome(w, nil, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, ResultDTO{
		Success: true,
		Message: "Booking created",
		Data:    toBookingDTO(b),
	})
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	id := engine.BookingID(chi.URLParam(r, "id"))

	b, err := h.Store.GetBooking(r.Context(), id)
	if err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Booking not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get booking", err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) AddSeats(w http.ResponseWriter, r *http.Request) {
	id := engine.BookingID(chi.URLParam(r, "id"))
	var req SeatChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := h.Bookings.AddSeats(r.Context(), id, req.Caller.toCaller(), req.Seats, req.IdempotencyRef)
	var data any
	if b != nil {
		data = toBookingDTO(b)
	}
	writeOutcome(w, data, err, "Seats added")
}

func (h *Handler) RemoveSeats(w http.ResponseWriter, r *http.Request) {
	id := engine.BookingID(chi.URLParam(r, "id"))
	var req SeatChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	report, err := h.Bookings.RemoveSeats(r.Context(), id, req.Caller.toCaller(), req.Seats)
	if err != nil {
		// A partial report means some refunds landed before the
		// failure. The client needs both the report and the error.
		if report != nil && len(report.Refunds) > 0 {
			writeJSON(w, httpStatusFor(err), ResultDTO{
				Success: false,
				Message: err.Error(),
				Code:    engine.ErrorCode(err),
				Data:    toRefundReportDTO(report),
			})
			return
		}
		writeOutcome(w, nil, err, "")
		return
	}
	writeOutcome(w, toRefundReportDTO(report), nil, "Seats removed")
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	id := engine.BookingID(chi.URLParam(r, "id"))
	var req CancelBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.Bookings.CancelBooking(r.Context(), id, req.Caller.toCaller(), req.Reason)
	var data any
	if result != nil {
		data = toCancelResultDTO(result)
	}
	writeOutcome(w, data, err, "Booking cancelled")
}

// =============================================================================
// ADMIN
// =============================================================================

func (h *Handler) AdminCancelBooking(w http.ResponseWriter, r *http.Request) {
	id := engine.BookingID(chi.URLParam(r, "id"))
	var req AdminCancelRequest
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := h.Bookings.AdminCancelBooking(r.Context(), id, req.Caller.toCaller(), req.SkipCompensation, req.Reason)
	var data any
	if result != nil {
		data = toCancelResultDTO(result)
	}
	writeOutcome(w, data, err, "Booking cancelled by admin")
}

func (h *Handler) AdminMoveBooking(w http.ResponseWriter, r *http.Request) {
	id := engine.BookingID(chi.URLParam(r, "id"))
	var req AdminMoveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := h.Bookings.AdminMoveBooking(r.Context(), id, engine.SessionID(req.TargetSessionID), req.Caller.toCaller())
	var data any
	if b != nil {
		data = toBookingDTO(b)
	}
	writeOutcome(w, data, err, "Booking moved")
}

func (h *Handler) ReserveHostSpots(w http.ResponseWriter, r *http.Request) {
	sessionID := engine.SessionID(chi.URLParam(r, "id"))
	var req ReserveHostSpotsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Caller.toCaller().IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin role required", engine.ErrUnauthorized)
		return
	}

	spots, err := h.Gusmester.ReserveHostSpots(r.Context(), sessionID, engine.EmployeeID(req.HostEmployeeID))
	if err != nil {
		writeOutcome(w, nil, err, "")
		return
	}
	dtos := make([]SpotDTO, 0, len(spots))
	for i := range spots {
		dtos = append(dtos, toSpotDTO(&spots[i]))
	}
	writeJSON(w, http.StatusCreated, ResultDTO{
		Success: true,
		Message: "Host spots reserved",
		Data:    dtos,
	})
}

// =============================================================================
// PUNCH CARDS
// =============================================================================

func (h *Handler) ListPunchCards(w http.ResponseWriter, r *http.Request) {
	owner := engine.MemberID(chi.URLParam(r, "memberId"))

	cards, err := h.Credit.CardsFor(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list punch cards", err)
		return
	}
	dtos := make([]PunchCardDTO, 0, len(cards))
	for i := range cards {
		dtos = append(dtos, toPunchCardDTO(&cards[i]))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetPunchCardHistory(w http.ResponseWriter, r *http.Request) {
	id := engine.CardID(chi.URLParam(r, "id"))

	entries, err := h.Credit.History(r.Context(), id)
	if err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Punch card not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get usage history", err)
		return
	}
	dtos := make([]UsageEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, UsageEntryDTO{
			Kind:           string(e.Kind),
			SessionID:      string(e.SessionID),
			SpotsUsed:      e.SpotsUsed,
			Amount:         e.Amount,
			Direction:      string(e.Direction),
			Reason:         e.Reason,
			RemainingAfter: e.RemainingAfter,
			CreatedAt:      e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// GUSMESTER SPOTS
// =============================================================================

func (h *Handler) BookSpot(w http.ResponseWriter, r *http.Request) {
	id := engine.SpotID(chi.URLParam(r, "id"))
	var req SpotActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.Gusmester.BookSpot(r.Context(), id, req.Caller.toCaller())
	writeOutcome(w, nil, err, "Spot booked")
}

func (h *Handler) CancelSpotBooking(w http.ResponseWriter, r *http.Request) {
	id := engine.SpotID(chi.URLParam(r, "id"))
	var req SpotActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.Gusmester.CancelSpotBooking(r.Context(), id, req.Caller.toCaller())
	writeOutcome(w, nil, err, "Spot booking cancelled, points refunded")
}

func (h *Handler) BookGuest(w http.ResponseWriter, r *http.Request) {
	id := engine.SpotID(chi.URLParam(r, "id"))
	var req BookGuestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := h.Gusmester.BookGuest(r.Context(), id, req.Caller.toCaller(), req.GuestName, req.GuestEmail)
	writeOutcome(w, nil, err, "Guest spot booked")
}

func (h *Handler) ReleaseGuestSpot(w http.ResponseWriter, r *http.Request) {
	id := engine.SpotID(chi.URLParam(r, "id"))
	var req SpotActionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	earned, err := h.Gusmester.ReleaseGuestSpot(r.Context(), id, req.Caller.toCaller())
	var data any
	if err == nil {
		data = map[string]int{"pointsEarned": earned}
	}
	writeOutcome(w, data, err, "Guest spot released")
}

// =============================================================================
// POINTS
// =============================================================================

func (h *Handler) GetPointsBalance(w http.ResponseWriter, r *http.Request) {
	id := engine.EmployeeID(chi.URLParam(r, "employeeId"))

	emp, err := h.Store.GetEmployee(r.Context(), id)
	if err != nil {
		if engine.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "Employee not found", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get employee", err)
		return
	}
	history, err := h.Store.PointsHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get points history", err)
		return
	}

	dto := PointsBalanceDTO{
		EmployeeID: string(emp.ID),
		Points:     emp.Points,
		History:    make([]PointsEntryDTO, 0, len(history)),
	}
	for _, e := range history {
		dto.History = append(dto.History, PointsEntryDTO{
			Amount:           e.Amount,
			Reason:           e.Reason,
			RelatedSessionID: string(e.RelatedSessionID),
			CreatedAt:        e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// RunSweep triggers the auto-release/hosting-award sweep and card
// expiry on demand. The scheduler calls the same code on a timer.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	report, err := h.Gusmester.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Sweep failed", err)
		return
	}
	expired, err := h.Credit.ExpireStale(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Card expiry failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepReportDTO{
		SpotsReleased: report.SpotsReleased,
		AwardsGranted: report.AwardsGranted,
		CardsExpired:  expired,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

/*
Package sqlite provides the SQLite-backed implementation of the engine
storage interfaces.

PURPOSE:
  Implements engine.Store using SQLite. In production the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

ATOMICITY:
  Every balance mutation is a single guarded UPDATE:

    UPDATE sessions SET committed_seats = committed_seats + ?
    WHERE id = ? AND committed_seats + ? <= capacity

  Zero rows affected means the guard failed (or the row is missing); a
  follow-up read distinguishes the two. No application-level
  read-then-write races exist for seats, punches, points, or spot
  status transitions.

APPEND-ONLY ENFORCEMENT:
  punch_card_usage, booking_payments, and employee_points_history are
  append-only: no UPDATE or DELETE statements touch their rows, with one
  narrow exception - booking_payments.booking_id is reassigned when an
  admin moves a booking. Amounts, refs, and ordering are never rewritten.

KEY INDEXES:
  - idx_payments_booking_type: newest-first refund selection (hot path)
  - idx_payments_charge_unique: idempotency on gateway charge refs
  - idx_points_employee_session_reason: sweep award deduplication

CONCURRENCY:
  Uses sync.RWMutex for thread-safety plus WAL mode. SQLITE_BUSY maps
  to engine.ErrStoreConflict so callers can retry via engine.WithRetry.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/bookings.db")   // or ":memory:" in tests
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions and mutation contracts
  - booking/service.go: The orchestrator driving these mutations
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/saunastudio/booking-engine/engine"
)

// Store implements engine.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier abstracts *sql.DB and *sql.Tx so the same statement helpers
// serve both direct and transactional calls.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Sessions (capacity tracker)
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		group_type TEXT NOT NULL,
		start_at TEXT NOT NULL,
		duration_minutes INTEGER NOT NULL,
		capacity INTEGER NOT NULL,
		committed_seats INTEGER NOT NULL DEFAULT 0
			CHECK (committed_seats >= 0 AND committed_seats <= capacity),
		minimum_participants INTEGER NOT NULL DEFAULT 0,
		seat_price TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_start_at ON sessions(start_at);

	-- Punch cards (prepaid credit instruments)
	CREATE TABLE IF NOT EXISTS punch_cards (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		total_punches INTEGER NOT NULL,
		remaining_punches INTEGER NOT NULL CHECK (remaining_punches >= 0),
		price TEXT NOT NULL,
		expiry_date TEXT,
		status TEXT NOT NULL,
		valid_group_types TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_punch_cards_owner ON punch_cards(owner_id);
	CREATE INDEX IF NOT EXISTS idx_punch_cards_status_expiry ON punch_cards(status, expiry_date);

	-- Punch card usage (append-only audit trail)
	CREATE TABLE IF NOT EXISTS punch_card_usage (
		id TEXT PRIMARY KEY,
		card_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		session_id TEXT,
		spots_used INTEGER NOT NULL DEFAULT 0,
		amount INTEGER NOT NULL DEFAULT 0,
		direction TEXT,
		reason TEXT,
		remaining_after INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_card ON punch_card_usage(card_id, created_at);

	-- Bookings
	CREATE TABLE IF NOT EXISTS bookings (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		spots INTEGER NOT NULL CHECK (spots >= 1),
		status TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		payment_amount TEXT NOT NULL,
		punch_card_id TEXT,
		employee_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_session ON bookings(session_id);
	CREATE INDEX IF NOT EXISTS idx_bookings_owner ON bookings(owner_id);

	-- Booking payments (append-only; rowid breaks created_at ties)
	CREATE TABLE IF NOT EXISTS booking_payments (
		id TEXT PRIMARY KEY,
		booking_id TEXT NOT NULL,
		payment_type TEXT NOT NULL,
		seats_count INTEGER NOT NULL,
		amount TEXT NOT NULL,
		gateway_charge_ref TEXT,
		gateway_refund_ref TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_booking_type
		ON booking_payments(booking_id, payment_type, created_at DESC);

	-- Idempotency: a charge reference may back at most one charge row.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_charge_unique
		ON booking_payments(gateway_charge_ref)
		WHERE payment_type != 'refund' AND gateway_charge_ref IS NOT NULL AND gateway_charge_ref != '';

	CREATE INDEX IF NOT EXISTS idx_payments_refunds_by_charge
		ON booking_payments(gateway_charge_ref) WHERE payment_type = 'refund';

	-- Guest spots (gusmester economy)
	CREATE TABLE IF NOT EXISTS guest_spots (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		point_cost INTEGER NOT NULL,
		host_employee_id TEXT NOT NULL,
		booked_by_id TEXT,
		guest_name TEXT,
		guest_email TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_spots_session ON guest_spots(session_id);
	CREATE INDEX IF NOT EXISTS idx_spots_status_kind ON guest_spots(status, kind);

	-- Employees (points balance kept in lockstep with the history table)
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0)
	);

	-- Employee points history (append-only ledger)
	CREATE TABLE IF NOT EXISTS employee_points_history (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		reason TEXT NOT NULL,
		related_session_id TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_points_employee ON employee_points_history(employee_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_points_employee_session_reason
		ON employee_points_history(employee_id, related_session_id, reason);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SESSION STORE (engine.SessionStore)
// =============================================================================

func (s *Store) GetSession(ctx context.Context, id engine.SessionID) (*engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSession(ctx, s.db, id)
}

func getSession(ctx context.Context, q querier, id engine.SessionID) (*engine.Session, error) {
	var (
		sess               engine.Session
		startAt, createdAt string
		price              string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, name, group_type, start_at, duration_minutes, capacity,
		       committed_seats, minimum_participants, seat_price, created_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Name, &sess.GroupType, &startAt, &sess.DurationMinutes,
		&sess.Capacity, &sess.CommittedSeats, &sess.MinimumParticipants, &price, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	sess.StartAt, _ = time.Parse(time.RFC3339, startAt)
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sess.SeatPrice = engine.MustParseMoney(price)
	return &sess, nil
}

func (s *Store) SaveSession(ctx context.Context, sess engine.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSession(ctx, s.db, sess)
}

func saveSession(ctx context.Context, q querier, sess engine.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO sessions
		(id, name, group_type, start_at, duration_minutes, capacity,
		 committed_seats, minimum_participants, seat_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			group_type = excluded.group_type,
			start_at = excluded.start_at,
			duration_minutes = excluded.duration_minutes,
			capacity = excluded.capacity,
			minimum_participants = excluded.minimum_participants,
			seat_price = excluded.seat_price`,
		sess.ID, sess.Name, sess.GroupType, sess.StartAt.UTC().Format(time.RFC3339),
		sess.DurationMinutes, sess.Capacity, sess.CommittedSeats,
		sess.MinimumParticipants, sess.SeatPrice.Value.String(),
		sess.CreatedAt.Format(time.RFC3339),
	)
	return mapSQLError(err)
}

// ReserveSeats is the capacity tracker's compare-and-increment. The
// guard lives in the UPDATE itself; no two concurrent reservations can
// both observe spare capacity and together exceed it.
func (s *Store) ReserveSeats(ctx context.Context, id engine.SessionID, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reserveSeats(ctx, s.db, id, n)
}

func reserveSeats(ctx context.Context, q querier, id engine.SessionID, n int) error {
	if n <= 0 {
		return fmt.Errorf("reserve seats: n must be positive, got %d", n)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET committed_seats = committed_seats + ?
		WHERE id = ? AND committed_seats + ? <= capacity`, n, id, n)
	if err != nil {
		return mapSQLError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		sess, gerr := getSession(ctx, q, id)
		if gerr != nil {
			return gerr
		}
		return &engine.CapacityError{
			SessionID: id,
			Capacity:  sess.Capacity,
			Committed: sess.CommittedSeats,
			Requested: n,
		}
	}
	return nil
}

// ReleaseSeats is the mirrored compare-and-decrement. The guard never
// lets committed_seats go below zero.
func (s *Store) ReleaseSeats(ctx context.Context, id engine.SessionID, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return releaseSeats(ctx, s.db, id, n)
}

func releaseSeats(ctx context.Context, q querier, id engine.SessionID, n int) error {
	if n <= 0 {
		return fmt.Errorf("release seats: n must be positive, got %d", n)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE sessions SET committed_seats = committed_seats - ?
		WHERE id = ? AND committed_seats >= ?`, n, id, n)
	if err != nil {
		return mapSQLError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, gerr := getSession(ctx, q, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("release %d seats on session %s: %w", n, id, engine.ErrInvalidRelease)
	}
	return nil
}

func (s *Store) SessionsStartedBetween(ctx context.Context, from, to time.Time) ([]engine.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sessionsStartedBetween(ctx, s.db, from, to)
}

func sessionsStartedBetween(ctx context.Context, q querier, from, to time.Time) ([]engine.Session, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, group_type, start_at, duration_minutes, capacity,
		       committed_seats, minimum_participants, seat_price, created_at
		FROM sessions
		WHERE start_at > ? AND start_at <= ?
		ORDER BY start_at ASC`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var sessions []engine.Session
	for rows.Next() {
		var (
			sess               engine.Session
			startAt, createdAt string
			price              string
		)
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.GroupType, &startAt,
			&sess.DurationMinutes, &sess.Capacity, &sess.CommittedSeats,
			&sess.MinimumParticipants, &price, &createdAt); err != nil {
			return nil, err
		}
		sess.StartAt, _ = time.Parse(time.RFC3339, startAt)
		sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		sess.SeatPrice = engine.MustParseMoney(price)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// =============================================================================
// PUNCH CARD STORE (engine.PunchCardStore)
// =============================================================================

func (s *Store) GetPunchCard(ctx context.Context, id engine.CardID) (*engine.PunchCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPunchCard(ctx, s.db, id)
}

func getPunchCard(ctx context.Context, q querier, id engine.CardID) (*engine.PunchCard, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, owner_id, total_punches, remaining_punches, price,
		       expiry_date, status, valid_group_types, created_at
		FROM punch_cards WHERE id = ?`, id)
	card, err := scanPunchCard(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("punch card %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return card, nil
}

func scanPunchCard(scan func(...any) error) (*engine.PunchCard, error) {
	var (
		card                  engine.PunchCard
		price, createdAt      string
		expiry, groupTypesRaw sql.NullString
	)
	err := scan(&card.ID, &card.OwnerID, &card.TotalPunches, &card.RemainingPunches,
		&price, &expiry, &card.Status, &groupTypesRaw, &createdAt)
	if err != nil {
		return nil, err
	}
	card.Price = engine.MustParseMoney(price)
	card.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if expiry.Valid && expiry.String != "" {
		card.ExpiryDate, _ = time.Parse(time.RFC3339, expiry.String)
	}
	if groupTypesRaw.Valid && groupTypesRaw.String != "" {
		json.Unmarshal([]byte(groupTypesRaw.String), &card.ValidGroupTypes)
	}
	return &card, nil
}

func (s *Store) SavePunchCard(ctx context.Context, card engine.PunchCard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePunchCard(ctx, s.db, card)
}

func savePunchCard(ctx context.Context, q querier, card engine.PunchCard) error {
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now().UTC()
	}
	var expiry any
	if !card.ExpiryDate.IsZero() {
		expiry = card.ExpiryDate.UTC().Format(time.RFC3339)
	}
	var groupTypes any
	if len(card.ValidGroupTypes) > 0 {
		raw, _ := json.Marshal(card.ValidGroupTypes)
		groupTypes = string(raw)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO punch_cards
		(id, owner_id, total_punches, remaining_punches, price, expiry_date,
		 status, valid_group_types, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			expiry_date = excluded.expiry_date,
			valid_group_types = excluded.valid_group_types`,
		card.ID, card.OwnerID, card.TotalPunches, card.RemainingPunches,
		card.Price.Value.String(), expiry, card.Status, groupTypes,
		card.CreatedAt.Format(time.RFC3339),
	)
	return mapSQLError(err)
}

func (s *Store) PunchCardsByOwner(ctx context.Context, owner engine.MemberID) ([]engine.PunchCard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return punchCardsByOwner(ctx, s.db, owner)
}

func punchCardsByOwner(ctx context.Context, q querier, owner engine.MemberID) ([]engine.PunchCard, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, owner_id, total_punches, remaining_punches, price,
		       expiry_date, status, valid_group_types, created_at
		FROM punch_cards WHERE owner_id = ?
		ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var cards []engine.PunchCard
	for rows.Next() {
		card, err := scanPunchCard(rows.Scan)
		if err != nil {
			return nil, err
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// DebitPunchCard decrements remaining punches and appends the matching
// consumption entry in one transaction. A card that hits zero flips to
// 'used' in the same statement.
func (s *Store) DebitPunchCard(ctx context.Context, id engine.CardID, spots int, sessionID engine.SessionID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTxLocked(ctx, func(q querier) (int, error) {
		return debitPunchCard(ctx, q, id, spots, sessionID, reason)
	})
}

func debitPunchCard(ctx context.Context, q querier, id engine.CardID, spots int, sessionID engine.SessionID, reason string) (int, error) {
	if spots <= 0 {
		return 0, fmt.Errorf("debit punch card: spots must be positive, got %d", spots)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE punch_cards
		SET remaining_punches = remaining_punches - ?,
		    status = CASE WHEN remaining_punches - ? = 0 THEN 'used' ELSE status END
		WHERE id = ? AND status = 'active' AND remaining_punches >= ?`,
		spots, spots, id, spots)
	if err != nil {
		return 0, mapSQLError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		card, gerr := getPunchCard(ctx, q, id)
		if gerr != nil {
			return 0, gerr
		}
		if card.Status != engine.CardActive {
			return 0, fmt.Errorf("punch card %s is %s: %w", id, card.Status, engine.ErrCardNotUsable)
		}
		return 0, &engine.InsufficientCreditError{
			Instrument: "punch_card",
			OwnerID:    string(card.OwnerID),
			Available:  card.RemainingPunches,
			Requested:  spots,
		}
	}

	remaining, err := cardRemaining(ctx, q, id)
	if err != nil {
		return 0, err
	}
	entry := engine.UsageEntry{
		ID:             uuid.NewString(),
		CardID:         id,
		Kind:           engine.UsageConsumption,
		SessionID:      sessionID,
		SpotsUsed:      spots,
		Reason:         reason,
		RemainingAfter: remaining,
		CreatedAt:      time.Now().UTC(),
	}
	if err := appendUsage(ctx, q, entry); err != nil {
		return 0, err
	}
	return remaining, nil
}

// CreditPunchCard restores punches (cancellation compensation) and
// appends the matching adjustment entry. A 'used' card becomes active
// again; an expired card stays expired.
func (s *Store) CreditPunchCard(ctx context.Context, id engine.CardID, amount int, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTxLocked(ctx, func(q querier) (int, error) {
		return creditPunchCard(ctx, q, id, amount, reason)
	})
}

func creditPunchCard(ctx context.Context, q querier, id engine.CardID, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit punch card: amount must be positive, got %d", amount)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE punch_cards
		SET remaining_punches = remaining_punches + ?,
		    status = CASE WHEN status = 'used' THEN 'active' ELSE status END
		WHERE id = ?`, amount, id)
	if err != nil {
		return 0, mapSQLError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, fmt.Errorf("punch card %s: %w", id, engine.ErrNotFound)
	}

	remaining, err := cardRemaining(ctx, q, id)
	if err != nil {
		return 0, err
	}
	entry := engine.UsageEntry{
		ID:             uuid.NewString(),
		CardID:         id,
		Kind:           engine.UsageAdjustment,
		Amount:         amount,
		Direction:      engine.AdjustAdd,
		Reason:         reason,
		RemainingAfter: remaining,
		CreatedAt:      time.Now().UTC(),
	}
	if err := appendUsage(ctx, q, entry); err != nil {
		return 0, err
	}
	return remaining, nil
}

func cardRemaining(ctx context.Context, q querier, id engine.CardID) (int, error) {
	var remaining int
	err := q.QueryRowContext(ctx,
		"SELECT remaining_punches FROM punch_cards WHERE id = ?", id).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("punch card %s: %w", id, engine.ErrNotFound)
	}
	return remaining, mapSQLError(err)
}

func appendUsage(ctx context.Context, q querier, e engine.UsageEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO punch_card_usage
		(id, card_id, kind, session_id, spots_used, amount, direction, reason,
		 remaining_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CardID, e.Kind, nullIfEmpty(string(e.SessionID)), e.SpotsUsed,
		e.Amount, nullIfEmpty(string(e.Direction)), e.Reason, e.RemainingAfter,
		e.CreatedAt.Format(time.RFC3339),
	)
	return mapSQLError(err)
}

func (s *Store) PunchCardUsage(ctx context.Context, id engine.CardID) ([]engine.UsageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return punchCardUsage(ctx, s.db, id)
}

func punchCardUsage(ctx context.Context, q querier, id engine.CardID) ([]engine.UsageEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, card_id, kind, session_id, spots_used, amount, direction,
		       reason, remaining_after, created_at
		FROM punch_card_usage
		WHERE card_id = ?
		ORDER BY created_at ASC, rowid ASC`, id)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var entries []engine.UsageEntry
	for rows.Next() {
		var (
			e              engine.UsageEntry
			sessionID, dir sql.NullString
			reason         sql.NullString
			createdAt      string
		)
		if err := rows.Scan(&e.ID, &e.CardID, &e.Kind, &sessionID, &e.SpotsUsed,
			&e.Amount, &dir, &reason, &e.RemainingAfter, &createdAt); err != nil {
			return nil, err
		}
		e.SessionID = engine.SessionID(sessionID.String)
		e.Direction = engine.AdjustDirection(dir.String)
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ExpirePunchCards(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expirePunchCards(ctx, s.db, now)
}

func expirePunchCards(ctx context.Context, q querier, now time.Time) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE punch_cards SET status = 'expired'
		WHERE status = 'active' AND expiry_date IS NOT NULL AND expiry_date < ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, mapSQLError(err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// =============================================================================
// BOOKING STORE (engine.BookingStore)
// =============================================================================

func (s *Store) GetBooking(ctx context.Context, id engine.BookingID) (*engine.Booking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getBooking(ctx, s.db, id)
}

func getBooking(ctx context.Context, q querier, id engine.BookingID) (*engine.Booking, error) {
	var (
		b                 engine.Booking
		amount, createdAt string
		cardID, empID     sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, session_id, owner_id, spots, status, payment_method,
		       payment_amount, punch_card_id, employee_id, created_at
		FROM bookings WHERE id = ?`, id,
	).Scan(&b.ID, &b.SessionID, &b.OwnerID, &b.Spots, &b.Status,
		&b.PaymentMethod, &amount, &cardID, &empID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("booking %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	b.PaymentAmount = engine.MustParseMoney(amount)
	b.PunchCardID = engine.CardID(cardID.String)
	b.EmployeeID = engine.EmployeeID(empID.String)
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &b, nil
}

func (s *Store) SaveBooking(ctx context.Context, b engine.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveBooking(ctx, s.db, b)
}

func saveBooking(ctx context.Context, q querier, b engine.Booking) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO bookings
		(id, session_id, owner_id, spots, status, payment_method,
		 payment_amount, punch_card_id, employee_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.OwnerID, b.Spots, b.Status, b.PaymentMethod,
		b.PaymentAmount.Value.String(), nullIfEmpty(string(b.PunchCardID)),
		nullIfEmpty(string(b.EmployeeID)), b.CreatedAt.Format(time.RFC3339),
	)
	return mapSQLError(err)
}

func (s *Store) TransitionBooking(ctx context.Context, id engine.BookingID, from, to engine.BookingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionBooking(ctx, s.db, id, from, to)
}

// transitionBooking is the status compare-and-set: the flip lands only
// if the booking is still in the expected status, so two concurrent
// cancellations cannot both commit.
func transitionBooking(ctx context.Context, q querier, id engine.BookingID, from, to engine.BookingStatus) error {
	res, err := q.ExecContext(ctx,
		"UPDATE bookings SET status = ? WHERE id = ? AND status = ?", to, id, from)
	if err != nil {
		return mapSQLError(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	// Zero rows: missing booking or a lost status race.
	if _, err := getBooking(ctx, q, id); err != nil {
		return err
	}
	return fmt.Errorf("booking %s is not %s: %w", id, from, engine.ErrBookingNotActive)
}

func (s *Store) AdjustBookingSpots(ctx context.Context, id engine.BookingID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return adjustBookingSpots(ctx, s.db, id, delta)
}

// adjustBookingSpots mutates the seat count relative to the stored
// value, guarded so the count never drops below 1 and cancelled
// bookings are never resized.
func adjustBookingSpots(ctx context.Context, q querier, id engine.BookingID, delta int) error {
	res, err := q.ExecContext(ctx, `
		UPDATE bookings SET spots = spots + ?
		WHERE id = ? AND status = 'active' AND spots + ? >= 1`,
		delta, id, delta)
	if err != nil {
		return mapSQLError(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 1 {
		return nil
	}
	b, err := getBooking(ctx, q, id)
	if err != nil {
		return err
	}
	if b.Status != engine.BookingActive {
		return fmt.Errorf("booking %s is %s: %w", id, b.Status, engine.ErrBookingNotActive)
	}
	return fmt.Errorf("booking %s has %d spots, adjusting by %d would empty it: %w",
		id, b.Spots, delta, engine.ErrInvalidRelease)
}

// ReassignBookingPayments moves the payment trail to a new booking id
// (admin move). The rows themselves stay immutable.
func (s *Store) ReassignBookingPayments(ctx context.Context, from, to engine.BookingID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return reassignBookingPayments(ctx, s.db, from, to)
}

func reassignBookingPayments(ctx context.Context, q querier, from, to engine.BookingID) error {
	_, err := q.ExecContext(ctx,
		"UPDATE booking_payments SET booking_id = ? WHERE booking_id = ?", to, from)
	return mapSQLError(err)
}

func (s *Store) AppendBookingPayment(ctx context.Context, p engine.BookingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendBookingPayment(ctx, s.db, p)
}

func appendBookingPayment(ctx context.Context, q querier, p engine.BookingPayment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO booking_payments
		(id, booking_id, payment_type, seats_count, amount,
		 gateway_charge_ref, gateway_refund_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BookingID, p.Type, p.SeatsCount, p.Amount.Value.String(),
		nullIfEmpty(p.GatewayChargeRef), nullIfEmpty(p.GatewayRefundRef),
		p.CreatedAt.Format(time.RFC3339),
	)
	if err != nil && isUniqueConstraintError(err) {
		return fmt.Errorf("charge ref %s: %w", p.GatewayChargeRef, engine.ErrDuplicateIdempotencyKey)
	}
	return mapSQLError(err)
}

const paymentColumns = `id, booking_id, payment_type, seats_count, amount,
	gateway_charge_ref, gateway_refund_ref, created_at`

func (s *Store) BookingPayments(ctx context.Context, id engine.BookingID) ([]engine.BookingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPayments(ctx, s.db, `
		SELECT `+paymentColumns+`
		FROM booking_payments WHERE booking_id = ?
		ORDER BY created_at ASC, rowid ASC`, id)
}

// AdditionalSeatPayments returns additional_seats rows newest first.
// Refund selection walks this order; rowid breaks created_at ties so
// the ordering stays total even for same-second inserts.
func (s *Store) AdditionalSeatPayments(ctx context.Context, id engine.BookingID) ([]engine.BookingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPayments(ctx, s.db, `
		SELECT `+paymentColumns+`
		FROM booking_payments
		WHERE booking_id = ? AND payment_type = 'additional_seats'
		ORDER BY created_at DESC, rowid DESC`, id)
}

func queryPayments(ctx context.Context, q querier, query string, args ...any) ([]engine.BookingPayment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var payments []engine.BookingPayment
	for rows.Next() {
		var (
			p                    engine.BookingPayment
			amount, createdAt    string
			chargeRef, refundRef sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.BookingID, &p.Type, &p.SeatsCount,
			&amount, &chargeRef, &refundRef, &createdAt); err != nil {
			return nil, err
		}
		p.Amount = engine.MustParseMoney(amount)
		p.GatewayChargeRef = chargeRef.String
		p.GatewayRefundRef = refundRef.String
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// RefundedSeatsForCharge sums seats already refunded against a charge.
// Crash recovery depends on this: a refund issued at the gateway but
// not yet reflected in booking.spots is detected here and never reissued.
func (s *Store) RefundedSeatsForCharge(ctx context.Context, chargeRef string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return refundedSeatsForCharge(ctx, s.db, chargeRef)
}

func refundedSeatsForCharge(ctx context.Context, q querier, chargeRef string) (int, error) {
	var seats sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(seats_count) FROM booking_payments
		WHERE payment_type = 'refund' AND gateway_charge_ref = ?`, chargeRef).Scan(&seats)
	if err != nil {
		return 0, mapSQLError(err)
	}
	return int(seats.Int64), nil
}

// =============================================================================
// GUEST SPOT STORE (engine.SpotStore)
// =============================================================================

func (s *Store) GetSpot(ctx context.Context, id engine.SpotID) (*engine.GuestSpot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSpot(ctx, s.db, id)
}

func getSpot(ctx context.Context, q querier, id engine.SpotID) (*engine.GuestSpot, error) {
	var (
		spot                           engine.GuestSpot
		bookedBy, guestName, guestMail sql.NullString
		createdAt                      string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, session_id, kind, status, point_cost, host_employee_id,
		       booked_by_id, guest_name, guest_email, created_at
		FROM guest_spots WHERE id = ?`, id,
	).Scan(&spot.ID, &spot.SessionID, &spot.Kind, &spot.Status, &spot.PointCost,
		&spot.HostEmployeeID, &bookedBy, &guestName, &guestMail, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("spot %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	spot.BookedByID = engine.EmployeeID(bookedBy.String)
	spot.GuestName = guestName.String
	spot.GuestEmail = guestMail.String
	spot.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &spot, nil
}

func (s *Store) SaveSpot(ctx context.Context, spot engine.GuestSpot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveSpot(ctx, s.db, spot)
}

func saveSpot(ctx context.Context, q querier, spot engine.GuestSpot) error {
	if spot.CreatedAt.IsZero() {
		spot.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO guest_spots
		(id, session_id, kind, status, point_cost, host_employee_id,
		 booked_by_id, guest_name, guest_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			booked_by_id = excluded.booked_by_id,
			guest_name = excluded.guest_name,
			guest_email = excluded.guest_email`,
		spot.ID, spot.SessionID, spot.Kind, spot.Status, spot.PointCost,
		spot.HostEmployeeID, nullIfEmpty(string(spot.BookedByID)),
		nullIfEmpty(spot.GuestName), nullIfEmpty(spot.GuestEmail),
		spot.CreatedAt.Format(time.RFC3339),
	)
	return mapSQLError(err)
}

func (s *Store) SpotsBySession(ctx context.Context, id engine.SessionID) ([]engine.GuestSpot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return querySpots(ctx, s.db, `
		SELECT id, session_id, kind, status, point_cost, host_employee_id,
		       booked_by_id, guest_name, guest_email, created_at
		FROM guest_spots WHERE session_id = ?
		ORDER BY created_at ASC`, id)
}

// TransitionSpot is the spot state machine's compare-and-set. A
// concurrent booking of the same spot loses the race cleanly instead
// of double-booking.
func (s *Store) TransitionSpot(ctx context.Context, id engine.SpotID, from, to engine.SpotStatus, bookedBy engine.EmployeeID, guestName, guestEmail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transitionSpot(ctx, s.db, id, from, to, bookedBy, guestName, guestEmail)
}

func transitionSpot(ctx context.Context, q querier, id engine.SpotID, from, to engine.SpotStatus, bookedBy engine.EmployeeID, guestName, guestEmail string) error {
	res, err := q.ExecContext(ctx, `
		UPDATE guest_spots
		SET status = ?,
		    booked_by_id = COALESCE(?, booked_by_id),
		    guest_name = COALESCE(?, guest_name),
		    guest_email = COALESCE(?, guest_email)
		WHERE id = ? AND status = ?`,
		to, nullIfEmpty(string(bookedBy)), nullIfEmpty(guestName),
		nullIfEmpty(guestEmail), id, from)
	if err != nil {
		return mapSQLError(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, gerr := getSpot(ctx, q, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("spot %s is not %s: %w", id, from, engine.ErrSpotUnavailable)
	}
	return nil
}

const autoReleaseQuery = `
	SELECT gs.id, gs.session_id, gs.kind, gs.status, gs.point_cost,
	       gs.host_employee_id, gs.booked_by_id, gs.guest_name,
	       gs.guest_email, gs.created_at
	FROM guest_spots gs
	JOIN sessions se ON se.id = gs.session_id
	WHERE gs.status = 'reserved_for_host' AND gs.kind = 'gusmester_spot'
	  AND se.start_at >= ? AND se.start_at <= ?`

func (s *Store) SpotsToAutoRelease(ctx context.Context, now, until time.Time) ([]engine.GuestSpot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return querySpots(ctx, s.db, autoReleaseQuery,
		now.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))
}

func querySpots(ctx context.Context, q querier, query string, args ...any) ([]engine.GuestSpot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var spots []engine.GuestSpot
	for rows.Next() {
		var (
			spot                           engine.GuestSpot
			bookedBy, guestName, guestMail sql.NullString
			createdAt                      string
		)
		if err := rows.Scan(&spot.ID, &spot.SessionID, &spot.Kind, &spot.Status,
			&spot.PointCost, &spot.HostEmployeeID, &bookedBy, &guestName,
			&guestMail, &createdAt); err != nil {
			return nil, err
		}
		spot.BookedByID = engine.EmployeeID(bookedBy.String)
		spot.GuestName = guestName.String
		spot.GuestEmail = guestMail.String
		spot.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		spots = append(spots, spot)
	}
	return spots, rows.Err()
}

// =============================================================================
// EMPLOYEE STORE (engine.EmployeeStore)
// =============================================================================

func (s *Store) GetEmployee(ctx context.Context, id engine.EmployeeID) (*engine.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEmployee(ctx, s.db, id)
}

func getEmployee(ctx context.Context, q querier, id engine.EmployeeID) (*engine.Employee, error) {
	var (
		e     engine.Employee
		email sql.NullString
	)
	err := q.QueryRowContext(ctx,
		"SELECT id, name, email, points FROM employees WHERE id = ?", id,
	).Scan(&e.ID, &e.Name, &email, &e.Points)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("employee %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	e.Email = email.String
	return &e, nil
}

func (s *Store) SaveEmployee(ctx context.Context, e engine.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveEmployee(ctx, s.db, e)
}

func saveEmployee(ctx context.Context, q querier, e engine.Employee) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO employees (id, name, email, points)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email`,
		e.ID, e.Name, nullIfEmpty(e.Email), e.Points)
	return mapSQLError(err)
}

// DebitPoints decrements an employee's points balance and appends the
// matching ledger row in one transaction. The guard rejects overdrafts.
func (s *Store) DebitPoints(ctx context.Context, id engine.EmployeeID, amount int, reason string, sessionID engine.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.inTxLocked(ctx, func(q querier) (int, error) {
		return 0, debitPoints(ctx, q, id, amount, reason, sessionID)
	})
	return err
}

func debitPoints(ctx context.Context, q querier, id engine.EmployeeID, amount int, reason string, sessionID engine.SessionID) error {
	if amount <= 0 {
		return fmt.Errorf("debit points: amount must be positive, got %d", amount)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE employees SET points = points - ?
		WHERE id = ? AND points >= ?`, amount, id, amount)
	if err != nil {
		return mapSQLError(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		emp, gerr := getEmployee(ctx, q, id)
		if gerr != nil {
			return gerr
		}
		return &engine.InsufficientCreditError{
			Instrument: "points",
			OwnerID:    string(id),
			Available:  emp.Points,
			Requested:  amount,
		}
	}
	return appendPointsEntry(ctx, q, id, -amount, reason, sessionID)
}

func (s *Store) CreditPoints(ctx context.Context, id engine.EmployeeID, amount int, reason string, sessionID engine.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.inTxLocked(ctx, func(q querier) (int, error) {
		return 0, creditPoints(ctx, q, id, amount, reason, sessionID)
	})
	return err
}

func creditPoints(ctx context.Context, q querier, id engine.EmployeeID, amount int, reason string, sessionID engine.SessionID) error {
	if amount <= 0 {
		return fmt.Errorf("credit points: amount must be positive, got %d", amount)
	}
	res, err := q.ExecContext(ctx,
		"UPDATE employees SET points = points + ? WHERE id = ?", amount, id)
	if err != nil {
		return mapSQLError(err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("employee %s: %w", id, engine.ErrNotFound)
	}
	return appendPointsEntry(ctx, q, id, amount, reason, sessionID)
}

func appendPointsEntry(ctx context.Context, q querier, id engine.EmployeeID, amount int, reason string, sessionID engine.SessionID) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO employee_points_history
		(id, employee_id, amount, reason, related_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), id, amount, reason, nullIfEmpty(string(sessionID)),
		time.Now().UTC().Format(time.RFC3339))
	return mapSQLError(err)
}

func (s *Store) PointsHistory(ctx context.Context, id engine.EmployeeID) ([]engine.PointsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pointsHistory(ctx, s.db, id)
}

func pointsHistory(ctx context.Context, q querier, id engine.EmployeeID) ([]engine.PointsEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, employee_id, amount, reason, related_session_id, created_at
		FROM employee_points_history
		WHERE employee_id = ?
		ORDER BY created_at DESC, rowid DESC`, id)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var entries []engine.PointsEntry
	for rows.Next() {
		var (
			e         engine.PointsEntry
			sessionID sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.Amount, &e.Reason,
			&sessionID, &createdAt); err != nil {
			return nil, err
		}
		e.RelatedSessionID = engine.SessionID(sessionID.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) HasPointsEntry(ctx context.Context, id engine.EmployeeID, sessionID engine.SessionID, reason string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasPointsEntry(ctx, s.db, id, sessionID, reason)
}

func hasPointsEntry(ctx context.Context, q querier, id engine.EmployeeID, sessionID engine.SessionID, reason string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM employee_points_history
		WHERE employee_id = ? AND related_session_id = ? AND reason = ?`,
		id, sessionID, reason).Scan(&count)
	return count > 0, mapSQLError(err)
}

func (s *Store) HostsOfSpotsForSession(ctx context.Context, id engine.SessionID) ([]engine.EmployeeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hostsOfSpotsForSession(ctx, s.db, id)
}

func hostsOfSpotsForSession(ctx context.Context, q querier, id engine.SessionID) ([]engine.EmployeeID, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT DISTINCT host_employee_id FROM guest_spots WHERE session_id = ?", id)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer rows.Close()

	var hosts []engine.EmployeeID
	for rows.Next() {
		var h engine.EmployeeID
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// =============================================================================
// TRANSACTIONS (engine.Store WithTx)
// =============================================================================

// WithTx executes fn within a database transaction. The whole store is
// writer-locked for the duration (SQLite has a single writer anyway).
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapSQLError(err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return mapSQLError(sqlTx.Commit())
}

// inTxLocked wraps a multi-statement mutation (guarded update + audit
// append) in a transaction. Caller must hold s.mu.
func (s *Store) inTxLocked(ctx context.Context, fn func(querier) (int, error)) (int, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapSQLError(err)
	}
	defer sqlTx.Rollback()

	n, err := fn(sqlTx)
	if err != nil {
		return 0, err
	}
	return n, mapSQLError(sqlTx.Commit())
}

// txStore runs every operation on the open transaction. It implements
// engine.Store; a nested WithTx reuses the same transaction.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) GetSession(ctx context.Context, id engine.SessionID) (*engine.Session, error) {
	return getSession(ctx, t.tx, id)
}
func (t *txStore) SaveSession(ctx context.Context, s engine.Session) error {
	return saveSession(ctx, t.tx, s)
}
func (t *txStore) ReserveSeats(ctx context.Context, id engine.SessionID, n int) error {
	return reserveSeats(ctx, t.tx, id, n)
}
func (t *txStore) ReleaseSeats(ctx context.Context, id engine.SessionID, n int) error {
	return releaseSeats(ctx, t.tx, id, n)
}
func (t *txStore) SessionsStartedBetween(ctx context.Context, from, to time.Time) ([]engine.Session, error) {
	return sessionsStartedBetween(ctx, t.tx, from, to)
}

func (t *txStore) GetPunchCard(ctx context.Context, id engine.CardID) (*engine.PunchCard, error) {
	return getPunchCard(ctx, t.tx, id)
}
func (t *txStore) SavePunchCard(ctx context.Context, c engine.PunchCard) error {
	return savePunchCard(ctx, t.tx, c)
}
func (t *txStore) PunchCardsByOwner(ctx context.Context, owner engine.MemberID) ([]engine.PunchCard, error) {
	return punchCardsByOwner(ctx, t.tx, owner)
}
func (t *txStore) DebitPunchCard(ctx context.Context, id engine.CardID, spots int, sessionID engine.SessionID, reason string) (int, error) {
	return debitPunchCard(ctx, t.tx, id, spots, sessionID, reason)
}
func (t *txStore) CreditPunchCard(ctx context.Context, id engine.CardID, amount int, reason string) (int, error) {
	return creditPunchCard(ctx, t.tx, id, amount, reason)
}
func (t *txStore) PunchCardUsage(ctx context.Context, id engine.CardID) ([]engine.UsageEntry, error) {
	return punchCardUsage(ctx, t.tx, id)
}
func (t *txStore) ExpirePunchCards(ctx context.Context, now time.Time) (int, error) {
	return expirePunchCards(ctx, t.tx, now)
}

func (t *txStore) GetBooking(ctx context.Context, id engine.BookingID) (*engine.Booking, error) {
	return getBooking(ctx, t.tx, id)
}
func (t *txStore) SaveBooking(ctx context.Context, b engine.Booking) error {
	return saveBooking(ctx, t.tx, b)
}
func (t *txStore) TransitionBooking(ctx context.Context, id engine.BookingID, from, to engine.BookingStatus) error {
	return transitionBooking(ctx, t.tx, id, from, to)
}
func (t *txStore) AdjustBookingSpots(ctx context.Context, id engine.BookingID, delta int) error {
	return adjustBookingSpots(ctx, t.tx, id, delta)
}
func (t *txStore) ReassignBookingPayments(ctx context.Context, from, to engine.BookingID) error {
	return reassignBookingPayments(ctx, t.tx, from, to)
}
func (t *txStore) AppendBookingPayment(ctx context.Context, p engine.BookingPayment) error {
	return appendBookingPayment(ctx, t.tx, p)
}
func (t *txStore) BookingPayments(ctx context.Context, id engine.BookingID) ([]engine.BookingPayment, error) {
	return queryPayments(ctx, t.tx, `
		SELECT `+paymentColumns+`
		FROM booking_payments WHERE booking_id = ?
		ORDER BY created_at ASC, rowid ASC`, id)
}
func (t *txStore) AdditionalSeatPayments(ctx context.Context, id engine.BookingID) ([]engine.BookingPayment, error) {
	return queryPayments(ctx, t.tx, `
		SELECT `+paymentColumns+`
		FROM booking_payments
		WHERE booking_id = ? AND payment_type = 'additional_seats'
		ORDER BY created_at DESC, rowid DESC`, id)
}
func (t *txStore) RefundedSeatsForCharge(ctx context.Context, chargeRef string) (int, error) {
	return refundedSeatsForCharge(ctx, t.tx, chargeRef)
}

func (t *txStore) GetSpot(ctx context.Context, id engine.SpotID) (*engine.GuestSpot, error) {
	return getSpot(ctx, t.tx, id)
}
func (t *txStore) SaveSpot(ctx context.Context, s engine.GuestSpot) error {
	return saveSpot(ctx, t.tx, s)
}
func (t *txStore) SpotsBySession(ctx context.Context, id engine.SessionID) ([]engine.GuestSpot, error) {
	return querySpots(ctx, t.tx, `
		SELECT id, session_id, kind, status, point_cost, host_employee_id,
		       booked_by_id, guest_name, guest_email, created_at
		FROM guest_spots WHERE session_id = ?
		ORDER BY created_at ASC`, id)
}
func (t *txStore) TransitionSpot(ctx context.Context, id engine.SpotID, from, to engine.SpotStatus, bookedBy engine.EmployeeID, guestName, guestEmail string) error {
	return transitionSpot(ctx, t.tx, id, from, to, bookedBy, guestName, guestEmail)
}
func (t *txStore) SpotsToAutoRelease(ctx context.Context, now, until time.Time) ([]engine.GuestSpot, error) {
	return querySpots(ctx, t.tx, autoReleaseQuery,
		now.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))
}

func (t *txStore) GetEmployee(ctx context.Context, id engine.EmployeeID) (*engine.Employee, error) {
	return getEmployee(ctx, t.tx, id)
}
func (t *txStore) SaveEmployee(ctx context.Context, e engine.Employee) error {
	return saveEmployee(ctx, t.tx, e)
}
func (t *txStore) DebitPoints(ctx context.Context, id engine.EmployeeID, amount int, reason string, sessionID engine.SessionID) error {
	return debitPoints(ctx, t.tx, id, amount, reason, sessionID)
}
func (t *txStore) CreditPoints(ctx context.Context, id engine.EmployeeID, amount int, reason string, sessionID engine.SessionID) error {
	return creditPoints(ctx, t.tx, id, amount, reason, sessionID)
}
func (t *txStore) PointsHistory(ctx context.Context, id engine.EmployeeID) ([]engine.PointsEntry, error) {
	return pointsHistory(ctx, t.tx, id)
}
func (t *txStore) HasPointsEntry(ctx context.Context, id engine.EmployeeID, sessionID engine.SessionID, reason string) (bool, error) {
	return hasPointsEntry(ctx, t.tx, id, sessionID, reason)
}
func (t *txStore) HostsOfSpotsForSession(ctx context.Context, id engine.SessionID) ([]engine.EmployeeID, error) {
	return hostsOfSpotsForSession(ctx, t.tx, id)
}

func (t *txStore) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return fn(t) // already inside a transaction
}

// =============================================================================
// HELPERS
// =============================================================================

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%w: %v", engine.ErrStoreConflict, err)
	}
	return err
}

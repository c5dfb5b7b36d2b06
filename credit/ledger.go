/*
Package credit manages punch cards, the studio's prepaid credit
instrument.

PURPOSE:
  A punch card holds a fixed number of punches bought up front. One
  punch covers one seat in one session. The Ledger validates that a
  card is usable for a given session before spending from it, restores
  punches on cancellation compensation, and mints fresh cards when a
  card-paid booking is compensated.

INVARIANTS:
  - Punches never go negative (store-side guard)
  - Every balance change has a matching audit entry, written in the
    same transaction
  - A card that hits zero flips to used; crediting flips it back
  - Expired cards never become usable again

SEE ALSO:
  - engine/store.go: PunchCardStore mutation contracts
  - booking/service.go: Spends and restores punches through this ledger
*/
package credit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/saunastudio/booking-engine/engine"
)

// DefaultValidity is how long a minted compensation card stays usable.
const DefaultValidity = 365 * 24 * time.Hour

// Ledger is the domain surface over punch card storage.
type Ledger struct {
	store engine.Store
	clock engine.Clock
}

func NewLedger(store engine.Store, clock engine.Clock) *Ledger {
	return &Ledger{store: store, clock: clock}
}

// WithStore returns a ledger bound to the given store, so ledger
// operations can run inside an enclosing store transaction.
func (l *Ledger) WithStore(store engine.Store) *Ledger {
	return &Ledger{store: store, clock: l.clock}
}

// Spend debits spots punches for a session after validating the card
// belongs to the member and covers the session's group type.
func (l *Ledger) Spend(ctx context.Context, cardID engine.CardID, owner engine.MemberID, session *engine.Session, spots int) (int, error) {
	card, err := l.store.GetPunchCard(ctx, cardID)
	if err != nil {
		return 0, err
	}
	if card.OwnerID != owner {
		return 0, fmt.Errorf("punch card %s does not belong to member %s: %w", cardID, owner, engine.ErrUnauthorized)
	}
	if !card.UsableFor(session.GroupType, l.clock.Now()) {
		return 0, fmt.Errorf("punch card %s not usable for %s session: %w", cardID, session.GroupType, engine.ErrCardNotUsable)
	}

	remaining, err := l.store.DebitPunchCard(ctx, cardID, spots, session.ID,
		fmt.Sprintf("booking for session %s", session.ID))
	if err != nil {
		return 0, err
	}
	log.Printf("[Credit] card %s spent %d punches for session %s, %d remaining",
		cardID, spots, session.ID, remaining)
	return remaining, nil
}

// Restore credits punches back after a compensated cancellation.
func (l *Ledger) Restore(ctx context.Context, cardID engine.CardID, punches int, reason string) (int, error) {
	remaining, err := l.store.CreditPunchCard(ctx, cardID, punches, reason)
	if err != nil {
		return 0, err
	}
	log.Printf("[Credit] card %s restored %d punches (%s), %d remaining",
		cardID, punches, reason, remaining)
	return remaining, nil
}

// Mint issues a new card as compensation for a card-paid booking. The
// card carries one punch per compensated seat, is priced at the amount
// originally paid, and stays valid for DefaultValidity.
func (l *Ledger) Mint(ctx context.Context, owner engine.MemberID, spots int, paidAmount engine.Money, groupType string) (*engine.PunchCard, error) {
	if spots <= 0 {
		return nil, fmt.Errorf("mint: spots must be positive, got %d", spots)
	}
	now := l.clock.Now()
	card := engine.PunchCard{
		ID:               engine.CardID("card-" + uuid.NewString()),
		OwnerID:          owner,
		TotalPunches:     spots,
		RemainingPunches: spots,
		Price:            paidAmount,
		ExpiryDate:       now.Add(DefaultValidity),
		Status:           engine.CardActive,
		ValidGroupTypes:  []string{groupType},
		CreatedAt:        now,
	}
	if err := l.store.SavePunchCard(ctx, card); err != nil {
		return nil, err
	}
	log.Printf("[Credit] minted compensation card %s for member %s: %d punches, %s kr",
		card.ID, owner, spots, paidAmount)
	return &card, nil
}

// CardsFor lists a member's punch cards, newest first.
func (l *Ledger) CardsFor(ctx context.Context, owner engine.MemberID) ([]engine.PunchCard, error) {
	return l.store.PunchCardsByOwner(ctx, owner)
}

// History returns a card's full audit trail, oldest first.
func (l *Ledger) History(ctx context.Context, cardID engine.CardID) ([]engine.UsageEntry, error) {
	if _, err := l.store.GetPunchCard(ctx, cardID); err != nil {
		return nil, err
	}
	return l.store.PunchCardUsage(ctx, cardID)
}

// ExpireStale marks every active card past its expiry date. Returns
// the number of cards expired; the scheduler runs this periodically.
func (l *Ledger) ExpireStale(ctx context.Context) (int, error) {
	n, err := l.store.ExpirePunchCards(ctx, l.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[Credit] expired %d stale punch cards", n)
	}
	return n, nil
}

package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/saunastudio/booking-engine/engine"
)

// Fake is an in-memory payment provider for tests and local runs. It
// dedupes charges on the idempotency ref and tracks the refundable
// balance per charge, the same contract real providers honor.
type Fake struct {
	mu sync.Mutex

	charges     map[string]*fakeCharge // keyed by charge ref
	byIdemRef   map[string]string      // idempotency ref -> charge ref
	ChargeErr   error                  // next Charge fails with this
	RefundErr   error                  // next Refund fails with this
	FailRefunds int                    // fail this many refunds, then succeed
}

type fakeCharge struct {
	amount   engine.Money
	refunded engine.Money
	refunds  []string
}

func NewFake() *Fake {
	return &Fake{
		charges:   make(map[string]*fakeCharge),
		byIdemRef: make(map[string]string),
	}
}

func (f *Fake) Charge(ctx context.Context, amount engine.Money, idempotencyRef string, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ChargeErr != nil {
		err := f.ChargeErr
		f.ChargeErr = nil
		return "", WrapError("charge", idempotencyRef, err)
	}

	// Provider-side dedupe: a retried request returns the original charge.
	if ref, ok := f.byIdemRef[idempotencyRef]; ok {
		return ref, nil
	}

	ref := "ch_" + uuid.NewString()
	f.charges[ref] = &fakeCharge{amount: amount}
	f.byIdemRef[idempotencyRef] = ref
	return ref, nil
}

func (f *Fake) Refund(ctx context.Context, chargeRef string, amount engine.Money, metadata map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.RefundErr != nil {
		err := f.RefundErr
		f.RefundErr = nil
		return "", WrapError("refund", chargeRef, err)
	}
	if f.FailRefunds > 0 {
		f.FailRefunds--
		return "", WrapError("refund", chargeRef, fmt.Errorf("provider declined refund"))
	}

	ch, ok := f.charges[chargeRef]
	if !ok {
		return "", WrapError("refund", chargeRef, fmt.Errorf("unknown charge"))
	}
	if ch.refunded.Add(amount).GreaterThan(ch.amount) {
		return "", WrapError("refund", chargeRef, fmt.Errorf("refund exceeds refundable balance"))
	}

	ref := "re_" + uuid.NewString()
	ch.refunded = ch.refunded.Add(amount)
	ch.refunds = append(ch.refunds, ref)
	return ref, nil
}

// ChargeCount reports how many distinct charges the provider captured.
func (f *Fake) ChargeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.charges)
}

// RefundedAmount reports the total refunded against a charge.
func (f *Fake) RefundedAmount(chargeRef string) engine.Money {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.charges[chargeRef]; ok {
		return ch.refunded
	}
	return engine.ZeroMoney()
}

// RefundCount reports how many refunds were issued against a charge.
func (f *Fake) RefundCount(chargeRef string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.charges[chargeRef]; ok {
		return len(ch.refunds)
	}
	return 0
}

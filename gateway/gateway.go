/*
Package gateway abstracts the external payment provider.

PURPOSE:
  The engine never talks to a card processor directly. It issues
  charges and refunds through this interface and records whatever
  references come back. Settlement timing, 3DS, and webhooks live
  behind the provider; the engine only needs refs it can refund
  against later.

IDEMPOTENCY:
  Charge takes a caller-supplied idempotency ref. Providers dedupe on
  it, so a retry after a timeout can safely resend the same request.
  RetryingGateway relies on this: it retries a timed-out call once
  with the SAME ref.

SEE ALSO:
  - booking/service.go: The only caller that moves money
  - gateway/fake.go: In-memory provider for tests
*/
package gateway

import (
	"context"
	"errors"
	"log"
	"net"
	"time"

	"github.com/saunastudio/booking-engine/engine"
)

// Gateway is the payment provider surface the engine depends on.
type Gateway interface {
	// Charge captures amount against the member's stored payment method.
	// idempotencyRef dedupes retries provider-side; the returned charge
	// ref is what refunds are issued against.
	Charge(ctx context.Context, amount engine.Money, idempotencyRef string, metadata map[string]string) (chargeRef string, err error)

	// Refund returns amount against a prior charge. Partial refunds are
	// allowed; the provider tracks the remaining refundable balance.
	Refund(ctx context.Context, chargeRef string, amount engine.Money, metadata map[string]string) (refundRef string, err error)
}

// RetryingGateway wraps a provider and retries a single time on
// timeout-shaped failures, reusing the same idempotency ref so the
// provider dedupes a request that actually landed.
type RetryingGateway struct {
	inner Gateway
	wait  time.Duration
}

func NewRetryingGateway(inner Gateway) *RetryingGateway {
	return &RetryingGateway{inner: inner, wait: 500 * time.Millisecond}
}

func (g *RetryingGateway) Charge(ctx context.Context, amount engine.Money, idempotencyRef string, metadata map[string]string) (string, error) {
	ref, err := g.inner.Charge(ctx, amount, idempotencyRef, metadata)
	if err == nil || !isTimeout(err) {
		return ref, err
	}

	log.Printf("[Gateway] charge %s timed out, retrying once: %v", idempotencyRef, err)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(g.wait):
	}
	return g.inner.Charge(ctx, amount, idempotencyRef, metadata)
}

func (g *RetryingGateway) Refund(ctx context.Context, chargeRef string, amount engine.Money, metadata map[string]string) (string, error) {
	ref, err := g.inner.Refund(ctx, chargeRef, amount, metadata)
	if err == nil || !isTimeout(err) {
		return ref, err
	}

	log.Printf("[Gateway] refund against %s timed out, retrying once: %v", chargeRef, err)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(g.wait):
	}
	return g.inner.Refund(ctx, chargeRef, amount, metadata)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WrapError tags a provider failure so callers can classify it with
// errors.Is(err, engine.ErrGateway).
func WrapError(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	return &engine.GatewayError{Op: op, Ref: ref, Err: err}
}

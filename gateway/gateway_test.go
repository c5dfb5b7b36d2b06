package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saunastudio/booking-engine/engine"
)

func TestFakeCharge_IdempotencyDedupe(t *testing.T) {
	// GIVEN a charge already captured under an idempotency ref
	g := NewFake()
	ctx := context.Background()
	ref1, err := g.Charge(ctx, engine.NewMoneyFromInt(500), "booking-1", nil)
	require.NoError(t, err)

	// WHEN the same request is retried
	ref2, err := g.Charge(ctx, engine.NewMoneyFromInt(500), "booking-1", nil)

	// THEN the provider returns the original charge, capturing once
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
	assert.Equal(t, 1, g.ChargeCount())
}

func TestFakeRefund_TracksRefundableBalance(t *testing.T) {
	// GIVEN a 500 DKK charge
	g := NewFake()
	ctx := context.Background()
	chargeRef, err := g.Charge(ctx, engine.NewMoneyFromInt(500), "booking-1", nil)
	require.NoError(t, err)

	// WHEN refunding in two parts
	_, err = g.Refund(ctx, chargeRef, engine.NewMoneyFromInt(250), nil)
	require.NoError(t, err)
	_, err = g.Refund(ctx, chargeRef, engine.NewMoneyFromInt(250), nil)
	require.NoError(t, err)

	// THEN the charge is fully refunded and further refunds are rejected
	assert.True(t, g.RefundedAmount(chargeRef).Equal(engine.NewMoneyFromInt(500)))
	_, err = g.Refund(ctx, chargeRef, engine.NewMoneyFromInt(1), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrGateway)
}

func TestFakeRefund_UnknownCharge(t *testing.T) {
	g := NewFake()
	_, err := g.Refund(context.Background(), "ch_missing", engine.NewMoneyFromInt(100), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrGateway)

	var gwErr *engine.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "refund", gwErr.Op)
	assert.Equal(t, "ch_missing", gwErr.Ref)
}

// timeoutThenOK fails the first call with a timeout, then delegates.
type timeoutThenOK struct {
	inner Gateway
	calls int
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "i/o timeout" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func (g *timeoutThenOK) Charge(ctx context.Context, amount engine.Money, idempotencyRef string, metadata map[string]string) (string, error) {
	g.calls++
	if g.calls == 1 {
		return "", fakeTimeout{}
	}
	return g.inner.Charge(ctx, amount, idempotencyRef, metadata)
}

func (g *timeoutThenOK) Refund(ctx context.Context, chargeRef string, amount engine.Money, metadata map[string]string) (string, error) {
	return g.inner.Refund(ctx, chargeRef, amount, metadata)
}

func TestRetryingGateway_RetriesTimeoutWithSameRef(t *testing.T) {
	// GIVEN a provider that times out once before accepting
	flaky := &timeoutThenOK{inner: NewFake()}
	g := NewRetryingGateway(flaky)
	g.wait = time.Millisecond

	// WHEN charging through the retrying wrapper
	ref, err := g.Charge(context.Background(), engine.NewMoneyFromInt(500), "booking-1", nil)

	// THEN the retry lands and exactly one charge exists
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, 2, flaky.calls)
}

func TestRetryingGateway_DoesNotRetryDeclines(t *testing.T) {
	// GIVEN a provider that declines the charge outright
	fake := NewFake()
	fake.ChargeErr = errors.New("card declined")
	g := NewRetryingGateway(fake)
	g.wait = time.Millisecond

	// WHEN charging
	_, err := g.Charge(context.Background(), engine.NewMoneyFromInt(500), "booking-1", nil)

	// THEN the decline surfaces immediately without a retry
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrGateway)
	assert.Equal(t, 0, fake.ChargeCount())
}

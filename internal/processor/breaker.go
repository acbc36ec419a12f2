package processor

import (
	"context"
	"errors"

	"github.com/mbd888/tradesafe/internal/circuitbreaker"
	"github.com/mbd888/tradesafe/internal/money"
)

// ErrCircuitOpen means the processor has been failing and calls are being
// rejected locally until the circuit probes again. Wrapped as transient so
// retry paths treat it like any other recoverable processor outage.
var ErrCircuitOpen = errors.New("processor circuit open")

// BreakerClient wraps a Client with a per-operation circuit breaker.
// Only transient failures count toward tripping the circuit; a declined
// refund or an already-refunded settlement is the processor working fine.
type BreakerClient struct {
	inner   Client
	breaker *circuitbreaker.Breaker
}

var _ Client = (*BreakerClient)(nil)

// WithBreaker wraps c so that bursts of transient processor failures stop
// hitting the wire. Each operation trips independently.
func WithBreaker(c Client, b *circuitbreaker.Breaker) *BreakerClient {
	return &BreakerClient{inner: c, breaker: b}
}

func (b *BreakerClient) call(key string, fn func() error) error {
	if !b.breaker.Allow(key) {
		return Transient(ErrCircuitOpen)
	}
	err := fn()
	if IsTransient(err) {
		b.breaker.RecordFailure(key)
		return err
	}
	b.breaker.RecordSuccess(key)
	return err
}

func (b *BreakerClient) Settle(ctx context.Context, transactionID string, amount money.Amount) (string, error) {
	var ref string
	err := b.call("settle", func() error {
		var err error
		ref, err = b.inner.Settle(ctx, transactionID, amount)
		return err
	})
	return ref, err
}

func (b *BreakerClient) Refund(ctx context.Context, settlementRef string, amount money.Amount) (*RefundResult, error) {
	var res *RefundResult
	err := b.call("refund", func() error {
		var err error
		res, err = b.inner.Refund(ctx, settlementRef, amount)
		return err
	})
	return res, err
}

func (b *BreakerClient) CheckRefundable(ctx context.Context, settlementRef string) (*Refundability, error) {
	var res *Refundability
	err := b.call("check_refundable", func() error {
		var err error
		res, err = b.inner.CheckRefundable(ctx, settlementRef)
		return err
	})
	return res, err
}

func (b *BreakerClient) Payout(ctx context.Context, transactionID, payoutAccount string, amount money.Amount) (*PayoutResult, error) {
	var res *PayoutResult
	err := b.call("payout", func() error {
		var err error
		res, err = b.inner.Payout(ctx, transactionID, payoutAccount, amount)
		return err
	})
	return res, err
}

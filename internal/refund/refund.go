// Package refund decides how a buyer gets their money back.
//
// While the payout is still held, the processor can reverse the
// original charge directly. Once funds were released to the seller, the
// platform has nothing left to reverse: the seller must repay the buyer
// and the case tracks a repayment deadline instead.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tradesafe/internal/metrics"
	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/processor"
	"github.com/mbd888/tradesafe/internal/retry"
	"github.com/mbd888/tradesafe/internal/traces"
	"github.com/mbd888/tradesafe/internal/transaction"
)

// Outcome says which refund path was taken.
type Outcome string

const (
	// OutcomeDirectRefunded means the processor reversed the charge and
	// the transaction is now refunded.
	OutcomeDirectRefunded Outcome = "direct_refunded"
	// OutcomeAwaitingSeller means funds were already paid out and the
	// seller must repay the buyer directly.
	OutcomeAwaitingSeller Outcome = "awaiting_seller"
)

// Result describes a completed refund decision.
type Result struct {
	Outcome   Outcome      `json:"outcome"`
	Amount    money.Amount `json:"amount"`
	RefundRef string       `json:"refundRef,omitempty"` // processor reference, direct path only
}

var (
	// ErrNotRefundable is returned when the processor reports the charge
	// cannot be refunded (external dispute, already reversed).
	ErrNotRefundable = errors.New("settlement cannot be refunded")

	// ErrInvalidAmount is returned when the requested refund is negative
	// or exceeds the transaction total.
	ErrInvalidAmount = errors.New("invalid refund amount")
)

// Orchestrator executes refunds against the processor with bounded
// retries on transient failures.
type Orchestrator struct {
	processor processor.Client
	txns      transaction.Store
	attempts  int
	now       func() time.Time
}

// NewOrchestrator creates a refund orchestrator.
func NewOrchestrator(p processor.Client, txns transaction.Store) *Orchestrator {
	return &Orchestrator{
		processor: p,
		txns:      txns,
		attempts:  3,
		now:       time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Execute refunds the buyer's payment for the transaction. A zero
// amount refunds the full total. The caller passes a freshly read
// transaction; version conflicts surface as
// transaction.ErrConcurrentModification.
func (o *Orchestrator) Execute(ctx context.Context, t *transaction.Transaction, amount money.Amount) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "refund.Execute",
		traces.TransactionID(t.ID), traces.Amount(t.TotalAmount.String()))
	defer span.End()

	if amount < 0 || amount > t.TotalAmount {
		return nil, fmt.Errorf("%w: %s exceeds total %s", ErrInvalidAmount, amount.String(), t.TotalAmount.String())
	}
	if amount == 0 {
		amount = t.TotalAmount
	}

	if t.PaidAt == nil || t.SettlementRef == "" {
		return nil, fmt.Errorf("transaction %s has no settlement to refund", t.ID)
	}
	if t.RefundedAt != nil || t.CanceledAt != nil {
		return nil, transaction.ErrInvalidTransition
	}

	if t.ReleasedAt != nil {
		// Funds already left the platform. Nothing to reverse at the
		// processor; the seller owes the buyer.
		metrics.RefundsTotal.WithLabelValues(string(OutcomeAwaitingSeller)).Inc()
		return &Result{Outcome: OutcomeAwaitingSeller, Amount: amount}, nil
	}

	// Ask the processor before committing to a reversal. A charge lost
	// to an external card dispute or already reversed out of band never
	// reaches the retry loop.
	chk, err := o.processor.CheckRefundable(ctx, t.SettlementRef)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("refundability check failed: %w", err)
	}
	if !chk.Refundable {
		return nil, fmt.Errorf("%w: %s", ErrNotRefundable, chk.Reason)
	}
	if chk.AvailableAmount < amount {
		return nil, fmt.Errorf("%w: only %s available", ErrNotRefundable, chk.AvailableAmount.String())
	}

	var refunded *processor.RefundResult
	err = retry.Do(ctx, o.attempts, 500*time.Millisecond, func() error {
		r, err := o.processor.Refund(ctx, t.SettlementRef, amount)
		if err != nil {
			if processor.IsTransient(err) {
				return err
			}
			return retry.Permanent(err)
		}
		refunded = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, processor.ErrAlreadyRefunded) || errors.Is(err, processor.ErrAlreadyInExternalDispute) {
			return nil, fmt.Errorf("%w: %w", ErrNotRefundable, err)
		}
		return nil, fmt.Errorf("processor refund failed: %w", err)
	}

	now := o.now()
	t.RefundedAt = &now
	t.Status = transaction.StatusRefunded
	t.UpdatedAt = now
	if err := o.txns.Update(ctx, t); err != nil {
		// The processor refund went through but the record didn't. The
		// attention query surfaces the mismatch for manual follow-up.
		return nil, fmt.Errorf("refund succeeded but transaction update failed: %w", err)
	}

	metrics.RefundsTotal.WithLabelValues(string(OutcomeDirectRefunded)).Inc()
	metrics.TransactionsTotal.WithLabelValues(string(transaction.StatusRefunded)).Inc()
	return &Result{
		Outcome:   OutcomeDirectRefunded,
		Amount:    amount,
		RefundRef: refunded.RefundID,
	}, nil
}

// CheckRefundable asks the processor whether the transaction's
// settlement can still be reversed.
func (o *Orchestrator) CheckRefundable(ctx context.Context, t *transaction.Transaction) (*processor.Refundability, error) {
	if t.SettlementRef == "" {
		return &processor.Refundability{Refundable: false, Reason: "no settlement"}, nil
	}
	return o.processor.CheckRefundable(ctx, t.SettlementRef)
}

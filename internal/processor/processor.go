// Package processor defines the payment processor boundary.
//
// The platform never holds funds itself: the buyer's payment is captured
// by the processor, held on the platform account, and either paid out to
// the seller (release) or refunded to the buyer. Every call here is
// external I/O and carries a context deadline; webhooks from the
// processor are at-least-once, so callers must treat repeats as no-ops.
package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/tradesafe/internal/money"
)

var (
	// ErrAlreadyRefunded means the settlement was fully refunded earlier,
	// through this system or directly on the processor dashboard.
	ErrAlreadyRefunded = errors.New("settlement already refunded")

	// ErrAlreadyInExternalDispute means the buyer opened a chargeback with
	// their card issuer; the processor owns the money movement now.
	ErrAlreadyInExternalDispute = errors.New("settlement is in an external dispute")
)

// TransientError wraps processor failures that are worth retrying
// (timeouts, 5xx responses, connection resets).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient processor error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable processor failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RefundResult is the processor's answer to a refund request.
type RefundResult struct {
	RefundID string
	Status   string // "succeeded" or "pending"
}

// Refundability is the read-only pre-check before attempting a refund.
type Refundability struct {
	Refundable      bool
	AvailableAmount money.Amount
	Reason          string // set when not refundable, e.g. "already_refunded"
}

// PayoutResult is the processor's answer to a seller payout.
type PayoutResult struct {
	PayoutID string
	Status   string
}

// Client is the payment processor boundary consumed by the engine.
type Client interface {
	// Settle captures the buyer's payment for a transaction and returns
	// the settlement reference later used for refunds.
	Settle(ctx context.Context, transactionID string, amount money.Amount) (string, error)

	// Refund returns money to the buyer against a settlement reference.
	// A zero amount refunds the full settlement.
	Refund(ctx context.Context, settlementRef string, amount money.Amount) (*RefundResult, error)

	// CheckRefundable reports whether and how much of a settlement can
	// still be refunded.
	CheckRefundable(ctx context.Context, settlementRef string) (*Refundability, error)

	// Payout transfers the seller's net amount to their payout account.
	// Keyed by transaction so a repeated attempt cannot pay twice.
	Payout(ctx context.Context, transactionID, payoutAccount string, amount money.Amount) (*PayoutResult, error)
}

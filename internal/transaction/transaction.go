// Package transaction implements the protected purchase lifecycle.
//
// A Transaction tracks the buyer's money from checkout through either
// seller payout (release) or refund. Payment capture happens at the
// external processor; the platform approximates escrow by delaying the
// payout for a grace period during which the buyer can confirm receipt
// or open a dispute.
package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/pagination"
)

var (
	ErrNotFound               = errors.New("transaction not found")
	ErrInvalidTransition      = errors.New("operation not valid for current transaction status")
	ErrConcurrentModification = errors.New("transaction was modified concurrently, reload and retry")
	ErrSelfPurchase           = errors.New("buyer and seller cannot be the same user")
	ErrDuplicateSettlement    = errors.New("transaction already settled with a different reference")
	ErrUnauthorized           = errors.New("not authorized for this transaction")
)

// Status represents the state of a transaction.
type Status string

const (
	StatusCreated         Status = "created"          // Persisted, before payment instructions exist
	StatusAwaitingPayment Status = "awaiting_payment" // Buyer committed, payment not yet settled
	StatusPaid            Status = "paid"             // Settled, funds held until release
	StatusReleased        Status = "released"         // Seller paid out
	StatusRefunded        Status = "refunded"         // Buyer refunded through the processor
	StatusDisputed        Status = "disputed"         // Open dispute blocks release
	StatusCanceled        Status = "canceled"         // Terminated before payment
)

// Transaction is the protected purchase record.
type Transaction struct {
	ID        string `json:"id"`
	Reference string `json:"reference"` // human-readable, e.g. "TS-000123"
	ListingID string `json:"listingId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	ItemPrice     money.Amount `json:"itemPrice"`
	ShippingCost  money.Amount `json:"shippingCost"`
	PlatformFee   money.Amount `json:"platformFee"`
	ProtectionFee money.Amount `json:"protectionFee"`
	VATAmount     money.Amount `json:"vatAmount"`
	TotalAmount   money.Amount `json:"totalAmount"` // buyer pays this
	SellerNet     money.Amount `json:"sellerNet"`   // seller receives this on release

	Status    Status `json:"status"`
	DisputeID string `json:"disputeId,omitempty"` // set while a dispute is open

	SettlementRef string `json:"settlementRef,omitempty"`
	PayoutAccount string `json:"payoutAccount,omitempty"`
	PayoutID      string `json:"payoutId,omitempty"`

	CreatedAt        time.Time  `json:"createdAt"`
	PaidAt           *time.Time `json:"paidAt,omitempty"`
	BuyerConfirmedAt *time.Time `json:"buyerConfirmedReceiptAt,omitempty"`
	AutoReleaseAt    *time.Time `json:"autoReleaseAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	RefundedAt       *time.Time `json:"refundedAt,omitempty"`
	CanceledAt       *time.Time `json:"canceledAt,omitempty"`

	// Deferred-payment tracking (payment agreed but not instant).
	ContactedAt     *time.Time `json:"contactedAt,omitempty"`
	PaymentDeadline *time.Time `json:"paymentDeadline,omitempty"`
	ReminderCount   int        `json:"reminderCount"`
	LastReminderAt  *time.Time `json:"lastReminderSentAt,omitempty"`
	DeadlineMissed  bool       `json:"deadlineMissed"`

	// Optimistic concurrency token, incremented on every update.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the transaction reached a final state.
// At most one of the terminal timestamps is ever set.
func (t *Transaction) IsTerminal() bool {
	return t.ReleasedAt != nil || t.RefundedAt != nil || t.CanceledAt != nil
}

// DeriveStatus computes the status from canonical state: terminal
// timestamps first, then the open-dispute pointer, then payment. The
// status column is a queryable cache of this derivation, never the
// source of truth.
func DeriveStatus(t *Transaction) Status {
	switch {
	case t.CanceledAt != nil:
		return StatusCanceled
	case t.RefundedAt != nil:
		return StatusRefunded
	case t.ReleasedAt != nil:
		return StatusReleased
	case t.DisputeID != "":
		return StatusDisputed
	case t.PaidAt != nil:
		return StatusPaid
	default:
		return StatusAwaitingPayment
	}
}

// Store persists transactions. Update and MarkReleased are
// version-guarded: they fail with ErrConcurrentModification when the
// row changed since the caller read it.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// GetOpenByBuyerListing returns the non-terminal transaction for a
	// buyer+listing pair, or ErrNotFound.
	GetOpenByBuyerListing(ctx context.Context, buyerID, listingID string) (*Transaction, error)

	// Update writes all mutable fields guarded by t.Version and bumps the
	// version on success (in the row and in t).
	Update(ctx context.Context, t *Transaction) error

	// MarkReleased sets releasedAt, the payout reference and status
	// released, guarded by the version AND a write-time re-check that no
	// dispute is open and the transaction is not already released.
	MarkReleased(ctx context.Context, id string, version int64, at time.Time, payoutID string) error

	// ListReleasable returns paid, undisputed, unreleased transactions
	// whose auto-release time has passed or whose buyer confirmed receipt.
	ListReleasable(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// ListDeferredUnpaid returns transactions with deferred payment
	// (contactedAt set) that are still unpaid and not canceled.
	ListDeferredUnpaid(ctx context.Context, limit int) ([]*Transaction, error)

	// ListByUser returns transactions where the user is buyer or seller,
	// newest first. A non-nil cursor resumes after that position.
	ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error)

	// ListNeedingAttention returns transactions an operator should look
	// at: release overdue, missed payment deadlines, open disputes,
	// missing payout data.
	ListNeedingAttention(ctx context.Context, now time.Time, limit int) ([]*Transaction, error)

	// NextReference allocates the next value of the human-readable
	// reference sequence.
	NextReference(ctx context.Context) (int64, error)
}

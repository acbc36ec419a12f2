// Package dispute implements the buyer protection dispute workflow.
//
// A dispute is opened by either party against a paid transaction. Opening
// one parks the transaction: auto-release is blocked until the dispute
// reaches a resolution. The counterparty gets a response window; silence
// escalates the case to an admin, who decides between closing without a
// refund and ordering one. Each dispute carries an append-only comment
// ledger shared by buyer, seller and support staff.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/tradesafe/internal/money"
)

var (
	ErrNotFound               = errors.New("dispute not found")
	ErrInvalidTransition      = errors.New("operation not valid for current dispute status")
	ErrUnauthorized           = errors.New("not authorized for this dispute")
	ErrAlreadyOpen            = errors.New("transaction already has an open dispute")
	ErrNotDisputable          = errors.New("transaction cannot be disputed in its current state")
	ErrNoRefundPending        = errors.New("dispute has no pending seller refund")
	ErrConcurrentModification = errors.New("dispute was modified concurrently")
)

// Status represents the state of a dispute.
type Status string

const (
	StatusPending     Status = "pending"      // Opened, waiting for the respondent
	StatusUnderReview Status = "under_review" // Respondent replied, parties negotiating
	StatusEscalated   Status = "escalated"    // Handed to an admin
	StatusResolved    Status = "resolved"     // Admin decided, refund may still be pending
	StatusClosed      Status = "closed"       // Fully settled
)

// Resolution is the admin's decision on a resolved dispute.
type Resolution string

const (
	ResolutionNone           Resolution = ""
	ResolutionNoRefund       Resolution = "no_refund"
	ResolutionRefundRequired Resolution = "refund_required"
)

// Reason categorizes why the dispute was opened.
const (
	ReasonNotReceived    = "item_not_received"
	ReasonNotAsDescribed = "item_not_as_described"
	ReasonCounterfeit    = "counterfeit"
	ReasonOther          = "other"
)

// Reasons lists the accepted dispute reasons.
var Reasons = []string{ReasonNotReceived, ReasonNotAsDescribed, ReasonCounterfeit, ReasonOther}

// Dispute is a protection case against a single transaction.
type Dispute struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	BuyerID       string `json:"buyerId"`
	SellerID      string `json:"sellerId"`

	// OpenedBy records which party raised the case (RoleBuyer or
	// RoleSeller); RespondentID is the counterparty expected to reply.
	OpenedBy     string `json:"openedBy"`
	RespondentID string `json:"respondentId"`

	Reason      string `json:"reason"`
	Description string `json:"description"`

	Status     Status     `json:"status"`
	Resolution Resolution `json:"resolution,omitempty"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`

	// Amount ordered refunded; zero means the transaction total.
	RefundAmount money.Amount `json:"refundAmount,omitempty"`

	// Respondent reply window; passing it unanswered escalates.
	RespondBy   *time.Time `json:"respondBy,omitempty"`
	RespondedAt *time.Time `json:"respondedAt,omitempty"`

	// Manual refund tracking for already-released transactions. The
	// refund always flows seller to buyer regardless of who opened.
	SellerRefundDeadline    *time.Time `json:"sellerRefundDeadline,omitempty"`
	SellerRefundConfirmedAt *time.Time `json:"sellerRefundConfirmedAt,omitempty"`
	SellerRefundLate        bool       `json:"sellerRefundLate,omitempty"`

	EscalatedAt *time.Time `json:"escalatedAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt    *time.Time `json:"closedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Version guards against concurrent updates.
	Version int64 `json:"version"`
}

// Comment roles. System comments record workflow events (escalation,
// resolution) in the same ledger as party messages.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleAdmin  = "admin"
	RoleSystem = "system"
)

// Comment types. Status changes are machine-written markers in the
// same ledger as party messages.
const (
	TypeComment      = "comment"
	TypeStatusChange = "status_change"
)

// Comment is a single entry in a dispute's append-only ledger.
type Comment struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	AuthorID    string    `json:"authorId,omitempty"`
	Role        string    `json:"role"`
	Type        string    `json:"type"`
	Body        string    `json:"body"`
	Attachments []string  `json:"attachments,omitempty"`
	Internal    bool      `json:"internal,omitempty"` // visible to admins only
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists disputes and their comment ledgers. Comments are
// append-only: there is no update or delete.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Dispute, error)

	// Update applies an optimistic write: it fails with
	// ErrConcurrentModification when the stored version differs from
	// d.Version, and bumps d.Version on success.
	Update(ctx context.Context, d *Dispute) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error)

	// ListResponseOverdue returns pending disputes whose response
	// window elapsed before now.
	ListResponseOverdue(ctx context.Context, now time.Time, limit int) ([]*Dispute, error)

	AddComment(ctx context.Context, c *Comment) error
	Comments(ctx context.Context, disputeID string, includeInternal bool) ([]*Comment, error)
}

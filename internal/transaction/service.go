package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tradesafe/internal/fees"
	"github.com/mbd888/tradesafe/internal/idgen"
	"github.com/mbd888/tradesafe/internal/listing"
	"github.com/mbd888/tradesafe/internal/pagination"
	"github.com/mbd888/tradesafe/internal/syncutil"
	"github.com/mbd888/tradesafe/internal/traces"
)

// Config holds the lifecycle policy knobs.
type Config struct {
	Fees                fees.RateConfig
	AutoReleaseDays     int // payment -> earliest auto-release
	PaymentDeadlineDays int // deferred payment: contact -> deadline
}

// Service implements the transaction lifecycle: idempotent creation,
// settlement, receipt confirmation and cancellation. Release and refund
// are driven by the sweeper and the dispute workflow, not by buyers.
type Service struct {
	store    Store
	listings listing.Provider
	shipping listing.ShippingCalculator
	cfg      Config
	now      func() time.Time
	createMu *syncutil.ContextShardedMutex
}

// NewService creates a new lifecycle service.
func NewService(store Store, listings listing.Provider, shipping listing.ShippingCalculator, cfg Config) *Service {
	return &Service{
		store:    store,
		listings: listings,
		shipping: shipping,
		cfg:      cfg,
		now:      time.Now,
		createMu: syncutil.NewContextShardedMutex(),
	}
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the underlying store to sibling services (dispute
// workflow, sweeper) that share the aggregate.
func (s *Service) Store() Store {
	return s.store
}

// CreateRequest contains the parameters for creating a transaction.
// The buyer comes from the authenticated identity, not the body.
type CreateRequest struct {
	BuyerID             string `json:"-"`
	ListingID           string `json:"listingId" binding:"required"`
	Delivery            string `json:"delivery" binding:"required"`
	ProtectionRequested bool   `json:"protectionRequested"`
}

// Create starts a protected purchase. Calling it twice for the same
// buyer+listing before the first transaction terminates returns the
// existing transaction unchanged.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "transaction.Create",
		traces.UserID(req.BuyerID), traces.ListingID(req.ListingID))
	defer span.End()

	snap, err := s.listings.GetSnapshot(ctx, req.ListingID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot listing: %w", err)
	}
	if snap.SellerID == req.BuyerID {
		return nil, ErrSelfPurchase
	}

	// Serialize concurrent checkouts for the same buyer and listing so
	// the open-record check below cannot race with the insert.
	unlock, err := s.createMu.LockContext(ctx, req.BuyerID+"|"+req.ListingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Idempotent create: a second checkout intent returns the open record.
	if existing, err := s.store.GetOpenByBuyerListing(ctx, req.BuyerID, req.ListingID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	shippingCost, err := s.shipping.CalculateShipping(ctx, req.Delivery, snap.ItemPrice)
	if err != nil {
		return nil, err
	}

	breakdown, err := fees.Calculate(snap.ItemPrice, shippingCost, req.ProtectionRequested, s.cfg.Fees)
	if err != nil {
		return nil, err
	}

	seq, err := s.store.NextReference(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate reference: %w", err)
	}

	now := s.now()
	t := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		Reference: fmt.Sprintf("TS-%06d", seq),
		ListingID: req.ListingID,
		BuyerID:   req.BuyerID,
		SellerID:  snap.SellerID,

		ItemPrice:     breakdown.ItemPrice,
		ShippingCost:  breakdown.ShippingCost,
		PlatformFee:   breakdown.PlatformFee,
		ProtectionFee: breakdown.ProtectionFee,
		VATAmount:     breakdown.VATAmount,
		TotalAmount:   breakdown.Total,
		SellerNet:     breakdown.SellerNet,

		// Created advances to awaiting_payment immediately; the created
		// state never rests in storage.
		Status:    StatusAwaitingPayment,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return t, nil
}

// MarkPaid records a settlement reported by the processor. Settlement
// webhooks are at-least-once: a repeat with the same reference is a
// no-op, a different reference on an already-paid transaction is a real
// conflict.
func (s *Service) MarkPaid(ctx context.Context, id, settlementRef string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.PaidAt != nil {
		if t.SettlementRef == settlementRef {
			return t, nil
		}
		return nil, ErrDuplicateSettlement
	}
	if t.Status != StatusAwaitingPayment {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	autoRelease := now.AddDate(0, 0, s.cfg.AutoReleaseDays)
	t.PaidAt = &now
	t.AutoReleaseAt = &autoRelease
	t.SettlementRef = settlementRef
	t.Status = StatusPaid
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ConfirmReceipt records that the buyer received the item. It does not
// release funds: the sweeper picks confirmed transactions up on its next
// run (early release relative to the auto-release deadline).
func (s *Service) ConfirmReceipt(ctx context.Context, id, buyerID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.BuyerID != buyerID {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusPaid || t.DisputeID != "" {
		return nil, ErrInvalidTransition
	}
	if t.BuyerConfirmedAt != nil {
		return t, nil
	}

	now := s.now()
	t.BuyerConfirmedAt = &now
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Cancel terminates a transaction before payment. Buyer or seller may
// cancel; paid transactions go through the dispute workflow instead.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if callerID != t.BuyerID && callerID != t.SellerID {
		return nil, ErrUnauthorized
	}
	if t.Status != StatusCreated && t.Status != StatusAwaitingPayment {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	t.CanceledAt = &now
	t.Status = StatusCanceled
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// MarkContacted starts the deferred-payment clock: the seller confirmed
// contact with the buyer, who now has the configured number of days to
// pay. Idempotent.
func (s *Service) MarkContacted(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ContactedAt != nil {
		return t, nil
	}
	if t.Status != StatusAwaitingPayment {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	deadline := now.AddDate(0, 0, s.cfg.PaymentDeadlineDays)
	t.ContactedAt = &now
	t.PaymentDeadline = &deadline
	t.UpdatedAt = now

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// SetPayoutAccount records the seller's processor payout account.
// Release cannot happen without one; the attention query surfaces
// transactions blocked on it.
func (s *Service) SetPayoutAccount(ctx context.Context, id, sellerID, account string) (*Transaction, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.SellerID != sellerID {
		return nil, ErrUnauthorized
	}
	if t.IsTerminal() {
		return nil, ErrInvalidTransition
	}

	t.PayoutAccount = account
	t.UpdatedAt = s.now()

	if err := s.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns one page of the user's transactions, newest first,
// plus a cursor for the next page when more remain.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	// Fetch one extra row to learn whether another page exists.
	txns, err := s.store.ListByUser(ctx, userID, limit+1, after)
	if err != nil {
		return nil, "", err
	}
	txns, next, _ := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return txns, next, nil
}

//go:build integration

package transaction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/testutil"
)

func seedTransaction(t *testing.T, store *PostgresStore, id string, mutate func(*Transaction)) *Transaction {
	t.Helper()

	now := time.Now().Truncate(time.Microsecond)
	txn := &Transaction{
		ID:            id,
		Reference:     fmt.Sprintf("TS-%s", id),
		ListingID:     "lst_1",
		BuyerID:       "buyer",
		SellerID:      "seller",
		ItemPrice:     money.MustParse("100.00"),
		ShippingCost:  money.MustParse("10.00"),
		PlatformFee:   money.MustParse("10.00"),
		ProtectionFee: money.MustParse("2.00"),
		VATAmount:     money.MustParse("0.95"),
		TotalAmount:   money.MustParse("123.00"),
		SellerNet:     money.MustParse("110.00"),
		Status:        StatusAwaitingPayment,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if mutate != nil {
		mutate(txn)
	}
	if err := store.Create(context.Background(), txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return txn
}

func TestPostgresTransaction_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := seedTransaction(t, store, "txn_pg_create", nil)

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Reference != txn.Reference {
		t.Errorf("Reference: got %s, want %s", got.Reference, txn.Reference)
	}
	if got.TotalAmount != txn.TotalAmount {
		t.Errorf("TotalAmount: got %d, want %d", got.TotalAmount, txn.TotalAmount)
	}
	if got.Version != 1 {
		t.Errorf("Version: got %d, want 1", got.Version)
	}

	if _, err := store.Get(ctx, "txn_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresTransaction_UpdateVersionConflict(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := seedTransaction(t, store, "txn_pg_ver", nil)

	now := time.Now().Truncate(time.Microsecond)
	txn.PaidAt = &now
	txn.SettlementRef = "set_1"
	txn.Status = StatusPaid
	txn.UpdatedAt = now
	if err := store.Update(ctx, txn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if txn.Version != 2 {
		t.Errorf("Version after update: got %d, want 2", txn.Version)
	}

	// A writer holding the old version loses.
	stale := *txn
	stale.Version = 1
	if err := store.Update(ctx, &stale); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification, got %v", err)
	}
}

func TestPostgresTransaction_MarkReleased(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	txn := seedTransaction(t, store, "txn_pg_rel", func(x *Transaction) {
		x.Status = StatusPaid
		x.PaidAt = &now
		x.SettlementRef = "set_2"
		x.PayoutAccount = "acct_1"
	})

	if err := store.MarkReleased(ctx, txn.ID, txn.Version, now, "po_1"); err != nil {
		t.Fatalf("MarkReleased failed: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusReleased || got.ReleasedAt == nil {
		t.Errorf("Expected released, got %s (releasedAt=%v)", got.Status, got.ReleasedAt)
	}
	if got.PayoutID != "po_1" {
		t.Errorf("PayoutID: got %s, want po_1", got.PayoutID)
	}

	// A second release attempt hits the write-time guard.
	if err := store.MarkReleased(ctx, txn.ID, got.Version, now, "po_2"); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification on double release, got %v", err)
	}
}

func TestPostgresTransaction_MarkReleasedBlockedByDispute(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	txn := seedTransaction(t, store, "txn_pg_disp", func(x *Transaction) {
		x.Status = StatusDisputed
		x.PaidAt = &now
		x.DisputeID = "dsp_1"
	})

	// Even with the right version, an open dispute blocks the payout
	// write. This is the release-vs-dispute race guard.
	if err := store.MarkReleased(ctx, txn.ID, txn.Version, now, "po_x"); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("Expected ErrConcurrentModification, got %v", err)
	}
}

func TestPostgresTransaction_GetOpenByBuyerListing(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	seedTransaction(t, store, "txn_pg_closed", func(x *Transaction) {
		x.ListingID = "lst_pair"
		x.Status = StatusCanceled
		x.CanceledAt = &now
	})
	open := seedTransaction(t, store, "txn_pg_open", func(x *Transaction) {
		x.ListingID = "lst_pair"
	})

	got, err := store.GetOpenByBuyerListing(ctx, "buyer", "lst_pair")
	if err != nil {
		t.Fatalf("GetOpenByBuyerListing failed: %v", err)
	}
	if got.ID != open.ID {
		t.Errorf("Expected open transaction %s, got %s", open.ID, got.ID)
	}

	if _, err := store.GetOpenByBuyerListing(ctx, "buyer", "lst_other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresTransaction_ListReleasable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	seedTransaction(t, store, "txn_pg_due", func(x *Transaction) {
		x.Status = StatusPaid
		x.PaidAt = &past
		x.AutoReleaseAt = &past
	})
	seedTransaction(t, store, "txn_pg_confirmed", func(x *Transaction) {
		x.Status = StatusPaid
		x.PaidAt = &past
		x.AutoReleaseAt = &future
		x.BuyerConfirmedAt = &now
	})
	seedTransaction(t, store, "txn_pg_early", func(x *Transaction) {
		x.Status = StatusPaid
		x.PaidAt = &past
		x.AutoReleaseAt = &future
	})
	seedTransaction(t, store, "txn_pg_parked", func(x *Transaction) {
		x.Status = StatusDisputed
		x.PaidAt = &past
		x.AutoReleaseAt = &past
		x.DisputeID = "dsp_2"
	})

	due, err := store.ListReleasable(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListReleasable failed: %v", err)
	}
	ids := map[string]bool{}
	for _, x := range due {
		ids[x.ID] = true
	}
	if len(due) != 2 || !ids["txn_pg_due"] || !ids["txn_pg_confirmed"] {
		t.Errorf("Expected [txn_pg_due txn_pg_confirmed], got %v", ids)
	}
}

func TestPostgresTransaction_ListDeferredUnpaid(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	deadline := now.AddDate(0, 0, 14)

	seedTransaction(t, store, "txn_pg_deferred", func(x *Transaction) {
		x.ContactedAt = &now
		x.PaymentDeadline = &deadline
	})
	seedTransaction(t, store, "txn_pg_instant", nil)
	seedTransaction(t, store, "txn_pg_settled", func(x *Transaction) {
		x.ContactedAt = &now
		x.PaymentDeadline = &deadline
		x.Status = StatusPaid
		x.PaidAt = &now
	})

	unpaid, err := store.ListDeferredUnpaid(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeferredUnpaid failed: %v", err)
	}
	if len(unpaid) != 1 || unpaid[0].ID != "txn_pg_deferred" {
		t.Errorf("Expected [txn_pg_deferred], got %d rows", len(unpaid))
	}
}

func TestPostgresTransaction_NextReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	a, err := store.NextReference(ctx)
	if err != nil {
		t.Fatalf("NextReference failed: %v", err)
	}
	b, err := store.NextReference(ctx)
	if err != nil {
		t.Fatalf("NextReference failed: %v", err)
	}
	if b <= a {
		t.Errorf("References must be monotonic: got %d then %d", a, b)
	}
}

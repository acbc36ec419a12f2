package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mbd888/tradesafe/internal/fees"
	"github.com/mbd888/tradesafe/internal/listing"
	"github.com/mbd888/tradesafe/internal/money"
)

func testFeeConfig() fees.RateConfig {
	return fees.RateConfig{
		MarginRate:        money.MustParseRate("0.10"),
		ProtectionFeeRate: money.MustParseRate("0.02"),
		VATRate:           money.MustParseRate("0.081"),
		MinCommission:     money.MustParse("1.00"),
		MaxCommission:     money.MustParse("220.00"),
	}
}

// fixture wires a service against in-memory dependencies with a
// controllable clock.
type fixture struct {
	svc   *Service
	store *MemoryStore
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	listings := listing.NewMemoryProvider()
	listings.Put(&listing.Snapshot{
		ListingID: "lst_1",
		SellerID:  "seller",
		Title:     "Mountain bike",
		ItemPrice: money.MustParse("100.00"),
	})
	listings.Put(&listing.Snapshot{
		ListingID: "lst_own",
		SellerID:  "buyer",
		Title:     "Own listing",
		ItemPrice: money.MustParse("5.00"),
	})

	shipping := &listing.TableCalculator{
		Standard: money.MustParse("10.00"),
		Express:  money.MustParse("15.00"),
	}

	f := &fixture{
		store: NewMemoryStore(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, listings, shipping, Config{
		Fees:                testFeeConfig(),
		AutoReleaseDays:     7,
		PaymentDeadlineDays: 14,
	}).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) create(t *testing.T) *Transaction {
	t.Helper()
	txn, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID:             "buyer",
		ListingID:           "lst_1",
		Delivery:            listing.DeliveryStandard,
		ProtectionRequested: true,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return txn
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	if txn.Status != StatusAwaitingPayment {
		t.Errorf("status = %s, want %s", txn.Status, StatusAwaitingPayment)
	}
	if txn.Reference != "TS-000001" {
		t.Errorf("reference = %s, want TS-000001", txn.Reference)
	}
	if txn.SellerID != "seller" {
		t.Errorf("sellerID = %s", txn.SellerID)
	}
	// 100 item + 10 shipping + 10 fee + 2 protection + 0.972 VAT,
	// rounded up to the next 0.05
	if got := txn.TotalAmount.String(); got != "123.00" {
		t.Errorf("total = %s, want 123.00", got)
	}
	if got := txn.SellerNet.String(); got != "110.00" {
		t.Errorf("sellerNet = %s, want 110.00", got)
	}
	if txn.Version != 1 {
		t.Errorf("version = %d, want 1", txn.Version)
	}
}

func TestCreateIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.create(t)

	second, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID:   "buyer",
		ListingID: "lst_1",
		Delivery:  listing.DeliveryExpress, // different selection is ignored
	})
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second create returned new transaction %s, want %s", second.ID, first.ID)
	}
	if second.TotalAmount != first.TotalAmount {
		t.Errorf("second create changed amounts")
	}
}

func TestCreateAfterTerminalStartsFresh(t *testing.T) {
	f := newFixture(t)
	first := f.create(t)

	if _, err := f.svc.Cancel(context.Background(), first.ID, "buyer"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	second := f.create(t)
	if second.ID == first.ID {
		t.Error("create after cancellation should start a new transaction")
	}
}

func TestCreateSelfPurchase(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID:   "buyer",
		ListingID: "lst_own",
		Delivery:  listing.DeliveryPickup,
	})
	if !errors.Is(err, ErrSelfPurchase) {
		t.Errorf("err = %v, want ErrSelfPurchase", err)
	}
}

func TestCreateUnknownDelivery(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID:   "buyer",
		ListingID: "lst_1",
		Delivery:  "drone",
	})
	if !errors.Is(err, listing.ErrUnknownDelivery) {
		t.Errorf("err = %v, want ErrUnknownDelivery", err)
	}
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	paid, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123")
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if paid.Status != StatusPaid {
		t.Errorf("status = %s, want %s", paid.Status, StatusPaid)
	}
	if paid.PaidAt == nil || !paid.PaidAt.Equal(f.now) {
		t.Error("paidAt not set to current time")
	}
	wantRelease := f.now.AddDate(0, 0, 7)
	if paid.AutoReleaseAt == nil || !paid.AutoReleaseAt.Equal(wantRelease) {
		t.Errorf("autoReleaseAt = %v, want %v", paid.AutoReleaseAt, wantRelease)
	}
}

func TestMarkPaidRepeatSameReference(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	first, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123")
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	f.advance(time.Hour)
	second, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123")
	if err != nil {
		t.Fatalf("repeat MarkPaid failed: %v", err)
	}
	if !second.PaidAt.Equal(*first.PaidAt) {
		t.Error("repeat settlement moved paidAt")
	}
	if second.Version != first.Version {
		t.Error("repeat settlement bumped the version")
	}
}

func TestMarkPaidConflictingReference(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	if _, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123"); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	_, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_456")
	if !errors.Is(err, ErrDuplicateSettlement) {
		t.Errorf("err = %v, want ErrDuplicateSettlement", err)
	}
}

func TestMarkPaidAfterCancel(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	if _, err := f.svc.Cancel(context.Background(), txn.ID, "seller"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	_, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestConfirmReceipt(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)
	if _, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123"); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	confirmed, err := f.svc.ConfirmReceipt(context.Background(), txn.ID, "buyer")
	if err != nil {
		t.Fatalf("ConfirmReceipt failed: %v", err)
	}
	if confirmed.BuyerConfirmedAt == nil {
		t.Fatal("buyerConfirmedAt not set")
	}
	if confirmed.ReleasedAt != nil {
		t.Error("confirmation must not release funds directly")
	}
	if confirmed.Status != StatusPaid {
		t.Errorf("status = %s, want %s", confirmed.Status, StatusPaid)
	}

	// Idempotent repeat
	again, err := f.svc.ConfirmReceipt(context.Background(), txn.ID, "buyer")
	if err != nil {
		t.Fatalf("repeat ConfirmReceipt failed: %v", err)
	}
	if !again.BuyerConfirmedAt.Equal(*confirmed.BuyerConfirmedAt) {
		t.Error("repeat confirmation moved the timestamp")
	}
}

func TestConfirmReceiptAuthorization(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)
	if _, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123"); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	if _, err := f.svc.ConfirmReceipt(context.Background(), txn.ID, "seller"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("seller confirm err = %v, want ErrUnauthorized", err)
	}
}

func TestConfirmReceiptBlockedByDispute(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)
	if _, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123"); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	stored, _ := f.store.Get(context.Background(), txn.ID)
	stored.DisputeID = "dsp_abc"
	stored.Status = StatusDisputed
	if err := f.store.Update(context.Background(), stored); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if _, err := f.svc.ConfirmReceipt(context.Background(), txn.ID, "buyer"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelBeforePayment(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	canceled, err := f.svc.Cancel(context.Background(), txn.ID, "buyer")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if canceled.Status != StatusCanceled || canceled.CanceledAt == nil {
		t.Errorf("cancel did not terminate the transaction: %+v", canceled)
	}
}

func TestCancelAfterPayment(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)
	if _, err := f.svc.MarkPaid(context.Background(), txn.ID, "pi_123"); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}

	if _, err := f.svc.Cancel(context.Background(), txn.ID, "buyer"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelByStranger(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	if _, err := f.svc.Cancel(context.Background(), txn.ID, "mallory"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestMarkContacted(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	contacted, err := f.svc.MarkContacted(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("MarkContacted failed: %v", err)
	}
	wantDeadline := f.now.AddDate(0, 0, 14)
	if contacted.PaymentDeadline == nil || !contacted.PaymentDeadline.Equal(wantDeadline) {
		t.Errorf("paymentDeadline = %v, want %v", contacted.PaymentDeadline, wantDeadline)
	}

	f.advance(48 * time.Hour)
	again, err := f.svc.MarkContacted(context.Background(), txn.ID)
	if err != nil {
		t.Fatalf("repeat MarkContacted failed: %v", err)
	}
	if !again.ContactedAt.Equal(*contacted.ContactedAt) {
		t.Error("repeat contact moved the clock")
	}
}

func TestSetPayoutAccount(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	updated, err := f.svc.SetPayoutAccount(context.Background(), txn.ID, "seller", "acct_1")
	if err != nil {
		t.Fatalf("SetPayoutAccount failed: %v", err)
	}
	if updated.PayoutAccount != "acct_1" {
		t.Errorf("payoutAccount = %s", updated.PayoutAccount)
	}

	if _, err := f.svc.SetPayoutAccount(context.Background(), txn.ID, "buyer", "acct_2"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("buyer set err = %v, want ErrUnauthorized", err)
	}

	if _, err := f.svc.Cancel(context.Background(), txn.ID, "buyer"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := f.svc.SetPayoutAccount(context.Background(), txn.ID, "seller", "acct_3"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("terminal set err = %v, want ErrInvalidTransition", err)
	}
}

func TestVersionConflict(t *testing.T) {
	f := newFixture(t)
	txn := f.create(t)

	ctx := context.Background()
	a, _ := f.store.Get(ctx, txn.ID)
	b, _ := f.store.Get(ctx, txn.ID)

	a.PayoutAccount = "acct_a"
	if err := f.store.Update(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	b.PayoutAccount = "acct_b"
	if err := f.store.Update(ctx, b); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale update err = %v, want ErrConcurrentModification", err)
	}
}

func TestDeriveStatus(t *testing.T) {
	now := time.Now()
	txn := &Transaction{}
	if got := DeriveStatus(txn); got != StatusAwaitingPayment {
		t.Errorf("empty = %s", got)
	}
	txn.PaidAt = &now
	if got := DeriveStatus(txn); got != StatusPaid {
		t.Errorf("paid = %s", got)
	}
	txn.DisputeID = "dsp_1"
	if got := DeriveStatus(txn); got != StatusDisputed {
		t.Errorf("disputed = %s", got)
	}
	// Terminal timestamps win over the dispute pointer.
	txn.RefundedAt = &now
	if got := DeriveStatus(txn); got != StatusRefunded {
		t.Errorf("refunded = %s", got)
	}
}

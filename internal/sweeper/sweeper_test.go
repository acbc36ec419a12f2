package sweeper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/notify"
	"github.com/mbd888/tradesafe/internal/processor"
	"github.com/mbd888/tradesafe/internal/transaction"
)

type stubEscalator struct {
	count int
}

func (s *stubEscalator) EscalateOverdue(context.Context, int) (int, error) {
	n := s.count
	s.count = 0
	return n, nil
}

type fixture struct {
	sweeper   *Sweeper
	txns      *transaction.MemoryStore
	fake      *processor.Fake
	recorder  *notify.Recorder
	escalator *stubEscalator
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		txns:      transaction.NewMemoryStore(),
		fake:      processor.NewFake(),
		recorder:  &notify.Recorder{},
		escalator: &stubEscalator{},
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.sweeper = New(f.txns, f.fake, f.escalator, f.recorder, logger, Config{}).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) advanceDays(days int) {
	f.now = f.now.AddDate(0, 0, days)
}

func (f *fixture) seedPaid(t *testing.T, id string, releasableInDays int) *transaction.Transaction {
	t.Helper()
	paid := f.now
	release := f.now.AddDate(0, 0, releasableInDays)
	txn := &transaction.Transaction{
		ID:            id,
		Reference:     "TS-000001",
		ListingID:     "lst_" + id,
		BuyerID:       "buyer",
		SellerID:      "seller",
		TotalAmount:   money.MustParse("123.00"),
		SellerNet:     money.MustParse("110.00"),
		Status:        transaction.StatusPaid,
		SettlementRef: "set_" + id,
		PayoutAccount: "acct_seller",
		PaidAt:        &paid,
		AutoReleaseAt: &release,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
		Version:       1,
	}
	if err := f.txns.Create(context.Background(), txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return txn
}

func (f *fixture) seedDeferred(t *testing.T, id string, contactedDaysAgo int) *transaction.Transaction {
	t.Helper()
	contacted := f.now.AddDate(0, 0, -contactedDaysAgo)
	deadline := contacted.AddDate(0, 0, 14)
	txn := &transaction.Transaction{
		ID:              id,
		Reference:       "TS-000002",
		ListingID:       "lst_" + id,
		BuyerID:         "buyer",
		SellerID:        "seller",
		TotalAmount:     money.MustParse("50.00"),
		Status:          transaction.StatusAwaitingPayment,
		ContactedAt:     &contacted,
		PaymentDeadline: &deadline,
		CreatedAt:       contacted,
		UpdatedAt:       contacted,
		Version:         1,
	}
	if err := f.txns.Create(context.Background(), txn); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return txn
}

func TestReleaseAfterGracePeriod(t *testing.T) {
	f := newFixture(t)
	txn := f.seedPaid(t, "txn_1", 7)

	// Not due yet.
	sum := f.sweeper.Run(context.Background())
	if sum.Released != 0 {
		t.Fatalf("released %d before the grace period", sum.Released)
	}

	f.advanceDays(8)
	sum = f.sweeper.Run(context.Background())
	if sum.Released != 1 || sum.Errors != 0 {
		t.Fatalf("summary = %+v, want one release", sum)
	}

	stored, _ := f.txns.Get(context.Background(), txn.ID)
	if stored.ReleasedAt == nil || stored.Status != transaction.StatusReleased {
		t.Errorf("transaction not released: %+v", stored)
	}
	if stored.PayoutID == "" {
		t.Error("payout reference not recorded")
	}
}

func TestDoubleSweepReleasesOnce(t *testing.T) {
	f := newFixture(t)
	f.seedPaid(t, "txn_1", 7)
	f.advanceDays(8)

	first := f.sweeper.Run(context.Background())
	second := f.sweeper.Run(context.Background())

	if first.Released != 1 || second.Released != 0 {
		t.Errorf("released %d then %d, want 1 then 0", first.Released, second.Released)
	}
	if f.fake.Payouts() != 1 {
		t.Errorf("processor payouts = %d, want 1", f.fake.Payouts())
	}
}

func TestBuyerConfirmationReleasesEarly(t *testing.T) {
	f := newFixture(t)
	txn := f.seedPaid(t, "txn_1", 7)

	confirmed := f.now
	txn.BuyerConfirmedAt = &confirmed
	if err := f.txns.Update(context.Background(), txn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	sum := f.sweeper.Run(context.Background())
	if sum.Released != 1 {
		t.Errorf("released = %d, want 1 (buyer confirmed)", sum.Released)
	}
}

func TestDisputeBlocksRelease(t *testing.T) {
	f := newFixture(t)
	txn := f.seedPaid(t, "txn_1", 7)

	txn.DisputeID = "dsp_1"
	txn.Status = transaction.StatusDisputed
	if err := f.txns.Update(context.Background(), txn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	f.advanceDays(30)
	sum := f.sweeper.Run(context.Background())
	if sum.Released != 0 {
		t.Errorf("released %d disputed transactions", sum.Released)
	}
	if f.fake.Payouts() != 0 {
		t.Errorf("processor payouts = %d, want 0", f.fake.Payouts())
	}
}

func TestReleaseRaceAgainstDispute(t *testing.T) {
	f := newFixture(t)
	txn := f.seedPaid(t, "txn_1", 7)
	f.advanceDays(8)

	// A dispute lands between the sweep's read and its write.
	parked, _ := f.txns.Get(context.Background(), txn.ID)
	parked.DisputeID = "dsp_1"
	parked.Status = transaction.StatusDisputed
	if err := f.txns.Update(context.Background(), parked); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	err := f.txns.MarkReleased(context.Background(), txn.ID, txn.Version, f.now, "po_x")
	if err == nil {
		t.Fatal("stale release succeeded despite dispute")
	}

	stored, _ := f.txns.Get(context.Background(), txn.ID)
	if stored.ReleasedAt != nil {
		t.Error("disputed transaction was released")
	}
}

func TestMissingPayoutAccountCounted(t *testing.T) {
	f := newFixture(t)
	txn := f.seedPaid(t, "txn_1", 7)
	txn.PayoutAccount = ""
	if err := f.txns.Update(context.Background(), txn); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	f.advanceDays(8)
	sum := f.sweeper.Run(context.Background())
	if sum.Released != 0 || sum.Errors != 1 {
		t.Errorf("summary = %+v, want one error and no release", sum)
	}
}

func TestReminderTiers(t *testing.T) {
	f := newFixture(t)
	txn := f.seedDeferred(t, "txn_1", 0)
	ctx := context.Background()

	expect := func(wantReminders, wantCount int) {
		t.Helper()
		sum := f.sweeper.Run(ctx)
		if sum.RemindersSent != wantReminders {
			t.Fatalf("remindersSent = %d, want %d", sum.RemindersSent, wantReminders)
		}
		stored, _ := f.txns.Get(ctx, txn.ID)
		if stored.ReminderCount != wantCount {
			t.Fatalf("reminderCount = %d, want %d", stored.ReminderCount, wantCount)
		}
	}

	expect(0, 0) // day 0
	f.advanceDays(6)
	expect(0, 0) // day 6, before the first tier
	f.advanceDays(1)
	expect(1, 1) // day 7
	expect(0, 1) // same day, no repeat
	f.advanceDays(3)
	expect(1, 2) // day 10
	f.advanceDays(3)
	expect(1, 3) // day 13
	f.advanceDays(1)

	// Day 14: deadline missed, flagged once.
	sum := f.sweeper.Run(ctx)
	if sum.DeadlinesMissed != 1 {
		t.Fatalf("deadlinesMissed = %d, want 1", sum.DeadlinesMissed)
	}
	sum = f.sweeper.Run(ctx)
	if sum.DeadlinesMissed != 0 {
		t.Fatalf("second sweep flagged the deadline again")
	}

	if got := f.recorder.ByCategory(notify.CategoryPaymentReminder); len(got) != 3 {
		t.Errorf("reminder notifications = %d, want 3", len(got))
	}
	if got := f.recorder.ByCategory(notify.CategoryDeadlineMissed); len(got) != 1 || got[0].UserID != "seller" {
		t.Errorf("deadline notifications = %+v", got)
	}
}

func TestReminderCatchUpAfterOutage(t *testing.T) {
	f := newFixture(t)
	// Contacted 11 days ago, never reminded: two tiers are overdue.
	f.seedDeferred(t, "txn_1", 11)
	ctx := context.Background()

	// One reminder per sweep, never a burst.
	if sum := f.sweeper.Run(ctx); sum.RemindersSent != 1 {
		t.Fatalf("first catch-up sweep sent %d", sum.RemindersSent)
	}
	if sum := f.sweeper.Run(ctx); sum.RemindersSent != 1 {
		t.Fatalf("second catch-up sweep sent %d", sum.RemindersSent)
	}
	if sum := f.sweeper.Run(ctx); sum.RemindersSent != 0 {
		t.Fatalf("third sweep sent %d, tier 3 is not due yet", sum.RemindersSent)
	}
}

func TestEscalationSweep(t *testing.T) {
	f := newFixture(t)
	f.escalator.count = 2

	sum := f.sweeper.Run(context.Background())
	if sum.DisputesEscalated != 2 {
		t.Errorf("disputesEscalated = %d, want 2", sum.DisputesEscalated)
	}
}

func TestTimerStartStop(t *testing.T) {
	f := newFixture(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timer := NewTimer(f.sweeper, 10*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go timer.Start(ctx)

	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	timer.Stop()
	deadline = time.After(time.Second)
	for timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never stopped")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

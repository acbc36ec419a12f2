package processor

import (
	"context"
	"sync"

	"github.com/mbd888/tradesafe/internal/idgen"
	"github.com/mbd888/tradesafe/internal/money"
)

// Fake is an in-memory processor for development mode and tests. It
// settles instantly and keeps per-settlement refund accounting so the
// already-refunded path behaves like the real thing.
type Fake struct {
	mu          sync.Mutex
	settlements map[string]*fakeSettlement
	payouts     map[string]string // transactionID -> payoutID
}

type fakeSettlement struct {
	amount   money.Amount
	refunded money.Amount
	disputed bool
}

func NewFake() *Fake {
	return &Fake{
		settlements: make(map[string]*fakeSettlement),
		payouts:     make(map[string]string),
	}
}

// MarkDisputed simulates an external chargeback on a settlement.
func (f *Fake) MarkDisputed(settlementRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.settlements[settlementRef]; ok {
		s.disputed = true
	}
}

func (f *Fake) Settle(_ context.Context, _ string, amount money.Amount) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := idgen.WithPrefix("set_")
	f.settlements[ref] = &fakeSettlement{amount: amount}
	return ref, nil
}

func (f *Fake) Refund(_ context.Context, settlementRef string, amount money.Amount) (*RefundResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.settlements[settlementRef]
	if !ok {
		// Unknown reference: treat as settled externally with open balance.
		s = &fakeSettlement{amount: amount}
		f.settlements[settlementRef] = s
	}
	if s.disputed {
		return nil, ErrAlreadyInExternalDispute
	}
	if s.refunded >= s.amount {
		return nil, ErrAlreadyRefunded
	}
	if amount == 0 {
		amount = s.amount - s.refunded
	}
	s.refunded += amount

	return &RefundResult{RefundID: idgen.WithPrefix("re_"), Status: "succeeded"}, nil
}

func (f *Fake) CheckRefundable(_ context.Context, settlementRef string) (*Refundability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.settlements[settlementRef]
	if !ok {
		return &Refundability{Refundable: false, Reason: "not_captured"}, nil
	}
	if s.disputed {
		return &Refundability{Refundable: false, Reason: "external_dispute"}, nil
	}
	if s.refunded >= s.amount {
		return &Refundability{Refundable: false, Reason: "already_refunded"}, nil
	}
	return &Refundability{Refundable: true, AvailableAmount: s.amount - s.refunded}, nil
}

func (f *Fake) Payout(_ context.Context, transactionID, _ string, _ money.Amount) (*PayoutResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.payouts[transactionID]; ok {
		return &PayoutResult{PayoutID: id, Status: "paid"}, nil
	}
	id := idgen.WithPrefix("po_")
	f.payouts[transactionID] = id
	return &PayoutResult{PayoutID: id, Status: "paid"}, nil
}

// Payouts returns the number of distinct payouts issued.
func (f *Fake) Payouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payouts)
}

var _ Client = (*Fake)(nil)

package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/tradesafe/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development
// mode. It reproduces the version-guard semantics of the Postgres store
// so lifecycle and sweeper behavior is identical in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	txns   map[string]*Transaction
	refSeq int64
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txns: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.txns[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetOpenByBuyerListing(_ context.Context, buyerID, listingID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.txns {
		if t.BuyerID == buyerID && t.ListingID == listingID && !t.IsTerminal() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.txns[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != t.Version {
		return ErrConcurrentModification
	}

	cp := *t
	cp.Version++
	m.txns[t.ID] = &cp
	t.Version = cp.Version
	return nil
}

func (m *MemoryStore) MarkReleased(_ context.Context, id string, version int64, at time.Time, payoutID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txns[id]
	if !ok {
		return ErrNotFound
	}
	// Same write-time re-checks as the SQL WHERE clause: a disputed
	// transaction is never released.
	if t.Version != version || t.DisputeID != "" || t.IsTerminal() {
		return ErrConcurrentModification
	}

	releasedAt := at
	t.ReleasedAt = &releasedAt
	t.PayoutID = payoutID
	t.Status = StatusReleased
	t.UpdatedAt = at
	t.Version++
	return nil
}

func (m *MemoryStore) ListReleasable(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.PaidAt == nil || t.IsTerminal() || t.DisputeID != "" {
			continue
		}
		due := t.AutoReleaseAt != nil && !now.Before(*t.AutoReleaseAt)
		if due || t.BuyerConfirmedAt != nil {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListDeferredUnpaid(_ context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.ContactedAt != nil && t.PaidAt == nil && t.CanceledAt == nil {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if t.BuyerID != userID && t.SellerID != userID {
			continue
		}
		if after != nil {
			// Keyset: only rows strictly after the cursor in (createdAt, id)
			// descending order.
			if t.CreatedAt.After(after.CreatedAt) {
				continue
			}
			if t.CreatedAt.Equal(after.CreatedAt) && t.ID >= after.ID {
				continue
			}
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListNeedingAttention(_ context.Context, now time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.txns {
		if needsAttention(t, now) {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func needsAttention(t *Transaction, now time.Time) bool {
	if t.IsTerminal() {
		return false
	}
	if t.DisputeID != "" {
		return true
	}
	if t.DeadlineMissed {
		return true
	}
	if t.PaidAt != nil && t.AutoReleaseAt != nil && now.After(*t.AutoReleaseAt) {
		// Past the release deadline but still unreleased: a sweep keeps
		// failing on it (missing payout account, processor errors).
		return true
	}
	if t.PaidAt != nil && t.SettlementRef == "" {
		return true
	}
	return false
}

func (m *MemoryStore) NextReference(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refSeq++
	return m.refSeq, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

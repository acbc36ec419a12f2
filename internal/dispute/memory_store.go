package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for development mode and
// tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
	byTxn    map[string]string // transactionID -> disputeID (latest)
	comments map[string][]*Comment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byTxn:    make(map[string]string),
		comments: make(map[string][]*Comment),
	}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.disputes[d.ID] = &cp
	m.byTxn[d.TransactionID] = d.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, transactionID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTxn[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.disputes[id]
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != d.Version {
		return ErrConcurrentModification
	}
	cp := *d
	cp.Version++
	m.disputes[d.ID] = &cp
	d.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.BuyerID == userID || d.SellerID == userID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListResponseOverdue(_ context.Context, now time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusPending || d.RespondBy == nil {
			continue
		}
		if d.RespondBy.After(now) {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RespondBy.Before(*out[j].RespondBy) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AddComment(_ context.Context, c *Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.disputes[c.DisputeID]; !ok {
		return ErrNotFound
	}
	cp := *c
	m.comments[c.DisputeID] = append(m.comments[c.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) Comments(_ context.Context, disputeID string, includeInternal bool) ([]*Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Comment
	for _, c := range m.comments[disputeID] {
		if c.Internal && !includeInternal {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)

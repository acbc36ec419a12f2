// Package listing defines the read-only boundary to the listing catalogue.
//
// Transaction creation needs two things from the listing side: a price
// snapshot (price and seller at the moment of checkout) and a shipping
// cost for the buyer's delivery selection. Listing CRUD, search and
// categories live in a separate system.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/tradesafe/internal/money"
)

var (
	ErrListingNotFound  = errors.New("listing not found")
	ErrUnknownDelivery  = errors.New("unknown delivery selection")
)

// Delivery selections a buyer can choose at checkout.
const (
	DeliveryPickup   = "pickup"
	DeliveryStandard = "standard"
	DeliveryExpress  = "express"
)

// Snapshot is the listing state captured at checkout time.
type Snapshot struct {
	ListingID string       `json:"listingId"`
	SellerID  string       `json:"sellerId"`
	Title     string       `json:"title"`
	ItemPrice money.Amount `json:"itemPrice"`
}

// Provider resolves listing snapshots.
type Provider interface {
	GetSnapshot(ctx context.Context, listingID string) (*Snapshot, error)
}

// ShippingCalculator derives the shipping cost for a delivery selection.
type ShippingCalculator interface {
	CalculateShipping(ctx context.Context, selection string, itemPrice money.Amount) (money.Amount, error)
}

// TableCalculator maps delivery selections to flat costs. Pickup is free.
type TableCalculator struct {
	Standard money.Amount
	Express  money.Amount
}

func (t *TableCalculator) CalculateShipping(_ context.Context, selection string, _ money.Amount) (money.Amount, error) {
	switch selection {
	case DeliveryPickup:
		return 0, nil
	case DeliveryStandard:
		return t.Standard, nil
	case DeliveryExpress:
		return t.Express, nil
	default:
		return 0, ErrUnknownDelivery
	}
}

// MemoryProvider serves snapshots from a local map, for development mode
// and tests.
type MemoryProvider struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{snapshots: make(map[string]*Snapshot)}
}

func (m *MemoryProvider) Put(s *Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.ListingID] = s
}

func (m *MemoryProvider) GetSnapshot(_ context.Context, listingID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[listingID]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *s
	return &cp, nil
}

// HTTPProvider fetches snapshots from the listing catalogue service.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider against the catalogue base URL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProvider) GetSnapshot(ctx context.Context, listingID string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/listings/"+listingID+"/snapshot", nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalogue request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrListingNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("catalogue returned status %d", resp.StatusCode)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

var (
	_ Provider           = (*MemoryProvider)(nil)
	_ Provider           = (*HTTPProvider)(nil)
	_ ShippingCalculator = (*TableCalculator)(nil)
)

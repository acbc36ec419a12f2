// Package fees computes the buyer-facing fee breakdown for a protected
// purchase: platform commission, optional protection fee, VAT, and the
// rappen-rounded total.
package fees

import (
	"errors"

	"github.com/mbd888/tradesafe/internal/money"
)

var ErrInvalidFeeInput = errors.New("invalid fee input")

// RateConfig holds the configured fee rates and commission bounds.
type RateConfig struct {
	MarginRate        money.Rate
	ProtectionFeeRate money.Rate
	VATRate           money.Rate
	MinCommission     money.Amount
	MaxCommission     money.Amount
}

// Breakdown is the result of a fee calculation. VATAmount keeps its full
// precision; only Total is rounded (up, to 0.05).
type Breakdown struct {
	ItemPrice     money.Amount `json:"itemPrice"`
	ShippingCost  money.Amount `json:"shippingCost"`
	PlatformFee   money.Amount `json:"platformFee"`
	ProtectionFee money.Amount `json:"protectionFee"`
	VATAmount     money.Amount `json:"vatAmount"`
	Total         money.Amount `json:"total"`
	SellerNet     money.Amount `json:"sellerNet"`
}

// Calculate produces the fee breakdown for an item.
//
// The commission is itemPrice*marginRate clamped to the configured bounds.
// The protection fee applies only when requested. VAT is charged on the
// platform's fees, not on the item. The buyer total is rounded up to the
// nearest 0.05 CHF; the seller receives item price plus shipping.
func Calculate(itemPrice, shippingCost money.Amount, protectionRequested bool, cfg RateConfig) (Breakdown, error) {
	if itemPrice < 0 || shippingCost < 0 {
		return Breakdown{}, ErrInvalidFeeInput
	}
	if cfg.MinCommission < 0 || cfg.MaxCommission < 0 || cfg.MinCommission > cfg.MaxCommission {
		return Breakdown{}, ErrInvalidFeeInput
	}

	platformFee := itemPrice.MulRate(cfg.MarginRate).Clamp(cfg.MinCommission, cfg.MaxCommission)

	var protectionFee money.Amount
	if protectionRequested {
		protectionFee = itemPrice.MulRate(cfg.ProtectionFeeRate)
	}

	vat := (platformFee + protectionFee).MulRate(cfg.VATRate)

	raw := itemPrice + shippingCost + platformFee + protectionFee + vat

	return Breakdown{
		ItemPrice:     itemPrice,
		ShippingCost:  shippingCost,
		PlatformFee:   platformFee,
		ProtectionFee: protectionFee,
		VATAmount:     vat,
		Total:         raw.RoundUpToNickel(),
		SellerNet:     itemPrice + shippingCost,
	}, nil
}

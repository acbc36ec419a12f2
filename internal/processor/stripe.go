package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/tradesafe/internal/money"
)

// StripeClient implements Client against the Stripe API. Settlement
// references are PaymentIntent IDs; payouts are transfers to the seller's
// connected account.
type StripeClient struct {
	api *client.API
}

// NewStripeClient creates a Stripe-backed processor client.
func NewStripeClient(apiKey string) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeClient{api: api}
}

func (s *StripeClient) Settle(ctx context.Context, transactionID string, amount money.Amount) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.Rappen()),
		Currency: stripe.String(string(stripe.CurrencyCHF)),
	}
	params.Context = ctx
	params.AddMetadata("transaction_id", transactionID)
	// One settlement per transaction, no matter how often the webhook fires.
	params.SetIdempotencyKey("settle_" + transactionID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	return pi.ID, nil
}

func (s *StripeClient) Refund(ctx context.Context, settlementRef string, amount money.Amount) (*RefundResult, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(settlementRef),
	}
	if amount > 0 {
		params.Amount = stripe.Int64(amount.Rappen())
	}
	params.Context = ctx

	r, err := s.api.Refunds.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &RefundResult{
		RefundID: r.ID,
		Status:   string(r.Status),
	}, nil
}

func (s *StripeClient) CheckRefundable(ctx context.Context, settlementRef string) (*Refundability, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := s.api.PaymentIntents.Get(settlementRef, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	charge := pi.LatestCharge
	if charge == nil {
		return &Refundability{Refundable: false, Reason: "not_captured"}, nil
	}
	if charge.Disputed {
		return &Refundability{Refundable: false, Reason: "external_dispute"}, nil
	}
	if charge.Refunded {
		return &Refundability{Refundable: false, Reason: "already_refunded"}, nil
	}

	available := charge.Amount - charge.AmountRefunded
	return &Refundability{
		Refundable:      available > 0,
		AvailableAmount: money.FromRappen(available),
	}, nil
}

func (s *StripeClient) Payout(ctx context.Context, transactionID, payoutAccount string, amount money.Amount) (*PayoutResult, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount.Rappen()),
		Currency:    stripe.String(string(stripe.CurrencyCHF)),
		Destination: stripe.String(payoutAccount),
	}
	params.Context = ctx
	params.SetIdempotencyKey("payout_" + transactionID)
	params.AddMetadata("transaction_id", transactionID)

	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return &PayoutResult{PayoutID: tr.ID, Status: "paid"}, nil
}

// classifyStripeError maps Stripe failures onto the boundary's error
// kinds. Anything that did not reach Stripe, or that Stripe reports as a
// server-side failure, is transient.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Code {
		case stripe.ErrorCodeChargeAlreadyRefunded:
			return ErrAlreadyRefunded
		case stripe.ErrorCodeChargeDisputed:
			return ErrAlreadyInExternalDispute
		}
		if se.HTTPStatusCode >= 500 {
			return Transient(err)
		}
		return fmt.Errorf("stripe: %w", err)
	}
	// Connection-level failures surface as plain errors.
	return Transient(err)
}

var _ Client = (*StripeClient)(nil)

package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/tradesafe/internal/idgen"
	"github.com/mbd888/tradesafe/internal/metrics"
	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/notify"
	"github.com/mbd888/tradesafe/internal/refund"
	"github.com/mbd888/tradesafe/internal/traces"
	"github.com/mbd888/tradesafe/internal/transaction"
)

// Refunder executes the refund decision for a resolved dispute. A zero
// amount refunds the transaction total.
type Refunder interface {
	Execute(ctx context.Context, t *transaction.Transaction, amount money.Amount) (*refund.Result, error)
}

// Config holds the dispute policy knobs.
type Config struct {
	ResponseDays     int // open -> escalation when the respondent stays silent
	SellerRefundDays int // refund_required on released funds -> repayment deadline
}

// Service implements the dispute workflow.
type Service struct {
	store    Store
	txns     transaction.Store
	refunds  Refunder
	notifier notify.Notifier
	cfg      Config
	now      func() time.Time
}

// NewService creates a dispute service.
func NewService(store Store, txns transaction.Store, refunds Refunder, notifier notify.Notifier, cfg Config) *Service {
	return &Service{
		store:    store,
		txns:     txns,
		refunds:  refunds,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OpenRequest contains the parameters for opening a dispute. The
// transaction ID comes from the URL, not the body.
type OpenRequest struct {
	TransactionID string `json:"-"`
	Reason        string `json:"reason" binding:"required"`
	Description   string `json:"description" binding:"required"`
}

// Open starts a dispute against a paid transaction. Either party can
// open; the counterparty becomes the respondent with a reply window.
// Opening marks the transaction disputed, which blocks auto-release
// until the case settles. Released transactions can still be disputed;
// their refunds take the manual seller path.
func (s *Service) Open(ctx context.Context, callerID string, req OpenRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Open",
		traces.UserID(callerID), traces.TransactionID(req.TransactionID))
	defer span.End()

	t, err := s.txns.Get(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}

	var openedBy, respondent string
	switch callerID {
	case t.BuyerID:
		openedBy, respondent = RoleBuyer, t.SellerID
	case t.SellerID:
		openedBy, respondent = RoleSeller, t.BuyerID
	default:
		return nil, ErrUnauthorized
	}
	if t.PaidAt == nil || t.RefundedAt != nil || t.CanceledAt != nil {
		return nil, ErrNotDisputable
	}
	if t.DisputeID != "" {
		return nil, ErrAlreadyOpen
	}

	now := s.now()
	respondBy := now.AddDate(0, 0, s.cfg.ResponseDays)
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: t.ID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		OpenedBy:      openedBy,
		RespondentID:  respondent,
		Reason:        req.Reason,
		Description:   req.Description,
		Status:        StatusPending,
		RespondBy:     &respondBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := s.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	// Park the transaction. A concurrent release wins the race; the
	// opener retries and the refund then takes the manual path.
	t.DisputeID = d.ID
	t.Status = transaction.DeriveStatus(t)
	t.UpdatedAt = now
	if err := s.txns.Update(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to mark transaction disputed: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusPending)).Inc()
	s.comment(ctx, d.ID, callerID, openedBy, req.Description, nil, false)
	_ = s.notifier.Notify(ctx, respondent, notify.CategoryDisputeOpened, map[string]any{
		"disputeId":     d.ID,
		"transactionId": t.ID,
		"reason":        d.Reason,
	})
	return d, nil
}

// Respond records the respondent's first reply, moving the case into
// review. A reply on a pending case stops the escalation clock; a reply
// after escalation still pulls the case back into review, with the
// lateness recorded in the ledger for the admin.
func (s *Service) Respond(ctx context.Context, id, callerID, message string, attachments []string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.RespondentID != callerID {
		return nil, ErrUnauthorized
	}
	if d.Status != StatusPending && d.Status != StatusEscalated {
		return nil, ErrInvalidTransition
	}
	late := d.Status == StatusEscalated

	now := s.now()
	d.Status = StatusUnderReview
	d.RespondedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	role := RoleSeller
	if callerID == d.BuyerID {
		role = RoleBuyer
	}
	s.comment(ctx, d.ID, callerID, role, message, attachments, false)
	if late {
		s.statusComment(ctx, d.ID, "Response received after escalation")
	}
	_ = s.notifier.Notify(ctx, s.counterparty(d, callerID), notify.CategoryDisputeResponded, map[string]any{
		"disputeId": d.ID,
		"late":      late,
	})
	return d, nil
}

// AddComment appends to the dispute ledger. Closed disputes are
// read-only.
func (s *Service) AddComment(ctx context.Context, id, authorID, role, body string, attachments []string, internal bool) (*Comment, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusClosed {
		return nil, ErrInvalidTransition
	}
	switch role {
	case RoleBuyer:
		if d.BuyerID != authorID {
			return nil, ErrUnauthorized
		}
	case RoleSeller:
		if d.SellerID != authorID {
			return nil, ErrUnauthorized
		}
	case RoleAdmin:
	default:
		return nil, ErrUnauthorized
	}
	if internal && role != RoleAdmin {
		return nil, ErrUnauthorized
	}

	c := &Comment{
		ID:          idgen.WithPrefix("cmt_"),
		DisputeID:   d.ID,
		AuthorID:    authorID,
		Role:        role,
		Type:        TypeComment,
		Body:        body,
		Attachments: attachments,
		Internal:    internal,
		CreatedAt:   s.now(),
	}
	if err := s.store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Comments returns the dispute ledger. Internal admin notes are
// filtered out for the parties.
func (s *Service) Comments(ctx context.Context, id, callerID string, isAdmin bool) ([]*Comment, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && callerID != d.BuyerID && callerID != d.SellerID {
		return nil, ErrUnauthorized
	}
	return s.store.Comments(ctx, id, isAdmin)
}

// Escalate hands a dispute to an admin. The sweeper calls this for
// cases whose response window elapsed; admins can also escalate a
// review that stalled.
func (s *Service) Escalate(ctx context.Context, id, note string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusPending && d.Status != StatusUnderReview {
		return nil, ErrInvalidTransition
	}

	now := s.now()
	d.Status = StatusEscalated
	d.EscalatedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if note == "" {
		note = "Case escalated for review"
	}
	metrics.DisputesTotal.WithLabelValues(string(StatusEscalated)).Inc()
	s.statusComment(ctx, d.ID, note)
	_ = s.notifier.Notify(ctx, d.BuyerID, notify.CategoryDisputeEscalated, map[string]any{
		"disputeId": d.ID,
	})
	_ = s.notifier.Notify(ctx, d.SellerID, notify.CategoryDisputeEscalated, map[string]any{
		"disputeId": d.ID,
	})
	return d, nil
}

// EscalateOverdue escalates every pending dispute whose response window
// elapsed. Returns the number escalated. A concurrent write to a listed
// dispute (the respondent replying mid-sweep) is not an error; the case
// is simply skipped.
func (s *Service) EscalateOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.store.ListResponseOverdue(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}

	count := 0
	var firstErr error
	for _, d := range overdue {
		if _, err := s.Escalate(ctx, d.ID, "No response within the response window"); err != nil {
			if errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("escalate %s: %w", d.ID, err)
			}
			continue
		}
		count++
	}
	return count, firstErr
}

// Resolve records the admin decision. A no-refund decision closes the
// case immediately and unblocks the transaction. A refund decision runs
// the refund orchestrator for the ordered amount (zero means the full
// total): a direct reversal also closes the case, while released funds
// leave it resolved until the seller repays.
func (s *Service) Resolve(ctx context.Context, id, adminID string, resolution Resolution, refundAmount money.Amount, note string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(id))
	defer span.End()

	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusUnderReview && d.Status != StatusEscalated {
		return nil, ErrInvalidTransition
	}
	if resolution != ResolutionNoRefund && resolution != ResolutionRefundRequired {
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidTransition, resolution)
	}

	t, err := s.txns.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	d.Resolution = resolution
	d.ResolvedBy = adminID
	d.ResolvedAt = &now
	d.UpdatedAt = now

	if note != "" {
		s.comment(ctx, d.ID, adminID, RoleAdmin, note, nil, false)
	}

	switch resolution {
	case ResolutionNoRefund:
		d.Status = StatusClosed
		d.ClosedAt = &now
		if err := s.store.Update(ctx, d); err != nil {
			return nil, err
		}
		if err := s.unparkTransaction(ctx, t, now); err != nil {
			return nil, err
		}
		s.statusComment(ctx, d.ID, "Case closed without refund")

	case ResolutionRefundRequired:
		res, err := s.refunds.Execute(ctx, t, refundAmount)
		if err != nil {
			return nil, fmt.Errorf("refund failed: %w", err)
		}
		d.RefundAmount = res.Amount
		switch res.Outcome {
		case refund.OutcomeDirectRefunded:
			d.Status = StatusClosed
			d.ClosedAt = &now
			if err := s.store.Update(ctx, d); err != nil {
				return nil, err
			}
			if err := s.unparkTransaction(ctx, t, now); err != nil {
				return nil, err
			}
			s.statusComment(ctx, d.ID,
				fmt.Sprintf("Refund of %s issued to the buyer", res.Amount.String()))
			_ = s.notifier.Notify(ctx, d.BuyerID, notify.CategoryRefundConfirmed, map[string]any{
				"disputeId": d.ID,
				"amount":    res.Amount.String(),
			})
		case refund.OutcomeAwaitingSeller:
			deadline := now.AddDate(0, 0, s.cfg.SellerRefundDays)
			d.Status = StatusResolved
			d.SellerRefundDeadline = &deadline
			if err := s.store.Update(ctx, d); err != nil {
				return nil, err
			}
			s.statusComment(ctx, d.ID,
				fmt.Sprintf("Seller must refund %s by %s", res.Amount.String(), deadline.Format("2006-01-02")))
		}
	}

	metrics.DisputesTotal.WithLabelValues(string(d.Status)).Inc()
	_ = s.notifier.Notify(ctx, d.BuyerID, notify.CategoryDisputeResolved, map[string]any{
		"disputeId":  d.ID,
		"resolution": string(resolution),
	})
	_ = s.notifier.Notify(ctx, d.SellerID, notify.CategoryDisputeResolved, map[string]any{
		"disputeId":  d.ID,
		"resolution": string(resolution),
	})
	return d, nil
}

// ConfirmSellerRefund records that the seller repaid the buyer on the
// manual path and closes the case. The buyer and the resolving admin
// are notified; confirmations past the repayment deadline are flagged.
func (s *Service) ConfirmSellerRefund(ctx context.Context, id, callerID string, isAdmin bool, note string, attachments []string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && callerID != d.SellerID {
		return nil, ErrUnauthorized
	}
	if d.Status != StatusResolved || d.SellerRefundDeadline == nil {
		return nil, ErrNoRefundPending
	}

	now := s.now()
	d.SellerRefundConfirmedAt = &now
	d.SellerRefundLate = now.After(*d.SellerRefundDeadline)
	d.Status = StatusClosed
	d.ClosedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if t, err := s.txns.Get(ctx, d.TransactionID); err == nil {
		if err := s.unparkTransaction(ctx, t, now); err != nil {
			return nil, err
		}
	}

	if note != "" {
		role := RoleSeller
		if isAdmin && callerID != d.SellerID {
			role = RoleAdmin
		}
		s.comment(ctx, d.ID, callerID, role, note, attachments, false)
	}
	s.statusComment(ctx, d.ID, "Seller confirmed the refund was sent")
	payload := map[string]any{
		"disputeId": d.ID,
		"late":      d.SellerRefundLate,
	}
	_ = s.notifier.Notify(ctx, d.BuyerID, notify.CategoryRefundConfirmed, payload)
	if d.ResolvedBy != "" && d.ResolvedBy != callerID {
		_ = s.notifier.Notify(ctx, d.ResolvedBy, notify.CategoryRefundConfirmed, payload)
	}
	return d, nil
}

// Get returns a dispute visible to the caller.
func (s *Service) Get(ctx context.Context, id, callerID string, isAdmin bool) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && callerID != d.BuyerID && callerID != d.SellerID {
		return nil, ErrNotFound
	}
	return d, nil
}

// ListByUser returns disputes where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) counterparty(d *Dispute, userID string) string {
	if userID == d.BuyerID {
		return d.SellerID
	}
	return d.BuyerID
}

// unparkTransaction clears the dispute pointer so the release clock
// resumes (or, for terminal transactions, the attention query calms
// down).
func (s *Service) unparkTransaction(ctx context.Context, t *transaction.Transaction, now time.Time) error {
	for attempt := 0; attempt < 3; attempt++ {
		if t.DisputeID == "" {
			return nil
		}
		t.DisputeID = ""
		t.Status = transaction.DeriveStatus(t)
		t.UpdatedAt = now

		err := s.txns.Update(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, transaction.ErrConcurrentModification) {
			return fmt.Errorf("failed to unpark transaction: %w", err)
		}

		fresh, gerr := s.txns.Get(ctx, t.ID)
		if gerr != nil {
			return fmt.Errorf("failed to unpark transaction: %w", gerr)
		}
		t = fresh
	}
	return transaction.ErrConcurrentModification
}

// comment appends a ledger entry, logging nothing on failure: the
// workflow transition already committed and a lost comment must not
// roll it back.
func (s *Service) comment(ctx context.Context, disputeID, authorID, role, body string, attachments []string, internal bool) {
	_ = s.store.AddComment(ctx, &Comment{
		ID:          idgen.WithPrefix("cmt_"),
		DisputeID:   disputeID,
		AuthorID:    authorID,
		Role:        role,
		Type:        TypeComment,
		Body:        body,
		Attachments: attachments,
		Internal:    internal,
		CreatedAt:   s.now(),
	})
}

// statusComment appends a machine-written workflow marker to the same
// ledger the parties read.
func (s *Service) statusComment(ctx context.Context, disputeID, body string) {
	_ = s.store.AddComment(ctx, &Comment{
		ID:        idgen.WithPrefix("cmt_"),
		DisputeID: disputeID,
		Role:      RoleSystem,
		Type:      TypeStatusChange,
		Body:      body,
		CreatedAt: s.now(),
	})
}

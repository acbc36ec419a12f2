// Package sweeper runs the deadline scans that move transactions along
// without user action: payment reminders, missed payment deadlines,
// payout auto-release and dispute escalation.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/tradesafe/internal/metrics"
	"github.com/mbd888/tradesafe/internal/notify"
	"github.com/mbd888/tradesafe/internal/processor"
	"github.com/mbd888/tradesafe/internal/traces"
	"github.com/mbd888/tradesafe/internal/transaction"
)

const batchSize = 100

// Escalator escalates disputes whose response window elapsed.
type Escalator interface {
	EscalateOverdue(ctx context.Context, limit int) (int, error)
}

// Config holds the sweep policy knobs.
type Config struct {
	// ReminderDays are the day offsets after seller contact at which the
	// buyer is reminded to pay. Must be ascending.
	ReminderDays []int
}

// DefaultReminderDays nags on days 7, 10 and 13 after contact, ahead of
// the 14-day payment deadline.
var DefaultReminderDays = []int{7, 10, 13}

// Summary reports what a single sweep did.
type Summary struct {
	RemindersSent     int `json:"remindersSent"`
	DeadlinesMissed   int `json:"deadlinesMissed"`
	Released          int `json:"released"`
	DisputesEscalated int `json:"disputesEscalated"`
	Errors            int `json:"errors"`
}

// Sweeper executes the periodic deadline scans.
type Sweeper struct {
	txns      transaction.Store
	processor processor.Client
	disputes  Escalator
	notifier  notify.Notifier
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New creates a sweeper.
func New(txns transaction.Store, p processor.Client, disputes Escalator, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Sweeper {
	if len(cfg.ReminderDays) == 0 {
		cfg.ReminderDays = DefaultReminderDays
	}
	return &Sweeper{
		txns:      txns,
		processor: p,
		disputes:  disputes,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock overrides the time source (for tests).
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run executes one full sweep. Individual item failures are counted and
// logged, never fatal: the next sweep retries them.
func (s *Sweeper) Run(ctx context.Context) Summary {
	metrics.SweepRuns.Inc()

	var sum Summary
	s.sweepReminders(ctx, &sum)
	s.sweepReleases(ctx, &sum)
	s.sweepEscalations(ctx, &sum)

	metrics.SweepRemindersTotal.Add(float64(sum.RemindersSent))
	metrics.SweepReleasesTotal.Add(float64(sum.Released))
	metrics.SweepErrorsTotal.Add(float64(sum.Errors))
	return sum
}

// sweepReminders nags buyers with agreed-but-unpaid transactions and
// flags missed payment deadlines.
func (s *Sweeper) sweepReminders(ctx context.Context, sum *Summary) {
	pending, err := s.txns.ListDeferredUnpaid(ctx, batchSize)
	if err != nil {
		s.logger.Warn("failed to list deferred unpaid transactions", "error", err)
		sum.Errors++
		return
	}

	now := s.now()
	for _, t := range pending {
		if t.PaymentDeadline != nil && !now.Before(*t.PaymentDeadline) {
			if t.DeadlineMissed {
				continue
			}
			t.DeadlineMissed = true
			t.UpdatedAt = now
			if err := s.txns.Update(ctx, t); err != nil {
				s.logger.Warn("failed to flag missed deadline", "transactionId", t.ID, "error", err)
				sum.Errors++
				continue
			}
			sum.DeadlinesMissed++
			s.logger.Info("payment deadline missed", "transactionId", t.ID, "buyer", t.BuyerID)
			_ = s.notifier.Notify(ctx, t.SellerID, notify.CategoryDeadlineMissed, map[string]any{
				"transactionId": t.ID,
				"reference":     t.Reference,
			})
			continue
		}

		tier := t.ReminderCount
		if tier >= len(s.cfg.ReminderDays) {
			continue
		}
		daysSinceContact := int(now.Sub(*t.ContactedAt).Hours() / 24)
		// A >= check, not ==: a sweep outage must not skip a tier for
		// good, the next run catches up one reminder at a time.
		if daysSinceContact < s.cfg.ReminderDays[tier] {
			continue
		}

		t.ReminderCount++
		t.LastReminderAt = &now
		t.UpdatedAt = now
		if err := s.txns.Update(ctx, t); err != nil {
			s.logger.Warn("failed to record reminder", "transactionId", t.ID, "error", err)
			sum.Errors++
			continue
		}
		sum.RemindersSent++
		_ = s.notifier.Notify(ctx, t.BuyerID, notify.CategoryPaymentReminder, map[string]any{
			"transactionId":   t.ID,
			"reference":       t.Reference,
			"reminderNumber":  t.ReminderCount,
			"paymentDeadline": t.PaymentDeadline,
		})
	}
}

// sweepReleases pays out sellers for transactions past their
// auto-release time or confirmed by the buyer.
func (s *Sweeper) sweepReleases(ctx context.Context, sum *Summary) {
	due, err := s.txns.ListReleasable(ctx, s.now(), batchSize)
	if err != nil {
		s.logger.Warn("failed to list releasable transactions", "error", err)
		sum.Errors++
		return
	}

	for _, t := range due {
		if err := s.release(ctx, t); err != nil {
			if errors.Is(err, transaction.ErrConcurrentModification) {
				// Lost the race against a dispute or a parallel sweep.
				s.logger.Info("release skipped, transaction changed underneath", "transactionId", t.ID)
				continue
			}
			s.logger.Warn("failed to release transaction", "transactionId", t.ID, "error", err)
			sum.Errors++
			continue
		}
		sum.Released++
		metrics.TransactionsTotal.WithLabelValues(string(transaction.StatusReleased)).Inc()
		if t.PaidAt != nil {
			metrics.ReleaseDuration.Observe(s.now().Sub(*t.PaidAt).Seconds())
		}
		s.logger.Info("released payout to seller",
			"transactionId", t.ID,
			"seller", t.SellerID,
			"amount", t.SellerNet.String(),
		)
	}
}

func (s *Sweeper) release(ctx context.Context, t *transaction.Transaction) error {
	ctx, span := traces.StartSpan(ctx, "sweeper.release",
		traces.TransactionID(t.ID), traces.Amount(t.SellerNet.String()))
	defer span.End()

	if t.PayoutAccount == "" {
		return fmt.Errorf("no payout account on file for seller %s", t.SellerID)
	}

	payout, err := s.processor.Payout(ctx, t.ID, t.PayoutAccount, t.SellerNet)
	if err != nil {
		return fmt.Errorf("processor payout: %w", err)
	}

	return s.txns.MarkReleased(ctx, t.ID, t.Version, s.now(), payout.PayoutID)
}

// sweepEscalations hands disputes with silent sellers to the admins.
func (s *Sweeper) sweepEscalations(ctx context.Context, sum *Summary) {
	n, err := s.disputes.EscalateOverdue(ctx, batchSize)
	sum.DisputesEscalated += n
	if err != nil {
		s.logger.Warn("dispute escalation sweep incomplete", "error", err)
		sum.Errors++
	}
}

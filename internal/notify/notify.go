// Package notify is the notification boundary of the protection engine.
//
// The engine only decides THAT a user must be told something; delivery
// (email, in-app) belongs to an external collaborator. The default
// implementation dispatches HMAC-signed webhooks to per-user
// subscriptions, which is how the delivery service consumes these events.
package notify

import (
	"context"
	"sync"
)

// Notification categories emitted by the engine.
const (
	CategoryPaymentReminder  = "payment.reminder"
	CategoryDeadlineMissed   = "payment.deadline_missed"
	CategoryDisputeOpened    = "dispute.opened"
	CategoryDisputeResponded = "dispute.responded"
	CategoryDisputeEscalated = "dispute.escalated"
	CategoryDisputeResolved  = "dispute.resolved"
	CategoryRefundConfirmed  = "refund.confirmed"
)

// Notifier delivers a notification to a user. Implementations must not
// block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, userID, category string, payload map[string]any) error
}

// Discard is a Notifier that drops everything.
type Discard struct{}

func (Discard) Notify(context.Context, string, string, map[string]any) error { return nil }

// Recorder captures notifications for test assertions.
type Recorder struct {
	mu     sync.Mutex
	Events []RecordedEvent
}

type RecordedEvent struct {
	UserID   string
	Category string
	Payload  map[string]any
}

func (r *Recorder) Notify(_ context.Context, userID, category string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedEvent{UserID: userID, Category: category, Payload: payload})
	return nil
}

// ByCategory returns the recorded events matching a category.
func (r *Recorder) ByCategory(category string) []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RecordedEvent
	for _, e := range r.Events {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

var (
	_ Notifier = Discard{}
	_ Notifier = (*Recorder)(nil)
)

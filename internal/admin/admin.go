// Package admin gates the operational surface: dispute resolution,
// attention queues and manual sweeps.
package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradesafe/internal/transaction"
)

// Checker decides whether a user may use admin endpoints.
type Checker interface {
	IsAdmin(userID string) bool
}

// StaticChecker authorizes a fixed set of user IDs from configuration.
type StaticChecker struct {
	ids map[string]struct{}
}

// NewStaticChecker creates a checker from a list of admin user IDs.
func NewStaticChecker(userIDs []string) *StaticChecker {
	ids := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		if id != "" {
			ids[id] = struct{}{}
		}
	}
	return &StaticChecker{ids: ids}
}

func (s *StaticChecker) IsAdmin(userID string) bool {
	_, ok := s.ids[userID]
	return ok
}

// RequireAdmin aborts requests whose authenticated user is not an
// admin. Apply after the identity middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("isAdmin") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// AttentionItem is a transaction stuck in a state that needs a human.
type AttentionItem struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Reasons     []string                 `json:"reasons"`
}

// AttentionReasons derives why a transaction landed on the attention
// queue.
func AttentionReasons(t *transaction.Transaction, now time.Time) []string {
	var reasons []string
	if t.DisputeID != "" {
		reasons = append(reasons, "open_dispute")
	}
	if t.DeadlineMissed {
		reasons = append(reasons, "payment_deadline_missed")
	}
	if t.PaidAt != nil && !t.IsTerminal() && t.AutoReleaseAt != nil && now.After(*t.AutoReleaseAt) && t.DisputeID == "" {
		reasons = append(reasons, "release_overdue")
	}
	if t.PaidAt != nil && t.SettlementRef == "" {
		reasons = append(reasons, "missing_settlement_reference")
	}
	if t.PaidAt != nil && !t.IsTerminal() && t.PayoutAccount == "" {
		reasons = append(reasons, "missing_payout_account")
	}
	return reasons
}

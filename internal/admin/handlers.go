package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradesafe/internal/dispute"
	"github.com/mbd888/tradesafe/internal/money"
	"github.com/mbd888/tradesafe/internal/refund"
	"github.com/mbd888/tradesafe/internal/sweeper"
	"github.com/mbd888/tradesafe/internal/transaction"
)

// Handler provides the admin HTTP endpoints.
type Handler struct {
	txns     transaction.Store
	disputes *dispute.Service
	sweeper  *sweeper.Sweeper
}

// NewHandler creates an admin handler.
func NewHandler(txns transaction.Store, disputes *dispute.Service, s *sweeper.Sweeper) *Handler {
	return &Handler{txns: txns, disputes: disputes, sweeper: s}
}

// RegisterRoutes sets up admin routes. Mount behind RequireAdmin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/attention", h.ListAttention)
	r.GET("/admin/transactions/:id", h.GetTransaction)
	r.POST("/admin/disputes/:id/escalate", h.EscalateDispute)
	r.POST("/admin/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/admin/sweep", h.TriggerSweep)
}

// ListAttention handles GET /v1/admin/attention
func (h *Handler) ListAttention(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	now := time.Now()
	txns, err := h.txns.ListNeedingAttention(c.Request.Context(), now, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list transactions needing attention",
		})
		return
	}

	items := make([]AttentionItem, 0, len(txns))
	for _, t := range txns {
		items = append(items, AttentionItem{Transaction: t, Reasons: AttentionReasons(t, now)})
	}

	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"count": len(items),
	})
}

// GetTransaction handles GET /v1/admin/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.txns.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, transaction.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// EscalateDispute handles POST /v1/admin/disputes/:id/escalate
func (h *Handler) EscalateDispute(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)

	d, err := h.disputes.Escalate(c.Request.Context(), c.Param("id"), req.Note)
	if err != nil {
		respondAdminDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req struct {
		Resolution   string `json:"resolution" binding:"required"`
		RefundAmount string `json:"refundAmount"`
		Note         string `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resolution := dispute.Resolution(req.Resolution)
	if resolution != dispute.ResolutionNoRefund && resolution != dispute.ResolutionRefundRequired {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_resolution",
			"message": "Resolution must be no_refund or refund_required",
		})
		return
	}

	// Absent or zero orders a full refund.
	var refundAmount money.Amount
	if req.RefundAmount != "" {
		parsed, err := money.Parse(req.RefundAmount)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "refundAmount must be a non-negative decimal amount",
			})
			return
		}
		refundAmount = parsed
	}

	d, err := h.disputes.Resolve(c.Request.Context(), c.Param("id"), c.GetString("userID"), resolution, refundAmount, req.Note)
	if err != nil {
		if errors.Is(err, refund.ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Refund amount exceeds the transaction total",
			})
			return
		}
		respondAdminDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// TriggerSweep handles POST /v1/admin/sweep
func (h *Handler) TriggerSweep(c *gin.Context) {
	sum := h.sweeper.Run(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"summary": sum})
}

func respondAdminDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, dispute.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, dispute.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Operation not valid for the dispute's current status",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
